package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"fundarb/internal/application/port"
	domainservice "fundarb/internal/domain/service"
)

const mexcDefaultBaseURL = "https://contract.mexc.com"

// MEXC 合约方向码
const (
	mexcOpenLong   = 1
	mexcCloseShort = 2
	mexcOpenShort  = 3
	mexcCloseLong  = 4
)

// MEXCClient MEXC 合约
// 注意 collectCycle 字段线上返回过字符串 "8"，结算周期一律走 CoerceIntervalHours
type MEXCClient struct {
	baseURL   string
	creds     credentials
	hedgeMode bool
	http      *http.Client

	contractSizes sync.Map // contract -> float64
}

func NewMEXCClient(baseURL string, creds credentials, hedgeMode bool) *MEXCClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = mexcDefaultBaseURL
	}
	return &MEXCClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		creds:     creds,
		hedgeMode: hedgeMode,
		http:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

var _ port.ExchangeClient = (*MEXCClient)(nil)

func (c *MEXCClient) Name() string { return MEXC }

func (c *MEXCClient) HedgeMode() bool { return c.hedgeMode }

func (c *MEXCClient) ContractSize(symbol string) float64 {
	contract := MEXCContract(symbol)
	if v, ok := c.contractSizes.Load(contract); ok {
		return v.(float64)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()
	data, err := c.request(ctx, http.MethodGet, "/api/v1/contract/detail?symbol="+contract, nil, false)
	if err != nil {
		return 0
	}
	var raw struct {
		ContractSize any `json:"contractSize"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0
	}
	size := cast.ToFloat64(raw.ContractSize)
	if size > 0 {
		c.contractSizes.Store(contract, size)
	}
	return size
}

// request 解开 {success, code, data} 包装
func (c *MEXCClient) request(ctx context.Context, method, pathWithQuery string, payload any, signed bool) (json.RawMessage, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, port.NewPermanentError(MEXC, "encode", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, port.NewPermanentError(MEXC, "bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.creds.empty() {
			return nil, port.NewPermanentError(MEXC, "no_credentials", fmt.Errorf("api key not configured"))
		}
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		var paramStr string
		if method == http.MethodGet {
			if i := strings.IndexByte(pathWithQuery, '?'); i >= 0 {
				paramStr = sortedQuery(pathWithQuery[i+1:])
			}
		} else {
			paramStr = string(bodyBytes)
		}
		mac := hmac.New(sha256.New, []byte(c.creds.apiSecret))
		mac.Write([]byte(c.creds.apiKey + ts + paramStr))
		req.Header.Set("ApiKey", c.creds.apiKey)
		req.Header.Set("Request-Time", ts)
		req.Header.Set("Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	status, body, err := httpDo(c.http, MEXC, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(MEXC, status, body)
	}

	var envelope struct {
		Success bool            `json:"success"`
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	if !envelope.Success {
		err := fmt.Errorf("code %d: %s", envelope.Code, envelope.Message)
		if envelope.Code == 510 { // too frequent
			return nil, port.NewTransientError(MEXC, "rate_limited", err)
		}
		return nil, port.NewPermanentError(MEXC, "rejected", err)
	}
	return envelope.Data, nil
}

// sortedQuery 按键排序重排查询串，MEXC 签名要求字典序
func sortedQuery(query string) string {
	parts := strings.Split(query, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func (c *MEXCClient) FetchFundingRate(ctx context.Context, symbol string) (*port.FundingRateInfo, error) {
	contract := MEXCContract(symbol)
	data, err := c.request(ctx, http.MethodGet, "/api/v1/contract/funding_rate/"+contract, nil, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		FundingRate    float64 `json:"fundingRate"`
		CollectCycle   any     `json:"collectCycle"` // 数字或字符串 "8"
		NextSettleTime int64   `json:"nextSettleTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}

	info := &port.FundingRateInfo{
		Rate:          raw.FundingRate,
		IntervalHours: domainservice.CoerceIntervalHours(raw.CollectCycle),
		NextTime:      time.UnixMilli(raw.NextSettleTime),
	}

	// 标记价在 ticker 里
	if tData, err := c.request(ctx, http.MethodGet, "/api/v1/contract/ticker?symbol="+contract, nil, false); err == nil {
		var t struct {
			FairPrice  float64 `json:"fairPrice"`
			IndexPrice float64 `json:"indexPrice"`
		}
		if json.Unmarshal(tData, &t) == nil {
			info.MarkPrice = t.FairPrice
			info.IndexPrice = t.IndexPrice
		}
	}
	return info, nil
}

func (c *MEXCClient) FetchTicker(ctx context.Context, symbol string) (*port.Ticker, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v1/contract/ticker?symbol="+MEXCContract(symbol), nil, false)
	if err != nil {
		return nil, err
	}
	var t struct {
		LastPrice float64 `json:"lastPrice"`
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	return &port.Ticker{LastPrice: t.LastPrice}, nil
}

// mexcSideCode 通用方向到 MEXC 方向码
func mexcSideCode(side string, reduce bool) int {
	if reduce {
		if side == "sell" {
			return mexcCloseLong
		}
		return mexcCloseShort
	}
	if side == "buy" {
		return mexcOpenLong
	}
	return mexcOpenShort
}

func (c *MEXCClient) CreateOrder(ctx context.Context, req *port.OrderRequest) (*port.Order, error) {
	contract := MEXCContract(req.Symbol)
	reduce := cast.ToBool(req.Params["reduceOnly"])
	if ps := cast.ToString(req.Params["positionSide"]); ps != "" {
		// 双向模式下平仓方向由 positionSide 与委托方向共同决定
		reduce = (ps == "LONG" && req.Side == "sell") || (ps == "SHORT" && req.Side == "buy")
	}

	if req.Type == "stop_market" || req.Type == "take_profit_market" {
		payload := map[string]any{
			"symbol":       contract,
			"vol":          req.Quantity,
			"side":         mexcSideCode(req.Side, true),
			"openType":     2, // cross
			"triggerPrice": cast.ToFloat64(req.Params["stopPrice"]),
			"triggerType":  1, // 最新价触发
			"executeCycle": 2,
			"orderType":    5, // 市价
			"trend":        1,
		}
		data, err := c.request(ctx, http.MethodPost, "/api/v1/private/planorder/place", payload, true)
		if err != nil {
			return nil, err
		}
		var id any
		_ = json.Unmarshal(data, &id)
		return &port.Order{ID: cast.ToString(id), Symbol: UnifySymbol(contract), Side: req.Side, Status: "open"}, nil
	}

	payload := map[string]any{
		"symbol":   contract,
		"vol":      req.Quantity,
		"side":     mexcSideCode(req.Side, reduce),
		"openType": 2,
		"type":     5, // 市价
	}
	data, err := c.request(ctx, http.MethodPost, "/api/v1/private/order/submit", payload, true)
	if err != nil {
		return nil, err
	}
	var id any
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	// 下单响应只有订单号，成交价靠查单兜底
	return &port.Order{ID: cast.ToString(id), Symbol: UnifySymbol(contract), Side: req.Side, Status: "open", Timestamp: time.Now().UnixMilli()}, nil
}

type mexcOrder struct {
	OrderID    any     `json:"orderId"`
	Symbol     string  `json:"symbol"`
	Side       int     `json:"side"`
	State      int     `json:"state"`
	Price      float64 `json:"price"`
	DealAvgPx  float64 `json:"dealAvgPrice"`
	DealVol    float64 `json:"dealVol"`
	UpdateTime int64   `json:"updateTime"`
}

func (o *mexcOrder) toPort() *port.Order {
	side := "buy"
	if o.Side == mexcOpenShort || o.Side == mexcCloseLong {
		side = "sell"
	}
	// state: 1 待报 2 未成交 3 已成交 4 已撤销 5 无效
	status := "open"
	switch o.State {
	case 3:
		status = "filled"
	case 4:
		status = "canceled"
	case 5:
		status = "expired"
	}
	return &port.Order{
		ID:        cast.ToString(o.OrderID),
		Symbol:    UnifySymbol(o.Symbol),
		Side:      side,
		Status:    status,
		Price:     o.Price,
		AvgPrice:  o.DealAvgPx,
		FilledQty: o.DealVol,
		Timestamp: o.UpdateTime,
	}
}

func (c *MEXCClient) FetchOrder(ctx context.Context, id, symbol string) (*port.Order, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v1/private/order/get/"+id+"?symbol="+MEXCContract(symbol), nil, true)
	if err != nil {
		return nil, err
	}
	var o mexcOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	return o.toPort(), nil
}

func (c *MEXCClient) FetchOpenOrders(ctx context.Context, symbol string) ([]port.Order, error) {
	contract := MEXCContract(symbol)
	out := make([]port.Order, 0, 4)

	data, err := c.request(ctx, http.MethodGet, "/api/v1/private/order/list/open_orders/"+contract, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []mexcOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	for i := range raw {
		out = append(out, *raw[i].toPort())
	}

	// 计划委托单独列表
	planData, err := c.request(ctx, http.MethodGet, "/api/v1/private/planorder/list/orders?symbol="+contract+"&states=1", nil, true)
	if err != nil {
		return out, nil // 计划单列表失败不拖垮普通挂单结果
	}
	var plans []struct {
		ID     any    `json:"id"`
		Symbol string `json:"symbol"`
	}
	if json.Unmarshal(planData, &plans) == nil {
		for _, p := range plans {
			out = append(out, port.Order{ID: cast.ToString(p.ID), Symbol: UnifySymbol(p.Symbol), Status: "open"})
		}
	}
	return out, nil
}

func (c *MEXCClient) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]port.TradeFill, error) {
	path := "/api/v1/private/order/list/order_deals?symbol=" + MEXCContract(symbol)
	if since > 0 {
		path += "&start_time=" + strconv.FormatInt(since, 10)
	}
	if limit > 0 {
		path += "&page_size=" + strconv.Itoa(limit)
	}
	data, err := c.request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID   any     `json:"orderId"`
		Price     float64 `json:"price"`
		Vol       float64 `json:"vol"`
		Fee       float64 `json:"fee"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	out := make([]port.TradeFill, 0, len(raw))
	for _, f := range raw {
		out = append(out, port.TradeFill{
			OrderID:   cast.ToString(f.OrderID),
			Price:     f.Price,
			Quantity:  f.Vol,
			Fee:       f.Fee,
			Timestamp: f.Timestamp,
		})
	}
	return out, nil
}

func (c *MEXCClient) CancelOrder(ctx context.Context, id, symbol string) error {
	if _, err := c.request(ctx, http.MethodPost, "/api/v1/private/order/cancel", []string{id}, true); err == nil {
		return nil
	}
	// 计划委托走各自的撤单接口
	payload := []map[string]any{{"symbol": MEXCContract(symbol), "orderId": id}}
	_, err := c.request(ctx, http.MethodPost, "/api/v1/private/planorder/cancel", payload, true)
	return err
}

func (c *MEXCClient) FetchPositions(ctx context.Context, symbol string) ([]port.ExchangePosition, error) {
	path := "/api/v1/private/position/open_positions"
	if symbol != "" {
		path += "?symbol=" + MEXCContract(symbol)
	}
	data, err := c.request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol       string  `json:"symbol"`
		PositionType int     `json:"positionType"` // 1 多 2 空
		HoldVol      float64 `json:"holdVol"`
		HoldAvgPx    float64 `json:"holdAvgPrice"`
		Realised     float64 `json:"realised"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(MEXC, "decode", err)
	}
	out := make([]port.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		if p.HoldVol == 0 {
			continue
		}
		side := "long"
		if p.PositionType == 2 {
			side = "short"
		}
		out = append(out, port.ExchangePosition{
			Symbol:     UnifySymbol(p.Symbol),
			Side:       side,
			Contracts:  p.HoldVol,
			EntryPrice: p.HoldAvgPx,
		})
	}
	return out, nil
}
