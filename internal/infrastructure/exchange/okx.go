package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"

	"fundarb/internal/application/port"
)

const okxDefaultBaseURL = "https://www.okx.com"

// OKXClient OKX USDT 本位永续
// OKX 下单以"张"计量，ContractSize 从 instruments 接口取 ctVal 并缓存
type OKXClient struct {
	baseURL   string
	creds     credentials
	hedgeMode bool
	http      *http.Client

	ctVals sync.Map // instId -> float64
}

func NewOKXClient(baseURL string, creds credentials, hedgeMode bool) *OKXClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = okxDefaultBaseURL
	}
	return &OKXClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		creds:     creds,
		hedgeMode: hedgeMode,
		http:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

var _ port.ExchangeClient = (*OKXClient)(nil)

func (c *OKXClient) Name() string { return OKX }

func (c *OKXClient) HedgeMode() bool { return c.hedgeMode }

func (c *OKXClient) ContractSize(symbol string) float64 {
	instID := OKXInstID(symbol)
	if v, ok := c.ctVals.Load(instID); ok {
		return v.(float64)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()
	data, err := c.request(ctx, http.MethodGet, "/api/v5/public/instruments?instType=SWAP&instId="+instID, nil, false)
	if err != nil {
		return 0
	}
	var raw []struct {
		CtVal string `json:"ctVal"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return 0
	}
	ctVal := cast.ToFloat64(raw[0].CtVal)
	if ctVal > 0 {
		c.ctVals.Store(instID, ctVal)
	}
	return ctVal
}

// request 发起请求并解开 OKX 的 {code,msg,data} 包装，返回 data 原文
func (c *OKXClient) request(ctx context.Context, method, pathWithQuery string, payload any, signed bool) (json.RawMessage, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, port.NewPermanentError(OKX, "encode", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathWithQuery, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, port.NewPermanentError(OKX, "bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.creds.empty() {
			return nil, port.NewPermanentError(OKX, "no_credentials", fmt.Errorf("api key not configured"))
		}
		ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
		mac := hmac.New(sha256.New, []byte(c.creds.apiSecret))
		mac.Write([]byte(ts + method + pathWithQuery + string(bodyBytes)))
		req.Header.Set("OK-ACCESS-KEY", c.creds.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.passphrase)
	}

	status, body, err := httpDo(c.http, OKX, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(OKX, status, body)
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, port.NewPermanentError(OKX, "decode", err)
	}
	if envelope.Code != "0" {
		err := fmt.Errorf("code %s: %s", envelope.Code, envelope.Msg)
		// 50011 = too many requests
		if envelope.Code == "50011" {
			return nil, port.NewTransientError(OKX, "rate_limited", err)
		}
		return nil, port.NewPermanentError(OKX, "rejected", err)
	}
	return envelope.Data, nil
}

func (c *OKXClient) FetchFundingRate(ctx context.Context, symbol string) (*port.FundingRateInfo, error) {
	instID := OKXInstID(symbol)
	data, err := c.request(ctx, http.MethodGet, "/api/v5/public/funding-rate?instId="+instID, nil, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		FundingRate     string `json:"fundingRate"`
		FundingTime     string `json:"fundingTime"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, port.NewPermanentError(OKX, "decode", fmt.Errorf("funding rate payload: %v", err))
	}

	// 结算周期由相邻两次结算时间差推出，拿不到就留 0 交给归一化兜底
	cur := cast.ToInt64(raw[0].FundingTime)
	next := cast.ToInt64(raw[0].NextFundingTime)
	interval := 0
	if next > cur && cur > 0 {
		interval = int((next - cur) / 3600_000)
	}

	info := &port.FundingRateInfo{
		Rate:          cast.ToFloat64(raw[0].FundingRate),
		IntervalHours: interval,
		NextTime:      time.UnixMilli(next),
	}

	// 标记价单独一个公共接口
	if mpData, err := c.request(ctx, http.MethodGet, "/api/v5/public/mark-price?instType=SWAP&instId="+instID, nil, false); err == nil {
		var mp []struct {
			MarkPx string `json:"markPx"`
		}
		if json.Unmarshal(mpData, &mp) == nil && len(mp) > 0 {
			info.MarkPrice = cast.ToFloat64(mp[0].MarkPx)
		}
	}
	return info, nil
}

func (c *OKXClient) FetchTicker(ctx context.Context, symbol string) (*port.Ticker, error) {
	data, err := c.request(ctx, http.MethodGet, "/api/v5/market/ticker?instId="+OKXInstID(symbol), nil, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, port.NewPermanentError(OKX, "decode", fmt.Errorf("ticker payload: %v", err))
	}
	return &port.Ticker{LastPrice: cast.ToFloat64(raw[0].Last)}, nil
}

type okxOrder struct {
	OrdID   string `json:"ordId"`
	AlgoID  string `json:"algoId"`
	InstID  string `json:"instId"`
	Side    string `json:"side"`
	State   string `json:"state"`
	Px      string `json:"px"`
	AvgPx   string `json:"avgPx"`
	AccFill string `json:"accFillSz"`
	UTime   string `json:"uTime"`
}

func (o *okxOrder) toPort() *port.Order {
	id := o.OrdID
	if id == "" {
		id = o.AlgoID
	}
	return &port.Order{
		ID:        id,
		Symbol:    UnifySymbol(o.InstID),
		Side:      strings.ToLower(o.Side),
		Status:    okxOrderStatus(o.State),
		Price:     cast.ToFloat64(o.Px),
		AvgPrice:  cast.ToFloat64(o.AvgPx),
		FilledQty: cast.ToFloat64(o.AccFill),
		Timestamp: cast.ToInt64(o.UTime),
	}
}

func okxOrderStatus(s string) string {
	switch s {
	case "filled", "effective":
		return "filled"
	case "canceled":
		return "canceled"
	case "order_failed":
		return "expired"
	default:
		return "open"
	}
}

func (c *OKXClient) CreateOrder(ctx context.Context, req *port.OrderRequest) (*port.Order, error) {
	instID := OKXInstID(req.Symbol)
	sz := strconv.FormatFloat(req.Quantity, 'f', -1, 64)

	if req.Type == "stop_market" || req.Type == "take_profit_market" {
		// 条件单走 algo 接口
		payload := map[string]any{
			"instId":    instID,
			"tdMode":    "cross",
			"side":      req.Side,
			"ordType":   "trigger",
			"sz":        sz,
			"triggerPx": cast.ToString(req.Params["stopPrice"]),
			"orderPx":   "-1", // 触发后市价
		}
		applyOKXPosParams(payload, req.Params)
		data, err := c.request(ctx, http.MethodPost, "/api/v5/trade/order-algo", payload, true)
		if err != nil {
			return nil, err
		}
		var raw []okxOrder
		if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
			return nil, port.NewPermanentError(OKX, "decode", fmt.Errorf("algo order payload: %v", err))
		}
		out := raw[0].toPort()
		out.Symbol = UnifySymbol(instID)
		return out, nil
	}

	payload := map[string]any{
		"instId":  instID,
		"tdMode":  "cross",
		"side":    req.Side,
		"ordType": "market",
		"sz":      sz,
	}
	applyOKXPosParams(payload, req.Params)
	data, err := c.request(ctx, http.MethodPost, "/api/v5/trade/order", payload, true)
	if err != nil {
		return nil, err
	}
	var raw []okxOrder
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, port.NewPermanentError(OKX, "decode", fmt.Errorf("order payload: %v", err))
	}
	out := raw[0].toPort()
	out.Symbol = UnifySymbol(instID)
	return out, nil
}

// applyOKXPosParams 通用参数翻译：positionSide -> posSide，reduceOnly 原样
func applyOKXPosParams(payload map[string]any, params map[string]any) {
	if ps, ok := params["positionSide"]; ok {
		payload["posSide"] = strings.ToLower(cast.ToString(ps))
	}
	if ro, ok := params["reduceOnly"]; ok && cast.ToBool(ro) {
		payload["reduceOnly"] = true
	}
}

func (c *OKXClient) FetchOrder(ctx context.Context, id, symbol string) (*port.Order, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s&ordId=%s", OKXInstID(symbol), id)
	data, err := c.request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []okxOrder
	if err := json.Unmarshal(data, &raw); err != nil || len(raw) == 0 {
		return nil, port.NewPermanentError(OKX, "decode", fmt.Errorf("order payload: %v", err))
	}
	return raw[0].toPort(), nil
}

func (c *OKXClient) FetchOpenOrders(ctx context.Context, symbol string) ([]port.Order, error) {
	instID := OKXInstID(symbol)
	out := make([]port.Order, 0, 4)

	// 普通挂单和 algo 挂单分别在两个接口
	for _, path := range []string{
		"/api/v5/trade/orders-pending?instId=" + instID,
		"/api/v5/trade/orders-algo-pending?ordType=trigger&instId=" + instID,
	} {
		data, err := c.request(ctx, http.MethodGet, path, nil, true)
		if err != nil {
			return nil, err
		}
		var raw []okxOrder
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, port.NewPermanentError(OKX, "decode", err)
		}
		for i := range raw {
			out = append(out, *raw[i].toPort())
		}
	}
	return out, nil
}

func (c *OKXClient) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]port.TradeFill, error) {
	path := fmt.Sprintf("/api/v5/trade/fills?instType=SWAP&instId=%s", OKXInstID(symbol))
	if since > 0 {
		path += "&begin=" + strconv.FormatInt(since, 10)
	}
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	data, err := c.request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrdID  string `json:"ordId"`
		FillPx string `json:"fillPx"`
		FillSz string `json:"fillSz"`
		Fee    string `json:"fee"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(OKX, "decode", err)
	}
	out := make([]port.TradeFill, 0, len(raw))
	for _, f := range raw {
		out = append(out, port.TradeFill{
			OrderID:   f.OrdID,
			Price:     cast.ToFloat64(f.FillPx),
			Quantity:  cast.ToFloat64(f.FillSz),
			Fee:       -cast.ToFloat64(f.Fee), // OKX 手续费为负数表示支出
			Timestamp: cast.ToInt64(f.Ts),
		})
	}
	return out, nil
}

func (c *OKXClient) CancelOrder(ctx context.Context, id, symbol string) error {
	payload := map[string]any{"instId": OKXInstID(symbol), "ordId": id}
	if _, err := c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-order", payload, true); err == nil {
		return nil
	}
	// 条件单要走 algo 撤单
	algoPayload := []map[string]any{{"instId": OKXInstID(symbol), "algoId": id}}
	_, err := c.request(ctx, http.MethodPost, "/api/v5/trade/cancel-algos", algoPayload, true)
	return err
}

func (c *OKXClient) FetchPositions(ctx context.Context, symbol string) ([]port.ExchangePosition, error) {
	path := "/api/v5/account/positions?instType=SWAP"
	if symbol != "" {
		path += "&instId=" + OKXInstID(symbol)
	}
	data, err := c.request(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		Upl     string `json:"upl"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(OKX, "decode", err)
	}
	out := make([]port.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		pos := cast.ToFloat64(p.Pos)
		if pos == 0 {
			continue
		}
		side := strings.ToLower(p.PosSide)
		if side == "" || side == "net" {
			side = "long"
			if pos < 0 {
				side = "short"
				pos = -pos
			}
		}
		out = append(out, port.ExchangePosition{
			Symbol:        UnifySymbol(p.InstID),
			Side:          side,
			Contracts:     pos,
			EntryPrice:    cast.ToFloat64(p.AvgPx),
			UnrealizedPnL: cast.ToFloat64(p.Upl),
		})
	}
	return out, nil
}
