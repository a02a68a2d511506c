package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"fundarb/internal/application/port"
)

const binanceDefaultBaseURL = "https://fapi.binance.com"

// BinanceClient Binance USDT 本位合约
type BinanceClient struct {
	baseURL   string
	creds     credentials
	hedgeMode bool
	http      *http.Client
}

func NewBinanceClient(baseURL string, creds credentials, hedgeMode bool) *BinanceClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = binanceDefaultBaseURL
	}
	return &BinanceClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		creds:     creds,
		hedgeMode: hedgeMode,
		http:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

var _ port.ExchangeClient = (*BinanceClient)(nil)

func (c *BinanceClient) Name() string { return Binance }

func (c *BinanceClient) HedgeMode() bool { return c.hedgeMode }

// ContractSize Binance 合约数量即币数量
func (c *BinanceClient) ContractSize(string) float64 { return 1 }

// sign HMAC-SHA256 十六进制签名
func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.creds.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BinanceClient) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, port.NewPermanentError(Binance, "bad_request", err)
	}
	status, body, err := httpDo(c.http, Binance, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(Binance, status, body)
	}
	return body, nil
}

func (c *BinanceClient) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.creds.empty() {
		return nil, port.NewPermanentError(Binance, "no_credentials", fmt.Errorf("api key not configured"))
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if params.Get("recvWindow") == "" {
		params.Set("recvWindow", "5000")
	}
	query := params.Encode()
	endpoint := fmt.Sprintf("%s%s?%s&signature=%s", c.baseURL, path, query, c.sign(query))

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, port.NewPermanentError(Binance, "bad_request", err)
	}
	req.Header.Set("X-MBX-APIKEY", c.creds.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := httpDo(c.http, Binance, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(Binance, status, body)
	}
	return body, nil
}

type binancePremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
}

func (c *BinanceClient) FetchFundingRate(ctx context.Context, symbol string) (*port.FundingRateInfo, error) {
	params := url.Values{"symbol": {BinanceSymbol(symbol)}}
	body, err := c.public(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return nil, err
	}
	var pi binancePremiumIndex
	if err := json.Unmarshal(body, &pi); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	return &port.FundingRateInfo{
		Rate:          cast.ToFloat64(pi.LastFundingRate),
		IntervalHours: 8, // Binance USDT 永续固定 8h 结算
		NextTime:      time.UnixMilli(pi.NextFundingTime),
		MarkPrice:     cast.ToFloat64(pi.MarkPrice),
		IndexPrice:    cast.ToFloat64(pi.IndexPrice),
	}, nil
}

func (c *BinanceClient) FetchTicker(ctx context.Context, symbol string) (*port.Ticker, error) {
	body, err := c.public(ctx, "/fapi/v1/ticker/price", url.Values{"symbol": {BinanceSymbol(symbol)}})
	if err != nil {
		return nil, err
	}
	var t struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	return &port.Ticker{LastPrice: cast.ToFloat64(t.Price)}, nil
}

type binanceOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Status      string `json:"status"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

func (o *binanceOrder) toPort() *port.Order {
	return &port.Order{
		ID:        strconv.FormatInt(o.OrderID, 10),
		Symbol:    UnifySymbol(o.Symbol),
		Side:      strings.ToLower(o.Side),
		Status:    binanceOrderStatus(o.Status),
		Price:     cast.ToFloat64(o.Price),
		AvgPrice:  cast.ToFloat64(o.AvgPrice),
		FilledQty: cast.ToFloat64(o.ExecutedQty),
		Timestamp: o.UpdateTime,
	}
}

func binanceOrderStatus(s string) string {
	switch s {
	case "FILLED":
		return "filled"
	case "CANCELED":
		return "canceled"
	case "EXPIRED":
		return "expired"
	default:
		return "open"
	}
}

func (c *BinanceClient) CreateOrder(ctx context.Context, req *port.OrderRequest) (*port.Order, error) {
	params := url.Values{
		"symbol":   {BinanceSymbol(req.Symbol)},
		"side":     {strings.ToUpper(req.Side)},
		"quantity": {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
	}
	switch req.Type {
	case "stop_market":
		params.Set("type", "STOP_MARKET")
	case "take_profit_market":
		params.Set("type", "TAKE_PROFIT_MARKET")
	default:
		params.Set("type", "MARKET")
	}
	if sp, ok := req.Params["stopPrice"]; ok {
		params.Set("stopPrice", strconv.FormatFloat(cast.ToFloat64(sp), 'f', -1, 64))
	}
	if ps, ok := req.Params["positionSide"]; ok {
		params.Set("positionSide", cast.ToString(ps))
	}
	if ro, ok := req.Params["reduceOnly"]; ok && cast.ToBool(ro) {
		params.Set("reduceOnly", "true")
	}

	body, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var o binanceOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	return o.toPort(), nil
}

func (c *BinanceClient) FetchOrder(ctx context.Context, id, symbol string) (*port.Order, error) {
	params := url.Values{"symbol": {BinanceSymbol(symbol)}, "orderId": {id}}
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var o binanceOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	return o.toPort(), nil
}

func (c *BinanceClient) FetchOpenOrders(ctx context.Context, symbol string) ([]port.Order, error) {
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", url.Values{"symbol": {BinanceSymbol(symbol)}})
	if err != nil {
		return nil, err
	}
	var raw []binanceOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	out := make([]port.Order, 0, len(raw))
	for i := range raw {
		out = append(out, *raw[i].toPort())
	}
	return out, nil
}

func (c *BinanceClient) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]port.TradeFill, error) {
	params := url.Values{"symbol": {BinanceSymbol(symbol)}}
	if since > 0 {
		params.Set("startTime", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID    int64  `json:"orderId"`
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
		Time       int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	out := make([]port.TradeFill, 0, len(raw))
	for _, f := range raw {
		out = append(out, port.TradeFill{
			OrderID:   strconv.FormatInt(f.OrderID, 10),
			Price:     cast.ToFloat64(f.Price),
			Quantity:  cast.ToFloat64(f.Qty),
			Fee:       cast.ToFloat64(f.Commission),
			Timestamp: f.Time,
		})
	}
	return out, nil
}

func (c *BinanceClient) CancelOrder(ctx context.Context, id, symbol string) error {
	params := url.Values{"symbol": {BinanceSymbol(symbol)}, "orderId": {id}}
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

func (c *BinanceClient) FetchPositions(ctx context.Context, symbol string) ([]port.ExchangePosition, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", BinanceSymbol(symbol))
	}
	body, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol       string `json:"symbol"`
		PositionAmt  string `json:"positionAmt"`
		EntryPrice   string `json:"entryPrice"`
		UnrealizedPL string `json:"unRealizedProfit"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, port.NewPermanentError(Binance, "decode", err)
	}
	out := make([]port.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		amt := cast.ToFloat64(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := "long"
		if amt < 0 {
			side = "short"
			amt = -amt
		}
		out = append(out, port.ExchangePosition{
			Symbol:        UnifySymbol(p.Symbol),
			Side:          side,
			Contracts:     amt,
			EntryPrice:    cast.ToFloat64(p.EntryPrice),
			UnrealizedPnL: cast.ToFloat64(p.UnrealizedPL),
		})
	}
	return out, nil
}
