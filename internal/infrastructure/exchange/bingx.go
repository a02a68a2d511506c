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

const bingxDefaultBaseURL = "https://open-api.bingx.com"

// BingXClient BingX USDT 永续
// BingX 合约接口默认双向持仓，positionSide 必填
type BingXClient struct {
	baseURL   string
	creds     credentials
	hedgeMode bool
	http      *http.Client
}

func NewBingXClient(baseURL string, creds credentials, hedgeMode bool) *BingXClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = bingxDefaultBaseURL
	}
	return &BingXClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		creds:     creds,
		hedgeMode: hedgeMode,
		http:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

var _ port.ExchangeClient = (*BingXClient)(nil)

func (c *BingXClient) Name() string { return BingX }

func (c *BingXClient) HedgeMode() bool { return c.hedgeMode }

func (c *BingXClient) ContractSize(string) float64 { return 1 }

// request 签名方式与 Binance 同族：对 query 做 HMAC-SHA256，解 {code,msg,data} 包装
func (c *BingXClient) request(ctx context.Context, method, path string, params url.Values, signed bool) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if c.creds.empty() {
			return nil, port.NewPermanentError(BingX, "no_credentials", fmt.Errorf("api key not configured"))
		}
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	query := params.Encode()
	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	if signed {
		mac := hmac.New(sha256.New, []byte(c.creds.apiSecret))
		mac.Write([]byte(query))
		endpoint += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, port.NewPermanentError(BingX, "bad_request", err)
	}
	if signed {
		req.Header.Set("X-BX-APIKEY", c.creds.apiKey)
	}

	status, body, err := httpDo(c.http, BingX, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(BingX, status, body)
	}

	var envelope struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	if envelope.Code != 0 {
		err := fmt.Errorf("code %d: %s", envelope.Code, envelope.Msg)
		if envelope.Code == 100410 { // rate limit
			return nil, port.NewTransientError(BingX, "rate_limited", err)
		}
		return nil, port.NewPermanentError(BingX, "rejected", err)
	}
	return envelope.Data, nil
}

func (c *BingXClient) FetchFundingRate(ctx context.Context, symbol string) (*port.FundingRateInfo, error) {
	params := url.Values{"symbol": {BingXSymbol(symbol)}}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/quote/premiumIndex", params, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	return &port.FundingRateInfo{
		Rate:          cast.ToFloat64(raw.LastFundingRate),
		IntervalHours: 8,
		NextTime:      time.UnixMilli(raw.NextFundingTime),
		MarkPrice:     cast.ToFloat64(raw.MarkPrice),
		IndexPrice:    cast.ToFloat64(raw.IndexPrice),
	}, nil
}

func (c *BingXClient) FetchTicker(ctx context.Context, symbol string) (*port.Ticker, error) {
	params := url.Values{"symbol": {BingXSymbol(symbol)}}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/quote/price", params, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	return &port.Ticker{LastPrice: cast.ToFloat64(raw.Price)}, nil
}

type bingxOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Status      string `json:"status"`
	Price       string `json:"price"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	UpdateTime  int64  `json:"updateTime"`
}

func (o *bingxOrder) toPort() *port.Order {
	status := "open"
	switch o.Status {
	case "FILLED":
		status = "filled"
	case "CANCELLED", "CANCELED":
		status = "canceled"
	case "EXPIRED":
		status = "expired"
	}
	return &port.Order{
		ID:        strconv.FormatInt(o.OrderID, 10),
		Symbol:    UnifySymbol(o.Symbol),
		Side:      strings.ToLower(o.Side),
		Status:    status,
		Price:     cast.ToFloat64(o.Price),
		AvgPrice:  cast.ToFloat64(o.AvgPrice),
		FilledQty: cast.ToFloat64(o.ExecutedQty),
		Timestamp: o.UpdateTime,
	}
}

func (c *BingXClient) CreateOrder(ctx context.Context, req *port.OrderRequest) (*port.Order, error) {
	params := url.Values{
		"symbol":   {BingXSymbol(req.Symbol)},
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
	// 双向持仓必填，通用参数缺失时按委托方向推断
	if ps := cast.ToString(req.Params["positionSide"]); ps != "" {
		params.Set("positionSide", ps)
	} else if req.Side == "buy" {
		params.Set("positionSide", "LONG")
	} else {
		params.Set("positionSide", "SHORT")
	}

	data, err := c.request(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Order bingxOrder `json:"order"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	out := resp.Order.toPort()
	if out.Symbol == "" {
		out.Symbol = UnifySymbol(BingXSymbol(req.Symbol))
	}
	if out.Side == "" {
		out.Side = req.Side
	}
	return out, nil
}

func (c *BingXClient) FetchOrder(ctx context.Context, id, symbol string) (*port.Order, error) {
	params := url.Values{"symbol": {BingXSymbol(symbol)}, "orderId": {id}}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Order bingxOrder `json:"order"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	return resp.Order.toPort(), nil
}

func (c *BingXClient) FetchOpenOrders(ctx context.Context, symbol string) ([]port.Order, error) {
	params := url.Values{"symbol": {BingXSymbol(symbol)}}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/trade/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Orders []bingxOrder `json:"orders"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	out := make([]port.Order, 0, len(resp.Orders))
	for i := range resp.Orders {
		out = append(out, *resp.Orders[i].toPort())
	}
	return out, nil
}

func (c *BingXClient) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]port.TradeFill, error) {
	params := url.Values{"symbol": {BingXSymbol(symbol)}}
	if since > 0 {
		params.Set("startTs", strconv.FormatInt(since, 10))
		params.Set("endTs", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/trade/allFillOrders", params, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		FillOrders []struct {
			OrderID    string `json:"orderId"`
			Price      string `json:"price"`
			Volume     string `json:"volume"`
			Commission string `json:"commission"`
			FilledTime string `json:"filledTime"`
		} `json:"fill_orders"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	out := make([]port.TradeFill, 0, len(resp.FillOrders))
	for _, f := range resp.FillOrders {
		if limit > 0 && len(out) >= limit {
			break
		}
		ts, _ := time.Parse(time.RFC3339, f.FilledTime)
		out = append(out, port.TradeFill{
			OrderID:   f.OrderID,
			Price:     cast.ToFloat64(f.Price),
			Quantity:  cast.ToFloat64(f.Volume),
			Fee:       -cast.ToFloat64(f.Commission),
			Timestamp: ts.UnixMilli(),
		})
	}
	return out, nil
}

func (c *BingXClient) CancelOrder(ctx context.Context, id, symbol string) error {
	params := url.Values{"symbol": {BingXSymbol(symbol)}, "orderId": {id}}
	_, err := c.request(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", params, true)
	return err
}

func (c *BingXClient) FetchPositions(ctx context.Context, symbol string) ([]port.ExchangePosition, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", BingXSymbol(symbol))
	}
	data, err := c.request(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", params, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionSide     string `json:"positionSide"`
		PositionAmt      string `json:"positionAmt"`
		AvgPrice         string `json:"avgPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, port.NewPermanentError(BingX, "decode", err)
	}
	out := make([]port.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		amt := cast.ToFloat64(p.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, port.ExchangePosition{
			Symbol:        UnifySymbol(p.Symbol),
			Side:          strings.ToLower(p.PositionSide),
			Contracts:     amt,
			EntryPrice:    cast.ToFloat64(p.AvgPrice),
			UnrealizedPnL: cast.ToFloat64(p.UnrealizedProfit),
		})
	}
	return out, nil
}
