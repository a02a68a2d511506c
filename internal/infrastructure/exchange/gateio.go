package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
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

const gateDefaultBaseURL = "https://api.gateio.ws"

// GateClient Gate USDT 本位合约
// size 为带符号张数：正为买入，负为卖出
type GateClient struct {
	baseURL   string
	creds     credentials
	hedgeMode bool
	http      *http.Client

	multipliers sync.Map // contract -> float64 (quanto_multiplier)
}

func NewGateClient(baseURL string, creds credentials, hedgeMode bool) *GateClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = gateDefaultBaseURL
	}
	return &GateClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		creds:     creds,
		hedgeMode: hedgeMode,
		http:      &http.Client{Timeout: defaultHTTPTimeout},
	}
}

var _ port.ExchangeClient = (*GateClient)(nil)

func (c *GateClient) Name() string { return GateIO }

func (c *GateClient) HedgeMode() bool { return c.hedgeMode }

func (c *GateClient) ContractSize(symbol string) float64 {
	contract := GateContract(symbol)
	if v, ok := c.multipliers.Load(contract); ok {
		return v.(float64)
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()
	info, err := c.fetchContract(ctx, contract)
	if err != nil {
		return 0
	}
	mult := cast.ToFloat64(info.QuantoMultiplier)
	if mult > 0 {
		c.multipliers.Store(contract, mult)
	}
	return mult
}

// request path 不含 query；签名覆盖 method/path/query/body/timestamp
func (c *GateClient) request(ctx context.Context, method, path, query string, payload any, signed bool) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, port.NewPermanentError(GateIO, "encode", err)
		}
	}

	endpoint := c.baseURL + path
	if query != "" {
		endpoint += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, port.NewPermanentError(GateIO, "bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		if c.creds.empty() {
			return nil, port.NewPermanentError(GateIO, "no_credentials", fmt.Errorf("api key not configured"))
		}
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		bodyHash := sha512.Sum512(bodyBytes)
		msg := strings.Join([]string{method, path, query, hex.EncodeToString(bodyHash[:]), ts}, "\n")
		mac := hmac.New(sha512.New, []byte(c.creds.apiSecret))
		mac.Write([]byte(msg))
		req.Header.Set("KEY", c.creds.apiKey)
		req.Header.Set("Timestamp", ts)
		req.Header.Set("SIGN", hex.EncodeToString(mac.Sum(nil)))
	}

	status, body, err := httpDo(c.http, GateIO, req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, classifyStatus(GateIO, status, body)
	}
	return body, nil
}

type gateContractInfo struct {
	FundingRate      string `json:"funding_rate"`
	FundingInterval  int64  `json:"funding_interval"` // 秒
	FundingNextApply int64  `json:"funding_next_apply"`
	MarkPrice        string `json:"mark_price"`
	IndexPrice       string `json:"index_price"`
	QuantoMultiplier string `json:"quanto_multiplier"`
}

func (c *GateClient) fetchContract(ctx context.Context, contract string) (*gateContractInfo, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/contracts/"+contract, "", nil, false)
	if err != nil {
		return nil, err
	}
	var info gateContractInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, port.NewPermanentError(GateIO, "decode", err)
	}
	return &info, nil
}

func (c *GateClient) FetchFundingRate(ctx context.Context, symbol string) (*port.FundingRateInfo, error) {
	info, err := c.fetchContract(ctx, GateContract(symbol))
	if err != nil {
		return nil, err
	}
	return &port.FundingRateInfo{
		Rate:          cast.ToFloat64(info.FundingRate),
		IntervalHours: int(info.FundingInterval / 3600),
		NextTime:      time.Unix(info.FundingNextApply, 0),
		MarkPrice:     cast.ToFloat64(info.MarkPrice),
		IndexPrice:    cast.ToFloat64(info.IndexPrice),
	}, nil
}

func (c *GateClient) FetchTicker(ctx context.Context, symbol string) (*port.Ticker, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/tickers", "contract="+GateContract(symbol), nil, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Last string `json:"last"`
	}
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) == 0 {
		return nil, port.NewPermanentError(GateIO, "decode", fmt.Errorf("ticker payload: %v", err))
	}
	return &port.Ticker{LastPrice: cast.ToFloat64(raw[0].Last)}, nil
}

type gateOrder struct {
	ID         int64  `json:"id"`
	Contract   string `json:"contract"`
	Size       int64  `json:"size"`
	Status     string `json:"status"`    // open / finished
	FinishAs   string `json:"finish_as"` // filled / cancelled / expired
	Price      string `json:"price"`
	FillPrice  string `json:"fill_price"`
	FinishTime int64  `json:"finish_time"`
}

func (o *gateOrder) toPort() *port.Order {
	side := "buy"
	size := o.Size
	if size < 0 {
		side = "sell"
		size = -size
	}
	status := "open"
	if o.Status == "finished" {
		switch o.FinishAs {
		case "cancelled":
			status = "canceled"
		case "expired":
			status = "expired"
		default:
			status = "filled"
		}
	}
	return &port.Order{
		ID:        strconv.FormatInt(o.ID, 10),
		Symbol:    UnifySymbol(o.Contract),
		Side:      side,
		Status:    status,
		Price:     cast.ToFloat64(o.Price),
		AvgPrice:  cast.ToFloat64(o.FillPrice),
		FilledQty: float64(size),
		Timestamp: o.FinishTime * 1000,
	}
}

func (c *GateClient) CreateOrder(ctx context.Context, req *port.OrderRequest) (*port.Order, error) {
	contract := GateContract(req.Symbol)
	size := int64(req.Quantity)
	if req.Side == "sell" {
		size = -size
	}

	if req.Type == "stop_market" || req.Type == "take_profit_market" {
		trigger := cast.ToFloat64(req.Params["stopPrice"])
		rule := 1 // >= 触发
		if req.Side == "sell" {
			rule = 2 // <= 触发
		}
		payload := map[string]any{
			"initial": map[string]any{
				"contract":    contract,
				"size":        size,
				"price":       "0", // 市价
				"tif":         "ioc",
				"reduce_only": true,
			},
			"trigger": map[string]any{
				"strategy_type": 0,
				"price_type":    0,
				"price":         strconv.FormatFloat(trigger, 'f', -1, 64),
				"rule":          rule,
			},
		}
		body, err := c.request(ctx, http.MethodPost, "/api/v4/futures/usdt/price_orders", "", payload, true)
		if err != nil {
			return nil, err
		}
		var resp struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, port.NewPermanentError(GateIO, "decode", err)
		}
		return &port.Order{ID: strconv.FormatInt(resp.ID, 10), Symbol: UnifySymbol(contract), Side: req.Side, Status: "open"}, nil
	}

	payload := map[string]any{
		"contract": contract,
		"size":     size,
		"price":    "0",
		"tif":      "ioc",
	}
	if cast.ToBool(req.Params["reduceOnly"]) {
		payload["reduce_only"] = true
	}
	body, err := c.request(ctx, http.MethodPost, "/api/v4/futures/usdt/orders", "", payload, true)
	if err != nil {
		return nil, err
	}
	var o gateOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, port.NewPermanentError(GateIO, "decode", err)
	}
	return o.toPort(), nil
}

func (c *GateClient) FetchOrder(ctx context.Context, id, _ string) (*port.Order, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/orders/"+id, "", nil, true)
	if err != nil {
		return nil, err
	}
	var o gateOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, port.NewPermanentError(GateIO, "decode", err)
	}
	return o.toPort(), nil
}

func (c *GateClient) FetchOpenOrders(ctx context.Context, symbol string) ([]port.Order, error) {
	contract := GateContract(symbol)
	out := make([]port.Order, 0, 4)

	body, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/orders", "contract="+contract+"&status=open", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []gateOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, port.NewPermanentError(GateIO, "decode", err)
	}
	for i := range raw {
		out = append(out, *raw[i].toPort())
	}

	// 条件单在 price_orders
	pBody, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/price_orders", "contract="+contract+"&status=open", nil, true)
	if err != nil {
		return out, nil
	}
	var priceOrders []struct {
		ID int64 `json:"id"`
	}
	if json.Unmarshal(pBody, &priceOrders) == nil {
		for _, p := range priceOrders {
			out = append(out, port.Order{ID: strconv.FormatInt(p.ID, 10), Symbol: UnifySymbol(contract), Status: "open"})
		}
	}
	return out, nil
}

func (c *GateClient) FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]port.TradeFill, error) {
	query := "contract=" + GateContract(symbol)
	if limit > 0 {
		query += "&limit=" + strconv.Itoa(limit)
	}
	body, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/my_trades", query, nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		OrderID    string `json:"order_id"`
		Price      string `json:"price"`
		Size       int64  `json:"size"`
		Fee        string `json:"fee"`
		CreateTime int64  `json:"create_time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, port.NewPermanentError(GateIO, "decode", err)
	}
	out := make([]port.TradeFill, 0, len(raw))
	for _, f := range raw {
		ts := f.CreateTime * 1000
		if since > 0 && ts < since {
			continue
		}
		sz := f.Size
		if sz < 0 {
			sz = -sz
		}
		out = append(out, port.TradeFill{
			OrderID:   f.OrderID,
			Price:     cast.ToFloat64(f.Price),
			Quantity:  float64(sz),
			Fee:       cast.ToFloat64(f.Fee),
			Timestamp: ts,
		})
	}
	return out, nil
}

func (c *GateClient) CancelOrder(ctx context.Context, id, _ string) error {
	if _, err := c.request(ctx, http.MethodDelete, "/api/v4/futures/usdt/orders/"+id, "", nil, true); err == nil {
		return nil
	}
	_, err := c.request(ctx, http.MethodDelete, "/api/v4/futures/usdt/price_orders/"+id, "", nil, true)
	return err
}

func (c *GateClient) FetchPositions(ctx context.Context, symbol string) ([]port.ExchangePosition, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v4/futures/usdt/positions", "", nil, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Contract   string `json:"contract"`
		Size       int64  `json:"size"`
		EntryPrice string `json:"entry_price"`
		UnrealPnl  string `json:"unrealised_pnl"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, port.NewPermanentError(GateIO, "decode", err)
	}
	want := ""
	if symbol != "" {
		want = GateContract(symbol)
	}
	out := make([]port.ExchangePosition, 0, len(raw))
	for _, p := range raw {
		if p.Size == 0 {
			continue
		}
		if want != "" && p.Contract != want {
			continue
		}
		side := "long"
		size := p.Size
		if size < 0 {
			side = "short"
			size = -size
		}
		out = append(out, port.ExchangePosition{
			Symbol:        UnifySymbol(p.Contract),
			Side:          side,
			Contracts:     float64(size),
			EntryPrice:    cast.ToFloat64(p.EntryPrice),
			UnrealizedPnL: cast.ToFloat64(p.UnrealPnl),
		})
	}
	return out, nil
}
