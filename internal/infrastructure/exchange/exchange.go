package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"fundarb/internal/application/port"
	"fundarb/internal/infrastructure/config"
)

// 交易所标识，与配置键和持仓行里的名字一致
const (
	Binance = "BINANCE"
	OKX     = "OKX"
	MEXC    = "MEXC"
	GateIO  = "GATEIO"
	BingX   = "BINGX"
)

const defaultHTTPTimeout = 10 * time.Second

// credentials 私有接口签名材料
type credentials struct {
	apiKey     string
	apiSecret  string
	passphrase string
}

func (c credentials) empty() bool { return c.apiKey == "" }

// httpDo 发请求并读响应体，HTTP 层错误按瞬时分类
func httpDo(client *http.Client, exchange string, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, port.NewTransientError(exchange, "network", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, port.NewTransientError(exchange, "read_body", err)
	}
	return resp.StatusCode, body, nil
}

// classifyStatus 非 2xx 响应的瞬时/永久分类
// 限频、服务端故障可重试，业务拒绝（4xx）不可
func classifyStatus(exchange string, status int, body []byte) error {
	err := fmt.Errorf("http %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return port.NewTransientError(exchange, "rate_limited", err)
	case status >= 500:
		return port.NewTransientError(exchange, "server_error", err)
	default:
		return port.NewPermanentError(exchange, "rejected", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// NewClients 按配置构建全部启用的交易所客户端，键为大写交易所名
func NewClients(cfg *config.Config) (map[string]port.ExchangeClient, error) {
	out := make(map[string]port.ExchangeClient)
	for _, name := range cfg.EnabledExchanges() {
		ec, _ := cfg.Exchange(name)
		creds := credentials{apiKey: ec.APIKey, apiSecret: ec.APISecret, passphrase: ec.Passphrase}

		var client port.ExchangeClient
		switch name {
		case Binance:
			client = NewBinanceClient(ec.BaseURL, creds, ec.HedgeMode)
		case OKX:
			client = NewOKXClient(ec.BaseURL, creds, ec.HedgeMode)
		case MEXC:
			client = NewMEXCClient(ec.BaseURL, creds, ec.HedgeMode)
		case GateIO:
			client = NewGateClient(ec.BaseURL, creds, ec.HedgeMode)
		case BingX:
			client = NewBingXClient(ec.BaseURL, creds, ec.HedgeMode)
		default:
			return nil, fmt.Errorf("unsupported exchange %q", name)
		}
		out[name] = client
	}
	return out, nil
}

// ValidateCredentials 并发校验所有带密钥的客户端能通过私有接口认证
// 任何一个失败都让启动失败，避免运行到下单时才暴露坏密钥
func ValidateCredentials(ctx context.Context, clients map[string]port.ExchangeClient, symbol string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errs := make(chan error, len(clients))
	for _, c := range clients {
		go func(c port.ExchangeClient) {
			if _, err := c.FetchPositions(ctx, symbol); err != nil {
				errs <- fmt.Errorf("%s: %w", c.Name(), err)
				return
			}
			errs <- nil
		}(c)
	}
	for range clients {
		if err := <-errs; err != nil {
			return err
		}
	}
	return nil
}
