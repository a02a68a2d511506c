package port

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// FundingRateInfo 单次资金费率查询结果
// IntervalHours 已在适配器边界完成数字化（含字符串周期的修正）
type FundingRateInfo struct {
	Rate          float64
	IntervalHours int
	NextTime      time.Time
	MarkPrice     float64
	IndexPrice    float64
}

// Ticker 最新成交价
type Ticker struct {
	LastPrice float64
}

// OrderRequest 下单请求
// Params 承载交易所特定参数（posSide、reduceOnly、触发价等）
type OrderRequest struct {
	Symbol   string
	Type     string // market / limit / stop_market / take_profit_market
	Side     string // buy / sell
	Quantity float64
	Price    float64
	Params   map[string]any
}

// Order 订单视图
type Order struct {
	ID        string
	Symbol    string
	Side      string
	Status    string // open, filled, canceled, expired
	Price     float64
	AvgPrice  float64
	FilledQty float64
	Timestamp int64
}

// TradeFill 成交记录
type TradeFill struct {
	OrderID   string
	Price     float64
	Quantity  float64
	Fee       float64
	Timestamp int64
}

// ExchangePosition 交易所侧持仓
type ExchangePosition struct {
	Symbol        string
	Side          string
	Contracts     float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// ExchangeClient 交易所能力接口
// 核心只依赖这组窄能力，永不触碰交易所 SDK 的具体字段
type ExchangeClient interface {
	Name() string

	// HedgeMode 双向持仓模式需要在订单上显式打 posSide 标
	HedgeMode() bool

	// ContractSize 一张合约对应的标的数量，未知时返回 0 由调用方兜底
	ContractSize(symbol string) float64

	FetchFundingRate(ctx context.Context, symbol string) (*FundingRateInfo, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	FetchOrder(ctx context.Context, id, symbol string) (*Order, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	FetchMyTrades(ctx context.Context, symbol string, since int64, limit int) ([]TradeFill, error)
	CancelOrder(ctx context.Context, id, symbol string) error
	FetchPositions(ctx context.Context, symbol string) ([]ExchangePosition, error)
}

// ========== 错误分类 ==========

// ExchangeError 交易所调用错误，携带瞬时/永久分类
type ExchangeError struct {
	Exchange  string
	Code      string
	Transient bool
	Err       error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Exchange, e.Code, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewTransientError 网络超时、限频、临时不可用
func NewTransientError(exchange, code string, err error) *ExchangeError {
	return &ExchangeError{Exchange: exchange, Code: code, Transient: true, Err: err}
}

// NewPermanentError 业务拒绝：非法数量、非法交易对等，不得重试
func NewPermanentError(exchange, code string, err error) *ExchangeError {
	return &ExchangeError{Exchange: exchange, Code: code, Transient: false, Err: err}
}

// IsTransient 判断错误是否可重试；未分类错误按永久处理
func IsTransient(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return false
}
