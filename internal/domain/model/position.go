package model

// ========== Position Models ==========

// 持仓生命周期状态
const (
	PositionPending = "PENDING"
	PositionOpening = "OPENING"
	PositionOpen    = "OPEN"
	PositionClosing = "CLOSING"
	PositionClosed  = "CLOSED"
	PositionPartial = "PARTIAL" // 一腿成功一腿失败，需人工处理
	PositionFailed  = "FAILED"
)

// 条件单整体状态
const (
	CondOrderNone    = "NONE"
	CondOrderPending = "PENDING"
	CondOrderPartial = "PARTIAL" // 只有一腿的条件单挂成功
	CondOrderActive  = "ACTIVE"
	CondOrderFailed  = "FAILED"
)

// 平仓原因
const (
	CloseReasonManual      = "MANUAL"
	CloseReasonLongSL      = "LONG_SL_TRIGGERED"
	CloseReasonShortSL     = "SHORT_SL_TRIGGERED"
	CloseReasonLongTP      = "LONG_TP_TRIGGERED"
	CloseReasonShortTP     = "SHORT_TP_TRIGGERED"
	CloseReasonAutoUnwound = "AUTO_UNWOUND" // 对侧腿因触发被自动平掉
)

// 腿方向
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// PositionLeg 对冲持仓的一条腿
type PositionLeg struct {
	Exchange   string  `json:"exchange"`
	Side       string  `json:"side"` // LONG / SHORT
	EntryPrice float64 `json:"entry_price"`
	Size       float64 `json:"size"`      // 用户数量（币本位）
	Contracts  float64 `json:"contracts"` // 换算后的合约张数
	Leverage   int     `json:"leverage"`
	OrderID    string  `json:"order_id,omitempty"`
	ClosePrice float64 `json:"close_price,omitempty"`

	StopLossEnabled   bool    `json:"stop_loss_enabled,omitempty"`
	StopLossPrice     float64 `json:"stop_loss_price,omitempty"`
	StopLossOrderID   string  `json:"stop_loss_order_id,omitempty"`
	TakeProfitEnabled bool    `json:"take_profit_enabled,omitempty"`
	TakeProfitPrice   float64 `json:"take_profit_price,omitempty"`
	TakeProfitOrderID string  `json:"take_profit_order_id,omitempty"`
}

// Position 双腿对冲持仓
type Position struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id,omitempty"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Leverage int     `json:"leverage"`

	Long  PositionLeg `json:"long"`
	Short PositionLeg `json:"short"`

	Status          string `json:"status"`
	CondOrderStatus string `json:"cond_order_status"`
	CondOrderError  string `json:"cond_order_error,omitempty"` // 条件单部分失败时保留的错误详情
	FailureDetail   string `json:"failure_detail,omitempty"`   // PARTIAL/FAILED 时的腿级错误

	EntrySpread float64 `json:"entry_spread"` // 开仓时的归一化费率价差
	OpenTime    int64   `json:"open_time"`
	CloseTime   int64   `json:"close_time,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Leg 按方向取腿
func (p *Position) Leg(side string) *PositionLeg {
	if side == SideShort {
		return &p.Short
	}
	return &p.Long
}

// Trade 平仓结果记录，成功全平时生成一次，之后不可变
type Trade struct {
	ID            string `json:"id"`
	PositionID    string `json:"position_id"`
	Symbol        string `json:"symbol"`
	LongExchange  string `json:"long_exchange"`
	ShortExchange string `json:"short_exchange"`

	Quantity      float64 `json:"quantity"`
	LongEntry     float64 `json:"long_entry_price"`
	ShortEntry    float64 `json:"short_entry_price"`
	LongClose     float64 `json:"long_close_price"`
	ShortClose    float64 `json:"short_close_price"`
	PriceDiffPnL  float64 `json:"price_diff_pnl"`
	FundingPnL    float64 `json:"funding_pnl"`
	Fees          float64 `json:"fees"`
	NetPnL        float64 `json:"net_pnl"`
	ROI           float64 `json:"roi"` // 相对保证金的收益率
	HoldingMs     int64   `json:"holding_ms"`
	CloseReason   string  `json:"close_reason"`
	ClosedAt      int64   `json:"closed_at"`
}

// ========== Conditional Order Models ==========

// 条件单推断状态
const (
	TriggerStateTriggered = "TRIGGERED"
	TriggerStateCanceled  = "CANCELED"
	TriggerStateExpired   = "EXPIRED"
	TriggerStateUnknown   = "UNKNOWN"
)

// ConditionalOrderState 单个条件单的对账结果
// 交易所不统一暴露"已触发"信号：在历史中存在但不在挂单中，推断为已触发
type ConditionalOrderState struct {
	PositionID         string `json:"position_id"`
	Side               string `json:"side"` // LONG / SHORT
	OrderID            string `json:"order_id"`
	Kind               string `json:"kind"` // stop_loss / take_profit
	State              string `json:"state"`
	ConfirmedByHistory bool   `json:"confirmed_by_history"` // true=历史明确记录，false=仅凭挂单缺失推断
}
