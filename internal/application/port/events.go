package port

import "fundarb/internal/domain/model"

// 机会生命周期事件类型
const (
	EventOpportunityDetected    = "opportunity-detected"
	EventRateUpdated            = "rate-updated"
	EventOpportunityDisappeared = "opportunity-disappeared"
)

// 消失原因
const (
	ReasonBelowThreshold  = "below_threshold"
	ReasonDataUnavailable = "data_unavailable"
	ReasonShutdown        = "shutdown"
)

// OpportunityEvent 监控器发往消费者的类型化消息
// 显式消息传递替代回调式观察者：多个独立消费者可各自消费同一条通道的扇出
type OpportunityEvent struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Pair   *model.BestPair `json:"pair,omitempty"`   // disappeared 时为 nil
	Reason string          `json:"reason,omitempty"` // 仅 disappeared 携带
	Ts     int64           `json:"ts_ms"`
}
