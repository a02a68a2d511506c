package port

import "context"

// Notifier 通知端口，核心视角为 fire-and-forget
// 投递失败是实现方的事，核心不重试
type Notifier interface {
	Notify(ctx context.Context, event *OpportunityEvent) error
}

// NoopNotifier 默认空实现
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, event *OpportunityEvent) error { return nil }
