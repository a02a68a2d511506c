package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
)

// Multi 扇出到多个下游的通知器，单个下游失败只记日志
type Multi struct {
	targets []port.Notifier
}

func NewMulti(targets ...port.Notifier) *Multi {
	out := make([]port.Notifier, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Multi{targets: out}
}

func (m *Multi) Notify(ctx context.Context, event *port.OpportunityEvent) error {
	for _, t := range m.targets {
		if err := t.Notify(ctx, event); err != nil {
			log.Warn().Err(err).Str("type", event.Type).Msg("notify target failed")
		}
	}
	return nil
}

var _ port.Notifier = (*Multi)(nil)
