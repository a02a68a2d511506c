package port

import (
	"context"
	"time"
)

// RateTick 交易所推送的一次资金费率/标记价更新
type RateTick struct {
	Exchange      string
	Symbol        string
	Rate          float64
	IntervalHours int
	MarkPrice     float64
	IndexPrice    float64
	NextTime      time.Time
	Ts            int64 // unix ms
}

// RateFeed 流式费率源（WebSocket 推送）
// 监控器对来源无感知：REST 轮询与 WS 推送都落进同一个缓存
type RateFeed interface {
	Name() string
	Subscribe(ctx context.Context, symbols []string) (<-chan RateTick, error)
}
