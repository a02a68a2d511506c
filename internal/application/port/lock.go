package port

import (
	"context"
	"time"
)

// PositionLock 开仓咨询锁端口
// 必须外部化（带 TTL 的共享存储），进程崩溃后锁随 TTL 自动释放，
// 多实例部署下同一 (user, symbol) 不会并发开仓
type PositionLock interface {
	// TryLock 非阻塞抢锁，返回释放用 token；已被占用时 ok=false
	TryLock(ctx context.Context, user, symbol string, ttl time.Duration) (token string, ok bool, err error)

	// Unlock 校验 token 后释放，避免释放他人持有的锁
	Unlock(ctx context.Context, user, symbol, token string) error
}
