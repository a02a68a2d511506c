package memlock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"fundarb/internal/application/port"
)

// Lock 进程内开仓锁，单实例部署且未配 Redis 时的兜底
// 多实例部署必须换用外部锁，否则跨实例无法互斥
type Lock struct {
	mu    sync.Mutex
	held  map[string]entry
	seq   int64
}

type entry struct {
	token    string
	expireAt time.Time
}

func New() *Lock {
	return &Lock{held: make(map[string]entry)}
}

func key(user, symbol string) string { return user + ":" + symbol }

func (l *Lock) TryLock(_ context.Context, user, symbol string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(user, symbol)
	if e, ok := l.held[k]; ok && time.Now().Before(e.expireAt) {
		return "", false, nil
	}
	l.seq++
	token := strconv.FormatInt(l.seq, 10)
	l.held[k] = entry{token: token, expireAt: time.Now().Add(ttl)}
	return token, true, nil
}

func (l *Lock) Unlock(_ context.Context, user, symbol, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(user, symbol)
	if e, ok := l.held[k]; ok && e.token == token {
		delete(l.held, k)
	}
	return nil
}

var _ port.PositionLock = (*Lock)(nil)
