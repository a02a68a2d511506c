package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// Repo Redis 侧的三个职责：开仓咨询锁、最新费率镜像、机会事件流
// 都是核心之外的旁路，任何一个失败都不影响本地决策
type Repo struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	keyRates  string // prefix + ":rates"
	oppStream string
	oppChan   string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, oppStream, oppChan string) *Repo {
	if strings.TrimSpace(oppStream) == "" {
		oppStream = prefix + ":opportunities"
	}
	if strings.TrimSpace(oppChan) == "" {
		oppChan = prefix + ":opportunities:pub"
	}
	return &Repo{
		rdb:       rdb,
		prefix:    prefix,
		ttl:       ttl,
		keyRates:  prefix + ":rates",
		oppStream: oppStream,
		oppChan:   oppChan,
	}
}

// ========== 开仓咨询锁 ==========

// token 校验由 Lua 保证原子性，避免释放掉别人抢到的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *Repo) lockKey(user, symbol string) string {
	return fmt.Sprintf("%s:lock:%s:%s", r.prefix, user, symbol)
}

func (r *Repo) TryLock(ctx context.Context, user, symbol string, ttl time.Duration) (string, bool, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", false, err
	}
	token := hex.EncodeToString(buf)

	ok, err := r.rdb.SetNX(ctx, r.lockKey(user, symbol), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (r *Repo) Unlock(ctx context.Context, user, symbol, token string) error {
	return unlockScript.Run(ctx, r.rdb, []string{r.lockKey(user, symbol)}, token).Err()
}

// ========== 费率镜像 ==========

// MirrorRate 写入 Hash: field = "BINANCE:BTCUSDT" -> json
func (r *Repo) MirrorRate(ctx context.Context, rate *model.FundingRate) error {
	b, err := json.Marshal(rate)
	if err != nil {
		return err
	}

	field := fmt.Sprintf("%s:%s", rate.Exchange, rate.Symbol)
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyRates, field, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyRates, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// ========== 机会事件流 ==========

// Notify 机会事件双写：Stream 供回放，PubSub 供在线消费者
func (r *Repo) Notify(ctx context.Context, event *port.OpportunityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, err = r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.oppStream,
		Values: map[string]any{
			"ts_ms":   event.Ts,
			"type":    event.Type,
			"symbol":  event.Symbol,
			"payload": string(payload),
		},
	}).Result()
	if err != nil {
		return err
	}

	return r.rdb.Publish(ctx, r.oppChan, string(payload)).Err()
}

var (
	_ port.PositionLock = (*Repo)(nil)
	_ port.Notifier     = (*Repo)(nil)
)
