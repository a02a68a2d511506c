package cache

import (
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"fundarb/internal/domain/model"
)

// DefaultNormalizedTTL 归一化视图的默认缓存时长
const DefaultNormalizedTTL = 5 * time.Minute

// NormalizedCache 归一化费率的短 TTL 缓存
// 键 = (exchange, symbol, basis)，go-cache 自动过期清理
type NormalizedCache struct {
	cache *gocache.Cache
}

// NewNormalizedCache ttl <= 0 时使用默认 5 分钟
func NewNormalizedCache(ttl time.Duration) *NormalizedCache {
	if ttl <= 0 {
		ttl = DefaultNormalizedTTL
	}
	return &NormalizedCache{
		cache: gocache.New(ttl, ttl*2), // 清理间隔 = 2×TTL
	}
}

func normKey(exchange, symbol string, basisHours int) string {
	return fmt.Sprintf("%s:%s:%d", exchange, symbol, basisHours)
}

// Get 命中返回缓存的归一化视图
func (c *NormalizedCache) Get(exchange, symbol string, basisHours int) (*model.NormalizedFundingRate, bool) {
	v, ok := c.cache.Get(normKey(exchange, symbol, basisHours))
	if !ok {
		return nil, false
	}
	nr, ok := v.(*model.NormalizedFundingRate)
	return nr, ok
}

// Put 写入归一化视图
func (c *NormalizedCache) Put(nr *model.NormalizedFundingRate) {
	if nr == nil {
		return
	}
	c.cache.Set(normKey(nr.Exchange, nr.Symbol, nr.BasisHours), nr, gocache.DefaultExpiration)
}

// Flush 清空缓存（测试用）
func (c *NormalizedCache) Flush() {
	c.cache.Flush()
}
