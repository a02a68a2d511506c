package cache

import (
	"strings"
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

// RateCache 最新资金费率内存缓存
// 单写（监控 tick）多读（tracker、orchestrator、API 层）
// 读方必须容忍 miss：某个键暂时缺失按"无数据"处理，不得假定存在
type RateCache struct {
	mu      sync.RWMutex
	rates   map[string]*model.FundingRate // "EXCHANGE:SYMBOL" -> latest
	staleIn time.Duration
}

// NewRateCache staleIn 为数据过期阈值，<=0 表示不做过期判断
func NewRateCache(staleIn time.Duration) *RateCache {
	return &RateCache{
		rates:   make(map[string]*model.FundingRate),
		staleIn: staleIn,
	}
}

func key(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}

// Put 覆盖写入最新采样
func (c *RateCache) Put(rate *model.FundingRate) {
	if rate == nil || rate.Exchange == "" || rate.Symbol == "" {
		return
	}
	c.mu.Lock()
	c.rates[key(rate.Exchange, rate.Symbol)] = rate
	c.mu.Unlock()
}

// Get 读取最新采样；过期数据按 miss 处理
func (c *RateCache) Get(exchange, symbol string) (*model.FundingRate, bool) {
	c.mu.RLock()
	r, ok := c.rates[key(exchange, symbol)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.staleIn > 0 && time.Since(time.UnixMilli(r.Timestamp)) > c.staleIn {
		return nil, false
	}
	return r, true
}

// GetSymbol 取一个交易对在所有交易所的最新采样
func (c *RateCache) GetSymbol(symbol string) map[string]*model.FundingRate {
	sym := strings.ToUpper(symbol)
	out := make(map[string]*model.FundingRate)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, r := range c.rates {
		if strings.HasSuffix(k, ":"+sym) {
			if c.staleIn > 0 && time.Since(time.UnixMilli(r.Timestamp)) > c.staleIn {
				continue
			}
			out[r.Exchange] = r
		}
	}
	return out
}

// Len 当前缓存条目数
func (c *RateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rates)
}

// Reset 清空缓存（测试用）
func (c *RateCache) Reset() {
	c.mu.Lock()
	c.rates = make(map[string]*model.FundingRate)
	c.mu.Unlock()
}
