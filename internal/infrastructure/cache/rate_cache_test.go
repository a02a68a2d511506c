package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundarb/internal/domain/model"
)

func sample(ex, sym string, rate float64, ts int64) *model.FundingRate {
	return &model.FundingRate{
		Exchange:      ex,
		Symbol:        sym,
		Rate:          rate,
		IntervalHours: 8,
		MarkPrice:     43000,
		Timestamp:     ts,
	}
}

func TestRateCache_PutGet(t *testing.T) {
	c := NewRateCache(0)
	now := time.Now().UnixMilli()

	c.Put(sample("BINANCE", "BTCUSDT", 0.0001, now))

	got, ok := c.Get("binance", "btcusdt") // 键大小写不敏感
	require.True(t, ok)
	assert.Equal(t, 0.0001, got.Rate)

	_, ok = c.Get("OKX", "BTCUSDT")
	assert.False(t, ok, "missing key must be a clean miss, not a zero rate")
}

func TestRateCache_Overwrite(t *testing.T) {
	c := NewRateCache(0)
	now := time.Now().UnixMilli()

	c.Put(sample("MEXC", "ETHUSDT", 0.0001, now))
	c.Put(sample("MEXC", "ETHUSDT", 0.0005, now+1000))

	got, ok := c.Get("MEXC", "ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0005, got.Rate)
	assert.Equal(t, 1, c.Len())
}

func TestRateCache_StaleEntryIsMiss(t *testing.T) {
	c := NewRateCache(time.Minute)

	c.Put(sample("GATEIO", "BTCUSDT", 0.0001, time.Now().Add(-2*time.Minute).UnixMilli()))

	_, ok := c.Get("GATEIO", "BTCUSDT")
	assert.False(t, ok, "stale data must not be served")
	assert.Empty(t, c.GetSymbol("BTCUSDT"))
}

func TestRateCache_GetSymbol(t *testing.T) {
	c := NewRateCache(0)
	now := time.Now().UnixMilli()

	c.Put(sample("BINANCE", "BTCUSDT", 0.0001, now))
	c.Put(sample("OKX", "BTCUSDT", 0.0002, now))
	c.Put(sample("BINANCE", "ETHUSDT", 0.0003, now))

	got := c.GetSymbol("BTCUSDT")
	require.Len(t, got, 2)
	assert.Contains(t, got, "BINANCE")
	assert.Contains(t, got, "OKX")
}

func TestRateCache_ConcurrentAccess(t *testing.T) {
	c := NewRateCache(0)
	now := time.Now().UnixMilli()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Put(sample("BINANCE", "BTCUSDT", 0.0001, now))
		}()
		go func() {
			defer wg.Done()
			c.Get("BINANCE", "BTCUSDT")
			c.GetSymbol("BTCUSDT")
		}()
	}
	wg.Wait()

	_, ok := c.Get("BINANCE", "BTCUSDT")
	assert.True(t, ok)
}

func TestNormalizedCache_TTL(t *testing.T) {
	c := NewNormalizedCache(30 * time.Millisecond)

	c.Put(&model.NormalizedFundingRate{
		FundingRate: model.FundingRate{Exchange: "BINANCE", Symbol: "BTCUSDT"},
		BasisHours:  8,
		Normalized:  0.0003,
	})

	got, ok := c.Get("BINANCE", "BTCUSDT", 8)
	require.True(t, ok)
	assert.Equal(t, 0.0003, got.Normalized)

	// 不同 basis 是不同的键
	_, ok = c.Get("BINANCE", "BTCUSDT", 24)
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("BINANCE", "BTCUSDT", 8)
	assert.False(t, ok, "entry must expire after TTL")
}
