package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/cache"
)

// RateMirror 最新费率的外部镜像（如 Redis），供排除在核心之外的 Web 层读取
// 镜像失败只记日志，不影响监控
type RateMirror interface {
	MirrorRate(ctx context.Context, rate *model.FundingRate) error
}

// MonitorConfig 资金费率监控配置
type MonitorConfig struct {
	Symbols       []string
	Interval      time.Duration
	BasisHours    int     // 目标时间基准 1/8/24
	Threshold     float64 // 机会阈值（小数）
	ThresholdAPY  bool    // true 时阈值按年化比较
	FetchWorkers  int     // 并发抓取协程数
	EventBuffer   int
	NormalizedTTL time.Duration
}

// MonitorStats 后台循环的错误计数，瞬时失败只计数不终止
type MonitorStats struct {
	mu            sync.Mutex
	Ticks         int64
	FetchErrors   int64
	EventsEmitted int64
	EventsDropped int64
}

// Snapshot 原子读取当前计数
func (s *MonitorStats) Snapshot() (ticks, fetchErrs, emitted, dropped int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Ticks, s.FetchErrors, s.EventsEmitted, s.EventsDropped
}

// FundingMonitor 资金费率监控器
// 固定周期抓取所有 (symbol, exchange) 的费率+标记价，归一化后
// 逐交易对计算最优组合，与阈值比较并发出生命周期事件
type FundingMonitor struct {
	cfg       MonitorConfig
	clients   map[string]port.ExchangeClient
	feeds     []port.RateFeed
	rateCache *cache.RateCache
	normCache *cache.NormalizedCache
	mirror    RateMirror

	pool   *ants.Pool
	events chan *port.OpportunityEvent

	mu      sync.Mutex
	tracked map[string]string // symbol -> 当前追踪中的机会键 "SYM:LONG:SHORT"

	Stats MonitorStats
}

// NewFundingMonitor clients 键为大写交易所名
func NewFundingMonitor(
	cfg MonitorConfig,
	clients map[string]port.ExchangeClient,
	rateCache *cache.RateCache,
	mirror RateMirror,
) (*FundingMonitor, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BasisHours <= 0 {
		cfg.BasisHours = 8
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 16
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}

	pool, err := ants.NewPool(cfg.FetchWorkers)
	if err != nil {
		return nil, err
	}

	return &FundingMonitor{
		cfg:       cfg,
		clients:   clients,
		rateCache: rateCache,
		normCache: cache.NewNormalizedCache(cfg.NormalizedTTL),
		mirror:    mirror,
		pool:      pool,
		events:    make(chan *port.OpportunityEvent, cfg.EventBuffer),
		tracked:   make(map[string]string),
	}, nil
}

// AddFeed 挂接一个流式费率源；订阅在 Run 里统一启动
func (m *FundingMonitor) AddFeed(feed port.RateFeed) {
	m.feeds = append(m.feeds, feed)
}

// Events 机会生命周期事件通道，Run 退出时关闭
func (m *FundingMonitor) Events() <-chan *port.OpportunityEvent {
	return m.events
}

// Run 启动监控循环，阻塞到 ctx 取消
func (m *FundingMonitor) Run(ctx context.Context) error {
	defer close(m.events)
	defer m.pool.Release()

	// 启动 WS 推送源，推送直接落缓存
	for _, feed := range m.feeds {
		ch, err := feed.Subscribe(ctx, m.cfg.Symbols)
		if err != nil {
			log.Warn().Err(err).Str("feed", feed.Name()).Msg("rate feed subscribe failed, falling back to polling only")
			continue
		}
		go m.consumeFeed(ctx, feed.Name(), ch)
		log.Info().Str("feed", feed.Name()).Msg("rate feed started")
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// 首次立即执行
	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.emitShutdown()
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *FundingMonitor) consumeFeed(ctx context.Context, name string, in <-chan port.RateTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			m.rateCache.Put(&model.FundingRate{
				Exchange:      strings.ToUpper(t.Exchange),
				Symbol:        strings.ToUpper(t.Symbol),
				Rate:          t.Rate,
				IntervalHours: t.IntervalHours,
				NextTime:      t.NextTime,
				MarkPrice:     t.MarkPrice,
				IndexPrice:    t.IndexPrice,
				Timestamp:     t.Ts,
			})
		}
	}
}

// tick 一个监控周期：抓取 → 归一化 → 选组合 → 比阈值 → 发事件
// 单个 (symbol, exchange) 抓取失败只隔离该键，绝不阻塞其他键
func (m *FundingMonitor) tick(ctx context.Context) {
	m.Stats.mu.Lock()
	m.Stats.Ticks++
	m.Stats.mu.Unlock()

	var wg sync.WaitGroup
	for _, symbol := range m.cfg.Symbols {
		for name, client := range m.clients {
			wg.Add(1)
			sym, ex, cl := symbol, name, client
			err := m.pool.Submit(func() {
				defer wg.Done()
				m.fetchOne(ctx, ex, sym, cl)
			})
			if err != nil {
				// 池已关闭或过载：当前键按数据缺失处理
				wg.Done()
				m.countFetchError()
				log.Warn().Err(err).Str("exchange", ex).Str("symbol", sym).Msg("fetch job rejected")
			}
		}
	}
	// 组合计算必须等本周期全部抓取尘埃落定
	wg.Wait()

	now := time.Now().UnixMilli()
	for _, symbol := range m.cfg.Symbols {
		m.evaluateSymbol(ctx, strings.ToUpper(symbol), now)
	}
}

func (m *FundingMonitor) fetchOne(ctx context.Context, exchange, symbol string, client port.ExchangeClient) {
	info, err := client.FetchFundingRate(ctx, symbol)
	if err != nil {
		m.countFetchError()
		log.Warn().
			Str("exchange", exchange).
			Str("symbol", symbol).
			Bool("transient", port.IsTransient(err)).
			Err(err).
			Msg("failed to fetch funding rate")
		return
	}

	rate := &model.FundingRate{
		Exchange:      strings.ToUpper(exchange),
		Symbol:        strings.ToUpper(symbol),
		Rate:          info.Rate,
		IntervalHours: info.IntervalHours,
		NextTime:      info.NextTime,
		MarkPrice:     info.MarkPrice,
		IndexPrice:    info.IndexPrice,
		Timestamp:     time.Now().UnixMilli(),
	}
	m.rateCache.Put(rate)

	if m.mirror != nil {
		if err := m.mirror.MirrorRate(ctx, rate); err != nil {
			log.Warn().Err(err).Str("exchange", exchange).Str("symbol", symbol).Msg("rate mirror write failed")
		}
	}
}

func (m *FundingMonitor) countFetchError() {
	m.Stats.mu.Lock()
	m.Stats.FetchErrors++
	m.Stats.mu.Unlock()
}

// normalizedFor 带 TTL 缓存的归一化视图
func (m *FundingMonitor) normalizedFor(raw *model.FundingRate) *model.NormalizedFundingRate {
	if nr, ok := m.normCache.Get(raw.Exchange, raw.Symbol, m.cfg.BasisHours); ok && nr.Timestamp == raw.Timestamp {
		return nr
	}
	interval := raw.IntervalHours
	if interval <= 0 {
		interval = domainservice.DefaultIntervalHours
	}
	normalized, _ := domainservice.NormalizeOrDefault(raw.Rate, interval, m.cfg.BasisHours)
	nr := &model.NormalizedFundingRate{
		FundingRate: *raw,
		BasisHours:  m.cfg.BasisHours,
		Normalized:  normalized,
	}
	m.normCache.Put(nr)
	return nr
}

func (m *FundingMonitor) evaluateSymbol(ctx context.Context, symbol string, now int64) {
	raw := m.rateCache.GetSymbol(symbol)
	normalized := make(map[string]*model.NormalizedFundingRate, len(raw))
	for ex, r := range raw {
		normalized[ex] = m.normalizedFor(r)
	}

	pair := domainservice.SelectBestPair(symbol, normalized, m.cfg.BasisHours)

	m.mu.Lock()
	trackedKey, isTracked := m.tracked[symbol]
	m.mu.Unlock()

	if pair == nil {
		// 数据不足："无意见"，若此前在追踪则宣告消失
		if isTracked {
			m.untrack(symbol)
			m.emit(&port.OpportunityEvent{
				Type:   port.EventOpportunityDisappeared,
				Symbol: symbol,
				Reason: port.ReasonDataUnavailable,
				Ts:     now,
			})
		}
		return
	}

	pairKey := pair.Symbol + ":" + pair.LongExchange + ":" + pair.ShortExchange
	meets := m.meetsThreshold(pair)

	switch {
	case meets && !isTracked:
		m.track(symbol, pairKey)
		m.emit(&port.OpportunityEvent{Type: port.EventOpportunityDetected, Symbol: symbol, Pair: pair, Ts: now})

	case meets && isTracked && trackedKey == pairKey:
		m.emit(&port.OpportunityEvent{Type: port.EventRateUpdated, Symbol: symbol, Pair: pair, Ts: now})

	case meets && isTracked && trackedKey != pairKey:
		// 最优组合切换：旧机会结束，新机会开始
		m.emit(&port.OpportunityEvent{
			Type:   port.EventOpportunityDisappeared,
			Symbol: symbol,
			Reason: port.ReasonBelowThreshold,
			Ts:     now,
		})
		m.track(symbol, pairKey)
		m.emit(&port.OpportunityEvent{Type: port.EventOpportunityDetected, Symbol: symbol, Pair: pair, Ts: now})

	case !meets && isTracked:
		m.untrack(symbol)
		m.emit(&port.OpportunityEvent{
			Type:   port.EventOpportunityDisappeared,
			Symbol: symbol,
			Reason: port.ReasonBelowThreshold,
			Ts:     now,
		})
	}
}

func (m *FundingMonitor) meetsThreshold(pair *model.BestPair) bool {
	if m.cfg.ThresholdAPY {
		return pair.SpreadAnnualized >= m.cfg.Threshold
	}
	return pair.Spread >= m.cfg.Threshold
}

func (m *FundingMonitor) track(symbol, key string) {
	m.mu.Lock()
	m.tracked[symbol] = key
	m.mu.Unlock()
}

func (m *FundingMonitor) untrack(symbol string) {
	m.mu.Lock()
	delete(m.tracked, symbol)
	m.mu.Unlock()
}

// emitShutdown 退出前为所有在追踪的机会补发消失事件
func (m *FundingMonitor) emitShutdown() {
	now := time.Now().UnixMilli()
	m.mu.Lock()
	symbols := make([]string, 0, len(m.tracked))
	for sym := range m.tracked {
		symbols = append(symbols, sym)
	}
	m.tracked = make(map[string]string)
	m.mu.Unlock()

	for _, sym := range symbols {
		m.emit(&port.OpportunityEvent{
			Type:   port.EventOpportunityDisappeared,
			Symbol: sym,
			Reason: port.ReasonShutdown,
			Ts:     now,
		})
	}
}

// emit 非阻塞发送：通道满时丢弃并计数，监控可用性优先于事件必达
func (m *FundingMonitor) emit(ev *port.OpportunityEvent) {
	select {
	case m.events <- ev:
		m.Stats.mu.Lock()
		m.Stats.EventsEmitted++
		m.Stats.mu.Unlock()
	default:
		m.Stats.mu.Lock()
		m.Stats.EventsDropped++
		m.Stats.mu.Unlock()
		log.Warn().Str("type", ev.Type).Str("symbol", ev.Symbol).Msg("event channel full, dropping event")
	}
}
