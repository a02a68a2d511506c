package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
	domainservice "fundarb/internal/domain/service"
)

// TrackerConfig 机会追踪配置
type TrackerConfig struct {
	BasisHours   int
	NotifyMinGap time.Duration // 同一机会两次通知的最小间隔（防事件风暴）
	NotionalSize float64       // 归档经济指标按此名义仓位折算
}

// TrackerStats 追踪器计数。持久化失败计数但绝不中断监控循环：
// 这里显式选择费率监控的可用性优先于每次状态迁移的必达持久化
type TrackerStats struct {
	mu            sync.Mutex
	Detected      int64
	Updated       int64
	Ended         int64
	Notified      int64
	PersistErrors int64
}

// Snapshot 原子读取当前计数
func (s *TrackerStats) Snapshot() (detected, updated, ended, notified, persistErrs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Detected, s.Updated, s.Ended, s.Notified, s.PersistErrors
}

type trackerRuntime struct {
	nextSettleAt   int64   // 下次（估算）结算时间戳
	realizedProfit float64 // 存续期按结算累计的毛收益
}

// OpportunityTracker 消费监控事件，维护机会行的生命周期与归档
type OpportunityTracker struct {
	cfg      TrackerConfig
	repo     port.Repository
	notifier port.Notifier
	cost     *domainservice.CostModel

	mu         sync.Mutex
	runtime    map[string]*trackerRuntime // 机会键 -> 运行时结算状态
	lastNotify map[string]time.Time

	Stats TrackerStats
}

func NewOpportunityTracker(cfg TrackerConfig, repo port.Repository, notifier port.Notifier, cost *domainservice.CostModel) *OpportunityTracker {
	if cfg.BasisHours <= 0 {
		cfg.BasisHours = 8
	}
	if cfg.NotifyMinGap <= 0 {
		cfg.NotifyMinGap = 5 * time.Minute
	}
	if cfg.NotionalSize <= 0 {
		cfg.NotionalSize = 10000
	}
	if notifier == nil {
		notifier = port.NoopNotifier{}
	}
	return &OpportunityTracker{
		cfg:        cfg,
		repo:       repo,
		notifier:   notifier,
		cost:       cost,
		runtime:    make(map[string]*trackerRuntime),
		lastNotify: make(map[string]time.Time),
	}
}

// Run 消费事件通道直到其关闭。监控方在 ctx 取消后还会冲刷收尾事件再关通道，
// 这里必须排空而不是抢先退出，否则关停瞬间的 ENDED 归档会丢
func (t *OpportunityTracker) Run(ctx context.Context, events <-chan *port.OpportunityEvent) {
	// 收尾事件到达时 ctx 往往已取消，持久化用不随取消失效的上下文
	base := context.WithoutCancel(ctx)
	for ev := range events {
		t.handle(base, ev)
	}
}

func (t *OpportunityTracker) handle(ctx context.Context, ev *port.OpportunityEvent) {
	switch ev.Type {
	case port.EventOpportunityDetected:
		t.onDetected(ctx, ev)
	case port.EventRateUpdated:
		t.onUpdated(ctx, ev)
	case port.EventOpportunityDisappeared:
		t.onDisappeared(ctx, ev)
	}
}

func (t *OpportunityTracker) onDetected(ctx context.Context, ev *port.OpportunityEvent) {
	pair := ev.Pair
	if pair == nil {
		return
	}

	// 进程重启后同键可能残留 ACTIVE 行，先认领再新建，否则撞唯一索引
	existing, err := t.repo.GetActiveOpportunity(ctx, pair.Symbol, pair.LongExchange, pair.ShortExchange)
	if err != nil {
		t.countPersistError(err, "load active opportunity")
		return
	}
	if existing != nil {
		t.refresh(ctx, existing, ev)
		return
	}

	opp := &model.ArbitrageOpportunity{
		ID:            fmt.Sprintf("%s_%s_%s_%d", pair.Symbol, pair.LongExchange, pair.ShortExchange, ev.Ts),
		Symbol:        pair.Symbol,
		LongExchange:  pair.LongExchange,
		ShortExchange: pair.ShortExchange,
		Status:        model.OpportunityActive,
		DetectedAt:    ev.Ts,
		InitialSpread: pair.Spread,
		CurrentSpread: pair.Spread,
		MaxSpread:     pair.Spread,
		MaxSpreadAt:   ev.Ts,
		InitialAPY:    pair.SpreadAnnualized,
		CurrentAPY:    pair.SpreadAnnualized,
		MaxAPY:        pair.SpreadAnnualized,
		LongInterval:  pair.LongInterval,
		ShortInterval: pair.ShortInterval,
		PriceDiff:     pair.PriceDiffPercent,
	}

	if err := t.repo.UpsertOpportunity(ctx, opp); err != nil {
		t.countPersistError(err, "upsert opportunity")
		return
	}

	t.mu.Lock()
	t.runtime[opp.Key()] = &trackerRuntime{
		nextSettleAt: ev.Ts + int64(t.cfg.BasisHours)*3600_000,
	}
	t.mu.Unlock()

	t.Stats.mu.Lock()
	t.Stats.Detected++
	t.Stats.mu.Unlock()

	log.Info().
		Str("symbol", pair.Symbol).
		Str("long", pair.LongExchange).
		Str("short", pair.ShortExchange).
		Float64("spread", pair.Spread).
		Float64("apy", pair.SpreadAnnualized).
		Msg("opportunity detected")

	t.notify(ctx, opp, ev)
}

func (t *OpportunityTracker) onUpdated(ctx context.Context, ev *port.OpportunityEvent) {
	pair := ev.Pair
	if pair == nil {
		return
	}

	opp, err := t.repo.GetActiveOpportunity(ctx, pair.Symbol, pair.LongExchange, pair.ShortExchange)
	if err != nil {
		t.countPersistError(err, "load active opportunity")
		return
	}
	if opp == nil {
		// 进程重启等导致的缺行：按新检测补建
		t.onDetected(ctx, &port.OpportunityEvent{Type: port.EventOpportunityDetected, Symbol: ev.Symbol, Pair: pair, Ts: ev.Ts})
		return
	}
	t.refresh(ctx, opp, ev)
}

// refresh 把最新行情写回已有的 ACTIVE 行
func (t *OpportunityTracker) refresh(ctx context.Context, opp *model.ArbitrageOpportunity, ev *port.OpportunityEvent) {
	pair := ev.Pair

	opp.CurrentSpread = pair.Spread
	opp.CurrentAPY = pair.SpreadAnnualized
	opp.PriceDiff = pair.PriceDiffPercent
	// max 只许向好的方向移动
	if pair.Spread > opp.MaxSpread {
		opp.MaxSpread = pair.Spread
		opp.MaxSpreadAt = ev.Ts
	}
	if pair.SpreadAnnualized > opp.MaxAPY {
		opp.MaxAPY = pair.SpreadAnnualized
	}

	t.observeSettlements(opp, ev.Ts)

	if err := t.repo.UpsertOpportunity(ctx, opp); err != nil {
		t.countPersistError(err, "update opportunity")
		return
	}

	t.Stats.mu.Lock()
	t.Stats.Updated++
	t.Stats.mu.Unlock()
}

// observeSettlements 把存续期内经过的结算时点折算进机会行
func (t *OpportunityTracker) observeSettlements(opp *model.ArbitrageOpportunity, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rt := t.runtime[opp.Key()]
	if rt == nil {
		rt = &trackerRuntime{nextSettleAt: now + int64(t.cfg.BasisHours)*3600_000}
		t.runtime[opp.Key()] = rt
	}
	for rt.nextSettleAt > 0 && now >= rt.nextSettleAt {
		opp.SettlementCount++
		rt.realizedProfit += opp.CurrentSpread * t.cfg.NotionalSize
		rt.nextSettleAt += int64(t.cfg.BasisHours) * 3600_000
	}
}

func (t *OpportunityTracker) onDisappeared(ctx context.Context, ev *port.OpportunityEvent) {
	actives, err := t.repo.ListActiveOpportunities(ctx, ev.Symbol)
	if err != nil {
		t.countPersistError(err, "list active opportunities")
		return
	}

	for _, opp := range actives {
		t.endOne(ctx, opp, ev)
	}
}

func (t *OpportunityTracker) endOne(ctx context.Context, opp *model.ArbitrageOpportunity, ev *port.OpportunityEvent) {
	durationMs := ev.Ts - opp.DetectedAt

	t.mu.Lock()
	rt := t.runtime[opp.Key()]
	delete(t.runtime, opp.Key())
	t.mu.Unlock()

	var realized float64
	if rt != nil {
		realized = rt.realizedProfit
	}
	cost := t.cost.TotalCost(t.cfg.NotionalSize)
	net := realized - cost

	// 结束通知先发，归档的通知次数才包含它
	t.notify(ctx, opp, ev)

	var realizedAPY float64
	if durationMs > 0 && t.cfg.NotionalSize > 0 {
		yearMs := 365.0 * 24 * 3600_000
		realizedAPY = net / t.cfg.NotionalSize * (yearMs / float64(durationMs))
	}

	hist := &model.OpportunityEndHistory{
		ID:              fmt.Sprintf("%s_end_%d", opp.ID, ev.Ts),
		OpportunityID:   opp.ID,
		Symbol:          opp.Symbol,
		LongExchange:    opp.LongExchange,
		ShortExchange:   opp.ShortExchange,
		DetectedAt:      opp.DetectedAt,
		DisappearedAt:   ev.Ts,
		DurationMs:      durationMs,
		InitialSpread:   opp.InitialSpread,
		MaxSpread:       opp.MaxSpread,
		MaxSpreadAt:     opp.MaxSpreadAt,
		InitialAPY:      opp.InitialAPY,
		MaxAPY:          opp.MaxAPY,
		SettlementCount: opp.SettlementCount,
		RealizedProfit:  realized,
		Cost:            cost,
		NetProfit:       net,
		RealizedAPY:     realizedAPY,
		NotifyCount:     opp.NotifyCount,
		Reason:          ev.Reason,
		CreatedAt:       ev.Ts,
	}
	if err := t.repo.InsertEndHistory(ctx, hist); err != nil {
		t.countPersistError(err, "insert end history")
		// 归档失败仍继续结束机会行，避免僵尸 ACTIVE
	}

	opp.Status = model.OpportunityEnded
	opp.EndedAt = ev.Ts
	opp.DurationMs = durationMs
	if err := t.repo.UpsertOpportunity(ctx, opp); err != nil {
		t.countPersistError(err, "end opportunity")
		return
	}

	t.Stats.mu.Lock()
	t.Stats.Ended++
	t.Stats.mu.Unlock()

	log.Info().
		Str("symbol", opp.Symbol).
		Str("long", opp.LongExchange).
		Str("short", opp.ShortExchange).
		Int64("duration_ms", durationMs).
		Str("reason", ev.Reason).
		Msg("opportunity ended")

	// 机会已终结，去抖状态一并清掉，防止长跑进程里无限累积
	t.mu.Lock()
	delete(t.lastNotify, opp.Key())
	t.mu.Unlock()
}

// notify 带去抖的通知：同键两次通知至少间隔 NotifyMinGap
// 每次成功投递都累加机会行的通知次数并落库
func (t *OpportunityTracker) notify(ctx context.Context, opp *model.ArbitrageOpportunity, ev *port.OpportunityEvent) {
	t.mu.Lock()
	last, seen := t.lastNotify[opp.Key()]
	now := time.Now()
	if seen && now.Sub(last) < t.cfg.NotifyMinGap {
		t.mu.Unlock()
		return
	}
	t.lastNotify[opp.Key()] = now
	t.mu.Unlock()

	// fire-and-forget：投递失败是通知方的事
	if err := t.notifier.Notify(ctx, ev); err != nil {
		log.Warn().Err(err).Str("type", ev.Type).Str("symbol", ev.Symbol).Msg("notification dispatch failed")
		return
	}
	opp.NotifyCount++
	if err := t.repo.UpsertOpportunity(ctx, opp); err != nil {
		t.countPersistError(err, "persist notify count")
	}
	t.Stats.mu.Lock()
	t.Stats.Notified++
	t.Stats.mu.Unlock()
}

func (t *OpportunityTracker) countPersistError(err error, op string) {
	t.Stats.mu.Lock()
	t.Stats.PersistErrors++
	t.Stats.mu.Unlock()
	log.Error().Err(err).Str("op", op).Msg("opportunity persistence failed")
}
