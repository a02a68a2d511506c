package model

import "time"

// ========== Funding Rate Models ==========

// FundingRate 单个交易所、单个交易对的一次资金费率采样
// 仅存于内存缓存，按 (exchange, symbol) 覆盖写入，不落库
type FundingRate struct {
	Exchange      string    `json:"exchange"`
	Symbol        string    `json:"symbol"`
	Rate          float64   `json:"rate"`           // 原始资金费率（有符号小数）
	IntervalHours int       `json:"interval_hours"` // 原始结算周期 1/4/8/24
	NextTime      time.Time `json:"next_time"`      // 下次结算时间
	MarkPrice     float64   `json:"mark_price"`
	IndexPrice    float64   `json:"index_price,omitempty"`
	Timestamp     int64     `json:"ts_ms"` // 采集时间戳（毫秒）
}

// NormalizedFundingRate 归一化后的资金费率（计算视图，短 TTL 缓存）
type NormalizedFundingRate struct {
	FundingRate
	BasisHours int     `json:"basis_hours"` // 目标时间基准 1/8/24
	Normalized float64 `json:"normalized"`  // rate * basis / interval
}

// BestPair 某个交易对下价差最大的 (做多交易所, 做空交易所) 组合
// 每个监控周期重算，内嵌进机会快照，不独立持久化
type BestPair struct {
	Symbol           string  `json:"symbol"`
	LongExchange     string  `json:"long_exchange"`  // 做多（收益为付出低费率）
	ShortExchange    string  `json:"short_exchange"` // 做空（收益为收取高费率）
	LongRate         float64 `json:"long_rate"`      // 归一化后多头费率
	ShortRate        float64 `json:"short_rate"`     // 归一化后空头费率
	Spread           float64 `json:"spread"`         // shortRate - longRate
	SpreadAnnualized float64 `json:"spread_apy"`
	PriceDiffPercent float64 `json:"price_diff_percent,omitempty"`
	LongInterval     int     `json:"long_interval_hours"`
	ShortInterval    int     `json:"short_interval_hours"`
	Timestamp        int64   `json:"ts_ms"`
}

// ========== Opportunity Models ==========

// 机会生命周期状态
const (
	OpportunityActive = "ACTIVE"
	OpportunityEnded  = "ENDED"
)

// ArbitrageOpportunity 资金费率套利机会
// 唯一键 = (symbol, long_exchange, short_exchange)，同键同时最多一条 ACTIVE
type ArbitrageOpportunity struct {
	ID            string `json:"id"`
	Symbol        string `json:"symbol"`
	LongExchange  string `json:"long_exchange"`
	ShortExchange string `json:"short_exchange"`
	Status        string `json:"status"` // ACTIVE, ENDED

	DetectedAt int64 `json:"detected_at"`          // 毫秒
	EndedAt    int64 `json:"ended_at,omitempty"`   // ACTIVE 时为 0
	DurationMs int64 `json:"duration_ms,omitempty"`

	InitialSpread float64 `json:"initial_spread"`
	CurrentSpread float64 `json:"current_spread"`
	MaxSpread     float64 `json:"max_spread"`
	MaxSpreadAt   int64   `json:"max_spread_at"`
	InitialAPY    float64 `json:"initial_apy"`
	CurrentAPY    float64 `json:"current_apy"`
	MaxAPY        float64 `json:"max_apy"`

	LongInterval    int     `json:"long_interval_hours"`
	ShortInterval   int     `json:"short_interval_hours"`
	PriceDiff       float64 `json:"price_diff_percent,omitempty"`
	SettlementCount int     `json:"settlement_count"` // 存续期内经历的结算次数
	NotifyCount     int     `json:"notify_count"`
}

// Key 机会唯一键
func (o *ArbitrageOpportunity) Key() string {
	return o.Symbol + ":" + o.LongExchange + ":" + o.ShortExchange
}

// OpportunityEndHistory 机会消失时生成的归档快照，创建后不可变
type OpportunityEndHistory struct {
	ID            string `json:"id"`
	OpportunityID string `json:"opportunity_id"`
	Symbol        string `json:"symbol"`
	LongExchange  string `json:"long_exchange"`
	ShortExchange string `json:"short_exchange"`

	DetectedAt    int64 `json:"detected_at"`
	DisappearedAt int64 `json:"disappeared_at"`
	DurationMs    int64 `json:"duration_ms"`

	InitialSpread float64 `json:"initial_spread"`
	MaxSpread     float64 `json:"max_spread"`
	MaxSpreadAt   int64   `json:"max_spread_at"`
	InitialAPY    float64 `json:"initial_apy"`
	MaxAPY        float64 `json:"max_apy"`

	SettlementCount int     `json:"settlement_count"`
	RealizedProfit  float64 `json:"realized_profit"` // 存续期结算产生的资金费收益
	Cost            float64 `json:"cost"`
	NetProfit       float64 `json:"net_profit"`
	RealizedAPY     float64 `json:"realized_apy"`

	NotifyCount int    `json:"notify_count"`
	Reason      string `json:"reason"` // below_threshold, data_unavailable, shutdown
	CreatedAt   int64  `json:"created_at"`
}
