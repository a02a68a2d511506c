package service

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
)

// DefaultIntervalHours 交易所未报告结算周期时的兜底值
const DefaultIntervalHours = 8

var supportedIntervals = map[int]bool{1: true, 4: true, 8: true, 24: true}
var supportedBases = map[int]bool{1: true, 8: true, 24: true}

// Normalize 将按原始结算周期采集的资金费率换算到目标时间基准
// normalized = rate * basisHours / intervalHours
// 严格模式：周期或基准不受支持时返回错误，绝不静默产出似是而非的数字
func Normalize(rate float64, intervalHours, basisHours int) (float64, error) {
	if !supportedIntervals[intervalHours] {
		return 0, fmt.Errorf("unsupported funding interval: %dh", intervalHours)
	}
	if !supportedBases[basisHours] {
		return 0, fmt.Errorf("unsupported target basis: %dh", basisHours)
	}
	return rate * float64(basisHours) / float64(intervalHours), nil
}

// NormalizeOrDefault 宽松模式：不受支持的周期回退到 8h 并记录警告
// 返回值第二项标记本次换算是否走了降级路径
func NormalizeOrDefault(rate float64, intervalHours, basisHours int) (float64, bool) {
	degraded := false
	if !supportedIntervals[intervalHours] {
		log.Warn().
			Int("interval_hours", intervalHours).
			Int("fallback", DefaultIntervalHours).
			Msg("unsupported funding interval, falling back to default")
		intervalHours = DefaultIntervalHours
		degraded = true
	}
	if !supportedBases[basisHours] {
		log.Warn().
			Int("basis_hours", basisHours).
			Int("fallback", DefaultIntervalHours).
			Msg("unsupported target basis, falling back to default")
		basisHours = DefaultIntervalHours
		degraded = true
	}
	return rate * float64(basisHours) / float64(intervalHours), degraded
}

// Denormalize Normalize 的逆运算：把目标基准下的费率还原到原始周期
func Denormalize(normalized float64, intervalHours, basisHours int) (float64, error) {
	if !supportedIntervals[intervalHours] {
		return 0, fmt.Errorf("unsupported funding interval: %dh", intervalHours)
	}
	if !supportedBases[basisHours] {
		return 0, fmt.Errorf("unsupported target basis: %dh", basisHours)
	}
	return normalized * float64(intervalHours) / float64(basisHours), nil
}

// CoerceIntervalHours 在边界处把交易所报告的结算周期统一成 int
// MEXC / Gate.io 会把周期报成数字字符串（collectCycle: "8"），
// 必须在这里消化掉，不能让字符串流到下游
func CoerceIntervalHours(v any) int {
	n := cast.ToInt(v)
	if n <= 0 {
		return 0
	}
	return n
}

// AnnualizeSpread 按目标基准推算年化：每天 24/basis 次结算 × 365 天
func AnnualizeSpread(spread float64, basisHours int) float64 {
	if basisHours <= 0 {
		basisHours = DefaultIntervalHours
	}
	return spread * (24.0 / float64(basisHours)) * 365.0
}
