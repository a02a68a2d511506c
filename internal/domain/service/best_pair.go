package service

import (
	"sort"

	"fundarb/internal/domain/model"
)

// SelectBestPair 在一个交易对的所有交易所归一化费率中，选出价差最大的
// (做多, 做空) 组合：spread = shortRate - longRate
// 平局时取 (longExchange, shortExchange) 字典序较小的组合，保证结果确定
// 数据不足两个交易所时返回 nil（无意见，不视为价差 0）
func SelectBestPair(symbol string, rates map[string]*model.NormalizedFundingRate, basisHours int) *model.BestPair {
	if len(rates) < 2 {
		return nil
	}

	exchanges := make([]string, 0, len(rates))
	for ex, r := range rates {
		if r == nil {
			continue
		}
		exchanges = append(exchanges, ex)
	}
	if len(exchanges) < 2 {
		return nil
	}
	sort.Strings(exchanges)

	var best *model.BestPair
	for _, longEx := range exchanges {
		for _, shortEx := range exchanges {
			if longEx == shortEx {
				continue
			}
			lr := rates[longEx]
			sr := rates[shortEx]
			spread := sr.Normalized - lr.Normalized
			// 严格大于才替换：先到的字典序组合在平局时胜出
			if best != nil && spread <= best.Spread {
				continue
			}
			pair := &model.BestPair{
				Symbol:           symbol,
				LongExchange:     longEx,
				ShortExchange:    shortEx,
				LongRate:         lr.Normalized,
				ShortRate:        sr.Normalized,
				Spread:           spread,
				SpreadAnnualized: AnnualizeSpread(spread, basisHours),
				LongInterval:     lr.IntervalHours,
				ShortInterval:    sr.IntervalHours,
				Timestamp:        maxTs(lr.Timestamp, sr.Timestamp),
			}
			if lr.MarkPrice > 0 {
				pair.PriceDiffPercent = (sr.MarkPrice - lr.MarkPrice) / lr.MarkPrice * 100
			}
			best = pair
		}
	}
	return best
}

func maxTs(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// SplitQuantity 把总数量拆成 n 份，各份之和精确等于原值（余数归入最后一份）
// n <= 0 时返回原数量单份，n == 1 返回原值不变
func SplitQuantity(total float64, n int) []float64 {
	if n <= 1 {
		return []float64{total}
	}
	part := total / float64(n)
	out := make([]float64, n)
	var acc float64
	for i := 0; i < n-1; i++ {
		out[i] = part
		acc += part
	}
	out[n-1] = total - acc
	return out
}
