package service

import (
	"math"
	"testing"
)

func TestNetProfitScenario(t *testing.T) {
	cm := NewCostModel(DefaultCostRates())

	// 价差 0.6%，名义 100,000，默认成本 0.5% → 毛利 600 - 成本 500 = 100
	got := cm.NetProfit(0.006, 100000)
	if math.Abs(got-100) > 1e-9 {
		t.Errorf("net profit at 0.6%% spread: got %v, want 100", got)
	}

	// 价差 0.4% → 400 - 500 = -100
	got = cm.NetProfit(0.004, 100000)
	if math.Abs(got-(-100)) > 1e-9 {
		t.Errorf("net profit at 0.4%% spread: got %v, want -100", got)
	}
}

// TestIsValidOpportunityBoundary 恰好保本不算有效机会，必须严格大于
func TestIsValidOpportunityBoundary(t *testing.T) {
	cm := NewCostModel(DefaultCostRates())
	breakEven := cm.TotalCostRate()

	if cm.IsValidOpportunity(breakEven) {
		t.Error("spread exactly at break-even must be invalid")
	}
	if !cm.IsValidOpportunity(breakEven + 1e-12) {
		t.Error("spread strictly above break-even must be valid")
	}
	if cm.IsValidOpportunity(0) {
		t.Error("zero spread must be invalid")
	}
	if cm.IsValidOpportunity(-0.001) {
		t.Error("negative spread must be invalid")
	}
}

// TestNetAnnualizedReturnLinear 年化对价差线性：f(s2)-f(s1) = (s2-s1)*结算次数
func TestNetAnnualizedReturnLinear(t *testing.T) {
	cm := NewCostModel(DefaultCostRates())

	pairs := [][2]float64{
		{0.001, 0.002},
		{0.006, 0.012},
		{-0.003, 0.003},
		{1e-8, 2e-8},
	}
	for _, p := range pairs {
		diff := cm.NetAnnualizedReturn(p[1]) - cm.NetAnnualizedReturn(p[0])
		want := (p[1] - p[0]) * SettlementsPerYear
		if math.Abs(diff-want) > 1e-9 {
			t.Errorf("linearity broken for %v: got %v, want %v", p, diff, want)
		}
	}
}

// TestCostModelNumericStability 极小和极大仓位都不应丢失精度符号
func TestCostModelNumericStability(t *testing.T) {
	cm := NewCostModel(DefaultCostRates())

	if got := cm.NetProfit(0.006, 1e-6); got <= 0 {
		t.Errorf("tiny position with profitable spread should stay positive, got %v", got)
	}
	if got := cm.NetProfit(0.006, 1e12); math.Abs(got-1e9) > 1 {
		t.Errorf("large position: got %v, want ~1e9", got)
	}
}
