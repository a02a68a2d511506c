package service

import (
	"math"
	"testing"

	"fundarb/internal/domain/model"
)

func nr(ex string, normalized float64, mark float64) *model.NormalizedFundingRate {
	return &model.NormalizedFundingRate{
		FundingRate: model.FundingRate{
			Exchange:      ex,
			Symbol:        "BTCUSDT",
			IntervalHours: 8,
			MarkPrice:     mark,
			Timestamp:     1700000000000,
		},
		BasisHours: 8,
		Normalized: normalized,
	}
}

func TestSelectBestPair(t *testing.T) {
	rates := map[string]*model.NormalizedFundingRate{
		"BINANCE": nr("BINANCE", 0.0001, 43000),
		"OKX":     nr("OKX", 0.0005, 43010),
		"MEXC":    nr("MEXC", -0.0002, 42990),
	}

	pair := SelectBestPair("BTCUSDT", rates, 8)
	if pair == nil {
		t.Fatal("expected a pair")
	}
	// 最大价差 = OKX(0.0005) - MEXC(-0.0002)
	if pair.LongExchange != "MEXC" || pair.ShortExchange != "OKX" {
		t.Errorf("got %s/%s, want MEXC/OKX", pair.LongExchange, pair.ShortExchange)
	}
	if math.Abs(pair.Spread-0.0007) > 1e-12 {
		t.Errorf("spread = %v, want 0.0007", pair.Spread)
	}
}

// TestSelectBestPairDeterministic 同一快照重复计算必须得到同一组合
func TestSelectBestPairDeterministic(t *testing.T) {
	rates := map[string]*model.NormalizedFundingRate{
		"GATEIO":  nr("GATEIO", 0.0003, 100),
		"BINANCE": nr("BINANCE", 0.0003, 100),
		"OKX":     nr("OKX", -0.0001, 100),
		"BINGX":   nr("BINGX", -0.0001, 100),
	}

	first := SelectBestPair("BTCUSDT", rates, 8)
	if first == nil {
		t.Fatal("expected a pair")
	}
	// 平局：BINANCE 和 GATEIO 空头费率相同，BINGX 和 OKX 多头相同
	// 字典序最小组合 (BINGX, BINANCE) 胜出
	if first.LongExchange != "BINGX" || first.ShortExchange != "BINANCE" {
		t.Errorf("tie-break got %s/%s, want BINGX/BINANCE", first.LongExchange, first.ShortExchange)
	}

	for i := 0; i < 50; i++ {
		p := SelectBestPair("BTCUSDT", rates, 8)
		if p.LongExchange != first.LongExchange || p.ShortExchange != first.ShortExchange {
			t.Fatalf("iteration %d produced %s/%s, want %s/%s",
				i, p.LongExchange, p.ShortExchange, first.LongExchange, first.ShortExchange)
		}
	}
}

func TestSelectBestPairInsufficientData(t *testing.T) {
	if p := SelectBestPair("BTCUSDT", nil, 8); p != nil {
		t.Error("nil rates should yield no pair")
	}
	one := map[string]*model.NormalizedFundingRate{"BINANCE": nr("BINANCE", 0.0001, 43000)}
	if p := SelectBestPair("BTCUSDT", one, 8); p != nil {
		t.Error("single exchange should yield no pair")
	}
	// 缺数据的交易所以 nil 占位，不得按费率 0 参与
	withNil := map[string]*model.NormalizedFundingRate{
		"BINANCE": nr("BINANCE", 0.0001, 43000),
		"MEXC":    nil,
	}
	if p := SelectBestPair("BTCUSDT", withNil, 8); p != nil {
		t.Error("nil entry must be excluded, leaving fewer than two exchanges")
	}
}

func TestSplitQuantity(t *testing.T) {
	tests := []struct {
		name  string
		total float64
		n     int
	}{
		{"even split", 1.0, 4},
		{"odd split", 0.1, 3},
		{"awkward decimal", 0.0000001, 7},
		{"large", 123456.789, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := SplitQuantity(tt.total, tt.n)
			if len(parts) != tt.n {
				t.Fatalf("len = %d, want %d", len(parts), tt.n)
			}
			var sum float64
			for _, p := range parts {
				sum += p
			}
			if sum != tt.total {
				t.Errorf("sum = %v, want exactly %v", sum, tt.total)
			}
		})
	}

	// n=1 返回原值；n<=0 返回原数量
	if parts := SplitQuantity(2.5, 1); len(parts) != 1 || parts[0] != 2.5 {
		t.Errorf("n=1: got %v", parts)
	}
	if parts := SplitQuantity(2.5, 0); len(parts) != 1 || parts[0] != 2.5 {
		t.Errorf("n=0: got %v", parts)
	}
	if parts := SplitQuantity(2.5, -3); len(parts) != 1 || parts[0] != 2.5 {
		t.Errorf("n=-3: got %v", parts)
	}
}
