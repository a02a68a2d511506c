package service

import (
	"math"
	"testing"
)

// TestNormalizeRoundTrip 归一化再反归一化应精确还原原始费率
func TestNormalizeRoundTrip(t *testing.T) {
	intervals := []int{1, 4, 8, 24}
	bases := []int{1, 8, 24}
	rates := []float64{0.0001, -0.00035, 0.01, 0}

	for _, i := range intervals {
		for _, b := range bases {
			for _, r := range rates {
				n, err := Normalize(r, i, b)
				if err != nil {
					t.Fatalf("Normalize(%v, %d, %d): %v", r, i, b, err)
				}
				back, err := Denormalize(n, i, b)
				if err != nil {
					t.Fatalf("Denormalize(%v, %d, %d): %v", n, i, b, err)
				}
				if math.Abs(back-r) > 1e-15 {
					t.Errorf("round trip interval=%d basis=%d: got %v, want %v", i, b, back, r)
				}
			}
		}
	}
}

func TestNormalizeValues(t *testing.T) {
	tests := []struct {
		name     string
		rate     float64
		interval int
		basis    int
		want     float64
	}{
		{"1h to 8h", 0.0001, 1, 8, 0.0008},
		{"4h to 8h", 0.0002, 4, 8, 0.0004},
		{"8h identity", 0.0003, 8, 8, 0.0003},
		{"24h to 8h", 0.0009, 24, 8, 0.0003},
		{"8h to 24h", 0.0001, 8, 24, 0.0003},
		{"8h to 1h", 0.0008, 8, 1, 0.0001},
		{"negative rate", -0.0004, 4, 8, -0.0008},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.rate, tt.interval, tt.basis)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeRejectsUnsupported(t *testing.T) {
	if _, err := Normalize(0.0001, 3, 8); err == nil {
		t.Error("interval 3h should be rejected in strict mode")
	}
	if _, err := Normalize(0.0001, 8, 4); err == nil {
		t.Error("basis 4h should be rejected in strict mode")
	}
}

func TestNormalizeOrDefaultDegrades(t *testing.T) {
	got, degraded := NormalizeOrDefault(0.0008, 3, 8)
	if !degraded {
		t.Error("unsupported interval should flag degraded confidence")
	}
	// 回退到 8h 周期
	if math.Abs(got-0.0008) > 1e-12 {
		t.Errorf("got %v, want 0.0008 via 8h fallback", got)
	}

	got, degraded = NormalizeOrDefault(0.0004, 4, 8)
	if degraded {
		t.Error("supported interval must not be flagged degraded")
	}
	if math.Abs(got-0.0008) > 1e-12 {
		t.Errorf("got %v, want 0.0008", got)
	}
}

// TestCoerceIntervalHours MEXC 把 collectCycle 报成字符串 "8"，
// 必须解析成整数 8 而不是落入默认值分支
func TestCoerceIntervalHours(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int
	}{
		{"mexc string cycle", "8", 8},
		{"gateio string cycle", "4", 4},
		{"int", 24, 24},
		{"float from json", float64(8), 8},
		{"garbage", "abc", 0},
		{"empty", "", 0},
		{"zero", 0, 0},
		{"negative", -8, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CoerceIntervalHours(tt.in); got != tt.want {
				t.Errorf("CoerceIntervalHours(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestAnnualizeSpread(t *testing.T) {
	// 8h 基准：每天 3 次结算 × 365
	got := AnnualizeSpread(0.001, 8)
	want := 0.001 * 3 * 365
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}
