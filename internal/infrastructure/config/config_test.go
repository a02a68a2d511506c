package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[symbols]
list = ["btcusdt", "ETHUSDT", " btcusdt "]

[exchanges.binance]
enabled = true

[exchanges.okx]
enabled = true
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Monitor.IntervalSec != 30 {
		t.Fatalf("interval = %d, want default 30", cfg.Monitor.IntervalSec)
	}
	if cfg.Monitor.BasisHours != 8 {
		t.Fatalf("basis = %d, want default 8", cfg.Monitor.BasisHours)
	}
	total := cfg.Cost.TradingFee + cfg.Cost.Slippage + cfg.Cost.PriceBuffer + cfg.Cost.SafetyMargin
	if total != 0.005 {
		t.Fatalf("default cost total = %v, want 0.005", total)
	}
	if !cfg.SQLite.Enabled {
		t.Fatal("sqlite must default to enabled when no storage is configured")
	}
	if cfg.App.LogLevel != "info" {
		t.Fatalf("log level = %s", cfg.App.LogLevel)
	}
}

func TestLoadNormalizesSymbols(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"BTCUSDT", "ETHUSDT"}
	if len(cfg.Symbols.List) != len(want) {
		t.Fatalf("symbols = %v, want %v", cfg.Symbols.List, want)
	}
	for i, s := range want {
		if cfg.Symbols.List[i] != s {
			t.Fatalf("symbols = %v, want %v", cfg.Symbols.List, want)
		}
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no symbols", `
[exchanges.binance]
enabled = true
[exchanges.okx]
enabled = true
`},
		{"single exchange", `
[symbols]
list = ["BTCUSDT"]
[exchanges.binance]
enabled = true
`},
		{"okx key without passphrase", `
[symbols]
list = ["BTCUSDT"]
[exchanges.binance]
enabled = true
[exchanges.okx]
enabled = true
api_key = "k"
api_secret = "s"
`},
		{"postgres without dsn", `
[symbols]
list = ["BTCUSDT"]
[exchanges.binance]
enabled = true
[exchanges.okx]
enabled = true
[postgres]
enabled = true
`},
		{"redis without addr", `
[symbols]
list = ["BTCUSDT"]
[exchanges.binance]
enabled = true
[exchanges.okx]
enabled = true
[redis]
enabled = true
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestExchangeLookupIsCaseInsensitive(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cfg.Exchange("BINANCE"); !ok {
		t.Fatal("uppercase lookup failed")
	}
	if _, ok := cfg.Exchange("Okx"); !ok {
		t.Fatal("mixed case lookup failed")
	}
	if _, ok := cfg.Exchange("KRAKEN"); ok {
		t.Fatal("unknown exchange must not resolve")
	}
}
