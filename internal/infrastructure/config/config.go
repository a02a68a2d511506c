package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ExchangeConfig 单个交易所接入配置
type ExchangeConfig struct {
	Enabled    bool   `toml:"enabled"`
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	Passphrase string `toml:"passphrase"` // OKX 专用
	BaseURL    string `toml:"base_url"`
	WsURL      string `toml:"ws_url"`
	HedgeMode  bool   `toml:"hedge_mode"`
}

type Config struct {
	App struct {
		LogLevel string `toml:"log_level"`
	} `toml:"app"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Monitor struct {
		IntervalSec  int     `toml:"interval_sec"`
		BasisHours   int     `toml:"basis_hours"`
		Threshold    float64 `toml:"threshold"`
		ThresholdAPY bool    `toml:"threshold_apy"`
		FetchWorkers int     `toml:"fetch_workers"`
		NotifyGapMin int     `toml:"notify_gap_min"`
		NotionalSize float64 `toml:"notional_size"`
		CondPollSec  int     `toml:"cond_poll_sec"`
	} `toml:"monitor"`

	Cost struct {
		TradingFee   float64 `toml:"trading_fee"`
		Slippage     float64 `toml:"slippage"`
		PriceBuffer  float64 `toml:"price_buffer"`
		SafetyMargin float64 `toml:"safety_margin"`
	} `toml:"cost"`

	Exchanges map[string]ExchangeConfig `toml:"exchanges"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled    bool   `toml:"enabled"`
		Addr       string `toml:"addr"`
		Password   string `toml:"password"`
		DB         int    `toml:"db"`
		Prefix     string `toml:"prefix"`
		TTLSeconds int    `toml:"ttl_seconds"`
		Stream     string `toml:"stream"`
		Channel    string `toml:"channel"`
	} `toml:"redis"`

	NATS struct {
		Enabled bool   `toml:"enabled"`
		URL     string `toml:"url"`
		Subject string `toml:"subject"`
	} `toml:"nats"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.App.LogLevel) == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.Monitor.IntervalSec <= 0 {
		cfg.Monitor.IntervalSec = 30
	}
	if cfg.Monitor.BasisHours <= 0 {
		cfg.Monitor.BasisHours = 8
	}
	if cfg.Monitor.Threshold <= 0 {
		cfg.Monitor.Threshold = 0.005
	}
	if cfg.Monitor.FetchWorkers <= 0 {
		cfg.Monitor.FetchWorkers = 16
	}
	if cfg.Monitor.NotifyGapMin <= 0 {
		cfg.Monitor.NotifyGapMin = 5
	}
	if cfg.Monitor.NotionalSize <= 0 {
		cfg.Monitor.NotionalSize = 10000
	}
	if cfg.Monitor.CondPollSec <= 0 {
		cfg.Monitor.CondPollSec = 30
	}

	// 成本表缺省值合计 0.5%
	if cfg.Cost.TradingFee <= 0 {
		cfg.Cost.TradingFee = 0.002
	}
	if cfg.Cost.Slippage <= 0 {
		cfg.Cost.Slippage = 0.001
	}
	if cfg.Cost.PriceBuffer <= 0 {
		cfg.Cost.PriceBuffer = 0.001
	}
	if cfg.Cost.SafetyMargin <= 0 {
		cfg.Cost.SafetyMargin = 0.001
	}

	if strings.TrimSpace(cfg.Redis.Prefix) == "" {
		cfg.Redis.Prefix = "fundarb"
	}
	if cfg.Redis.TTLSeconds <= 0 {
		cfg.Redis.TTLSeconds = 300
	}
	if strings.TrimSpace(cfg.NATS.Subject) == "" {
		cfg.NATS.Subject = "fundarb.opportunities"
	}
	if !cfg.SQLite.Enabled && !cfg.Postgres.Enabled {
		// 无显式存储配置时落本地 SQLite
		cfg.SQLite.Enabled = true
	}
	if strings.TrimSpace(cfg.SQLite.Path) == "" {
		cfg.SQLite.Path = "data/fundarb.db"
	}
}

func validate(cfg *Config) error {
	cfg.Symbols.List = normalizeSymbols(cfg.Symbols.List)
	if len(cfg.Symbols.List) == 0 {
		return errors.New("symbols.list is empty")
	}

	if len(cfg.EnabledExchanges()) < 2 {
		return errors.New("at least two enabled exchanges are required")
	}
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		if strings.EqualFold(name, "okx") && strings.TrimSpace(ex.APIKey) != "" && strings.TrimSpace(ex.Passphrase) == "" {
			return fmt.Errorf("exchanges.%s: passphrase required when api_key is set", name)
		}
	}

	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return errors.New("nats.url empty but enabled")
	}
	return nil
}

// EnabledExchanges 启用的交易所名单，统一大写
func (c *Config) EnabledExchanges() []string {
	out := make([]string, 0, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, strings.ToUpper(name))
		}
	}
	return out
}

// Exchange 按名取交易所配置，大小写无关
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	for n, ex := range c.Exchanges {
		if strings.EqualFold(n, name) {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
