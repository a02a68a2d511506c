package svc

import (
	"context"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/application/service"
	domainservice "fundarb/internal/domain/service"
	"fundarb/internal/infrastructure/cache"
	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/exchange"
	"fundarb/internal/infrastructure/notify"
	"fundarb/internal/infrastructure/storage/memlock"
	postgresrepo "fundarb/internal/infrastructure/storage/postgres"
	redisrepo "fundarb/internal/infrastructure/storage/redis"
	sqliterepo "fundarb/internal/infrastructure/storage/sqlite"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	clients     map[string]port.ExchangeClient
	redisClient *redisclient.Client
	redisRepo   *redisrepo.Repo
	repo        port.Repository
	lock        port.PositionLock
	notifier    port.Notifier

	// 应用业务组件（依赖基础设施）
	Monitor      *service.FundingMonitor
	Tracker      *service.OpportunityTracker
	Orchestrator *service.PositionOrchestrator
	Closer       *service.PositionCloser
	CondMonitor  *service.ConditionalMonitor

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		closerChain: make([]func() error, 0),
	}

	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化，确保不会有循环依赖
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInitFailed, err)
	}
	if err := sc.initNotifier(); err != nil {
		return fmt.Errorf("notifier initialization failed: %w", err)
	}
	if err := sc.initExchanges(); err != nil {
		return fmt.Errorf("exchange initialization failed: %w", err)
	}
	if err := sc.initServices(); err != nil {
		return fmt.Errorf("service initialization failed: %w", err)
	}

	log.Info().
		Int("exchanges", len(sc.clients)).
		Int("symbols", len(sc.Config.Symbols.List)).
		Msg("✓ All components initialized")
	return nil
}

// initializeStorage 初始化存储层 (Redis 和主仓储)
func (sc *ServiceContext) initializeStorage() error {
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}

	switch {
	case sc.Config.Postgres.Enabled:
		repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres repo creation failed: %w", err)
		}
		sc.repo = repo
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing postgres connection")
			return repo.Close()
		})
		log.Info().Msg("✓ Postgres initialized")

	default:
		repo, err := sqliterepo.New(sc.Config.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite repo creation failed: %w", err)
		}
		sc.repo = repo
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing sqlite connection")
			return repo.Close()
		})
		log.Info().Str("path", sc.Config.SQLite.Path).Msg("✓ SQLite initialized")
	}

	// 开仓锁：优先外部化（Redis），否则退化为进程内锁
	if sc.redisRepo != nil {
		sc.lock = sc.redisRepo
	} else {
		sc.lock = memlock.New()
		log.Warn().Msg("redis disabled, position lock is process-local")
	}
	return nil
}

// initRedis 初始化 Redis 连接
func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	ttl := time.Duration(sc.Config.Redis.TTLSeconds) * time.Second

	sc.redisRepo = redisrepo.New(
		rdb,
		sc.Config.Redis.Prefix,
		ttl,
		sc.Config.Redis.Stream,
		sc.Config.Redis.Channel,
	)

	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return rdb.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

// initNotifier 组装通知下游：NATS、Redis 事件流，都没有配置时空实现
func (sc *ServiceContext) initNotifier() error {
	var targets []port.Notifier

	if sc.Config.NATS.Enabled {
		nn, err := notify.NewNATSNotifier(sc.Config.NATS.URL, sc.Config.NATS.Subject)
		if err != nil {
			return fmt.Errorf("nats connect failed: %w", err)
		}
		targets = append(targets, nn)
		sc.closerChain = append(sc.closerChain, func() error {
			log.Info().Msg("closing nats connection")
			return nn.Close()
		})
		log.Info().Str("subject", sc.Config.NATS.Subject).Msg("✓ NATS notifier initialized")
	}
	if sc.redisRepo != nil {
		targets = append(targets, sc.redisRepo)
	}

	if len(targets) == 0 {
		sc.notifier = port.NoopNotifier{}
		return nil
	}
	sc.notifier = notify.NewMulti(targets...)
	return nil
}

// initExchanges 构建客户端并启动前校验凭证，任何一家失败都拒绝启动
func (sc *ServiceContext) initExchanges() error {
	clients, err := exchange.NewClients(sc.Config)
	if err != nil {
		return err
	}
	if len(clients) < 2 {
		return ErrNoExchangesEnabled
	}

	probe := sc.Config.Symbols.List[0]
	if err := exchange.ValidateCredentials(sc.Ctx, clients, probe, 15*time.Second); err != nil {
		return fmt.Errorf("credential validation failed: %w", err)
	}

	sc.clients = clients
	return nil
}

func (sc *ServiceContext) initServices() error {
	cfg := sc.Config
	interval := time.Duration(cfg.Monitor.IntervalSec) * time.Second

	// 费率缓存按两个监控周期算过期，避免单次抓取失败立即判数据缺失
	rateCache := cache.NewRateCache(2 * interval)

	var mirror service.RateMirror
	if sc.redisRepo != nil {
		mirror = sc.redisRepo
	}

	monitor, err := service.NewFundingMonitor(service.MonitorConfig{
		Symbols:      cfg.Symbols.List,
		Interval:     interval,
		BasisHours:   cfg.Monitor.BasisHours,
		Threshold:    cfg.Monitor.Threshold,
		ThresholdAPY: cfg.Monitor.ThresholdAPY,
		FetchWorkers: cfg.Monitor.FetchWorkers,
	}, sc.clients, rateCache, mirror)
	if err != nil {
		return err
	}

	// Binance 配了 WS 地址时叠加推送源，推送只是 REST 轮询之上的低延迟补充
	if ec, ok := cfg.Exchange(exchange.Binance); ok && ec.Enabled && ec.WsURL != "" {
		monitor.AddFeed(exchange.NewBinanceRateFeed(ec.WsURL))
		log.Info().Msg("✓ Binance mark-price feed attached")
	}
	sc.Monitor = monitor

	cost := domainservice.NewCostModel(domainservice.CostRates{
		TradingFee:   cfg.Cost.TradingFee,
		Slippage:     cfg.Cost.Slippage,
		PriceBuffer:  cfg.Cost.PriceBuffer,
		SafetyMargin: cfg.Cost.SafetyMargin,
	})

	sc.Tracker = service.NewOpportunityTracker(service.TrackerConfig{
		BasisHours:   cfg.Monitor.BasisHours,
		NotifyMinGap: time.Duration(cfg.Monitor.NotifyGapMin) * time.Minute,
		NotionalSize: cfg.Monitor.NotionalSize,
	}, sc.repo, sc.notifier, cost)

	sc.Orchestrator = service.NewPositionOrchestrator(sc.clients, sc.repo, sc.lock)
	sc.Closer = service.NewPositionCloser(sc.clients, sc.repo)
	sc.CondMonitor = service.NewConditionalMonitor(service.CondMonitorConfig{
		Interval: time.Duration(cfg.Monitor.CondPollSec) * time.Second,
	}, sc.clients, sc.repo, sc.Closer)

	return nil
}

// Repo 主仓储
func (sc *ServiceContext) Repo() port.Repository { return sc.repo }

// Clients 交易所客户端，键为大写交易所名
func (sc *ServiceContext) Clients() map[string]port.ExchangeClient { return sc.clients }

// Close 关闭所有资源，按初始化的相反顺序
func (sc *ServiceContext) Close() error {
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
		}
	}
	return nil
}
