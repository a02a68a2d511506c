package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"fundarb/internal/infrastructure/config"
	"fundarb/internal/infrastructure/logger"
	"fundarb/internal/infrastructure/svc"
)

func main() {
	logger.Setup("info")

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	log.Info().
		Str("config", *configPath).
		Int("symbols", len(cfg.Symbols.List)).
		Float64("threshold", cfg.Monitor.Threshold).
		Msg("fundarb started")

	var wg sync.WaitGroup

	// 追踪器消费监控器的事件通道，通道关闭后自行退出
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc.Tracker.Run(ctx, sc.Monitor.Events())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sc.CondMonitor.Run(ctx)
	}()

	if err := sc.Monitor.Run(ctx); err != nil {
		log.Error().Err(err).Msg("funding monitor exited")
	}
	wg.Wait()

	log.Info().Msg("fundarb stopped")
}
