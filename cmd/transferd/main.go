// Command transferd serves the fund transfer API on top of PostgreSQL.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-transfer/pkg/api"
	"ledger-transfer/pkg/config"
	"ledger-transfer/pkg/events"
	"ledger-transfer/pkg/ledger"
	"ledger-transfer/pkg/ledger/postgres"
	"ledger-transfer/pkg/lock"
	"ledger-transfer/pkg/logging"
	promcollector "ledger-transfer/pkg/metrics/prometheus"
	"ledger-transfer/pkg/transfer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := run(logger); err != nil {
		logger.Error("transferd stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(logger *logging.Logger) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := promcollector.NewPrometheusCollector(cfg.MetricsNamespace)
	if err := collector.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Ledger
	store, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	closers = append(closers, store.Close)
	logger.Info("connected to PostgreSQL",
		zap.String("host", cfg.Postgres.Host),
		zap.String("database", cfg.Postgres.Database),
	)

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	if cfg.SeedDemoAccounts {
		n, err := store.Seed(ctx, ledger.DemoAccounts())
		if err != nil {
			return err
		}
		logger.Info("demo accounts seeded", zap.Int("inserted", n))
	}

	filterConfig := ledger.DefaultFilterConfig()
	filterConfig.Expected = 100000
	accounts := ledger.NewFilteredReaderWithConfig(store, filterConfig)
	if err := accounts.Refresh(ctx); err != nil {
		return fmt.Errorf("load account filter: %w", err)
	}
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	closers = append(closers, func() error {
		stopRefresh()
		return nil
	})
	go accounts.Run(refreshCtx, cfg.AccountFilterRefresh)

	// Account locks
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rl, err := lock.NewRedisLocker(cfg.Redis())
		if err != nil {
			return err
		}
		closers = append(closers, rl.Close)
		locker = rl
		logger.Info("using redis account locks", zap.String("addr", cfg.RedisAddr))
	}

	// Events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		sink, err := events.DialRabbit(cfg.RabbitMQ())
		if err != nil {
			return err
		}
		closers = append(closers, sink.Close)

		async := events.NewAsyncPublisherWithMetrics(sink, events.DefaultAsyncConfig(), collector)
		closers = append(closers, func() error {
			if err := async.Flush(5 * time.Second); err != nil {
				logger.Warn("event queue not drained", zap.Error(err))
			}
			return async.Close()
		})
		publisher = async
		logger.Info("publishing transfer events", zap.String("exchange", cfg.RabbitMQExchange))
	}

	engine, err := transfer.NewEngine(transfer.Dependencies{
		Store:     store,
		Journal:   store.Journal(),
		Locker:    locker,
		Publisher: publisher,
		Metrics:   collector,
	}, cfg.Transfer())
	if err != nil {
		return err
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.Address()
	serverConfig.RequestTimeout = cfg.LockTimeout + cfg.UnitTimeout + cfg.AuditTimeout

	server, err := api.NewServer(api.Dependencies{
		Engine:         engine,
		Accounts:       accounts,
		History:        store.Journal(),
		Health:         store,
		Metrics:        collector,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}, serverConfig)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
