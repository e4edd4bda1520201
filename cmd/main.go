// Command chainfolio runs the multi-chain balance calculation engine.
// It consumes transaction notifications from Kafka, recalculates wallet
// balances with FIFO cost basis, and maintains historical balance snapshots
// in PostgreSQL.
//
// Usage:
//
//	chainfolio --config config.yaml
//	chainfolio --config config.yaml --full-recalc (replay all ledgers first)
//	chainfolio setup (interactive configuration wizard)
//
// Required environment variables:
//
//	DB_PASSWORD (PostgreSQL password)
//	For Binance prices: BINANCE_API_KEY, BINANCE_API_SECRET (optional)
//	For Bybit prices: BYBIT_API_KEY, BYBIT_API_SECRET (optional)
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/chainfolio/config"
	"github.com/vadiminshakov/chainfolio/internal/clients"
	"github.com/vadiminshakov/chainfolio/internal/domain"
	"github.com/vadiminshakov/chainfolio/internal/ingest"
	"github.com/vadiminshakov/chainfolio/internal/journal"
	"github.com/vadiminshakov/chainfolio/internal/services/fold"
	"github.com/vadiminshakov/chainfolio/internal/services/pricer"
	"github.com/vadiminshakov/chainfolio/internal/services/recalc"
	"github.com/vadiminshakov/chainfolio/internal/services/snapshot"
	"github.com/vadiminshakov/chainfolio/internal/setup"
	"github.com/vadiminshakov/chainfolio/internal/storage/postgres"
)

const pruneInterval = time.Hour

var cadenceIntervals = map[domain.Cadence]time.Duration{
	domain.CadenceHourly:  time.Hour,
	domain.CadenceDaily:   24 * time.Hour,
	domain.CadenceWeekly:  7 * 24 * time.Hour,
	domain.CadenceMonthly: 30 * 24 * time.Hour,
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "setup" {
		if err := setup.RunTUI(); err != nil {
			log.Fatal(err)
		}
		return
	}

	configPath := flag.String("config", "config.yaml", "path to config file")
	fullRecalc := flag.Bool("full-recalc", false, "replay every wallet's ledger before serving")
	flag.Parse()

	cfg, err := config.Get(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.Open(postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	priceSource, err := buildPricer(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to build price source", zap.Error(err))
	}

	anomalies, err := journal.NewAnomalyJournal(cfg.AnomalyJournalDir)
	if err != nil {
		logger.Fatal("failed to open anomaly journal", zap.Error(err))
	}
	defer anomalies.Close()

	folder := fold.New(cfg.Snapshot.DustThreshold)
	orchestrator := recalc.New(logger, folder, store.Transactions, store.Balances, store.History, priceSource, anomalies)
	snapshots := snapshot.New(logger, store.Balances, store.History, snapshot.Config{
		DustThreshold:     cfg.Snapshot.DustThreshold,
		HourlyRetention:   cfg.Snapshot.HourlyRetention,
		StandardRetention: cfg.Snapshot.StandardRetention,
		Disabled:          cfg.Snapshot.Disabled,
	})

	if *fullRecalc {
		logger.Info("starting corrective full recalculation")
		if err := orchestrator.RecalculateAll(ctx); err != nil {
			logger.Error("full recalculation finished with failures", zap.Error(err))
		}
	}

	consumer := ingest.NewConsumer(logger, ingest.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	}, orchestrator, store.Transactions)
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(ctx)
	})

	for cadence, interval := range cadenceIntervals {
		g.Go(runSnapshotLoop(ctx, logger, snapshots, cadence, interval))
	}

	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := snapshots.Prune(ctx); err != nil {
					logger.Error("retention prune failed", zap.Error(err))
				}
			}
		}
	})

	logger.Info("chainfolio started",
		zap.String("platform", cfg.Platform),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("kafka_topic", cfg.Kafka.Topic))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("engine stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func runSnapshotLoop(ctx context.Context, logger *zap.Logger, snapshots *snapshot.Manager, cadence domain.Cadence, interval time.Duration) func() error {
	return func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				n, err := snapshots.Snapshot(ctx, cadence)
				if err != nil {
					logger.Error("scheduled snapshot failed",
						zap.String("cadence", string(cadence)), zap.Error(err))
					continue
				}
				logger.Info("snapshot taken",
					zap.String("cadence", string(cadence)), zap.Int("rows", n))
			}
		}
	}
}

func buildPricer(ctx context.Context, logger *zap.Logger, cfg *config.Config) (recalc.Pricer, error) {
	var source pricer.Pricer
	switch cfg.Platform {
	case "binance":
		client := clients.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"))
		source = pricer.NewBinancePricer(client, cfg.QuoteSymbol)
	case "bybit":
		client := clients.NewBybitClient(os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET"))
		source = pricer.NewBybitPricer(client, cfg.QuoteSymbol)
	case "hyperliquid":
		info, err := clients.NewHyperliquidInfo(ctx, os.Getenv("HYPERLIQUID_PRIVATE_KEY"), os.Getenv("HYPERLIQUID_API_URL"))
		if err != nil {
			return nil, err
		}
		source = pricer.NewHyperliquidPricer(info)
	default:
		source = pricer.NewStaticPricer(nil)
	}

	if cfg.Redis.Addr == "" {
		return source, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return pricer.NewCachedPricer(logger, source, rdb, cfg.Redis.PriceTTL), nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	return zapCfg.Build()
}
