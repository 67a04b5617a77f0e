package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/config"
	"github.com/amirphl/simple-rebalancer/internal/db"
	"github.com/amirphl/simple-rebalancer/internal/db/conf"
	"github.com/amirphl/simple-rebalancer/internal/exchange"
	"github.com/amirphl/simple-rebalancer/internal/metrics"
	"github.com/amirphl/simple-rebalancer/internal/notifier"
	"github.com/amirphl/simple-rebalancer/internal/orchestrator"
	"github.com/amirphl/simple-rebalancer/internal/registry"
	"github.com/amirphl/simple-rebalancer/internal/scheduler"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()

	log, err := utils.InitLogger(utils.LogConfig{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
		JSON:       cfg.LogJSON,
	})
	if err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	log.Infof("Starting Simple Rebalancer in mode: %s", cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Run migrations if enabled
	if cfg.RunMigration {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
	}

	storage, closeStorage := openStorage(ctx, cfg, log)
	defer closeStorage()

	reg, err := newRegistry(cfg, storage)
	if err != nil {
		log.Fatalf("Failed to create target registry: %v", err)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			log.Infof("Serving metrics on %s", cfg.MetricsAddr)
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	// Set up notification system
	var n notifier.Notifier = notifier.Nop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	}

	gateways := newGateways(cfg, storage, log)
	log.Infof("Gateways configured: %s (default %s)", strings.Join(gateways.Names(), ", "), cfg.DefaultExchange)

	sink := orchestrator.MultiSink{orchestrator.LogSink{Logger: log}}
	if storage.GetDB() != nil {
		sink = append(sink, orchestrator.JournalSink{Journal: storage, Logger: log})
	}

	orch := orchestrator.New(gateways, sink,
		orchestrator.WithMetrics(m),
		orchestrator.WithNotifier(n),
		orchestrator.WithExpiredOrderSweep(cfg.SweepExpiredOrders),
	)

	sched := scheduler.New(scheduler.Config{
		Schedule:             cfg.Schedule,
		MaxConcurrentTargets: cfg.MaxConcurrentTargets,
		CycleTimeout:         cfg.CycleTimeout,
	}, reg, orch, m)

	switch cfg.Mode {
	case config.ModeOnce:
		defer sched.Stop()
		res, err := sched.Tick(ctx)
		if err != nil {
			log.Fatalf("Tick failed: %v", err)
		}
		log.Infof("Tick finished: %d evaluated, %d invalid, %d failed", res.Evaluated, res.Invalid, res.Failed)
	case config.ModeLive:
		if err := sched.Start(ctx); err != nil {
			log.Fatalf("Scheduler failed: %v", err)
		}
	default:
		log.Fatalf("Unsupported mode: %s", cfg.Mode)
	}
	log.Info("Shutdown complete")
}

// openStorage connects to Postgres when a connection string is configured
// and falls back to in-memory storage otherwise.
func openStorage(ctx context.Context, cfg config.Config, log *logrus.Logger) (db.Storage, func()) {
	if cfg.DBConnStr == "" {
		log.Warn("No db_conn_str configured, journal and order ids are kept in memory")
		return db.NewMemory(), func() {}
	}

	sqlDB, err := sql.Open("postgres", cfg.DBConnStr)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpen)
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdle)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	storage, err := db.New(conf.Config{DB: sqlDB, ConnStr: cfg.DBConnStr})
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Info("Connected to Postgres")
	return storage, func() { storage.Close() }
}

func newRegistry(cfg config.Config, storage db.Storage) (registry.Registry, error) {
	switch strings.ToLower(cfg.Registry) {
	case config.RegistryFile:
		return registry.NewFile(cfg.TargetsFile), nil
	case config.RegistryPostgres:
		if storage.GetDB() == nil {
			return nil, fmt.Errorf("registry postgres needs a database connection")
		}
		return registry.NewPostgres(storage), nil
	case config.RegistryInline:
		return registry.NewMemory(cfg.Targets...), nil
	default:
		return nil, fmt.Errorf("unknown registry %q", cfg.Registry)
	}
}

// newGateways builds one gateway per configured exchange. Every gateway
// shares one rate limiter and is bounded by the call timeout.
func newGateways(cfg config.Config, orders db.OrderStorage, log *logrus.Logger) *exchange.Set {
	limiter := exchange.NewLimiter(cfg.RateLimit, cfg.RateBurst)
	wrap := func(g exchange.Gateway) exchange.Gateway {
		return exchange.NewThrottled(g, limiter, cfg.CallTimeout)
	}

	paper := exchange.NewPaperGateway("paper")
	paper.FillImmediately = cfg.PaperFill
	for market, pm := range cfg.PaperPrices {
		paper.SetPrice(market, pm.Price, pm.MinOrderSize)
	}
	for asset, qty := range cfg.PaperBalances {
		paper.SetBalance("", asset, qty)
	}
	gateways := []exchange.Gateway{wrap(paper)}

	if cfg.WallexAPIKey != "" {
		gateways = append(gateways, wrap(exchange.NewWallexGateway(cfg.WallexAPIKey, orders, cfg.CallTimeout)))
	}
	if cfg.BinanceAPIKey != "" {
		gateways = append(gateways, wrap(exchange.NewBinanceGateway(cfg.BinanceAPIKey, cfg.BinanceSecret, cfg.BinanceBaseURL)))
	}
	if cfg.FTXAPIKey != "" {
		gateways = append(gateways, wrap(exchange.NewFTXGateway(exchange.FTXConfig{
			BaseURL:   cfg.FTXBaseURL,
			APIKey:    cfg.FTXAPIKey,
			APISecret: cfg.FTXSecret,
			Timeout:   cfg.CallTimeout,
		})))
	}
	if len(gateways) == 1 && cfg.DefaultExchange != "paper" {
		log.Warnf("No exchange credentials configured, only the paper gateway is available")
	}
	return exchange.NewSet(cfg.DefaultExchange, gateways...)
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	log := utils.GetLogger()
	log.Info("Running database migrations...")

	// Parse connection string to extract database name
	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Connect to the postgres maintenance database to create ours
	base := *u
	base.Path = "/postgres"
	baseDB, err := sql.Open("postgres", base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		log.Infof("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer sqlDB.Close()

	schemaPath, err := conf.FindSchema()
	if err != nil {
		return err
	}
	schema, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}
	if err := conf.ApplySchema(sqlDB, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema.sql: %w", err)
	}

	log.Info("Database migrations completed successfully")
	return nil
}
