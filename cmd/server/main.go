package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/brojonat/ethgate/service/config"
	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/indexer"
	"github.com/brojonat/ethgate/service/ledger"
	"github.com/brojonat/ethgate/service/metrics"
	"github.com/brojonat/ethgate/service/middleware"
	natspkg "github.com/brojonat/ethgate/service/nats"
	"github.com/brojonat/ethgate/service/server"
	"github.com/brojonat/ethgate/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"network", cfg.NetworkName,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Dial the node
	rpcClient, err := middleware.Dial(ctx, cfg.RPCURL)
	if err != nil {
		logger.Error("failed to dial node", "error", err)
		os.Exit(1)
	}
	defer rpcClient.Close()
	logger.Info("initialized node RPC client")

	// History lookups go to an explorer when one is configured
	var finder indexer.Finder
	if cfg.IndexerURL != "" {
		finder = indexer.NewClient(indexer.ClientConfig{
			BaseURL: cfg.IndexerURL,
			APIKey:  cfg.IndexerAPIKey,
		}, metricsCollector, logger)
		logger.Info("initialized indexer client", "url", cfg.IndexerURL)
	}

	network, err := ledger.NewNetwork(ledger.NetworkConfig{
		Name:         cfg.NetworkName,
		Constants:    cfg.Constants(),
		RPC:          rpcClient,
		Finder:       finder,
		PollInterval: cfg.PollInterval,
		RateLimit:    rate.Limit(cfg.RPCRateLimit),
		RateBurst:    cfg.RPCRateBurst,
		CacheSizeMB:  cfg.CacheSizeMB,
		GasPriority:  ledger.GasPriority(cfg.GasPriority),
		MaxCost:      cfg.MaxCostWei,
		Logger:       logger,
		Metrics:      metricsCollector,
	})
	if err != nil {
		logger.Error("failed to configure network", "error", err)
		os.Exit(1)
	}

	reader, err := network.CreateBlockchainAPI()
	if err != nil {
		logger.Error("failed to create blockchain API", "error", err)
		os.Exit(1)
	}
	defer reader.Close()

	// Watch management needs both the database and Temporal
	var (
		store     server.HistoryStore
		scheduler temporal.Scheduler
	)
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		dbStore := db.NewStore(dbPool)
		if err := dbStore.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		temporalClient, err := temporal.NewClient(cfg.TemporalHost, cfg.TemporalNamespace, cfg.TemporalTaskQueue, logger)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()

		store = dbStore
		scheduler = temporalClient
	} else {
		logger.Warn("DATABASE_URL not set, watch endpoints are disabled")
	}

	httpServer := server.New(cfg.ServerAddr, cfg, reader, store, scheduler, metricsCollector, logger)

	// Sending needs a key
	if cfg.WalletPrivateKey != "" {
		wallet, err := ledger.KeyWalletFromHex(cfg.WalletPrivateKey)
		if err != nil {
			logger.Error("invalid WALLET_PRIVATE_KEY", "error", err)
			os.Exit(1)
		}
		transactor, err := network.CreateTransactor(wallet, ledger.TransactorConfig{
			MaxAttempts: cfg.MaxSubmitAttempts,
		})
		if err != nil {
			logger.Error("failed to create transactor", "error", err)
			os.Exit(1)
		}
		defer transactor.Close()
		transactor.Start()
		httpServer.WithSender(transactor)
		logger.Info("transfers enabled", "from", transactor.Address())
	}

	// Block events go to NATS, and synced transactions come back from it
	publisher, err := natspkg.NewPublisher(cfg.NATSURL, logger, metricsCollector)
	if err != nil {
		logger.Warn("NATS unavailable, block events are not published", "url", cfg.NATSURL, "error", err)
	} else {
		defer publisher.Close()
		relay := natspkg.NewBlockRelay(reader.Network(), publisher, logger)
		go relay.Run(ctx, reader.Blocks(64))

		ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("failed to create SSE publisher", "error", err)
		} else {
			httpServer.WithTransactionStream(ssePublisher)
		}
		logger.Info("connected to NATS", "url", cfg.NATSURL)
	}

	reader.Start()

	logger.Info("server initialized, all dependencies ready",
		"network", reader.Network(),
		"indexer", cfg.IndexerURL != "",
		"history_sync", store != nil,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
