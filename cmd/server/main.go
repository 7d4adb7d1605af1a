package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/charityledger/service/config"
	"github.com/brojonat/charityledger/service/db"
	"github.com/brojonat/charityledger/service/ledger"
	"github.com/brojonat/charityledger/service/metrics"
	natspkg "github.com/brojonat/charityledger/service/nats"
	"github.com/brojonat/charityledger/service/server"
	charitysol "github.com/brojonat/charityledger/service/solana"
	"github.com/brojonat/charityledger/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; the environment may be set by the deployment.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"challenge_window", cfg.ChallengeWindow,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

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
	logger.Info("connected to database")

	store := db.NewStore(dbPool).WithMetrics(metricsCollector)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, logger, metricsCollector)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()

	natsSubscriber, err := natspkg.NewSubscriber(cfg.NATSURL, "charityledger-sse", logger)
	if err != nil {
		logger.Error("failed to create NATS subscriber", "error", err)
		os.Exit(1)
	}
	defer natsSubscriber.Close()

	l, err := ledger.New(ledger.Config{
		Owner:           cfg.LedgerOwner,
		ChallengeWindow: cfg.ChallengeWindow,
		Journal:         store,
		Publisher:       natsPublisher,
		Metrics:         metricsCollector,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to create ledger", "error", err)
		os.Exit(1)
	}

	if err := restoreLedger(ctx, l, store, logger); err != nil {
		logger.Error("failed to restore ledger from journal", "error", err)
		os.Exit(1)
	}

	httpServer := server.New(cfg, l, store, metricsCollector, logger).
		WithSubscriber(natsSubscriber)

	if cfg.ChallengeWindow > 0 {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			metricsCollector,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		httpServer.WithSettler(temporalClient)

		if err := rescheduleSettlements(ctx, l, temporalClient, logger); err != nil {
			logger.Error("failed to reschedule settlements", "error", err)
			os.Exit(1)
		}
	}

	if cfg.VerifiesDonations() {
		endpoint, err := charitysol.SelectRandomEndpoint(cfg.SolanaRPCURLs)
		if err != nil {
			logger.Error("failed to select solana RPC endpoint", "error", err)
			os.Exit(1)
		}
		verifier := charitysol.NewDonationVerifier(charitysol.NewRPCClient(endpoint), *cfg.TreasuryAddress, metricsCollector, logger)
		httpServer.WithVerifier(verifier)
		logger.Info("on-chain donation verification enabled",
			"treasury", cfg.TreasuryAddress.String(),
			"total_endpoints", len(cfg.SolanaRPCURLs),
		)
	}

	if err := httpServer.WithTemplates(); err != nil {
		logger.Error("failed to load templates", "error", err)
		os.Exit(1)
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// restoreLedger replays the journal and cross-checks the result against the
// database projections.
func restoreLedger(ctx context.Context, l *ledger.Ledger, store *db.Store, logger *slog.Logger) error {
	events, err := store.LoadEvents(ctx)
	if err != nil {
		return err
	}
	if err := l.Restore(events); err != nil {
		return err
	}

	projected, err := store.ProjectionStats(ctx)
	if err != nil {
		logger.Warn("failed to read projection stats", "error", err)
		return nil
	}
	if replayed := l.Stats(); projected != replayed {
		// The journal is authoritative. A mismatch means the projections drifted.
		logger.Error("projection stats differ from replayed journal",
			"replayed", replayed,
			"projected", projected,
		)
	}
	return nil
}

// rescheduleSettlements makes sure every transaction awaiting settlement has a
// running workflow. Scheduling is idempotent per transaction.
func rescheduleSettlements(ctx context.Context, l *ledger.Ledger, settler server.Settler, logger *slog.Logger) error {
	const page = 500
	status := ledger.StatusProofSubmitted
	scheduled := 0

	for offset := 0; ; offset += page {
		txs := l.ListTransactions(ledger.TransactionFilter{Status: &status, Limit: page, Offset: offset})
		for _, tx := range txs {
			if tx.ChallengeDeadline == nil {
				continue
			}
			if err := settler.ScheduleSettlement(ctx, tx.ID, *tx.ChallengeDeadline); err != nil {
				return err
			}
			scheduled++
		}
		if len(txs) < page {
			break
		}
	}

	logger.Info("settlements rescheduled", "count", scheduled)
	return nil
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

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
