package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodeflow-dev/nodeflow-server/internal/config"
	"github.com/nodeflow-dev/nodeflow-server/internal/credentials"
	"github.com/nodeflow-dev/nodeflow-server/internal/dbx"
	"github.com/nodeflow-dev/nodeflow-server/internal/graphexec/memexec"
	"github.com/nodeflow-dev/nodeflow-server/internal/httpapi"
	"github.com/nodeflow-dev/nodeflow-server/internal/maintenance"
	"github.com/nodeflow-dev/nodeflow-server/internal/queue"
	"github.com/nodeflow-dev/nodeflow-server/internal/registry"
	"github.com/nodeflow-dev/nodeflow-server/internal/telemetry"
	"github.com/nodeflow-dev/nodeflow-server/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "nodeflow-server",
		Short: "nodeflow-server — execution control plane for user-authored computation graphs",
		Long: `nodeflow-server accepts a persistent WebSocket connection per client,
queues submitted graphs for execution, and streams progress, results,
and status back over the same channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.SecretKey, "secret-key", cfg.SecretKey, "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.ExecutionTimeout, "execution-timeout", cfg.ExecutionTimeout, "Per-job wall clock execution budget")
	root.PersistentFlags().DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Time allowed for the first connect frame after upgrade")
	root.PersistentFlags().DurationVar(&cfg.DisconnectPollInterval, "disconnect-poll-interval", cfg.DisconnectPollInterval, "How often a running job's connection liveness is polled (0 disables disconnect-as-cancel)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nodeflow-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := telemetry.BuildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting nodeflow server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("queue_mode", queueModeString(cfg.QueueMode)),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.SecretKey))
	if err := dbx.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := dbx.New(dbx.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	credentialStore, err := dbx.NewCredentialStore(ctx, gormDB)
	if err != nil {
		return fmt.Errorf("failed to load credential store: %w", err)
	}
	jobRecords := dbx.NewJobRecordStore(gormDB)

	// --- 3. Metrics ---
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// --- 4. Node registry & credential gate ---
	// nodeRegistry describes the node types this deployment knows about.
	// A production deployment wires its real node catalog here; the
	// reference registry below is enough to exercise the control plane.
	nodeRegistry := memexec.NewRegistry()
	nodeRegistry.RegisterNode("http_request", []string{"http_api_key"}, true)
	nodeRegistry.RegisterNode("llm_completion", []string{"openai_api_key"}, false)
	nodeRegistry.RegisterNode("transform", nil, false)

	gate := credentials.New(nodeRegistry)

	// --- 5. Core components ---
	connRegistry := registry.New(registry.WithMetrics(metrics))
	execQueue := queue.New(
		queue.WithMode(cfg.QueueMode),
		queue.WithPositionInterval(cfg.QueuePositionInterval),
		queue.WithLogger(logger),
		queue.WithMetrics(metrics),
	)

	executorFactory := memexec.NewFactory(nodeRegistry)
	execWorker := worker.New(execQueue, executorFactory, nodeRegistry, credentialStore,
		worker.WithExecutionTimeout(cfg.ExecutionTimeout),
		worker.WithDisconnectPoll(cfg.DisconnectPollInterval),
		worker.WithLogger(logger),
		worker.WithMetrics(metrics),
		worker.WithJobRecords(jobRecords),
	)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go execWorker.Run(workerCtx)

	// --- 6. Maintenance sweep ---
	sweeper, err := maintenance.New(jobRecords, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance sweeper: %w", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance sweeper: %w", err)
	}
	defer func() {
		if err := sweeper.Stop(); err != nil {
			logger.Warn("maintenance shutdown error", zap.Error(err))
		}
	}()

	// --- 7. HTTP server ---
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Registry:       connRegistry,
		Queue:          execQueue,
		Gate:           gate,
		Store:          credentialStore,
		DB:             gormDB,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down nodeflow server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	execQueue.Shutdown()
	workerCancel()

	logger.Info("nodeflow server stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func queueModeString(m queue.Mode) string {
	if m == queue.ModeSingleFlight {
		return "single_flight"
	}
	return "fifo"
}
