package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolwatch/internal/aggregate"
	"poolwatch/internal/api"
	"poolwatch/internal/config"
	"poolwatch/internal/hub"
	"poolwatch/internal/ledger"
	"poolwatch/internal/model"
	"poolwatch/internal/store"
	"poolwatch/internal/store/postgres"
	"poolwatch/internal/watcher"
)

func main() {
	root := &cobra.Command{
		Use:          "poolwatch",
		Short:        "Ledger pool event watcher",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the watcher and dashboard API",
		RunE:  runWatch,
	}

	watchCmd.Flags().String("rpc", "", "ledger RPC URL")
	watchCmd.Flags().StringSlice("contract", nil, "contract ids to watch (comma-separated)")
	watchCmd.Flags().Uint64("start-ledger", 0, "first ledger to ingest when no cursor exists")
	watchCmd.Flags().Uint64("batch-size", 1000, "ledgers per fetch")
	watchCmd.Flags().Duration("poll-interval", 5*time.Second, "poll interval at the chain tip")
	watchCmd.Flags().Int("max-retries", 5, "maximum retry attempts")
	watchCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	watchCmd.Flags().String("pg-dsn", "", "Postgres DSN (empty runs an in-memory store)")
	watchCmd.Flags().String("listen", ":8080", "API listen address")
	watchCmd.Flags().Int("hub-queue-capacity", 64, "per-session delivery queue capacity")
	watchCmd.Flags().Duration("divergence-check", 0, "aggregate divergence check interval (0 disables)")
	watchCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(watchCmd)

	rebuildCmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute aggregate state from stored events",
		RunE:  runRebuild,
	}

	rebuildCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	rebuildCmd.Flags().String("pool", "", "rebuild a single pool id")
	rebuildCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(rebuildCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if len(cfg.ContractIDs) == 0 {
		return fmt.Errorf("contract list is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventStore, cleanup, err := openStore(ctx, cfg.PGDSN, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	source, err := ledger.NewClient(cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}

	engine := aggregate.NewEngine(logger)
	eventHub := hub.NewHub(cfg.HubQueueCapacity, engine, logger)
	server := api.NewServer(eventHub, eventStore, engine, logger)

	logger.Info("watcher start",
		zap.String("rpc", cfg.RPCURL),
		zap.Strings("contracts", cfg.ContractIDs),
		zap.Uint64("start_ledger", cfg.StartLedger),
		zap.Uint64("batch_size", cfg.BatchSize),
		zap.String("listen", cfg.ListenAddr),
		zap.Int("hub_queue_capacity", cfg.HubQueueCapacity),
	)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, len(cfg.ContractIDs)+1)
	var wg sync.WaitGroup

	// One sequential ingestion path per contract scope; scopes share
	// nothing but the store.
	for _, contractID := range cfg.ContractIDs {
		runner := watcher.NewRunner(watcher.RunConfig{
			Scope:           contractID,
			Filter:          ledger.EventFilter{ContractIDs: []string{contractID}},
			StartLedger:     cfg.StartLedger,
			BatchSize:       cfg.BatchSize,
			PollInterval:    cfg.PollInterval,
			MaxRetries:      cfg.MaxRetries,
			RetryBackoff:    cfg.RetryBackoff,
			DivergenceCheck: cfg.DivergenceCheck,
		}, source, eventStore, engine, eventHub, logger.With(zap.String("scope", contractID)))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("watcher failed", zap.Error(runErr))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	wg.Wait()

	return runErr
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgStore, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgStore.Close()

	poolFlag, _ := cmd.Flags().GetString("pool")
	pools := []string{poolFlag}
	if poolFlag == "" {
		pools, err = pgStore.Pools(ctx)
		if err != nil {
			return err
		}
	}

	saved, err := pgStore.LoadPoolStates(ctx)
	if err != nil {
		return err
	}
	savedByPool := make(map[string]model.PoolState, len(saved))
	for _, state := range saved {
		savedByPool[state.PoolID] = state
	}

	engine := aggregate.NewEngine(logger)
	encoder := json.NewEncoder(os.Stdout)
	for _, pool := range pools {
		state, err := engine.Rebuild(ctx, pgStore, pool)
		if err != nil {
			return err
		}
		if snapshot, ok := savedByPool[pool]; ok && snapshot != state {
			logger.Warn("saved snapshot differs from rebuilt state", zap.String("pool", pool))
		}
		if err := encoder.Encode(state); err != nil {
			return err
		}
	}

	return nil
}

func openStore(ctx context.Context, dsn string, logger *zap.Logger) (store.Store, func(), error) {
	if dsn == "" {
		logger.Warn("no pg dsn configured, using in-memory store; state is lost on restart")
		return store.NewMemStore(), func() {}, nil
	}

	pgStore, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pgStore.EnsureSchema(ctx); err != nil {
		pgStore.Close()
		return nil, nil, err
	}
	return pgStore, pgStore.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
