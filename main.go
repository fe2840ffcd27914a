package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"aibuddy/internal/api"
	"aibuddy/internal/auth"
	"aibuddy/internal/config"
	"aibuddy/internal/jobs"
	applog "aibuddy/internal/log"
	"aibuddy/internal/redis"
	"aibuddy/internal/service/ai"
	"aibuddy/internal/service/assistant"
	"aibuddy/internal/service/chat"
	"aibuddy/internal/service/companion"
	"aibuddy/internal/service/memory"
	"aibuddy/internal/storage"
	"aibuddy/internal/worker"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	root := &cobra.Command{
		Use:          "aibuddy",
		Short:        "AI companion chat backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("AIBUDDY_CONFIG"), "path to the config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cfgPath)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the upstream endpoint serves the configured model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkUpstream(cmd.Context(), cfgPath)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, applog.New(cfg.Environment), nil
}

func migrate(cfgPath string) error {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("schema up to date")
	return nil
}

func checkUpstream(ctx context.Context, cfgPath string) error {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	client, err := ai.NewClient(ctx, cfg, applog.Component(logger, "ai"))
	if err != nil {
		return fmt.Errorf("init ai client: %w", err)
	}
	ids, err := client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list upstream models: %w", err)
	}
	if !slices.Contains(ids, cfg.Upstream.Model) {
		return fmt.Errorf("upstream does not serve model %q (has %d models)", cfg.Upstream.Model, len(ids))
	}
	logger.Info().Str("model", cfg.Upstream.Model).Int("models", len(ids)).Msg("upstream reachable")
	return nil
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, logger, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	if !rdb.Enabled() {
		logger.Info().Msg("redis disabled, using in-process session and turn state")
	}

	assistantSvc := assistant.NewService(db, assistant.Options{
		MasterInviteCode: cfg.Auth.MasterInviteCode,
	}, applog.Component(logger, "assistant"))
	authSvc := auth.NewService(db, rdb, auth.Options{
		SessionTTL: cfg.Auth.SessionTTL,
		CacheTTL:   cfg.Auth.CacheTTL,
	}, applog.Component(logger, "auth"))

	aiClient, err := ai.NewClient(ctx, cfg, applog.Component(logger, "ai"))
	if err != nil {
		return fmt.Errorf("init ai client: %w", err)
	}

	engine := memory.NewEngine(assistantSvc, aiClient, memory.Options{
		WindowSize: cfg.Finalize.WindowSize,
	}, applog.Component(logger, "finalize"))
	workers := worker.NewManager(engine, worker.NewTurnCounter(rdb), worker.Config{
		EveryTurns: cfg.Finalize.EveryTurns,
		Dispatcher: worker.DispatcherConfig{
			MinWorkers:  cfg.Finalize.MinWorkers,
			MaxWorkers:  cfg.Finalize.MaxWorkers,
			QueueSize:   cfg.Finalize.QueueSize,
			IdleTimeout: cfg.Finalize.WorkerIdleTimeout,
		},
	}, applog.Component(logger, "worker"))
	defer workers.Stop()

	policy := companion.PolicyFromConfig(cfg.Chat.Gibberish)
	assembler := companion.NewAssembler(assistantSvc, companion.Options{
		HistoryLimit: cfg.Chat.HistoryLimit,
		MemoryLimit:  cfg.Chat.MemoryLimit,
		Policy:       &policy,
	})
	relay := chat.NewRelay(assistantSvc, assembler, aiClient, chat.Options{
		FallbackText: cfg.Chat.FallbackText,
		Observer:     workers,
	}, applog.Component(logger, "chat"))

	handler := api.NewHandler(api.Deps{
		Assistant: assistantSvc,
		Auth:      authSvc,
		Relay:     relay,
		Finalizer: engine,
		Workers:   workers,
		Log:       applog.Component(logger, "api"),
	})
	srv := api.NewHTTPServer(cfg, logger, handler)

	scheduler := jobs.NewScheduler(authSvc, assistantSvc, cfg.Jobs, applog.Component(logger, "jobs"))
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-scheduler.Stop().Done()

	logger.Info().Msg("server exited cleanly")
	return nil
}
