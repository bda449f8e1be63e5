package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"continuity-engine/config"
	"continuity-engine/internal/api"
	"continuity-engine/internal/cache"
	"continuity-engine/internal/chain"
	"continuity-engine/internal/circuit"
	"continuity-engine/internal/database"
	"continuity-engine/internal/engine"
	"continuity-engine/internal/events"
	"continuity-engine/internal/logging"
	"continuity-engine/internal/metrics"
	"continuity-engine/internal/notification"
	"continuity-engine/internal/oracle"
	"continuity-engine/internal/reconcile"
	"continuity-engine/internal/scheduler"
	"continuity-engine/internal/vault"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "continuity-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging
	logger, closeLog, err := logging.Setup(cfg.LoggingConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer closeLog()
	log := logger.With().Str("component", "main").Logger()
	log.Info().Msg("Structured logging initialized")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chain credentials from Vault override config
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if err := vaultClient.ApplyChainSecret(ctx, &cfg.ChainConfig); err != nil {
		return fmt.Errorf("failed to load chain secret: %w", err)
	}
	if vaultClient.IsEnabled() {
		log.Info().Msg("Chain credentials loaded from Vault")
	}

	var m *metrics.Metrics
	if cfg.MetricsConfig.Enabled {
		m = metrics.New(cfg.MetricsConfig.Namespace)
	}

	// Initialize database
	db, err := database.NewDB(ctx, database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: cfg.DatabaseConfig.MaxConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	repo := database.NewRepository(db)

	// Redis is optional; without it locks and balance snapshots stay local
	var (
		locker engine.Locker
		remote oracle.RemoteCache
	)
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			return fmt.Errorf("failed to create cache service: %w", err)
		}
		defer cacheService.Close()
		locker, remote = cacheService, cacheService
	} else {
		log.Info().Msg("Redis disabled, running with in-process cache and locks only")
	}

	// Chain access
	evm, err := chain.DialEVM(ctx, chain.EVMConfig{
		RPCURL:       cfg.ChainConfig.RPCURL,
		TokenAddress: cfg.ChainConfig.TokenAddress,
		Decimals:     cfg.ChainConfig.Decimals,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to chain: %w", err)
	}
	defer evm.Close()

	eventBus := events.NewEventBus()
	if m != nil {
		eventBus.SubscribeAll(func(e events.Event) { m.ObserveEvent(string(e.Type)) })
	}

	if cfg.NotificationConfig.Enabled {
		notifier := notification.NewManager(logger)
		notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
			BotToken: cfg.NotificationConfig.Telegram.BotToken,
			ChatID:   cfg.NotificationConfig.Telegram.ChatID,
			Enabled:  cfg.NotificationConfig.Telegram.Enabled,
		}))
		notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
			WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
			Enabled:    cfg.NotificationConfig.Discord.Enabled,
		}))
		notifier.Attach(eventBus)
		log.Info().Bool("active", notifier.Enabled()).Msg("Operator notifications configured")
	}

	breaker := circuit.NewBreaker(circuit.Config{
		MaxConsecutiveFailures: cfg.ChainConfig.BreakerFailures,
		Cooldown:               cfg.ChainConfig.BreakerCooldown,
	})
	breaker.OnTrip(func(reason string) {
		eventBus.PublishError("chain", reason, circuit.ErrOpen)
	})
	// the limiter sits outside the breaker so local throttling never trips it
	reader := chain.NewRateLimitedReader(
		circuit.NewReader(evm, breaker, logger),
		cfg.ChainConfig.RateLimitRPS, cfg.ChainConfig.RateBurst,
	)

	balances := oracle.New(reader, oracle.Config{
		TTL:          cfg.OracleConfig.CacheTTL,
		FetchTimeout: cfg.OracleConfig.FetchTimeout,
		StaleBound:   cfg.OracleConfig.StaleBound(),
	}, remote, m, logger)

	eng := engine.New(repo, balances, locker, eventBus, m, engine.Config{
		Concurrency: cfg.SchedulerConfig.EvaluationConcurrency,
		LockTTL:     cfg.SchedulerConfig.EvaluationLockTTL,
	}, logger)

	sweeper := reconcile.NewSweeper(repo, reader, reconcile.Config{
		ReceiptTimeout:        cfg.ReconcileConfig.ReceiptTimeout,
		Concurrency:           cfg.ReconcileConfig.Concurrency,
		RequiredConfirmations: cfg.ReconcileConfig.RequiredConfirmations,
		BatchLimit:            cfg.ReconcileConfig.BatchLimit,
	}, eventBus, m, logger)

	var sched *scheduler.Scheduler
	if cfg.SchedulerConfig.Enabled {
		sched, err = scheduler.New(eng, sweeper, scheduler.Config{
			EvaluationCron: cfg.SchedulerConfig.EvaluationCron,
			SweepCron:      cfg.SchedulerConfig.SweepCron,
			JobTimeout:     scheduler.DefaultConfig().JobTimeout,
		}, m, logger)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	server := api.NewServer(cfg.ServerConfig, api.Dependencies{
		Evaluator:  eng,
		Reconciler: sweeper,
		Oracle:     balances,
		Health:     repo,
		Breaker:    breaker,
		EventBus:   eventBus,
		Metrics:    m,
	}, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	log.Info().
		Str("host", cfg.ServerConfig.Host).
		Int("port", cfg.ServerConfig.Port).
		Bool("scheduler", cfg.SchedulerConfig.Enabled).
		Bool("redis", cfg.RedisConfig.Enabled).
		Msg("Continuity engine started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down...")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	shutdown(cfg, server, sched, log)
	return nil
}

func shutdown(cfg *config.Config, server *api.Server, sched *scheduler.Scheduler, log zerolog.Logger) {
	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down web server")
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping scheduler")
		}
	}
	log.Info().Msg("Shutdown complete")
}
