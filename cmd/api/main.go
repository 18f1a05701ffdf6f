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

	"pipeline_backend/internal/adapters"
	"pipeline_backend/internal/automation"
	"pipeline_backend/internal/broadcast"
	"pipeline_backend/internal/directory"
	"pipeline_backend/internal/email"
	"pipeline_backend/internal/events"
	apphttp "pipeline_backend/internal/http"
	"pipeline_backend/internal/http/router"
	"pipeline_backend/internal/leads"
	leadrepo "pipeline_backend/internal/leads/repository"
	"pipeline_backend/internal/notification"
	"pipeline_backend/internal/scheduler"
	"pipeline_backend/internal/whatsapp"
	"pipeline_backend/platform/config"
	"pipeline_backend/platform/db"
	"pipeline_backend/platform/logger"
	"pipeline_backend/platform/telemetry"
	"pipeline_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	shutdownTracing, err := telemetry.Init(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize telemetry", "error", err)
		panic("failed to initialize telemetry: " + err.Error())
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	rdb := initRedis(ctx, cfg, log)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	hub := broadcast.NewHub(cfg.GetBroadcastBuffer(), log)
	defer hub.Close()

	// Shared validator instance for dependency injection
	val := validator.New()

	// ========================================================================
	// Collaborators (Composition Root)
	// ========================================================================

	agents := directory.New(pool)

	notifyDeps := notification.Deps{Agents: agents, Leads: leadrepo.New(pool)}
	if sender := email.NewSender(cfg); sender != nil {
		notifyDeps.Email = sender
	} else {
		log.Warn("SMTP not configured; email notifications disabled")
	}
	if wa := whatsapp.NewClient(cfg, cfg.GetPhoneDefaultRegion(), log); wa != nil {
		notifyDeps.WhatsApp = wa
	} else {
		log.Warn("WhatsApp gateway not configured; WhatsApp notifications disabled")
	}
	notifier := notification.New(notifyDeps, log)
	notifier.RegisterHandlers(eventBus)

	collab := leads.Collaborators{
		Directory: agents,
		Notifier:  notifier,
	}
	if sched := adapters.NewSchedulingClient(cfg); sched != nil {
		collab.Appointments = sched
	}
	if integrations := adapters.NewIntegrationsClient(cfg); integrations != nil {
		collab.Integrations = integrations
	}

	taskClient, closeTasks := initTaskClient(cfg, log)
	if closeTasks != nil {
		defer closeTasks()
	}
	if taskClient != nil {
		collab.FollowUps = taskClient
	}

	if rdb != nil {
		relay := broadcast.NewRedisRelay(hub, rdb, broadcast.DefaultRelayChannel, log)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error("broadcast relay stopped", "error", err)
			}
		}()
		collab.Publisher = relay
		collab.Cursor = automation.NewRedisCursor(rdb, "pipeline:rr:")
	}

	// ========================================================================
	// Domain Modules
	// ========================================================================

	leadsModule, err := leads.NewModule(pool, eventBus, hub, collab, val, cfg, log)
	if err != nil {
		log.Error("failed to initialize leads module", "error", err)
		panic("failed to initialize leads module: " + err.Error())
	}

	if _, err := leadsModule.SeedRules(ctx, cfg.GetRuleSeedFile()); err != nil {
		log.Error("failed to import automation rule seeds", "error", err)
		panic("failed to import automation rule seeds: " + err.Error())
	}

	// Sweep ticks and due follow-ups run through asynq when Redis is present;
	// otherwise the API sweeps its own branches in-process.
	if taskClient != nil {
		worker, err := scheduler.NewWorker(cfg, leadsModule.Coordinator(), notifier, log)
		if err != nil {
			log.Error("failed to initialize task worker", "error", err)
			panic("failed to initialize task worker: " + err.Error())
		}
		go worker.Run(ctx)
	} else {
		inline := scheduler.InlineSweeps{Sweeper: leadsModule.Coordinator(), Log: log}
		go scheduler.NewSweepDispatcher(inline, leadsModule.Repository(), cfg.GetSweepInterval(), log).Run(ctx)
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config: cfg,
		Logger: log,
		Health: db.NewPoolAdapter(pool),
		Modules: []apphttp.Module{
			leadsModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	leadsModule.Close()
	eventBus.Wait()
	log.Info("server stopped")
}

func initRedis(ctx context.Context, cfg config.SchedulerConfig, log *logger.Logger) *redis.Client {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; broadcasts stay local and round-robin cursors live in memory")
		return nil
	}
	client, err := db.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	return client
}

func initTaskClient(cfg config.SchedulerConfig, log *logger.Logger) (*scheduler.Client, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; follow-up tasks disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize task client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
