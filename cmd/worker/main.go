package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/ignite/broadcast-engine/internal/api"
	"github.com/ignite/broadcast-engine/internal/config"
	"github.com/ignite/broadcast-engine/internal/pkg/logger"
	"github.com/ignite/broadcast-engine/internal/render"
	"github.com/ignite/broadcast-engine/internal/repository/postgres"
	"github.com/ignite/broadcast-engine/internal/worker"
)

func main() {
	log := logger.Component("main")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		log.Error("database.url (or DATABASE_URL) is required")
		os.Exit(1)
	}

	log.Info("starting broadcast engine",
		"poll_interval", cfg.Engine.PollInterval(),
		"workers", cfg.Engine.Workers,
		"emails_per_second", cfg.Engine.EmailsPerSecond)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Error("opening database failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Error("database unreachable", "error", err)
		os.Exit(1)
	}
	cancelPing()
	log.Info("connected to database")

	// Optional Redis: shared send gate across engine processes.
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		log.Info("send gate shared via redis")
	}

	contentRepo := postgres.NewContentRepo(db)
	queueRepo := postgres.NewQueueRepo(db)
	evaluator := worker.NewCompletionEvaluator(contentRepo)
	gate := worker.NewSendGate(cfg.Engine.EmailsPerSecond, redisClient)
	mailer := worker.NewSESMailer(cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.Region)

	scheduler := worker.NewScheduler(contentRepo, queueRepo)
	scheduler.SetPollInterval(cfg.Engine.PollInterval())
	scheduler.SetBatchSize(cfg.Engine.BatchSize)
	scheduler.SetMaxAttempts(cfg.Engine.MaxAttempts())
	scheduler.SetRenderer(render.NewRenderer())

	pool := worker.NewSendWorkerPool(contentRepo, queueRepo, mailer, gate, evaluator, cfg.Engine.Workers)
	pool.SetSendIdentity(cfg.SES.FromName, cfg.SES.FromEmail, cfg.SES.DefaultSubject)
	pool.SetClaimBatchSize(cfg.Engine.ClaimBatchSize)
	pool.SetAttemptTimeout(cfg.Engine.AttemptTimeout())
	pool.SetBackoffBase(cfg.Engine.BackoffBase())

	recovery := worker.NewQueueRecoveryWorker(queueRepo, contentRepo, evaluator)
	recovery.SetInterval(cfg.Engine.RecoveryInterval())
	// Stale means a claim outlived the attempt timeout with margin.
	recovery.SetStaleAge(cfg.Engine.AttemptTimeout() + cfg.Engine.RecoveryInterval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(); err != nil {
		log.Error("starting scheduler failed", "error", err)
		os.Exit(1)
	}
	pool.Start()
	go recovery.Start(ctx)

	opsServer := api.NewServer(db, queueRepo, scheduler, pool)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: opsServer.Router(),
	}
	go func() {
		log.Info("ops server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server failed", "error", err)
		}
	}()

	log.Info("engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// Order matters: stop producing tasks, then drain in-flight attempts,
	// then stop the background loops. Queued tasks survive restart.
	scheduler.Stop()
	pool.Stop()
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("ops server shutdown", "error", err)
	}

	log.Info("engine stopped")
}
