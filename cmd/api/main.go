package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "voicejobs/internal/api"
	"voicejobs/internal/admission"
	"voicejobs/internal/artifacts"
	"voicejobs/internal/config"
	"voicejobs/internal/events"
	"voicejobs/internal/jobs"
	"voicejobs/internal/queue"
	"voicejobs/internal/ratelimit"
	"voicejobs/internal/store"
)

func main() {
	cfg, err := config.Load()
	log := newLogger(cfg)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error("open store", "driver", cfg.StoreDriver, "err", err)
		os.Exit(1)
	}
	defer repo.Close()

	fs, err := artifacts.NewFS(cfg.StorageRoot)
	if err != nil {
		log.Error("init storage", "root", cfg.StorageRoot, "err", err)
		os.Exit(1)
	}

	pub, err := events.NewPublisher(cfg.AMQPURL, cfg.EventsExchange, log)
	if err != nil {
		log.Error("connect event broker", "err", err)
		os.Exit(1)
	}
	defer pub.Close()

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg)

	svc := jobs.NewService(jobs.Deps{
		Repo:      repo,
		Admission: admission.New(repo, cfg.Quotas, log),
		Queue:     q,
		FS:        fs,
		Limiter:   ratelimit.NewTokenBucket(rdb, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, time.Hour),
		Lock:      ratelimit.NewOwnerLock(rdb, cfg.AdmissionLockTTL).WithLogger(log),
		Events:    pub,
		Log:       log,
	}, jobs.OptionsFromConfig(cfg))

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(svc, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config.Config) *slog.Logger {
	var h slog.Handler
	if cfg.Env == "dev" {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stdout, nil)
	}
	return slog.New(h).With("service", "api")
}
