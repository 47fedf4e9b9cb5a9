package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/config"
	"voicejobs/internal/events"
	"voicejobs/internal/pipeline"
	"voicejobs/internal/queue"
	"voicejobs/internal/store"
	"voicejobs/internal/sweeper"
	"voicejobs/internal/telemetry"
	workerproc "voicejobs/internal/worker"
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

	var mirror artifacts.Mirror
	s3m, err := artifacts.NewS3Mirror(ctx, cfg)
	if err != nil {
		log.Error("init s3 mirror", "err", err)
		os.Exit(1)
	}
	if s3m != nil {
		mirror = s3m
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

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	exec := pipeline.NewExecutor(repo, fs, mirror, pipeline.DefaultCapabilities(cfg.TTSLocale), pipeline.Options{
		SampleRate:       cfg.SampleRate,
		LoudnessTargetDB: cfg.LoudnessTargetDB,
		StageTimeout:     cfg.StageTimeout,
		TrainingTimeout:  cfg.TrainingTimeout,
		PreviewWidth:     cfg.PreviewWidth,
		PreviewHeight:    cfg.PreviewHeight,
	}, log)
	processor := workerproc.NewProcessor(cfg, q, repo, exec, pub, log, workerID)

	sw := sweeper.New(repo, fs, mirror, log)
	go sw.Run(ctx, sweeper.Policy{
		Interval:      cfg.SweepInterval,
		Age:           cfg.SweepAge,
		KeepCompleted: cfg.SweepKeepCompleted,
		OrphanGrace:   cfg.OrphanGrace,
	})

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	log.Info("worker started", "worker_id", workerID, "concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout, "heartbeat", cfg.LeaseHeartbeat)
	if err := processor.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("worker stopped", "err", err)
	}
	log.Info("worker stopped")
}

func newLogger(cfg config.Config) *slog.Logger {
	var h slog.Handler
	if cfg.Env == "dev" {
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stdout, nil)
	}
	return slog.New(h).With("service", "worker")
}
