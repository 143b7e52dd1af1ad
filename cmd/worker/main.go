package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/JannisBe/imagetopdfconverter/internal/config"
	"github.com/JannisBe/imagetopdfconverter/internal/database"
	"github.com/JannisBe/imagetopdfconverter/internal/mailer"
	"github.com/JannisBe/imagetopdfconverter/internal/pipeline"
	"github.com/JannisBe/imagetopdfconverter/internal/queue"
	"github.com/JannisBe/imagetopdfconverter/internal/repository"
	"github.com/JannisBe/imagetopdfconverter/internal/s3storage"
	"github.com/JannisBe/imagetopdfconverter/internal/sweeper"
	"github.com/JannisBe/imagetopdfconverter/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	repo := repository.NewUploadRepository(pool)

	store, err := s3storage.New(cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		log.Fatalf("ensure buckets: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
	})

	pl := pipeline.New(repo, store, mailer.New(cfg), cfg.PendingTimeout)
	sw := sweeper.New(repo, store, cfg.PendingTimeout, cfg.FileRetention)
	processor := worker.NewProcessor(pl, sw)
	mux := processor.Handler()

	// The scheduler fires the periodic sweeps as regular tasks on the same
	// queue the worker consumes.
	scheduler := asynq.NewScheduler(redisOpt, nil)
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", cfg.ReapInterval), asynq.NewTask(queue.ReapStuckTask, nil)); err != nil {
		log.Fatalf("register reap sweep: %v", err)
	}
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", cfg.CleanupInterval), asynq.NewTask(queue.CleanupFilesTask, nil)); err != nil {
		log.Fatalf("register cleanup sweep: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go func() {
		<-ctx.Done()
		scheduler.Shutdown()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
