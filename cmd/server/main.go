package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sheetline/internal/api"
	"sheetline/internal/blobstore"
	"sheetline/internal/config"
	"sheetline/internal/database"
	"sheetline/internal/ledger"
	"sheetline/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		logrus.Fatalf("ensure schema: %v", err)
	}
	led := ledger.NewPostgres(pool)

	store, err := blobstore.NewMinio(cfg)
	if err != nil {
		logrus.Fatalf("init storage: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		logrus.Fatalf("ensure bucket: %v", err)
	}

	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	enqueuer := queue.NewAsynqEnqueuer(client, cfg)

	srv := api.New(cfg, store, led, enqueuer)
	if err := srv.Run(ctx); err != nil {
		logrus.Errorf("server stopped: %v", err)
		os.Exit(1)
	}
}
