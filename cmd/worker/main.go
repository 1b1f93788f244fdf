package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"sheetline/internal/blobstore"
	"sheetline/internal/config"
	"sheetline/internal/database"
	"sheetline/internal/ledger"
	"sheetline/internal/notify"
	"sheetline/internal/pipeline"
	"sheetline/internal/queue"
	"sheetline/internal/worker"
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

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	enqueuer := queue.NewAsynqEnqueuer(client, cfg)

	dispatcher := notify.NewDispatcher(led, notify.NewSender(cfg))

	// The real validation and import services are deployed separately;
	// their accept-all stand-ins keep a local stack runnable end to end.
	processor := worker.NewProcessor(led, store, enqueuer,
		pipeline.AcceptAllValidator{}, pipeline.AcceptAllImporter{}, dispatcher)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			cfg.IntakeQueue: 1,
			cfg.Stage1Queue: 2,
			cfg.Stage2Queue: 2,
		},
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(processor.Handler()); err != nil {
		logrus.Errorf("worker stopped: %v", err)
		os.Exit(1)
	}
}
