package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"eventcert/internal/certificate"
	"eventcert/internal/config"
	"eventcert/internal/database"
	"eventcert/internal/mailer"
	"eventcert/internal/metrics"
	"eventcert/internal/roster"
	"eventcert/internal/storage"
	"eventcert/internal/tasks"
	"eventcert/internal/worker"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	logger.Info("database connection ready for worker")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	logger.Info("storage client ready", slog.String("bucket", cfg.MinIO.Bucket))

	redisAddr := cfg.Redis.Addr()
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	fonts, err := certificate.NewFontLibrary(cfg.Render.FontDir, logger)
	if err != nil {
		log.Fatalf("load fonts: %v", err)
	}
	resolver := certificate.NewResolver(cfg.Render.DateLayout)
	generator := certificate.NewGenerator(certificate.NewRasterizer(fonts), resolver, logger)

	var sender mailer.Sender
	smtp, err := mailer.NewSMTPSender(cfg.Mail, logger)
	switch {
	case err == nil:
		sender = smtp
	case errors.Is(err, mailer.ErrNotConfigured):
		logger.Warn("smtp is not configured, mail tasks will fail")
	default:
		log.Fatalf("init mailer: %v", err)
	}

	rosterSource := roster.NewSource(db)
	notifier := worker.NewRedisNotifier(redisClient)

	server := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
	})

	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeCertificateGenerate,
		worker.NewGenerateHandler(db, rosterSource, storageClient, generator, notifier, logger, cfg.API.VerifyBaseURL))
	mux.Handle(tasks.TypeCertificateMail,
		worker.NewMailHandler(db, rosterSource, storageClient, sender, resolver, notifier, logger, cfg.Mail))

	logger.Info("worker service started",
		slog.String("redis_addr", redisAddr),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)
	if err := server.Run(mux); err != nil {
		logger.Error("worker server stopped", slog.Any("error", err))
	}
}
