package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"lodestone/internal/app"
	"lodestone/internal/config"
	"lodestone/internal/logger"
)

func main() {
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer deps.DB.Close()

	application, err := app.New(cfg, deps.DB, deps.Redis, deps.NSQProducer, log)
	if err != nil {
		return err
	}

	var consumer *nsq.Consumer
	if cfg.EnableIngestWorker {
		nsqCfg := nsq.NewConfig()
		nsqCfg.MaxInFlight = cfg.IngestionConcurrency
		nsqCfg.MaxAttempts = 5

		consumer, err = nsq.NewConsumer(config.TopicIngestTask, config.ChannelIngest, nsqCfg)
		if err != nil {
			return fmt.Errorf("nsq consumer: %w", err)
		}
		consumer.AddConcurrentHandlers(application.Pipeline, cfg.IngestionConcurrency)
		if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
			return fmt.Errorf("nsqlookupd connect: %w", err)
		}
		slog.Info("ingest pipeline consuming", "topic", config.TopicIngestTask, "concurrency", cfg.IngestionConcurrency)
	}

	if consumer != nil {
		// Stop pulling new ingest work as soon as shutdown begins, while the
		// HTTP server drains.
		go func() {
			<-ctx.Done()
			consumer.Stop()
		}()
	}

	if cfg.EnableAPI {
		err = application.Run(ctx)
	} else {
		<-ctx.Done()
		err = nil
	}

	if consumer != nil {
		consumer.Stop()
		<-consumer.StopChan
	}
	return err
}
