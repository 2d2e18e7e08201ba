package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wolfman30/recall-engine/internal/app/bootstrap"
	appconfig "github.com/wolfman30/recall-engine/internal/config"
	"github.com/wolfman30/recall-engine/internal/inbound"
	"github.com/wolfman30/recall-engine/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("inbound worker failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg.InboundQueueURL == "" {
		return fmt.Errorf("INBOUND_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{})
	if err != nil {
		return err
	}
	defer app.Close()
	// The API process owns the sweeper and reminder loops; the worker only
	// needs outbound delivery for acknowledgements and offers.
	app.Dispatcher.Start(ctx)

	queue := app.InboundQueue()
	if queue == nil {
		return fmt.Errorf("inbound queue unavailable")
	}
	consumer := inbound.NewConsumer(queue, app.Service, app.Dedupe, inbound.ConsumerConfig{
		Workers: cfg.InboundWorkers,
	}, app.Metrics, logger.Component("inbound"))

	logger.Info("inbound worker started", "queue", cfg.InboundQueueURL, "workers", cfg.InboundWorkers)
	consumer.Start(ctx)
	<-ctx.Done()
	consumer.Wait()
	logger.Info("inbound worker stopped")
	return nil
}
