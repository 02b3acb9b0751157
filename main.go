package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/Miodec/extensions/internal/config"
	"github.com/Miodec/extensions/internal/export"
	"github.com/Miodec/extensions/internal/notify"
	"github.com/Miodec/extensions/internal/service"
	"github.com/Miodec/extensions/internal/sink"
	"github.com/Miodec/extensions/internal/storage"
	"github.com/Miodec/extensions/internal/watch"
)

func main() {
	configPath := flag.String("config", "./export.yaml", "Path to the export config file")
	backfill := flag.Bool("backfill", false, "Force a full import before streaming")
	flag.Parse()

	if err := run(*configPath, *backfill); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath string, forceBackfill bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if forceBackfill {
		cfg.Backfill = true
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	schema, err := export.LoadSchemaFile(cfg.SchemaPath)
	if err != nil {
		return err
	}
	log.Infow("schema loaded", "path", cfg.SchemaPath, "fields", schema.FieldNames())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Source collection.
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.Source.URI))
	if err != nil {
		return fmt.Errorf("connect source: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Disconnect(disconnectCtx)
	}()
	coll := client.Database(cfg.Source.Database).Collection(cfg.Source.Collection)
	listener := watch.NewListener(coll, log)

	// Sink table.
	writer, err := sink.Open(cfg.Sink.Driver, cfg.Sink.DSN, log)
	if err != nil {
		return err
	}
	defer writer.Close()
	if err := writer.Ping(ctx); err != nil {
		return fmt.Errorf("ping sink: %w", err)
	}

	// Local bookkeeping.
	store, err := storage.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.WebhookURL, log)
	}

	svc := service.NewExportService(cfg, schema, listener, writer, store, notifier, log)

	err = svc.Run(ctx)

	// Let in-flight writes finish before closing connections.
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	svc.WaitRunning(waitCtx)

	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Infow("export stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
