package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/canarai/canaryd/config"
	"github.com/canarai/canaryd/internal/alerting"
	"github.com/canarai/canaryd/internal/queue/streams"
	"github.com/canarai/canaryd/internal/store"
	"github.com/canarai/canaryd/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		log.Fatalf("worker postgres config: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		log.Fatalf("worker store init: %v", err)
	}

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		log.Fatalf("worker registry init: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.Redis.Addr(), Password: cfg.Storage.Redis.Password, DB: cfg.Storage.Redis.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("worker redis ping: %v", err)
	}
	defer func() { _ = rdb.Close() }()

	if err := streams.EnsureGroup(ctx, rdb, streams.AlertStream, streams.AlertGroup); err != nil {
		log.Fatalf("worker ensure group: %v", err)
	}

	consumerName := fmt.Sprintf("alert-dispatcher-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(rdb, registry, streams.AlertGroup, consumerName)
	dispatcher := alerting.NewDispatcher(st, cfg.Webhooks.Timeout, cfg.Webhooks.MaxRetries)

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	processor := worker.NewProcessor(logger, dispatcher, consumer, streams.AlertStream, otel.Meter("canaryd/worker"), nil)

	go watchLag(ctx, consumer, logger)

	if err := processor.Start(ctx); err != nil {
		log.Fatalf("worker processor exited: %v", err)
	}
}

// watchLag logs alert queue backlog once a minute so a stuck dispatcher
// is visible before site owners notice missing alerts.
func watchLag(ctx context.Context, consumer *streams.Consumer, logger *log.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := consumer.LagMetrics(ctx, streams.AlertStream)
			if err != nil {
				logger.Printf("queue lag check: %v", err)
				continue
			}
			if m.Pending > 0 || m.Lag > 0 {
				logger.Printf("alert queue pending=%d lag=%d consumers=%d oldest_idle=%s", m.Pending, m.Lag, m.Consumers, m.OldestIdle)
			}
		}
	}
}
