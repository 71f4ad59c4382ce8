package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/aggregator"
	"github.com/ncecere/usage_meter/internal/alerts"
	"github.com/ncecere/usage_meter/internal/authz"
	"github.com/ncecere/usage_meter/internal/config"
	"github.com/ncecere/usage_meter/internal/counters"
	"github.com/ncecere/usage_meter/internal/events"
	"github.com/ncecere/usage_meter/internal/observability"
	"github.com/ncecere/usage_meter/internal/registry"
	"github.com/ncecere/usage_meter/internal/worker"
)

// Container aggregates runtime dependencies for handlers and the worker.
type Container struct {
	Config        *config.Config
	Redis         *redis.Client
	Registry      *registry.Store
	Counters      *counters.Store
	Aggregator    *aggregator.Service
	Authorizer    *authz.Service
	Alerts        *alerts.Tracker
	Producer      *worker.Producer
	Worker        *worker.Worker
	Observability *observability.Provider
	Logger        *slog.Logger
}

// NewContainer builds a dependency container from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	logger := slog.Default()

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}
	metrics := obs.Metrics()

	reg := registry.NewStore(redisClient, registry.NewMemoCache(time.Minute))
	ctr := counters.NewStore(redisClient)

	sink := buildEventSink(cfg, redisClient, logger)

	tracker := alerts.NewTracker(
		redisClient, sink, metrics, logger,
		cfg.Alerts.Bins, cfg.Alerts.NotificationTTL, cfg.Alerts.HistoryLength,
	)

	cache := authz.NewCache(redisClient, cfg.AuthCache.Enabled, cfg.AuthCache.MaxTTL)
	authorizer := authz.NewService(reg, ctr, cache, tracker, metrics, logger)

	agg := aggregator.New(redisClient, reg, sink, logger, cfg.Aggregator.BatchSize)

	producer := worker.NewProducer(redisClient, cfg.Worker.Queue)
	wrk := worker.New(redisClient, agg, authorizer, reg, tracker, metrics, logger, worker.Options{
		Queue:               cfg.Worker.Queue,
		PollInterval:        cfg.Worker.PollInterval,
		MaintenanceInterval: cfg.Worker.MaintenanceInterval,
	})

	return &Container{
		Config:        cfg,
		Redis:         redisClient,
		Registry:      reg,
		Counters:      ctr,
		Aggregator:    agg,
		Authorizer:    authorizer,
		Alerts:        tracker,
		Producer:      producer,
		Worker:        wrk,
		Observability: obs,
		Logger:        logger,
	}, nil
}

// buildEventSink composes the configured sinks. The log sink always runs;
// the stream and webhook sinks join when configured.
func buildEventSink(cfg *config.Config, client *redis.Client, logger *slog.Logger) events.Sink {
	sinks := []events.Sink{events.NewLogSink(logger)}
	if cfg.Events.Stream != "" {
		sinks = append(sinks, events.NewStreamSink(client, cfg.Events.Stream, cfg.Events.MaxStream))
	}
	if webhook := events.NewWebhookSink(cfg.Events.Webhook, cfg.Events.Webhooks); webhook != nil {
		sinks = append(sinks, webhook)
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return events.NewCompositeSink(sinks...)
}
