// Package aggregator turns batches of usage-report transactions into
// counter increments.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/apierror"
	"github.com/ncecere/usage_meter/internal/counters"
	"github.com/ncecere/usage_meter/internal/events"
	"github.com/ncecere/usage_meter/internal/period"
	"github.com/ncecere/usage_meter/internal/registry"
)

// DefaultBatchSize bounds how many transactions share one pipelined write,
// keeping pipeline size and store contention bounded.
const DefaultBatchSize = 400

// Transaction is one reported usage event. Usage is keyed by metric name as
// reported by the caller; expansion to metric ids and ancestor rollups
// happens here.
type Transaction struct {
	ServiceID     string            `json:"service_id"`
	ApplicationID string            `json:"application_id"`
	UserID        string            `json:"user_id,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Usage         map[string]string `json:"usage"`
}

type Service struct {
	client    *redis.Client
	registry  *registry.Store
	sink      events.Sink
	logger    *slog.Logger
	batchSize int
}

func New(client *redis.Client, reg *registry.Store, sink events.Sink, logger *slog.Logger, batchSize int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Service{
		client:    client,
		registry:  reg,
		sink:      sink,
		logger:    logger,
		batchSize: batchSize,
	}
}

func appsSetKey(serviceID string) string {
	return "traffic:apps:" + serviceID
}

func dailyAppsSetKey(serviceID string, ts time.Time) string {
	return fmt.Sprintf("traffic:daily:%s:%s", serviceID, period.Day.Bucket(ts))
}

// Process increments every counter the batch touches. Increments are
// associative but not idempotent: re-processing an already-applied
// transaction double-counts it, so exactly-once delivery per transaction is
// a precondition on the upstream queue. Transactions that fail validation
// (unknown metric, bad usage value) are dropped with a log line and do not
// fail the batch: redelivering them can never succeed. Store errors
// propagate so the delivery layer retries the batch.
func (s *Service) Process(ctx context.Context, txns []Transaction) error {
	for start := 0; start < len(txns); start += s.batchSize {
		end := start + s.batchSize
		if end > len(txns) {
			end = len(txns)
		}
		if err := s.processBatch(ctx, txns[start:end]); err != nil {
			return err
		}
	}
	return nil
}

type queuedTxn struct {
	txn      Transaction
	appAdded *redis.IntCmd
	dayAdded *redis.IntCmd
}

func (s *Service) processBatch(ctx context.Context, txns []Transaction) error {
	pipe := s.client.Pipeline()
	queued := make([]queuedTxn, 0, len(txns))

	for _, txn := range txns {
		expanded, err := s.registry.ExpandUsage(ctx, txn.ServiceID, txn.Usage)
		if err != nil {
			if code := apierror.Code(err); code != "" {
				s.logger.WarnContext(ctx, "aggregator: dropping invalid transaction",
					slog.String("service_id", txn.ServiceID),
					slog.String("application_id", txn.ApplicationID),
					slog.String("code", code),
				)
				continue
			}
			return fmt.Errorf("expand usage: %w", err)
		}

		ts := txn.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		counters.QueueTransaction(ctx, pipe, txn.ServiceID, txn.ApplicationID, txn.UserID, expanded, ts)

		q := queuedTxn{txn: txn}
		q.appAdded = pipe.SAdd(ctx, appsSetKey(txn.ServiceID), txn.ApplicationID)
		dailyKey := dailyAppsSetKey(txn.ServiceID, ts)
		q.dayAdded = pipe.SAdd(ctx, dailyKey, txn.ApplicationID)
		pipe.ExpireAt(ctx, dailyKey, period.Day.Next(ts).Add(time.Hour))
		queued = append(queued, q)
	}

	if len(queued) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("aggregate batch: %w", err)
	}

	s.emitTrafficEvents(ctx, queued)
	return nil
}

// emitTrafficEvents publishes first_traffic and first_daily_traffic for
// applications whose SAdd created a new member. Events are fire-and-forget:
// sink failures are logged, never propagated, because the increments have
// already been applied.
func (s *Service) emitTrafficEvents(ctx context.Context, queued []queuedTxn) {
	if s.sink == nil {
		return
	}
	for _, q := range queued {
		ts := q.txn.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if q.appAdded.Val() > 0 {
			s.publish(ctx, events.New(events.TypeFirstTraffic, q.txn.ServiceID, q.txn.ApplicationID, ts, nil))
		}
		if q.dayAdded.Val() > 0 {
			s.publish(ctx, events.New(events.TypeFirstDailyTraffic, q.txn.ServiceID, q.txn.ApplicationID, ts, nil))
		}
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.sink.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "aggregator: publish event",
			slog.String("type", string(event.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// KnownApplications returns the ids of every application that has ever
// reported traffic for the service.
func (s *Service) KnownApplications(ctx context.Context, serviceID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, appsSetKey(serviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("known applications: %w", err)
	}
	return members, nil
}
