// Package worker drains the transaction queue into the aggregator and runs
// the periodic maintenance pass.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/aggregator"
	"github.com/ncecere/usage_meter/internal/authz"
	"github.com/ncecere/usage_meter/internal/distlock"
	"github.com/ncecere/usage_meter/internal/observability"
	"github.com/ncecere/usage_meter/internal/registry"
)

// Job is one queue entry: a group of transactions reported together.
// Delivery is at-least-once; replaying a job re-applies its increments, so
// producers must not enqueue the same job twice.
type Job struct {
	EnqueuedAt   time.Time                `json:"enqueued_at"`
	Transactions []aggregator.Transaction `json:"transactions"`
}

// Producer pushes jobs onto the shared queue.
type Producer struct {
	client *redis.Client
	queue  string
}

func NewProducer(client *redis.Client, queue string) *Producer {
	return &Producer{client: client, queue: queue}
}

func (p *Producer) Enqueue(ctx context.Context, transactions []aggregator.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	payload, err := json.Marshal(Job{EnqueuedAt: time.Now().UTC(), Transactions: transactions})
	if err != nil {
		return err
	}
	return p.client.LPush(ctx, p.queue, payload).Err()
}

// Worker consumes jobs and applies them through the aggregator, then
// refreshes utilization for the applications each job touched.
type Worker struct {
	client              *redis.Client
	aggregator          *aggregator.Service
	authz               *authz.Service
	registry            *registry.Store
	tracker             authz.UtilizationTracker
	metrics             *observability.Metrics
	logger              *slog.Logger
	queue               string
	pollInterval        time.Duration
	maintenanceInterval time.Duration
	maintenanceLock     *distlock.Lock
}

type Options struct {
	Queue               string
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
}

func New(client *redis.Client, agg *aggregator.Service, authzSvc *authz.Service, reg *registry.Store, tracker authz.UtilizationTracker, metrics *observability.Metrics, logger *slog.Logger, opts Options) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Queue == "" {
		opts.Queue = "queue:transactions"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = time.Minute
	}
	return &Worker{
		client:              client,
		aggregator:          agg,
		authz:               authzSvc,
		registry:            reg,
		tracker:             tracker,
		metrics:             metrics,
		logger:              logger,
		queue:               opts.Queue,
		pollInterval:        opts.PollInterval,
		maintenanceInterval: opts.MaintenanceInterval,
		maintenanceLock:     distlock.New(client, "maintenance", opts.MaintenanceInterval),
	}
}

// Run blocks draining the queue until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.aggregator == nil {
		return
	}

	maintenance := time.NewTicker(w.maintenanceInterval)
	defer maintenance.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-maintenance.C:
			w.runMaintenance(ctx)
		default:
		}

		if _, err := w.processNextJob(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("worker: process job", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
		}
	}
}

// processNextJob blocks up to the poll interval for a job, so cancellation
// and the maintenance tick are both observed promptly.
func (w *Worker) processNextJob(ctx context.Context) (bool, error) {
	values, err := w.client.BRPop(ctx, w.pollInterval, w.queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if len(values) < 2 {
		return false, nil
	}
	payload := values[1]

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// A malformed entry can never succeed; drop it rather than poison
		// the queue.
		w.logger.Error("worker: drop malformed job", slog.String("error", err.Error()))
		return true, nil
	}

	if !job.EnqueuedAt.IsZero() {
		w.metrics.ObserveQueueLatency(time.Since(job.EnqueuedAt))
	}

	if err := w.aggregator.Process(ctx, job.Transactions); err != nil {
		// Store failures are retryable: put the job back so another pass
		// (or another process) picks it up.
		if pushErr := w.client.LPush(ctx, w.queue, payload).Err(); pushErr != nil {
			w.logger.Error("worker: requeue job", slog.String("error", pushErr.Error()))
		}
		return true, err
	}
	w.metrics.TransactionsProcessed(len(job.Transactions))

	w.refreshUtilization(ctx, job.Transactions)
	return true, nil
}

// refreshUtilization recomputes the limit view for each distinct application
// the job touched and hands it to the tracker, so alerts fire from reported
// traffic and not only from authorize calls. Failures here never fail the
// job: the increments are already committed.
func (w *Worker) refreshUtilization(ctx context.Context, transactions []aggregator.Transaction) {
	if w.tracker == nil || w.authz == nil {
		return
	}

	type target struct{ serviceID, appID, userID string }
	seen := make(map[target]struct{})
	for _, txn := range transactions {
		t := target{serviceID: txn.ServiceID, appID: txn.ApplicationID, userID: txn.UserID}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}

		svc, err := w.registry.Service(ctx, t.serviceID)
		if err != nil {
			continue
		}
		status, err := w.authz.BuildStatus(ctx, t.serviceID, t.appID, t.userID)
		if err != nil {
			continue
		}
		if err := w.tracker.Process(ctx, svc, t.appID, status, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("worker: utilization refresh",
				slog.String("service_id", t.serviceID),
				slog.String("application_id", t.appID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// runMaintenance re-derives the limit-violations set: members whose
// recomputed status is authorized again are removed. Guarded by a
// distributed lock so only one process sweeps per interval.
func (w *Worker) runMaintenance(ctx context.Context) {
	acquired, err := w.maintenanceLock.TryAcquire(ctx)
	if err != nil || !acquired {
		return
	}
	defer func() {
		if err := w.maintenanceLock.Release(ctx); err != nil && !errors.Is(err, distlock.ErrNotHeld) {
			w.logger.Warn("worker: release maintenance lock", slog.String("error", err.Error()))
		}
	}()

	cache := w.authz.Cache()
	if cache == nil {
		return
	}
	members, err := cache.LimitViolations(ctx)
	if err != nil {
		w.logger.Warn("worker: list limit violations", slog.String("error", err.Error()))
		return
	}

	for _, member := range members {
		serviceID, appID, userID, ok := parseViolationsMember(member)
		if !ok {
			continue
		}
		status, err := w.authz.BuildStatus(ctx, serviceID, appID, userID)
		if err != nil {
			continue
		}
		if status.Authorized {
			if err := cache.ClearViolation(ctx, member); err != nil {
				w.logger.Warn("worker: clear violation", slog.String("member", member), slog.String("error", err.Error()))
			}
		}
	}
}

// parseViolationsMember splits "service:app" or "service:app#user".
func parseViolationsMember(member string) (serviceID, appID, userID string, ok bool) {
	serviceID, rest, found := strings.Cut(member, ":")
	if !found || serviceID == "" || rest == "" {
		return "", "", "", false
	}
	appID, userID, _ = strings.Cut(rest, "#")
	if appID == "" {
		return "", "", "", false
	}
	return serviceID, appID, userID, true
}
