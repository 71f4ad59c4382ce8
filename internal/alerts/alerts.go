// Package alerts derives discretized utilization from authorization
// statuses and emits at-most-one alert event per (application, bin) within
// the notification TTL.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/authz"
	"github.com/ncecere/usage_meter/internal/events"
	"github.com/ncecere/usage_meter/internal/observability"
	"github.com/ncecere/usage_meter/internal/period"
	"github.com/ncecere/usage_meter/internal/registry"
)

// DefaultBins are the utilization percentages decisions discretize into.
var DefaultBins = []int{0, 50, 80, 90, 100, 120, 150, 200, 300}

type Tracker struct {
	client     *redis.Client
	sink       events.Sink
	metrics    *observability.Metrics
	logger     *slog.Logger
	bins       []int
	ttl        time.Duration
	historyLen int64
}

func NewTracker(client *redis.Client, sink events.Sink, metrics *observability.Metrics, logger *slog.Logger, bins []int, ttl time.Duration, historyLen int) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if len(bins) == 0 {
		bins = DefaultBins
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if historyLen <= 0 {
		historyLen = 7 * 24
	}
	return &Tracker{
		client:     client,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
		bins:       bins,
		ttl:        ttl,
		historyLen: int64(historyLen),
	}
}

// Utilization is the highest current/max ratio across the usage reports.
// Reports with a zero max are disabled limits and are skipped.
func Utilization(status authz.Status) float64 {
	max := 0.0
	for _, report := range status.UsageReports {
		if report.MaxValue == 0 {
			continue
		}
		ratio := float64(report.CurrentValue) / float64(report.MaxValue)
		if ratio > max {
			max = ratio
		}
	}
	return max
}

// DiscreteBin maps a utilization percentage onto the greatest configured
// bin that does not exceed it. Percentages below every bin map to the
// smallest bin. Bins must be sorted ascending.
func DiscreteBin(pct int, bins []int) int {
	if len(bins) == 0 {
		return 0
	}
	selected := bins[0]
	for _, bin := range bins {
		if bin <= pct {
			selected = bin
		}
	}
	return selected
}

func notifiedKey(serviceID, appID string, bin int) string {
	return fmt.Sprintf("alerts:notified:%s:%s:%d", serviceID, appID, bin)
}

func currentMaxKey(serviceID, appID string, ts time.Time) string {
	return fmt.Sprintf("alerts:current_max:%s:%s:%s", serviceID, appID, period.Hour.Bucket(ts))
}

func historyKey(serviceID, appID string) string {
	return fmt.Sprintf("alerts:history:%s:%s", serviceID, appID)
}

// Process inspects one decision's usage reports and emits an alert event
// when a notify-listed bin is crossed for the first time in the TTL window.
//
// De-duplication is best-effort by design: the notified flag is read, then
// set, so concurrent decisions crossing the same bin simultaneously can
// emit a small bounded number of duplicates. A heavier check-and-set across
// the whole decision would change the hot path's performance profile.
func (t *Tracker) Process(ctx context.Context, svc registry.Service, appID string, status authz.Status, now time.Time) error {
	if t == nil || t.client == nil {
		return nil
	}
	if len(status.UsageReports) == 0 {
		return nil
	}

	pct := int(Utilization(status) * 100)
	bin := DiscreteBin(pct, t.bins)

	if err := t.recordUtilization(ctx, svc.ID, appID, pct, now); err != nil {
		return err
	}

	if bin <= 0 || !binAllowed(bin, svc.AlertBins) {
		return nil
	}

	flagKey := notifiedKey(svc.ID, appID, bin)
	seen, err := t.client.Exists(ctx, flagKey).Result()
	if err != nil {
		return fmt.Errorf("check notified flag: %w", err)
	}
	if seen > 0 {
		return nil
	}
	if err := t.client.Set(ctx, flagKey, now.UTC().Format(time.RFC3339), t.ttl).Err(); err != nil {
		return fmt.Errorf("set notified flag: %w", err)
	}

	t.metrics.AlertEmitted()
	t.publish(ctx, svc.ID, appID, bin, pct, now)
	return nil
}

// recordUtilization keeps the running per-hour max utilization and the
// rolling history. Each hour owns exactly one history entry: the hour's
// first decision appends it, and later decisions with a higher percentage
// rewrite it in place, so the trimmed list always spans historyLen hours.
// The max update is read-then-write: a concurrent larger value can be
// briefly shadowed, which is acceptable for a diagnostic surface.
func (t *Tracker) recordUtilization(ctx context.Context, serviceID, appID string, pct int, now time.Time) error {
	maxKey := currentMaxKey(serviceID, appID, now)
	stored, err := t.client.Get(ctx, maxKey).Int()
	fresh := errors.Is(err, redis.Nil)
	if err != nil && !fresh {
		return fmt.Errorf("read current max: %w", err)
	}
	if !fresh && pct <= stored {
		return nil
	}

	entry := fmt.Sprintf("%s:%d", period.Hour.Bucket(now), pct)
	pipe := t.client.Pipeline()
	pipe.Set(ctx, maxKey, strconv.Itoa(pct), 2*time.Hour)
	if fresh {
		pipe.RPush(ctx, historyKey(serviceID, appID), entry)
		pipe.LTrim(ctx, historyKey(serviceID, appID), -t.historyLen, -1)
	} else {
		pipe.LSet(ctx, historyKey(serviceID, appID), -1, entry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record utilization: %w", err)
	}
	return nil
}

// History returns the rolling per-hour utilization entries, oldest first.
func (t *Tracker) History(ctx context.Context, serviceID, appID string) ([]string, error) {
	return t.client.LRange(ctx, historyKey(serviceID, appID), 0, -1).Result()
}

func (t *Tracker) publish(ctx context.Context, serviceID, appID string, bin, pct int, now time.Time) {
	if t.sink == nil {
		return
	}
	event := events.New(events.TypeAlert, serviceID, appID, now, map[string]any{
		"utilization_bin": bin,
		"utilization_pct": pct,
	})
	if err := t.sink.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		t.logger.WarnContext(ctx, "alerts: publish event",
			slog.String("service_id", serviceID),
			slog.String("application_id", appID),
			slog.Int("bin", bin),
			slog.String("error", err.Error()),
		)
	}
}

func binAllowed(bin int, allowed []int) bool {
	for _, candidate := range allowed {
		if candidate == bin {
			return true
		}
	}
	return false
}
