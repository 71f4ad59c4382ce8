// Package counters reads and writes the per-bucket usage counters. Writes
// are queued onto a caller-owned pipeline so one transaction's increments
// travel in a single round trip; atomicity comes from the store's INCRBY,
// not from the pipeline.
package counters

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/keys"
	"github.com/ncecere/usage_meter/internal/period"
)

// Store wraps the key-value counter store.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying store for pipeline construction.
func (s *Store) Client() *redis.Client { return s.client }

// Slot identifies a (metric, granularity) cell of current usage.
type Slot struct {
	MetricID    string
	Granularity period.Granularity
}

func epochKey(serviceID, appID string) string {
	return fmt.Sprintf("usage_epoch:%s:%s", serviceID, appID)
}

// QueueTransaction queues every increment one transaction produces:
// service-scope rollups, application-scope rollups including the short-TTL
// minute counter, and application+user rollups when userID is set. The
// usage map must already be hierarchy-expanded.
//
// The application's usage epoch is bumped alongside the increments, so any
// authorization cached before this transaction stops matching its
// fingerprint and the next lookup recomputes from live counters.
func QueueTransaction(ctx context.Context, pipe redis.Pipeliner, serviceID, appID, userID string, usage map[string]int64, ts time.Time) {
	pipe.Incr(ctx, epochKey(serviceID, appID))
	for metricID, amount := range usage {
		for _, g := range period.ServiceGranularities {
			pipe.IncrBy(ctx, keys.Service(serviceID, metricID, g, ts), amount)
		}
		for _, g := range period.ApplicationGranularities {
			queueCounter(ctx, pipe, keys.Application(serviceID, appID, metricID, g, ts), amount, g)
		}
		if userID != "" {
			for _, g := range period.ApplicationGranularities {
				queueCounter(ctx, pipe, keys.User(serviceID, appID, userID, metricID, g, ts), amount, g)
			}
		}
	}
}

func queueCounter(ctx context.Context, pipe redis.Pipeliner, key string, amount int64, g period.Granularity) {
	pipe.IncrBy(ctx, key, amount)
	if ttl := g.TTL(); ttl > 0 {
		// Refreshing the TTL on every increment keeps the bucket alive for
		// exactly one granularity-length past its last write, which is all a
		// minute counter needs to answer current-usage reads.
		pipe.Expire(ctx, key, ttl)
	}
}

// UsageEpoch returns the application's usage epoch: the count of
// transactions ever applied to it. An application with no traffic reads as
// zero.
func (s *Store) UsageEpoch(ctx context.Context, serviceID, appID string) (int64, error) {
	epoch, err := s.client.Get(ctx, epochKey(serviceID, appID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage epoch: %w", err)
	}
	return epoch, nil
}

// AppUsage returns the application-scope counter values for the requested
// slots at the buckets containing now. Absent counters read as zero.
func (s *Store) AppUsage(ctx context.Context, serviceID, appID string, slots []Slot, now time.Time) (map[Slot]int64, error) {
	counterKeys := make([]string, len(slots))
	for i, slot := range slots {
		counterKeys[i] = keys.Application(serviceID, appID, slot.MetricID, slot.Granularity, now)
	}
	return s.fetch(ctx, slots, counterKeys)
}

// UserUsage returns the application+user-scope counter values for the
// requested slots.
func (s *Store) UserUsage(ctx context.Context, serviceID, appID, userID string, slots []Slot, now time.Time) (map[Slot]int64, error) {
	counterKeys := make([]string, len(slots))
	for i, slot := range slots {
		counterKeys[i] = keys.User(serviceID, appID, userID, slot.MetricID, slot.Granularity, now)
	}
	return s.fetch(ctx, slots, counterKeys)
}

// ServiceUsage returns service-scope counter values for the requested slots.
func (s *Store) ServiceUsage(ctx context.Context, serviceID string, slots []Slot, now time.Time) (map[Slot]int64, error) {
	counterKeys := make([]string, len(slots))
	for i, slot := range slots {
		counterKeys[i] = keys.Service(serviceID, slot.MetricID, slot.Granularity, now)
	}
	return s.fetch(ctx, slots, counterKeys)
}

func (s *Store) fetch(ctx context.Context, slots []Slot, counterKeys []string) (map[Slot]int64, error) {
	usage := make(map[Slot]int64, len(slots))
	if len(counterKeys) == 0 {
		return usage, nil
	}

	values, err := s.client.MGet(ctx, counterKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		usage[slots[i]] += parsed
	}
	return usage, nil
}

// CurrentUsage returns {granularity -> {metric -> value}} across every
// application granularity for the given metrics, scoped to the user when
// userID is non-empty.
func (s *Store) CurrentUsage(ctx context.Context, serviceID, appID, userID string, metricIDs []string, now time.Time) (map[period.Granularity]map[string]int64, error) {
	slots := make([]Slot, 0, len(metricIDs)*len(period.ApplicationGranularities))
	for _, metricID := range metricIDs {
		for _, g := range period.ApplicationGranularities {
			slots = append(slots, Slot{MetricID: metricID, Granularity: g})
		}
	}

	var (
		flat map[Slot]int64
		err  error
	)
	if userID != "" {
		flat, err = s.UserUsage(ctx, serviceID, appID, userID, slots, now)
	} else {
		flat, err = s.AppUsage(ctx, serviceID, appID, slots, now)
	}
	if err != nil {
		return nil, err
	}

	usage := make(map[period.Granularity]map[string]int64, len(period.ApplicationGranularities))
	for slot, value := range flat {
		byMetric := usage[slot.Granularity]
		if byMetric == nil {
			byMetric = make(map[string]int64)
			usage[slot.Granularity] = byMetric
		}
		byMetric[slot.MetricID] = value
	}
	return usage, nil
}
