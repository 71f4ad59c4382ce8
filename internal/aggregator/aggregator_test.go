package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/counters"
	"github.com/ncecere/usage_meter/internal/events"
	"github.com/ncecere/usage_meter/internal/period"
	"github.com/ncecere/usage_meter/internal/registry"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) byType(t events.Type) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestAggregator(t *testing.T) (*Service, *registry.Store, *counters.Store, *recordingSink) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	reg := registry.NewStore(client, registry.NewMemoCache(time.Minute))
	sink := &recordingSink{}
	return New(client, reg, sink, nil, 2), reg, counters.NewStore(client), sink
}

func seedMetrics(t *testing.T, reg *registry.Store) {
	t.Helper()
	ctx := context.Background()
	for _, m := range []registry.Metric{
		{ServiceID: "1001", ID: "hits", Name: "hits"},
		{ServiceID: "1001", ID: "searches", Name: "searches", ParentID: "hits"},
	} {
		if err := reg.SaveMetric(ctx, m); err != nil {
			t.Fatalf("save metric: %v", err)
		}
	}
}

func TestProcessRollsUpHierarchy(t *testing.T) {
	svc, reg, ctr, _ := newTestAggregator(t)
	seedMetrics(t, reg)
	ctx := context.Background()
	ts := time.Date(2025, 6, 11, 15, 4, 30, 0, time.UTC)

	err := svc.Process(ctx, []Transaction{
		{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"searches": "3"}},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	slots := []counters.Slot{
		{MetricID: "searches", Granularity: period.Day},
		{MetricID: "hits", Granularity: period.Day},
	}
	usage, err := ctr.AppUsage(ctx, "1001", "app1", slots, ts)
	if err != nil {
		t.Fatalf("app usage: %v", err)
	}
	if usage[slots[0]] != 3 {
		t.Fatalf("searches = %d, want 3", usage[slots[0]])
	}
	if usage[slots[1]] != 3 {
		t.Fatalf("hits rollup = %d, want 3", usage[slots[1]])
	}
}

func TestProcessSplitsIntoBatches(t *testing.T) {
	svc, reg, ctr, _ := newTestAggregator(t)
	seedMetrics(t, reg)
	ctx := context.Background()
	ts := time.Date(2025, 6, 11, 15, 4, 30, 0, time.UTC)

	// Batch size is 2; five transactions force three pipeline rounds.
	txns := make([]Transaction, 5)
	for i := range txns {
		txns[i] = Transaction{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"hits": "1"}}
	}
	if err := svc.Process(ctx, txns); err != nil {
		t.Fatalf("process: %v", err)
	}

	slot := counters.Slot{MetricID: "hits", Granularity: period.Eternity}
	usage, err := ctr.AppUsage(ctx, "1001", "app1", []counters.Slot{slot}, ts)
	if err != nil {
		t.Fatalf("app usage: %v", err)
	}
	if usage[slot] != 5 {
		t.Fatalf("eternity = %d, want 5", usage[slot])
	}
}

func TestProcessDropsInvalidTransactions(t *testing.T) {
	svc, reg, ctr, _ := newTestAggregator(t)
	seedMetrics(t, reg)
	ctx := context.Background()
	ts := time.Date(2025, 6, 11, 15, 4, 30, 0, time.UTC)

	err := svc.Process(ctx, []Transaction{
		{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"unknown_metric": "1"}},
		{ServiceID: "1001", ApplicationID: "app2", Timestamp: ts, Usage: map[string]string{"hits": "7"}},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	slot := counters.Slot{MetricID: "hits", Granularity: period.Day}
	usage, err := ctr.AppUsage(ctx, "1001", "app2", []counters.Slot{slot}, ts)
	if err != nil {
		t.Fatalf("app usage: %v", err)
	}
	if usage[slot] != 7 {
		t.Fatalf("valid txn not applied: %d", usage[slot])
	}

	ghost, err := ctr.AppUsage(ctx, "1001", "app1", []counters.Slot{slot}, ts)
	if err != nil {
		t.Fatalf("app usage: %v", err)
	}
	if ghost[slot] != 0 {
		t.Fatalf("invalid txn applied: %d", ghost[slot])
	}
}

func TestFirstTrafficEventsEmittedOnce(t *testing.T) {
	svc, reg, _, sink := newTestAggregator(t)
	seedMetrics(t, reg)
	ctx := context.Background()
	ts := time.Date(2025, 6, 11, 15, 4, 30, 0, time.UTC)

	txn := Transaction{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"hits": "1"}}
	if err := svc.Process(ctx, []Transaction{txn}); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := svc.Process(ctx, []Transaction{txn}); err != nil {
		t.Fatalf("second process: %v", err)
	}

	if got := len(sink.byType(events.TypeFirstTraffic)); got != 1 {
		t.Fatalf("first_traffic events = %d, want 1", got)
	}
	if got := len(sink.byType(events.TypeFirstDailyTraffic)); got != 1 {
		t.Fatalf("first_daily_traffic events = %d, want 1", got)
	}

	// A different day re-triggers the daily event, not the lifetime one.
	txn.Timestamp = ts.AddDate(0, 0, 1)
	if err := svc.Process(ctx, []Transaction{txn}); err != nil {
		t.Fatalf("third process: %v", err)
	}
	if got := len(sink.byType(events.TypeFirstDailyTraffic)); got != 2 {
		t.Fatalf("first_daily_traffic events = %d, want 2", got)
	}
	if got := len(sink.byType(events.TypeFirstTraffic)); got != 1 {
		t.Fatalf("first_traffic events = %d, want 1", got)
	}

	apps, err := svc.KnownApplications(ctx, "1001")
	if err != nil {
		t.Fatalf("known applications: %v", err)
	}
	if len(apps) != 1 || apps[0] != "app1" {
		t.Fatalf("known applications = %v", apps)
	}
}

func TestReportOrderIsCommutative(t *testing.T) {
	ts := time.Date(2025, 6, 11, 15, 4, 30, 0, time.UTC)
	txns := []Transaction{
		{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"hits": "2"}},
		{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"searches": "3"}},
		{ServiceID: "1001", ApplicationID: "app1", Timestamp: ts, Usage: map[string]string{"hits": "-1"}},
	}

	run := func(order []Transaction) map[counters.Slot]int64 {
		svc, reg, ctr, _ := newTestAggregator(t)
		seedMetrics(t, reg)
		ctx := context.Background()
		if err := svc.Process(ctx, order); err != nil {
			t.Fatalf("process: %v", err)
		}
		slots := []counters.Slot{
			{MetricID: "hits", Granularity: period.Day},
			{MetricID: "searches", Granularity: period.Day},
		}
		usage, err := ctr.AppUsage(ctx, "1001", "app1", slots, ts)
		if err != nil {
			t.Fatalf("app usage: %v", err)
		}
		return usage
	}

	forward := run(txns)
	reversed := run([]Transaction{txns[2], txns[1], txns[0]})

	for slot, value := range forward {
		if reversed[slot] != value {
			t.Fatalf("order changed result for %v: %d vs %d", slot, value, reversed[slot])
		}
	}
	if forward[counters.Slot{MetricID: "hits", Granularity: period.Day}] != 4 {
		t.Fatalf("hits = %d, want 4 (2 + 3 rollup - 1)", forward[counters.Slot{MetricID: "hits", Granularity: period.Day}])
	}
}
