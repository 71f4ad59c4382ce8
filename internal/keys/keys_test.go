package keys

import (
	"strings"
	"testing"
	"time"

	"github.com/ncecere/usage_meter/internal/period"
)

var testTS = time.Date(2025, 6, 11, 15, 4, 30, 0, time.UTC)

func TestApplicationKey(t *testing.T) {
	got := Application("1001", "app1", "hits", period.Day, testTS)
	want := "stats/{service:1001}/cinstance:app1/metric:hits/day:20250611"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestUserKeyCarriesUserSegment(t *testing.T) {
	got := User("1001", "app1", "alice", "hits", period.Hour, testTS)
	want := "stats/{service:1001}/cinstance:app1#alice/metric:hits/hour:2025061115"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestServiceKeyDropsInstanceSegment(t *testing.T) {
	got := Service("1001", "hits", period.Month, testTS)
	want := "stats/{service:1001}/metric:hits/month:202506"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestEternityKeyHasNoBucket(t *testing.T) {
	got := Application("1001", "app1", "hits", period.Eternity, testTS)
	want := "stats/{service:1001}/cinstance:app1/metric:hits/eternity"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestAllKeysShareServiceHashTag(t *testing.T) {
	tag := "{service:1001}"
	for _, key := range []string{
		Service("1001", "hits", period.Eternity, testTS),
		Application("1001", "app1", "hits", period.Minute, testTS),
		User("1001", "app1", "alice", "hits", period.Week, testTS),
	} {
		if !strings.Contains(key, tag) {
			t.Fatalf("key %q missing hash tag %q", key, tag)
		}
	}
}

func TestDistinctCountersNeverCollide(t *testing.T) {
	seen := make(map[string]Counter)
	counters := []Counter{
		{ServiceID: "1", MetricID: "hits", Granularity: period.Day},
		{ServiceID: "1", ApplicationID: "a", MetricID: "hits", Granularity: period.Day},
		{ServiceID: "1", ApplicationID: "a", UserID: "u", MetricID: "hits", Granularity: period.Day},
		{ServiceID: "1", ApplicationID: "a", MetricID: "hits", Granularity: period.Hour},
		{ServiceID: "1", ApplicationID: "a", MetricID: "other", Granularity: period.Day},
		{ServiceID: "2", ApplicationID: "a", MetricID: "hits", Granularity: period.Day},
	}
	for _, c := range counters {
		key := c.Key(testTS)
		if prior, ok := seen[key]; ok {
			t.Fatalf("key collision: %+v and %+v both render %q", prior, c, key)
		}
		seen[key] = c
	}
}
