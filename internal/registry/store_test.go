package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/apierror"
	"github.com/ncecere/usage_meter/internal/period"
)

func newTestStore(t *testing.T) *Store {
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
	return NewStore(client, NewMemoCache(time.Minute))
}

func TestServiceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	svc := Service{
		ID:                       "1001",
		ProviderKey:              "pk-abc",
		State:                    StateActive,
		DefaultUserPlanID:        "plan-default",
		DefaultUserPlanName:      "Default",
		UserRegistrationRequired: true,
		AlertBins:                []int{50, 100},
	}
	if err := store.SaveService(ctx, svc); err != nil {
		t.Fatalf("save service: %v", err)
	}

	loaded, err := store.Service(ctx, "1001")
	if err != nil {
		t.Fatalf("load service: %v", err)
	}
	if loaded.ProviderKey != "pk-abc" || !loaded.UserRegistrationRequired {
		t.Fatalf("unexpected service: %+v", loaded)
	}
	if len(loaded.AlertBins) != 2 || loaded.AlertBins[0] != 50 || loaded.AlertBins[1] != 100 {
		t.Fatalf("alert bins = %v", loaded.AlertBins)
	}

	byKey, err := store.ServiceByProviderKey(ctx, "pk-abc")
	if err != nil {
		t.Fatalf("resolve provider key: %v", err)
	}
	if byKey.ID != "1001" {
		t.Fatalf("resolved service id = %q", byKey.ID)
	}
}

func TestServiceByProviderKeyUnknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ServiceByProviderKey(context.Background(), "nope")
	if apierror.Code(err) != "provider_key_invalid" {
		t.Fatalf("err = %v, want provider_key_invalid", err)
	}
}

func TestApplicationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	app := Application{
		ServiceID:       "1001",
		ID:              "app1",
		State:           StateActive,
		PlanID:          "gold",
		PlanName:        "Gold",
		Keys:            []string{"key-b", "key-a"},
		ReferrerFilters: []string{"example.com"},
		UserRequired:    true,
	}
	if err := store.SaveApplication(ctx, app); err != nil {
		t.Fatalf("save application: %v", err)
	}

	loaded, err := store.Application(ctx, "1001", "app1")
	if err != nil {
		t.Fatalf("load application: %v", err)
	}
	if !loaded.Active() || !loaded.HasKeys() || !loaded.UserRequired {
		t.Fatalf("unexpected application: %+v", loaded)
	}
	if len(loaded.Keys) != 2 || loaded.Keys[0] != "key-a" {
		t.Fatalf("keys = %v", loaded.Keys)
	}

	_, err = store.Application(ctx, "1001", "ghost")
	if apierror.Code(err) != "application_not_found" {
		t.Fatalf("err = %v, want application_not_found", err)
	}
}

func TestSaveApplicationReplacesKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	app := Application{ServiceID: "1001", ID: "app1", State: StateActive, Keys: []string{"old"}}
	if err := store.SaveApplication(ctx, app); err != nil {
		t.Fatalf("save: %v", err)
	}
	app.Keys = []string{"new"}
	if err := store.SaveApplication(ctx, app); err != nil {
		t.Fatalf("resave: %v", err)
	}

	loaded, err := store.Application(ctx, "1001", "app1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Keys) != 1 || loaded.Keys[0] != "new" {
		t.Fatalf("keys = %v, want [new]", loaded.Keys)
	}
}

func TestApplicationIDByUserKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	app := Application{ServiceID: "1001", ID: "app1", State: StateActive, UserKey: "uk-42"}
	if err := store.SaveApplication(ctx, app); err != nil {
		t.Fatalf("save application: %v", err)
	}

	id, err := store.ApplicationIDByUserKey(ctx, "1001", "uk-42")
	if err != nil {
		t.Fatalf("resolve user key: %v", err)
	}
	if id != "app1" {
		t.Fatalf("application id = %q", id)
	}

	loaded, err := store.Application(ctx, "1001", "app1")
	if err != nil {
		t.Fatalf("load application: %v", err)
	}
	if loaded.UserKey != "uk-42" {
		t.Fatalf("user key = %q", loaded.UserKey)
	}

	_, err = store.ApplicationIDByUserKey(ctx, "1001", "nope")
	if apierror.Code(err) != "user_key_invalid" {
		t.Fatalf("err = %v, want user_key_invalid", err)
	}
}

func TestMetricNameResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveMetric(ctx, Metric{ServiceID: "1001", ID: "m1", Name: "hits"}); err != nil {
		t.Fatalf("save metric: %v", err)
	}

	id, err := store.MetricIDByName(ctx, "1001", "hits")
	if err != nil {
		t.Fatalf("resolve metric: %v", err)
	}
	if id != "m1" {
		t.Fatalf("metric id = %q", id)
	}

	_, err = store.MetricIDByName(ctx, "1001", "unknown")
	if apierror.Code(err) != "metric_not_found" {
		t.Fatalf("err = %v, want metric_not_found", err)
	}
}

func TestUsageLimitsSortedAndVersionBumped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	limits := []UsageLimit{
		{ServiceID: "1001", PlanID: "gold", MetricID: "m1", Period: period.Month, Value: 1000},
		{ServiceID: "1001", PlanID: "gold", MetricID: "m1", Period: period.Day, Value: 100},
		{ServiceID: "1001", PlanID: "gold", MetricID: "a", Period: period.Hour, Value: 10},
	}
	for _, limit := range limits {
		if err := store.SetUsageLimit(ctx, limit); err != nil {
			t.Fatalf("set limit: %v", err)
		}
	}

	loaded, err := store.UsageLimits(ctx, "1001", "gold")
	if err != nil {
		t.Fatalf("load limits: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("len(limits) = %d", len(loaded))
	}
	if loaded[0].MetricID != "a" || loaded[1].Period != period.Day || loaded[2].Period != period.Month {
		t.Fatalf("unexpected order: %+v", loaded)
	}

	// Every limit mutation must advance the service version.
	svcVersion, _, _, err := store.Versions(ctx, "1001", "app1", "")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if svcVersion != 3 {
		t.Fatalf("service version = %d, want 3", svcVersion)
	}

	if err := store.DeleteUsageLimit(ctx, "1001", "gold", "a", period.Hour); err != nil {
		t.Fatalf("delete limit: %v", err)
	}
	loaded, err = store.UsageLimits(ctx, "1001", "gold")
	if err != nil {
		t.Fatalf("reload limits: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("len(limits) after delete = %d", len(loaded))
	}
}

func TestSetUsageLimitRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.SetUsageLimit(ctx, UsageLimit{ServiceID: "1", PlanID: "p", MetricID: "m", Period: "decade", Value: 1})
	if !errors.Is(err, period.ErrInvalidGranularity) {
		t.Fatalf("err = %v, want ErrInvalidGranularity", err)
	}
	err = store.SetUsageLimit(ctx, UsageLimit{ServiceID: "1", PlanID: "p", MetricID: "m", Period: period.Day, Value: -1})
	if err == nil {
		t.Fatal("negative limit accepted")
	}
}

func TestUserMissingIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.User(ctx, "1001", "ghost")
	if err != nil {
		t.Fatalf("load missing user: %v", err)
	}
	if found {
		t.Fatal("missing user reported found")
	}

	if err := store.SaveUser(ctx, User{ServiceID: "1001", Username: "alice", State: StateActive, PlanID: "p"}); err != nil {
		t.Fatalf("save user: %v", err)
	}
	u, found, err := store.User(ctx, "1001", "alice")
	if err != nil || !found {
		t.Fatalf("load user: found=%v err=%v", found, err)
	}
	if u.PlanID != "p" {
		t.Fatalf("user plan = %q", u.PlanID)
	}
}

func TestVersionsDefaultToZero(t *testing.T) {
	store := newTestStore(t)

	svc, app, user, err := store.Versions(context.Background(), "s", "a", "u")
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if svc != 0 || app != 0 || user != 0 {
		t.Fatalf("versions = %d/%d/%d, want zeros", svc, app, user)
	}
}

func TestExpandUsageRollsUpAncestors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	metrics := []Metric{
		{ServiceID: "1001", ID: "hits", Name: "hits"},
		{ServiceID: "1001", ID: "searches", Name: "searches", ParentID: "hits"},
		{ServiceID: "1001", ID: "fuzzy", Name: "fuzzy_searches", ParentID: "searches"},
	}
	for _, m := range metrics {
		if err := store.SaveMetric(ctx, m); err != nil {
			t.Fatalf("save metric: %v", err)
		}
	}

	expanded, err := store.ExpandUsage(ctx, "1001", map[string]string{
		"fuzzy_searches": "3",
		"hits":           "1",
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if expanded["fuzzy"] != 3 || expanded["searches"] != 3 || expanded["hits"] != 4 {
		t.Fatalf("expanded = %v", expanded)
	}
}

func TestExpandUsageRejectsBadInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveMetric(ctx, Metric{ServiceID: "1001", ID: "m1", Name: "hits"}); err != nil {
		t.Fatalf("save metric: %v", err)
	}

	_, err := store.ExpandUsage(ctx, "1001", map[string]string{"unknown": "1"})
	if apierror.Code(err) != "metric_not_found" {
		t.Fatalf("err = %v, want metric_not_found", err)
	}
	_, err = store.ExpandUsage(ctx, "1001", map[string]string{"hits": ""})
	if apierror.Code(err) != "usage_value_invalid" {
		t.Fatalf("err = %v, want usage_value_invalid", err)
	}
	_, err = store.ExpandUsage(ctx, "1001", map[string]string{"hits": "12x"})
	if apierror.Code(err) != "usage_value_invalid" {
		t.Fatalf("err = %v, want usage_value_invalid", err)
	}
}

func TestExpandUsageDetectsCycles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveMetric(ctx, Metric{ServiceID: "1001", ID: "a", Name: "a", ParentID: "b"}); err != nil {
		t.Fatalf("save metric: %v", err)
	}
	if err := store.SaveMetric(ctx, Metric{ServiceID: "1001", ID: "b", Name: "b", ParentID: "a"}); err != nil {
		t.Fatalf("save metric: %v", err)
	}

	_, err := store.ExpandUsage(ctx, "1001", map[string]string{"a": "1"})
	if !errors.Is(err, ErrHierarchyTooDeep) {
		t.Fatalf("err = %v, want ErrHierarchyTooDeep", err)
	}
}
