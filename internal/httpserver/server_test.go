package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_meter/internal/app"
	"github.com/ncecere/usage_meter/internal/config"
	"github.com/ncecere/usage_meter/internal/period"
	"github.com/ncecere/usage_meter/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *app.Container) {
	t.Helper()
	mini, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() {
		client.Close()
		mini.Close()
	})

	cfg := &config.Config{
		Server:     config.ServerConfig{ListenAddr: ":0"},
		Redis:      config.RedisConfig{URL: "redis://" + mini.Addr()},
		Aggregator: config.AggregatorConfig{BatchSize: 400},
		AuthCache:  config.AuthCacheConfig{Enabled: true, MaxTTL: time.Minute},
		Alerts:     config.AlertConfig{Bins: []int{0, 50, 80, 90, 100}, NotificationTTL: 24 * time.Hour, HistoryLength: 168},
		Worker:     config.WorkerConfig{Queue: "queue:test", PollInterval: time.Second, MaintenanceInterval: time.Hour},
	}

	container, err := app.NewContainer(context.Background(), cfg, client)
	if err != nil {
		t.Fatalf("build container: %v", err)
	}
	server, err := New(container)
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return server, container
}

func seedAuthFixture(t *testing.T, container *app.Container) {
	t.Helper()
	ctx := context.Background()
	if err := container.Registry.SaveService(ctx, registry.Service{ID: "1001", ProviderKey: "pk", State: registry.StateActive}); err != nil {
		t.Fatalf("save service: %v", err)
	}
	if err := container.Registry.SaveApplication(ctx, registry.Application{ServiceID: "1001", ID: "app1", State: registry.StateActive, PlanID: "gold", PlanName: "Gold"}); err != nil {
		t.Fatalf("save application: %v", err)
	}
	if err := container.Registry.SaveMetric(ctx, registry.Metric{ServiceID: "1001", ID: "hits", Name: "hits"}); err != nil {
		t.Fatalf("save metric: %v", err)
	}
	if err := container.Registry.SetUsageLimit(ctx, registry.UsageLimit{ServiceID: "1001", PlanID: "gold", MetricID: "hits", Period: period.Day, Value: 100}); err != nil {
		t.Fatalf("set limit: %v", err)
	}
}

func doJSON(t *testing.T, server *Server, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return resp, data
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	resp, body := doJSON(t, server, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.Status != "ok" {
		t.Fatalf("health = %q", parsed.Status)
	}
}

func TestCacheToggle(t *testing.T) {
	server, container := newTestServer(t)

	resp, body := doJSON(t, server, http.MethodGet, "/internal/cache", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var state struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !state.Enabled {
		t.Fatal("cache should start enabled")
	}

	disabled := false
	resp, _ = doJSON(t, server, http.MethodPut, "/internal/cache", map[string]any{"enabled": disabled})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if container.Authorizer.Cache().Enabled() {
		t.Fatal("cache still enabled after toggle")
	}

	resp, _ = doJSON(t, server, http.MethodPut, "/internal/cache", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing enabled flag: status = %d", resp.StatusCode)
	}
}

func TestTransactionsEnqueue(t *testing.T) {
	server, container := newTestServer(t)

	payload := map[string]any{
		"transactions": []map[string]any{
			{"service_id": "1001", "application_id": "app1", "usage": map[string]string{"hits": "3"}},
		},
	}
	resp, _ := doJSON(t, server, http.MethodPost, "/internal/transactions", payload)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	size := container.Redis.LLen(context.Background(), "queue:test").Val()
	if size != 1 {
		t.Fatalf("queue length = %d, want 1", size)
	}

	resp, _ = doJSON(t, server, http.MethodPost, "/internal/transactions", map[string]any{"transactions": []map[string]any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch: status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, server, http.MethodPost, "/internal/transactions", map[string]any{
		"transactions": []map[string]any{{"usage": map[string]string{"hits": "1"}}},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing ids: status = %d", resp.StatusCode)
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	server, container := newTestServer(t)
	seedAuthFixture(t, container)

	resp, body := doJSON(t, server, http.MethodGet, "/internal/authorize?provider_key=pk&app_id=app1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var status struct {
		Authorized bool   `json:"authorized"`
		PlanName   string `json:"plan_name"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !status.Authorized || status.PlanName != "Gold" {
		t.Fatalf("status = %+v", status)
	}

	// Denials answer with a conflict status, not an error.
	resp, body = doJSON(t, server, http.MethodGet, "/internal/authorize?provider_key=pk&app_id=app1&usage%5Bhits%5D=200", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, server, http.MethodGet, "/internal/authorize?app_id=app1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing provider key: status = %d", resp.StatusCode)
	}
}

func TestLimitViolationsEndpoint(t *testing.T) {
	server, container := newTestServer(t)

	if err := container.Redis.SAdd(context.Background(), "limit_violations", "1001:app1").Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := doJSON(t, server, http.MethodGet, "/internal/limit_violations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var parsed struct {
		Violations []string `json:"violations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parsed.Violations) != 1 || parsed.Violations[0] != "1001:app1" {
		t.Fatalf("violations = %v", parsed.Violations)
	}
}
