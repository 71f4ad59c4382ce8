package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ncecere/usage_meter/internal/config"
)

type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	metrics *Metrics
}

// Metrics carries the domain instruments. All methods are nil-safe so
// callers never need to branch on whether metrics are enabled.
type Metrics struct {
	httpRequests  *promreg.CounterVec
	httpLatency   *promreg.HistogramVec
	transactions  promreg.Counter
	authorize     *promreg.CounterVec
	cacheLookups  *promreg.CounterVec
	alertsEmitted promreg.Counter
	queueLatency  promreg.Histogram
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("usage-meter"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		metrics, err := newMetrics(registry)
		if err != nil {
			return nil, err
		}
		provider.metrics = metrics
	}

	return provider, nil
}

func newMetrics(registry *promreg.Registry) (*Metrics, error) {
	m := &Metrics{
		httpRequests: promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_meter",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"method", "route", "status"},
		),
		transactions: promreg.NewCounter(promreg.CounterOpts{
			Namespace: "usage_meter",
			Name:      "transactions_processed_total",
			Help:      "Total usage-report transactions aggregated.",
		}),
		authorize: promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "authorizations_total",
				Help:      "Authorization decisions by result.",
			},
			[]string{"result"},
		),
		cacheLookups: promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_meter",
				Name:      "auth_cache_lookups_total",
				Help:      "Authorization cache lookups by outcome.",
			},
			[]string{"outcome"},
		),
		alertsEmitted: promreg.NewCounter(promreg.CounterOpts{
			Namespace: "usage_meter",
			Name:      "alerts_emitted_total",
			Help:      "Utilization alert events emitted.",
		}),
		queueLatency: promreg.NewHistogram(promreg.HistogramOpts{
			Namespace: "usage_meter",
			Name:      "queue_latency_seconds",
			Help:      "Time between job enqueue and processing start.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}

	collectors := []promreg.Collector{
		m.httpRequests, m.httpLatency, m.transactions, m.authorize,
		m.cacheLookups, m.alertsEmitted, m.queueLatency,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Metrics() *Metrics {
	if p == nil {
		return nil
	}
	return p.metrics
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func (m *Metrics) TransactionsProcessed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.transactions.Add(float64(n))
}

func (m *Metrics) Authorize(authorized bool) {
	if m == nil {
		return
	}
	result := "denied"
	if authorized {
		result = "authorized"
	}
	m.authorize.WithLabelValues(result).Inc()
}

func (m *Metrics) AuthCacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) AuthCacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) AlertEmitted() {
	if m == nil {
		return
	}
	m.alertsEmitted.Inc()
}

func (m *Metrics) ObserveQueueLatency(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.queueLatency.Observe(d.Seconds())
}
