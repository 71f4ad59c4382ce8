package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the metering daemon.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Aggregator    AggregatorConfig    `mapstructure:"aggregator"`
	AuthCache     AuthCacheConfig     `mapstructure:"auth_cache"`
	Alerts        AlertConfig         `mapstructure:"alerts"`
	Events        EventConfig         `mapstructure:"events"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	ReadHeaderTimeout     time.Duration `mapstructure:"read_header_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type AggregatorConfig struct {
	// BatchSize bounds how many transactions share one pipelined write.
	BatchSize int `mapstructure:"batch_size"`
}

type AuthCacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxTTL caps cache entry lifetime; entries are additionally aligned to
	// the next wall-clock minute so they never outlive the minute counters
	// they reflect.
	MaxTTL time.Duration `mapstructure:"max_ttl"`
}

type AlertConfig struct {
	// Bins are the utilization percentages that alerts discretize into.
	Bins []int `mapstructure:"bins"`
	// NotificationTTL is the per-(application, bin) de-duplication window.
	NotificationTTL time.Duration `mapstructure:"notification_ttl"`
	// HistoryLength bounds the rolling per-hour utilization history.
	HistoryLength int `mapstructure:"history_length"`
}

type EventConfig struct {
	// Stream is the Redis stream events are published to. Empty disables
	// the stream sink; the log sink always runs.
	Stream    string        `mapstructure:"stream"`
	MaxStream int64         `mapstructure:"max_stream"`
	Webhooks  []string      `mapstructure:"webhooks"`
	Webhook   WebhookConfig `mapstructure:"webhook"`
}

type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type WorkerConfig struct {
	Queue               string        `mapstructure:"queue"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
}

type ObservabilityConfig struct {
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("METER_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("meter")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes derived fields.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("missing required configuration: METER_REDIS_URL")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	if c.Aggregator.BatchSize <= 0 {
		return fmt.Errorf("aggregator.batch_size must be > 0")
	}

	if c.AuthCache.MaxTTL <= 0 || c.AuthCache.MaxTTL > time.Minute {
		return fmt.Errorf("auth_cache.max_ttl must be in (0, 60s]")
	}

	if len(c.Alerts.Bins) == 0 {
		return fmt.Errorf("alerts.bins must not be empty")
	}
	bins := append([]int(nil), c.Alerts.Bins...)
	sort.Ints(bins)
	for i, bin := range bins {
		if bin < 0 {
			return fmt.Errorf("alerts.bins must be >= 0")
		}
		if i > 0 && bins[i-1] == bin {
			return fmt.Errorf("alerts.bins must not contain duplicates")
		}
	}
	c.Alerts.Bins = bins
	if c.Alerts.NotificationTTL <= 0 {
		return fmt.Errorf("alerts.notification_ttl must be > 0")
	}
	if c.Alerts.HistoryLength <= 0 {
		return fmt.Errorf("alerts.history_length must be > 0")
	}

	if c.Events.Webhook.Timeout <= 0 {
		c.Events.Webhook.Timeout = 5 * time.Second
	}
	if c.Events.Webhook.MaxRetries <= 0 {
		c.Events.Webhook.MaxRetries = 3
	}
	c.Events.Webhooks = normalizeStringSlice(c.Events.Webhooks)

	if strings.TrimSpace(c.Worker.Queue) == "" {
		return fmt.Errorf("worker.queue must be provided")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if c.Worker.MaintenanceInterval <= 0 {
		return fmt.Errorf("worker.maintenance_interval must be > 0")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8090")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("aggregator.batch_size", 400)

	v.SetDefault("auth_cache.enabled", true)
	v.SetDefault("auth_cache.max_ttl", "60s")

	v.SetDefault("alerts.bins", []int{0, 50, 80, 90, 100, 120, 150, 200, 300})
	v.SetDefault("alerts.notification_ttl", "24h")
	v.SetDefault("alerts.history_length", 168)

	v.SetDefault("events.stream", "events")
	v.SetDefault("events.max_stream", 10_000)
	v.SetDefault("events.webhooks", []string{})
	v.SetDefault("events.webhook.timeout", "5s")
	v.SetDefault("events.webhook.max_retries", 3)

	v.SetDefault("worker.queue", "queue:transactions")
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.maintenance_interval", "1h")

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
