package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
)

const (
	SourceBackendS3    = "s3"
	SourceBackendLocal = "local"
)

type Config struct {
	API       APIConfig
	Source    SourceConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Database  DatabaseConfig
	Transform TransformConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr         string
	MetricsAddr  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type SourceConfig struct {
	Backend   string
	LocalRoot string
}

type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UseSSL       bool
	OutputPrefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a Redis address was configured. Cache and rate
// limiting fall back to in-process implementations without it.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type DatabaseConfig struct {
	DSN string
}

type TransformConfig struct {
	DefaultQuality    int
	AggressiveQuality int
	StrictParams      bool
	EngineTimeout     time.Duration
}

type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	HTTPMaxAge   time.Duration
	MaxItemBytes int
}

type RateLimitConfig struct {
	Enabled  bool
	Capacity int
	Window   time.Duration
	// TransformCost is what a request that runs the image engine pays in
	// total; cache hits and passthroughs pay one token.
	TransformCost int
}

type TracingConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from SNAPPY_* environment variables and, when
// SNAPPY_CONFIG_FILE is set, from that file first.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("snappy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := Config{
		API: APIConfig{
			Addr:         v.GetString("api.addr"),
			MetricsAddr:  v.GetString("api.metrics_addr"),
			ReadTimeout:  v.GetDuration("api.read_timeout"),
			WriteTimeout: v.GetDuration("api.write_timeout"),
		},
		Source: SourceConfig{
			Backend:   strings.ToLower(v.GetString("source.backend")),
			LocalRoot: v.GetString("source.local_root"),
		},
		Storage: StorageConfig{
			Endpoint:     v.GetString("storage.endpoint"),
			AccessKey:    v.GetString("storage.access_key"),
			SecretKey:    v.GetString("storage.secret_key"),
			Bucket:       v.GetString("storage.bucket"),
			UseSSL:       v.GetBool("storage.use_ssl"),
			OutputPrefix: v.GetString("storage.output_prefix"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency:   v.GetInt("worker.concurrency"),
			MaxActiveJobs: v.GetInt("worker.max_active_jobs"),
			MetricsAddr:   v.GetString("worker.metrics_addr"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		Transform: TransformConfig{
			DefaultQuality:    v.GetInt("transform.default_quality"),
			AggressiveQuality: v.GetInt("transform.aggressive_quality"),
			StrictParams:      v.GetBool("transform.strict_params"),
			EngineTimeout:     v.GetDuration("transform.engine_timeout"),
		},
		Cache: CacheConfig{
			Enabled:      v.GetBool("cache.enabled"),
			TTL:          v.GetDuration("cache.ttl"),
			HTTPMaxAge:   v.GetDuration("cache.http_max_age"),
			MaxItemBytes: v.GetInt("cache.max_item_bytes"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("ratelimit.enabled"),
			Capacity:      v.GetInt("ratelimit.capacity"),
			Window:        v.GetDuration("ratelimit.window"),
			TransformCost: v.GetInt("ratelimit.transform_cost"),
		},
		Tracing: TracingConfig{
			ServiceName:  v.GetString("tracing.service_name"),
			Exporter:     v.GetString("tracing.exporter"),
			OTLPEndpoint: v.GetString("tracing.otlp_endpoint"),
			OTLPInsecure: v.GetBool("tracing.otlp_insecure"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  v.GetString("webhook.signing_secret"),
			Timeout:        v.GetDuration("webhook.timeout"),
			MaxAttempts:    v.GetInt("webhook.max_attempts"),
			InitialBackoff: v.GetDuration("webhook.initial_backoff"),
			MaxBackoff:     v.GetDuration("webhook.max_backoff"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	cfg.Queue = QueueConfig{
		RedisAddr:     v.GetString("queue.redis_addr"),
		RedisPassword: v.GetString("queue.redis_password"),
		RedisDB:       v.GetInt("queue.redis_db"),
		Name:          v.GetString("queue.name"),
	}
	if cfg.Queue.RedisAddr == "" {
		cfg.Queue.RedisAddr = cfg.Redis.Addr
		cfg.Queue.RedisPassword = cfg.Redis.Password
		cfg.Queue.RedisDB = cfg.Redis.DB
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	v.SetDefault("config_file", "")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.metrics_addr", "")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)

	v.SetDefault("source.backend", SourceBackendS3)
	v.SetDefault("source.local_root", "./images")

	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "snappy-images")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.output_prefix", "renders")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.redis_addr", "")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.name", "default")

	v.SetDefault("worker.concurrency", max(2, runtime.NumCPU()))
	v.SetDefault("worker.max_active_jobs", defaultWorkerSlots)
	v.SetDefault("worker.metrics_addr", ":9091")

	v.SetDefault("database.dsn", "")

	v.SetDefault("transform.default_quality", 85)
	v.SetDefault("transform.aggressive_quality", 45)
	v.SetDefault("transform.strict_params", false)
	v.SetDefault("transform.engine_timeout", 20*time.Second)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.http_max_age", 24*time.Hour)
	v.SetDefault("cache.max_item_bytes", 8<<20)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.capacity", 120)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("ratelimit.transform_cost", 4)

	v.SetDefault("tracing.service_name", "snappy")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.otlp_insecure", true)

	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.initial_backoff", time.Second)
	v.SetDefault("webhook.max_backoff", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c Config) validate() error {
	switch c.Source.Backend {
	case SourceBackendS3, SourceBackendLocal:
	default:
		return fmt.Errorf("unsupported source backend: %s", c.Source.Backend)
	}
	if c.Transform.AggressiveQuality >= c.Transform.DefaultQuality {
		return fmt.Errorf("transform.aggressive_quality (%d) must be lower than transform.default_quality (%d)",
			c.Transform.AggressiveQuality, c.Transform.DefaultQuality)
	}
	if c.Transform.EngineTimeout <= 0 {
		return fmt.Errorf("transform.engine_timeout must be positive")
	}
	if c.RateLimit.Enabled && (c.RateLimit.TransformCost < 1 || c.RateLimit.TransformCost > c.RateLimit.Capacity) {
		return fmt.Errorf("ratelimit.transform_cost (%d) must be between 1 and ratelimit.capacity (%d)",
			c.RateLimit.TransformCost, c.RateLimit.Capacity)
	}
	return nil
}
