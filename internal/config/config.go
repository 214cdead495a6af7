// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/spf13/viper"
)

type Server struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Auth struct {
	// APIKeys is "key:role,key:role"; roles are readonly|execute|admin.
	APIKeys     string   `mapstructure:"api_keys"`
	PublicPaths []string `mapstructure:"public_paths"`
}

type CORS struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAgeSeconds    int      `mapstructure:"max_age_seconds"`
}

type RateLimit struct {
	RequestsPerMinute int      `mapstructure:"requests_per_minute"`
	Burst             int      `mapstructure:"burst"`
	ExemptPaths       []string `mapstructure:"exempt_paths"`
}

type Runtime struct {
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	MaxConcurrentNodes int           `mapstructure:"max_concurrent_nodes"`
	SlotPoolSize       int           `mapstructure:"slot_pool_size"`
	StatePoolSize      int           `mapstructure:"state_pool_size"`
}

type Pipelines struct {
	// Dir enables the filesystem store when non-empty.
	Dir                    string `mapstructure:"dir"`
	MaxVersionsPerPipeline int    `mapstructure:"max_versions_per_pipeline"`
}

type Suspensions struct {
	// Dir enables the filesystem store when non-empty.
	Dir   string        `mapstructure:"dir"`
	TTL   time.Duration `mapstructure:"ttl"`
	Codec string        `mapstructure:"codec"` // json | json+zstd
}

type Cache struct {
	MaxSize    int           `mapstructure:"max_size"`
	CompileTTL time.Duration `mapstructure:"compile_ttl"`
	// RedisAddr registers a redis-backed cache named "redis" when set.
	RedisAddr string `mapstructure:"redis_addr"`
}

type Canary struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type Events struct {
	BufferSize    int      `mapstructure:"buffer_size"`
	WebhookURLs   []string `mapstructure:"webhook_urls"`
	WebhookSecret string   `mapstructure:"webhook_secret"`
	NATSURL       string   `mapstructure:"nats_url"`
}

type Executions struct {
	MaxRecords int     `mapstructure:"max_records"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type Observability struct {
	LogLevel         string            `mapstructure:"log_level"`
	DashboardEnabled bool              `mapstructure:"dashboard_enabled"`
	Tracing          obs.TracingConfig `mapstructure:"tracing"`
}

type Audit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type Config struct {
	Server        Server        `mapstructure:"server"`
	Auth          Auth          `mapstructure:"auth"`
	CORS          CORS          `mapstructure:"cors"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	Runtime       Runtime       `mapstructure:"runtime"`
	Pipelines     Pipelines     `mapstructure:"pipelines"`
	Suspensions   Suspensions   `mapstructure:"suspensions"`
	Cache         Cache         `mapstructure:"cache"`
	Canary        Canary        `mapstructure:"canary"`
	Events        Events        `mapstructure:"events"`
	Executions    Executions    `mapstructure:"executions"`
	Observability Observability `mapstructure:"observability"`
	Audit         Audit         `mapstructure:"audit"`
}

func defaultConfig() *Config {
	return &Config{
		Server: Server{
			ListenAddr:   ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Auth: Auth{
			PublicPaths: []string{"/health/live", "/health/ready", "/metrics"},
		},
		CORS: CORS{
			MaxAgeSeconds: 3600,
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 600,
			Burst:             60,
			ExemptPaths:       []string{"/health/live", "/health/ready"},
		},
		Runtime: Runtime{
			DefaultTimeout:     30 * time.Second,
			MaxConcurrentNodes: 256,
			SlotPoolSize:       4096,
			StatePoolSize:      256,
		},
		Pipelines: Pipelines{
			MaxVersionsPerPipeline: 50,
		},
		Suspensions: Suspensions{
			TTL:   24 * time.Hour,
			Codec: "json",
		},
		Cache: Cache{
			MaxSize:    10000,
			CompileTTL: time.Hour,
		},
		Canary: Canary{
			GracePeriod: 10 * time.Minute,
		},
		Events: Events{
			BufferSize: 256,
		},
		Executions: Executions{
			MaxRecords: 1000,
			SampleRate: 1.0,
		},
		Observability: Observability{
			LogLevel: "info",
			Tracing:  obs.TracingConfig{SamplingRate: 0.1},
		},
		Audit: Audit{
			Path:       "audit/constellation-audit.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a YAML file plus env overrides. Every key
// is overridable as CONSTELLATION_SECTION_KEY; the short env names from the
// deployment docs (CONSTELLATION_API_KEYS etc.) are bound explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONSTELLATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("server.listen_addr", def.Server.ListenAddr)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)

	v.SetDefault("auth.api_keys", "")
	v.SetDefault("auth.public_paths", def.Auth.PublicPaths)

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age_seconds", def.CORS.MaxAgeSeconds)

	v.SetDefault("rate_limit.requests_per_minute", def.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.exempt_paths", def.RateLimit.ExemptPaths)

	v.SetDefault("runtime.default_timeout", def.Runtime.DefaultTimeout)
	v.SetDefault("runtime.max_concurrent_nodes", def.Runtime.MaxConcurrentNodes)
	v.SetDefault("runtime.slot_pool_size", def.Runtime.SlotPoolSize)
	v.SetDefault("runtime.state_pool_size", def.Runtime.StatePoolSize)

	v.SetDefault("pipelines.dir", "")
	v.SetDefault("pipelines.max_versions_per_pipeline", def.Pipelines.MaxVersionsPerPipeline)

	v.SetDefault("suspensions.dir", "")
	v.SetDefault("suspensions.ttl", def.Suspensions.TTL)
	v.SetDefault("suspensions.codec", def.Suspensions.Codec)

	v.SetDefault("cache.max_size", def.Cache.MaxSize)
	v.SetDefault("cache.compile_ttl", def.Cache.CompileTTL)
	v.SetDefault("cache.redis_addr", "")

	v.SetDefault("canary.grace_period", def.Canary.GracePeriod)

	v.SetDefault("events.buffer_size", def.Events.BufferSize)
	v.SetDefault("events.webhook_urls", []string{})
	v.SetDefault("events.webhook_secret", "")
	v.SetDefault("events.nats_url", "")

	v.SetDefault("executions.max_records", def.Executions.MaxRecords)
	v.SetDefault("executions.sample_rate", def.Executions.SampleRate)

	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.dashboard_enabled", false)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "")
	v.SetDefault("observability.tracing.environment", "")
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)

	// Short deployment env names.
	_ = v.BindEnv("auth.api_keys", "CONSTELLATION_API_KEYS")
	_ = v.BindEnv("cors.allowed_origins", "CONSTELLATION_CORS_ORIGINS")
	_ = v.BindEnv("rate_limit.requests_per_minute", "CONSTELLATION_RATE_LIMIT_RPM")
	_ = v.BindEnv("rate_limit.burst", "CONSTELLATION_RATE_LIMIT_BURST")
	_ = v.BindEnv("pipelines.dir", "CONSTELLATION_PIPELINE_DIR")
	_ = v.BindEnv("suspensions.dir", "CONSTELLATION_CST_DIR")
	_ = v.BindEnv("executions.sample_rate", "CONSTELLATION_SAMPLE_RATE")
	_ = v.BindEnv("executions.max_records", "CONSTELLATION_MAX_EXECUTIONS")
	_ = v.BindEnv("observability.dashboard_enabled", "CONSTELLATION_DASHBOARD_ENABLED")

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be >= 0")
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit.burst must be >= 0")
	}
	if cfg.Runtime.DefaultTimeout <= 0 {
		return fmt.Errorf("runtime.default_timeout must be positive")
	}
	if cfg.Executions.SampleRate <= 0 || cfg.Executions.SampleRate > 1 {
		return fmt.Errorf("executions.sample_rate must be in (0,1]")
	}
	switch cfg.Suspensions.Codec {
	case "json", "json+zstd":
	default:
		return fmt.Errorf("suspensions.codec must be json or json+zstd")
	}
	if cfg.CORS.AllowCredentials {
		for _, o := range cfg.CORS.AllowedOrigins {
			if o == "*" {
				return fmt.Errorf("cors: wildcard origin cannot be combined with allow_credentials")
			}
		}
	}
	return nil
}
