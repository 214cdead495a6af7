// Copyright 2025 James Ross
package httpapi

import (
	"fmt"
	"time"

	"github.com/flyingrobots/constellation/internal/config"
)

// Config is the HTTP server's own settings, derived from the application
// config at startup.
type Config struct {
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Keys        *KeySet
	PublicPaths []string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	RateLimitRPM    int
	RateLimitBurst  int
	RateLimitExempt []string

	EnableDetailEndpoint bool
	DetailRequiresAuth   bool

	DashboardEnabled bool

	AuditEnabled    bool
	AuditPath       string
	AuditMaxSizeMB  int
	AuditMaxBackups int
}

// FromAppConfig validates and converts the application config.
func FromAppConfig(app *config.Config) (*Config, error) {
	keys, err := ParseAPIKeys(app.Auth.APIKeys)
	if err != nil {
		return nil, fmt.Errorf("parse api keys: %w", err)
	}
	publicPaths := append([]string{}, app.Auth.PublicPaths...)
	cfg := &Config{
		ListenAddr:           app.Server.ListenAddr,
		ReadTimeout:          app.Server.ReadTimeout,
		WriteTimeout:         app.Server.WriteTimeout,
		Keys:                 keys,
		PublicPaths:          publicPaths,
		CORSAllowedOrigins:   app.CORS.AllowedOrigins,
		CORSAllowCredentials: app.CORS.AllowCredentials,
		CORSMaxAgeSeconds:    app.CORS.MaxAgeSeconds,
		RateLimitRPM:         app.RateLimit.RequestsPerMinute,
		RateLimitBurst:       app.RateLimit.Burst,
		RateLimitExempt:      app.RateLimit.ExemptPaths,
		EnableDetailEndpoint: true,
		DetailRequiresAuth:   true,
		DashboardEnabled:     app.Observability.DashboardEnabled,
		AuditEnabled:         app.Audit.Enabled,
		AuditPath:            app.Audit.Path,
		AuditMaxSizeMB:       app.Audit.MaxSizeMB,
		AuditMaxBackups:      app.Audit.MaxBackups,
	}
	// A detail endpoint that does not require auth must be reachable
	// without a key.
	if cfg.EnableDetailEndpoint && !cfg.DetailRequiresAuth {
		cfg.PublicPaths = append(cfg.PublicPaths, "/health/detail")
	}
	return cfg, nil
}
