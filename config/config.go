// Package config loads service configuration from the environment.
//
// Values are read from process environment variables, optionally seeded from a
// local .env file. Call Validate before using the result.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the root configuration for the session service.
type Config struct {
	Service   ServiceConfig
	Logging   LoggingConfig
	Tracing   TracingConfig
	Profiling ProfilingConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	OAuth     OAuthConfig
	Session   SessionConfig
	CORS      CORSConfig
	Shutdown  ShutdownConfig

	loadErr error
}

type ServiceConfig struct {
	Name    string `env:"SERVICE_NAME" envDefault:"session-service"`
	Version string `env:"SERVICE_VERSION" envDefault:"dev"`
	Env     string `env:"ENV" envDefault:"development"`
	Port    string `env:"PORT" envDefault:"8080"`
}

type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

type TracingConfig struct {
	Enabled    bool    `env:"TRACING_ENABLED" envDefault:"false"`
	Endpoint   string  `env:"OTEL_COLLECTOR_ENDPOINT" envDefault:"localhost:4318"`
	SampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

type ProfilingConfig struct {
	Enabled  bool   `env:"PROFILING_ENABLED" envDefault:"false"`
	Endpoint string `env:"PYROSCOPE_ENDPOINT" envDefault:"http://localhost:4040"`
}

// DatabaseConfig selects the session store. A URL starting with "sqlite:" or
// "file:" selects the embedded store; anything else is handed to pgx.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

// IsSQLite reports whether the embedded sqlite store is configured.
func (d DatabaseConfig) IsSQLite() bool {
	return strings.HasPrefix(d.URL, "sqlite:") || strings.HasPrefix(d.URL, "file:")
}

// SQLitePath strips the optional "sqlite:" scheme.
func (d DatabaseConfig) SQLitePath() string {
	return strings.TrimPrefix(d.URL, "sqlite:")
}

// RedisConfig is optional; an empty URL disables the profile cache.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

type OAuthConfig struct {
	ClientID        string        `env:"BUNGIE_CLIENT_ID"`
	ClientSecret    string        `env:"BUNGIE_CLIENT_SECRET"`
	APIKey          string        `env:"BUNGIE_API_KEY"`
	RedirectURL     string        `env:"OAUTH_REDIRECT_URL"`
	AuthorizeURL    string        `env:"BUNGIE_AUTHORIZE_URL" envDefault:"https://www.bungie.net/en/OAuth/Authorize"`
	TokenURL        string        `env:"BUNGIE_TOKEN_URL" envDefault:"https://www.bungie.net/Platform/App/OAuth/Token/"`
	PlatformURL     string        `env:"BUNGIE_PLATFORM_URL" envDefault:"https://www.bungie.net/Platform"`
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
}

type SessionConfig struct {
	FrontendURL       string        `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	DefaultReturnPath string        `env:"DEFAULT_RETURN_PATH" envDefault:"/dashboard"`
	RefreshThreshold  time.Duration `env:"SESSION_REFRESH_THRESHOLD" envDefault:"60s"`
	FallbackSecret    string        `env:"SESSION_FALLBACK_SECRET"`
	CookieSecure      bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	ProfileCacheTTL   time.Duration `env:"PROFILE_CACHE_TTL" envDefault:"90s"`
}

type CORSConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

type ShutdownConfig struct {
	ReadinessDrainDelay string `env:"READINESS_DRAIN_DELAY" envDefault:"5s"`
	Timeout             string `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads .env (if present) and the process environment.
// Parse errors are reported by Validate.
func Load() *Config {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		cfg.loadErr = fmt.Errorf("parse env: %w", err)
	}
	cfg.CORS.AllowedOrigins = trimCSV(cfg.CORS.AllowedOrigins)
	return cfg
}

// Validate checks that every value the service cannot start without is present
// and well-formed.
func (c *Config) Validate() error {
	if c.loadErr != nil {
		return c.loadErr
	}

	var errs []error
	if c.Service.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		errs = append(errs, errors.New("BUNGIE_CLIENT_ID and BUNGIE_CLIENT_SECRET are required"))
	}
	if c.OAuth.APIKey == "" {
		errs = append(errs, errors.New("BUNGIE_API_KEY is required"))
	}
	if _, err := url.ParseRequestURI(c.OAuth.RedirectURL); err != nil {
		errs = append(errs, fmt.Errorf("OAUTH_REDIRECT_URL is invalid: %w", err))
	}
	if _, err := url.ParseRequestURI(c.Session.FrontendURL); err != nil {
		errs = append(errs, fmt.Errorf("FRONTEND_URL is invalid: %w", err))
	}
	if !strings.HasPrefix(c.Session.DefaultReturnPath, "/") || strings.HasPrefix(c.Session.DefaultReturnPath, "//") {
		errs = append(errs, errors.New("DEFAULT_RETURN_PATH must be a local path"))
	}
	if len(c.Session.FallbackSecret) < 16 {
		errs = append(errs, errors.New("SESSION_FALLBACK_SECRET must be at least 16 characters"))
	}
	if c.OAuth.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("OTEL_SAMPLE_RATE must be between 0 and 1"))
	}
	if _, err := time.ParseDuration(c.Shutdown.ReadinessDrainDelay); err != nil {
		errs = append(errs, fmt.Errorf("READINESS_DRAIN_DELAY: %w", err))
	}
	if _, err := time.ParseDuration(c.Shutdown.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("SHUTDOWN_TIMEOUT: %w", err))
	}
	return errors.Join(errs...)
}

// GetReadinessDrainDelayDuration returns how long /ready reports shutting_down
// before the HTTP server stops accepting connections.
func (c *Config) GetReadinessDrainDelayDuration() time.Duration {
	d, err := time.ParseDuration(c.Shutdown.ReadinessDrainDelay)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func (c *Config) GetShutdownTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Shutdown.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
