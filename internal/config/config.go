// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all env configuration vars for the edge gateway.
type Config struct {
	// BackendURL is the shortener backend origin every link call proxies to.
	BackendURL string

	// AuthIssuer and AuthJWKSURL identify the external auth provider whose
	// session tokens the gateway verifies.
	AuthIssuer  string
	AuthJWKSURL string

	// RedisURL is optional -- empty falls back to the in-memory profile store.
	RedisURL string

	// DatabaseURL is optional -- empty disables the audit ledger.
	DatabaseURL string

	Port     string
	LogLevel slog.Level

	// SessionCookieName is the auth provider's session cookie, checked for
	// presence by the route gate. Defaults to better-auth's name.
	SessionCookieName string

	// SecureCookies controls the Secure flag on the anonymous token cookie.
	// Default true; set SECURE_COOKIES=false for local development.
	SecureCookies bool

	// FlushTimeout bounds one link migration call.
	// Default 10s.
	FlushTimeout time.Duration

	// WatcherTTL is how long an idle profile stays in the transition watcher.
	// Default 30m.
	WatcherTTL time.Duration

	// Rate limit policy for anonymous link creates per token.
	// Defaults: max=30, window=1m, lockout=5m.
	RateCreateMax     int
	RateCreateWindow  time.Duration
	RateCreateLockout time.Duration
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (BACKEND_URL, AUTH_ISSUER,
// AUTH_JWKS_URL) are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.BackendURL = strings.TrimRight(os.Getenv("BACKEND_URL"), "/")
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	if !strings.HasPrefix(cfg.BackendURL, "http://") && !strings.HasPrefix(cfg.BackendURL, "https://") {
		return nil, fmt.Errorf("BACKEND_URL must start with http:// or https://")
	}

	cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
	if cfg.AuthIssuer == "" {
		return nil, fmt.Errorf("AUTH_ISSUER is required")
	}

	cfg.AuthJWKSURL = os.Getenv("AUTH_JWKS_URL")
	if cfg.AuthJWKSURL == "" {
		return nil, fmt.Errorf("AUTH_JWKS_URL is required")
	}

	// Both optional -- the gateway degrades rather than refuses to start.
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7980"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.SessionCookieName = os.Getenv("SESSION_COOKIE_NAME")
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "better-auth.session_token"
	}

	// Default true -- only explicit "false" disables.
	cfg.SecureCookies = os.Getenv("SECURE_COOKIES") != "false"

	cfg.FlushTimeout = envDuration("FLUSH_TIMEOUT", 10*time.Second)
	cfg.WatcherTTL = envDuration("WATCHER_TTL", 30*time.Minute)

	// Rate limit: anonymous creates. All three fields required -- if any are
	// missing or invalid, fall back to the default so a misconfigured env
	// doesn't silently disable rate limiting.
	cfg.RateCreateMax = envInt("RATE_CREATE_MAX", 30)
	cfg.RateCreateWindow = envDuration("RATE_CREATE_WINDOW", 1*time.Minute)
	cfg.RateCreateLockout = envDuration("RATE_CREATE_LOCKOUT", 5*time.Minute)

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
