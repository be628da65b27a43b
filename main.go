package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swftly/edge/internal/backend"
	"github.com/swftly/edge/internal/config"
	"github.com/swftly/edge/internal/gate"
	"github.com/swftly/edge/internal/identity"
	"github.com/swftly/edge/internal/links"
	"github.com/swftly/edge/internal/store"
	"github.com/swftly/edge/internal/watcher"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// profileStore is the full profile surface run() wires into the handler,
// the token issuer, and the watcher. Satisfied by both the Redis store and
// the in-memory fallback.
type profileStore interface {
	SaveProfile(ctx context.Context, p store.Profile) error
	GetProfile(ctx context.Context, token string) (*store.Profile, error)
	TouchProfile(ctx context.Context, token string, now time.Time) error
	MarkFlushed(ctx context.Context, token string, at time.Time) error
	CheckHealth(ctx context.Context) error
	Close() error
}

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// Profile store and rate limiter: Redis when configured and reachable,
	// otherwise the in-memory fallback. The gateway starts degraded rather
	// than not at all -- anonymous tokens still live in cookies, so losing
	// the server-side records on restart costs bookkeeping, not links.
	var profiles profileStore
	var limiter links.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			slog.Warn("redis unavailable, falling back to in-memory profile store", "error", err)
		} else {
			defer rdb.Close()
			profiles = store.NewRedisProfileStore(rdb)
			limiter = store.NewRedisRateLimiter(rdb)
		}
	} else {
		slog.Warn("REDIS_URL not set, using in-memory profile store; profiles will not survive a restart")
	}
	if profiles == nil {
		profiles = store.NewMemoryProfileStore()
		limiter = store.NewMemoryRateLimiter()
	}
	defer profiles.Close()

	// Audit ledger: Postgres when configured, otherwise a no-op.
	// Unlike the profile store a connection failure here is fatal -- a set
	// DATABASE_URL means the operator wants the ledger, so starting without
	// it would silently drop every event.
	var audit links.Auditor = store.NoopAuditStore{}
	if cfg.DatabaseURL != "" {
		as, err := store.NewAuditStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to set up audit store: %w", err)
		}
		defer as.Close()

		// Run database migrations
		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			return fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := as.Migrate(ctx, migrationsFS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		audit = as
	} else {
		slog.Info("DATABASE_URL not set, audit ledger disabled")
	}

	bc := backend.NewClient(cfg.BackendURL)

	// JWKS keys refresh in the background for the life of the process context.
	verifier := identity.NewOIDCVerifier(ctx, cfg.AuthIssuer, cfg.AuthJWKSURL)
	resolver := &identity.Resolver{Verifier: verifier, SessionCookieName: cfg.SessionCookieName}
	issuer := &identity.TokenIssuer{Store: profiles, Secure: cfg.SecureCookies}

	reg := watcher.NewRegistry(bc, audit, profiles, cfg.FlushTimeout)

	links.CreatePolicy = store.RateLimit{
		MaxAttempts: cfg.RateCreateMax,
		Window:      cfg.RateCreateWindow,
		LockoutTTL:  cfg.RateCreateLockout,
	}

	h := links.LinkHandler{BC: bc, TK: issuer, ID: resolver, WR: reg, RL: limiter, AU: audit, PS: profiles}

	backendURL, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return fmt.Errorf("invalid backend url: %w", err)
	}
	g := gate.New(backendURL, cfg.SessionCookieName)

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(&h, g)}

	// Watcher sweep goroutine; evicts idle profile entries every 10 minutes.
	// Cancelled via sweepCtx when run() returns.
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := reg.Sweep(cfg.WatcherTTL)
				if n > 0 {
					slog.Debug("watcher sweep complete", "evicted", n)
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("edge gateway listening", "addr", ln.Addr().String(), "backend", cfg.BackendURL)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown ! :)
	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// server.Shutdown:
	//  1. Stops accepting new conns
	//  2. Waits for all in-progress requests to finish and responses to be sent
	//  3. Returns nil when done or an error if the 30s timeout hits first
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *links.LinkHandler, g *gate.Gate) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// The gate runs before routing: short codes proxy straight to the
	// backend, protected pages without a session redirect to sign-in.
	r.Use(g.Middleware)

	r.Get("/health", h.CheckHealth)

	r.Route("/api/urls", func(r chi.Router) {
		// Identify runs on every link call so the transition watcher sees
		// reads as well as writes.
		r.Use(h.Identify)
		r.Get("/", h.List)
		r.Post("/shorten", h.Shorten)
		r.Delete("/{code}", h.Delete)
	})

	return r
}
