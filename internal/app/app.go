// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, optional Postgres)
//  2. initCatalog  — routing catalog load and validation
//  3. initServices — codecs, rate limiting, affinity, usage, telemetry, metrics
//  4. initGateway  — candidate builder, proxy, health checker, management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/codec"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/telemetry"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	rdb *redis.Client

	// db is nil when DATABASE_URL is not configured.
	db *store.Store

	cat *catalog.Catalog

	registry *codec.Registry
	breaker  *proxy.Breaker
	guard    *ratelimit.Guard
	adaptive *ratelimit.Adaptive
	limiter  *ratelimit.ClientLimiter
	aff      *affinity.Manager
	recorder *usage.Recorder
	tele     *telemetry.Writer
	prom     *metrics.Registry

	hc   *proxy.HealthChecker
	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("models", len(a.cat.Models)),
		slog.Int("providers", len(a.cat.Providers)),
		slog.Bool("usage_accounting", a.db != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.hc != nil {
		a.hc.Close()
		a.hc = nil
	}
	if a.tele != nil {
		if err := a.tele.Close(); err != nil {
			a.log.Error("telemetry close error", slog.String("error", err.Error()))
		}
		a.tele = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// dbPinger is the Postgres counterpart of redisPinger.
func dbPinger(ctx context.Context, db *store.Store) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return db.Pool().Ping(pingCtx) == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
