package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/codec"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/routing"
	"github.com/nulpointcorp/llm-relay/internal/store"
	"github.com/nulpointcorp/llm-relay/internal/telemetry"
	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// initInfra establishes external connections. Redis is required — it backs
// the RPM guard, adaptive limits, sticky routing and model resolution.
// Postgres is optional and enables usage accounting when configured.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	if a.cfg.UsageEnabled() {
		a.log.Info("connecting to postgres", slog.String("dsn", redactURL(a.cfg.Database.DSN)))

		db, err := store.New(ctx, a.cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.db = db
		a.log.Info("postgres connected")
	} else {
		a.log.Info("usage accounting disabled (DATABASE_URL not set)")
	}

	return nil
}

// initCatalog loads and validates the routing catalog.
func (a *App) initCatalog(_ context.Context) error {
	cat, err := catalog.Load(a.cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("catalog %s: %w", a.cfg.CatalogPath, err)
	}
	a.cat = cat

	a.log.Info("catalog loaded",
		slog.String("path", a.cfg.CatalogPath),
		slog.Int("models", len(cat.Models)),
		slog.Int("providers", len(cat.Providers)),
		slog.Int("endpoints", len(cat.Endpoints)),
		slog.Int("keys", len(cat.Keys)),
		slog.Int("api_keys", len(cat.APIKeys)),
	)

	return nil
}

// initServices creates everything between the wire and the upstream:
// dialect codecs, rate limiting, sticky routing, usage accounting,
// attempt telemetry and the Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.registry = codec.NewDefaultRegistry(a.log)

	a.breaker = proxy.NewBreaker(proxy.BreakerConfig{
		FailureThreshold: a.cfg.Breaker.FailureThreshold,
		AuthThreshold:    a.cfg.Breaker.AuthThreshold,
		Window:           a.cfg.Breaker.Window,
		BaseBackoff:      a.cfg.Breaker.BaseBackoff,
		MaxBackoff:       a.cfg.Breaker.MaxBackoff,
	})

	reservation := ratelimit.NewReservation(ratelimit.ReservationConfig{
		ProbeThreshold: a.cfg.Reservation.ProbeThreshold,
		ProbeRatio:     a.cfg.Reservation.ProbeRatio,
		StableMin:      a.cfg.Reservation.StableMin,
		StableMax:      a.cfg.Reservation.StableMax,
	})
	a.guard = ratelimit.NewGuard(a.rdb, reservation)

	a.adaptive = ratelimit.NewAdaptive(a.rdb, ratelimit.AdaptiveConfig{
		InitialLimit: a.cfg.Adaptive.InitialLimit,
		MinLimit:     a.cfg.Adaptive.MinLimit,
		MaxLimit:     a.cfg.Adaptive.MaxLimit,
		IncreaseStep: a.cfg.Adaptive.IncreaseStep,
	})

	if a.cfg.ClientLimit.KeyRPM > 0 || a.cfg.ClientLimit.IPRPM > 0 {
		a.limiter = ratelimit.NewClientLimiter(a.rdb, a.cfg.ClientLimit.KeyRPM, a.cfg.ClientLimit.IPRPM)
		a.log.Info("client rate limiting enabled",
			slog.Int("key_rpm", a.cfg.ClientLimit.KeyRPM),
			slog.Int("ip_rpm", a.cfg.ClientLimit.IPRPM))
	}

	a.aff = affinity.NewManagerFromClient(a.rdb)

	if a.db != nil {
		a.recorder = usage.NewRecorder(a.db, monthlyQuota(a.cat))
	}

	var sink telemetry.Sink
	if a.cfg.TelemetryEnabled() {
		ch, err := telemetry.NewClickHouseSink(ctx,
			a.cfg.ClickHouse.Addr, a.cfg.ClickHouse.Database,
			a.cfg.ClickHouse.Username, a.cfg.ClickHouse.Password,
			a.cfg.ClickHouse.Table)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("telemetry sink: clickhouse", slog.String("addr", a.cfg.ClickHouse.Addr))
	} else {
		sink = telemetry.NewSlogSink(a.log)
		a.log.Info("telemetry sink: slog (CLICKHOUSE_ADDR not set)")
	}
	tele, err := telemetry.NewWriter(a.baseCtx, sink)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.tele = tele

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the candidate builder, the dispatch gateway, the
// background health checker and the management routes.
func (a *App) initGateway(ctx context.Context) error {
	resolver := catalog.NewResolver(a.cat, a.rdb, a.cfg.Routing.ResolveTTL)

	// The catalog may differ from the one a previous process cached
	// resolutions for.
	if err := resolver.InvalidateAll(ctx); err != nil {
		a.log.Warn("resolve cache flush failed", slog.String("error", err.Error()))
	}

	builder := routing.NewBuilder(routing.Config{
		Catalog:           a.cat,
		Resolver:          resolver,
		Registry:          a.registry,
		Affinity:          a.aff,
		Breaker:           a.breaker,
		ConversionEnabled: a.cfg.Routing.ConversionEnabled,
		PriorityMode:      routing.PriorityMode(a.cfg.Routing.PriorityMode),
	})

	opts := proxy.GatewayOptions{
		Logger:      a.log,
		Catalog:     a.cat,
		Builder:     builder,
		Registry:    a.registry,
		Guard:       a.guard,
		Breaker:     a.breaker,
		Adaptive:    a.adaptive,
		Limiter:     a.limiter,
		Affinity:    a.aff,
		Recorder:    a.recorder,
		Telemetry:   a.tele,
		Metrics:     a.prom,
		MaxAttempts: a.cfg.Routing.MaxAttempts,
		AffinityTTL: a.cfg.Affinity.TTL,
	}
	// Assigning a nil *store.Store would make the interface non-nil.
	if a.db != nil {
		opts.Quota = a.db
	}
	gw := proxy.NewGateway(a.baseCtx, opts)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	var dbReady func() bool
	if a.db != nil {
		dbReady = dbPinger(a.baseCtx, a.db)
	}
	a.hc = proxy.NewHealthChecker(a.baseCtx, a.cat, redisPinger(a.baseCtx, a.rdb), dbReady, a.prom)
	gw.SetHealthChecker(a.hc)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// monthlyQuota marks providers whose monthly spend must be tracked in
// the usage transaction, with the day of month their billing period
// starts.
func monthlyQuota(cat *catalog.Catalog) usage.MonthlyQuota {
	return func(providerID string) (int, bool) {
		p, ok := cat.ProviderByID(providerID)
		if !ok || p.Billing != catalog.BillingMonthlyQuota || p.MonthlyQuotaUSD <= 0 {
			return 0, false
		}
		return p.QuotaResetDay, true
	}
}
