// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_upstream_attempts_total{provider,format,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_upstream_attempt_duration_seconds{provider,format,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_client_ratelimit_total{kind}
	clientRateLimit *prometheus.CounterVec

	// relay_rpm_guard_total{decision,cache}
	guardDecisions *prometheus.CounterVec

	// relay_conversions_total{from,to}
	conversions *prometheus.CounterVec

	// relay_affinity_total{result}
	affinityLookups *prometheus.CounterVec

	// relay_breaker_state{key,format} — 0=closed, 1=open, 2=half_open
	breakerState *prometheus.GaugeVec

	// relay_breaker_transitions_total{key,format,to_state}
	breakerTransitions *prometheus.CounterVec

	// relay_tokens_total{provider,format,direction,affinity}
	tokensTotal *prometheus.CounterVec

	// relay_endpoint_health{endpoint}
	endpointHealth *prometheus.GaugeVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	breakerMu        sync.Mutex
	lastBreakerState map[string]string

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:              reg,
		lastBreakerState: make(map[string]string),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (streams measure time to commit)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Total upstream attempts by outcome (includes failovers)",
			},
			[]string{"provider", "format", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "format", "outcome"},
		),

		clientRateLimit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_client_ratelimit_total",
				Help: "Client requests rejected by the key or IP rate limiter",
			},
			[]string{"kind"},
		),

		guardDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_rpm_guard_total",
				Help: "RPM guard admissions and rejections by affinity class",
			},
			[]string{"decision", "cache"},
		),

		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_conversions_total",
				Help: "Request body conversions between wire dialects",
			},
			[]string{"from", "to"},
		),

		affinityLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_affinity_total",
				Help: "Cache-affinity routing results on successful attempts",
			},
			[]string{"result"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_breaker_state",
				Help: "Circuit breaker cell state (0=closed,1=open,2=half_open)",
			},
			[]string{"key", "format"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_breaker_transitions_total",
				Help: "Circuit breaker cell transitions to a new state",
			},
			[]string{"key", "format", "to_state"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "format", "direction", "affinity"},
		),

		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_endpoint_health",
				Help: "Endpoint probe status (1=ok, 0=degraded)",
			},
			[]string{"endpoint"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.clientRateLimit,
		r.guardDecisions,
		r.conversions,
		r.affinityLookups,
		r.breakerState,
		r.breakerTransitions,
		r.tokensTotal,
		r.endpointHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveAttempt records one upstream attempt. outcome is "success" or
// the failure class assigned by the orchestrator.
func (r *Registry) ObserveAttempt(provider, format, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, format, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, format, outcome).Observe(dur.Seconds())
}

// RecordClientLimit counts a client-side rejection. kind is "key",
// "ip" or "quota".
func (r *Registry) RecordClientLimit(kind string) {
	r.clientRateLimit.WithLabelValues(kind).Inc()
}

func (r *Registry) GuardAdmit(cached bool) {
	r.guardDecisions.WithLabelValues("admit", cacheLabel(cached)).Inc()
}

func (r *Registry) GuardReject() {
	r.guardDecisions.WithLabelValues("reject", "fresh").Inc()
}

func (r *Registry) RecordConversion(from, to string) {
	r.conversions.WithLabelValues(from, to).Inc()
}

func (r *Registry) AffinityHit()  { r.affinityLookups.WithLabelValues("hit").Inc() }
func (r *Registry) AffinityMiss() { r.affinityLookups.WithLabelValues("miss").Inc() }

func (r *Registry) AddTokens(provider, format string, inputTokens, outputTokens int, cached bool) {
	affinity := cacheLabel(cached)
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, format, "input", affinity).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, format, "output", affinity).Add(float64(outputTokens))
	}
}

func (r *Registry) SetEndpointHealth(endpointID string, ok bool) {
	if ok {
		r.endpointHealth.WithLabelValues(endpointID).Set(1)
		return
	}
	r.endpointHealth.WithLabelValues(endpointID).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetBreakerState sets the breaker cell gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetBreakerState(keyID, format, state string) {
	r.breakerState.WithLabelValues(keyID, format).Set(breakerStateValue(state))

	cell := keyID + "/" + format
	r.breakerMu.Lock()
	prev, ok := r.lastBreakerState[cell]
	if !ok || prev != state {
		r.lastBreakerState[cell] = state
		r.breakerTransitions.WithLabelValues(keyID, format, state).Inc()
	}
	r.breakerMu.Unlock()
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

func cacheLabel(cached bool) string {
	if cached {
		return "sticky"
	}
	return "fresh"
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
