// Package proxy is the relay's dispatch core. One client request is
// authenticated, resolved to an ordered candidate list, and tried
// against upstream endpoints until a candidate succeeds, converting
// between wire dialects on the way in and out.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/codec"
	"github.com/nulpointcorp/llm-relay/internal/headers"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/routing"
	"github.com/nulpointcorp/llm-relay/internal/telemetry"
	"github.com/nulpointcorp/llm-relay/internal/usage"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

const (
	defaultMaxAttempts = 3
	defaultAffinityTTL = time.Hour
)

// QuotaSource answers spend questions before a request is dispatched.
// Implemented by store.Store; nil disables pre-dispatch quota checks
// (the recorder's guarded decrement still applies).
type QuotaSource interface {
	UserSpend(ctx context.Context, userID string) (used, quota float64, err error)
	KeyBalance(ctx context.Context, apiKeyID string) (used, balance float64, err error)
	ProviderMonthlySpend(ctx context.Context, providerID string) (float64, error)
}

// GatewayOptions wires the dispatch loop's collaborators. Affinity,
// adaptive controller, client limiter, quota source, recorder,
// telemetry, and metrics are optional and nil-safe; the rest are
// required.
type GatewayOptions struct {
	Logger   *slog.Logger
	Catalog  *catalog.Catalog
	Builder  *routing.Builder
	Registry *codec.Registry
	Guard    *ratelimit.Guard
	Breaker  *Breaker

	Adaptive  *ratelimit.Adaptive
	Limiter   *ratelimit.ClientLimiter
	Affinity  *affinity.Manager
	Quota     QuotaSource
	Recorder  *usage.Recorder
	Telemetry *telemetry.Writer
	Metrics   *metrics.Registry
	Upstream  *Upstream

	// MaxAttempts caps candidates tried per request. Default 3.
	MaxAttempts int

	// AffinityTTL is the sticky-routing record lifetime used when the
	// serving key has no cache_ttl_minutes. Default 1h.
	AffinityTTL time.Duration
}

// Gateway owns one dispatch loop per incoming request. All cross
// request state lives in Redis and the relational store; the gateway
// itself is safe for concurrent use.
type Gateway struct {
	log      *slog.Logger
	cat      *catalog.Catalog
	builder  *routing.Builder
	registry *codec.Registry
	guard    *ratelimit.Guard
	breaker  *Breaker

	adaptive  *ratelimit.Adaptive
	limiter   *ratelimit.ClientLimiter
	affinity  *affinity.Manager
	quota     QuotaSource
	recorder  *usage.Recorder
	telemetry *telemetry.Writer
	metrics   *metrics.Registry
	upstream  *Upstream

	maxAttempts int
	affinityTTL time.Duration

	baseCtx context.Context

	health      *HealthChecker
	corsOrigins []string
}

// NewGateway builds a Gateway. baseCtx outlives individual requests
// and scopes background bookkeeping writes.
func NewGateway(baseCtx context.Context, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}
	affinityTTL := opts.AffinityTTL
	if affinityTTL <= 0 {
		affinityTTL = defaultAffinityTTL
	}
	up := opts.Upstream
	if up == nil {
		up = NewUpstream()
	}
	return &Gateway{
		log:         log,
		cat:         opts.Catalog,
		builder:     opts.Builder,
		registry:    opts.Registry,
		guard:       opts.Guard,
		breaker:     opts.Breaker,
		adaptive:    opts.Adaptive,
		limiter:     opts.Limiter,
		affinity:    opts.Affinity,
		quota:       opts.Quota,
		recorder:    opts.Recorder,
		telemetry:   opts.Telemetry,
		metrics:     opts.Metrics,
		upstream:    up,
		maxAttempts: maxAttempts,
		affinityTTL: affinityTTL,
		baseCtx:     baseCtx,
	}
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// SetHealthChecker attaches the background endpoint prober serving
// GET /health and /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) { g.health = hc }

// dispatchInput is what the route layer knows before the body is
// parsed: the dialect, and for Gemini the model and stream mode taken
// from the URL.
type dispatchInput struct {
	format        apiformat.Format
	modelOverride string
	streamFromURL *bool
}

// request is the per-dispatch working set.
type request struct {
	id      string
	format  apiformat.Format
	headers map[string]string
	rawBody []byte

	user   *catalog.User
	apiKey *catalog.APIKey

	model  *catalog.GlobalModel
	stream bool

	started time.Time
}

// dispatch runs one client request through authentication, candidate
// building, and the attempt loop.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, in dispatchInput) {
	req := &request{
		id:      requestIDOf(ctx),
		format:  in.format,
		headers: clientHeaders(ctx),
		rawBody: ctx.PostBody(),
		started: time.Now(),
	}

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	if !g.authenticate(ctx, req) {
		return
	}
	if !g.admitClient(ctx, req) {
		return
	}
	if !g.admitQuota(ctx, req) {
		return
	}

	modelName := in.modelOverride
	if modelName == "" {
		modelName = gjson.GetBytes(req.rawBody, "model").String()
	}
	if modelName == "" {
		apierr.WriteInvalidRequest(ctx, g.registry, req.format, "field 'model' is required")
		return
	}

	if in.streamFromURL != nil {
		req.stream = *in.streamFromURL
	} else {
		req.stream = gjson.GetBytes(req.rawBody, "stream").Bool()
	}

	model, cands, err := g.builder.Build(ctx, routing.Input{
		User:         req.user,
		APIKey:       req.apiKey,
		ClientFormat: req.format,
		ModelName:    modelName,
		Stream:       req.stream,
	})
	if err != nil {
		g.writeBuildError(ctx, req, modelName, err)
		return
	}
	req.model = model

	g.log.InfoContext(ctx, "dispatch",
		slog.String("request_id", req.id),
		slog.String("model", model.Name),
		slog.String("client_format", string(req.format)),
		slog.Bool("stream", req.stream),
		slog.Int("candidates", len(cands)),
	)

	budget := min(len(cands), g.maxAttempts)
	var last Classification
	var lastUpstream *codec.UpstreamError

	for i := 0; i < budget; i++ {
		if ctx.Err() != nil {
			ctx.SetStatusCode(apierr.StatusClientClosedRequest)
			return
		}
		cand := cands[i]

		if !g.admitProvider(ctx, cand) {
			last = Classification{Outcome: OutcomeNextCandidate, Class: "provider_quota"}
			g.recordAttempt(req, cand, i, last, 0, time.Now())
			continue
		}

		count, admitErr := g.admitGuard(ctx, req, cand)
		if admitErr != nil {
			last = classify(0, nil, admitErr)
			g.recordAttempt(req, cand, i, last, 0, time.Now())
			continue
		}

		committed, uerr, cls := g.attempt(ctx, req, cand, i, count)
		if committed {
			return
		}

		last = cls
		lastUpstream = uerr
		g.reactToFailure(req, cand, cls, count)

		if cls.Outcome == OutcomeSurface {
			apierr.WriteUpstream(ctx, g.registry, req.format, cls.Status, uerr)
			return
		}
	}

	g.log.WarnContext(ctx, "candidates_exhausted",
		slog.String("request_id", req.id),
		slog.String("model", modelName),
		slog.Int("attempts", budget),
		slog.String("last_class", last.Class),
	)
	switch {
	case budget == 0:
		apierr.WriteExhausted(ctx, g.registry, req.format)
	case last.Class == "timeout":
		apierr.WriteTimeout(ctx, g.registry, req.format)
	case last.Class == "conversion":
		apierr.WriteInvalidRequest(ctx, g.registry, req.format,
			"request cannot be converted for any available endpoint")
	case lastUpstream != nil:
		apierr.WriteUpstream(ctx, g.registry, req.format, fasthttp.StatusBadGateway, lastUpstream)
	default:
		apierr.WriteExhausted(ctx, g.registry, req.format)
	}
}

func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, req *request) bool {
	secret, ok := headers.ExtractClientKey(req.headers, req.format)
	if !ok {
		// Gemini tooling also passes the key as a query parameter.
		if q := string(ctx.QueryArgs().Peek("key")); q != "" && apiformat.DataFormatID(req.format) == "gemini" {
			secret, ok = q, true
		}
	}
	if !ok {
		apierr.WriteUnauthorized(ctx, g.registry, req.format)
		return false
	}
	apiKey, user, found := g.cat.AuthenticateKey(secret)
	if !found {
		g.log.WarnContext(ctx, "auth_failed", slog.String("request_id", req.id))
		apierr.WriteUnauthorized(ctx, g.registry, req.format)
		return false
	}
	req.apiKey = apiKey
	req.user = user
	return true
}

func (g *Gateway) admitClient(ctx *fasthttp.RequestCtx, req *request) bool {
	if g.limiter == nil {
		return true
	}
	if ok, err := g.limiter.AllowKey(ctx, req.apiKey.ID); err == nil && !ok {
		if g.metrics != nil {
			g.metrics.RecordClientLimit("key")
		}
		apierr.WriteRateLimit(ctx, g.registry, req.format, "request rate exceeded for this API key")
		return false
	}
	if ok, err := g.limiter.AllowIP(ctx, ctx.RemoteIP().String()); err == nil && !ok {
		if g.metrics != nil {
			g.metrics.RecordClientLimit("ip")
		}
		apierr.WriteRateLimit(ctx, g.registry, req.format, "request rate exceeded for this address")
		return false
	}
	return true
}

// admitQuota rejects requests whose payer has no spend headroom left.
// Reads fail open: the recorder's guarded decrement is the
// authoritative check for cost racing past this one.
func (g *Gateway) admitQuota(ctx *fasthttp.RequestCtx, req *request) bool {
	if g.quota == nil {
		return true
	}
	if req.apiKey.Standalone && req.apiKey.BalanceUSD > 0 {
		used, balance, err := g.quota.KeyBalance(ctx, req.apiKey.ID)
		if err != nil {
			g.log.WarnContext(ctx, "quota_check_error",
				slog.String("request_id", req.id),
				slog.String("error", err.Error()))
			return true
		}
		if used >= balance {
			if g.metrics != nil {
				g.metrics.RecordClientLimit("quota")
			}
			apierr.WriteRateLimit(ctx, g.registry, req.format, "API key balance exhausted")
			return false
		}
		return true
	}
	if req.user != nil && req.user.QuotaUSD > 0 {
		used, quota, err := g.quota.UserSpend(ctx, req.user.ID)
		if err != nil {
			g.log.WarnContext(ctx, "quota_check_error",
				slog.String("request_id", req.id),
				slog.String("error", err.Error()))
			return true
		}
		if used >= quota {
			if g.metrics != nil {
				g.metrics.RecordClientLimit("quota")
			}
			apierr.WriteRateLimit(ctx, g.registry, req.format, "spending quota exceeded")
			return false
		}
	}
	return true
}

// admitProvider skips candidates whose provider has consumed its
// monthly quota.
func (g *Gateway) admitProvider(ctx *fasthttp.RequestCtx, cand routing.Candidate) bool {
	if g.quota == nil {
		return true
	}
	p := cand.Provider
	if p.Billing != catalog.BillingMonthlyQuota || p.MonthlyQuotaUSD <= 0 {
		return true
	}
	used, err := g.quota.ProviderMonthlySpend(ctx, p.ID)
	if err != nil {
		return true
	}
	return used < p.MonthlyQuotaUSD
}

// admitGuard reserves one slot on the candidate key's RPM window.
func (g *Gateway) admitGuard(ctx *fasthttp.RequestCtx, req *request, cand routing.Candidate) (int, error) {
	limit := 0
	switch {
	case cand.Key.RPMLimit != nil:
		limit = *cand.Key.RPMLimit
	case g.adaptive != nil:
		limit = g.adaptive.Limit(ctx, cand.Key.ID)
	}
	count, err := g.guard.Admit(ctx, cand.Key.ID, limit, cand.IsCached)
	if err != nil {
		if g.metrics != nil {
			g.metrics.GuardReject()
		}
		return count, err
	}
	if g.metrics != nil {
		g.metrics.GuardAdmit(cand.IsCached)
	}
	return count, nil
}

// attempt executes one candidate. committed means bytes reached the
// client and the loop must stop regardless of upstream fate.
func (g *Gateway) attempt(ctx *fasthttp.RequestCtx, req *request, cand routing.Candidate, idx, rpmCount int) (committed bool, uerr *codec.UpstreamError, cls Classification) {
	started := time.Now()

	body, err := g.buildUpstreamBody(req, cand)
	if err != nil {
		cls = classify(0, nil, err)
		g.recordAttempt(req, cand, idx, cls, 0, started)
		return false, nil, cls
	}

	hdr := headers.BuildUpstream(req.headers, cand.Endpoint.Format, cand.Key.Secret, cand.Key.AuthKind, cand.Endpoint)
	url := buildUpstreamURL(cand.Endpoint, cand.Binding.ProviderModelName, req.stream)

	g.log.DebugContext(ctx, "upstream_request",
		slog.String("request_id", req.id),
		slog.String("url", url),
		slog.Any("headers", headers.Redact(hdr)),
	)

	if req.stream {
		return g.attemptStream(ctx, req, cand, idx, rpmCount, url, hdr, body, started)
	}
	return g.attemptBuffered(ctx, req, cand, idx, rpmCount, url, hdr, body, started)
}

func (g *Gateway) buildUpstreamBody(req *request, cand routing.Candidate) ([]byte, error) {
	body := req.rawBody
	if cand.NeedsConversion {
		converted, err := g.registry.ConvertRequest(body, req.format, cand.Endpoint.Format)
		if err != nil {
			return nil, err
		}
		body = converted
		if g.metrics != nil {
			g.metrics.RecordConversion(string(req.format), string(cand.Endpoint.Format))
		}
	}
	body, err := codec.RewriteModel(cand.Endpoint.Format, body, cand.Binding.ProviderModelName)
	if err != nil {
		return nil, err
	}
	return codec.StripStreamFlag(cand.Endpoint.Format, body)
}

func (g *Gateway) attemptBuffered(ctx *fasthttp.RequestCtx, req *request, cand routing.Candidate, idx, rpmCount int, url string, hdr map[string]string, body []byte, started time.Time) (bool, *codec.UpstreamError, Classification) {
	tctx, cancel := context.WithTimeout(ctx, endpointTimeout(cand.Endpoint))
	defer cancel()

	res, err := g.upstream.Do(tctx, url, hdr, body, false)
	if err != nil {
		cls := classify(0, nil, err)
		g.recordAttempt(req, cand, idx, cls, 0, started)
		return false, nil, cls
	}

	if res.StatusCode != fasthttp.StatusOK {
		uerr := g.registry.ParseError(res.Body, cand.Endpoint.Format)
		cls := classify(res.StatusCode, uerr, nil)
		g.recordAttempt(req, cand, idx, cls, 0, started)
		return false, g.surfaceError(uerr, res.StatusCode), cls
	}

	// Some upstreams hide errors inside a 200 body.
	if uerr := codec.SniffError(cand.Endpoint.Format, res.Body); uerr != nil {
		cls := classify(res.StatusCode, nil, &embeddedError{upstream: uerr})
		g.recordAttempt(req, cand, idx, cls, 0, started)
		return false, uerr, cls
	}

	var u codec.Usage
	codec.SniffUsage(cand.Endpoint.Format, res.Body, &u)

	out := res.Body
	if cand.NeedsConversion {
		converted, err := g.registry.ConvertResponse(res.Body, cand.Endpoint.Format, req.format)
		if err != nil {
			cls := classify(0, nil, err)
			g.recordAttempt(req, cand, idx, cls, 0, started)
			return false, nil, cls
		}
		out = converted
	}

	for k, v := range headers.FilterResponse(res.Header) {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)

	g.finishSuccess(req, cand, idx, rpmCount, u, started, 0, false)
	return true, nil, Classification{}
}

func (g *Gateway) attemptStream(ctx *fasthttp.RequestCtx, req *request, cand routing.Candidate, idx, rpmCount int, url string, hdr map[string]string, body []byte, started time.Time) (bool, *codec.UpstreamError, Classification) {
	res, err := g.upstream.Do(ctx, url, hdr, body, true)
	if err != nil {
		cls := classify(0, nil, err)
		g.recordAttempt(req, cand, idx, cls, 0, started)
		return false, nil, cls
	}

	if res.StatusCode != fasthttp.StatusOK {
		uerr := g.registry.ParseError(res.Body, cand.Endpoint.Format)
		cls := classify(res.StatusCode, uerr, nil)
		g.recordAttempt(req, cand, idx, cls, 0, started)
		return false, g.surfaceError(uerr, res.StatusCode), cls
	}

	sp := newStreamProcessor(g.registry, cand.Endpoint.Format, req.format, cand.NeedsConversion, res.Stream)
	if err := sp.prefetch(ctx); err != nil {
		res.Stream.Close()
		cls := classify(res.StatusCode, nil, err)
		g.recordAttempt(req, cand, idx, cls, 0, started)
		var emb *embeddedError
		if errors.As(err, &emb) {
			return false, emb.upstream, cls
		}
		return false, nil, cls
	}

	// Committing to the stream: from here failover is no longer
	// possible, bookkeeping happens when the pump finishes.
	for k, v := range headers.FilterResponse(res.Header) {
		ctx.Response.Header.Set(k, v)
	}
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var ttfb time.Duration
		outcome, runErr := sp.run(ctx, w, func() {
			ttfb = time.Since(started)
		})
		if runErr != nil {
			g.log.WarnContext(g.baseCtx, "stream_interrupted",
				slog.String("request_id", req.id),
				slog.String("endpoint_id", cand.Endpoint.ID),
				slog.String("error", runErr.Error()),
			)
		}
		if outcome.ClientGone {
			cls := Classification{Outcome: OutcomeNextCandidate, Class: "client_disconnect", Status: apierr.StatusClientClosedRequest}
			g.recordAttempt(req, cand, idx, cls, ttfb, started)
			return
		}
		g.finishSuccess(req, cand, idx, rpmCount, outcome.Usage, started, ttfb, true)
	})
	return true, nil, Classification{}
}

// surfaceError keeps a parsed upstream envelope for the client when
// the loop ends up surfacing this attempt.
func (g *Gateway) surfaceError(uerr *codec.UpstreamError, status int) *codec.UpstreamError {
	if uerr != nil {
		return uerr
	}
	return &codec.UpstreamError{Type: codec.ErrUnknown, Message: "upstream returned status " + strconv.Itoa(status)}
}

// reactToFailure applies the classifier's verdict: breaker bookkeeping,
// adaptive down-shift, and cached-candidate affinity invalidation.
func (g *Gateway) reactToFailure(req *request, cand routing.Candidate, cls Classification, rpmCount int) {
	switch cls.Outcome {
	case OutcomeNextCandidate:
		return

	case OutcomeSurface:
		// The request was at fault, not the endpoint.
		return

	case OutcomeRateLimited:
		if g.adaptive != nil && cand.Key.Adaptive() {
			g.adaptive.RecordRateLimited(g.baseCtx, cand.Key.ID, rpmCount, cls.ConcurrencyCap)
		}

	case OutcomeRetry, OutcomeOpenCircuit:
		auth := cls.Outcome == OutcomeOpenCircuit
		g.breaker.RecordFailure(cand.Key.ID, cand.Endpoint.Format, auth)
		if g.metrics != nil {
			g.metrics.SetBreakerState(cand.Key.ID, string(cand.Endpoint.Format),
				g.breaker.StateLabel(cand.Key.ID, cand.Endpoint.Format))
		}
	}

	if cand.IsCached && g.affinity != nil {
		g.affinity.Invalidate(g.baseCtx, affinity.Key{
			ClientKeyID: req.apiKey.ID,
			Format:      cand.Endpoint.Format,
			ModelID:     req.model.ID,
		})
	}
}

// finishSuccess refreshes affinity, feeds the adaptive controller and
// breaker, computes cost, and persists the usage row.
func (g *Gateway) finishSuccess(req *request, cand routing.Candidate, idx, rpmCount int, u codec.Usage, started time.Time, ttfb time.Duration, stream bool) {
	g.breaker.RecordSuccess(cand.Key.ID, cand.Endpoint.Format)

	if g.affinity != nil {
		k := affinity.Key{ClientKeyID: req.apiKey.ID, Format: cand.Endpoint.Format, ModelID: req.model.ID}
		ttl := g.affinityTTL
		if cand.Key.CacheTTLMinutes > 0 {
			ttl = time.Duration(cand.Key.CacheTTLMinutes) * time.Minute
		}
		if cand.IsCached {
			g.affinity.Touch(g.baseCtx, k, ttl)
			if g.metrics != nil {
				g.metrics.AffinityHit()
			}
		} else {
			g.affinity.Put(g.baseCtx, k, cand.Provider.ID, cand.Endpoint.ID, cand.Key.ID, ttl)
			if g.metrics != nil {
				g.metrics.AffinityMiss()
			}
		}
	}

	if g.adaptive != nil && cand.Key.Adaptive() {
		g.adaptive.RecordSuccess(g.baseCtx, cand.Key.ID, rpmCount)
	}

	cost := usage.AttemptCost(req.model, cand.Binding, cand.Provider, cand.Key, cand.Endpoint.Format, u)
	latency := time.Since(started)

	if g.recorder != nil {
		row := usage.Row{
			RequestID:  req.id,
			APIKeyID:   req.apiKey.ID,
			ProviderID: cand.Provider.ID,
			EndpointID: cand.Endpoint.ID,
			KeyID:      cand.Key.ID,
			ModelName:  req.model.Name,
			Format:     cand.Endpoint.Format,
			Usage:      u,
			CostUSD:    cost,
			IsStream:   stream,
			StatusCode: fasthttp.StatusOK,
			LatencyMs:  latency.Milliseconds(),
			TTFBMs:     ttfb.Milliseconds(),
		}
		if req.user != nil {
			row.UserID = req.user.ID
		}
		if err := g.recorder.Record(g.baseCtx, row); err != nil {
			if errors.Is(err, usage.ErrQuotaExceeded) {
				g.log.WarnContext(g.baseCtx, "quota_exceeded_post_hoc",
					slog.String("request_id", req.id),
					slog.String("api_key_id", req.apiKey.ID),
				)
			} else {
				g.log.ErrorContext(g.baseCtx, "usage_record_error",
					slog.String("request_id", req.id),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveAttempt(cand.Provider.ID, string(cand.Endpoint.Format), "success", latency)
		g.metrics.AddTokens(cand.Provider.ID, string(cand.Endpoint.Format), u.InputTokens, u.OutputTokens, cand.IsCached)
	}

	g.emitTelemetry(req, cand, idx, "success", fasthttp.StatusOK, "", latency, ttfb, u, cost, stream, started)

	g.log.InfoContext(g.baseCtx, "attempt_ok",
		slog.String("request_id", req.id),
		slog.Int("candidate_index", idx),
		slog.String("provider_id", cand.Provider.ID),
		slog.String("endpoint_id", cand.Endpoint.ID),
		slog.Bool("cached", cand.IsCached),
		slog.Bool("converted", cand.NeedsConversion),
		slog.Int("input_tokens", u.InputTokens),
		slog.Int("output_tokens", u.OutputTokens),
		slog.Duration("elapsed", latency),
	)
}

// recordAttempt logs and exports one failed or abandoned attempt.
func (g *Gateway) recordAttempt(req *request, cand routing.Candidate, idx int, cls Classification, ttfb time.Duration, started time.Time) {
	latency := time.Since(started)
	if g.metrics != nil {
		g.metrics.ObserveAttempt(cand.Provider.ID, string(cand.Endpoint.Format), cls.Class, latency)
	}
	status := "failed"
	if cls.Outcome == OutcomeNextCandidate {
		status = "skipped"
	}
	g.emitTelemetry(req, cand, idx, status, cls.Status, cls.Class, latency, ttfb, codec.Usage{}, 0, req.stream, started)

	g.log.WarnContext(g.baseCtx, "attempt_failed",
		slog.String("request_id", req.id),
		slog.Int("candidate_index", idx),
		slog.String("provider_id", cand.Provider.ID),
		slog.String("endpoint_id", cand.Endpoint.ID),
		slog.String("class", cls.Class),
		slog.Int("upstream_status", cls.Status),
		slog.Duration("elapsed", latency),
	)
}

func (g *Gateway) emitTelemetry(req *request, cand routing.Candidate, idx int, status string, code int, class string, latency, ttfb time.Duration, u codec.Usage, cost float64, stream bool, started time.Time) {
	if g.telemetry == nil {
		return
	}
	g.telemetry.Record(telemetry.Attempt{
		RequestID:       req.id,
		CandidateIndex:  uint8(min(idx, 255)),
		ProviderID:      cand.Provider.ID,
		EndpointID:      cand.Endpoint.ID,
		KeyID:           cand.Key.ID,
		ClientFormat:    string(req.format),
		TargetFormat:    string(cand.Endpoint.Format),
		NeedsConversion: cand.NeedsConversion,
		IsCached:        cand.IsCached,
		IsStream:        stream,
		Status:          status,
		StatusCode:      uint16(code),
		ErrorClass:      class,
		LatencyMs:       uint32(latency.Milliseconds()),
		TTFBMs:          uint32(ttfb.Milliseconds()),
		InputTokens:     uint32(u.InputTokens),
		OutputTokens:    uint32(u.OutputTokens),
		CostUSD:         cost,
		StartedAt:       started,
		FinishedAt:      time.Now(),
	})
}

func (g *Gateway) writeBuildError(ctx *fasthttp.RequestCtx, req *request, modelName string, err error) {
	var nf *routing.ModelNotFoundError
	var fb *routing.ForbiddenError
	var nc *routing.NoCandidatesError
	switch {
	case errors.As(err, &nf):
		apierr.WriteModelNotFound(ctx, g.registry, req.format, modelName)
	case errors.As(err, &fb):
		apierr.WriteForbidden(ctx, g.registry, req.format, fb.Reason)
	case errors.As(err, &nc):
		apierr.WriteExhausted(ctx, g.registry, req.format)
	default:
		apierr.WriteInternal(ctx, g.registry, req.format)
	}
}

func requestIDOf(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue("request_id").(string)
	return id
}

func clientHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	out := make(map[string]string, 16)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		out[string(k)] = string(v)
	})
	return out
}

