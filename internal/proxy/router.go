package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/pkg/apierr"
)

// ManagementRoutes holds optional operator handlers registered
// alongside the relay routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full fasthttp handler with the middleware chain
// applied. Exposed separately from Start for tests.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/messages", g.handleClaude)
	r.POST("/v1/chat/completions", g.handleOpenAIChat)
	r.POST("/v1/responses", g.handleOpenAIResponses)
	r.POST("/v1beta/models/{action}", g.handleGemini)

	r.GET("/v1/models", g.handleListModels)
	r.GET("/v1beta/models", g.handleListGeminiModels)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	mws := []func(fasthttp.RequestHandler) fasthttp.RequestHandler{
		recovery,
		requestID,
		timing,
	}
	if g.metrics != nil {
		mws = append(mws, g.httpMetrics)
	}
	mws = append(mws, corsHandler(g.corsOrigins), securityHeaders)
	return applyMiddleware(r.Handler, mws...)
}

// httpMetrics exports per-route counters and latency. For streams the
// duration measures time to commit, not the full stream.
func (g *Gateway) httpMetrics(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		g.metrics.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start))
	}
}

// Start serves addr (e.g. ":8080") until the listener fails.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streams run longer than any fixed write budget
		StreamRequestBody:  true,
		CloseOnShutdown:    true,
		MaxRequestBodySize: 32 << 20,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleClaude(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, dispatchInput{format: apiformat.Claude})
}

func (g *Gateway) handleOpenAIChat(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, dispatchInput{format: apiformat.OpenAI})
}

func (g *Gateway) handleOpenAIResponses(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, dispatchInput{format: apiformat.OpenAICLI})
}

// handleGemini serves both generateContent and streamGenerateContent;
// the model and action share one path segment.
func (g *Gateway) handleGemini(ctx *fasthttp.RequestCtx) {
	seg, _ := ctx.UserValue("action").(string)
	model, action, ok := strings.Cut(seg, ":")
	if !ok {
		apierr.WriteInvalidRequest(ctx, g.registry, apiformat.Gemini, "expected {model}:{action} in path")
		return
	}
	var stream bool
	switch action {
	case "generateContent":
		stream = false
	case "streamGenerateContent":
		stream = true
	default:
		apierr.WriteInvalidRequest(ctx, g.registry, apiformat.Gemini, "unsupported action: "+action)
		return
	}
	g.dispatch(ctx, dispatchInput{
		format:        apiformat.Gemini,
		modelOverride: model,
		streamFromURL: &stream,
	})
}

// handleListModels serves the Claude and OpenAI model listings, which
// share a path. The auth header style picks the response shape.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	format := apiformat.OpenAI
	if len(ctx.Request.Header.Peek("x-api-key")) > 0 {
		format = apiformat.Claude
	}
	req := &request{id: requestIDOf(ctx), format: format, headers: clientHeaders(ctx)}
	if !g.authenticate(ctx, req) {
		return
	}

	models := g.visibleModels(req)
	if format == apiformat.Claude {
		data := make([]map[string]any, 0, len(models))
		for _, m := range models {
			data = append(data, map[string]any{"type": "model", "id": m.Name, "display_name": displayName(m)})
		}
		writeJSON(ctx, map[string]any{"data": data, "has_more": false})
		return
	}
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{"id": m.Name, "object": "model", "owned_by": "system"})
	}
	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

func (g *Gateway) handleListGeminiModels(ctx *fasthttp.RequestCtx) {
	req := &request{id: requestIDOf(ctx), format: apiformat.Gemini, headers: clientHeaders(ctx)}
	if !g.authenticate(ctx, req) {
		return
	}
	visible := g.visibleModels(req)
	models := make([]map[string]any, 0, len(visible))
	for _, m := range visible {
		models = append(models, map[string]any{
			"name":                       "models/" + m.Name,
			"displayName":                displayName(m),
			"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
		})
	}
	writeJSON(ctx, map[string]any{"models": models})
}

// visibleModels lists the catalog models the caller's policy admits.
func (g *Gateway) visibleModels(req *request) []*catalog.GlobalModel {
	policy := catalog.PolicyFor(req.user, req.apiKey)
	var visible []*catalog.GlobalModel
	for _, m := range g.cat.Models {
		if !policy.AllowsModel(m.Name) {
			continue
		}
		visible = append(visible, m)
	}
	return visible
}

func displayName(m *catalog.GlobalModel) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
