// Package apierr renders client-facing errors in the caller's own wire
// dialect, with HTTP status mapping shared across handlers.
package apierr

import (
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

// StatusClientClosedRequest is the nginx-style code recorded when the
// client disconnects mid-request.
const StatusClientClosedRequest = 499

// Write renders err as the dialect's error envelope with the given
// HTTP status.
func Write(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format, status int, errType codec.ErrorType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(reg.RenderError(&codec.UpstreamError{Type: errType, Message: message}, format))
}

// WriteUpstream surfaces a parsed upstream error to the client,
// re-rendered in the client dialect.
func WriteUpstream(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format, status int, uerr *codec.UpstreamError) {
	if uerr == nil {
		uerr = &codec.UpstreamError{Type: codec.ErrUnknown, Message: "upstream error"}
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(reg.RenderError(uerr, format))
}

// WriteInvalidRequest writes a 400 in the client dialect.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format, message string) {
	Write(ctx, reg, format, fasthttp.StatusBadRequest, codec.ErrInvalidRequest, message)
}

// WriteUnauthorized writes a 401 for a missing or unknown client key.
func WriteUnauthorized(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format) {
	Write(ctx, reg, format, fasthttp.StatusUnauthorized, codec.ErrAuthentication, "invalid or missing API key")
}

// WriteForbidden writes a 403 for a policy denial.
func WriteForbidden(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format, reason string) {
	Write(ctx, reg, format, fasthttp.StatusForbidden, codec.ErrPermissionDenied, reason)
}

// WriteModelNotFound writes a 404 for an unresolvable model name.
func WriteModelNotFound(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format, model string) {
	Write(ctx, reg, format, fasthttp.StatusNotFound, codec.ErrNotFound, "model not found: "+model)
}

// WriteRateLimit writes a 429 with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format, message string) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, reg, format, fasthttp.StatusTooManyRequests, codec.ErrRateLimit, message)
}

// WriteTimeout writes a 504 after the last candidate timed out.
func WriteTimeout(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format) {
	Write(ctx, reg, format, fasthttp.StatusGatewayTimeout, codec.ErrServerError, "upstream request timed out")
}

// WriteExhausted writes a 502 after every candidate failed.
func WriteExhausted(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format) {
	Write(ctx, reg, format, fasthttp.StatusBadGateway, codec.ErrServerError, "no upstream candidate available")
}

// WriteInternal writes a 500 for an unclassified failure.
func WriteInternal(ctx *fasthttp.RequestCtx, reg *codec.Registry, format apiformat.Format) {
	Write(ctx, reg, format, fasthttp.StatusInternalServerError, codec.ErrServerError, "internal server error")
}
