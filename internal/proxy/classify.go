package proxy

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/codec"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/valyala/fasthttp"
)

// Outcome is the orchestrator's verdict on one failed attempt.
type Outcome int

const (
	// OutcomeRetry moves on to the next candidate and counts toward the
	// key's recent-failure window.
	OutcomeRetry Outcome = iota

	// OutcomeNextCandidate moves on without any health effect
	// (guard rejections).
	OutcomeNextCandidate

	// OutcomeRateLimited moves on and lowers the key's learned RPM
	// limit when the key is adaptive. No health effect.
	OutcomeRateLimited

	// OutcomeOpenCircuit records an auth failure for the (key, format)
	// cell and moves on.
	OutcomeOpenCircuit

	// OutcomeSurface stops the loop and returns the error to the
	// client in its own dialect.
	OutcomeSurface
)

// Classification carries the verdict plus labels for telemetry.
type Classification struct {
	Outcome Outcome

	// Class is a short machine-readable label ("upstream_429",
	// "connection", "embedded_error", ...).
	Class string

	// Status is the status code to surface when Outcome is
	// OutcomeSurface, or the upstream status observed otherwise.
	Status int

	// ConcurrencyCap marks a 429 that reports a concurrent-request
	// cap rather than an RPM boundary. The adaptive controller counts
	// these without lowering the learned limit.
	ConcurrencyCap bool
}

// embeddedError wraps an error envelope found inside a 200 response
// (streaming prefetch window or body sniff).
type embeddedError struct {
	upstream *codec.UpstreamError
}

func (e *embeddedError) Error() string {
	return "embedded upstream error: " + e.upstream.Message
}

// classify maps (upstream status, parsed error, transport error) to one
// of the orchestrator's outcomes.
func classify(status int, upstream *codec.UpstreamError, err error) Classification {
	var cle *ratelimit.ConcurrencyLimitError
	if errors.As(err, &cle) {
		return Classification{Outcome: OutcomeNextCandidate, Class: "rpm_guard", Status: status}
	}

	var emb *embeddedError
	if errors.As(err, &emb) {
		upstream = emb.upstream
		if status == 0 {
			status = fasthttp.StatusOK
		}
		return classifyUpstream(status, upstream, "embedded_error")
	}

	var conv *codec.ConversionError
	if errors.As(err, &conv) {
		return Classification{Outcome: OutcomeRetry, Class: "conversion", Status: fasthttp.StatusBadRequest}
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Classification{Outcome: OutcomeRetry, Class: "timeout", Status: fasthttp.StatusGatewayTimeout}
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return Classification{Outcome: OutcomeRetry, Class: "timeout", Status: fasthttp.StatusGatewayTimeout}
		}
		if status == 0 {
			return Classification{Outcome: OutcomeRetry, Class: "connection", Status: fasthttp.StatusBadGateway}
		}
	}

	return classifyUpstream(status, upstream, "")
}

func classifyUpstream(status int, upstream *codec.UpstreamError, class string) Classification {
	if upstream != nil {
		switch upstream.Type {
		case codec.ErrRateLimit:
			return Classification{
				Outcome:        OutcomeRateLimited,
				Class:          orClass(class, "upstream_429"),
				Status:         status,
				ConcurrencyCap: mentionsConcurrency(upstream.Message),
			}
		case codec.ErrAuthentication, codec.ErrPermissionDenied:
			return Classification{Outcome: OutcomeOpenCircuit, Class: orClass(class, "upstream_auth"), Status: status}
		case codec.ErrOverloaded, codec.ErrServerError:
			return Classification{Outcome: OutcomeRetry, Class: orClass(class, "upstream_5xx"), Status: status}
		case codec.ErrInvalidRequest, codec.ErrNotFound, codec.ErrContextLengthExceeded, codec.ErrContentFiltered:
			return Classification{Outcome: OutcomeSurface, Class: orClass(class, "client_error"), Status: surfaceStatus(status)}
		}
	}

	switch {
	case status == fasthttp.StatusTooManyRequests:
		msg := ""
		if upstream != nil {
			msg = upstream.Message
		}
		return Classification{
			Outcome:        OutcomeRateLimited,
			Class:          orClass(class, "upstream_429"),
			Status:         status,
			ConcurrencyCap: mentionsConcurrency(msg),
		}
	case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
		return Classification{Outcome: OutcomeOpenCircuit, Class: orClass(class, "upstream_auth"), Status: status}
	case status == fasthttp.StatusBadRequest ||
		status == fasthttp.StatusRequestEntityTooLarge ||
		status == fasthttp.StatusUnprocessableEntity ||
		status == fasthttp.StatusNotFound:
		return Classification{Outcome: OutcomeSurface, Class: orClass(class, "client_error"), Status: status}
	case status >= 500:
		return Classification{Outcome: OutcomeRetry, Class: orClass(class, "upstream_5xx"), Status: status}
	}

	return Classification{Outcome: OutcomeRetry, Class: orClass(class, "unclassified"), Status: status}
}

// surfaceStatus picks the code returned to the client when the upstream
// error is the client's fault but the upstream status is unusable.
func surfaceStatus(status int) int {
	if status >= 400 && status < 500 {
		return status
	}
	return fasthttp.StatusBadRequest
}

func orClass(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func mentionsConcurrency(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "concurren") || strings.Contains(m, "parallel")
}
