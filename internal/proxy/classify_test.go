package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/codec"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
)

// timeoutErr satisfies net.Error with Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyGuardRejection(t *testing.T) {
	err := &ratelimit.ConcurrencyLimitError{KeyID: "key-1", Count: 60, Limit: 60}
	cls := classify(0, nil, err)

	if cls.Outcome != OutcomeNextCandidate {
		t.Errorf("expected OutcomeNextCandidate, got %v", cls.Outcome)
	}
	if cls.Class != "rpm_guard" {
		t.Errorf("expected class rpm_guard, got %q", cls.Class)
	}
}

func TestClassifyEmbeddedError(t *testing.T) {
	err := &embeddedError{upstream: &codec.UpstreamError{
		Type:    codec.ErrRateLimit,
		Message: "resource exhausted",
	}}
	cls := classify(0, nil, err)

	if cls.Outcome != OutcomeRateLimited {
		t.Errorf("expected OutcomeRateLimited, got %v", cls.Outcome)
	}
	if cls.Class != "embedded_error" {
		t.Errorf("expected class embedded_error, got %q", cls.Class)
	}
}

func TestClassifyConversionError(t *testing.T) {
	err := &codec.ConversionError{Source: "gemini", Target: "claude", Reason: "unsupported block"}
	cls := classify(0, nil, err)

	if cls.Outcome != OutcomeRetry {
		t.Errorf("expected OutcomeRetry, got %v", cls.Outcome)
	}
	if cls.Class != "conversion" {
		t.Errorf("expected class conversion, got %q", cls.Class)
	}
	if cls.Status != 400 {
		t.Errorf("expected status 400, got %d", cls.Status)
	}
}

func TestClassifyTimeout(t *testing.T) {
	for _, err := range []error{context.DeadlineExceeded, timeoutErr{}} {
		cls := classify(0, nil, err)
		if cls.Outcome != OutcomeRetry {
			t.Errorf("%v: expected OutcomeRetry, got %v", err, cls.Outcome)
		}
		if cls.Class != "timeout" {
			t.Errorf("%v: expected class timeout, got %q", err, cls.Class)
		}
		if cls.Status != 504 {
			t.Errorf("%v: expected status 504, got %d", err, cls.Status)
		}
	}
}

func TestClassifyConnectionFailure(t *testing.T) {
	cls := classify(0, nil, errors.New("dial tcp: connection refused"))

	if cls.Outcome != OutcomeRetry {
		t.Errorf("expected OutcomeRetry, got %v", cls.Outcome)
	}
	if cls.Class != "connection" {
		t.Errorf("expected class connection, got %q", cls.Class)
	}
	if cls.Status != 502 {
		t.Errorf("expected status 502, got %d", cls.Status)
	}
}

func TestClassifyRateLimitStatuses(t *testing.T) {
	tests := []struct {
		name    string
		message string
		wantCap bool
	}{
		{"plain_rpm", "rate limit exceeded, try again later", false},
		{"concurrent", "too many concurrent requests", true},
		{"parallel", "number of parallel requests exceeds your plan", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			uerr := &codec.UpstreamError{Type: codec.ErrRateLimit, Message: tc.message}
			cls := classify(429, uerr, nil)

			if cls.Outcome != OutcomeRateLimited {
				t.Errorf("expected OutcomeRateLimited, got %v", cls.Outcome)
			}
			if cls.ConcurrencyCap != tc.wantCap {
				t.Errorf("ConcurrencyCap: expected %v, got %v", tc.wantCap, cls.ConcurrencyCap)
			}
		})
	}
}

func TestClassify429WithoutParsedError(t *testing.T) {
	cls := classify(429, nil, nil)

	if cls.Outcome != OutcomeRateLimited {
		t.Errorf("expected OutcomeRateLimited, got %v", cls.Outcome)
	}
	if cls.ConcurrencyCap {
		t.Error("bare 429 should not be read as a concurrency cap")
	}
}

func TestClassifyAuthFailures(t *testing.T) {
	for _, status := range []int{401, 403} {
		cls := classify(status, nil, nil)
		if cls.Outcome != OutcomeOpenCircuit {
			t.Errorf("status %d: expected OutcomeOpenCircuit, got %v", status, cls.Outcome)
		}
	}

	uerr := &codec.UpstreamError{Type: codec.ErrAuthentication, Message: "invalid x-api-key"}
	cls := classify(200, uerr, nil)
	if cls.Outcome != OutcomeOpenCircuit {
		t.Errorf("typed auth error: expected OutcomeOpenCircuit, got %v", cls.Outcome)
	}
}

func TestClassifySurfacesClientFaults(t *testing.T) {
	for _, status := range []int{400, 404, 413, 422} {
		cls := classify(status, nil, nil)
		if cls.Outcome != OutcomeSurface {
			t.Errorf("status %d: expected OutcomeSurface, got %v", status, cls.Outcome)
		}
		if cls.Status != status {
			t.Errorf("status %d: surfaced as %d", status, cls.Status)
		}
	}
}

func TestClassifyContextLengthSurfacesAs400(t *testing.T) {
	// A 200-with-error body that reports a context overflow must reach
	// the client as a 4xx, not the unusable upstream status.
	uerr := &codec.UpstreamError{Type: codec.ErrContextLengthExceeded, Message: "prompt is too long"}
	cls := classify(200, uerr, nil)

	if cls.Outcome != OutcomeSurface {
		t.Fatalf("expected OutcomeSurface, got %v", cls.Outcome)
	}
	if cls.Status != 400 {
		t.Errorf("expected status 400, got %d", cls.Status)
	}
}

func TestClassifyServerErrorsRetry(t *testing.T) {
	for _, status := range []int{500, 502, 503, 529} {
		cls := classify(status, nil, nil)
		if cls.Outcome != OutcomeRetry {
			t.Errorf("status %d: expected OutcomeRetry, got %v", status, cls.Outcome)
		}
	}

	uerr := &codec.UpstreamError{Type: codec.ErrOverloaded, Message: "overloaded"}
	cls := classify(529, uerr, nil)
	if cls.Outcome != OutcomeRetry {
		t.Errorf("typed overloaded error: expected OutcomeRetry, got %v", cls.Outcome)
	}
}

func TestClassifyUnknownStatusRetries(t *testing.T) {
	cls := classify(418, nil, nil)

	if cls.Outcome != OutcomeRetry {
		t.Errorf("expected OutcomeRetry, got %v", cls.Outcome)
	}
	if cls.Class != "unclassified" {
		t.Errorf("expected class unclassified, got %q", cls.Class)
	}
}
