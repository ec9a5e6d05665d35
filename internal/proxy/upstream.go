package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
)

const (
	defaultEndpointTimeout = 120 * time.Second
	maxErrorBodyBytes      = 1 << 20
)

// Upstream performs raw HTTP requests against provider endpoints. The
// relay forwards dialect bytes as-is, so there is no SDK in this path;
// responses are either buffered (non-stream) or handed over as a body
// reader (stream).
type Upstream struct {
	client *http.Client
}

func NewUpstream() *Upstream {
	return &Upstream{
		client: &http.Client{
			// Per-attempt deadlines come from the request context.
			// Streams must outlive any fixed client timeout.
			Timeout: 0,
			Transport: &http.Transport{
				MaxIdleConns:          256,
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

// UpstreamResult is one upstream exchange. For streams Body is nil and
// Stream must be closed by the caller.
type UpstreamResult struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
	Stream     io.ReadCloser
}

// Do sends body to url with the given headers. When stream is true and
// the upstream answers 200, the response body is returned unread as
// Result.Stream; error statuses are buffered so the caller can parse
// the envelope either way.
func (u *Upstream) Do(ctx context.Context, url string, hdr map[string]string, body []byte, stream bool) (*UpstreamResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: upstream request: %w", err)
	}

	res := &UpstreamResult{
		StatusCode: resp.StatusCode,
		Header:     flattenHeader(resp.Header),
	}

	if stream && resp.StatusCode == http.StatusOK {
		res.Stream = resp.Body
		return res, nil
	}

	defer resp.Body.Close()
	limit := io.LimitReader(resp.Body, maxErrorBodyBytes)
	if resp.StatusCode == http.StatusOK {
		limit = resp.Body
	}
	data, err := io.ReadAll(limit)
	if err != nil {
		return nil, fmt.Errorf("proxy: read upstream body: %w", err)
	}
	res.Body = data
	return res, nil
}

// buildUpstreamURL joins the endpoint base with its custom path or the
// dialect default. Gemini paths carry the model and stream action in
// the URL; streaming additionally requests SSE framing.
func buildUpstreamURL(endpoint *catalog.Endpoint, model string, stream bool) string {
	path := endpoint.CustomPath
	if path == "" {
		path = apiformat.DefaultPath(endpoint.Format)
	}

	if strings.Contains(path, "{model}") {
		path = strings.ReplaceAll(path, "{model}", model)
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		path = strings.ReplaceAll(path, "{action}", action)
	}

	url := strings.TrimSuffix(endpoint.BaseURL, "/") + path
	if stream {
		def, ok := apiformat.Lookup(endpoint.Format)
		if ok && !def.StreamInBody {
			url += "?alt=sse"
		}
	}
	return url
}

// endpointTimeout returns the per-attempt deadline for non-stream
// requests.
func endpointTimeout(endpoint *catalog.Endpoint) time.Duration {
	if endpoint.TimeoutSeconds > 0 {
		return time.Duration(endpoint.TimeoutSeconds) * time.Second
	}
	return defaultEndpointTimeout
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
