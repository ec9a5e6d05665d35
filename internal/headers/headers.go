// Package headers builds the header set sent upstream and filters what
// comes back. Client headers are forwarded minus authentication and
// transport-management fields, endpoint configuration and header rules
// are layered on top, and the provider credential is injected last so
// nothing can override it.
package headers

import (
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
)

// upstreamDropHeaders are removed from client headers before
// forwarding: auth fields get replaced by the provider credential, the
// rest is managed by the HTTP client.
var upstreamDropHeaders = map[string]bool{
	"authorization":     true,
	"x-api-key":         true,
	"x-goog-api-key":    true,
	"host":              true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
	"accept-encoding":   true,
}

// hopByHopHeaders per RFC 7230 section 6.1.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// responseDropHeaders are stripped from upstream responses: the body
// may be rewritten by conversion, so body-dependent fields cannot be
// forwarded, and hop-by-hop fields never cross a proxy.
var responseDropHeaders = func() map[string]bool {
	m := map[string]bool{
		"content-length":    true,
		"content-encoding":  true,
		"transfer-encoding": true,
		"content-type":      true,
	}
	for k := range hopByHopHeaders {
		m[k] = true
	}
	return m
}()

// redactHeaders are masked in log output.
var redactHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
}

// Builder accumulates headers under lowercase keys, preserving the
// original casing of the last writer.
type Builder struct {
	entries map[string]entry
}

type entry struct {
	key   string
	value string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{entries: make(map[string]entry)}
}

// Add sets one header, overwriting any same-named header.
func (b *Builder) Add(key, value string) *Builder {
	b.entries[strings.ToLower(key)] = entry{key: key, value: value}
	return b
}

// AddMany sets every header in m.
func (b *Builder) AddMany(m map[string]string) *Builder {
	for k, v := range m {
		b.Add(k, v)
	}
	return b
}

// AddProtected sets headers from m, skipping protected keys.
func (b *Builder) AddProtected(m map[string]string, protected map[string]bool) *Builder {
	for k, v := range m {
		if !protected[strings.ToLower(k)] {
			b.Add(k, v)
		}
	}
	return b
}

// Remove drops one header if present.
func (b *Builder) Remove(key string) *Builder {
	delete(b.entries, strings.ToLower(key))
	return b
}

// Rename moves the value of from under to, keeping the value. A
// missing from key is a no-op.
func (b *Builder) Rename(from, to string) *Builder {
	e, ok := b.entries[strings.ToLower(from)]
	if !ok {
		return b
	}
	delete(b.entries, strings.ToLower(from))
	b.entries[strings.ToLower(to)] = entry{key: to, value: e.value}
	return b
}

// ApplyRules runs the endpoint's set, drop, rename mutations in that
// order. Protected keys and names that are not valid header tokens are
// skipped.
func (b *Builder) ApplyRules(rules *catalog.HeaderRules, protected map[string]bool) *Builder {
	if rules == nil {
		return b
	}
	for k, v := range rules.Set {
		if validToken(k) && !protected[strings.ToLower(k)] {
			b.Add(k, v)
		}
	}
	for _, k := range rules.Drop {
		if !protected[strings.ToLower(k)] {
			b.Remove(k)
		}
	}
	for from, to := range rules.Rename {
		if !validToken(to) {
			continue
		}
		if protected[strings.ToLower(from)] || protected[strings.ToLower(to)] {
			continue
		}
		b.Rename(from, to)
	}
	return b
}

// Build returns the accumulated header map with original casing.
func (b *Builder) Build() map[string]string {
	out := make(map[string]string, len(b.entries))
	for _, e := range b.entries {
		out[e.key] = e.value
	}
	return out
}

// BuildUpstream assembles the headers for one upstream attempt.
//
// Layering, later wins: client headers minus the drop set, endpoint
// static headers (auth protected), endpoint header rules, the format's
// extra headers, the provider credential. Content-Type defaults to
// application/json.
//
// authKind selects credential placement: api_key uses the format's
// natural auth header, oauth always sends Authorization: Bearer.
func BuildUpstream(
	clientHeaders map[string]string,
	format apiformat.Format,
	secret string,
	authKind catalog.KeyAuthKind,
	endpoint *catalog.Endpoint,
) map[string]string {
	authHeader, authType := apiformat.AuthConfig(format)
	if authKind == catalog.KeyAuthOAuth {
		authHeader, authType = "Authorization", apiformat.AuthBearer
	}
	authValue := secret
	if authType == apiformat.AuthBearer {
		authValue = "Bearer " + secret
	}
	protected := map[string]bool{
		strings.ToLower(authHeader): true,
		"content-type":              true,
	}

	b := NewBuilder()
	for k, v := range clientHeaders {
		lk := strings.ToLower(k)
		if !upstreamDropHeaders[lk] && !hopByHopHeaders[lk] {
			b.Add(k, v)
		}
	}
	if endpoint != nil {
		b.AddProtected(endpoint.Headers, protected)
		b.ApplyRules(endpoint.HeaderRules, protected)
	}
	b.AddProtected(apiformat.ExtraHeaders(format), map[string]bool{strings.ToLower(authHeader): true})
	b.Add(authHeader, authValue)

	out := b.Build()
	if _, ok := lookup(out, "content-type"); !ok {
		out["Content-Type"] = "application/json"
	}
	return out
}

// ExtractClientKey pulls the client credential from the request
// headers for the given dialect. Claude clients may send either
// x-api-key or a bearer Authorization header.
func ExtractClientKey(h map[string]string, format apiformat.Format) (string, bool) {
	authHeader, authType := apiformat.AuthConfig(format)
	if v, ok := lookup(h, authHeader); ok {
		if authType == apiformat.AuthBearer {
			if bearer, ok := cutBearer(v); ok {
				return bearer, true
			}
			return "", false
		}
		return v, true
	}
	// Claude tooling commonly sends Authorization: Bearer instead of
	// x-api-key; accept both.
	if authType == apiformat.AuthHeader {
		if v, ok := lookup(h, "Authorization"); ok {
			if bearer, ok := cutBearer(v); ok {
				return bearer, true
			}
		}
	}
	return "", false
}

func cutBearer(v string) (string, bool) {
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return v[7:], true
	}
	return "", false
}

// FilterResponse strips body-dependent and hop-by-hop headers from an
// upstream response.
func FilterResponse(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if !responseDropHeaders[strings.ToLower(k)] {
			out[k] = v
		}
	}
	return out
}

// Redact masks credential values for logging.
func Redact(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if redactHeaders[strings.ToLower(k)] {
			out[k] = "***"
		} else {
			out[k] = v
		}
	}
	return out
}

func lookup(h map[string]string, key string) (string, bool) {
	for k, v := range h {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// validToken reports whether s is a valid header field name per RFC
// 7230 (tchar only, non-empty).
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
