// Package apiformat defines the wire dialects the relay speaks and the
// per-dialect metadata used for routing, auth injection and passthrough
// decisions.
package apiformat

import (
	"regexp"
	"strings"
)

// Format identifies a client- or endpoint-facing wire dialect.
type Format string

const (
	Claude          Format = "CLAUDE"
	ClaudeCLI       Format = "CLAUDE_CLI"
	OpenAI          Format = "OPENAI"
	OpenAICLI       Format = "OPENAI_CLI"
	Gemini          Format = "GEMINI"
	GeminiCLI       Format = "GEMINI_CLI"
	FormatUnknown   Format = ""
	defaultAuthName        = "Authorization"
)

// AuthType selects how the key material is placed in the auth header.
type AuthType string

const (
	// AuthBearer writes "Bearer <key>" into the header.
	AuthBearer AuthType = "bearer"
	// AuthHeader writes the raw key value into the header.
	AuthHeader AuthType = "header"
)

// Definition carries everything format-generic code needs to know about
// a dialect: where requests go by default, how keys are attached, which
// headers the dialect requires, and which data shape it speaks.
type Definition struct {
	Format      Format
	Aliases     []string
	DefaultPath string
	AuthHeader  string
	AuthType    AuthType

	// ExtraHeaders are headers the dialect requires on every upstream
	// request, e.g. anthropic-version for Claude.
	ExtraHeaders map[string]string

	// ProtectedKeys are lowercase header names that endpoint header
	// rules and extra headers must never override.
	ProtectedKeys map[string]bool

	// ModelInBody is false for dialects that carry the model in the
	// URL path instead of the request body (Gemini).
	ModelInBody bool

	// StreamInBody is false for dialects that signal streaming by URL
	// (Gemini's :streamGenerateContent) instead of a body flag.
	StreamInBody bool

	// DataFormatID groups dialects that share a body shape. Two
	// formats with the same id can exchange bodies without conversion.
	DataFormatID string
}

var definitions = map[Format]Definition{
	Claude: {
		Format:        Claude,
		Aliases:       []string{"claude", "anthropic", "claude_compatible"},
		DefaultPath:   "/v1/messages",
		AuthHeader:    "x-api-key",
		AuthType:      AuthHeader,
		ExtraHeaders:  map[string]string{"anthropic-version": "2023-06-01"},
		ProtectedKeys: protect("x-api-key", "content-type", "anthropic-version"),
		ModelInBody:   true,
		StreamInBody:  true,
		DataFormatID:  "claude",
	},
	ClaudeCLI: {
		Format:        ClaudeCLI,
		Aliases:       []string{"claude_cli", "claude-cli"},
		DefaultPath:   "/v1/messages",
		AuthHeader:    defaultAuthName,
		AuthType:      AuthBearer,
		ProtectedKeys: protect("authorization", "content-type"),
		ModelInBody:   true,
		StreamInBody:  true,
		DataFormatID:  "claude",
	},
	OpenAI: {
		Format: OpenAI,
		Aliases: []string{
			"openai", "deepseek", "grok", "moonshot", "zhipu",
			"qwen", "baichuan", "minimax", "openai_compatible",
		},
		DefaultPath:   "/v1/chat/completions",
		AuthHeader:    defaultAuthName,
		AuthType:      AuthBearer,
		ProtectedKeys: protect("authorization", "content-type"),
		ModelInBody:   true,
		StreamInBody:  true,
		DataFormatID:  "openai_chat",
	},
	OpenAICLI: {
		Format:        OpenAICLI,
		Aliases:       []string{"openai_cli", "responses"},
		DefaultPath:   "/v1/responses",
		AuthHeader:    defaultAuthName,
		AuthType:      AuthBearer,
		ProtectedKeys: protect("authorization", "content-type"),
		ModelInBody:   true,
		StreamInBody:  true,
		DataFormatID:  "openai_responses",
	},
	Gemini: {
		Format:        Gemini,
		Aliases:       []string{"gemini", "google", "vertex"},
		DefaultPath:   "/v1beta/models/{model}:{action}",
		AuthHeader:    "x-goog-api-key",
		AuthType:      AuthHeader,
		ProtectedKeys: protect("x-goog-api-key", "content-type"),
		ModelInBody:   false,
		StreamInBody:  false,
		DataFormatID:  "gemini",
	},
	GeminiCLI: {
		Format:        GeminiCLI,
		Aliases:       []string{"gemini_cli", "gemini-cli"},
		DefaultPath:   "/v1beta/models/{model}:{action}",
		AuthHeader:    "x-goog-api-key",
		AuthType:      AuthHeader,
		ProtectedKeys: protect("x-goog-api-key", "content-type"),
		ModelInBody:   false,
		StreamInBody:  false,
		DataFormatID:  "gemini",
	},
}

var aliasLookup = buildAliasLookup()

func protect(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func buildAliasLookup() map[string]Format {
	lookup := make(map[string]Format)
	for f, def := range definitions {
		if _, ok := lookup[NormalizeAlias(string(f))]; !ok {
			lookup[NormalizeAlias(string(f))] = f
		}
		for _, alias := range def.Aliases {
			n := NormalizeAlias(alias)
			if n == "" {
				continue
			}
			if _, ok := lookup[n]; !ok {
				lookup[n] = f
			}
		}
	}
	return lookup
}

// Lookup returns the definition for f. The second return is false for
// unknown formats.
func Lookup(f Format) (Definition, bool) {
	def, ok := definitions[f]
	return def, ok
}

// All returns the definitions of every registered format.
func All() []Definition {
	out := make([]Definition, 0, len(definitions))
	for _, def := range definitions {
		out = append(out, def)
	}
	return out
}

var aliasNormalizer = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeAlias lowercases an alias and folds runs of non-alphanumeric
// characters into single underscores.
func NormalizeAlias(value string) string {
	text := strings.ToLower(strings.TrimSpace(value))
	text = aliasNormalizer.ReplaceAllString(text, "_")
	return strings.Trim(text, "_")
}

// Resolve parses a format name or alias. Returns FormatUnknown when the
// value matches nothing.
func Resolve(value string) Format {
	v := strings.TrimSpace(value)
	if v == "" {
		return FormatUnknown
	}
	if _, ok := definitions[Format(strings.ToUpper(v))]; ok {
		return Format(strings.ToUpper(v))
	}
	if f, ok := aliasLookup[NormalizeAlias(v)]; ok {
		return f
	}
	return FormatUnknown
}

// DataFormatID returns the body-shape id for f. Unknown formats map to
// their lowercased name so comparisons stay well defined.
func DataFormatID(f Format) string {
	if def, ok := definitions[f]; ok && def.DataFormatID != "" {
		return def.DataFormatID
	}
	return strings.ToLower(string(f))
}

// CanPassthrough reports whether bodies in the client dialect can be
// forwarded to an endpoint dialect without structural conversion.
func CanPassthrough(client, endpoint Format) bool {
	if client == endpoint {
		return true
	}
	return DataFormatID(client) == DataFormatID(endpoint)
}

// DefaultPath returns the upstream request path for f. Endpoints may
// override it with a custom path.
func DefaultPath(f Format) string {
	if def, ok := definitions[f]; ok {
		return def.DefaultPath
	}
	return "/"
}

// AuthConfig returns the auth header name and placement for f.
func AuthConfig(f Format) (header string, typ AuthType) {
	if def, ok := definitions[f]; ok {
		return def.AuthHeader, def.AuthType
	}
	return defaultAuthName, AuthBearer
}

// ExtraHeaders returns the headers the dialect requires on upstream
// requests. The returned map must not be mutated.
func ExtraHeaders(f Format) map[string]string {
	if def, ok := definitions[f]; ok {
		return def.ExtraHeaders
	}
	return nil
}

// ProtectedKeys returns the lowercase header names that must not be
// overridden for f.
func ProtectedKeys(f Format) map[string]bool {
	if def, ok := definitions[f]; ok {
		return def.ProtectedKeys
	}
	return protect("authorization", "content-type")
}

// IsCLI reports whether f is one of the CLI variants.
func IsCLI(f Format) bool {
	switch f {
	case ClaudeCLI, OpenAICLI, GeminiCLI:
		return true
	}
	return false
}

// Base maps a CLI variant to its base dialect; non-CLI formats map to
// themselves.
func Base(f Format) Format {
	switch f {
	case ClaudeCLI:
		return Claude
	case OpenAICLI:
		return OpenAI
	case GeminiCLI:
		return Gemini
	}
	return f
}
