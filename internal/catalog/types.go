// Package catalog holds the declarative model/provider/key catalog the
// relay routes against. The catalog is loaded once at startup (and on
// explicit reload), validated, indexed, and treated as immutable while
// requests are in flight.
package catalog

import (
	"regexp"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// BillingType classifies how a provider is paid.
type BillingType string

const (
	BillingPayAsYouGo   BillingType = "pay_as_you_go"
	BillingMonthlyQuota BillingType = "monthly_quota"
	BillingFreeTier     BillingType = "free_tier"
)

// PriceTier is one tier of context-size-dependent pricing. UpTo is the
// inclusive upper bound on the tier-selection input in tokens; nil
// means unbounded and must be the last tier.
type PriceTier struct {
	UpTo             *int    `mapstructure:"up_to"`
	InputPerM        float64 `mapstructure:"input_per_m"`
	OutputPerM       float64 `mapstructure:"output_per_m"`
	CacheReadPerM    float64 `mapstructure:"cache_read_per_m"`
	CacheWritePerM   float64 `mapstructure:"cache_write_per_m"`
}

// Pricing carries per-million-token prices for the four token classes,
// an optional flat per-request price, and optional tiers that override
// the flat per-M prices based on input context size.
type Pricing struct {
	InputPerM      float64     `mapstructure:"input_per_m"`
	OutputPerM     float64     `mapstructure:"output_per_m"`
	CacheReadPerM  float64     `mapstructure:"cache_read_per_m"`
	CacheWritePerM float64     `mapstructure:"cache_write_per_m"`
	PerRequest     *float64    `mapstructure:"per_request"`
	Tiers          []PriceTier `mapstructure:"tiers"`
}

// GlobalModel is a canonical model identity.
type GlobalModel struct {
	ID           string   `mapstructure:"id"`
	Name         string   `mapstructure:"name"`
	DisplayName  string   `mapstructure:"display_name"`
	Capabilities []string `mapstructure:"capabilities"`
	Aliases      []string `mapstructure:"aliases"`
	Pricing      *Pricing `mapstructure:"pricing"`

	aliasPatterns []*regexp.Regexp
}

// MatchesAlias reports whether name matches one of the model's regex
// aliases. Patterns are compiled during catalog load.
func (m *GlobalModel) MatchesAlias(name string) bool {
	for _, re := range m.aliasPatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Provider is one upstream vendor.
type Provider struct {
	ID              string      `mapstructure:"id"`
	Name            string      `mapstructure:"name"`
	Priority        int         `mapstructure:"priority"`
	Billing         BillingType `mapstructure:"billing"`
	MonthlyQuotaUSD float64     `mapstructure:"monthly_quota_usd"`
	QuotaResetDay   int         `mapstructure:"quota_reset_day"`
	Active          bool        `mapstructure:"active"`
}

// HeaderRules mutate upstream request headers. Applied in set, drop,
// rename order after hop-by-hop stripping and before auth injection.
type HeaderRules struct {
	Set    map[string]string `mapstructure:"set"`
	Drop   []string          `mapstructure:"drop"`
	Rename map[string]string `mapstructure:"rename"`
}

// FormatAcceptance declares whether an endpoint admits requests that
// would need conversion into its dialect.
type FormatAcceptance struct {
	Enabled          bool     `mapstructure:"enabled"`
	AcceptFormats    []string `mapstructure:"accept_formats"`
	RejectFormats    []string `mapstructure:"reject_formats"`
	StreamConversion *bool    `mapstructure:"stream_conversion"`
}

// AllowsStreamConversion defaults to true when unset.
func (a *FormatAcceptance) AllowsStreamConversion() bool {
	return a.StreamConversion == nil || *a.StreamConversion
}

// Endpoint is one wire-dialect entry point of a provider. The pair
// (provider, format) is unique.
type Endpoint struct {
	ID             string            `mapstructure:"id"`
	ProviderID     string            `mapstructure:"provider_id"`
	Format         apiformat.Format  `mapstructure:"api_format"`
	BaseURL        string            `mapstructure:"base_url"`
	CustomPath     string            `mapstructure:"custom_path"`
	Headers        map[string]string `mapstructure:"headers"`
	HeaderRules    *HeaderRules      `mapstructure:"header_rules"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	MaxRetries     int               `mapstructure:"max_retries"`
	Acceptance     *FormatAcceptance `mapstructure:"format_acceptance"`
	Active         bool              `mapstructure:"active"`
}

// KeyAuthKind selects how a provider key authenticates upstream.
type KeyAuthKind string

const (
	// KeyAuthAPIKey uses the endpoint format's natural auth header.
	KeyAuthAPIKey KeyAuthKind = "api_key"
	// KeyAuthOAuth always sends Authorization: Bearer, overriding the
	// format default.
	KeyAuthOAuth KeyAuthKind = "oauth"
)

// ProviderKey is a credential the relay presents to an upstream.
type ProviderKey struct {
	ID               string             `mapstructure:"id"`
	ProviderID       string             `mapstructure:"provider_id"`
	Secret           string             `mapstructure:"secret"`
	AuthKind         KeyAuthKind        `mapstructure:"auth_kind"`
	Formats          []apiformat.Format `mapstructure:"api_formats"`
	InternalPriority int                `mapstructure:"internal_priority"`
	GlobalPriority   *int               `mapstructure:"global_priority"`
	RPMLimit         *int               `mapstructure:"rpm_limit"` // nil selects adaptive mode
	CacheTTLMinutes  int                `mapstructure:"cache_ttl_minutes"`
	AllowedModels    []string           `mapstructure:"allowed_models"` // nil admits all
	RateMultiplier   float64            `mapstructure:"rate_multiplier"`
	Active           bool               `mapstructure:"active"`
}

// SupportsFormat reports whether the key can authenticate against f.
func (k *ProviderKey) SupportsFormat(f apiformat.Format) bool {
	for _, kf := range k.Formats {
		if kf == f {
			return true
		}
	}
	return false
}

// Adaptive reports whether the key runs under the learned RPM limit.
func (k *ProviderKey) Adaptive() bool { return k.RPMLimit == nil }

// ModelBinding associates a GlobalModel with a provider-side model.
type ModelBinding struct {
	ID                string   `mapstructure:"id"`
	GlobalModelID     string   `mapstructure:"global_model_id"`
	ProviderID        string   `mapstructure:"provider_id"`
	ProviderModelName string   `mapstructure:"provider_model_name"`
	Aliases           []string `mapstructure:"aliases"`
	Pricing           *Pricing `mapstructure:"pricing"`
	BillingTemplate   string   `mapstructure:"billing_template"`
	Active            bool     `mapstructure:"active"`
}

// User owns quota and policy restrictions.
type User struct {
	ID               string             `mapstructure:"id"`
	Name             string             `mapstructure:"name"`
	QuotaUSD         float64            `mapstructure:"quota_usd"`
	AllowedProviders []string           `mapstructure:"allowed_providers"`
	AllowedFormats   []apiformat.Format `mapstructure:"allowed_formats"`
	AllowedModels    []string           `mapstructure:"allowed_models"`
	Active           bool               `mapstructure:"active"`
}

// APIKey is a client credential. Standalone keys carry their own
// balance independent of any user quota.
type APIKey struct {
	ID               string             `mapstructure:"id"`
	UserID           string             `mapstructure:"user_id"`
	Hash             string             `mapstructure:"hash"` // sha256 hex of the secret
	Standalone       bool               `mapstructure:"standalone"`
	BalanceUSD       float64            `mapstructure:"balance_usd"`
	AllowedProviders []string           `mapstructure:"allowed_providers"`
	AllowedFormats   []apiformat.Format `mapstructure:"allowed_formats"`
	AllowedModels    []string           `mapstructure:"allowed_models"`
	Active           bool               `mapstructure:"active"`
}

// intersectAllowed narrows two allow-lists. nil means unrestricted.
func intersectAllowed(a, b []string) func(string) bool {
	inA := allowSet(a)
	inB := allowSet(b)
	return func(v string) bool { return inA(v) && inB(v) }
}

func allowSet(list []string) func(string) bool {
	if list == nil {
		return func(string) bool { return true }
	}
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return func(v string) bool { return set[v] }
}
