// Package usage computes request cost from token counts and records
// usage rows with quota enforcement.
package usage

import (
	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

// BillingTemplate selects how the tier-selection input is computed.
// The dialects differ only in whether cache-creation tokens count
// toward the context size that picks the tier.
type BillingTemplate string

const (
	TemplateClaude BillingTemplate = "claude"
	TemplateOpenAI BillingTemplate = "openai"
	TemplateGemini BillingTemplate = "gemini"
)

// includesCacheWrite reports whether cache-creation tokens are part of
// the tier-selection input for this template.
func (t BillingTemplate) includesCacheWrite() bool {
	return t == TemplateClaude || t == TemplateGemini
}

// TemplateFor maps a target dialect onto its billing template. An
// explicit override on the model binding wins.
func TemplateFor(format apiformat.Format, binding *catalog.ModelBinding) BillingTemplate {
	if binding != nil && binding.BillingTemplate != "" {
		return BillingTemplate(binding.BillingTemplate)
	}
	switch apiformat.DataFormatID(format) {
	case "claude":
		return TemplateClaude
	case "gemini":
		return TemplateGemini
	default:
		return TemplateOpenAI
	}
}

// PricingFor returns the effective pricing for one attempt: binding
// override first, then the global model default. nil means unpriced
// (cost zero, tokens still recorded).
func PricingFor(model *catalog.GlobalModel, binding *catalog.ModelBinding) *catalog.Pricing {
	if binding != nil && binding.Pricing != nil {
		return binding.Pricing
	}
	if model != nil {
		return model.Pricing
	}
	return nil
}

// Cost computes the USD cost of one request.
//
// Tiered pricing picks the first tier whose UpTo is nil or at least
// the total input context; the template decides whether cache-creation
// tokens count toward that context. The four token classes are priced
// independently, plus an optional flat per-request price.
func Cost(p *catalog.Pricing, u codec.Usage, template BillingTemplate) float64 {
	if p == nil {
		return 0
	}

	input := p.InputPerM
	output := p.OutputPerM
	cacheRead := p.CacheReadPerM
	cacheWrite := p.CacheWritePerM

	if len(p.Tiers) > 0 {
		ctxTokens := u.InputTokens + u.CacheReadTokens
		if template.includesCacheWrite() {
			ctxTokens += u.CacheWriteTokens
		}
		for _, tier := range p.Tiers {
			if tier.UpTo == nil || *tier.UpTo >= ctxTokens {
				input = tier.InputPerM
				output = tier.OutputPerM
				cacheRead = tier.CacheReadPerM
				cacheWrite = tier.CacheWritePerM
				break
			}
		}
	}

	cost := float64(u.InputTokens)*input/1e6 +
		float64(u.OutputTokens)*output/1e6 +
		float64(u.CacheReadTokens)*cacheRead/1e6 +
		float64(u.CacheWriteTokens)*cacheWrite/1e6
	if p.PerRequest != nil {
		cost += *p.PerRequest
	}
	return cost
}

// AttemptCost resolves pricing, applies the key's rate multiplier, and
// zeroes the cost for free-tier providers while keeping token counts.
func AttemptCost(
	model *catalog.GlobalModel,
	binding *catalog.ModelBinding,
	provider *catalog.Provider,
	key *catalog.ProviderKey,
	format apiformat.Format,
	u codec.Usage,
) float64 {
	if provider != nil && provider.Billing == catalog.BillingFreeTier {
		return 0
	}
	cost := Cost(PricingFor(model, binding), u, TemplateFor(format, binding))
	if key != nil && key.RateMultiplier > 0 {
		cost *= key.RateMultiplier
	}
	return cost
}
