// Package routing enumerates and orders the (provider, endpoint, key)
// triples a request may be dispatched to. Exact-dialect candidates
// always precede conversion candidates; inside each group ordering
// follows the configured priority mode, and a live affinity record
// moves its triple to the head.
package routing

import (
	"context"
	"math"
	"sort"

	"github.com/nulpointcorp/llm-relay/internal/affinity"
	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

// PriorityMode selects how candidates rank inside a compatibility
// group.
type PriorityMode string

const (
	// PriorityProvider groups by provider priority first.
	PriorityProvider PriorityMode = "provider"
	// PriorityGlobalKey ranks keys across providers by their global
	// priority.
	PriorityGlobalKey PriorityMode = "global_key"
)

// formatOrder is the fixed preference order of endpoint dialects when
// everything else ties.
var formatOrder = map[apiformat.Format]int{
	apiformat.Claude:    0,
	apiformat.ClaudeCLI: 1,
	apiformat.OpenAI:    2,
	apiformat.OpenAICLI: 3,
	apiformat.Gemini:    4,
	apiformat.GeminiCLI: 5,
}

// Candidate is one dispatchable triple.
type Candidate struct {
	Provider *catalog.Provider
	Endpoint *catalog.Endpoint
	Key      *catalog.ProviderKey
	Binding  *catalog.ModelBinding

	NeedsConversion bool
	IsCached        bool
}

// BreakerGate is consulted per (key, format) before a key enters the
// candidate list. Implemented by the proxy circuit breaker.
type BreakerGate interface {
	Allow(keyID string, format apiformat.Format) bool
}

// Builder produces ordered candidate lists.
type Builder struct {
	cat      *catalog.Catalog
	resolver *catalog.Resolver
	registry *codec.Registry

	affinity *affinity.Manager
	breaker  BreakerGate

	conversionEnabled bool
	priorityMode      PriorityMode
}

// Config wires the builder's collaborators. Affinity and Breaker are
// optional; Resolver may be nil, in which case resolution scans the
// catalog directly.
type Config struct {
	Catalog  *catalog.Catalog
	Resolver *catalog.Resolver
	Registry *codec.Registry
	Affinity *affinity.Manager
	Breaker  BreakerGate

	ConversionEnabled bool
	PriorityMode      PriorityMode
}

func NewBuilder(cfg Config) *Builder {
	mode := cfg.PriorityMode
	if mode != PriorityGlobalKey {
		mode = PriorityProvider
	}
	return &Builder{
		cat:               cfg.Catalog,
		resolver:          cfg.Resolver,
		registry:          cfg.Registry,
		affinity:          cfg.Affinity,
		breaker:           cfg.Breaker,
		conversionEnabled: cfg.ConversionEnabled,
		priorityMode:      mode,
	}
}

// Input is one candidate-list request.
type Input struct {
	User         *catalog.User
	APIKey       *catalog.APIKey
	ClientFormat apiformat.Format
	ModelName    string
	Stream       bool
}

// Build resolves the model, checks policy, and returns the ordered
// candidate list.
func (b *Builder) Build(ctx context.Context, in Input) (*catalog.GlobalModel, []Candidate, error) {
	model, ok := b.resolve(ctx, in.ModelName)
	if !ok {
		return nil, nil, &ModelNotFoundError{Name: in.ModelName}
	}

	policy := catalog.PolicyFor(in.User, in.APIKey)
	if !policy.AllowsModel(model.Name) {
		return model, nil, &ForbiddenError{Reason: "model " + model.Name + " not allowed for this key"}
	}
	if !policy.AllowsFormat(in.ClientFormat) {
		return model, nil, &ForbiddenError{Reason: "format " + string(in.ClientFormat) + " not allowed for this key"}
	}

	var out []Candidate
	for _, provider := range b.cat.Providers {
		if !provider.Active || !policy.AllowsProvider(provider.ID) {
			continue
		}
		binding, ok := b.cat.BindingOf(model.ID, provider.ID)
		if !ok {
			continue
		}
		for _, endpoint := range b.cat.EndpointsOf(provider.ID) {
			if !endpoint.Active {
				continue
			}
			needsConversion, compatible := b.compatibility(in.ClientFormat, endpoint, in.Stream)
			if !compatible {
				continue
			}
			for _, key := range b.cat.KeysOf(provider.ID) {
				if !key.Active || !key.SupportsFormat(endpoint.Format) {
					continue
				}
				if !catalog.KeyAllowsModel(key, model, binding) {
					continue
				}
				if b.breaker != nil && !b.breaker.Allow(key.ID, endpoint.Format) {
					continue
				}
				out = append(out, Candidate{
					Provider:        provider,
					Endpoint:        endpoint,
					Key:             key,
					Binding:         binding,
					NeedsConversion: needsConversion,
				})
			}
		}
	}
	if len(out) == 0 {
		return model, nil, &NoCandidatesError{Model: model.Name, Format: in.ClientFormat}
	}

	b.order(out)
	b.overlayAffinity(ctx, in, model, out)
	return model, out, nil
}

func (b *Builder) resolve(ctx context.Context, name string) (*catalog.GlobalModel, bool) {
	if b.resolver != nil {
		return b.resolver.Resolve(ctx, name)
	}
	m, _ := b.cat.ResolveModel(name)
	return m, m != nil
}

// compatibility decides whether the endpoint can serve the client's
// dialect and whether conversion is required.
func (b *Builder) compatibility(client apiformat.Format, endpoint *catalog.Endpoint, stream bool) (needsConversion, compatible bool) {
	if apiformat.CanPassthrough(client, endpoint.Format) {
		return false, true
	}
	if !b.conversionEnabled {
		return false, false
	}
	acc := endpoint.Acceptance
	if acc == nil || !acc.Enabled {
		return false, false
	}
	if len(acc.AcceptFormats) > 0 && !formatListContains(acc.AcceptFormats, client) {
		return false, false
	}
	if formatListContains(acc.RejectFormats, client) {
		return false, false
	}
	if stream && !acc.AllowsStreamConversion() {
		return false, false
	}
	if b.registry == nil || !b.registry.CanConvert(client, endpoint.Format, stream) {
		return false, false
	}
	return true, true
}

func formatListContains(list []string, f apiformat.Format) bool {
	for _, s := range list {
		if apiformat.Resolve(s) == f {
			return true
		}
	}
	return false
}

// order sorts candidates in place: exact-match group first, then by
// the priority-mode tuple.
func (b *Builder) order(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, c := cands[i], cands[j]
		if a.NeedsConversion != c.NeedsConversion {
			return !a.NeedsConversion
		}
		var ta, tc [4]int
		if b.priorityMode == PriorityGlobalKey {
			ta = [4]int{keyGlobalPriority(a.Key), a.Provider.Priority, formatOrder[a.Endpoint.Format], a.Key.InternalPriority}
			tc = [4]int{keyGlobalPriority(c.Key), c.Provider.Priority, formatOrder[c.Endpoint.Format], c.Key.InternalPriority}
		} else {
			ta = [4]int{a.Provider.Priority, formatOrder[a.Endpoint.Format], keyGlobalPriority(a.Key), a.Key.InternalPriority}
			tc = [4]int{c.Provider.Priority, formatOrder[c.Endpoint.Format], keyGlobalPriority(c.Key), c.Key.InternalPriority}
		}
		for k := 0; k < 4; k++ {
			if ta[k] != tc[k] {
				return ta[k] < tc[k]
			}
		}
		return false
	})
}

// keyGlobalPriority sorts keys without a global priority last.
func keyGlobalPriority(k *catalog.ProviderKey) int {
	if k.GlobalPriority == nil {
		return math.MaxInt
	}
	return *k.GlobalPriority
}

// overlayAffinity moves the remembered triple to the head when it is
// still in the list.
func (b *Builder) overlayAffinity(ctx context.Context, in Input, model *catalog.GlobalModel, cands []Candidate) {
	if b.affinity == nil || in.APIKey == nil {
		return
	}
	checked := make(map[apiformat.Format]bool)
	for i := range cands {
		format := cands[i].Endpoint.Format
		if checked[format] {
			continue
		}
		checked[format] = true
		rec, ok := b.affinity.Get(ctx, affinity.Key{
			ClientKeyID: in.APIKey.ID,
			Format:      format,
			ModelID:     model.ID,
		})
		if !ok {
			continue
		}
		for j := range cands {
			c := &cands[j]
			if c.Provider.ID == rec.ProviderID && c.Endpoint.ID == rec.EndpointID && c.Key.ID == rec.KeyID {
				hit := *c
				hit.IsCached = true
				copy(cands[1:j+1], cands[:j])
				cands[0] = hit
				return
			}
		}
	}
}
