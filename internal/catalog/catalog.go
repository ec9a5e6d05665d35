package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"

	"github.com/spf13/viper"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// Catalog is the loaded, validated, indexed routing document.
type Catalog struct {
	Models    []*GlobalModel  `mapstructure:"models"`
	Providers []*Provider     `mapstructure:"providers"`
	Endpoints []*Endpoint     `mapstructure:"endpoints"`
	Keys      []*ProviderKey  `mapstructure:"keys"`
	Bindings  []*ModelBinding `mapstructure:"bindings"`
	Users     []*User         `mapstructure:"users"`
	APIKeys   []*APIKey       `mapstructure:"api_keys"`

	modelByID     map[string]*GlobalModel
	modelByName   map[string]*GlobalModel
	providerByID  map[string]*Provider
	endpointByID  map[string]*Endpoint
	keyByID       map[string]*ProviderKey
	userByID      map[string]*User
	apiKeyByHash  map[string]*APIKey
	endpointsByPr map[string][]*Endpoint
	keysByPr      map[string][]*ProviderKey
	bindingsByGM  map[string][]*ModelBinding
}

// Load reads and validates a catalog document (YAML or JSON) from path.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var cat Catalog
	if err := v.Unmarshal(&cat); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if err := cat.Build(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Build validates the document, compiles alias patterns and fills the
// lookup indexes. Must be called before any lookup.
func (c *Catalog) Build() error {
	c.modelByID = make(map[string]*GlobalModel, len(c.Models))
	c.modelByName = make(map[string]*GlobalModel, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("catalog: model %q has no name", m.ID)
		}
		if _, dup := c.modelByName[m.Name]; dup {
			return fmt.Errorf("catalog: duplicate model name %q", m.Name)
		}
		for _, alias := range m.Aliases {
			re, err := regexp.Compile(alias)
			if err != nil {
				return fmt.Errorf("catalog: model %s alias %q: %w", m.Name, alias, err)
			}
			m.aliasPatterns = append(m.aliasPatterns, re)
		}
		c.modelByID[m.ID] = m
		c.modelByName[m.Name] = m
	}

	c.providerByID = make(map[string]*Provider, len(c.Providers))
	for _, p := range c.Providers {
		c.providerByID[p.ID] = p
	}

	c.endpointByID = make(map[string]*Endpoint, len(c.Endpoints))
	c.endpointsByPr = make(map[string][]*Endpoint)
	seenProviderFormat := make(map[string]bool)
	for _, e := range c.Endpoints {
		if _, ok := c.providerByID[e.ProviderID]; !ok {
			return fmt.Errorf("catalog: endpoint %s references unknown provider %s", e.ID, e.ProviderID)
		}
		if _, ok := apiformat.Lookup(e.Format); !ok {
			return fmt.Errorf("catalog: endpoint %s has unknown format %q", e.ID, e.Format)
		}
		pf := e.ProviderID + "/" + string(e.Format)
		if seenProviderFormat[pf] {
			return fmt.Errorf("catalog: duplicate endpoint for %s", pf)
		}
		seenProviderFormat[pf] = true
		c.endpointByID[e.ID] = e
		c.endpointsByPr[e.ProviderID] = append(c.endpointsByPr[e.ProviderID], e)
	}

	c.keyByID = make(map[string]*ProviderKey, len(c.Keys))
	c.keysByPr = make(map[string][]*ProviderKey)
	for _, k := range c.Keys {
		if _, ok := c.providerByID[k.ProviderID]; !ok {
			return fmt.Errorf("catalog: key %s references unknown provider %s", k.ID, k.ProviderID)
		}
		if k.RateMultiplier == 0 {
			k.RateMultiplier = 1
		}
		if k.AuthKind == "" {
			k.AuthKind = KeyAuthAPIKey
		}
		c.keyByID[k.ID] = k
		c.keysByPr[k.ProviderID] = append(c.keysByPr[k.ProviderID], k)
	}

	c.bindingsByGM = make(map[string][]*ModelBinding)
	for _, b := range c.Bindings {
		if _, ok := c.modelByID[b.GlobalModelID]; !ok {
			return fmt.Errorf("catalog: binding %s references unknown model %s", b.ID, b.GlobalModelID)
		}
		if _, ok := c.providerByID[b.ProviderID]; !ok {
			return fmt.Errorf("catalog: binding %s references unknown provider %s", b.ID, b.ProviderID)
		}
		c.bindingsByGM[b.GlobalModelID] = append(c.bindingsByGM[b.GlobalModelID], b)
	}

	c.userByID = make(map[string]*User, len(c.Users))
	for _, u := range c.Users {
		c.userByID[u.ID] = u
	}
	c.apiKeyByHash = make(map[string]*APIKey, len(c.APIKeys))
	for _, k := range c.APIKeys {
		if k.Hash == "" {
			return fmt.Errorf("catalog: api key %s has no hash", k.ID)
		}
		c.apiKeyByHash[k.Hash] = k
	}
	return nil
}

func (c *Catalog) ModelByID(id string) (*GlobalModel, bool) {
	m, ok := c.modelByID[id]
	return m, ok
}

func (c *Catalog) ProviderByID(id string) (*Provider, bool) {
	p, ok := c.providerByID[id]
	return p, ok
}

func (c *Catalog) EndpointByID(id string) (*Endpoint, bool) {
	e, ok := c.endpointByID[id]
	return e, ok
}

func (c *Catalog) KeyByID(id string) (*ProviderKey, bool) {
	k, ok := c.keyByID[id]
	return k, ok
}

func (c *Catalog) UserByID(id string) (*User, bool) {
	u, ok := c.userByID[id]
	return u, ok
}

// EndpointsOf returns the endpoints of one provider.
func (c *Catalog) EndpointsOf(providerID string) []*Endpoint {
	return c.endpointsByPr[providerID]
}

// KeysOf returns the provider keys of one provider.
func (c *Catalog) KeysOf(providerID string) []*ProviderKey {
	return c.keysByPr[providerID]
}

// BindingsFor returns the provider bindings of one global model.
func (c *Catalog) BindingsFor(globalModelID string) []*ModelBinding {
	return c.bindingsByGM[globalModelID]
}

// BindingOf returns the binding tying globalModelID to providerID.
func (c *Catalog) BindingOf(globalModelID, providerID string) (*ModelBinding, bool) {
	for _, b := range c.bindingsByGM[globalModelID] {
		if b.ProviderID == providerID && b.Active {
			return b, true
		}
	}
	return nil, false
}

// ResolveModel maps a user-facing model identifier onto a GlobalModel.
// Matching steps, in order: exact name, provider-side model name on an
// active binding, binding alias, regex alias on the global model. When
// one step yields several models, the lexicographically first name
// wins and conflicted is true so the caller can count it.
func (c *Catalog) ResolveModel(name string) (m *GlobalModel, conflicted bool) {
	if m, ok := c.modelByName[name]; ok {
		return m, false
	}

	pick := func(ids map[string]bool) (*GlobalModel, bool) {
		if len(ids) == 0 {
			return nil, false
		}
		names := make([]string, 0, len(ids))
		byName := make(map[string]*GlobalModel, len(ids))
		for id := range ids {
			gm := c.modelByID[id]
			names = append(names, gm.Name)
			byName[gm.Name] = gm
		}
		sort.Strings(names)
		return byName[names[0]], len(ids) > 1
	}

	matches := make(map[string]bool)
	for _, b := range c.Bindings {
		if b.Active && b.ProviderModelName == name {
			matches[b.GlobalModelID] = true
		}
	}
	if m, multi := pick(matches); m != nil {
		return m, multi
	}

	matches = make(map[string]bool)
	for _, b := range c.Bindings {
		if !b.Active {
			continue
		}
		for _, alias := range b.Aliases {
			if alias == name {
				matches[b.GlobalModelID] = true
			}
		}
	}
	if m, multi := pick(matches); m != nil {
		return m, multi
	}

	matches = make(map[string]bool)
	for _, gm := range c.Models {
		if gm.MatchesAlias(name) {
			matches[gm.ID] = true
		}
	}
	if m, multi := pick(matches); m != nil {
		return m, multi
	}
	return nil, false
}

// AuthenticateKey hashes the presented client secret and looks it up.
func (c *Catalog) AuthenticateKey(secret string) (*APIKey, *User, bool) {
	sum := sha256.Sum256([]byte(secret))
	key, ok := c.apiKeyByHash[hex.EncodeToString(sum[:])]
	if !ok || !key.Active {
		return nil, nil, false
	}
	var user *User
	if key.UserID != "" {
		user, ok = c.userByID[key.UserID]
		if !ok || !user.Active {
			return nil, nil, false
		}
	}
	return key, user, true
}

// HashSecret returns the catalog's hash encoding of a client secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Policy is the narrowed allow-set of an authenticated (user, api key)
// pair. A nil list on both sides means unrestricted.
type Policy struct {
	providerAllowed func(string) bool
	modelAllowed    func(string) bool
	formatAllowed   func(string) bool
}

// PolicyFor intersects the restrictions of user and key. user may be
// nil for standalone keys.
func PolicyFor(user *User, key *APIKey) *Policy {
	var up, um []string
	var uf []apiformat.Format
	if user != nil {
		up, um, uf = user.AllowedProviders, user.AllowedModels, user.AllowedFormats
	}
	return &Policy{
		providerAllowed: intersectAllowed(up, key.AllowedProviders),
		modelAllowed:    intersectAllowed(um, key.AllowedModels),
		formatAllowed:   intersectAllowed(formatNames(uf), formatNames(key.AllowedFormats)),
	}
}

func (p *Policy) AllowsProvider(id string) bool           { return p.providerAllowed(id) }
func (p *Policy) AllowsModel(name string) bool            { return p.modelAllowed(name) }
func (p *Policy) AllowsFormat(f apiformat.Format) bool    { return p.formatAllowed(string(f)) }

func formatNames(fs []apiformat.Format) []string {
	if fs == nil {
		return nil
	}
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

// KeyAllowsModel checks a provider key's whitelist against the
// resolved model, honoring exact names and the model's regex aliases.
func KeyAllowsModel(key *ProviderKey, model *GlobalModel, binding *ModelBinding) bool {
	if key.AllowedModels == nil {
		return true
	}
	for _, allowed := range key.AllowedModels {
		if allowed == model.Name {
			return true
		}
		if binding != nil && allowed == binding.ProviderModelName {
			return true
		}
		if model.MatchesAlias(allowed) {
			return true
		}
	}
	return false
}
