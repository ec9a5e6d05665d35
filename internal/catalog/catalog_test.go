package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat := &Catalog{
		Models: []*GlobalModel{
			{ID: "gm-sonnet", Name: "claude-sonnet-4-5", Aliases: []string{`^claude-sonnet.*`}},
			{ID: "gm-4o", Name: "gpt-4o"},
		},
		Providers: []*Provider{
			{ID: "p-anthropic", Name: "Anthropic-main", Priority: 1, Billing: BillingPayAsYouGo, Active: true},
			{ID: "p-b", Name: "Provider-B", Priority: 2, Billing: BillingPayAsYouGo, Active: true},
		},
		Endpoints: []*Endpoint{
			{ID: "e-claude", ProviderID: "p-anthropic", Format: apiformat.Claude, BaseURL: "https://api.anthropic.example", Active: true},
			{ID: "e-openai", ProviderID: "p-b", Format: apiformat.OpenAI, BaseURL: "https://api.b.example", Active: true},
		},
		Keys: []*ProviderKey{
			{ID: "k-1", ProviderID: "p-anthropic", Secret: "sk-upstream-1", Formats: []apiformat.Format{apiformat.Claude}, Active: true},
			{ID: "k-2", ProviderID: "p-b", Secret: "sk-upstream-2", Formats: []apiformat.Format{apiformat.OpenAI}, Active: true},
		},
		Bindings: []*ModelBinding{
			{ID: "b-1", GlobalModelID: "gm-sonnet", ProviderID: "p-anthropic", ProviderModelName: "claude-sonnet-4-5", Active: true},
			{ID: "b-2", GlobalModelID: "gm-sonnet", ProviderID: "p-b", ProviderModelName: "anthropic/claude-sonnet-4.5", Active: true},
		},
		Users: []*User{
			{ID: "u-1", QuotaUSD: 100, Active: true},
		},
		APIKeys: []*APIKey{
			{ID: "ak-1", UserID: "u-1", Hash: HashSecret("sk-client-X"), Active: true},
		},
	}
	if err := cat.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cat
}

func TestResolveModelSteps(t *testing.T) {
	cat := testCatalog(t)

	m, conflicted := cat.ResolveModel("claude-sonnet-4-5")
	if m == nil || m.ID != "gm-sonnet" || conflicted {
		t.Fatalf("exact match = %v conflicted=%v", m, conflicted)
	}

	m, _ = cat.ResolveModel("anthropic/claude-sonnet-4.5")
	if m == nil || m.ID != "gm-sonnet" {
		t.Fatalf("provider-name match = %v", m)
	}

	m, _ = cat.ResolveModel("claude-sonnet-latest")
	if m == nil || m.ID != "gm-sonnet" {
		t.Fatalf("regex alias match = %v", m)
	}

	if m, _ := cat.ResolveModel("nope"); m != nil {
		t.Fatalf("unexpected match %v", m)
	}
}

func TestResolveModelConflictPicksFirstName(t *testing.T) {
	cat := testCatalog(t)
	cat.Models = append(cat.Models, &GlobalModel{ID: "gm-dup", Name: "a-first", Aliases: []string{`^claude-sonnet.*`}})
	if err := cat.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	m, conflicted := cat.ResolveModel("claude-sonnet-anything")
	if !conflicted {
		t.Fatal("conflict not reported")
	}
	if m.Name != "a-first" {
		t.Fatalf("want lexicographically first, got %s", m.Name)
	}
}

func TestBuildRejectsDuplicateEndpointFormat(t *testing.T) {
	cat := testCatalog(t)
	cat.Endpoints = append(cat.Endpoints, &Endpoint{
		ID: "e-dup", ProviderID: "p-anthropic", Format: apiformat.Claude, BaseURL: "https://x", Active: true,
	})
	if err := cat.Build(); err == nil {
		t.Fatal("duplicate (provider, format) endpoint accepted")
	}
}

func TestAuthenticateKey(t *testing.T) {
	cat := testCatalog(t)
	key, user, ok := cat.AuthenticateKey("sk-client-X")
	if !ok || key.ID != "ak-1" || user == nil || user.ID != "u-1" {
		t.Fatalf("auth = %v %v %v", key, user, ok)
	}
	if _, _, ok := cat.AuthenticateKey("sk-wrong"); ok {
		t.Fatal("bad secret accepted")
	}
}

func TestPolicyIntersection(t *testing.T) {
	user := &User{AllowedProviders: []string{"p-a", "p-b"}}
	key := &APIKey{AllowedProviders: []string{"p-b", "p-c"}}
	pol := PolicyFor(user, key)
	if pol.AllowsProvider("p-a") || !pol.AllowsProvider("p-b") || pol.AllowsProvider("p-c") {
		t.Fatal("provider intersection wrong")
	}

	unrestricted := PolicyFor(nil, &APIKey{})
	if !unrestricted.AllowsProvider("anything") || !unrestricted.AllowsFormat(apiformat.Gemini) {
		t.Fatal("nil lists must be unrestricted")
	}
}

func TestKeyAllowsModel(t *testing.T) {
	cat := testCatalog(t)
	model, _ := cat.ModelByID("gm-sonnet")
	binding, _ := cat.BindingOf("gm-sonnet", "p-anthropic")

	open := &ProviderKey{}
	if !KeyAllowsModel(open, model, binding) {
		t.Fatal("nil whitelist must admit all")
	}
	named := &ProviderKey{AllowedModels: []string{"claude-sonnet-4-5"}}
	if !KeyAllowsModel(named, model, binding) {
		t.Fatal("exact name refused")
	}
	other := &ProviderKey{AllowedModels: []string{"gpt-4o"}}
	if KeyAllowsModel(other, model, binding) {
		t.Fatal("foreign whitelist admitted")
	}
}

func TestResolverCachesInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cat := testCatalog(t)
	res := NewResolver(cat, client, 0)
	ctx := context.Background()

	m, ok := res.Resolve(ctx, "claude-sonnet-latest")
	if !ok || m.ID != "gm-sonnet" {
		t.Fatalf("resolve = %v %v", m, ok)
	}
	if got, err := mr.Get(resolveKeyPrefix + "claude-sonnet-latest"); err != nil || got != "gm-sonnet" {
		t.Fatalf("cache entry = %q err=%v", got, err)
	}

	// negative entries cache too
	if _, ok := res.Resolve(ctx, "ghost"); ok {
		t.Fatal("ghost resolved")
	}
	if got, _ := mr.Get(resolveKeyPrefix + "ghost"); got != resolveMiss {
		t.Fatalf("negative entry = %q", got)
	}

	if err := res.InvalidateAll(ctx); err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if mr.Exists(resolveKeyPrefix + "ghost") {
		t.Fatal("entries survived InvalidateAll")
	}
}

func TestLoadFromFile(t *testing.T) {
	doc := `
models:
  - id: gm-1
    name: claude-sonnet-4-5
providers:
  - id: p-1
    name: Anthropic-main
    priority: 1
    billing: pay_as_you_go
    active: true
endpoints:
  - id: e-1
    provider_id: p-1
    api_format: CLAUDE
    base_url: https://api.anthropic.example
    active: true
keys:
  - id: k-1
    provider_id: p-1
    secret: sk-upstream-1
    api_formats: [CLAUDE]
    active: true
bindings:
  - id: b-1
    global_model_id: gm-1
    provider_id: p-1
    provider_model_name: claude-sonnet-4-5
    active: true
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cat, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cat.Endpoints) != 1 || cat.Endpoints[0].Format != apiformat.Claude {
		t.Fatalf("endpoints = %+v", cat.Endpoints)
	}
	if k, ok := cat.KeyByID("k-1"); !ok || k.RateMultiplier != 1 {
		t.Fatalf("key defaults not applied: %+v", k)
	}
}
