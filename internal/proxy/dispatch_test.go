package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/routing"
)

const (
	testClientSecret  = "sk-test-client"
	claudeSuccessBody = `{"id":"msg_01","type":"message","role":"assistant","model":"prov-model-a",` +
		`"content":[{"type":"text","text":"hello from upstream"}],"stop_reason":"end_turn",` +
		`"usage":{"input_tokens":5,"output_tokens":7}}`
)

// --- harness ----------------------------------------------------------------

// buildTestCatalog wires two Claude-dialect providers, priority order
// prov-a then prov-b, one client key.
func buildTestCatalog(t *testing.T, urlA, urlB string) *catalog.Catalog {
	t.Helper()
	rpm := 1000
	accept := &catalog.FormatAcceptance{Enabled: true}
	cat := &catalog.Catalog{
		Models: []*catalog.GlobalModel{
			{ID: "m1", Name: "relay-test-1", Pricing: &catalog.Pricing{InputPerM: 3, OutputPerM: 15}},
		},
		Providers: []*catalog.Provider{
			{ID: "prov-a", Name: "A", Priority: 1, Billing: catalog.BillingPayAsYouGo, Active: true},
			{ID: "prov-b", Name: "B", Priority: 2, Billing: catalog.BillingPayAsYouGo, Active: true},
		},
		Endpoints: []*catalog.Endpoint{
			{ID: "ep-a", ProviderID: "prov-a", Format: apiformat.Claude, BaseURL: urlA, Acceptance: accept, Active: true},
			{ID: "ep-b", ProviderID: "prov-b", Format: apiformat.Claude, BaseURL: urlB, Acceptance: accept, Active: true},
		},
		Keys: []*catalog.ProviderKey{
			{ID: "pk-a", ProviderID: "prov-a", Secret: "sk-up-a", Formats: []apiformat.Format{apiformat.Claude}, RPMLimit: &rpm, Active: true},
			{ID: "pk-b", ProviderID: "prov-b", Secret: "sk-up-b", Formats: []apiformat.Format{apiformat.Claude}, RPMLimit: &rpm, Active: true},
		},
		Bindings: []*catalog.ModelBinding{
			{ID: "b-a", GlobalModelID: "m1", ProviderID: "prov-a", ProviderModelName: "prov-model-a", Active: true},
			{ID: "b-b", GlobalModelID: "m1", ProviderID: "prov-b", ProviderModelName: "prov-model-b", Active: true},
		},
		APIKeys: []*catalog.APIKey{
			{ID: "client-1", Hash: catalog.HashSecret(testClientSecret), Active: true},
		},
	}
	if err := cat.Build(); err != nil {
		t.Fatalf("catalog build: %v", err)
	}
	return cat
}

func newTestGateway(t *testing.T, cat *catalog.Catalog) *Gateway {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	reg := testRegistry()
	breaker := NewBreaker(BreakerConfig{})
	builder := routing.NewBuilder(routing.Config{
		Catalog:           cat,
		Registry:          reg,
		Breaker:           breaker,
		ConversionEnabled: true,
	})

	return NewGateway(context.Background(), GatewayOptions{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Catalog:  cat,
		Builder:  builder,
		Registry: reg,
		Guard:    ratelimit.NewGuard(rdb, nil),
		Breaker:  breaker,
	})
}

// serveGateway runs the full handler chain on an in-memory listener.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: gw.Handler(nil), StreamRequestBody: true}
	go srv.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func postJSON(t *testing.T, client *http.Client, path, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "http://relay"+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func claudeAuth() map[string]string {
	return map[string]string{"x-api-key": testClientSecret, "anthropic-version": "2023-06-01"}
}

// --- dispatch ---------------------------------------------------------------

func TestDispatchRequiresAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached without client auth")
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages", `{"model":"relay-test-1","max_tokens":16,"messages":[]}`, nil)
	if resp.StatusCode != 401 {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "authentication_error") {
		t.Errorf("expected a Claude auth envelope, got: %s", body)
	}
}

func TestDispatchRejectsUnknownKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached")
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages", `{"model":"relay-test-1"}`,
		map[string]string{"x-api-key": "sk-wrong"})
	if resp.StatusCode != 401 {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestDispatchRequiresModelField(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages", `{"max_tokens":16,"messages":[]}`, claudeAuth())
	if resp.StatusCode != 400 {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "model") {
		t.Errorf("expected the error to name the missing field, got: %s", body)
	}
}

func TestDispatchUnknownModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages", `{"model":"no-such-model","max_tokens":16,"messages":[]}`, claudeAuth())
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestDispatchProxiesBuffered(t *testing.T) {
	var gotPath, gotKey, gotModel string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotModel = gjson.GetBytes(body, "model").String()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(claudeSuccessBody))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on the response")
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "hello from upstream") {
		t.Errorf("expected the upstream body, got: %s", body)
	}

	if gotPath != "/v1/messages" {
		t.Errorf("expected upstream path /v1/messages, got %q", gotPath)
	}
	if gotKey != "sk-up-a" {
		t.Errorf("expected the provider key upstream, got %q", gotKey)
	}
	if gotModel != "prov-model-a" {
		t.Errorf("expected the bound provider model name, got %q", gotModel)
	}
}

func TestDispatchFailsOverOn5xx(t *testing.T) {
	var callsA atomic.Int32
	upstreamA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callsA.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(500)
		w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"internal error"}}`))
	}))
	defer upstreamA.Close()
	upstreamB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(claudeSuccessBody))
	}))
	defer upstreamB.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstreamA.URL, upstreamB.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("expected failover to succeed, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "hello from upstream") {
		t.Errorf("expected the second candidate's body, got: %s", body)
	}
	if callsA.Load() != 1 {
		t.Errorf("primary should have been tried once, got %d", callsA.Load())
	}
}

func TestDispatchSurfacesClientError(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(400)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens is required"}}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "max_tokens is required") {
		t.Errorf("expected the upstream message surfaced, got: %s", body)
	}
	if calls.Load() != 1 {
		t.Errorf("a client fault must not fail over, upstream saw %d calls", calls.Load())
	}
}

// fakeQuota serves spend reads from memory.
type fakeQuota struct {
	userUsed, userQuota float64
	keyUsed, keyBalance float64
	providerUsed        map[string]float64
}

func (f *fakeQuota) UserSpend(context.Context, string) (float64, float64, error) {
	return f.userUsed, f.userQuota, nil
}

func (f *fakeQuota) KeyBalance(context.Context, string) (float64, float64, error) {
	return f.keyUsed, f.keyBalance, nil
}

func (f *fakeQuota) ProviderMonthlySpend(_ context.Context, providerID string) (float64, error) {
	return f.providerUsed[providerID], nil
}

func TestDispatchRejectsExhaustedUserQuota(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached when the user is out of quota")
	}))
	defer upstream.Close()

	cat := buildTestCatalog(t, upstream.URL, upstream.URL)
	cat.Users = []*catalog.User{{ID: "u-1", QuotaUSD: 10, Active: true}}
	cat.APIKeys[0].UserID = "u-1"
	if err := cat.Build(); err != nil {
		t.Fatalf("catalog build: %v", err)
	}

	gw := newTestGateway(t, cat)
	gw.quota = &fakeQuota{userUsed: 10, userQuota: 10}
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 429 {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "quota") {
		t.Errorf("expected the quota named in the envelope, got: %s", body)
	}
}

func TestDispatchAllowsUserWithHeadroom(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(claudeSuccessBody))
	}))
	defer upstream.Close()

	cat := buildTestCatalog(t, upstream.URL, upstream.URL)
	cat.Users = []*catalog.User{{ID: "u-1", QuotaUSD: 10, Active: true}}
	cat.APIKeys[0].UserID = "u-1"
	if err := cat.Build(); err != nil {
		t.Fatalf("catalog build: %v", err)
	}

	gw := newTestGateway(t, cat)
	gw.quota = &fakeQuota{userUsed: 9.99, userQuota: 10}
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)
}

func TestDispatchRejectsDrainedStandaloneKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be reached on a drained key")
	}))
	defer upstream.Close()

	cat := buildTestCatalog(t, upstream.URL, upstream.URL)
	cat.APIKeys[0].Standalone = true
	cat.APIKeys[0].BalanceUSD = 5
	if err := cat.Build(); err != nil {
		t.Fatalf("catalog build: %v", err)
	}

	gw := newTestGateway(t, cat)
	gw.quota = &fakeQuota{keyUsed: 5, keyBalance: 5}
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 429 {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "balance") {
		t.Errorf("expected the balance named in the envelope, got: %s", body)
	}
}

func TestDispatchSkipsProviderOverMonthlyQuota(t *testing.T) {
	upstreamA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("a provider over its monthly quota must not be tried")
	}))
	defer upstreamA.Close()
	var gotKey string
	upstreamB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(claudeSuccessBody))
	}))
	defer upstreamB.Close()

	cat := buildTestCatalog(t, upstreamA.URL, upstreamB.URL)
	cat.Providers[0].Billing = catalog.BillingMonthlyQuota
	cat.Providers[0].MonthlyQuotaUSD = 100
	if err := cat.Build(); err != nil {
		t.Fatalf("catalog build: %v", err)
	}

	gw := newTestGateway(t, cat)
	gw.quota = &fakeQuota{providerUsed: map[string]float64{"prov-a": 100}}
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("expected the next provider to serve, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)
	if gotKey != "sk-up-b" {
		t.Errorf("expected the second provider's key upstream, got %q", gotKey)
	}
}

func TestClientFaultLeavesBreakerClosed(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{FailureThreshold: 2, AuthThreshold: 2})
	gw := NewGateway(context.Background(), GatewayOptions{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Breaker: breaker,
	})
	cand := routing.Candidate{
		Provider: &catalog.Provider{ID: "p"},
		Endpoint: &catalog.Endpoint{ID: "e", Format: apiformat.Claude},
		Key:      &catalog.ProviderKey{ID: "k"},
	}
	req := &request{id: "r"}

	surface := Classification{Outcome: OutcomeSurface, Status: 400, Class: "client_error"}
	for i := 0; i < 10; i++ {
		gw.reactToFailure(req, cand, surface, 0)
	}
	if !breaker.Allow("k", apiformat.Claude) {
		t.Fatal("client faults must not open the breaker")
	}

	retry := Classification{Outcome: OutcomeRetry, Status: 500, Class: "server_error"}
	gw.reactToFailure(req, cand, retry, 0)
	gw.reactToFailure(req, cand, retry, 0)
	if breaker.Allow("k", apiformat.Claude) {
		t.Fatal("server errors past the threshold should open the breaker")
	}
}

func TestDispatchForwardsFilteredUpstreamHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Anthropic-Ratelimit-Requests-Remaining", "99")
		w.Header().Set("Content-Encoding", "identity")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(claudeSuccessBody))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)

	if got := resp.Header.Get("Anthropic-Ratelimit-Requests-Remaining"); got != "99" {
		t.Errorf("upstream rate-limit header lost, got %q", got)
	}
	// body-dependent headers must not survive re-framing
	if got := resp.Header.Get("Content-Encoding"); got != "" {
		t.Errorf("content-encoding leaked through: %q", got)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("content type = %q", ct)
	}
}

func TestDispatchConvertsOpenAIClient(t *testing.T) {
	var gotPath string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(claudeSuccessBody))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/chat/completions",
		`{"model":"relay-test-1","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{"Authorization": "Bearer " + testClientSecret})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	body := readBody(t, resp)

	if gotPath != "/v1/messages" {
		t.Errorf("request should reach the Claude endpoint path, got %q", gotPath)
	}
	if gjson.GetBytes(gotBody, "model").String() != "prov-model-a" {
		t.Errorf("converted body should carry the provider model, got: %s", gotBody)
	}
	if !gjson.Get(body, "choices").Exists() {
		t.Errorf("response should be rendered in the OpenAI dialect, got: %s", body)
	}
	if !strings.Contains(body, "hello from upstream") {
		t.Errorf("response should carry the upstream text, got: %s", body)
	}
}

func TestDispatchStreamsPassthrough(t *testing.T) {
	frames := []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_01\",\"model\":\"prov-model-a\",\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"streamed\"}}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":4}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for _, f := range frames {
			io.WriteString(w, f)
			if fl != nil {
				fl.Flush()
			}
		}
	}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %q", ct)
	}
	body := readBody(t, resp)
	for _, want := range []string{"event: message_start", "streamed", "event: message_stop"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream output missing %q:\n%s", want, body)
		}
	}
}

func TestDispatchStreamFailsOverOnEmbeddedError(t *testing.T) {
	upstreamA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer upstreamA.Close()
	upstreamB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_02\",\"model\":\"prov-model-b\",\"usage\":{\"input_tokens\":5,\"output_tokens\":1}}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstreamB.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstreamA.URL, upstreamB.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1/messages",
		`{"model":"relay-test-1","max_tokens":16,"stream":true,"messages":[{"role":"user","content":"hi"}]}`, claudeAuth())
	if resp.StatusCode != 200 {
		t.Fatalf("embedded error before first byte should fail over, got %d: %s",
			resp.StatusCode, readBody(t, resp))
	}
	body := readBody(t, resp)
	if !strings.Contains(body, "msg_02") {
		t.Errorf("expected the second candidate's stream, got:\n%s", body)
	}
	if strings.Contains(body, "overloaded_error") {
		t.Errorf("the failed candidate's error must not reach the client:\n%s", body)
	}
}

// --- routes -----------------------------------------------------------------

func TestGeminiRouteRejectsBadAction(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	resp := postJSON(t, client, "/v1beta/models/relay-test-1:countTokens?key="+testClientSecret, `{}`, nil)
	if resp.StatusCode != 400 {
		t.Errorf("expected 400 for an unsupported action, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestListModelsClaudeShape(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodGet, "http://relay/v1/models", nil)
	req.Header.Set("x-api-key", testClientSecret)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out struct {
		Data []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if len(out.Data) != 1 || out.Data[0].ID != "relay-test-1" || out.Data[0].Type != "model" {
		t.Errorf("unexpected listing: %+v", out)
	}
}

func TestHealthWithoutChecker(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := newTestGateway(t, buildTestCatalog(t, upstream.URL, upstream.URL))
	client := serveGateway(t, gw)

	req, _ := http.NewRequest(http.MethodGet, "http://relay/health", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	body := readBody(t, resp)
	if resp.StatusCode != 200 || !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("expected an ok health payload, got %d: %s", resp.StatusCode, body)
	}
}
