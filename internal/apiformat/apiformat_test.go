package apiformat

import "testing"

func TestResolveAliases(t *testing.T) {
	cases := []struct {
		in   string
		want Format
	}{
		{"claude", Claude},
		{"Anthropic", Claude},
		{"CLAUDE_CLI", ClaudeCLI},
		{"claude-cli", ClaudeCLI},
		{"openai", OpenAI},
		{"deepseek", OpenAI},
		{"responses", OpenAICLI},
		{"gemini", Gemini},
		{"google", Gemini},
		{"Gemini CLI", GeminiCLI},
		{"", FormatUnknown},
		{"made-up", FormatUnknown},
	}
	for _, c := range cases {
		if got := Resolve(c.in); got != c.want {
			t.Fatalf("Resolve(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeAlias(t *testing.T) {
	if got := NormalizeAlias("  Claude-CLI  "); got != "claude_cli" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeAlias("__x__"); got != "x" {
		t.Fatalf("got %q", got)
	}
}

func TestCanPassthrough(t *testing.T) {
	cases := []struct {
		a, b Format
		want bool
	}{
		{Claude, Claude, true},
		{Claude, ClaudeCLI, true},
		{ClaudeCLI, Claude, true},
		{Gemini, GeminiCLI, true},
		{OpenAI, OpenAICLI, false},
		{OpenAICLI, OpenAI, false},
		{Claude, OpenAI, false},
		{OpenAI, Gemini, false},
	}
	for _, c := range cases {
		if got := CanPassthrough(c.a, c.b); got != c.want {
			t.Fatalf("CanPassthrough(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestAuthConfig(t *testing.T) {
	h, typ := AuthConfig(Claude)
	if h != "x-api-key" || typ != AuthHeader {
		t.Fatalf("claude auth = %s/%s", h, typ)
	}
	h, typ = AuthConfig(OpenAI)
	if h != "Authorization" || typ != AuthBearer {
		t.Fatalf("openai auth = %s/%s", h, typ)
	}
	h, typ = AuthConfig(Gemini)
	if h != "x-goog-api-key" || typ != AuthHeader {
		t.Fatalf("gemini auth = %s/%s", h, typ)
	}
}

func TestModelPlacement(t *testing.T) {
	def, ok := Lookup(Gemini)
	if !ok {
		t.Fatal("gemini not registered")
	}
	if def.ModelInBody || def.StreamInBody {
		t.Fatal("gemini carries model and stream in the URL, not the body")
	}
	def, _ = Lookup(Claude)
	if !def.ModelInBody || !def.StreamInBody {
		t.Fatal("claude carries model and stream in the body")
	}
	if ExtraHeaders(Claude)["anthropic-version"] == "" {
		t.Fatal("claude requires anthropic-version")
	}
}

func TestBaseAndCLI(t *testing.T) {
	if !IsCLI(ClaudeCLI) || IsCLI(Claude) {
		t.Fatal("IsCLI misclassifies")
	}
	if Base(GeminiCLI) != Gemini || Base(OpenAI) != OpenAI {
		t.Fatal("Base misclassifies")
	}
}
