package usage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

func TestCostFlat(t *testing.T) {
	p := &catalog.Pricing{InputPerM: 3, OutputPerM: 15, CacheReadPerM: 0.3, CacheWritePerM: 3.75}
	u := codec.Usage{InputTokens: 1_000_000, OutputTokens: 200_000, CacheReadTokens: 500_000, CacheWriteTokens: 100_000}

	got := Cost(p, u, TemplateClaude)
	want := 3.0 + 3.0 + 0.15 + 0.375
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("cost = %v, want %v", got, want)
	}
}

func TestCostPerRequest(t *testing.T) {
	flat := 0.01
	p := &catalog.Pricing{PerRequest: &flat}
	if got := Cost(p, codec.Usage{InputTokens: 10}, TemplateOpenAI); got != 0.01 {
		t.Fatalf("cost = %v, want per-request only", got)
	}
	if got := Cost(nil, codec.Usage{InputTokens: 10}, TemplateOpenAI); got != 0 {
		t.Fatalf("unpriced cost = %v, want 0", got)
	}
}

func TestCostTierSelectionPerTemplate(t *testing.T) {
	cap1 := 1000
	p := &catalog.Pricing{
		Tiers: []catalog.PriceTier{
			{UpTo: &cap1, InputPerM: 1, OutputPerM: 2},
			{UpTo: nil, InputPerM: 10, OutputPerM: 20},
		},
	}
	// context: input 800 + cache read 100 = 900; cache write 200 pushes
	// claude and gemini over the tier boundary, openai stays under
	u := codec.Usage{InputTokens: 800, CacheReadTokens: 100, CacheWriteTokens: 200, OutputTokens: 0}

	low := Cost(p, u, TemplateOpenAI)
	high := Cost(p, u, TemplateClaude)
	if low >= high {
		t.Fatalf("openai cost %v should be below claude cost %v", low, high)
	}
	if got := Cost(p, u, TemplateGemini); got != high {
		t.Fatalf("gemini cost = %v, want %v", got, high)
	}
}

func TestTemplateFor(t *testing.T) {
	if got := TemplateFor(apiformat.ClaudeCLI, nil); got != TemplateClaude {
		t.Fatalf("claude_cli template = %v", got)
	}
	if got := TemplateFor(apiformat.OpenAICLI, nil); got != TemplateOpenAI {
		t.Fatalf("openai_cli template = %v", got)
	}
	binding := &catalog.ModelBinding{BillingTemplate: "gemini"}
	if got := TemplateFor(apiformat.OpenAI, binding); got != TemplateGemini {
		t.Fatalf("binding override = %v", got)
	}
}

func TestAttemptCost(t *testing.T) {
	model := &catalog.GlobalModel{Pricing: &catalog.Pricing{InputPerM: 1}}
	u := codec.Usage{InputTokens: 1_000_000}

	free := &catalog.Provider{Billing: catalog.BillingFreeTier}
	if got := AttemptCost(model, nil, free, nil, apiformat.Claude, u); got != 0 {
		t.Fatalf("free tier cost = %v", got)
	}

	paid := &catalog.Provider{Billing: catalog.BillingPayAsYouGo}
	key := &catalog.ProviderKey{RateMultiplier: 0.5}
	if got := AttemptCost(model, nil, paid, key, apiformat.Claude, u); got != 0.5 {
		t.Fatalf("multiplied cost = %v, want 0.5", got)
	}

	// binding pricing overrides the model default
	binding := &catalog.ModelBinding{Pricing: &catalog.Pricing{InputPerM: 2}}
	if got := AttemptCost(model, binding, paid, nil, apiformat.Claude, u); got != 2 {
		t.Fatalf("binding-priced cost = %v, want 2", got)
	}
}

// fakeTx records executed SQL; statements matching failMatch report
// zero affected rows.
type fakeTx struct {
	pgx.Tx
	stmts     []string
	args      [][]any
	failMatch string
	committed bool
	rolledBk  bool
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.stmts = append(f.stmts, sql)
	f.args = append(f.args, args)
	if f.failMatch != "" && strings.Contains(sql, f.failMatch) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	if strings.Contains(sql, "INSERT") {
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolledBk = true; return nil }

type fakeDB struct{ tx *fakeTx }

func (f *fakeDB) Begin(context.Context) (pgx.Tx, error) { return f.tx, nil }

func sampleRow() Row {
	return Row{
		RequestID:  "req-1",
		UserID:     "u-1",
		APIKeyID:   "ak-1",
		ProviderID: "p-1",
		EndpointID: "e-1",
		KeyID:      "k-1",
		ModelName:  "claude-sonnet-4-5",
		Format:     apiformat.Claude,
		Usage:      codec.Usage{InputTokens: 3, OutputTokens: 7},
		CostUSD:    0.01,
		StatusCode: 200,
	}
}

func TestRecorderCommitsOneTransaction(t *testing.T) {
	tx := &fakeTx{}
	rec := NewRecorder(&fakeDB{tx: tx}, func(providerID string) (int, bool) {
		return 1, providerID == "p-1"
	})

	if err := rec.Record(context.Background(), sampleRow()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !tx.committed {
		t.Fatal("transaction not committed")
	}
	if len(tx.stmts) != 4 {
		t.Fatalf("statements = %d, want insert + 3 updates", len(tx.stmts))
	}
	if !strings.Contains(tx.stmts[0], "INSERT INTO usage_records") {
		t.Fatalf("first statement = %q", tx.stmts[0])
	}
	if !strings.Contains(tx.stmts[3], "monthly_used_usd") {
		t.Fatalf("last statement = %q", tx.stmts[3])
	}
}

func TestRecorderProviderAccrualRollsThePeriod(t *testing.T) {
	tx := &fakeTx{}
	rec := NewRecorder(&fakeDB{tx: tx}, func(string) (int, bool) { return 15, true })

	before := periodStart(time.Now().UTC(), 15)
	if err := rec.Record(context.Background(), sampleRow()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	after := periodStart(time.Now().UTC(), 15)

	last := tx.stmts[len(tx.stmts)-1]
	if !strings.Contains(last, "monthly_period_start < $3") ||
		!strings.Contains(last, "GREATEST(monthly_period_start, $3)") {
		t.Fatalf("provider accrual must restart the counter on a new period, got:\n%s", last)
	}
	args := tx.args[len(tx.args)-1]
	if len(args) != 3 {
		t.Fatalf("provider accrual args = %v", args)
	}
	got, ok := args[2].(time.Time)
	if !ok {
		t.Fatalf("period argument = %T", args[2])
	}
	if !got.Equal(before) && !got.Equal(after) {
		t.Fatalf("period start = %v, want %v", got, before)
	}
}

func TestPeriodStart(t *testing.T) {
	utc := time.UTC
	now := time.Date(2026, time.August, 24, 10, 0, 0, 0, utc)

	if got := periodStart(now, 15); !got.Equal(time.Date(2026, time.August, 15, 0, 0, 0, 0, utc)) {
		t.Fatalf("reset day passed: %v", got)
	}
	if got := periodStart(now, 28); !got.Equal(time.Date(2026, time.July, 28, 0, 0, 0, 0, utc)) {
		t.Fatalf("reset day ahead: %v", got)
	}
	// reset days beyond a month's end clamp to its last day
	sep := time.Date(2026, time.September, 30, 23, 0, 0, 0, utc)
	if got := periodStart(sep, 31); !got.Equal(time.Date(2026, time.September, 30, 0, 0, 0, 0, utc)) {
		t.Fatalf("clamped reset day: %v", got)
	}
	mar := time.Date(2026, time.March, 1, 0, 0, 0, 0, utc)
	if got := periodStart(mar, 31); !got.Equal(time.Date(2026, time.February, 28, 0, 0, 0, 0, utc)) {
		t.Fatalf("february clamp: %v", got)
	}
	// an unset reset day behaves like the first of the month
	if got := periodStart(now, 0); !got.Equal(time.Date(2026, time.August, 1, 0, 0, 0, 0, utc)) {
		t.Fatalf("zero reset day: %v", got)
	}
}

func TestRecorderQuotaExceededRollsBack(t *testing.T) {
	tx := &fakeTx{failMatch: "UPDATE users"}
	rec := NewRecorder(&fakeDB{tx: tx}, nil)

	err := rec.Record(context.Background(), sampleRow())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if tx.committed {
		t.Fatal("transaction committed after quota rejection")
	}
	if !tx.rolledBk {
		t.Fatal("transaction not rolled back")
	}
}

func TestRecorderZeroCostSkipsDecrements(t *testing.T) {
	tx := &fakeTx{}
	rec := NewRecorder(&fakeDB{tx: tx}, func(string) (int, bool) { return 1, true })

	row := sampleRow()
	row.CostUSD = 0
	if err := rec.Record(context.Background(), row); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(tx.stmts) != 1 {
		t.Fatalf("statements = %d, want insert only", len(tx.stmts))
	}
}
