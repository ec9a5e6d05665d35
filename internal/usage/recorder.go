package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/codec"
)

// ErrQuotaExceeded is returned when the guarded quota decrement found
// no headroom. The whole transaction rolls back, so no usage row is
// written either.
var ErrQuotaExceeded = errors.New("usage: quota exceeded")

// Row is one recorded request.
type Row struct {
	RequestID  string
	UserID     string
	APIKeyID   string
	ProviderID string
	EndpointID string
	KeyID      string
	ModelName  string
	Format     apiformat.Format

	Usage    codec.Usage
	CostUSD  float64
	IsStream bool

	StatusCode int
	LatencyMs  int64
	TTFBMs     int64
}

// TxBeginner opens transactions; satisfied by store.Store.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MonthlyQuota marks providers whose monthly spend is tracked and
// names the day of month their billing period starts; satisfied by a
// catalog lookup.
type MonthlyQuota func(providerID string) (resetDay int, tracked bool)

// Recorder persists usage rows and enforces quotas inside one
// transaction.
type Recorder struct {
	db      TxBeginner
	monthly MonthlyQuota
}

// NewRecorder builds a Recorder. monthly may be nil, disabling
// provider monthly-spend tracking.
func NewRecorder(db TxBeginner, monthly MonthlyQuota) *Recorder {
	if monthly == nil {
		monthly = func(string) (int, bool) { return 0, false }
	}
	return &Recorder{db: db, monthly: monthly}
}

// Record writes the usage row and applies every balance decrement in
// one transaction. The user and key updates are guarded: when adding
// the cost would cross the quota or balance, no row is affected, the
// transaction rolls back and ErrQuotaExceeded is returned.
func (r *Recorder) Record(ctx context.Context, row Row) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("usage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_records (
			request_id, user_id, api_key_id,
			provider_id, endpoint_id, key_id,
			model_name, api_format,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, is_stream, status_code, latency_ms, ttfb_ms, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		row.RequestID, nullable(row.UserID), nullable(row.APIKeyID),
		row.ProviderID, row.EndpointID, row.KeyID,
		row.ModelName, string(row.Format),
		row.Usage.InputTokens, row.Usage.OutputTokens,
		row.Usage.CacheReadTokens, row.Usage.CacheWriteTokens,
		row.CostUSD, row.IsStream, row.StatusCode, row.LatencyMs, row.TTFBMs,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("usage: insert: %w", err)
	}

	if row.UserID != "" && row.CostUSD > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE users
			SET used_usd = used_usd + $1
			WHERE id = $2 AND used_usd + $1 <= quota_usd`,
			row.CostUSD, row.UserID,
		)
		if err != nil {
			return fmt.Errorf("usage: user decrement: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrQuotaExceeded
		}
	}

	if row.APIKeyID != "" && row.CostUSD > 0 {
		tag, err := tx.Exec(ctx, `
			UPDATE api_keys
			SET balance_used_usd = balance_used_usd + $1
			WHERE id = $2
			  AND (NOT standalone OR balance_used_usd + $1 <= balance_usd)`,
			row.CostUSD, row.APIKeyID,
		)
		if err != nil {
			return fmt.Errorf("usage: key decrement: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrQuotaExceeded
		}
	}

	if day, tracked := r.monthly(row.ProviderID); tracked && row.CostUSD > 0 {
		// The counter restarts whenever the stored period start is
		// older than the one containing this request.
		start := periodStart(time.Now().UTC(), day)
		if _, err := tx.Exec(ctx, `
			UPDATE providers
			SET monthly_used_usd = CASE
					WHEN monthly_period_start < $3 THEN $1
					ELSE monthly_used_usd + $1
				END,
				monthly_period_start = GREATEST(monthly_period_start, $3)
			WHERE id = $2`,
			row.CostUSD, row.ProviderID, start,
		); err != nil {
			return fmt.Errorf("usage: provider accrual: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("usage: commit: %w", err)
	}
	return nil
}

// periodStart returns the first day of the billing period containing
// now for a counter that resets on resetDay of each month. Reset days
// past a month's end clamp to its last day.
func periodStart(now time.Time, resetDay int) time.Time {
	if resetDay < 1 {
		resetDay = 1
	}
	y, m, _ := now.Date()
	start := monthAnchor(y, m, resetDay, now.Location())
	if now.Before(start) {
		start = monthAnchor(y, m-1, resetDay, now.Location())
	}
	return start
}

func monthAnchor(year int, month time.Month, day int, loc *time.Location) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, loc)
}

// nullable maps the empty string onto SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
