package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink writes attempt batches into a ClickHouse table using
// the native protocol. Batch failures are logged and the batch is
// dropped; attempt telemetry is best-effort by contract.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
	log   *slog.Logger
}

// NewClickHouseSink connects to addr, verifies the connection, and
// returns a sink writing into table.
func NewClickHouseSink(ctx context.Context, addr, database, username, password, table string) (*ClickHouseSink, error) {
	if ctx == nil {
		return nil, fmt.Errorf("telemetry: context must not be nil")
	}
	if table == "" {
		table = "relay_attempts"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("telemetry: clickhouse ping: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table, log: slog.Default()}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, rows []Attempt) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		s.log.WarnContext(ctx, "telemetry_batch_prepare_error",
			slog.String("error", err.Error()),
		)
		return err
	}
	for _, r := range rows {
		if err := batch.Append(
			r.ID,
			r.RequestID,
			r.CandidateIndex,
			r.ProviderID,
			r.EndpointID,
			r.KeyID,
			r.ClientFormat,
			r.TargetFormat,
			r.NeedsConversion,
			r.IsCached,
			r.IsStream,
			r.Status,
			r.StatusCode,
			r.ErrorClass,
			r.LatencyMs,
			r.TTFBMs,
			r.InputTokens,
			r.OutputTokens,
			r.CostUSD,
			normalizeTime(r.StartedAt),
			normalizeTime(r.FinishedAt),
		); err != nil {
			s.log.WarnContext(ctx, "telemetry_batch_append_error",
				slog.String("error", err.Error()),
			)
			return err
		}
	}
	if err := batch.Send(); err != nil {
		s.log.WarnContext(ctx, "telemetry_batch_send_error",
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
