package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// SlogSink logs each attempt row as a structured record. Used when no
// ClickHouse address is configured and in development.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, rows []Attempt) error {
	for _, r := range rows {
		s.log.InfoContext(ctx, "attempt",
			slog.String("id", r.ID.String()),
			slog.String("request_id", r.RequestID),
			slog.Int("candidate_index", int(r.CandidateIndex)),
			slog.String("provider_id", r.ProviderID),
			slog.String("endpoint_id", r.EndpointID),
			slog.String("key_id", r.KeyID),
			slog.String("client_format", r.ClientFormat),
			slog.String("target_format", r.TargetFormat),
			slog.Bool("needs_conversion", r.NeedsConversion),
			slog.Bool("is_cached", r.IsCached),
			slog.Bool("is_stream", r.IsStream),
			slog.String("status", r.Status),
			slog.Uint64("status_code", uint64(r.StatusCode)),
			slog.String("error_class", r.ErrorClass),
			slog.Uint64("latency_ms", uint64(r.LatencyMs)),
			slog.Uint64("ttfb_ms", uint64(r.TTFBMs)),
			slog.Uint64("input_tokens", uint64(r.InputTokens)),
			slog.Uint64("output_tokens", uint64(r.OutputTokens)),
			slog.Float64("cost_usd", r.CostUSD),
			slog.Time("started_at", normalizeTime(r.StartedAt)),
			slog.Time("finished_at", normalizeTime(r.FinishedAt)),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
