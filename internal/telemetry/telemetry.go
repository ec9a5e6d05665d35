// Package telemetry implements a non-blocking, batched writer for
// per-attempt telemetry rows.
//
// Rows are written to an internal buffered channel and flushed in
// batches by a background goroutine, so recording never blocks the
// dispatch hot path. If the channel fills up (> 10 000 rows), new rows
// are dropped and counted in Dropped.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Attempt is one dispatch attempt against one candidate.
type Attempt struct {
	ID             uuid.UUID
	RequestID      string
	CandidateIndex uint8

	ProviderID string
	EndpointID string
	KeyID      string

	ClientFormat    string
	TargetFormat    string
	NeedsConversion bool
	IsCached        bool
	IsStream        bool

	Status     string
	StatusCode uint16
	ErrorClass string

	LatencyMs uint32
	TTFBMs    uint32

	InputTokens  uint32
	OutputTokens uint32
	CostUSD      float64

	StartedAt  time.Time
	FinishedAt time.Time
}

// Sink persists one batch of rows.
type Sink interface {
	WriteBatch(ctx context.Context, rows []Attempt) error
	Close() error
}

// Writer batches attempts toward a sink.
type Writer struct {
	sink Sink

	ch        chan Attempt
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
}

// NewWriter starts the background flusher.
func NewWriter(ctx context.Context, sink Sink) (*Writer, error) {
	if ctx == nil {
		return nil, fmt.Errorf("telemetry: context must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("telemetry: sink must not be nil")
	}

	w := &Writer{
		sink:    sink,
		ch:      make(chan Attempt, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Record enqueues one row. Never blocks; rows beyond the buffer are
// dropped and counted.
func (w *Writer) Record(row Attempt) {
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	select {
	case w.ch <- row:
	default:
		atomic.AddInt64(&w.dropped, 1)
	}
}

// Dropped returns the number of rows lost to backpressure.
func (w *Writer) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the channel, flushes the final batch and closes the
// sink.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return w.sink.Close()
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Attempt, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		_ = w.sink.WriteBatch(w.baseCtx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case row := <-w.ch:
					batch = append(batch, row)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
