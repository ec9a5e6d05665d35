package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

// cbState is the operational state of one (key, format) cell.
//
//	cbClosed   normal operation, attempts pass through
//	cbOpen     cell is failing, attempts are rejected until probe time
//	cbHalfOpen one probe attempt in flight
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values
// fall back to the package defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that
	// trips the cell. Default 5.
	FailureThreshold int

	// AuthThreshold is the number of consecutive auth failures
	// (401/403) that trips the cell regardless of Window. Default 2.
	AuthThreshold int

	// Window is the rolling window for counting failures. Default 60s.
	Window time.Duration

	// BaseBackoff is the open interval after the first trip; each
	// consecutive re-open doubles it up to MaxBackoff. Defaults 30s
	// and 10m.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *BreakerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c *BreakerConfig) authThreshold() int {
	if c.AuthThreshold > 0 {
		return c.AuthThreshold
	}
	return 2
}

func (c *BreakerConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return time.Minute
}

func (c *BreakerConfig) baseBackoff() time.Duration {
	if c.BaseBackoff > 0 {
		return c.BaseBackoff
	}
	return 30 * time.Second
}

func (c *BreakerConfig) maxBackoff() time.Duration {
	if c.MaxBackoff > 0 {
		return c.MaxBackoff
	}
	return 10 * time.Minute
}

type cellKey struct {
	keyID  string
	format apiformat.Format
}

// cell holds breaker state for one (key, format).
type cell struct {
	mu sync.Mutex

	state         cbState
	events        []cellEvent // rolling success/failure window
	authFailures  int         // consecutive, reset on success
	openedAt      time.Time
	nextProbeAt   time.Time
	backoff       time.Duration
	probeInflight bool
}

type cellEvent struct {
	at time.Time
	ok bool
}

// Breaker manages independent circuit breakers for each provider key
// and wire dialect. A key failing on one dialect stays eligible on its
// other dialects. Safe for concurrent use.
type Breaker struct {
	mu    sync.RWMutex
	cells map[cellKey]*cell
	cfg   BreakerConfig

	now func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cells: make(map[cellKey]*cell),
		cfg:   cfg,
		now:   time.Now,
	}
}

// Allow reports whether the (key, format) cell should receive the next
// attempt. Open cells whose probe time has passed admit exactly one
// probe attempt.
func (b *Breaker) Allow(keyID string, format apiformat.Format) bool {
	c := b.peek(keyID, format)
	if c == nil {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case cbClosed:
		return true

	case cbOpen:
		if b.now().Before(c.nextProbeAt) {
			return false
		}
		c.state = cbHalfOpen
		c.probeInflight = true
		return true

	case cbHalfOpen:
		if c.probeInflight {
			return false
		}
		c.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess closes the cell and clears its failure history.
func (b *Breaker) RecordSuccess(keyID string, format apiformat.Format) {
	c := b.get(keyID, format)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = cbClosed
	c.authFailures = 0
	c.probeInflight = false
	c.backoff = 0
	c.events = b.trim(append(c.events, cellEvent{at: b.now(), ok: true}))
}

// RecordFailure counts a health-affecting failure. auth marks 401/403
// responses, which trip the cell on a much shorter fuse. A failed
// half-open probe re-opens with doubled backoff.
func (b *Breaker) RecordFailure(keyID string, format apiformat.Format, auth bool) {
	c := b.get(keyID, format)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := b.now()
	c.events = b.trim(append(c.events, cellEvent{at: now, ok: false}))

	if auth {
		c.authFailures++
	}

	wasProbe := c.state == cbHalfOpen
	c.probeInflight = false

	failures := 0
	for _, ev := range c.events {
		if !ev.ok {
			failures++
		}
	}

	trip := wasProbe ||
		c.authFailures >= b.cfg.authThreshold() ||
		failures >= b.cfg.failureThreshold()
	if !trip {
		return
	}

	if c.backoff == 0 {
		c.backoff = b.cfg.baseBackoff()
	} else {
		c.backoff *= 2
		if c.backoff > b.cfg.maxBackoff() {
			c.backoff = b.cfg.maxBackoff()
		}
	}
	c.state = cbOpen
	c.openedAt = now
	c.nextProbeAt = now.Add(c.backoff)
}

// CellHealth is one cell's state for operators.
type CellHealth struct {
	KeyID       string
	Format      apiformat.Format
	State       string
	Score       float64 // fraction of recent attempts that succeeded
	NextProbeAt time.Time
}

// Snapshot returns the health of every tracked cell.
func (b *Breaker) Snapshot() []CellHealth {
	b.mu.RLock()
	keys := make([]cellKey, 0, len(b.cells))
	cells := make([]*cell, 0, len(b.cells))
	for k, c := range b.cells {
		keys = append(keys, k)
		cells = append(cells, c)
	}
	b.mu.RUnlock()

	out := make([]CellHealth, 0, len(cells))
	for i, c := range cells {
		c.mu.Lock()
		ok := 0
		for _, ev := range c.events {
			if ev.ok {
				ok++
			}
		}
		score := 1.0
		if len(c.events) > 0 {
			score = float64(ok) / float64(len(c.events))
		}
		out = append(out, CellHealth{
			KeyID:       keys[i].keyID,
			Format:      keys[i].format,
			State:       stateLabel(c.state),
			Score:       score,
			NextProbeAt: c.nextProbeAt,
		})
		c.mu.Unlock()
	}
	return out
}

// StateLabel returns "closed", "open", or "half_open" for one cell.
func (b *Breaker) StateLabel(keyID string, format apiformat.Format) string {
	c := b.peek(keyID, format)
	if c == nil {
		return "closed"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateLabel(c.state)
}

func stateLabel(s cbState) string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (b *Breaker) trim(events []cellEvent) []cellEvent {
	cutoff := b.now().Add(-b.cfg.window())
	i := 0
	for i < len(events) && events[i].at.Before(cutoff) {
		i++
	}
	return events[i:]
}

func (b *Breaker) peek(keyID string, format apiformat.Format) *cell {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cells[cellKey{keyID: keyID, format: format}]
}

func (b *Breaker) get(keyID string, format apiformat.Format) *cell {
	k := cellKey{keyID: keyID, format: format}
	b.mu.RLock()
	c := b.cells[k]
	b.mu.RUnlock()
	if c != nil {
		return c
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c = b.cells[k]; c == nil {
		c = &cell{state: cbClosed}
		b.cells[k] = c
	}
	return c
}
