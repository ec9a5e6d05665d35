package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Adaptive learns a per-key RPM limit from upstream rate-limit signals
// using boundary memory: a 429 records the RPM at which it fired (the
// boundary), the limit drops to 90% of that boundary, and later growth
// never crosses the boundary except through slow probing after a long
// quiet period. One 429 is enough to converge near the real limit, and
// repeated 429s do not drive the limit toward zero.
type Adaptive struct {
	rdb *redis.Client
	cfg AdaptiveConfig

	now func() time.Time
}

// AdaptiveConfig tunes the controller. Zero fields take defaults.
type AdaptiveConfig struct {
	InitialLimit int
	MinLimit     int
	MaxLimit     int
	IncreaseStep int
}

const (
	defaultInitialLimit = 10
	defaultMinLimit     = 1
	defaultMaxLimit     = 5000
	defaultIncreaseStep = 2

	utilizationWindowSize = 50
	utilizationWindow     = 5 * time.Minute
	utilizationThreshold  = 0.8
	highUtilizationRatio  = 0.6
	minSamplesForDecision = 10

	probeInterval    = 30 * time.Minute
	probeMinRequests = 10
	probeMinAvgUtil  = 0.3

	cooldownAfter429 = 5 * time.Minute

	adaptiveKeyPrefix    = "ratelimit:adaptive:"
	adaptiveStateTTL     = 7 * 24 * time.Hour
	adaptiveQueryTimeout = 500 * time.Millisecond
)

// NewAdaptive builds the controller on rdb.
func NewAdaptive(rdb *redis.Client, cfg AdaptiveConfig) *Adaptive {
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = defaultInitialLimit
	}
	if cfg.MinLimit <= 0 {
		cfg.MinLimit = defaultMinLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = defaultMaxLimit
	}
	if cfg.IncreaseStep <= 0 {
		cfg.IncreaseStep = defaultIncreaseStep
	}
	return &Adaptive{rdb: rdb, cfg: cfg, now: time.Now}
}

type utilSample struct {
	TS   int64   `json:"ts"`
	Util float64 `json:"util"`
}

type adaptiveState struct {
	Learned       int          `json:"learned,omitempty"`
	Peak          int          `json:"peak,omitempty"`
	RPM429        int          `json:"rpm_429,omitempty"`
	Concurrent429 int          `json:"concurrent_429,omitempty"`
	Last429       int64        `json:"last_429,omitempty"`
	LastProbe     int64        `json:"last_probe,omitempty"`
	Samples       []utilSample `json:"samples,omitempty"`
}

// Limit returns the effective limit for keyID: the learned value, or
// the conservative initial default before the first adjustment.
func (a *Adaptive) Limit(ctx context.Context, keyID string) int {
	st := a.load(ctx, keyID)
	return a.effective(st)
}

func (a *Adaptive) effective(st *adaptiveState) int {
	if st.Learned > 0 {
		return st.Learned
	}
	return a.cfg.InitialLimit
}

// RecordRateLimited registers an upstream 429. observedRPM is the
// window counter at the time of the failure; zero means unknown.
// concurrencyCap marks a concurrent-request cap rather than an RPM
// cap, which resets the sampling window but leaves the limit alone.
// Returns the effective limit after the adjustment.
func (a *Adaptive) RecordRateLimited(ctx context.Context, keyID string, observedRPM int, concurrencyCap bool) int {
	st := a.load(ctx, keyID)
	st.Last429 = a.now().Unix()
	st.Samples = nil

	if concurrencyCap {
		st.Concurrent429++
		a.store(ctx, keyID, st)
		return a.effective(st)
	}

	st.RPM429++
	old := a.effective(st)

	var candidate int
	if observedRPM > 0 {
		st.Peak = observedRPM
		candidate = int(float64(observedRPM) * 0.90)
	} else {
		candidate = int(float64(old) * 0.90)
	}
	if candidate > old-1 {
		candidate = old - 1
	}
	if candidate < a.cfg.MinLimit {
		candidate = a.cfg.MinLimit
	}
	st.Learned = candidate
	a.store(ctx, keyID, st)

	slog.WarnContext(ctx, "adaptive_rpm_decrease",
		slog.String("key_id", keyID),
		slog.Int("observed_rpm", observedRPM),
		slog.Int("old_limit", old),
		slog.Int("new_limit", candidate),
	)
	return candidate
}

// RecordSuccess registers a successful request and its window counter,
// feeding the utilization window. Returns the effective limit and
// whether it was raised by this call.
//
// Raise conditions, checked outside the post-429 cooldown:
//   - high utilization: enough samples with most at or above the
//     utilization threshold raises by the additive step, never past the
//     known boundary;
//   - probe: after a long quiet period with real traffic, a single +1
//     step may cross the boundary.
func (a *Adaptive) RecordSuccess(ctx context.Context, keyID string, observedRPM int) (int, bool) {
	st := a.load(ctx, keyID)
	limit := a.effective(st)
	now := a.now()

	util := 0.0
	if limit > 0 {
		util = float64(observedRPM) / float64(limit)
	}
	st.Samples = appendSample(st.Samples, utilSample{TS: now.Unix(), Util: util}, now)

	if st.Last429 != 0 && now.Sub(time.Unix(st.Last429, 0)) < cooldownAfter429 {
		a.store(ctx, keyID, st)
		return limit, false
	}

	reason := ""
	if len(st.Samples) >= minSamplesForDecision {
		high := 0
		for _, s := range st.Samples {
			if s.Util >= utilizationThreshold {
				high++
			}
		}
		if float64(high)/float64(len(st.Samples)) >= highUtilizationRatio {
			if st.Peak == 0 || limit < st.Peak {
				reason = "high_utilization"
			}
		}
	}
	if reason == "" && a.shouldProbe(st, now) {
		reason = "probe"
	}
	if reason == "" {
		a.store(ctx, keyID, st)
		return limit, false
	}

	var next int
	if reason == "probe" {
		next = limit + 1
	} else {
		next = limit + a.cfg.IncreaseStep
		if st.Peak > 0 && next > st.Peak {
			next = st.Peak
		}
	}
	if next > a.cfg.MaxLimit {
		next = a.cfg.MaxLimit
	}
	if next <= limit {
		a.store(ctx, keyID, st)
		return limit, false
	}

	st.Learned = next
	st.Samples = nil
	if reason == "probe" {
		st.LastProbe = now.Unix()
	}
	a.store(ctx, keyID, st)

	slog.InfoContext(ctx, "adaptive_rpm_increase",
		slog.String("key_id", keyID),
		slog.String("reason", reason),
		slog.Int("old_limit", limit),
		slog.Int("new_limit", next),
		slog.Int("boundary", st.Peak),
	)
	return next, true
}

// Reset clears all learned state for keyID.
func (a *Adaptive) Reset(ctx context.Context, keyID string) error {
	ctx, cancel := context.WithTimeout(ctx, adaptiveQueryTimeout)
	defer cancel()
	return a.rdb.Del(ctx, adaptiveKeyPrefix+keyID).Err()
}

// Stats is an operator-facing snapshot of one key's learned state.
type Stats struct {
	EffectiveLimit     int
	LearnedLimit       int
	Boundary           int
	RPM429Count        int
	Concurrent429Count int
	Last429At          time.Time
	LastProbeAt        time.Time
	SampleCount        int
	AvgUtilization     float64
}

// Snapshot reads the current state for keyID.
func (a *Adaptive) Snapshot(ctx context.Context, keyID string) Stats {
	st := a.load(ctx, keyID)
	s := Stats{
		EffectiveLimit:     a.effective(st),
		LearnedLimit:       st.Learned,
		Boundary:           st.Peak,
		RPM429Count:        st.RPM429,
		Concurrent429Count: st.Concurrent429,
		SampleCount:        len(st.Samples),
	}
	if st.Last429 != 0 {
		s.Last429At = time.Unix(st.Last429, 0)
	}
	if st.LastProbe != 0 {
		s.LastProbeAt = time.Unix(st.LastProbe, 0)
	}
	if len(st.Samples) > 0 {
		sum := 0.0
		for _, smp := range st.Samples {
			sum += smp.Util
		}
		s.AvgUtilization = sum / float64(len(st.Samples))
	}
	return s
}

func (a *Adaptive) shouldProbe(st *adaptiveState, now time.Time) bool {
	if st.Last429 != 0 && now.Sub(time.Unix(st.Last429, 0)) < probeInterval {
		return false
	}
	if st.LastProbe != 0 && now.Sub(time.Unix(st.LastProbe, 0)) < probeInterval {
		return false
	}
	if len(st.Samples) < probeMinRequests {
		return false
	}
	sum := 0.0
	for _, s := range st.Samples {
		sum += s.Util
	}
	return sum/float64(len(st.Samples)) >= probeMinAvgUtil
}

func appendSample(samples []utilSample, s utilSample, now time.Time) []utilSample {
	samples = append(samples, s)
	cutoff := now.Add(-utilizationWindow).Unix()
	kept := samples[:0]
	for _, smp := range samples {
		if smp.TS > cutoff {
			kept = append(kept, smp)
		}
	}
	if len(kept) > utilizationWindowSize {
		kept = kept[len(kept)-utilizationWindowSize:]
	}
	return kept
}

func (a *Adaptive) load(ctx context.Context, keyID string) *adaptiveState {
	st := &adaptiveState{}
	ctx, cancel := context.WithTimeout(ctx, adaptiveQueryTimeout)
	defer cancel()
	raw, err := a.rdb.Get(ctx, adaptiveKeyPrefix+keyID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "adaptive_state_get_error",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
		return st
	}
	if err := json.Unmarshal(raw, st); err != nil {
		slog.WarnContext(ctx, "adaptive_state_decode_error",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
		return &adaptiveState{}
	}
	return st
}

func (a *Adaptive) store(ctx context.Context, keyID string, st *adaptiveState) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, adaptiveQueryTimeout)
	defer cancel()
	if err := a.rdb.Set(ctx, adaptiveKeyPrefix+keyID, raw, adaptiveStateTTL).Err(); err != nil {
		slog.WarnContext(ctx, "adaptive_state_set_error",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}
