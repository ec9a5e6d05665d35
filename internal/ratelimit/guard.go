// Package ratelimit implements the per-key RPM admission guard and the
// adaptive limit controller, both backed by Redis. Counters use a fixed
// 60-second window: atomic increment with a TTL set on the first hit of
// the window, never decremented on completion.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	rpmKeyPrefix = "ratelimit:key:rpm:"
	rpmWindow    = time.Minute

	guardQueryTimeout = 500 * time.Millisecond

	// unboundedLimit stands in when a key has no learned or configured
	// limit yet. The counter still advances so the window stays observable.
	unboundedLimit = math.MaxInt32
)

// admitScript checks the counter against the effective limit and
// increments on admission, atomically. The TTL is set only when the
// increment opens a new window.
// KEYS[1] = counter key
// ARGV[1] = effective limit
// ARGV[2] = window in milliseconds
// Returns {admitted (1/0), counter value after the call}.
var admitScript = redis.NewScript(`
		local count = tonumber(redis.call('GET', KEYS[1]) or '0')
		local limit = tonumber(ARGV[1])
		if count >= limit then
			return {0, count}
		end
		count = redis.call('INCR', KEYS[1])
		if count == 1 then
			redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
		end
		return {1, count}
`)

// ConcurrencyLimitError reports a rejected admission. The orchestrator
// treats it as "try next candidate" without touching key health.
type ConcurrencyLimitError struct {
	KeyID string
	Count int
	Limit int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("ratelimit: key %s at %d/%d rpm", e.KeyID, e.Count, e.Limit)
}

// IsConcurrencyLimit reports whether err is a guard rejection.
func IsConcurrencyLimit(err error) bool {
	var cle *ConcurrencyLimitError
	return errors.As(err, &cle)
}

// Guard admits or rejects dispatch attempts against a provider key's
// RPM window. A share of each window is reserved for cache-affinity
// attempts; the reservation ratio comes from the Reservation policy.
// All Redis failures degrade to admission.
type Guard struct {
	rdb         *redis.Client
	reservation *Reservation
}

// NewGuard wraps rdb with the given reservation policy. reservation
// may be nil, which disables capacity reservation.
func NewGuard(rdb *redis.Client, reservation *Reservation) *Guard {
	if reservation == nil {
		reservation = NewReservation(ReservationConfig{ProbeRatio: 0, StableMin: 0, StableMax: 0})
	}
	return &Guard{rdb: rdb, reservation: reservation}
}

// Admit decides one attempt for keyID under limit. A cached attempt may
// consume the full window; a non-cached attempt only the unreserved
// share. limit <= 0 means the key is unlimited (adaptive and unlearned,
// or explicitly uncapped); the counter still advances.
//
// The returned count is the window counter after the call. On rejection
// the error is a *ConcurrencyLimitError carrying the observed counter
// and the effective limit.
func (g *Guard) Admit(ctx context.Context, keyID string, limit int, cached bool) (int, error) {
	effective := limit
	if limit <= 0 {
		effective = unboundedLimit
	} else if !cached {
		count, _ := g.Count(ctx, keyID)
		res := g.reservation.Calculate(count, limit)
		effective = int(math.Floor(float64(limit) * (1 - res.Ratio)))
	}

	ctx, cancel := context.WithTimeout(ctx, guardQueryTimeout)
	defer cancel()
	vals, err := admitScript.Run(ctx, g.rdb,
		[]string{rpmKeyPrefix + keyID},
		effective, rpmWindow.Milliseconds(),
	).Int64Slice()
	if err != nil || len(vals) != 2 {
		// Redis unavailable, admit (graceful degradation).
		slog.WarnContext(ctx, "rpm_guard_redis_error",
			slog.String("key_id", keyID),
			slog.Any("error", err),
		)
		return 0, nil
	}

	count := int(vals[1])
	if vals[0] != 1 {
		return count, &ConcurrencyLimitError{KeyID: keyID, Count: count, Limit: effective}
	}
	return count, nil
}

// Count reads the current window counter for keyID. Returns 0 on any
// Redis failure.
func (g *Guard) Count(ctx context.Context, keyID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, guardQueryTimeout)
	defer cancel()
	n, err := g.rdb.Get(ctx, rpmKeyPrefix+keyID).Int()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "rpm_guard_count_error",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
		return 0, nil
	}
	return n, nil
}
