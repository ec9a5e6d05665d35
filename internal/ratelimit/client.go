package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window rate limiter using a
// sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	clientKeyPrefix = "ratelimit:client:rpm:"
	ipKeyPrefix     = "ratelimit:ip:rpm:"
)

// ClientLimiter rate-limits inbound traffic before any routing work
// happens, per client API key and per source IP, using Redis sliding
// windows. This is separate from the per-provider-key Guard: the
// limiter protects the relay itself, the guard protects upstream keys.
type ClientLimiter struct {
	rdb *redis.Client

	// KeyRPM and IPRPM are the per-window limits. Zero disables the
	// corresponding check.
	KeyRPM int
	IPRPM  int
}

// NewClientLimiter creates a limiter with the given per-key and per-IP
// RPM limits.
func NewClientLimiter(rdb *redis.Client, keyRPM, ipRPM int) *ClientLimiter {
	return &ClientLimiter{rdb: rdb, KeyRPM: keyRPM, IPRPM: ipRPM}
}

// AllowKey reports whether a request from the client API key is within
// its limit.
func (l *ClientLimiter) AllowKey(ctx context.Context, apiKeyID string) (bool, error) {
	if l.KeyRPM <= 0 {
		return true, nil
	}
	return l.check(ctx, clientKeyPrefix+apiKeyID, l.KeyRPM)
}

// AllowIP reports whether a request from the source address is within
// its limit.
func (l *ClientLimiter) AllowIP(ctx context.Context, addr string) (bool, error) {
	if l.IPRPM <= 0 {
		return true, nil
	}
	return l.check(ctx, ipKeyPrefix+addr, l.IPRPM)
}

func (l *ClientLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
