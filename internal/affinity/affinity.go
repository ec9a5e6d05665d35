// Package affinity implements sticky routing. Upstream providers give
// prompt-cache discounts when the same prefix reaches the same
// endpoint and key, so after a successful request the chosen
// (provider, endpoint, key) triple is remembered per client and reused
// while it stays healthy.
//
// Records live in Redis with a TTL. Graceful degradation: when Redis
// is unavailable, Get reports a miss and Put is a no-op, so routing
// falls back to the normal candidate order.
package affinity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

const (
	keyPrefix           = "affinity:"
	defaultTTL          = 60 * time.Minute
	defaultQueryTimeout = 500 * time.Millisecond
	scanBatch           = 200
)

// Key identifies one affinity slot: which client, speaking which
// target dialect, for which resolved model.
type Key struct {
	ClientKeyID string
	Format      apiformat.Format
	ModelID     string
}

func (k Key) redisKey() string {
	return keyPrefix + k.ClientKeyID + ":" + string(k.Format) + ":" + k.ModelID
}

// Record is the remembered routing triple plus bookkeeping.
type Record struct {
	ProviderID   string `json:"provider_id"`
	EndpointID   string `json:"endpoint_id"`
	KeyID        string `json:"key_id"`
	CreatedAt    int64  `json:"created_at"`
	RequestCount int64  `json:"request_count"`
}

// Manager stores and invalidates affinity records.
type Manager struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewManagerFromClient wraps an existing Redis client. The caller owns
// the client lifecycle.
func NewManagerFromClient(redisCli *redis.Client) *Manager {
	return &Manager{client: redisCli, queryTimeout: defaultQueryTimeout}
}

// NewManagerFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a Manager.
func NewManagerFromURL(ctx context.Context, redisURL string) (*Manager, error) {
	if ctx == nil {
		return nil, fmt.Errorf("affinity: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("affinity: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("affinity: ping: %w", err)
	}

	return &Manager{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the record for k. Returns (nil, false) on a miss or
// any Redis error.
func (m *Manager) Get(ctx context.Context, k Key) (*Record, bool) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	raw, err := m.client.Get(ctx, k.redisKey()).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "affinity_get_error",
				slog.String("key", k.redisKey()),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.WarnContext(ctx, "affinity_decode_error",
			slog.String("key", k.redisKey()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	return &rec, true
}

// Put stores a fresh record for k after a successful request. ttl <= 0
// selects the default. Redis errors degrade to a no-op.
func (m *Manager) Put(ctx context.Context, k Key, providerID, endpointID, keyID string, ttl time.Duration) {
	rec := Record{
		ProviderID:   providerID,
		EndpointID:   endpointID,
		KeyID:        keyID,
		CreatedAt:    time.Now().Unix(),
		RequestCount: 1,
	}
	m.store(ctx, k, &rec, ttl)
}

// Touch refreshes the TTL of an existing record and increments its
// request count. Missing records are ignored.
func (m *Manager) Touch(ctx context.Context, k Key, ttl time.Duration) {
	rec, ok := m.Get(ctx, k)
	if !ok {
		return
	}
	rec.RequestCount++
	m.store(ctx, k, rec, ttl)
}

func (m *Manager) store(ctx context.Context, k Key, rec *Record, ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	if err := m.client.Set(ctx, k.redisKey(), raw, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "affinity_set_error",
			slog.String("key", k.redisKey()),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate drops the record for k. Called on a non-retriable failure
// of a cached candidate so the next request re-routes.
func (m *Manager) Invalidate(ctx context.Context, k Key) error {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	if err := m.client.Del(ctx, k.redisKey()).Err(); err != nil {
		return fmt.Errorf("affinity: DEL %s: %w", k.redisKey(), err)
	}
	return nil
}

// InvalidateAllForProvider drops every record routed to providerID.
// Called when a provider or one of its endpoints is deactivated.
func (m *Manager) InvalidateAllForProvider(ctx context.Context, providerID string) error {
	return m.invalidateMatching(ctx, func(rec *Record) bool {
		return rec.ProviderID == providerID
	})
}

// InvalidateAllForKey drops every record routed through provider key
// keyID.
func (m *Manager) InvalidateAllForKey(ctx context.Context, keyID string) error {
	return m.invalidateMatching(ctx, func(rec *Record) bool {
		return rec.KeyID == keyID
	})
}

func (m *Manager) invalidateMatching(ctx context.Context, match func(*Record) bool) error {
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("affinity: SCAN: %w", err)
		}
		for _, key := range keys {
			raw, err := m.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if match(&rec) {
				if err := m.client.Del(ctx, key).Err(); err != nil {
					return fmt.Errorf("affinity: DEL %s: %w", key, err)
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Entry pairs a parsed affinity key with its record, for admin
// listings.
type Entry struct {
	Key    Key
	Record Record
}

// ListAll returns every live affinity record.
func (m *Manager) ListAll(ctx context.Context) ([]Entry, error) {
	var out []Entry
	var cursor uint64
	for {
		keys, next, err := m.client.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("affinity: SCAN: %w", err)
		}
		for _, key := range keys {
			raw, err := m.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			k, ok := parseKey(key)
			if !ok {
				continue
			}
			out = append(out, Entry{Key: k, Record: rec})
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func parseKey(redisKey string) (Key, bool) {
	rest, ok := strings.CutPrefix(redisKey, keyPrefix)
	if !ok {
		return Key{}, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return Key{}, false
	}
	return Key{
		ClientKeyID: parts[0],
		Format:      apiformat.Format(parts[1]),
		ModelID:     parts[2],
	}, true
}

// Close releases the Redis connection pool.
func (m *Manager) Close() error {
	return m.client.Close()
}
