package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	resolveKeyPrefix    = "global_model:resolve:"
	defaultResolveTTL   = 10 * time.Minute
	resolveQueryTimeout = 500 * time.Millisecond

	// resolveMiss marks a negative entry so repeated lookups of a
	// nonexistent name do not rescan the catalog.
	resolveMiss = "\x00miss"
)

// Resolver caches model-name resolution in Redis. Resolution itself is
// pure catalog work; the cache only saves the alias/regex scan for hot
// names. All Redis failures degrade to a direct catalog scan.
type Resolver struct {
	cat    *Catalog
	client *redis.Client
	ttl    time.Duration

	// OnConflict is called when several models match one name and the
	// lexicographically first was picked. Optional.
	OnConflict func(name string)
}

// NewResolver wraps the catalog with a Redis-backed resolution cache.
// client may be nil; resolution then always scans the catalog.
func NewResolver(cat *Catalog, client *redis.Client, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = defaultResolveTTL
	}
	return &Resolver{cat: cat, client: client, ttl: ttl}
}

// Resolve maps a user-facing model name to a GlobalModel, consulting
// the cache first. Returns (nil, false) when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, name string) (*GlobalModel, bool) {
	if name == "" {
		return nil, false
	}
	if id, ok := r.cachedID(ctx, name); ok {
		if id == resolveMiss {
			return nil, false
		}
		if m, found := r.cat.ModelByID(id); found {
			return m, true
		}
		// stale entry from a previous catalog generation
	}

	m, conflicted := r.cat.ResolveModel(name)
	if conflicted && r.OnConflict != nil {
		r.OnConflict(name)
	}
	if m == nil {
		r.storeID(ctx, name, resolveMiss)
		return nil, false
	}
	r.storeID(ctx, name, m.ID)
	return m, true
}

// Invalidate drops the cached resolution for one name.
func (r *Resolver) Invalidate(ctx context.Context, name string) error {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, resolveQueryTimeout)
	defer cancel()
	return r.client.Del(ctx, resolveKeyPrefix+name).Err()
}

// InvalidateAll drops every cached resolution. Called when the catalog
// is reloaded.
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, resolveKeyPrefix+"*", 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *Resolver) cachedID(ctx context.Context, name string) (string, bool) {
	if r.client == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, resolveQueryTimeout)
	defer cancel()
	id, err := r.client.Get(ctx, resolveKeyPrefix+name).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "model_resolve_cache_get_error",
				slog.String("model", name),
				slog.String("error", err.Error()),
			)
		}
		return "", false
	}
	return id, true
}

func (r *Resolver) storeID(ctx context.Context, name, id string) {
	if r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, resolveQueryTimeout)
	defer cancel()
	if err := r.client.Set(ctx, resolveKeyPrefix+name, id, r.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "model_resolve_cache_set_error",
			slog.String("model", name),
			slog.String("error", err.Error()),
		)
	}
}
