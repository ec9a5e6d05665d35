package ratelimit

import (
	"context"
	"testing"
)

func TestClientLimiterBlocksOverLimit(t *testing.T) {
	_, client := testRedis(t)
	limiter := NewClientLimiter(client, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := limiter.AllowKey(ctx, "ak-1")
		if err != nil || !allowed {
			t.Fatalf("attempt %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	allowed, err := limiter.AllowKey(ctx, "ak-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}

	// other keys are unaffected
	if allowed, _ := limiter.AllowKey(ctx, "ak-2"); !allowed {
		t.Error("independent key blocked")
	}
}

func TestClientLimiterPerIP(t *testing.T) {
	_, client := testRedis(t)
	limiter := NewClientLimiter(client, 0, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if allowed, _ := limiter.AllowIP(ctx, "10.0.0.1"); !allowed {
			t.Fatalf("attempt %d blocked", i)
		}
	}
	if allowed, _ := limiter.AllowIP(ctx, "10.0.0.1"); allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
	// disabled key check always allows
	if allowed, _ := limiter.AllowKey(ctx, "ak-1"); !allowed {
		t.Error("disabled key check blocked")
	}
}

func TestClientLimiterDegradesWhenRedisDown(t *testing.T) {
	mr, client := testRedis(t)
	limiter := NewClientLimiter(client, 5, 5)
	mr.Close()

	allowed, err := limiter.AllowKey(context.Background(), "ak-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
