package affinity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
)

func testManager(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewManagerFromClient(client)
}

func sampleKey() Key {
	return Key{ClientKeyID: "ak-1", Format: apiformat.Claude, ModelID: "gm-sonnet"}
}

func TestPutGetTouch(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()
	k := sampleKey()

	if _, ok := m.Get(ctx, k); ok {
		t.Fatal("hit on empty store")
	}

	m.Put(ctx, k, "p-1", "e-1", "k-1", 30*time.Minute)
	rec, ok := m.Get(ctx, k)
	if !ok || rec.ProviderID != "p-1" || rec.EndpointID != "e-1" || rec.KeyID != "k-1" {
		t.Fatalf("record = %+v ok=%v", rec, ok)
	}
	if rec.RequestCount != 1 {
		t.Fatalf("request count = %d, want 1", rec.RequestCount)
	}

	m.Touch(ctx, k, 30*time.Minute)
	rec, _ = m.Get(ctx, k)
	if rec.RequestCount != 2 {
		t.Fatalf("request count after touch = %d, want 2", rec.RequestCount)
	}
}

func TestRecordExpires(t *testing.T) {
	mr, m := testManager(t)
	ctx := context.Background()
	k := sampleKey()

	m.Put(ctx, k, "p-1", "e-1", "k-1", time.Minute)
	mr.FastForward(61 * time.Second)
	if _, ok := m.Get(ctx, k); ok {
		t.Fatal("record survived its TTL")
	}
}

func TestInvalidate(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()
	k := sampleKey()

	m.Put(ctx, k, "p-1", "e-1", "k-1", 0)
	if err := m.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok := m.Get(ctx, k); ok {
		t.Fatal("record survived Invalidate")
	}
}

func TestInvalidateAllForProvider(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	k1 := Key{ClientKeyID: "ak-1", Format: apiformat.Claude, ModelID: "gm-1"}
	k2 := Key{ClientKeyID: "ak-2", Format: apiformat.OpenAI, ModelID: "gm-2"}
	k3 := Key{ClientKeyID: "ak-3", Format: apiformat.Gemini, ModelID: "gm-3"}
	m.Put(ctx, k1, "p-dead", "e-1", "k-1", 0)
	m.Put(ctx, k2, "p-dead", "e-2", "k-2", 0)
	m.Put(ctx, k3, "p-live", "e-3", "k-3", 0)

	if err := m.InvalidateAllForProvider(ctx, "p-dead"); err != nil {
		t.Fatalf("InvalidateAllForProvider: %v", err)
	}
	if _, ok := m.Get(ctx, k1); ok {
		t.Fatal("k1 survived provider invalidation")
	}
	if _, ok := m.Get(ctx, k2); ok {
		t.Fatal("k2 survived provider invalidation")
	}
	if _, ok := m.Get(ctx, k3); !ok {
		t.Fatal("unrelated record dropped")
	}
}

func TestInvalidateAllForKey(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	k1 := Key{ClientKeyID: "ak-1", Format: apiformat.Claude, ModelID: "gm-1"}
	k2 := Key{ClientKeyID: "ak-2", Format: apiformat.Claude, ModelID: "gm-1"}
	m.Put(ctx, k1, "p-1", "e-1", "k-dead", 0)
	m.Put(ctx, k2, "p-1", "e-1", "k-live", 0)

	if err := m.InvalidateAllForKey(ctx, "k-dead"); err != nil {
		t.Fatalf("InvalidateAllForKey: %v", err)
	}
	if _, ok := m.Get(ctx, k1); ok {
		t.Fatal("record survived key invalidation")
	}
	if _, ok := m.Get(ctx, k2); !ok {
		t.Fatal("unrelated record dropped")
	}
}

func TestListAll(t *testing.T) {
	_, m := testManager(t)
	ctx := context.Background()

	k := sampleKey()
	m.Put(ctx, k, "p-1", "e-1", "k-1", 0)

	entries, err := m.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Key != k || entries[0].Record.ProviderID != "p-1" {
		t.Fatalf("entry = %+v", entries[0])
	}
}

func TestGetDegradesWhenRedisDown(t *testing.T) {
	mr, m := testManager(t)
	mr.Close()

	if _, ok := m.Get(context.Background(), sampleKey()); ok {
		t.Fatal("hit with redis down")
	}
	// Put must not panic or error either
	m.Put(context.Background(), sampleKey(), "p-1", "e-1", "k-1", 0)
}
