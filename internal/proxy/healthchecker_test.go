package proxy

import (
	"context"
	"testing"

	"github.com/nulpointcorp/llm-relay/internal/catalog"
)

func emptyCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := &catalog.Catalog{}
	if err := cat.Build(); err != nil {
		t.Fatalf("catalog build: %v", err)
	}
	return cat
}

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, emptyCatalog(t), nil, nil, nil)
}

func TestHealthChecker_NilProbesReportOK(t *testing.T) {
	hc := NewHealthChecker(context.Background(), emptyCatalog(t), nil, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected ok, got %q", snap.Status)
	}
	if snap.Redis != "ok" || snap.Database != "ok" {
		t.Errorf("unconfigured backends should report ok, got redis=%q db=%q", snap.Redis, snap.Database)
	}
	if !hc.ReadinessOK() {
		t.Error("expected ready")
	}
}

func TestHealthChecker_DatabaseDownDegrades(t *testing.T) {
	down := func() bool { return false }
	hc := NewHealthChecker(context.Background(), emptyCatalog(t), nil, down, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Database != "down" {
		t.Errorf("expected database down, got %q", snap.Database)
	}
	if snap.Status != "degraded" {
		t.Errorf("expected degraded overall status, got %q", snap.Status)
	}
	if hc.ReadinessOK() {
		t.Error("a down database should fail readiness")
	}
}

func TestHealthChecker_RedisDownStaysReady(t *testing.T) {
	down := func() bool { return false }
	hc := NewHealthChecker(context.Background(), emptyCatalog(t), down, nil, nil)
	defer hc.Close()

	if hc.Snapshot().Redis != "degraded" {
		t.Errorf("expected degraded redis, got %q", hc.Snapshot().Redis)
	}
	if !hc.ReadinessOK() {
		t.Error("redis loss degrades but must not fail readiness")
	}
}
