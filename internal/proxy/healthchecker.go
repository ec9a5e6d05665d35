package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-relay/internal/apiformat"
	"github.com/nulpointcorp/llm-relay/internal/catalog"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last probe result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down" | "unknown"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes every active endpoint in the background with a
// cheap model-listing call through the vendor SDK matching the
// endpoint's dialect.
type HealthChecker struct {
	cat        *catalog.Catalog
	redisReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	endpointStatuses map[string]*componentStatus
	redisStatus      componentStatus
	dbStatus         componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker starts background probes immediately. redisReady
// and dbReady may be nil when the backend is not configured.
func NewHealthChecker(ctx context.Context, cat *catalog.Catalog, redisReady, dbReady func() bool, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		cat:              cat,
		redisReady:       redisReady,
		dbReady:          dbReady,
		baseCtx:          ctx,
		metrics:          met,
		endpointStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}

	for _, p := range cat.Providers {
		if !p.Active {
			continue
		}
		for _, ep := range cat.EndpointsOf(p.ID) {
			if ep.Active {
				hc.endpointStatuses[ep.ID] = &componentStatus{status: "unknown"}
			}
		}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the state served by GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Endpoints     map[string]string `json:"endpoints"`
	Redis         string            `json:"redis"`
	Database      string            `json:"database"`
}

func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	endpoints := make(map[string]string, len(hc.endpointStatuses))
	for id, s := range hc.endpointStatuses {
		st := s.get()
		endpoints[id] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	db := hc.dbStatus.get()
	if db == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Endpoints:     endpoints,
		Redis:         hc.redisStatus.get(),
		Database:      db,
	}
}

// ReadinessOK reports whether the relay should receive traffic.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() != "down"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hc.cat.Providers {
		if !p.Active {
			continue
		}
		for _, ep := range hc.cat.EndpointsOf(p.ID) {
			s, tracked := hc.endpointStatuses[ep.ID]
			if !tracked {
				continue
			}
			key := hc.probeKey(ep)
			if key == nil {
				s.set("unknown")
				continue
			}
			wg.Add(1)
			go func(ep *catalog.Endpoint, secret string) {
				defer wg.Done()
				err := probeEndpoint(ctx, ep, secret)
				if err != nil {
					s.set("degraded")
				} else {
					s.set("ok")
				}
				if hc.metrics != nil {
					hc.metrics.SetEndpointHealth(ep.ID, err == nil)
				}
			}(ep, key.Secret)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.redisReady == nil || hc.redisReady() {
			hc.redisStatus.set("ok")
		} else {
			hc.redisStatus.set("degraded")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}

// probeKey picks an active key speaking the endpoint's dialect.
func (hc *HealthChecker) probeKey(ep *catalog.Endpoint) *catalog.ProviderKey {
	for _, k := range hc.cat.KeysOf(ep.ProviderID) {
		if k.Active && k.SupportsFormat(ep.Format) {
			return k
		}
	}
	return nil
}

// probeEndpoint issues a model-listing call through the SDK matching
// the endpoint's dialect family.
func probeEndpoint(ctx context.Context, ep *catalog.Endpoint, secret string) error {
	switch apiformat.DataFormatID(ep.Format) {
	case "claude":
		client := anthropic.NewClient(
			anthropicopt.WithAPIKey(secret),
			anthropicopt.WithBaseURL(ep.BaseURL),
		)
		_, err := client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
		return err

	case "openai_chat", "openai_responses":
		client := openaisdk.NewClient(
			openaiopt.WithAPIKey(secret),
			openaiopt.WithBaseURL(ep.BaseURL),
		)
		_, err := client.Models.List(ctx)
		return err

	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:      secret,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: ep.BaseURL},
		})
		if err != nil {
			return err
		}
		_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
		return err
	}
	return nil
}
