// Package health runs background reachability probes against every
// registered provider and publishes the results to Redis (hot path, with a
// TTL) and SQLite (durable snapshot). Readers fall back Redis → database →
// unknown.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/kv"
	"github.com/polyrelay/polyrelay/internal/registry"
	"github.com/polyrelay/polyrelay/internal/store"
)

const (
	probeInterval = 30 * time.Second
	probeTimeout  = 5 * time.Second

	// degradedLatency marks a provider degraded even when the probe
	// succeeds.
	degradedLatency = 2 * time.Second

	// redisTTL outlives two missed probe rounds before readers fall back
	// to the database snapshot.
	redisTTL = 3 * probeInterval

	redisKeyPrefix = "health:provider:"
)

// Gauge mirrors probe results into the operational metrics endpoint.
type Gauge interface {
	SetProviderHealth(provider, status string)
}

// Monitor probes providers and exposes the latest results.
type Monitor struct {
	reg    *registry.Registry
	kv     *kv.Store
	store  *store.SQLiteStore
	client *http.Client

	mu      sync.RWMutex
	results map[string]core.HealthStatus
	gauge   Gauge

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	baseCtx   context.Context
}

// NewMonitor creates a Monitor and immediately starts background probes.
// kvStore and st may each be nil; publication to the missing sink is skipped.
func NewMonitor(ctx context.Context, reg *registry.Registry, kvStore *kv.Store, st *store.SQLiteStore) *Monitor {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	m := &Monitor{
		reg:       reg,
		kv:        kvStore,
		store:     st,
		client:    &http.Client{Timeout: probeTimeout},
		results:   make(map[string]core.HealthStatus),
		startTime: time.Now(),
		done:      make(chan struct{}),
		baseCtx:   ctx,
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	m.probeAll()

	m.wg.Add(1)
	go m.run()
	return m
}

// SetGauge attaches a metrics gauge and replays the current results into it,
// covering the probe round that ran during construction.
func (m *Monitor) SetGauge(g Gauge) {
	m.mu.Lock()
	m.gauge = g
	results := make([]core.HealthStatus, 0, len(m.results))
	for _, hs := range m.results {
		results = append(results, hs)
	}
	m.mu.Unlock()
	for _, hs := range results {
		g.SetProviderHealth(hs.ProviderID, hs.Status)
	}
}

// Close stops the background probe goroutine.
func (m *Monitor) Close() {
	close(m.done)
	m.wg.Wait()
}

// Status returns the latest result for providerID: in-process first, then
// Redis, then the database snapshot, then unknown.
func (m *Monitor) Status(ctx context.Context, providerID string) core.HealthStatus {
	m.mu.RLock()
	if hs, ok := m.results[providerID]; ok {
		m.mu.RUnlock()
		return hs
	}
	m.mu.RUnlock()

	if m.kv != nil {
		if raw, ok := m.kv.Get(ctx, redisKeyPrefix+providerID); ok {
			var hs core.HealthStatus
			if err := json.Unmarshal(raw, &hs); err == nil {
				return hs
			}
		}
	}
	if m.store != nil {
		if rec, err := m.store.GetProviderHealth(ctx, providerID); err == nil && rec != nil {
			return core.HealthStatus{
				ProviderID: rec.ProviderID, Status: rec.Status,
				CheckedAt: rec.CheckedAt, ResponseMs: rec.ResponseMs,
				Error: rec.Error, LastSuccess: rec.LastSuccess,
			}
		}
	}
	return core.HealthStatus{ProviderID: providerID, Status: core.HealthUnknown}
}

// Snapshot returns all in-process results keyed by provider id.
func (m *Monitor) Snapshot() map[string]core.HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]core.HealthStatus, len(m.results))
	for k, v := range m.results {
		out[k] = v
	}
	return out
}

// Uptime reports time since the monitor started.
func (m *Monitor) Uptime() time.Duration { return time.Since(m.startTime) }

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) probeAll() {
	ctx, cancel := context.WithTimeout(m.baseCtx, probeTimeout+time.Second)
	defer cancel()

	snap := m.reg.Snapshot()
	var wg sync.WaitGroup
	for _, p := range snap.Providers {
		if p.Transport != core.TransportHTTP || p.BaseURL == "" {
			// SDK and CLI transports have no probeable endpoint; routing
			// judges them on live traffic instead.
			continue
		}
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			hs := m.probe(ctx, p)
			m.record(ctx, hs)
		}()
	}
	wg.Wait()
}

// probe issues GET models_path and classifies the result. A 2xx within the
// latency budget is healthy; any 4xx proves reachability but suggests a
// configuration problem, so it counts as degraded; 5xx and transport errors
// are down.
func (m *Monitor) probe(ctx context.Context, p core.Provider) core.HealthStatus {
	hs := core.HealthStatus{ProviderID: p.ID, CheckedAt: time.Now().UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+p.ModelsPath, nil)
	if err != nil {
		hs.Status = core.HealthDown
		hs.Error = err.Error()
		return hs
	}
	for k, v := range p.CustomHeaders {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	hs.ResponseMs = time.Since(start).Milliseconds()
	if err != nil {
		hs.Status = core.HealthDown
		hs.Error = err.Error()
		return hs
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if time.Since(start) > degradedLatency {
			hs.Status = core.HealthDegraded
		} else {
			hs.Status = core.HealthHealthy
		}
		hs.LastSuccess = hs.CheckedAt
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		hs.Status = core.HealthDegraded
		hs.Error = http.StatusText(resp.StatusCode)
	default:
		hs.Status = core.HealthDown
		hs.Error = http.StatusText(resp.StatusCode)
	}
	return hs
}

func (m *Monitor) record(ctx context.Context, hs core.HealthStatus) {
	m.mu.Lock()
	if prev, ok := m.results[hs.ProviderID]; ok && hs.LastSuccess.IsZero() {
		hs.LastSuccess = prev.LastSuccess
	}
	m.results[hs.ProviderID] = hs
	gauge := m.gauge
	m.mu.Unlock()

	if gauge != nil {
		gauge.SetProviderHealth(hs.ProviderID, hs.Status)
	}

	if hs.Status != core.HealthHealthy {
		slog.WarnContext(ctx, "provider_unhealthy",
			slog.String("provider", hs.ProviderID),
			slog.String("status", hs.Status),
			slog.Int64("response_ms", hs.ResponseMs),
			slog.String("error", hs.Error),
		)
	}

	if m.kv != nil {
		if raw, err := json.Marshal(hs); err == nil {
			_ = m.kv.Set(ctx, redisKeyPrefix+hs.ProviderID, raw, redisTTL)
		}
	}
	if m.store != nil {
		err := m.store.UpsertProviderHealth(ctx, store.HealthRecord{
			ProviderID: hs.ProviderID, Status: hs.Status, CheckedAt: hs.CheckedAt,
			ResponseMs: hs.ResponseMs, Error: hs.Error, LastSuccess: hs.LastSuccess,
		})
		if err != nil {
			slog.WarnContext(ctx, "health_persist_failed",
				slog.String("provider", hs.ProviderID),
				slog.String("error", err.Error()),
			)
		}
	}
}
