// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — secrets box, SQLite catalog, Redis, seed data
//  2. initRegistry — provider snapshot
//  3. initServices — metrics, health prober, collector, key pool, engine
//  4. initGateway  — proxy pipeline and routes
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/polyrelay/polyrelay/internal/config"
	"github.com/polyrelay/polyrelay/internal/credit"
	"github.com/polyrelay/polyrelay/internal/health"
	"github.com/polyrelay/polyrelay/internal/kv"
	"github.com/polyrelay/polyrelay/internal/metrics"
	"github.com/polyrelay/polyrelay/internal/proxy"
	"github.com/polyrelay/polyrelay/internal/registry"
	"github.com/polyrelay/polyrelay/internal/routemetrics"
	"github.com/polyrelay/polyrelay/internal/secrets"
	"github.com/polyrelay/polyrelay/internal/store"
	"github.com/polyrelay/polyrelay/internal/upstream"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	box *secrets.Box
	st  *store.SQLiteStore

	// mini backs KV_MODE=memory: a single-process Redis stand-in so every
	// Redis-powered subsystem works unchanged with no external service.
	mini    *miniredis.Miniredis
	rdb     *redis.Client
	kvStore *kv.Store

	prom      *metrics.Registry
	reg       *registry.Registry
	monitor   *health.Monitor
	chSink    *routemetrics.ClickHouseSink
	collector *routemetrics.Collector
	weights   *routemetrics.Weights
	meter     *credit.Meter
	engine    *upstream.Engine

	gw *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the registry reload loop, blocking until
// ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("kv_mode", a.cfg.KV.Mode),
		slog.Int("providers", len(a.reg.Snapshot().Providers)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr)
	})

	g.Go(func() error {
		a.reg.Run(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.collector != nil {
		if err := a.collector.Close(); err != nil {
			a.log.Error("collector close error", slog.String("error", err.Error()))
		}
		a.collector = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.monitor != nil {
		a.monitor.Close()
		a.monitor = nil
	}
	if a.kvStore != nil {
		if err := a.kvStore.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.kvStore = nil
		a.rdb = nil
	}
	if a.mini != nil {
		a.mini.Close()
		a.mini = nil
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.st = nil
	}
}
