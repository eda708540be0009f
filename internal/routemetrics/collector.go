// Package routemetrics aggregates per-request routing samples into minute
// buckets and feeds the downstream consumers: the scheduler (latency and
// error-rate stats), the dynamic-weight sorted sets in Redis, and a history
// sink (ClickHouse, or SQLite when ClickHouse is not configured).
//
// Samples are written to an internal buffered channel and folded by a
// background goroutine — recording never blocks the proxy hot path. If the
// channel fills up (> 10 000 samples), new samples are dropped and counted
// in DroppedSamples.
package routemetrics

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer = 10_000
	tickInterval  = time.Second

	// reservoirSize bounds per-bucket latency memory; percentiles are
	// estimated from a uniform reservoir sample.
	reservoirSize = 256
)

// Status derivation thresholds.
const (
	downErrorRate     = 0.5
	degradedErrorRate = 0.1
	degradedP95Ms     = 2000.0
)

// Sample is one proxied request outcome.
type Sample struct {
	Time         time.Time
	LogicalModel string
	ProviderID   string
	ModelID      string
	KeyID        string
	LatencyMs    float64
	StatusCode   int
	Failed       bool // transport failure or terminal upstream error
	InputTokens  int
	OutputTokens int
	CostUnits    float64
}

// bucketKey is the aggregation dimension tuple.
type bucketKey struct {
	minute       int64
	logicalModel string
	providerID   string
	modelID      string
	keyID        string
}

// bucket folds samples for one dimension tuple within one minute.
type bucket struct {
	requests     int64
	errors       int64
	inputTokens  int64
	outputTokens int64
	costUnits    float64

	latencies []float64 // reservoir
	seen      int64     // samples offered to the reservoir
}

func (b *bucket) observe(s Sample, rnd *rand.Rand) {
	b.requests++
	if s.Failed || s.StatusCode >= 500 || s.StatusCode == 429 {
		b.errors++
	}
	b.inputTokens += int64(s.InputTokens)
	b.outputTokens += int64(s.OutputTokens)
	b.costUnits += s.CostUnits

	b.seen++
	if len(b.latencies) < reservoirSize {
		b.latencies = append(b.latencies, s.LatencyMs)
	} else if j := rnd.Int63n(b.seen); j < reservoirSize {
		b.latencies[j] = s.LatencyMs
	}
}

// Stats is the finalized view of one dimension used by the scheduler.
type Stats struct {
	P50Ms     float64
	P95Ms     float64
	P99Ms     float64
	ErrorRate float64
	Requests  int64
	Status    string // healthy | degraded | down
	Finalized time.Time
}

// Known reports whether any traffic backed these stats.
func (s Stats) Known() bool { return s.Requests > 0 }

// statsKey identifies a (logical model, provider) pair for scheduler reads.
type statsKey struct {
	logicalModel string
	providerID   string
}

// Flusher receives finalized minute buckets.
type Flusher interface {
	FlushBuckets(ctx context.Context, rows []Row) error
}

// Row is one finalized bucket handed to the Flusher.
type Row struct {
	Bucket       time.Time
	LogicalModel string
	ProviderID   string
	ModelID      string
	KeyID        string
	Requests     int64
	Errors       int64
	P50Ms        float64
	P95Ms        float64
	P99Ms        float64
	InputTokens  int64
	OutputTokens int64
	CostUnits    float64
	Status       string
}

// Collector aggregates samples and publishes finalized buckets.
type Collector struct {
	ch        chan Sample
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedSamples int64

	mu    sync.RWMutex
	stats map[statsKey]Stats

	flusher Flusher
	weights *Weights
	rnd     *rand.Rand
	now     func() time.Time
	baseCtx context.Context
}

// NewCollector starts the aggregation goroutine. flusher and weights may be
// nil; the corresponding output is skipped.
func NewCollector(ctx context.Context, flusher Flusher, weights *Weights) *Collector {
	if ctx == nil {
		panic("routemetrics: context must not be nil")
	}
	c := &Collector{
		ch:      make(chan Sample, channelBuffer),
		done:    make(chan struct{}),
		stats:   make(map[statsKey]Stats),
		flusher: flusher,
		weights: weights,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
		baseCtx: ctx,
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Record offers a sample without blocking.
func (c *Collector) Record(s Sample) {
	if s.Time.IsZero() {
		s.Time = c.now()
	}
	select {
	case c.ch <- s:
	default:
		atomic.AddInt64(&c.droppedSamples, 1)
	}
}

// DroppedSamples returns the number of samples lost to backpressure.
func (c *Collector) DroppedSamples() int64 {
	return atomic.LoadInt64(&c.droppedSamples)
}

// ProviderStats returns the most recently finalized stats for a
// (logical model, provider) pair. The zero value means no traffic yet.
func (c *Collector) ProviderStats(logicalModel, providerID string) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats[statsKey{logicalModel: logicalModel, providerID: providerID}]
}

// Close drains the channel, finalizes open buckets, and stops the goroutine.
func (c *Collector) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
	return nil
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	open := make(map[bucketKey]*bucket)

	fold := func(s Sample) {
		k := bucketKey{
			minute:       s.Time.Unix() / 60,
			logicalModel: s.LogicalModel,
			providerID:   s.ProviderID,
			modelID:      s.ModelID,
			keyID:        s.KeyID,
		}
		b, ok := open[k]
		if !ok {
			b = &bucket{}
			open[k] = b
		}
		b.observe(s, c.rnd)
	}

	for {
		select {
		case s := <-c.ch:
			fold(s)

		case <-ticker.C:
			c.finalize(open, c.now().Unix()/60)

		case <-c.done:
			for {
				select {
				case s := <-c.ch:
					fold(s)
				default:
					// Flush everything on shutdown, current minute included.
					c.finalize(open, 1<<62)
					return
				}
			}
		}
	}
}

// finalize closes every bucket older than currentMinute, updates scheduler
// stats and dynamic weights, and hands the rows to the flusher. Weight
// updates run per logical model over the full cohort of providers finalized
// this pass, so each provider's step is relative to its peers.
func (c *Collector) finalize(open map[bucketKey]*bucket, currentMinute int64) {
	var rows []Row
	cohorts := make(map[string]map[string]Stats)
	for k, b := range open {
		if k.minute >= currentMinute {
			continue
		}
		delete(open, k)

		p50, p95, p99 := percentiles(b.latencies)
		errRate := 0.0
		if b.requests > 0 {
			errRate = float64(b.errors) / float64(b.requests)
		}
		status := deriveStatus(errRate, p95)

		st := Stats{
			P50Ms: p50, P95Ms: p95, P99Ms: p99,
			ErrorRate: errRate, Requests: b.requests,
			Status: status, Finalized: c.now(),
		}
		c.mu.Lock()
		c.stats[statsKey{logicalModel: k.logicalModel, providerID: k.providerID}] = st
		c.mu.Unlock()

		if cohorts[k.logicalModel] == nil {
			cohorts[k.logicalModel] = make(map[string]Stats)
		}
		cohorts[k.logicalModel][k.providerID] = st

		rows = append(rows, Row{
			Bucket:       time.Unix(k.minute*60, 0).UTC(),
			LogicalModel: k.logicalModel,
			ProviderID:   k.providerID,
			ModelID:      k.modelID,
			KeyID:        k.keyID,
			Requests:     b.requests,
			Errors:       b.errors,
			P50Ms:        p50, P95Ms: p95, P99Ms: p99,
			InputTokens:  b.inputTokens,
			OutputTokens: b.outputTokens,
			CostUnits:    b.costUnits,
			Status:       status,
		})
	}
	if c.weights != nil {
		for lm, cohort := range cohorts {
			c.weights.UpdateCohort(c.baseCtx, lm, cohort)
		}
	}
	if len(rows) > 0 && c.flusher != nil {
		ctx, cancel := context.WithTimeout(c.baseCtx, 10*time.Second)
		_ = c.flusher.FlushBuckets(ctx, rows)
		cancel()
	}
}

func deriveStatus(errRate, p95 float64) string {
	switch {
	case errRate > downErrorRate:
		return "down"
	case errRate > degradedErrorRate || p95 > degradedP95Ms:
		return "degraded"
	default:
		return "healthy"
	}
}

// percentiles estimates p50/p95/p99 from the reservoir.
func percentiles(latencies []float64) (p50, p95, p99 float64) {
	if len(latencies) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)
	return quantile(sorted, 0.50), quantile(sorted, 0.95), quantile(sorted, 0.99)
}

func quantile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
