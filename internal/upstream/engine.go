package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/keypool"
	"github.com/polyrelay/polyrelay/internal/logical"
	"github.com/polyrelay/polyrelay/internal/routemetrics"
)

// defaultRetryableStatuses applies when a provider does not declare its own
// retryable set.
var defaultRetryableStatuses = []int{429, 500, 502, 503, 504}

// networkErrorStatus is the synthetic status used for transport-level
// failures (connect refused, reset, timeout) in cooldown and metrics
// bookkeeping.
const networkErrorStatus = 599

// Sampler receives one routing outcome per upstream attempt.
type Sampler interface {
	Record(s routemetrics.Sample)
}

// AttemptObserver receives per-attempt counters for the operational metrics
// endpoint, separate from the routing-weight sample pipeline.
type AttemptObserver interface {
	ObserveUpstreamAttempt(provider, outcome string, dur time.Duration)
	RecordKeypoolExhausted(provider string)
}

// Request is one routed request as handed over by the orchestrator.
type Request struct {
	RequestID    string
	LogicalModel string
	CallerStyle  core.APIStyle
	Chat         *adapter.ChatRequest
}

// Result is a completed unary exchange, already rendered in the caller's
// dialect.
type Result struct {
	ProviderID string
	ModelID    string
	KeyID      string
	Body       []byte
	Usage      core.Usage
	LatencyMs  int64
}

// Engine walks ordered candidates and executes against the first one that
// answers, failing over on retryable errors.
type Engine struct {
	pool       *keypool.Pool
	httpT      Transport
	sdkT       map[string]Transport
	metrics    Sampler
	observer   AttemptObserver
	maxRetries int
	now        func() time.Time
}

// Options tunes an Engine. Zero values pick defaults.
type Options struct {
	Metrics    Sampler
	Observer   AttemptObserver
	MaxRetries int       // cap on attempts that reach an upstream; 0 = one per candidate
	HTTP       Transport // override, for tests
	SDK        map[string]Transport
}

func NewEngine(pool *keypool.Pool, opts Options) *Engine {
	httpT := opts.HTTP
	if httpT == nil {
		httpT = NewHTTPTransport()
	}
	sdkT := opts.SDK
	if sdkT == nil {
		sdkT = defaultSDKTransports()
	}
	return &Engine{
		pool:       pool,
		httpT:      httpT,
		sdkT:       sdkT,
		metrics:    opts.Metrics,
		observer:   opts.Observer,
		maxRetries: opts.MaxRetries,
		now:        time.Now,
	}
}

// transportFor picks the transport for a provider. SDK providers with an
// unknown vendor never reach the engine (routing excludes them), but fall
// back to raw HTTP defensively.
func (e *Engine) transportFor(p core.Provider) Transport {
	switch p.Transport {
	case core.TransportSDK:
		if t, ok := e.sdkT[p.SDKVendor]; ok {
			return t
		}
	case core.TransportClaudeCLI:
		if t, ok := e.sdkT["anthropic"]; ok {
			return t
		}
	}
	return e.httpT
}

// upstreamStyle is the dialect spoken to the candidate: the physical
// model's declared style, else the provider's first style, else openai.
func upstreamStyle(c logical.Candidate) core.APIStyle {
	if c.Upstream.Style.Valid() {
		return c.Upstream.Style
	}
	if len(c.Provider.Styles) > 0 && c.Provider.Styles[0].Valid() {
		return c.Provider.Styles[0]
	}
	return core.StyleOpenAI
}

func (e *Engine) retryable(p core.Provider, status int) bool {
	set := p.RetryableStatuses
	if len(set) == 0 {
		set = defaultRetryableStatuses
	}
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func (e *Engine) retryLimit(candidates int) int {
	if e.maxRetries > 0 && e.maxRetries < candidates {
		return e.maxRetries
	}
	return candidates
}

// failoverState tracks how candidates were lost to classify the aggregate
// failure (429 vs 503 vs 502).
type failoverState struct {
	attempts       int
	allRateLimited bool
	allDown        bool
	minRetryAfter  time.Duration
	lastErr        error
}

func newFailoverState() *failoverState {
	return &failoverState{allRateLimited: true, allDown: true}
}

func (fs *failoverState) noteSkip(na *keypool.ErrNoAvailableKey) {
	if !na.RateLimited {
		fs.allRateLimited = false
	} else {
		fs.allDown = false
	}
	if na.RetryAfter > 0 && (fs.minRetryAfter == 0 || na.RetryAfter < fs.minRetryAfter) {
		fs.minRetryAfter = na.RetryAfter
	}
	fs.lastErr = na
}

func (fs *failoverState) noteFailure(err error, status int, retryAfter time.Duration) {
	if status != 429 {
		fs.allRateLimited = false
	}
	// A concrete upstream status means the provider answered: that is a
	// terminal-failure signal (502 class), not an unreachable one. Only
	// network-level failures and key exhaustion count as down.
	if status != 0 && status != networkErrorStatus {
		fs.allDown = false
	}
	if retryAfter > 0 && (fs.minRetryAfter == 0 || retryAfter < fs.minRetryAfter) {
		fs.minRetryAfter = retryAfter
	}
	fs.lastErr = err
}

func (fs *failoverState) exhausted() *AllFailedError {
	rateLimited := fs.allRateLimited && fs.lastErr != nil
	return &AllFailedError{
		Attempts:    fs.attempts,
		RateLimited: rateLimited,
		Down:        !rateLimited && fs.allDown && fs.lastErr != nil,
		RetryAfter:  fs.minRetryAfter,
		LastErr:     fs.lastErr,
	}
}

// Execute runs a unary request through the candidate list.
func (e *Engine) Execute(ctx context.Context, ordered []logical.Candidate, req *Request) (*Result, error) {
	limit := e.retryLimit(len(ordered))
	fs := newFailoverState()

	for _, cand := range ordered {
		if fs.attempts >= limit {
			break
		}
		sel, err := e.pool.Acquire(ctx, cand.Provider)
		if err != nil {
			var na *keypool.ErrNoAvailableKey
			if errors.As(err, &na) {
				slog.WarnContext(ctx, "upstream_candidate_skipped",
					slog.String("request_id", req.RequestID),
					slog.String("provider", cand.Provider.ID),
					slog.Bool("rate_limited", na.RateLimited),
				)
				if e.observer != nil {
					e.observer.RecordKeypoolExhausted(cand.Provider.ID)
				}
				fs.noteSkip(na)
				continue
			}
			fs.noteFailure(err, 0, 0)
			continue
		}

		call := e.buildCall(cand, sel, req)
		start := e.now()
		resp, err := e.transportFor(cand.Provider).SendUnary(ctx, call)
		latency := e.now().Sub(start)
		fs.attempts++

		if err != nil {
			status, retryAfter := errorStatus(err)
			e.pool.ReportOutcome(cand.Provider.ID, sel.KeyID, status, retryAfter)
			e.record(req, call, latency, status, true, core.Usage{})
			slog.WarnContext(ctx, "upstream_attempt_failed",
				slog.String("request_id", req.RequestID),
				slog.String("provider", cand.Provider.ID),
				slog.Int("status", status),
				slog.Int64("latency_ms", latency.Milliseconds()),
				slog.String("error", err.Error()),
			)
			if status != networkErrorStatus && !e.retryable(cand.Provider, status) {
				// Client-fault 4xx: another upstream would answer the same.
				return nil, err
			}
			fs.noteFailure(err, status, retryAfter)
			continue
		}

		e.pool.ReportOutcome(cand.Provider.ID, sel.KeyID, 200, 0)
		body, err := adapter.RenderUnary(resp, req.CallerStyle, req.Chat.Model)
		if err != nil {
			return nil, err
		}
		e.record(req, call, latency, 200, false, resp.Usage)
		return &Result{
			ProviderID: cand.Provider.ID,
			ModelID:    cand.Upstream.ModelID,
			KeyID:      sel.KeyID,
			Body:       body,
			Usage:      resp.Usage,
			LatencyMs:  latency.Milliseconds(),
		}, nil
	}

	return nil, fs.exhausted()
}

// ExecuteStream opens a streaming exchange. Failover runs until the first
// translated bytes exist; after that the returned session is committed to
// its candidate and mid-stream errors become terminal SSE frames.
func (e *Engine) ExecuteStream(ctx context.Context, ordered []logical.Candidate, req *Request) (*StreamSession, error) {
	limit := e.retryLimit(len(ordered))
	fs := newFailoverState()

	for _, cand := range ordered {
		if fs.attempts >= limit {
			break
		}
		sel, err := e.pool.Acquire(ctx, cand.Provider)
		if err != nil {
			var na *keypool.ErrNoAvailableKey
			if errors.As(err, &na) {
				if e.observer != nil {
					e.observer.RecordKeypoolExhausted(cand.Provider.ID)
				}
				fs.noteSkip(na)
				continue
			}
			fs.noteFailure(err, 0, 0)
			continue
		}

		call := e.buildCall(cand, sel, req)
		start := e.now()
		stream, err := e.transportFor(cand.Provider).SendStream(ctx, call)
		fs.attempts++

		if err != nil {
			status, retryAfter := errorStatus(err)
			e.pool.ReportOutcome(cand.Provider.ID, sel.KeyID, status, retryAfter)
			e.record(req, call, e.now().Sub(start), status, true, core.Usage{})
			if status != networkErrorStatus && !e.retryable(cand.Provider, status) {
				return nil, err
			}
			fs.noteFailure(err, status, retryAfter)
			continue
		}

		session, err := e.primeSession(ctx, stream, call, req, start)
		if err != nil {
			status, retryAfter := errorStatus(err)
			e.pool.ReportOutcome(cand.Provider.ID, sel.KeyID, status, retryAfter)
			e.record(req, call, e.now().Sub(start), status, true, core.Usage{})
			if status != networkErrorStatus && !e.retryable(cand.Provider, status) {
				return nil, err
			}
			fs.noteFailure(err, status, retryAfter)
			continue
		}

		e.pool.ReportOutcome(cand.Provider.ID, sel.KeyID, 200, 0)
		return session, nil
	}

	return nil, fs.exhausted()
}

// primeSession reads upstream chunks until the translator yields the first
// output bytes. Errors in this window are still eligible for failover; the
// caller has not seen a single byte yet.
func (e *Engine) primeSession(ctx context.Context, stream Stream, call *Call, req *Request, start time.Time) (*StreamSession, error) {
	tr := adapter.NewStreamTranslator(stream.Style(), req.CallerStyle, req.Chat.Model, req.RequestID)
	session := &StreamSession{
		ProviderID: call.Provider.ID,
		ModelID:    call.Upstream.ModelID,
		KeyID:      call.Key.KeyID,
		engine:     e,
		req:        req,
		call:       call,
		stream:     stream,
		tr:         tr,
		start:      start,
	}

	var first bytes.Buffer
	for first.Len() == 0 {
		chunk, err := stream.Recv()
		if len(chunk) > 0 {
			first.Write(tr.Feed(chunk))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Empty but clean stream: commit and emit the tail.
				first.Write(tr.Finish())
				session.done = true
				session.recordFinal(200, false)
				break
			}
			stream.Close()
			return nil, err
		}
	}
	session.pending = first.Bytes()
	return session, nil
}

func (e *Engine) buildCall(cand logical.Candidate, sel keypool.Selection, req *Request) *Call {
	return &Call{
		Provider:  cand.Provider,
		Upstream:  cand.Upstream,
		Key:       sel,
		Chat:      req.Chat,
		Style:     upstreamStyle(cand),
		RequestID: req.RequestID,
	}
}

func (e *Engine) record(req *Request, call *Call, latency time.Duration, status int, failed bool, usage core.Usage) {
	if e.observer != nil {
		e.observer.ObserveUpstreamAttempt(call.Provider.ID, attemptOutcome(status), latency)
	}
	if e.metrics == nil {
		return
	}
	e.metrics.Record(routemetrics.Sample{
		Time:         e.now(),
		LogicalModel: req.LogicalModel,
		ProviderID:   call.Provider.ID,
		ModelID:      call.Upstream.ModelID,
		KeyID:        call.Key.KeyID,
		LatencyMs:    float64(latency.Milliseconds()),
		StatusCode:   status,
		Failed:       failed,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
}

func attemptOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status == 429:
		return "rate_limited"
	case status == networkErrorStatus:
		return "network_error"
	default:
		return "upstream_error"
	}
}

// errorStatus extracts the HTTP status and retry hint from a transport
// error. Network-level failures map to a synthetic 599.
func errorStatus(err error) (int, time.Duration) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status, se.RetryAfter
	}
	return networkErrorStatus, 0
}

// StreamSession is a committed upstream stream. The caller drains it with
// Next and forwards each returned chunk verbatim.
type StreamSession struct {
	ProviderID string
	ModelID    string
	KeyID      string

	engine  *Engine
	req     *Request
	call    *Call
	stream  Stream
	tr      adapter.StreamTranslator
	start   time.Time
	pending []byte
	done    bool
	closed  bool
}

// Next returns the next translated chunk. The final chunk always ends with
// the DONE frame; after it, Next returns io.EOF.
func (s *StreamSession) Next(ctx context.Context) ([]byte, error) {
	if len(s.pending) > 0 {
		p := s.pending
		s.pending = nil
		return p, nil
	}
	if s.done {
		return nil, io.EOF
	}

	var out bytes.Buffer
	for out.Len() == 0 {
		chunk, err := s.stream.Recv()
		if len(chunk) > 0 {
			out.Write(s.tr.Feed(chunk))
		}
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				out.Write(s.tr.Finish())
				s.recordFinal(200, false)
			} else {
				// Mid-stream failure: one terminal error event, clean end.
				out.Write(adapter.ErrorFrame(s.req.CallerStyle, "upstream connection lost"))
				status, _ := errorStatus(err)
				s.recordFinal(status, true)
				slog.WarnContext(ctx, "upstream_stream_interrupted",
					slog.String("request_id", s.req.RequestID),
					slog.String("provider", s.ProviderID),
					slog.String("error", err.Error()),
				)
			}
			break
		}
	}
	if out.Len() == 0 {
		return nil, io.EOF
	}
	return out.Bytes(), nil
}

// Usage returns upstream-reported token counts, falling back to a character
// approximation of the forwarded output.
func (s *StreamSession) Usage() core.Usage {
	if u, ok := s.tr.Usage(); ok {
		return u
	}
	return core.Usage{OutputTokens: adapter.ApproxTokens(s.tr.OutputChars())}
}

func (s *StreamSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Close()
}

func (s *StreamSession) recordFinal(status int, failed bool) {
	s.engine.record(s.req, s.call, s.engine.now().Sub(s.start), status, failed, s.Usage())
}
