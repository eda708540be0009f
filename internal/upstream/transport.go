// Package upstream executes routed requests against provider backends. The
// Engine walks the scheduler's ordered candidate list, acquires a pool key
// per attempt, dispatches over HTTP or a vendor SDK, and decides per failure
// whether to fail over or surface the error.
package upstream

import (
	"context"
	"io"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
	"github.com/polyrelay/polyrelay/internal/keypool"
)

// Call is one outbound attempt against a single upstream target.
type Call struct {
	Provider  core.Provider
	Upstream  core.PhysicalModel
	Key       keypool.Selection
	Chat      *adapter.ChatRequest
	Style     core.APIStyle // dialect spoken to this upstream
	RequestID string
}

// Stream is a live upstream SSE stream. Recv returns raw bytes in the
// dialect reported by Style; io.EOF signals a clean end of stream.
type Stream interface {
	Recv() ([]byte, error)
	Style() core.APIStyle
	Close() error
}

// Transport sends an adapted request to one upstream target.
type Transport interface {
	SendUnary(ctx context.Context, call *Call) (*adapter.UnaryResponse, error)
	SendStream(ctx context.Context, call *Call) (Stream, error)
}

// sdkFrame is one chunk produced by an SDK-backed stream goroutine.
type sdkFrame struct {
	data []byte
	err  error
}

// sdkStream adapts a producer goroutine into the Stream interface. SDK
// transports always emit openai-dialect frames.
type sdkStream struct {
	frames chan sdkFrame
	cancel context.CancelFunc
}

func newSDKStream(parent context.Context) (*sdkStream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &sdkStream{
		frames: make(chan sdkFrame, 64),
		cancel: cancel,
	}, ctx
}

func (s *sdkStream) Recv() ([]byte, error) {
	f, ok := <-s.frames
	if !ok {
		return nil, io.EOF
	}
	return f.data, f.err
}

func (s *sdkStream) Style() core.APIStyle { return core.StyleOpenAI }

func (s *sdkStream) Close() error {
	s.cancel()
	return nil
}

// send delivers one frame unless the consumer has gone away.
func (s *sdkStream) send(ctx context.Context, f sdkFrame) bool {
	select {
	case s.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
