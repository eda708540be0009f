package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
)

const (
	anthropicVersion = "2023-06-01"

	// browserUserAgent is sent when a provider is configured with
	// browser-mimic headers (some aggregators reject non-browser clients).
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	maxErrorBodyBytes = 64 << 10
)

// HTTPTransport speaks raw HTTP to OpenAI-compatible, Anthropic-compatible,
// and Responses-compatible endpoints. Deadlines come from the request
// context so long-lived streams are not cut off by a client timeout.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{client: &http.Client{}}
}

func (t *HTTPTransport) SendUnary(ctx context.Context, call *Call) (*adapter.UnaryResponse, error) {
	req, err := t.buildRequest(ctx, call, false)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", call.Provider.ID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: read body: %w", call.Provider.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(call, resp, body)
	}

	parsed, err := adapter.ParseUnary(body, call.Style)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", call.Provider.ID, err)
	}
	return parsed, nil
}

func (t *HTTPTransport) SendStream(ctx context.Context, call *Call) (Stream, error) {
	req, err := t.buildRequest(ctx, call, true)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", call.Provider.ID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, statusError(call, resp, body)
	}
	return &httpStream{body: resp.Body, style: call.Style}, nil
}

func (t *HTTPTransport) buildRequest(ctx context.Context, call *Call, stream bool) (*http.Request, error) {
	chat := *call.Chat
	chat.Stream = stream
	body, err := adapter.BuildRequestBody(&chat, call.Style, call.Upstream.ModelID)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: build body: %w", call.Provider.ID, err)
	}

	target := strings.TrimRight(call.Provider.BaseURL, "/") + endpointPath(call)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", call.Provider.ID, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "*/*")
	}

	if call.Style == core.StyleClaude {
		req.Header.Set("x-api-key", call.Key.Secret)
		req.Header.Set("anthropic-version", anthropicVersion)
	} else {
		req.Header.Set("Authorization", "Bearer "+call.Key.Secret)
	}

	if call.Provider.BrowserHeaders {
		applyBrowserHeaders(req, call.Provider.BaseURL)
	}
	for k, v := range call.Provider.CustomHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// endpointPath prefers a per-upstream endpoint override and falls back to
// the provider's path for the style.
func endpointPath(call *Call) string {
	if call.Upstream.Endpoint != "" {
		return call.Upstream.Endpoint
	}
	return call.Provider.EndpointPath(call.Style)
}

func applyBrowserHeaders(req *http.Request, baseURL string) {
	req.Header.Set("User-Agent", browserUserAgent)
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		origin := u.Scheme + "://" + u.Host
		req.Header.Set("Origin", origin)
		req.Header.Set("Referer", origin+"/")
	}
}

func statusError(call *Call, resp *http.Response, body []byte) *StatusError {
	se := &StatusError{
		ProviderID: call.Provider.ID,
		Status:     resp.StatusCode,
		Style:      call.Style,
		Body:       body,
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

// httpStream reads raw SSE bytes off the upstream response body.
type httpStream struct {
	body  io.ReadCloser
	style core.APIStyle
	buf   [4096]byte
}

func (s *httpStream) Recv() ([]byte, error) {
	n, err := s.body.Read(s.buf[:])
	if n > 0 {
		out := make([]byte, n)
		copy(out, s.buf[:n])
		return out, err
	}
	return nil, err
}

func (s *httpStream) Style() core.APIStyle { return s.style }

func (s *httpStream) Close() error { return s.body.Close() }
