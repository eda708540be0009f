package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
)

// googleTransport dispatches through the official Google GenAI SDK.
type googleTransport struct {
	httpClient *http.Client
}

func newGoogleTransport() *googleTransport {
	return &googleTransport{httpClient: &http.Client{}}
}

func (t *googleTransport) client(ctx context.Context, call *Call) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     call.Key.Secret,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: t.httpClient,
	}
	if call.Provider.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: call.Provider.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", call.Provider.ID, err)
	}
	return client, nil
}

func (t *googleTransport) contents(call *Call) ([]*genai.Content, *genai.GenerateContentConfig) {
	chat := call.Chat
	contents := make([]*genai.Content, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		if r := strings.ToLower(m.Role); r == "assistant" || r == "model" {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		} else {
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if chat.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: chat.System}},
		}
	}
	if chat.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*chat.Temperature))
	}
	if chat.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*chat.TopP))
	}
	if chat.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(chat.MaxTokens)
	}
	return contents, cfg
}

func (t *googleTransport) SendUnary(ctx context.Context, call *Call) (*adapter.UnaryResponse, error) {
	client, err := t.client(ctx, call)
	if err != nil {
		return nil, err
	}
	contents, cfg := t.contents(call)

	resp, err := client.Models.GenerateContent(ctx, call.Upstream.ModelID, contents, cfg)
	if err != nil {
		return nil, googleStatusError(call, err)
	}

	out := &adapter.UnaryResponse{
		ID:           call.RequestID,
		Model:        call.Upstream.ModelID,
		FinishReason: "stop",
	}
	if resp != nil {
		out.Text = resp.Text()
		if resp.ResponseID != "" {
			out.ID = resp.ResponseID
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			out.FinishReason = genaiFinishToOpenAI(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			out.Usage = core.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	return out, nil
}

func (t *googleTransport) SendStream(ctx context.Context, call *Call) (Stream, error) {
	client, err := t.client(ctx, call)
	if err != nil {
		return nil, err
	}
	contents, cfg := t.contents(call)

	out, streamCtx := newSDKStream(ctx)
	go func() {
		defer close(out.frames)

		finish := "stop"
		inputTokens, outputTokens := 0, 0

		for resp, err := range client.Models.GenerateContentStream(streamCtx, call.Upstream.ModelID, contents, cfg) {
			if err != nil {
				out.send(streamCtx, sdkFrame{err: googleStatusError(call, err)})
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}
			c := resp.Candidates[0]
			if c.FinishReason != "" {
				finish = genaiFinishToOpenAI(c.FinishReason)
			}
			if resp.UsageMetadata != nil {
				inputTokens = int(resp.UsageMetadata.PromptTokenCount)
				outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			if text := candidateText(c); text != "" {
				frame := chatChunkFrame(call.RequestID, call.Upstream.ModelID)
				frame.setDelta(text, "")
				if !out.send(streamCtx, sdkFrame{data: frame.encode()}) {
					return
				}
			}
		}

		frame := chatChunkFrame(call.RequestID, call.Upstream.ModelID)
		frame.setDelta("", finish)
		if outputTokens > 0 {
			frame.setUsage(inputTokens, outputTokens)
		}
		if !out.send(streamCtx, sdkFrame{data: frame.encode()}) {
			return
		}
		out.send(streamCtx, sdkFrame{data: []byte("data: [DONE]\n\n")})
	}()
	return out, nil
}

func candidateText(c *genai.Candidate) string {
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func genaiFinishToOpenAI(r genai.FinishReason) string {
	switch r {
	case genai.FinishReasonMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

func googleStatusError(call *Call, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{
			ProviderID: call.Provider.ID,
			Status:     apiErr.Code,
			Style:      core.StyleOpenAI,
			Body:       []byte(apiErr.Message),
		}
	}
	return err
}
