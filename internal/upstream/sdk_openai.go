package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
)

// openaiTransport dispatches through the official OpenAI SDK. The client is
// rebuilt per call because the pool key differs between requests.
type openaiTransport struct {
	httpClient *http.Client
}

func newOpenAITransport() *openaiTransport {
	return &openaiTransport{httpClient: &http.Client{}}
}

func (t *openaiTransport) client(call *Call) openaiSDK.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(call.Key.Secret),
		option.WithHTTPClient(t.httpClient),
		option.WithMaxRetries(0), // failover is the engine's job
	}
	if call.Provider.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(call.Provider.BaseURL))
	}
	for k, v := range call.Provider.CustomHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return openaiSDK.NewClient(opts...)
}

func (t *openaiTransport) params(call *Call) openaiSDK.ChatCompletionNewParams {
	chat := call.Chat
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(chat.Messages)+1)
	if chat.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(chat.System))
	}
	for _, m := range chat.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			msgs = append(msgs, openaiSDK.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openaiSDK.UserMessage(m.Content))
		}
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    call.Upstream.ModelID,
	}
	if chat.Temperature != nil {
		params.Temperature = openaiSDK.Float(*chat.Temperature)
	}
	if chat.TopP != nil {
		params.TopP = openaiSDK.Float(*chat.TopP)
	}
	if chat.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(chat.MaxTokens))
	}
	return params
}

func (t *openaiTransport) SendUnary(ctx context.Context, call *Call) (*adapter.UnaryResponse, error) {
	client := t.client(call)
	resp, err := client.Chat.Completions.New(ctx, t.params(call))
	if err != nil {
		return nil, openaiStatusError(call, err)
	}

	out := &adapter.UnaryResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: "stop",
		Usage: core.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		if resp.Choices[0].FinishReason != "" {
			out.FinishReason = resp.Choices[0].FinishReason
		}
	}
	return out, nil
}

func (t *openaiTransport) SendStream(ctx context.Context, call *Call) (Stream, error) {
	params := t.params(call)
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}
	client := t.client(call)

	out, streamCtx := newSDKStream(ctx)
	go func() {
		defer close(out.frames)

		stream := client.Chat.Completions.NewStreaming(streamCtx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			frame := chatChunkFrame(chunk.ID, call.Upstream.ModelID)
			if len(chunk.Choices) > 0 {
				c := chunk.Choices[0]
				frame.setDelta(c.Delta.Content, c.FinishReason)
			}
			if chunk.Usage.TotalTokens > 0 {
				frame.setUsage(int(chunk.Usage.PromptTokens), int(chunk.Usage.CompletionTokens))
			}
			if !out.send(streamCtx, sdkFrame{data: frame.encode()}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			out.send(streamCtx, sdkFrame{err: openaiStatusError(call, err)})
			return
		}
		out.send(streamCtx, sdkFrame{data: []byte("data: [DONE]\n\n")})
	}()
	return out, nil
}

func openaiStatusError(call *Call, err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &StatusError{
			ProviderID: call.Provider.ID,
			Status:     apiErr.StatusCode,
			Style:      core.StyleOpenAI,
			Body:       []byte(apiErr.Error()),
		}
	}
	return err
}

// chunkFrame builds one chat.completion.chunk SSE frame.
type chunkFrame struct {
	payload map[string]any
	choice  map[string]any
}

func chatChunkFrame(id, model string) *chunkFrame {
	choice := map[string]any{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": nil,
	}
	return &chunkFrame{
		payload: map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"model":   model,
			"choices": []map[string]any{choice},
		},
		choice: choice,
	}
}

func (f *chunkFrame) setDelta(content, finish string) {
	if content != "" {
		f.choice["delta"] = map[string]any{"content": content}
	}
	if finish != "" {
		f.choice["finish_reason"] = finish
	}
}

func (f *chunkFrame) setUsage(input, output int) {
	f.payload["usage"] = map[string]any{
		"prompt_tokens":     input,
		"completion_tokens": output,
		"total_tokens":      input + output,
	}
}

func (f *chunkFrame) encode() []byte {
	raw, _ := json.Marshal(f.payload)
	return append(append([]byte("data: "), raw...), '\n', '\n')
}
