package upstream

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/polyrelay/polyrelay/internal/adapter"
	"github.com/polyrelay/polyrelay/internal/core"
)

const anthropicDefaultMaxTokens = 4096

// anthropicTransport dispatches through the official Anthropic SDK. Streams
// are re-emitted as openai-dialect frames so one translator path covers all
// SDK vendors.
type anthropicTransport struct {
	httpClient *http.Client
}

func newAnthropicTransport() *anthropicTransport {
	return &anthropicTransport{httpClient: &http.Client{}}
}

func (t *anthropicTransport) client(call *Call) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(call.Key.Secret),
		option.WithHTTPClient(t.httpClient),
		option.WithMaxRetries(0),
	}
	if call.Provider.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(call.Provider.BaseURL))
	}
	for k, v := range call.Provider.CustomHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}
	return anthropic.NewClient(opts...)
}

func (t *anthropicTransport) params(call *Call) anthropic.MessageNewParams {
	chat := call.Chat
	msgs := make([]anthropic.MessageParam, 0, len(chat.Messages))
	for _, m := range chat.Messages {
		role := anthropic.MessageParamRoleUser
		if strings.EqualFold(m.Role, "assistant") {
			role = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{
			Role: role,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: m.Content}},
			},
		})
	}

	maxTokens := chat.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(call.Upstream.ModelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if chat.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: chat.System}}
	}
	if chat.Temperature != nil {
		params.Temperature = anthropic.Float(*chat.Temperature)
	}
	if chat.TopP != nil {
		params.TopP = anthropic.Float(*chat.TopP)
	}
	return params
}

func (t *anthropicTransport) SendUnary(ctx context.Context, call *Call) (*adapter.UnaryResponse, error) {
	client := t.client(call)
	msg, err := client.Messages.New(ctx, t.params(call))
	if err != nil {
		return nil, anthropicStatusError(call, err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if tb, ok := b.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return &adapter.UnaryResponse{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Text:         sb.String(),
		FinishReason: stopReasonToFinish(string(msg.StopReason)),
		Usage: core.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (t *anthropicTransport) SendStream(ctx context.Context, call *Call) (Stream, error) {
	client := t.client(call)
	params := t.params(call)

	out, streamCtx := newSDKStream(ctx)
	go func() {
		defer close(out.frames)

		stream := client.Messages.NewStreaming(streamCtx, params)
		defer stream.Close()

		id := ""
		finish := "stop"
		inputTokens, outputTokens := 0, 0

		for stream.Next() {
			ev := stream.Current()
			switch v := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				id = v.Message.ID
				inputTokens = int(v.Message.Usage.InputTokens)
			case anthropic.ContentBlockDeltaEvent:
				if td, ok := v.Delta.AsAny().(anthropic.TextDelta); ok && td.Text != "" {
					frame := chatChunkFrame(id, call.Upstream.ModelID)
					frame.setDelta(td.Text, "")
					if !out.send(streamCtx, sdkFrame{data: frame.encode()}) {
						return
					}
				}
			case anthropic.MessageDeltaEvent:
				if v.Delta.StopReason != "" {
					finish = stopReasonToFinish(string(v.Delta.StopReason))
				}
				outputTokens = int(v.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			out.send(streamCtx, sdkFrame{err: anthropicStatusError(call, err)})
			return
		}

		frame := chatChunkFrame(id, call.Upstream.ModelID)
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

func stopReasonToFinish(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func anthropicStatusError(call *Call, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{
			ProviderID: call.Provider.ID,
			Status:     apiErr.StatusCode,
			Style:      core.StyleClaude,
			Body:       []byte(apiErr.Error()),
		}
	}
	return err
}
