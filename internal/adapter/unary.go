package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/polyrelay/polyrelay/internal/core"
)

// UnaryResponse is the normalized form of a complete (non-streaming)
// upstream reply.
type UnaryResponse struct {
	ID           string
	Model        string
	Text         string
	ToolCalls    json.RawMessage // openai-shaped, passed through
	FinishReason string          // normalized: stop | length | tool_calls
	Usage        core.Usage
}

// Finish reason mapping between the openai and claude vocabularies.
func claudeStopToFinish(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

func finishToClaudeStop(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ParseUnary decodes an upstream unary body of the given style.
func ParseUnary(body []byte, style core.APIStyle) (*UnaryResponse, error) {
	switch style {
	case core.StyleClaude:
		return parseClaudeUnary(body)
	case core.StyleResponses:
		return parseResponsesUnary(body)
	default:
		return parseOpenAIUnary(body)
	}
}

func parseOpenAIUnary(body []byte) (*UnaryResponse, error) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content   string          `json:"content"`
				ToolCalls json.RawMessage `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("adapter: decode openai response: %w", err)
	}
	out := &UnaryResponse{
		ID: resp.ID, Model: resp.Model, FinishReason: "stop",
		Usage: core.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.ToolCalls = resp.Choices[0].Message.ToolCalls
		if resp.Choices[0].FinishReason != "" {
			out.FinishReason = resp.Choices[0].FinishReason
		}
	}
	return out, nil
}

func parseClaudeUnary(body []byte) (*UnaryResponse, error) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("adapter: decode claude response: %w", err)
	}
	out := &UnaryResponse{
		ID: resp.ID, Model: resp.Model,
		FinishReason: claudeStopToFinish(resp.StopReason),
		Usage:        core.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, c := range resp.Content {
		if c.Type == "text" {
			out.Text += c.Text
		}
	}
	return out, nil
}

func parseResponsesUnary(body []byte) (*UnaryResponse, error) {
	var resp struct {
		ID     string `json:"id"`
		Model  string `json:"model"`
		Output []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("adapter: decode responses response: %w", err)
	}
	out := &UnaryResponse{
		ID: resp.ID, Model: resp.Model, FinishReason: "stop",
		Usage: core.Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	for _, o := range resp.Output {
		if o.Type != "message" {
			continue
		}
		for _, c := range o.Content {
			if c.Type == "output_text" {
				out.Text += c.Text
			}
		}
	}
	return out, nil
}

// RenderUnary encodes resp in the target dialect. model overrides the model
// name shown to the caller (the logical name, not the upstream one).
func RenderUnary(resp *UnaryResponse, target core.APIStyle, model string) ([]byte, error) {
	if model == "" {
		model = resp.Model
	}
	switch target {
	case core.StyleClaude:
		return renderClaudeUnary(resp, model)
	case core.StyleResponses:
		return renderResponsesUnary(resp, model)
	default:
		return renderOpenAIUnary(resp, model)
	}
}

func renderOpenAIUnary(resp *UnaryResponse, model string) ([]byte, error) {
	message := map[string]any{
		"role":    "assistant",
		"content": resp.Text,
	}
	if len(resp.ToolCalls) > 0 {
		message["tool_calls"] = resp.ToolCalls
	}
	return json.Marshal(map[string]any{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": resp.FinishReason,
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.Total(),
		},
	})
}

func renderClaudeUnary(resp *UnaryResponse, model string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":    resp.ID,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{{
			"type": "text",
			"text": resp.Text,
		}},
		"stop_reason": finishToClaudeStop(resp.FinishReason),
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	})
}

func renderResponsesUnary(resp *UnaryResponse, model string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"id":     resp.ID,
		"object": "response",
		"status": "completed",
		"model":  model,
		"output": []map[string]any{{
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{{
				"type": "output_text",
				"text": resp.Text,
			}},
		}},
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.Total(),
		},
	})
}
