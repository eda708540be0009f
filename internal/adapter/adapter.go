// Package adapter translates between the three wire dialects the gateway
// speaks: OpenAI chat completions, Anthropic Messages, and OpenAI Responses.
// It is invoked twice per request: once to shape the outbound body for the
// chosen upstream's native style, and once to shape the upstream's reply
// back into the caller's style.
package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polyrelay/polyrelay/internal/core"
)

// ChatRequest is the normalized form every dialect parses into.
type ChatRequest struct {
	Model       string
	Messages    []core.Message
	System      string
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stream      bool
	Tools       json.RawMessage // passed through untranslated
	Style       core.APIStyle   // detected source dialect

	// ConversationID is the caller-supplied stickiness key, when present.
	ConversationID string
}

// DetectStyle inspects a request body and reports its dialect.
// max_tokens_to_sample or anthropic_version signal claude; instructions
// together with input signal responses; everything else is openai.
func DetectStyle(fields map[string]json.RawMessage) core.APIStyle {
	if _, ok := fields["max_tokens_to_sample"]; ok {
		return core.StyleClaude
	}
	if _, ok := fields["anthropic_version"]; ok {
		return core.StyleClaude
	}
	_, hasInstructions := fields["instructions"]
	_, hasInput := fields["input"]
	if hasInstructions && hasInput {
		return core.StyleResponses
	}
	return core.StyleOpenAI
}

// ParseRequest decodes body into the normalized form. endpointStyle is the
// dialect implied by the ingress route and wins over payload heuristics
// except where the payload is unambiguous.
func ParseRequest(body []byte, endpointStyle core.APIStyle) (*ChatRequest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("adapter: decode request: %w", err)
	}

	style := endpointStyle
	if detected := DetectStyle(fields); detected != core.StyleOpenAI {
		style = detected
	}

	req := &ChatRequest{Style: style}
	unmarshalInto(fields, "model", &req.Model)
	unmarshalInto(fields, "stream", &req.Stream)
	unmarshalInto(fields, "temperature", &req.Temperature)
	unmarshalInto(fields, "top_p", &req.TopP)
	unmarshalInto(fields, "conversation_id", &req.ConversationID)
	if req.ConversationID == "" {
		unmarshalInto(fields, "user", &req.ConversationID)
	}
	if raw, ok := fields["tools"]; ok {
		req.Tools = raw
	}

	// max_tokens spellings, in dialect order of precedence.
	for _, k := range []string{"max_tokens", "max_completion_tokens", "max_tokens_to_sample", "max_output_tokens"} {
		if req.MaxTokens == 0 {
			unmarshalInto(fields, k, &req.MaxTokens)
		}
	}

	switch style {
	case core.StyleResponses:
		if err := parseResponsesInput(fields, req); err != nil {
			return nil, err
		}
	default:
		if err := parseMessages(fields, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// parseMessages handles the openai and claude shapes, plus the gemini-style
// input array some clients send for gemini* models.
func parseMessages(fields map[string]json.RawMessage, req *ChatRequest) error {
	unmarshalInto(fields, "system", &req.System)

	if raw, ok := fields["messages"]; ok {
		var msgs []rawMessage
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return fmt.Errorf("adapter: decode messages: %w", err)
		}
		for _, m := range msgs {
			text, err := m.text()
			if err != nil {
				return err
			}
			if m.Role == "system" && req.System == "" {
				req.System = text
				continue
			}
			req.Messages = append(req.Messages, core.Message{Role: m.Role, Content: text})
		}
		return nil
	}

	// Gemini-style payload: input:[…] on a gemini* model. Flatten each
	// segment's text fields in order into one user message.
	if raw, ok := fields["input"]; ok && strings.HasPrefix(req.Model, "gemini") {
		text, err := flattenInput(raw)
		if err != nil {
			return err
		}
		req.Messages = append(req.Messages, core.Message{Role: "user", Content: text})
		return nil
	}

	return fmt.Errorf("adapter: request has no messages")
}

// parseResponsesInput maps instructions + input into system + user messages.
func parseResponsesInput(fields map[string]json.RawMessage, req *ChatRequest) error {
	unmarshalInto(fields, "instructions", &req.System)

	raw, ok := fields["input"]
	if !ok {
		return fmt.Errorf("adapter: responses request has no input")
	}
	text, err := flattenInput(raw)
	if err != nil {
		return err
	}
	req.Messages = append(req.Messages, core.Message{Role: "user", Content: text})
	return nil
}

// flattenInput accepts a bare string or an array of segments and joins every
// text / input_text field in order.
func flattenInput(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var segments []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &segments); err != nil {
		return "", fmt.Errorf("adapter: decode input: %w", err)
	}
	var b strings.Builder
	for _, seg := range segments {
		for _, k := range []string{"text", "input_text"} {
			if rawText, ok := seg[k]; ok {
				var t string
				if json.Unmarshal(rawText, &t) == nil {
					b.WriteString(t)
				}
			}
		}
		// Nested content arrays (responses message segments).
		if rawContent, ok := seg["content"]; ok {
			nested, err := flattenInput(rawContent)
			if err == nil {
				b.WriteString(nested)
			}
		}
	}
	return b.String(), nil
}

// rawMessage tolerates both string content and content-part arrays.
type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m rawMessage) text() (string, error) {
	if len(m.Content) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil
	}
	return flattenInput(m.Content)
}

// BuildRequestBody renders req in the target dialect with modelID as the
// upstream model name.
func BuildRequestBody(req *ChatRequest, target core.APIStyle, modelID string) ([]byte, error) {
	switch target {
	case core.StyleClaude:
		return buildClaudeBody(req, modelID)
	case core.StyleResponses:
		return buildResponsesBody(req, modelID)
	default:
		return buildOpenAIBody(req, modelID)
	}
}

func buildOpenAIBody(req *ChatRequest, modelID string) ([]byte, error) {
	body := map[string]any{
		"model":  modelID,
		"stream": req.Stream,
	}
	msgs := make([]map[string]string, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, map[string]string{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, map[string]string{"role": m.Role, "content": m.Content})
	}
	body["messages"] = msgs
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	return json.Marshal(body)
}

func buildClaudeBody(req *ChatRequest, modelID string) ([]byte, error) {
	body := map[string]any{
		"model":  modelID,
		"stream": req.Stream,
	}
	msgs := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, map[string]string{"role": role, "content": m.Content})
	}
	body["messages"] = msgs
	if req.System != "" {
		body["system"] = req.System
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096 // the Messages API requires max_tokens
	}
	body["max_tokens"] = maxTokens
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	return json.Marshal(body)
}

func buildResponsesBody(req *ChatRequest, modelID string) ([]byte, error) {
	body := map[string]any{
		"model":  modelID,
		"stream": req.Stream,
	}
	if req.System != "" {
		body["instructions"] = req.System
	}
	var input strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			input.WriteString("\n")
		}
		input.WriteString(m.Content)
	}
	body["input"] = input.String()
	if req.MaxTokens > 0 {
		body["max_output_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	return json.Marshal(body)
}

func unmarshalInto[T any](fields map[string]json.RawMessage, key string, dst *T) {
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, dst)
	}
}
