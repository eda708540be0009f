package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyrelay/polyrelay/internal/core"
)

func TestDetectStyle(t *testing.T) {
	cases := []struct {
		name string
		body string
		want core.APIStyle
	}{
		{"openai", `{"model":"gpt-4","messages":[]}`, core.StyleOpenAI},
		{"max_completion_tokens is openai", `{"model":"gpt-4","max_completion_tokens":100,"messages":[]}`, core.StyleOpenAI},
		{"max_tokens_to_sample", `{"model":"claude-3","max_tokens_to_sample":100}`, core.StyleClaude},
		{"anthropic_version", `{"model":"claude-3","anthropic_version":"2023-06-01"}`, core.StyleClaude},
		{"instructions plus input", `{"model":"gpt-4","instructions":"be brief","input":"hi"}`, core.StyleResponses},
		{"input alone is not responses", `{"model":"gemini-pro","input":[]}`, core.StyleOpenAI},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var fields map[string]json.RawMessage
			require.NoError(t, json.Unmarshal([]byte(tc.body), &fields))
			assert.Equal(t, tc.want, DetectStyle(fields))
		})
	}
}

func TestParseOpenAIRequest(t *testing.T) {
	body := `{
		"model": "gpt-best",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hello"}
		],
		"max_tokens": 256,
		"temperature": 0.7,
		"stream": true
	}`
	req, err := ParseRequest([]byte(body), core.StyleOpenAI)
	require.NoError(t, err)

	assert.Equal(t, "gpt-best", req.Model)
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
	assert.Equal(t, 256, req.MaxTokens)
	assert.True(t, req.Stream)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.7, *req.Temperature, 1e-9)
}

func TestParseGeminiInputFlattening(t *testing.T) {
	body := `{
		"model": "gemini-2.0-flash",
		"input": [
			{"text": "first "},
			{"input_text": "second "},
			{"content": [{"text": "third"}]}
		]
	}`
	req, err := ParseRequest([]byte(body), core.StyleOpenAI)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "first second third", req.Messages[0].Content)
}

func TestParseResponsesRequest(t *testing.T) {
	body := `{
		"model": "gpt-best",
		"instructions": "answer in French",
		"input": "what time is it?",
		"max_output_tokens": 128
	}`
	req, err := ParseRequest([]byte(body), core.StyleResponses)
	require.NoError(t, err)

	assert.Equal(t, core.StyleResponses, req.Style)
	assert.Equal(t, "answer in French", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "what time is it?", req.Messages[0].Content)
	assert.Equal(t, 128, req.MaxTokens)
}

func TestParseContentPartArray(t *testing.T) {
	body := `{
		"model": "gpt-best",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "part one "}, {"type": "text", "text": "part two"}]}
		]
	}`
	req, err := ParseRequest([]byte(body), core.StyleOpenAI)
	require.NoError(t, err)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "part one part two", req.Messages[0].Content)
}

func TestParseRejectsEmptyRequest(t *testing.T) {
	_, err := ParseRequest([]byte(`{"model":"gpt-best"}`), core.StyleOpenAI)
	assert.Error(t, err)
}

func TestBuildClaudeBody(t *testing.T) {
	req := &ChatRequest{
		Model:  "gpt-best",
		System: "be terse",
		Messages: []core.Message{
			{Role: "user", Content: "hi"},
			{Role: "tool", Content: "result"},
		},
	}
	raw, err := BuildRequestBody(req, core.StyleClaude, "claude-sonnet-4")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "claude-sonnet-4", body["model"])
	assert.Equal(t, "be terse", body["system"])
	// max_tokens is mandatory for the Messages API.
	assert.EqualValues(t, 4096, body["max_tokens"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	// Unknown roles collapse to user for the Messages API.
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
}

func TestBuildOpenAIBodyInlinesSystem(t *testing.T) {
	req := &ChatRequest{
		System:   "sys",
		Messages: []core.Message{{Role: "user", Content: "hi"}},
		Stream:   true,
	}
	raw, err := BuildRequestBody(req, core.StyleOpenAI, "gpt-4o")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, true, body["stream"])
}

func TestBuildResponsesBody(t *testing.T) {
	req := &ChatRequest{
		System:    "sys",
		Messages:  []core.Message{{Role: "user", Content: "question"}},
		MaxTokens: 64,
	}
	raw, err := BuildRequestBody(req, core.StyleResponses, "o4-deep")
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "sys", body["instructions"])
	assert.Equal(t, "question", body["input"])
	assert.EqualValues(t, 64, body["max_output_tokens"])
}

func TestUnaryClaudeToOpenAI(t *testing.T) {
	claudeBody := `{
		"id": "msg_01",
		"model": "claude-sonnet-4",
		"content": [{"type": "text", "text": "bonjour"}],
		"stop_reason": "max_tokens",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`
	parsed, err := ParseUnary([]byte(claudeBody), core.StyleClaude)
	require.NoError(t, err)
	assert.Equal(t, "length", parsed.FinishReason)
	assert.Equal(t, 30, parsed.Usage.Total())

	raw, err := RenderUnary(parsed, core.StyleOpenAI, "gpt-best")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "chat.completion", out["object"])
	assert.Equal(t, "gpt-best", out["model"])
	choice := out["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "length", choice["finish_reason"])
	assert.Equal(t, "bonjour", choice["message"].(map[string]any)["content"])
	usage := out["usage"].(map[string]any)
	assert.EqualValues(t, 10, usage["prompt_tokens"])
	assert.EqualValues(t, 20, usage["completion_tokens"])
}

func TestUnaryOpenAIToClaude(t *testing.T) {
	openaiBody := `{
		"id": "chatcmpl-1",
		"model": "gpt-4o",
		"choices": [{"message": {"content": "hi"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 7}
	}`
	parsed, err := ParseUnary([]byte(openaiBody), core.StyleOpenAI)
	require.NoError(t, err)

	raw, err := RenderUnary(parsed, core.StyleClaude, "claude-best")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "message", out["type"])
	assert.Equal(t, "end_turn", out["stop_reason"])
	content := out["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "hi", content["text"])
	usage := out["usage"].(map[string]any)
	assert.EqualValues(t, 5, usage["input_tokens"])
}

func TestUnaryToResponses(t *testing.T) {
	parsed := &UnaryResponse{
		ID: "r1", Text: "answer", FinishReason: "stop",
		Usage: core.Usage{InputTokens: 3, OutputTokens: 4},
	}
	raw, err := RenderUnary(parsed, core.StyleResponses, "gpt-best")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "response", out["object"])
	assert.Equal(t, "completed", out["status"])
	output := out["output"].([]any)[0].(map[string]any)
	text := output["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "answer", text["text"])
}
