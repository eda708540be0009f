package adapter

import (
	"bytes"
	"encoding/json"

	"github.com/polyrelay/polyrelay/internal/core"
)

// doneFrame terminates every SSE response the gateway emits, regardless of
// dialect.
const doneFrame = "data: [DONE]\n\n"

// StreamTranslator rewrites an upstream SSE byte stream into the caller's
// dialect. Feed returns the bytes to forward for one upstream chunk;
// malformed frames are dropped, never propagated. Finish flushes whatever
// is needed to terminate the stream cleanly.
type StreamTranslator interface {
	Feed(chunk []byte) []byte
	Finish() []byte

	// Usage reports token counts when the upstream stream carried them.
	Usage() (core.Usage, bool)

	// OutputChars counts forwarded text for token approximation.
	OutputChars() int
}

// NewStreamTranslator returns a translator from the upstream style to the
// caller style. model is the logical name echoed in rendered frames.
func NewStreamTranslator(from, to core.APIStyle, model, requestID string) StreamTranslator {
	if from == to {
		return newPassthrough()
	}
	switch {
	case from == core.StyleClaude && to == core.StyleOpenAI:
		return newClaudeToOpenAI(model, requestID)
	case from == core.StyleOpenAI && to == core.StyleClaude:
		return newOpenAIToClaude(model, requestID)
	case to == core.StyleResponses:
		var inner StreamTranslator
		if from == core.StyleClaude {
			inner = newClaudeToOpenAI(model, requestID)
		}
		return newToResponses(model, requestID, inner)
	case from == core.StyleResponses && to == core.StyleOpenAI:
		return newResponsesToOpenAI(model, requestID)
	default:
		return newPassthrough()
	}
}

// ErrorFrame renders one terminal error event in the caller's dialect,
// already terminated by the DONE frame. Used for mid-stream failures after
// bytes have been forwarded.
func ErrorFrame(style core.APIStyle, message string) []byte {
	var b bytes.Buffer
	switch style {
	case core.StyleClaude:
		writeEvent(&b, "error", map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": message},
		})
	case core.StyleResponses:
		writeEvent(&b, "response.failed", map[string]any{
			"type":  "response.failed",
			"error": map[string]any{"message": message},
		})
	default:
		writeData(&b, map[string]any{
			"error": map[string]any{"message": message, "type": "server_error"},
		})
	}
	b.WriteString(doneFrame)
	return b.Bytes()
}

func writeData(b *bytes.Buffer, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.WriteString("data: ")
	b.Write(raw)
	b.WriteString("\n\n")
}

func writeEvent(b *bytes.Buffer, name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteString("\ndata: ")
	b.Write(raw)
	b.WriteString("\n\n")
}

// passthrough forwards frames untouched but still guarantees the DONE
// terminator and extracts usage from openai-shaped chunks when present.
type passthrough struct {
	parser   sseParser
	doneSeen bool
	usage    core.Usage
	hasUsage bool
	chars    int
}

func newPassthrough() *passthrough { return &passthrough{} }

func (p *passthrough) Feed(chunk []byte) []byte {
	for _, ev := range p.parser.Feed(chunk) {
		if bytes.Equal(ev.Data, []byte("[DONE]")) {
			p.doneSeen = true
			continue
		}
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				InputTokens      int `json:"input_tokens"`
				OutputTokens     int `json:"output_tokens"`
			} `json:"usage"`
		}
		if json.Unmarshal(ev.Data, &frame) == nil {
			if len(frame.Choices) > 0 {
				p.chars += len(frame.Choices[0].Delta.Content)
			}
			if frame.Usage != nil {
				p.hasUsage = true
				p.usage.InputTokens = max(frame.Usage.PromptTokens, frame.Usage.InputTokens)
				p.usage.OutputTokens = max(frame.Usage.CompletionTokens, frame.Usage.OutputTokens)
			}
		}
	}
	return chunk
}

func (p *passthrough) Finish() []byte {
	if p.doneSeen {
		return nil
	}
	return []byte(doneFrame)
}

func (p *passthrough) Usage() (core.Usage, bool) { return p.usage, p.hasUsage }
func (p *passthrough) OutputChars() int          { return p.chars }

// claudeToOpenAI rewrites Anthropic Messages events into
// chat.completion.chunk frames.
type claudeToOpenAI struct {
	parser sseParser

	id       string
	model    string
	finish   string
	done     bool
	usage    core.Usage
	hasUsage bool
	chars    int

	// claude content block index -> openai tool_calls index
	toolIdx  map[int]int
	nextTool int
}

func newClaudeToOpenAI(model, requestID string) *claudeToOpenAI {
	return &claudeToOpenAI{
		id:      "chatcmpl-" + requestID,
		model:   model,
		finish:  "stop",
		toolIdx: make(map[int]int),
	}
}

func (t *claudeToOpenAI) Feed(chunk []byte) []byte {
	var out bytes.Buffer
	for _, ev := range t.parser.Feed(chunk) {
		if t.done {
			break
		}
		t.handleEvent(&out, ev)
	}
	return out.Bytes()
}

func (t *claudeToOpenAI) handleEvent(out *bytes.Buffer, ev sseEvent) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return // malformed frame: drop, never 500
	}
	name := ev.Name
	if name == "" {
		var typed struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(ev.Data, &typed)
		name = typed.Type
	}

	switch name {
	case "message_start":
		var ms struct {
			Message struct {
				ID    string `json:"id"`
				Model string `json:"model"`
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message"`
		}
		if json.Unmarshal(ev.Data, &ms) == nil {
			if ms.Message.ID != "" {
				t.id = ms.Message.ID
			}
			t.usage.InputTokens = ms.Message.Usage.InputTokens
		}
		t.emitChunk(out, map[string]any{"role": "assistant", "content": ""}, nil)

	case "content_block_start":
		var cbs struct {
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
		}
		if json.Unmarshal(ev.Data, &cbs) != nil {
			return
		}
		if cbs.ContentBlock.Type == "tool_use" {
			idx := t.nextTool
			t.nextTool++
			t.toolIdx[cbs.Index] = idx
			t.emitChunk(out, map[string]any{
				"tool_calls": []map[string]any{{
					"index": idx,
					"id":    cbs.ContentBlock.ID,
					"type":  "function",
					"function": map[string]any{
						"name":      cbs.ContentBlock.Name,
						"arguments": "",
					},
				}},
			}, nil)
		}

	case "content_block_delta":
		var cbd struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text"`
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		if json.Unmarshal(ev.Data, &cbd) != nil {
			return
		}
		switch cbd.Delta.Type {
		case "text_delta":
			t.chars += len(cbd.Delta.Text)
			t.emitChunk(out, map[string]any{"content": cbd.Delta.Text}, nil)
		case "input_json_delta":
			idx, ok := t.toolIdx[cbd.Index]
			if !ok {
				return
			}
			t.emitChunk(out, map[string]any{
				"tool_calls": []map[string]any{{
					"index":    idx,
					"function": map[string]any{"arguments": cbd.Delta.PartialJSON},
				}},
			}, nil)
		}

	case "message_delta":
		var md struct {
			Delta struct {
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Usage struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if json.Unmarshal(ev.Data, &md) == nil {
			if md.Delta.StopReason != "" {
				t.finish = claudeStopToFinish(md.Delta.StopReason)
			}
			if md.Usage.OutputTokens > 0 {
				t.usage.OutputTokens = md.Usage.OutputTokens
				t.hasUsage = true
			}
		}

	case "message_stop":
		t.emitChunk(out, map[string]any{}, &t.finish)
		out.WriteString(doneFrame)
		t.done = true

	case "error":
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(ev.Data, &e)
		writeData(out, map[string]any{
			"error": map[string]any{"message": e.Error.Message, "type": "server_error"},
		})
		out.WriteString(doneFrame)
		t.done = true
	}
}

func (t *claudeToOpenAI) emitChunk(out *bytes.Buffer, delta map[string]any, finish *string) {
	var finishVal any
	if finish != nil {
		finishVal = *finish
	}
	writeData(out, map[string]any{
		"id":     t.id,
		"object": "chat.completion.chunk",
		"model":  t.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishVal,
		}},
	})
}

func (t *claudeToOpenAI) Finish() []byte {
	if t.done {
		return nil
	}
	var out bytes.Buffer
	t.emitChunk(&out, map[string]any{}, &t.finish)
	out.WriteString(doneFrame)
	t.done = true
	return out.Bytes()
}

func (t *claudeToOpenAI) Usage() (core.Usage, bool) { return t.usage, t.hasUsage }
func (t *claudeToOpenAI) OutputChars() int          { return t.chars }

// openaiToClaude rewrites chat.completion.chunk frames into Anthropic
// Messages events.
type openaiToClaude struct {
	parser sseParser

	id       string
	model    string
	started  bool
	finish   string
	done     bool
	usage    core.Usage
	hasUsage bool
	chars    int
}

func newOpenAIToClaude(model, requestID string) *openaiToClaude {
	return &openaiToClaude{
		id:     "msg_" + requestID,
		model:  model,
		finish: "stop",
	}
}

func (t *openaiToClaude) Feed(chunk []byte) []byte {
	var out bytes.Buffer
	for _, ev := range t.parser.Feed(chunk) {
		if t.done {
			break
		}
		if bytes.Equal(ev.Data, []byte("[DONE]")) {
			t.terminate(&out)
			continue
		}
		t.handleChunk(&out, ev.Data)
	}
	return out.Bytes()
}

func (t *openaiToClaude) handleChunk(out *bytes.Buffer, data []byte) {
	var frame struct {
		ID      string `json:"id"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return // malformed frame: drop
	}
	if frame.Usage != nil {
		t.usage = core.Usage{
			InputTokens:  frame.Usage.PromptTokens,
			OutputTokens: frame.Usage.CompletionTokens,
		}
		t.hasUsage = true
	}
	if len(frame.Choices) == 0 {
		return
	}
	choice := frame.Choices[0]

	if !t.started {
		t.started = true
		writeEvent(out, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":      t.id,
				"type":    "message",
				"role":    "assistant",
				"model":   t.model,
				"content": []any{},
			},
		})
		writeEvent(out, "content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	}

	if choice.Delta.Content != "" {
		t.chars += len(choice.Delta.Content)
		writeEvent(out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": choice.Delta.Content},
		})
	}
	if choice.FinishReason != "" {
		t.finish = choice.FinishReason
	}
}

func (t *openaiToClaude) terminate(out *bytes.Buffer) {
	if t.done {
		return
	}
	if t.started {
		writeEvent(out, "content_block_stop", map[string]any{
			"type": "content_block_stop", "index": 0,
		})
	}
	writeEvent(out, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": finishToClaudeStop(t.finish)},
		"usage": map[string]any{"output_tokens": t.usage.OutputTokens},
	})
	writeEvent(out, "message_stop", map[string]any{"type": "message_stop"})
	out.WriteString(doneFrame)
	t.done = true
}

func (t *openaiToClaude) Finish() []byte {
	var out bytes.Buffer
	t.terminate(&out)
	return out.Bytes()
}

func (t *openaiToClaude) Usage() (core.Usage, bool) { return t.usage, t.hasUsage }
func (t *openaiToClaude) OutputChars() int          { return t.chars }

// toResponses wraps openai chunks as Responses events. When inner is
// non-nil the upstream is first translated to openai chunks (claude case).
type toResponses struct {
	parser sseParser
	inner  StreamTranslator

	id       string
	model    string
	started  bool
	done     bool
	usage    core.Usage
	hasUsage bool
	chars    int
}

func newToResponses(model, requestID string, inner StreamTranslator) *toResponses {
	return &toResponses{
		id:    "resp_" + requestID,
		model: model,
		inner: inner,
	}
}

func (t *toResponses) Feed(chunk []byte) []byte {
	if t.inner != nil {
		chunk = t.inner.Feed(chunk)
		if len(chunk) == 0 {
			return nil
		}
	}
	var out bytes.Buffer
	for _, ev := range t.parser.Feed(chunk) {
		if t.done {
			break
		}
		if bytes.Equal(ev.Data, []byte("[DONE]")) {
			t.terminate(&out)
			continue
		}
		t.handleChunk(&out, ev.Data)
	}
	return out.Bytes()
}

func (t *toResponses) handleChunk(out *bytes.Buffer, data []byte) {
	var frame struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if frame.Usage != nil {
		t.usage = core.Usage{
			InputTokens:  frame.Usage.PromptTokens,
			OutputTokens: frame.Usage.CompletionTokens,
		}
		t.hasUsage = true
	}
	if !t.started {
		t.started = true
		writeEvent(out, "response.created", map[string]any{
			"type":     "response.created",
			"response": map[string]any{"id": t.id, "model": t.model, "status": "in_progress"},
		})
	}
	if len(frame.Choices) > 0 && frame.Choices[0].Delta.Content != "" {
		t.chars += len(frame.Choices[0].Delta.Content)
		writeEvent(out, "response.output_text.delta", map[string]any{
			"type":  "response.output_text.delta",
			"delta": frame.Choices[0].Delta.Content,
		})
	}
}

func (t *toResponses) terminate(out *bytes.Buffer) {
	if t.done {
		return
	}
	writeEvent(out, "response.completed", map[string]any{
		"type":     "response.completed",
		"response": map[string]any{"id": t.id, "model": t.model, "status": "completed"},
	})
	out.WriteString(doneFrame)
	t.done = true
}

func (t *toResponses) Finish() []byte {
	var out bytes.Buffer
	if t.inner != nil {
		if tail := t.inner.Finish(); len(tail) > 0 {
			for _, ev := range t.parser.Feed(tail) {
				if bytes.Equal(ev.Data, []byte("[DONE]")) {
					continue
				}
				t.handleChunk(&out, ev.Data)
			}
		}
	}
	t.terminate(&out)
	return out.Bytes()
}

func (t *toResponses) Usage() (core.Usage, bool) {
	if t.hasUsage {
		return t.usage, true
	}
	if t.inner != nil {
		return t.inner.Usage()
	}
	return core.Usage{}, false
}

func (t *toResponses) OutputChars() int {
	if t.chars > 0 || t.inner == nil {
		return t.chars
	}
	return t.inner.OutputChars()
}

// responsesToOpenAI rewrites Responses events into chat.completion.chunk
// frames for chat-endpoint callers of responses-only upstreams.
type responsesToOpenAI struct {
	parser sseParser

	id       string
	model    string
	done     bool
	usage    core.Usage
	hasUsage bool
	chars    int
}

func newResponsesToOpenAI(model, requestID string) *responsesToOpenAI {
	return &responsesToOpenAI{id: "chatcmpl-" + requestID, model: model}
}

func (t *responsesToOpenAI) Feed(chunk []byte) []byte {
	var out bytes.Buffer
	for _, ev := range t.parser.Feed(chunk) {
		if t.done {
			break
		}
		var payload struct {
			Type     string `json:"type"`
			Delta    string `json:"delta"`
			Response struct {
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		if json.Unmarshal(ev.Data, &payload) != nil {
			continue
		}
		name := ev.Name
		if name == "" {
			name = payload.Type
		}
		switch name {
		case "response.output_text.delta":
			t.chars += len(payload.Delta)
			t.emitChunk(&out, map[string]any{"content": payload.Delta}, nil)
		case "response.completed":
			if payload.Response.Usage.OutputTokens > 0 {
				t.usage = core.Usage{
					InputTokens:  payload.Response.Usage.InputTokens,
					OutputTokens: payload.Response.Usage.OutputTokens,
				}
				t.hasUsage = true
			}
			finish := "stop"
			t.emitChunk(&out, map[string]any{}, &finish)
			out.WriteString(doneFrame)
			t.done = true
		}
	}
	return out.Bytes()
}

func (t *responsesToOpenAI) emitChunk(out *bytes.Buffer, delta map[string]any, finish *string) {
	var finishVal any
	if finish != nil {
		finishVal = *finish
	}
	writeData(out, map[string]any{
		"id":     t.id,
		"object": "chat.completion.chunk",
		"model":  t.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finishVal,
		}},
	})
}

func (t *responsesToOpenAI) Finish() []byte {
	if t.done {
		return nil
	}
	var out bytes.Buffer
	finish := "stop"
	t.emitChunk(&out, map[string]any{}, &finish)
	out.WriteString(doneFrame)
	t.done = true
	return out.Bytes()
}

func (t *responsesToOpenAI) Usage() (core.Usage, bool) { return t.usage, t.hasUsage }
func (t *responsesToOpenAI) OutputChars() int          { return t.chars }

// ApproxTokens estimates a token count from character length (≈4 chars per
// token), used when an upstream stream carried no usage block.
func ApproxTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	n := chars / 4
	if n < 1 {
		n = 1
	}
	return n
}
