package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// xaiProvider speaks the OpenAI-compatible xAI API through the proxy.
// Streaming responses use SSE framing: "data: {json}" lines terminated
// by a "data: [DONE]" sentinel. Tool calls arrive as deltas spread over
// several frames, addressed by index.
type xaiProvider struct{}

func (xaiProvider) chatPath(string) string { return "/xai/v1/chat/completions" }

func (xaiProvider) framing() framing { return framingLines }

// xaiMessage is the wire form of a chat message. xAI expects tool
// arguments as a raw JSON string.
type xaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []xaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type xaiToolCall struct {
	ID       string      `json:"id,omitempty"`
	Type     string      `json:"type,omitempty"`
	Function xaiFunction `json:"function"`
}

type xaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

func (xaiProvider) buildChatRequest(model string, messages []Message, tools []ToolSchema) (any, error) {
	msgs := make([]xaiMessage, 0, len(messages))
	for _, m := range messages {
		xm := xaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			xm.ToolCalls = append(xm.ToolCalls, xaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: xaiFunction{
					Name:      tc.Name,
					Arguments: tc.ArgumentsJSON,
				},
			})
		}
		msgs = append(msgs, xm)
	}

	req := map[string]any{
		"model":    model,
		"messages": msgs,
		"stream":   true,
	}
	if len(tools) > 0 {
		wire := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			wire = append(wire, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		req["tools"] = wire
	}
	return req, nil
}

func (xaiProvider) newDecoder() chunkDecoder { return &xaiDecoder{} }

var xaiDataPrefix = []byte("data: ")

// xaiChunk is the payload of one data line.
type xaiChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

// xaiDecoder assembles tool calls streamed as per-index argument
// fragments. Completed calls are emitted at end of stream in index
// order.
type xaiDecoder struct {
	pending []ToolCall
}

func (d *xaiDecoder) decode(line []byte) []StreamEvent {
	if !bytes.HasPrefix(line, xaiDataPrefix) {
		// SSE comments, "event:" lines and other framing noise.
		return nil
	}
	data := bytes.TrimSpace(bytes.TrimPrefix(line, xaiDataPrefix))
	if bytes.Equal(data, []byte("[DONE]")) {
		// Sentinel terminator — swallowed.
		return nil
	}

	var frame xaiChunk
	if err := json.Unmarshal(data, &frame); err != nil {
		// Unparseable text degrades to an empty delta.
		return []StreamEvent{{Kind: KindTextDelta}}
	}
	if len(frame.Choices) == 0 {
		return []StreamEvent{{Kind: KindTextDelta}}
	}

	delta := frame.Choices[0].Delta

	for _, tc := range delta.ToolCalls {
		for tc.Index >= len(d.pending) {
			d.pending = append(d.pending, ToolCall{})
		}
		p := &d.pending[tc.Index]
		if tc.ID != "" {
			p.ID = tc.ID
		}
		if tc.Function.Name != "" {
			p.Name = tc.Function.Name
		}
		p.ArgumentsJSON += tc.Function.Arguments
	}

	if delta.Content != "" || len(delta.ToolCalls) == 0 {
		return []StreamEvent{{Kind: KindTextDelta, Text: delta.Content}}
	}
	return nil
}

func (d *xaiDecoder) flush() []StreamEvent {
	var events []StreamEvent
	for i, tc := range d.pending {
		if tc.Name == "" {
			continue
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("call_%d", i)
		}
		if tc.ArgumentsJSON == "" {
			tc.ArgumentsJSON = "{}"
		}
		call := tc
		events = append(events, StreamEvent{Kind: KindToolCall, ToolCall: &call})
	}
	d.pending = nil
	return events
}

// embedRequest fails: the xAI proxy route has no embedding endpoint.
func (xaiProvider) embedRequest(string, string) (string, any, error) {
	return "", nil, fmt.Errorf("embeddings not supported for provider: xai")
}

func (xaiProvider) parseEmbedResponse([]byte) ([]float32, error) {
	return nil, fmt.Errorf("embeddings not supported for provider: xai")
}
