package llm

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ollamaProvider speaks the Ollama API through the proxy. Streaming
// responses are newline-delimited JSON objects, one complete object per
// line, with a done flag on the final frame.
type ollamaProvider struct{}

func (ollamaProvider) chatPath(string) string { return "/ollama/api/chat" }

func (ollamaProvider) framing() framing { return framingLines }

// ollamaMessage is the wire form of a chat message. Ollama expects tool
// arguments as a structured object, not a string.
type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunction `json:"function"`
}

type ollamaFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (ollamaProvider) buildChatRequest(model string, messages []Message, tools []ToolSchema) (any, error) {
	msgs := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			args := map[string]any{}
			if tc.ArgumentsJSON != "" {
				if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil {
					return nil, fmt.Errorf("tool call %s arguments: %w", tc.Name, err)
				}
			}
			om.ToolCalls = append(om.ToolCalls, ollamaToolCall{
				Function: ollamaFunction{Name: tc.Name, Arguments: args},
			})
		}
		msgs = append(msgs, om)
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

func (ollamaProvider) newDecoder() chunkDecoder { return &ollamaDecoder{} }

// ollamaChunk is one streamed response frame.
type ollamaChunk struct {
	Message struct {
		Content   string           `json:"content"`
		ToolCalls []ollamaToolCall `json:"tool_calls"`
	} `json:"message"`
	Done bool `json:"done"`
}

type ollamaDecoder struct{}

func (d *ollamaDecoder) decode(chunk []byte) []StreamEvent {
	var frame ollamaChunk
	if err := json.Unmarshal(chunk, &frame); err != nil {
		// Unparseable text degrades to an empty delta.
		return []StreamEvent{{Kind: KindTextDelta}}
	}

	var events []StreamEvent
	for _, tc := range frame.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		events = append(events, StreamEvent{
			Kind: KindToolCall,
			ToolCall: &ToolCall{
				ID:            uuid.NewString(),
				Name:          tc.Function.Name,
				ArgumentsJSON: string(args),
			},
		})
	}

	// Frames with neither content nor calls (including the done frame)
	// still yield an empty delta.
	if len(events) == 0 || frame.Message.Content != "" {
		events = append(events, StreamEvent{Kind: KindTextDelta, Text: frame.Message.Content})
	}
	return events
}

func (d *ollamaDecoder) flush() []StreamEvent { return nil }

// embedRequest targets Ollama's embedding endpoint. Ollama is the only
// provider with embedding capability.
func (ollamaProvider) embedRequest(model, input string) (string, any, error) {
	return "/ollama/api/embeddings", map[string]any{
		"model":  model,
		"prompt": input,
	}, nil
}

func (ollamaProvider) parseEmbedResponse(data []byte) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("embed response missing embedding field: %s", truncateForError(data))
	}
	return resp.Embedding, nil
}

// truncateForError bounds provider payloads quoted in error messages.
func truncateForError(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "…"
	}
	return string(data)
}
