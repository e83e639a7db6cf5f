package llm

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// geminiProvider speaks the Gemini API through the proxy. Streaming
// responses are a JSON array whose elements arrive one per chunk,
// separated by commas; the decoder trims the array/item framing before
// parsing and searches the candidate parts for text or a function call.
type geminiProvider struct{}

func (geminiProvider) chatPath(model string) string {
	return "/gemini/v1beta/models/" + model + ":streamGenerateContent"
}

func (geminiProvider) framing() framing { return framingRaw }

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// buildChatRequest converts neutral messages into Gemini contents.
// Gemini uses "model" where everyone else says "assistant", carries
// tool results as user-role functionResponse parts, and declares tools
// under functionDeclarations.
func (geminiProvider) buildChatRequest(model string, messages []Message, tools []ToolSchema) (any, error) {
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			c := geminiContent{Role: "model"}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if tc.ArgumentsJSON != "" {
					if err := json.Unmarshal([]byte(tc.ArgumentsJSON), &args); err != nil {
						return nil, fmt.Errorf("tool call %s arguments: %w", tc.Name, err)
					}
				}
				c.Parts = append(c.Parts, geminiPart{
					FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, c)
		case m.Role == "tool":
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResp{
						Name:     m.ToolName,
						Response: map[string]any{"content": m.Content},
					},
				}},
			})
		default:
			role := "user"
			if m.Role == "assistant" {
				role = "model"
			}
			contents = append(contents, geminiContent{
				Role:  role,
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	req := map[string]any{"contents": contents}
	if len(tools) > 0 {
		decls := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		req["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return req, nil
}

func (geminiProvider) newDecoder() chunkDecoder { return &geminiDecoder{} }

// geminiChunk is one streamed array element.
type geminiChunk struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiDecoder struct{}

func (d *geminiDecoder) decode(chunk []byte) []StreamEvent {
	// Each chunk is one array element wrapped in stream framing:
	// a leading "[" on the first chunk, ",\r\n" separators between
	// elements, and a trailing "]" on the last.
	data := bytes.TrimSpace(chunk)
	data = bytes.TrimPrefix(data, []byte("["))
	data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte(","))
	data = bytes.TrimSuffix(bytes.TrimSpace(data), []byte("]"))
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	var frame geminiChunk
	if err := json.Unmarshal(data, &frame); err != nil {
		// Unparseable text degrades to an empty delta.
		return []StreamEvent{{Kind: KindTextDelta}}
	}
	if len(frame.Candidates) == 0 {
		return []StreamEvent{{Kind: KindTextDelta}}
	}

	var events []StreamEvent
	for _, part := range frame.Candidates[0].Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, err := json.Marshal(part.FunctionCall.Args)
			if err != nil {
				args = []byte("{}")
			}
			events = append(events, StreamEvent{
				Kind: KindToolCall,
				ToolCall: &ToolCall{
					ID:            uuid.NewString(),
					Name:          part.FunctionCall.Name,
					ArgumentsJSON: string(args),
				},
			})
		default:
			events = append(events, StreamEvent{Kind: KindTextDelta, Text: part.Text})
		}
	}
	if len(events) == 0 {
		events = append(events, StreamEvent{Kind: KindTextDelta})
	}
	return events
}

func (d *geminiDecoder) flush() []StreamEvent { return nil }

// embedRequest fails: the Gemini proxy route has no embedding endpoint.
func (geminiProvider) embedRequest(string, string) (string, any, error) {
	return "", nil, fmt.Errorf("embeddings not supported for provider: gemini")
}

func (geminiProvider) parseEmbedResponse([]byte) ([]float32, error) {
	return nil, fmt.Errorf("embeddings not supported for provider: gemini")
}
