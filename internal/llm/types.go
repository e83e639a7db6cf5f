// Package llm provides the gateway to all LLM providers. It normalizes
// three incompatible vendor request/response/streaming schemas into one
// internal event stream carrying text deltas and structured tool calls.
package llm

// Message is a provider-neutral chat message. Wire-format conversion
// happens at provider boundaries (ollama.go, xai.go, gemini.go).
type Message struct {
	// Role is system, user, assistant, or tool.
	Role string `json:"role"`
	// Content is the message text, or the tool result for tool roles.
	Content string `json:"content"`
	// ToolCalls records the calls an assistant message requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID correlates a tool-role message with the call it
	// answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the name of the tool a tool-role message answers.
	// Required by providers that address results by function name.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall is one model-issued tool invocation. Arguments are kept as
// raw JSON; providers that want a structured object unmarshal at their
// boundary.
type ToolCall struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments"`
}

// ToolSchema declares one invocable tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindTextDelta is an incremental text fragment from the model.
	KindTextDelta StreamEventKind = iota

	// KindToolCall is a complete tool invocation decoded from the stream.
	KindToolCall
)

// StreamEvent is a single normalized unit of a streaming response.
// Consumers switch on Kind to determine what data is available.
type StreamEvent struct {
	Kind StreamEventKind

	// Text is set for KindTextDelta events. May be empty: providers
	// emit empty deltas for housekeeping frames and unparseable chunks.
	Text string

	// ToolCall is set for KindToolCall events.
	ToolCall *ToolCall
}

// StreamCallback receives normalized stream events in decode order.
type StreamCallback func(event StreamEvent)
