// Package llm is the provider-neutral streaming interface the agent uses to
// talk to a language model.
package llm

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
)

// Role of a model message.
type Role string

// Message roles. System instructions travel in Request.System.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Message is one turn of model history.
type Message struct {
	Role    Role
	Content string
	// ToolCalls is set on assistant messages.
	ToolCalls []ToolCall
	// ToolCallID and IsError are set on tool results.
	ToolCallID string
	IsError    bool
}

// ToolDefinition describes a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one model step.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// EventType discriminates stream events.
type EventType int

// Stream event types.
const (
	EventTextDelta EventType = iota
	EventReasoningDelta
	EventToolCall
	EventFinish
)

// FinishReason explains why a step ended.
type FinishReason string

// Finish reasons.
const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// Usage counts tokens for one step.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Event is one item of a model stream. Tool calls are delivered whole, after
// their arguments have finished streaming. A successful stream ends with
// exactly one EventFinish.
type Event struct {
	Type         EventType
	Delta        string
	ToolCall     ToolCall
	FinishReason FinishReason
	Usage        Usage
}

// Model streams one step of a conversation.
type Model interface {
	// Provider names the backend for logs and metrics.
	Provider() string
	Stream(ctx context.Context, req *Request) iter.Seq2[Event, error]
}

// NormalizeInput returns raw when it is valid JSON and "{}" when it is empty.
// Anything else, such as arguments cut off at the token limit, is wrapped as
// a JSON string so it can still be recorded and replayed; the tool then
// rejects it as malformed.
func NormalizeInput(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return json.RawMessage(quoted)
}
