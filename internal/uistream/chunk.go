// Package uistream encodes the UI message stream consumed by the chat client:
// a sequence of typed JSON chunks describing text, tool calls, tool results
// and data records as they are produced.
package uistream

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ashureev/quantchat/internal/domain"
)

// Chunk types.
const (
	TypeStart               = "start"
	TypeStartStep           = "start-step"
	TypeFinishStep          = "finish-step"
	TypeFinish              = "finish"
	TypeTextStart           = "text-start"
	TypeTextDelta           = "text-delta"
	TypeTextEnd             = "text-end"
	TypeReasoningStart      = "reasoning-start"
	TypeReasoningDelta      = "reasoning-delta"
	TypeReasoningEnd        = "reasoning-end"
	TypeToolInputAvailable  = "tool-input-available"
	TypeToolOutputAvailable = "tool-output-available"
	TypeToolOutputError     = "tool-output-error"
	TypeError               = "error"
	TypeAbort               = "abort"
)

// Chunk is one element of the stream. Fields not relevant to Type are omitted.
type Chunk struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Delta       string `json:"delta,omitempty"`
	ToolCallID  string `json:"toolCallId,omitempty"`
	ToolName    string `json:"toolName,omitempty"`
	Input       any    `json:"input,omitempty"`
	Output      any    `json:"output,omitempty"`
	Preliminary bool   `json:"preliminary,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// Sink receives chunks in order.
type Sink interface {
	Write(Chunk) error
}

// Start opens an assistant message.
func Start(messageID string) Chunk { return Chunk{Type: TypeStart, MessageID: messageID} }

// StartStep opens a model step.
func StartStep() Chunk { return Chunk{Type: TypeStartStep} }

// FinishStep closes a model step.
func FinishStep() Chunk { return Chunk{Type: TypeFinishStep} }

// Finish closes the assistant message.
func Finish() Chunk { return Chunk{Type: TypeFinish} }

// TextStart opens a text part.
func TextStart(id string) Chunk { return Chunk{Type: TypeTextStart, ID: id} }

// TextDelta appends to a text part.
func TextDelta(id, delta string) Chunk { return Chunk{Type: TypeTextDelta, ID: id, Delta: delta} }

// TextEnd closes a text part.
func TextEnd(id string) Chunk { return Chunk{Type: TypeTextEnd, ID: id} }

// ReasoningStart opens a reasoning part.
func ReasoningStart(id string) Chunk { return Chunk{Type: TypeReasoningStart, ID: id} }

// ReasoningDelta appends to a reasoning part.
func ReasoningDelta(id, delta string) Chunk {
	return Chunk{Type: TypeReasoningDelta, ID: id, Delta: delta}
}

// ReasoningEnd closes a reasoning part.
func ReasoningEnd(id string) Chunk { return Chunk{Type: TypeReasoningEnd, ID: id} }

// ToolInputAvailable announces a complete tool call.
func ToolInputAvailable(toolCallID, toolName string, input any) Chunk {
	return Chunk{Type: TypeToolInputAvailable, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

// ToolOutputAvailable reports tool output. Preliminary outputs are superseded
// by later ones for the same call.
func ToolOutputAvailable(toolCallID string, output any, preliminary bool) Chunk {
	return Chunk{Type: TypeToolOutputAvailable, ToolCallID: toolCallID, Output: output, Preliminary: preliminary}
}

// ToolOutputError reports a failed tool call.
func ToolOutputError(toolCallID, errorText string) Chunk {
	return Chunk{Type: TypeToolOutputError, ToolCallID: toolCallID, ErrorText: errorText}
}

// Data emits a structured data record "data-<name>".
func Data(name, id string, data any) Chunk {
	return Chunk{Type: domain.DataType(name), ID: id, Data: data}
}

// Error reports a stream-level failure.
func Error(text string) Chunk { return Chunk{Type: TypeError, ErrorText: text} }

// Abort marks the stream as stopped by the client.
func Abort() Chunk { return Chunk{Type: TypeAbort} }

// Recorder is an in-memory Sink. Like the wire writers it rejects chunks that
// do not marshal.
type Recorder struct {
	mu     sync.Mutex
	chunks []Chunk
	Err    error
}

// Write implements Sink.
func (r *Recorder) Write(c Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if _, err := json.Marshal(c); err != nil {
		return fmt.Errorf("marshal %s chunk: %w", c.Type, err)
	}
	r.chunks = append(r.chunks, c)
	return nil
}

// Chunks returns a copy of everything written.
func (r *Recorder) Chunks() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Chunk(nil), r.chunks...)
}

// OfType returns the chunks with the given type, in order.
func (r *Recorder) OfType(typ string) []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Chunk
	for _, c := range r.chunks {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}
