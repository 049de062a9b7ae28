// Package domain contains core domain types for the quantchat application.
package domain

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Part kinds the server interprets. Everything else passes through untouched.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartStepStart = "step-start"
	PartDynamic   = "dynamic-tool"

	toolPartPrefix = "tool-"
	dataPartPrefix = "data-"
)

// Tool part states as written by the client.
const (
	ToolInputStreaming  = "input-streaming"
	ToolInputAvailable  = "input-available"
	ToolOutputAvailable = "output-available"
	ToolOutputError     = "output-error"
)

// Message is one role-tagged entry of the conversation history.
type Message struct {
	ID       string          `json:"id"`
	Role     Role            `json:"role"`
	Parts    []Part          `json:"parts"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Part is a single typed element of a message. Only the fields relevant to
// the part's type are populated.
type Part struct {
	Type string `json:"type"`

	// text / reasoning
	Text  string `json:"text,omitempty"`
	State string `json:"state,omitempty"`

	// tool-<name> / dynamic-tool
	ToolCallID  string          `json:"toolCallId,omitempty"`
	ToolName    string          `json:"toolName,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	ErrorText   string          `json:"errorText,omitempty"`
	Preliminary bool            `json:"preliminary,omitempty"`

	// data-<name>
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsTool reports whether the part records a tool invocation.
func (p Part) IsTool() bool {
	return p.Type == PartDynamic || strings.HasPrefix(p.Type, toolPartPrefix)
}

// Tool returns the tool name of a tool part.
func (p Part) Tool() string {
	if p.Type == PartDynamic {
		return p.ToolName
	}
	return strings.TrimPrefix(p.Type, toolPartPrefix)
}

// IsData reports whether the part is a structured data record.
func (p Part) IsData() bool {
	return strings.HasPrefix(p.Type, dataPartPrefix)
}

// DataName returns the discriminant of a data part ("sandbox" for "data-sandbox").
func (p Part) DataName() string {
	return strings.TrimPrefix(p.Type, dataPartPrefix)
}

// DataType builds the wire type for a data record discriminant.
func DataType(name string) string {
	return dataPartPrefix + name
}

// ToolType builds the UI part type for a tool name.
func ToolType(name string) string {
	return toolPartPrefix + name
}
