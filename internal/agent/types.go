// Package agent runs chat turns: it drives the model step by step, executes
// the tools it calls and streams everything to the client.
package agent

import (
	"errors"
	"fmt"

	"github.com/ashureev/quantchat/internal/domain"
)

// ChatRequest is the body of POST /api/chat and of a WebSocket chat frame.
type ChatRequest struct {
	ID       string           `json:"id"`
	Messages []domain.Message `json:"messages"`
	Model    domain.Persona   `json:"model,omitempty"`
}

// Validate checks the request shape. An unknown or empty Model is not an
// error; it falls back to the default persona.
func (r *ChatRequest) Validate() error {
	if r.ID == "" {
		return errors.New("id is required")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	for i, msg := range r.Messages {
		switch msg.Role {
		case domain.RoleUser, domain.RoleAssistant, domain.RoleSystem:
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, msg.Role)
		}
		for j, part := range msg.Parts {
			if part.Type == "" {
				return fmt.Errorf("messages[%d].parts[%d]: type is required", i, j)
			}
		}
	}
	return nil
}

// Persona returns the requested persona or the default one.
func (r *ChatRequest) Persona() domain.Persona {
	if r.Model.Valid() {
		return r.Model
	}
	return domain.DefaultPersona
}

// State is the lifecycle of one chat request.
type State int

// Request states.
const (
	StateIdle State = iota
	StateStreaming
	StateDone
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
