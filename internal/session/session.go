// Package session binds one chat request to the sandbox its conversation
// uses. The sandbox identity survives between requests only as a
// "data-sandbox" record in the message history.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/sandbox"
	"github.com/ashureev/quantchat/internal/uistream"
)

// Options configures how sessions create and reconnect sandboxes.
type Options struct {
	// Template is the sandbox template (image) used for new sandboxes.
	Template string
	// IdleTimeout keeps an unused sandbox alive between turns.
	IdleTimeout time.Duration
	// RequestTimeout bounds each call to the sandbox service.
	RequestTimeout time.Duration
	// Env is passed to new sandboxes.
	Env    map[string]string
	Logger *slog.Logger
}

// Session is per-request state. It is not safe for concurrent use; tool
// calls within a conversation run one at a time.
type Session struct {
	provider sandbox.Provider
	opts     Options
	persona  domain.Persona
	log      *slog.Logger

	live        sandbox.Sandbox
	persistedID string
	sink        uistream.Sink
}

// LatestSandboxID returns the id carried by the newest "data-sandbox" record
// in messages, scanning messages and their parts newest first. Records with
// an unreadable payload are skipped.
func LatestSandboxID(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		parts := messages[i].Parts
		for j := len(parts) - 1; j >= 0; j-- {
			part := parts[j]
			if part.Type != domain.DataType(domain.DataSandbox) {
				continue
			}
			var data domain.SandboxData
			if err := json.Unmarshal(part.Data, &data); err != nil || data.SandboxID == "" {
				continue
			}
			return data.SandboxID
		}
	}
	return ""
}

// New builds a session from the request's message history. It does not
// contact the sandbox service.
func New(messages []domain.Message, persona domain.Persona, provider sandbox.Provider, opts Options) *Session {
	if !persona.Valid() {
		persona = domain.DefaultPersona
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = sandbox.DefaultIdleTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = sandbox.DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		provider:    provider,
		opts:        opts,
		persona:     persona,
		log:         logger,
		persistedID: LatestSandboxID(messages),
	}
}

// SetSink attaches the stream that receives data records.
func (s *Session) SetSink(sink uistream.Sink) {
	s.sink = sink
}

// Persona returns the selected persona.
func (s *Session) Persona() domain.Persona {
	return s.persona
}

// SandboxID returns the durable sandbox id, or "" if none is known yet.
func (s *Session) SandboxID() string {
	return s.persistedID
}

// GetSandbox returns the live sandbox, reconnecting to the persisted one or
// creating a new one as needed. Only creation failures are returned.
func (s *Session) GetSandbox(ctx context.Context) (sandbox.Sandbox, error) {
	if s.live != nil {
		return s.live, nil
	}

	if s.persistedID != "" {
		sb, err := s.provider.Connect(ctx, s.persistedID, sandbox.ConnectOptions{
			IdleTimeout:    s.opts.IdleTimeout,
			RequestTimeout: s.opts.RequestTimeout,
		})
		if err == nil {
			s.live = sb
			return sb, nil
		}
		s.log.Warn("Sandbox reconnect failed, creating a new one",
			"sandbox_id", s.persistedID,
			"error", err)
	}

	return s.create(ctx)
}

// PauseSandbox suspends the live sandbox so a later request can reconnect to
// it with its state intact. Failures are logged. The live handle is always
// dropped; the persisted id is kept.
func (s *Session) PauseSandbox(ctx context.Context) {
	if s.live == nil {
		return
	}
	if err := s.live.Pause(ctx); err != nil {
		s.log.Warn("Sandbox pause failed", "sandbox_id", s.live.ID(), "error", err)
	}
	s.live = nil
}

// ResetSandbox kills the live sandbox, if any, and replaces it with a fresh
// one. Kill failures are logged; creation failures are returned.
func (s *Session) ResetSandbox(ctx context.Context) (sandbox.Sandbox, error) {
	if s.live != nil {
		if err := s.live.Kill(ctx); err != nil {
			s.log.Warn("Sandbox kill failed during reset", "sandbox_id", s.live.ID(), "error", err)
		}
	}
	s.live = nil
	s.persistedID = ""

	return s.create(ctx)
}

func (s *Session) create(ctx context.Context) (sandbox.Sandbox, error) {
	sb, err := s.provider.Create(ctx, s.opts.Template, sandbox.CreateOptions{
		IdleTimeout:    s.opts.IdleTimeout,
		RequestTimeout: s.opts.RequestTimeout,
		Env:            s.opts.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	s.live = sb
	s.emitSandboxID(sb.ID())
	return sb, nil
}

func (s *Session) emitSandboxID(sandboxID string) {
	s.persistedID = sandboxID
	s.emit(uistream.Data(domain.DataSandbox, domain.SandboxRecordID(sandboxID), domain.SandboxData{SandboxID: sandboxID}))
}

// EmitStrategyChart sends a chart record to the attached stream, if any.
func (s *Session) EmitStrategyChart(chart domain.StrategyChart) {
	s.emit(uistream.Data(domain.DataStrategyChart, uuid.NewString(), chart))
}

func (s *Session) emit(c uistream.Chunk) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Write(c); err != nil {
		s.log.Warn("Failed to write data record", "type", c.Type, "id", c.ID, "error", err)
	}
}
