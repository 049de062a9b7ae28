// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
)

// Repository persists the sandbox registry used for idle reaping and admin
// listing. Conversation state itself lives in the client's message history.
type Repository interface {
	// GetSandbox retrieves a sandbox by id. Returns nil, nil when absent.
	GetSandbox(ctx context.Context, sandboxID string) (*domain.Sandbox, error)

	// UpsertSandbox creates or replaces a sandbox record.
	UpsertSandbox(ctx context.Context, sb *domain.Sandbox) error

	// TouchSandbox records activity on a sandbox.
	TouchSandbox(ctx context.Context, sandboxID string, at time.Time) error

	// UpdateSandboxState changes the lifecycle state of a sandbox.
	UpdateSandboxState(ctx context.Context, sandboxID string, state domain.SandboxState) error

	// DeleteSandbox removes a sandbox record. Missing records are not an error.
	DeleteSandbox(ctx context.Context, sandboxID string) error

	// ListSandboxes returns all known sandboxes, most recently active first.
	ListSandboxes(ctx context.Context) ([]*domain.Sandbox, error)

	// GetExpiredSandboxes returns running sandboxes idle past their own idle
	// timeout and paused sandboxes idle longer than pausedRetention.
	GetExpiredSandboxes(ctx context.Context, now time.Time, pausedRetention time.Duration) ([]*domain.Sandbox, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
