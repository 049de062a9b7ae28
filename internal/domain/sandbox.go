package domain

import "time"

// Data record discriminants emitted into the message stream.
const (
	DataSandbox       = "sandbox"
	DataStrategyChart = "strategy-chart"
)

// SandboxData is the payload of a "data-sandbox" record.
type SandboxData struct {
	SandboxID string `json:"sandboxId"`
}

// SandboxRecordID returns the record id used for a sandbox data part.
func SandboxRecordID(sandboxID string) string {
	return "sandbox-" + sandboxID
}

// SandboxState is the lifecycle state tracked in the sandbox registry.
type SandboxState string

// Sandbox states.
const (
	SandboxRunning SandboxState = "running"
	SandboxPaused  SandboxState = "paused"
)

// Sandbox is a registry entry for a remote execution sandbox.
type Sandbox struct {
	SandboxID    string        `json:"sandbox_id"`
	Template     string        `json:"template"`
	State        SandboxState  `json:"state"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	LastActiveAt time.Time     `json:"last_active_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ExpiresAt returns when a running sandbox becomes eligible for reaping.
func (s *Sandbox) ExpiresAt() time.Time {
	return s.LastActiveAt.Add(s.IdleTimeout)
}

// TTL returns the time left before the sandbox idles out.
// Returns 0 if it has already expired.
func (s *Sandbox) TTL(now time.Time) time.Duration {
	ttl := s.ExpiresAt().Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
