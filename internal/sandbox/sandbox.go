// Package sandbox defines the remote code-execution sandbox contract and a
// Docker-backed implementation of it.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a sandbox or a file inside it does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotSandbox is returned when an id resolves to a container that was not
	// created by this service.
	ErrNotSandbox = errors.New("container is not a managed sandbox")
)

// Default lifetimes for sandboxes and calls against the sandbox service.
const (
	DefaultIdleTimeout    = time.Hour
	DefaultRequestTimeout = time.Minute
	DefaultRunTimeout     = 5 * time.Minute
)

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	// IdleTimeout is how long the sandbox may sit unused before it is reaped.
	IdleTimeout time.Duration
	// RequestTimeout bounds each call to the sandbox service.
	RequestTimeout time.Duration
	// Env is set on every process started in the sandbox.
	Env map[string]string
}

// ConnectOptions configures a reconnection to an existing sandbox.
type ConnectOptions struct {
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// RunOptions configures a single code execution.
type RunOptions struct {
	// Timeout bounds the wall-clock time of the execution.
	Timeout time.Duration
	// OnStdout and OnStderr receive output line by line as it is produced.
	OnStdout func(line string)
	OnStderr func(line string)
	// OnError receives the interpreter-level error, if the code raised one.
	OnError func(*ExecutionError)
	// Env is added to the environment of this execution only.
	Env map[string]string
}

// ExecutionError describes an exception raised by executed code.
type ExecutionError struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Value)
}

// Detail renders the error the way it is appended to stderr.
func (e *ExecutionError) Detail() string {
	var b strings.Builder
	b.WriteString(e.Name)
	b.WriteString(": ")
	b.WriteString(e.Value)
	b.WriteString("\n")
	if e.Traceback != "" {
		b.WriteString(e.Traceback)
		if !strings.HasSuffix(e.Traceback, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Execution is the result of RunCode.
type Execution struct {
	// Error is set when the code raised or the run timed out.
	Error    *ExecutionError
	ExitCode int
}

// Sandbox is a live handle to a remote execution environment.
type Sandbox interface {
	ID() string
	// RunCode executes Python source. Exceptions raised by the code are
	// reported through Execution.Error, not the returned error.
	RunCode(ctx context.Context, code string, opts RunOptions) (*Execution, error)
	// ReadFile returns ErrNotFound when path does not exist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	RemoveFile(ctx context.Context, path string) error
	// Pause suspends the sandbox, keeping its processes for a later Connect.
	Pause(ctx context.Context) error
	// Kill destroys the sandbox.
	Kill(ctx context.Context) error
}

// Provider creates sandboxes and reconnects to existing ones.
type Provider interface {
	Create(ctx context.Context, template string, opts CreateOptions) (Sandbox, error)
	Connect(ctx context.Context, sandboxID string, opts ConnectOptions) (Sandbox, error)
}
