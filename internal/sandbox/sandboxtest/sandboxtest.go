// Package sandboxtest provides an in-memory sandbox.Provider for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/quantchat/internal/sandbox"
)

// RunFunc scripts what RunCode does for a sandbox.
type RunFunc func(ctx context.Context, sb *Sandbox, code string, opts sandbox.RunOptions) (*sandbox.Execution, error)

// Provider is a scripted, in-memory sandbox.Provider.
type Provider struct {
	mu        sync.Mutex
	sandboxes map[string]*Sandbox
	next      int

	// Run is installed on every sandbox this provider creates.
	Run RunFunc

	// CreateErr and ConnectErr make the corresponding call fail.
	CreateErr  error
	ConnectErr error

	Creates   int
	Connects  int
	Templates []string
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{sandboxes: make(map[string]*Sandbox)}
}

// Create implements sandbox.Provider.
func (p *Provider) Create(_ context.Context, template string, opts sandbox.CreateOptions) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Creates++
	p.Templates = append(p.Templates, template)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	p.next++
	sb := &Sandbox{
		id:    fmt.Sprintf("sbx-%d", p.next),
		files: make(map[string][]byte),
		run:   p.Run,
		Env:   opts.Env,
	}
	p.sandboxes[sb.id] = sb
	return sb, nil
}

// Connect implements sandbox.Provider.
func (p *Provider) Connect(_ context.Context, sandboxID string, _ sandbox.ConnectOptions) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Connects++
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sb, ok := p.sandboxes[sandboxID]
	if !ok || sb.Killed() {
		return nil, fmt.Errorf("sandbox %s: %w", sandboxID, sandbox.ErrNotFound)
	}
	sb.mu.Lock()
	sb.paused = false
	sb.mu.Unlock()
	return sb, nil
}

// Add registers an existing sandbox, as if created by an earlier request.
func (p *Provider) Add(sandboxID string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb := &Sandbox{id: sandboxID, files: make(map[string][]byte), run: p.Run}
	p.sandboxes[sandboxID] = sb
	return sb
}

// Get returns a sandbox by id, or nil.
func (p *Provider) Get(sandboxID string) *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sandboxes[sandboxID]
}

// Sandbox is an in-memory sandbox.Sandbox with a flat file map.
type Sandbox struct {
	id  string
	run RunFunc

	// Env holds the environment passed at creation.
	Env map[string]string

	// PauseErr, KillErr and ReadErr make the corresponding call fail.
	PauseErr error
	KillErr  error
	ReadErr  error

	mu     sync.Mutex
	files  map[string][]byte
	paused bool
	killed bool
	codes  []string
}

// ID implements sandbox.Sandbox.
func (s *Sandbox) ID() string { return s.id }

// RunCode implements sandbox.Sandbox by delegating to the scripted RunFunc.
func (s *Sandbox) RunCode(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.Execution, error) {
	s.mu.Lock()
	s.codes = append(s.codes, code)
	run := s.run
	s.mu.Unlock()

	if run == nil {
		return &sandbox.Execution{}, nil
	}
	return run(ctx, s, code, opts)
}

// ReadFile implements sandbox.Sandbox.
func (s *Sandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	data, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", path, sandbox.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// RemoveFile implements sandbox.Sandbox.
func (s *Sandbox) RemoveFile(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, path)
	return nil
}

// Pause implements sandbox.Sandbox.
func (s *Sandbox) Pause(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PauseErr != nil {
		return s.PauseErr
	}
	s.paused = true
	return nil
}

// Kill implements sandbox.Sandbox.
func (s *Sandbox) Kill(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.KillErr != nil {
		return s.KillErr
	}
	s.killed = true
	return nil
}

// WriteFile stores a file, as code running in the sandbox would.
func (s *Sandbox) WriteFile(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = append([]byte(nil), data...)
}

// HasFile reports whether path exists.
func (s *Sandbox) HasFile(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[path]
	return ok
}

// Paused reports whether the sandbox is paused.
func (s *Sandbox) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Killed reports whether the sandbox was killed.
func (s *Sandbox) Killed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// Codes returns the sources passed to RunCode, in order.
func (s *Sandbox) Codes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.codes...)
}
