package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/store"
)

type fakeKiller struct {
	mu     sync.Mutex
	repo   store.Repository
	killed []string
	fail   map[string]bool
}

func (k *fakeKiller) KillSandbox(ctx context.Context, sandboxID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail[sandboxID] {
		return errors.New("docker unavailable")
	}
	k.killed = append(k.killed, sandboxID)
	return deleteSandboxWithRetry(ctx, k.repo, sandboxID)
}

func newRegistry(t *testing.T) *store.SQLiteStore {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestReapKillsExpiredSandboxes(t *testing.T) {
	repo := newRegistry(t)
	ctx := context.Background()
	now := time.Unix(2_000_000_000, 0)

	for _, sb := range []*domain.Sandbox{
		{SandboxID: "active", State: domain.SandboxRunning, IdleTimeout: time.Hour, LastActiveAt: now.Add(-time.Minute)},
		{SandboxID: "idle", State: domain.SandboxRunning, IdleTimeout: time.Hour, LastActiveAt: now.Add(-90 * time.Minute)},
		{SandboxID: "old-paused", State: domain.SandboxPaused, IdleTimeout: time.Hour, LastActiveAt: now.Add(-72 * time.Hour)},
	} {
		sb.Template = "img"
		if err := repo.UpsertSandbox(ctx, sb); err != nil {
			t.Fatalf("UpsertSandbox() error = %v", err)
		}
	}

	k := &fakeKiller{repo: repo}
	n, err := Reap(ctx, repo, k, now, 24*time.Hour)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Reap() killed %d, want 2", n)
	}

	sort.Strings(k.killed)
	if len(k.killed) != 2 || k.killed[0] != "idle" || k.killed[1] != "old-paused" {
		t.Fatalf("killed = %v", k.killed)
	}
	if sb, _ := repo.GetSandbox(ctx, "active"); sb == nil {
		t.Fatal("active sandbox was removed from the registry")
	}
	if sb, _ := repo.GetSandbox(ctx, "idle"); sb != nil {
		t.Fatal("idle sandbox still registered")
	}
}

func TestReapKeepsRecordWhenKillFails(t *testing.T) {
	repo := newRegistry(t)
	ctx := context.Background()
	now := time.Unix(2_000_000_000, 0)

	if err := repo.UpsertSandbox(ctx, &domain.Sandbox{
		SandboxID: "stuck", Template: "img", State: domain.SandboxRunning,
		IdleTimeout: time.Minute, LastActiveAt: now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("UpsertSandbox() error = %v", err)
	}

	k := &fakeKiller{repo: repo, fail: map[string]bool{"stuck": true}}
	n, err := Reap(ctx, repo, k, now, time.Hour)
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("Reap() killed %d, want 0", n)
	}
	if sb, _ := repo.GetSandbox(ctx, "stuck"); sb == nil {
		t.Fatal("record dropped although kill failed")
	}
}
