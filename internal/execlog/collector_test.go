package execlog

import (
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func TestSnapshotConcatenatesPerStream(t *testing.T) {
	c := NewCollector()
	c.Append(Stdout, "a\n")
	c.Append(Stderr, "warn\n")
	c.Append(Stdout, "b\n")

	got := c.Snapshot()
	if got.Stdout != "a\nb\n" {
		t.Fatalf("stdout = %q, want %q", got.Stdout, "a\nb\n")
	}
	if got.Stderr != "warn\n" {
		t.Fatalf("stderr = %q, want %q", got.Stderr, "warn\n")
	}
}

func TestSnapshotNoSeparatorBetweenFragments(t *testing.T) {
	c := NewCollector()
	c.Append(Stdout, "abc")
	c.Append(Stdout, "def")

	if got := c.Snapshot().Stdout; got != "abcdef" {
		t.Fatalf("stdout = %q, want %q", got, "abcdef")
	}
}

func TestSnapshotIsNotDraining(t *testing.T) {
	c := NewCollector()
	c.Append(Stdout, "one\n")
	first := c.Snapshot()
	c.Append(Stdout, "two\n")
	second := c.Snapshot()

	if first.Stdout != "one\n" {
		t.Fatalf("first stdout = %q", first.Stdout)
	}
	if !strings.HasPrefix(second.Stdout, first.Stdout) {
		t.Fatalf("second snapshot %q does not extend first %q", second.Stdout, first.Stdout)
	}
}

func TestTruncateKeepsSuffix(t *testing.T) {
	full := strings.Repeat("x", 10) + strings.Repeat("y", TruncateLimit)
	got := Truncate(full)

	if !strings.HasPrefix(got, truncateMarker) {
		t.Fatalf("missing truncation marker in %q", got[:60])
	}
	body := strings.TrimPrefix(got, truncateMarker)
	if len(body) != TruncateLimit {
		t.Fatalf("body length = %d, want %d", len(body), TruncateLimit)
	}
	if body != full[len(full)-TruncateLimit:] {
		t.Fatal("truncated body is not the suffix of the input")
	}
}

func TestTruncateCountsCharacters(t *testing.T) {
	full := strings.Repeat("é", TruncateLimit+5)
	body := strings.TrimPrefix(Truncate(full), truncateMarker)
	if n := utf8.RuneCountInString(body); n != TruncateLimit {
		t.Fatalf("rune count = %d, want %d", n, TruncateLimit)
	}
	if !utf8.ValidString(body) {
		t.Fatal("truncation split a multi-byte character")
	}
}

func TestTruncateLeavesShortTextAlone(t *testing.T) {
	text := strings.Repeat("z", TruncateLimit)
	if got := Truncate(text); got != text {
		t.Fatal("text at the limit should not be truncated")
	}
}

func TestMarkerText(t *testing.T) {
	want := "[...truncated to last 67420 characters...]\n"
	if truncateMarker != want {
		t.Fatalf("marker = %q, want %q", truncateMarker, want)
	}
}

func TestUpdatesCoalesce(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 5; i++ {
		c.Append(Stdout, "x")
	}

	select {
	case <-c.Updates():
	default:
		t.Fatal("expected a pending update")
	}
	select {
	case <-c.Updates():
		t.Fatal("expected bursts to coalesce into one update")
	default:
	}
}

func TestConcurrentAppendAndSnapshot(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Append(Stdout, "x")
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()

	if got := len(c.Snapshot().Stdout); got != 800 {
		t.Fatalf("stdout length = %d, want 800", got)
	}
	if c.Len() != 800 {
		t.Fatalf("Len = %d, want 800", c.Len())
	}
}
