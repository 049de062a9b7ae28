// Package execlog accumulates the output of a running sandbox execution and
// renders truncated snapshots of it.
package execlog

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// TruncateLimit is the number of trailing characters kept per stream.
const TruncateLimit = 67_420

var truncateMarker = fmt.Sprintf("[...truncated to last %d characters...]\n", TruncateLimit)

// Kind identifies the stream a fragment was read from.
type Kind int

// Stream kinds.
const (
	Stdout Kind = iota
	Stderr
)

func (k Kind) String() string {
	if k == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Logs is a point-in-time view of both streams.
type Logs struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type entry struct {
	kind Kind
	text string
}

// Collector is an append-only log of output fragments. Appends and snapshots
// may run concurrently.
type Collector struct {
	mu      sync.Mutex
	entries []entry
	updates chan struct{}
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{updates: make(chan struct{}, 1)}
}

// Append records one fragment and signals Updates.
func (c *Collector) Append(kind Kind, fragment string) {
	c.mu.Lock()
	c.entries = append(c.entries, entry{kind: kind, text: fragment})
	c.mu.Unlock()

	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Updates fires at least once after any number of appends since the last
// receive. Bursts of appends coalesce into one wake-up.
func (c *Collector) Updates() <-chan struct{} {
	return c.updates
}

// Snapshot concatenates each stream in append order and truncates it.
func (c *Collector) Snapshot() Logs {
	var stdout, stderr strings.Builder

	c.mu.Lock()
	for _, e := range c.entries {
		if e.kind == Stderr {
			stderr.WriteString(e.text)
		} else {
			stdout.WriteString(e.text)
		}
	}
	c.mu.Unlock()

	return Logs{
		Stdout: Truncate(stdout.String()),
		Stderr: Truncate(stderr.String()),
	}
}

// Len returns the number of fragments appended so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Truncate keeps the last TruncateLimit characters of text, prefixed with a
// marker, when text is longer than that.
func Truncate(text string) string {
	n := utf8.RuneCountInString(text)
	if n <= TruncateLimit {
		return text
	}
	skip := n - TruncateLimit
	i := 0
	for idx := range text {
		if i == skip {
			return truncateMarker + text[idx:]
		}
		i++
	}
	return truncateMarker
}
