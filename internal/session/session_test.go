package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/sandbox/sandboxtest"
	"github.com/ashureev/quantchat/internal/uistream"
)

func sandboxPart(id string) domain.Part {
	data, _ := json.Marshal(domain.SandboxData{SandboxID: id})
	return domain.Part{Type: "data-sandbox", ID: "sandbox-" + id, Data: data}
}

func TestLatestSandboxIDPrefersNewest(t *testing.T) {
	messages := []domain.Message{
		{ID: "1", Role: domain.RoleAssistant, Parts: []domain.Part{sandboxPart("old")}},
		{ID: "2", Role: domain.RoleUser, Parts: []domain.Part{{Type: "text", Text: "again"}}},
		{ID: "3", Role: domain.RoleAssistant, Parts: []domain.Part{
			sandboxPart("middle"),
			{Type: "text", Text: "done"},
			sandboxPart("newest"),
			{Type: "tool-executeCode", ToolCallID: "c1"},
		}},
	}

	if got := LatestSandboxID(messages); got != "newest" {
		t.Fatalf("LatestSandboxID() = %q, want newest", got)
	}
}

func TestLatestSandboxIDNone(t *testing.T) {
	messages := []domain.Message{
		{ID: "1", Role: domain.RoleUser, Parts: []domain.Part{{Type: "text", Text: "hi"}}},
		{ID: "2", Role: domain.RoleAssistant, Parts: []domain.Part{{Type: "data-strategy-chart", Data: json.RawMessage(`{}`)}}},
	}
	if got := LatestSandboxID(messages); got != "" {
		t.Fatalf("LatestSandboxID() = %q, want empty", got)
	}
	if got := LatestSandboxID(nil); got != "" {
		t.Fatalf("LatestSandboxID(nil) = %q", got)
	}
}

func TestLatestSandboxIDSkipsMalformed(t *testing.T) {
	messages := []domain.Message{
		{ID: "1", Role: domain.RoleAssistant, Parts: []domain.Part{
			sandboxPart("good"),
			{Type: "data-sandbox", Data: json.RawMessage(`"oops"`)},
		}},
	}
	if got := LatestSandboxID(messages); got != "good" {
		t.Fatalf("LatestSandboxID() = %q, want good", got)
	}
}

func TestGetSandboxCreatesOnceAndEmits(t *testing.T) {
	provider := sandboxtest.NewProvider()
	s := New(nil, domain.PersonaStockNoob, provider, Options{Template: "quant-img"})
	rec := &uistream.Recorder{}
	s.SetSink(rec)

	first, err := s.GetSandbox(context.Background())
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	second, err := s.GetSandbox(context.Background())
	if err != nil {
		t.Fatalf("second GetSandbox() error = %v", err)
	}

	if first != second {
		t.Fatal("GetSandbox() returned different handles")
	}
	if provider.Creates != 1 {
		t.Fatalf("Creates = %d, want 1", provider.Creates)
	}
	if provider.Templates[0] != "quant-img" {
		t.Fatalf("template = %q", provider.Templates[0])
	}

	records := rec.OfType("data-sandbox")
	if len(records) != 1 {
		t.Fatalf("sandbox records = %d, want 1", len(records))
	}
	if records[0].ID != "sandbox-"+first.ID() {
		t.Fatalf("record id = %q", records[0].ID)
	}
	if data, ok := records[0].Data.(domain.SandboxData); !ok || data.SandboxID != first.ID() {
		t.Fatalf("record data = %#v", records[0].Data)
	}
	if s.SandboxID() != first.ID() {
		t.Fatalf("SandboxID() = %q", s.SandboxID())
	}
}

func TestGetSandboxReconnectsToPersisted(t *testing.T) {
	provider := sandboxtest.NewProvider()
	existing := provider.Add("sbx-prev")
	history := []domain.Message{{ID: "1", Role: domain.RoleAssistant, Parts: []domain.Part{sandboxPart("sbx-prev")}}}

	s := New(history, domain.PersonaQuantPro, provider, Options{})
	rec := &uistream.Recorder{}
	s.SetSink(rec)

	sb, err := s.GetSandbox(context.Background())
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	if sb != existing {
		t.Fatal("expected reconnect to the persisted sandbox")
	}
	if provider.Creates != 0 || provider.Connects != 1 {
		t.Fatalf("creates = %d, connects = %d", provider.Creates, provider.Connects)
	}
	if len(rec.OfType("data-sandbox")) != 0 {
		t.Fatal("reconnect must not emit a new sandbox record")
	}
}

func TestGetSandboxFallsBackWhenReconnectFails(t *testing.T) {
	provider := sandboxtest.NewProvider()
	provider.ConnectErr = errors.New("sandbox expired")
	history := []domain.Message{{ID: "1", Role: domain.RoleAssistant, Parts: []domain.Part{sandboxPart("gone")}}}

	s := New(history, domain.PersonaStockNoob, provider, Options{})
	rec := &uistream.Recorder{}
	s.SetSink(rec)

	sb, err := s.GetSandbox(context.Background())
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	if sb == nil || sb.ID() == "gone" {
		t.Fatalf("expected a fresh sandbox, got %v", sb)
	}
	if s.SandboxID() != sb.ID() {
		t.Fatalf("persisted id = %q, want %q", s.SandboxID(), sb.ID())
	}
	if len(rec.OfType("data-sandbox")) != 1 {
		t.Fatal("expected a sandbox record for the replacement")
	}
}

func TestGetSandboxCreationFailurePropagates(t *testing.T) {
	provider := sandboxtest.NewProvider()
	provider.CreateErr = errors.New("quota exceeded")

	s := New(nil, domain.PersonaStockNoob, provider, Options{})
	if _, err := s.GetSandbox(context.Background()); err == nil {
		t.Fatal("expected creation error")
	}
}

func TestPauseKeepsPersistedID(t *testing.T) {
	provider := sandboxtest.NewProvider()
	s := New(nil, domain.PersonaStockNoob, provider, Options{})

	sb, err := s.GetSandbox(context.Background())
	if err != nil {
		t.Fatalf("GetSandbox() error = %v", err)
	}
	s.PauseSandbox(context.Background())

	fake := provider.Get(sb.ID())
	if !fake.Paused() {
		t.Fatal("sandbox not paused")
	}
	if s.SandboxID() != sb.ID() {
		t.Fatal("pause cleared the persisted id")
	}

	again, err := s.GetSandbox(context.Background())
	if err != nil {
		t.Fatalf("GetSandbox() after pause error = %v", err)
	}
	if again.ID() != sb.ID() || provider.Connects != 1 || provider.Creates != 1 {
		t.Fatalf("expected reconnect after pause: connects=%d creates=%d", provider.Connects, provider.Creates)
	}
}

func TestPauseFailureIsSwallowed(t *testing.T) {
	provider := sandboxtest.NewProvider()
	s := New(nil, domain.PersonaStockNoob, provider, Options{})
	sb, _ := s.GetSandbox(context.Background())
	provider.Get(sb.ID()).PauseErr = errors.New("pause unsupported")

	s.PauseSandbox(context.Background())
	if s.SandboxID() != sb.ID() {
		t.Fatal("persisted id lost after failed pause")
	}

	s.PauseSandbox(context.Background())
}

func TestResetSandboxReplaces(t *testing.T) {
	provider := sandboxtest.NewProvider()
	s := New(nil, domain.PersonaStockNoob, provider, Options{})
	rec := &uistream.Recorder{}
	s.SetSink(rec)

	before, _ := s.GetSandbox(context.Background())
	provider.Get(before.ID()).KillErr = errors.New("already gone")

	after, err := s.ResetSandbox(context.Background())
	if err != nil {
		t.Fatalf("ResetSandbox() error = %v", err)
	}
	if after.ID() == before.ID() {
		t.Fatal("reset returned the same sandbox")
	}
	if s.SandboxID() != after.ID() {
		t.Fatalf("persisted id = %q, want %q", s.SandboxID(), after.ID())
	}

	records := rec.OfType("data-sandbox")
	if len(records) != 2 || records[1].ID != "sandbox-"+after.ID() {
		t.Fatalf("records = %+v", records)
	}
}

func TestResetWithoutLiveSandboxKillsNothing(t *testing.T) {
	provider := sandboxtest.NewProvider()
	prev := provider.Add("sbx-prev")
	history := []domain.Message{{ID: "1", Role: domain.RoleAssistant, Parts: []domain.Part{sandboxPart("sbx-prev")}}}

	s := New(history, domain.PersonaStockNoob, provider, Options{})
	sb, err := s.ResetSandbox(context.Background())
	if err != nil {
		t.Fatalf("ResetSandbox() error = %v", err)
	}
	if prev.Killed() {
		t.Fatal("reset killed a sandbox that was never connected")
	}
	if sb.ID() == "sbx-prev" {
		t.Fatal("reset reused the persisted sandbox")
	}
}

func TestEmitStrategyChart(t *testing.T) {
	s := New(nil, domain.PersonaStockNoob, sandboxtest.NewProvider(), Options{})
	s.EmitStrategyChart(domain.StrategyChart{})

	rec := &uistream.Recorder{}
	s.SetSink(rec)
	label := "SMA cross"
	s.EmitStrategyChart(domain.StrategyChart{Label: &label})
	s.EmitStrategyChart(domain.StrategyChart{})

	charts := rec.OfType("data-strategy-chart")
	if len(charts) != 2 {
		t.Fatalf("charts = %d, want 2", len(charts))
	}
	if charts[0].ID == "" || charts[0].ID == charts[1].ID {
		t.Fatalf("chart ids must be unique and non-empty: %q %q", charts[0].ID, charts[1].ID)
	}
}

func TestUnknownPersonaFallsBack(t *testing.T) {
	s := New(nil, domain.Persona("day-trader"), sandboxtest.NewProvider(), Options{})
	if s.Persona() != domain.PersonaStockNoob {
		t.Fatalf("Persona() = %q", s.Persona())
	}
}

func TestSystemPrompt(t *testing.T) {
	now := time.Date(2025, time.March, 4, 15, 30, 0, 0, time.UTC)

	noob := SystemPrompt(domain.PersonaStockNoob, now)
	if !strings.HasPrefix(noob, "Current date and time: Tuesday, March 4, 2025 at 3:30:00 PM UTC.") {
		t.Fatalf("unexpected prefix: %q", noob[:80])
	}
	for _, want := range []string{"backtrader", "testStrategy.run_strategy", domain.ChartPath, "beginner-friendly", "yfinance", "getPrices.get_prices", "live Python interpreter"} {
		if !strings.Contains(noob, want) {
			t.Errorf("stock-noob prompt missing %q", want)
		}
	}

	heavy := SystemPrompt(domain.PersonaQuantProHeavy, now)
	if !strings.Contains(heavy, "look-ahead bias") || strings.Contains(heavy, "beginner-friendly") {
		t.Fatal("quant-pro-heavy prompt has the wrong persona rules")
	}

	later := SystemPrompt(domain.PersonaStockNoob, now.Add(time.Minute))
	if later == noob {
		t.Fatal("prompt should embed the current time")
	}
}
