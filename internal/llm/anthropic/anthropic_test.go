package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/quantchat/internal/llm"
)

var streamEvents = []struct{ name, data string }{
	{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":25,"output_tokens":1}}}`},
	{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"plan"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":0}`},
	{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`},
	{"ping", `{"type":"ping"}`},
	{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Let me "}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"check."}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":1}`},
	{"content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_1","name":"executeCode","input":{}}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"code\": \"print(2)\","}}`},
	{"content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":" \"label\": \"two\"}"}}`},
	{"content_block_stop", `{"type":"content_block_stop","index":2}`},
	{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":40}}`},
	{"message_stop", `{"type":"message_stop"}`},
}

func TestStreamTextThinkingAndToolUse(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %q, want /v1/messages", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range streamEvents {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data)
		}
	}))
	defer srv.Close()

	p := New(Config{APIKey: "test", BaseURL: srv.URL})
	req := &llm.Request{
		Model:  "claude-test",
		System: "be brief",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "hi"},
		},
		Tools: []llm.ToolDefinition{{
			Name:        "executeCode",
			Description: "run",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"code": map[string]any{"type": "string"}},
				"required":   []string{"code"},
			},
		}},
	}

	var text, thinking strings.Builder
	var calls []llm.ToolCall
	var last llm.Event
	for ev, err := range p.Stream(context.Background(), req) {
		if err != nil {
			t.Fatalf("Stream() error = %v", err)
		}
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Delta)
		case llm.EventReasoningDelta:
			thinking.WriteString(ev.Delta)
		case llm.EventToolCall:
			calls = append(calls, ev.ToolCall)
		}
		last = ev
	}

	if text.String() != "Let me check." {
		t.Fatalf("text = %q", text.String())
	}
	if thinking.String() != "plan" {
		t.Fatalf("thinking = %q", thinking.String())
	}
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Name != "executeCode" {
		t.Fatalf("calls = %+v", calls)
	}
	var input map[string]string
	if err := json.Unmarshal(calls[0].Input, &input); err != nil || input["code"] != "print(2)" || input["label"] != "two" {
		t.Fatalf("input = %s (%v)", calls[0].Input, err)
	}
	if last.Type != llm.EventFinish || last.FinishReason != llm.FinishToolCalls {
		t.Fatalf("last event = %+v, want tool-calls finish", last)
	}
	if last.Usage.InputTokens != 25 || last.Usage.OutputTokens != 40 {
		t.Fatalf("usage = %+v", last.Usage)
	}

	if body["model"] != "claude-test" || body["stream"] != true {
		t.Fatalf("request model/stream = %v/%v", body["model"], body["stream"])
	}
	tools, _ := body["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", body["tools"])
	}
}

func TestBuildMessagesMergesToolResults(t *testing.T) {
	msgs := buildMessages([]llm.Message{
		{Role: llm.RoleUser, Content: "run both"},
		{Role: llm.RoleAssistant, Content: "ok", ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "executeCode", Input: json.RawMessage(`{"code":"1"}`)},
			{ID: "b", Name: "executeCode"},
		}},
		{Role: llm.RoleTool, ToolCallID: "a", Content: "one"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "boom", IsError: true},
		{Role: llm.RoleAssistant},
		{Role: llm.RoleUser, Content: "thanks"},
	})

	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4 (empty assistant dropped, tool results merged)", len(msgs))
	}
	if len(msgs[1].Content) != 3 {
		t.Fatalf("assistant blocks = %d, want text + 2 tool_use", len(msgs[1].Content))
	}
	if msgs[2].Role != "user" || len(msgs[2].Content) != 2 {
		t.Fatalf("tool result message = %+v", msgs[2])
	}
}

func TestToolUseInputReplaysOnlyObjects(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{"code":"1"}`, `{"code":"1"}`},
		{``, `{}`},
		{`{"code": "print(1`, `{}`},
		{`"already a string"`, `{}`},
		{`null`, `{}`},
	}
	for _, tt := range tests {
		if got := toolUseInput(json.RawMessage(tt.raw)); string(got) != tt.want {
			t.Errorf("toolUseInput(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestRequiredFields(t *testing.T) {
	if got := requiredFields([]any{"code", 1, "label"}); len(got) != 2 || got[1] != "label" {
		t.Fatalf("requiredFields([]any) = %v", got)
	}
	if got := requiredFields(nil); got != nil {
		t.Fatalf("requiredFields(nil) = %v", got)
	}
}
