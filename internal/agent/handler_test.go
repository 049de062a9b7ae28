package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quantchat/internal/uistream"
)

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []ChatRequest
	block bool
}

func (f *fakeRunner) Run(ctx context.Context, req ChatRequest, sink uistream.Sink) State {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	_ = sink.Write(uistream.Start("msg-1"))
	if f.block {
		<-ctx.Done()
		_ = sink.Write(uistream.Abort())
		return StateAborted
	}
	_ = sink.Write(uistream.TextStart("t1"))
	_ = sink.Write(uistream.TextDelta("t1", "hello"))
	_ = sink.Write(uistream.TextEnd("t1"))
	_ = sink.Write(uistream.Finish())
	return StateDone
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

const chatBody = `{"id":"chat-1","model":"quant-pro","messages":[{"id":"m1","role":"user","parts":[{"type":"text","text":"hi"}]}]}`

func newTestHandler(t *testing.T, runner Runner, cfg HandlerConfig) http.Handler {
	t.Helper()
	h := NewHandler(runner, cfg, nil)
	t.Cleanup(h.Close)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func postChat(h http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)
	return w
}

func TestHandleChatStreamsSSE(t *testing.T) {
	runner := &fakeRunner{}
	w := postChat(newTestHandler(t, runner, HandlerConfig{}), chatBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get(uistream.HeaderStreamVersion); got != "v1" {
		t.Errorf("%s = %q, want v1", uistream.HeaderStreamVersion, got)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, `data: {"type":"start","messageId":"msg-1"}`+"\n\n") {
		t.Errorf("body does not start with the start chunk:\n%s", body)
	}
	if !strings.Contains(body, `data: {"type":"text-delta","id":"t1","delta":"hello"}`) {
		t.Errorf("body missing text delta:\n%s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("body not terminated by [DONE]:\n%s", body)
	}

	if runner.count() != 1 || runner.reqs[0].ID != "chat-1" || runner.reqs[0].Persona() != "quant-pro" {
		t.Fatalf("runner requests = %+v", runner.reqs)
	}
}

func TestHandleChatRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"id":`, http.StatusBadRequest},
		{"missing id", `{"messages":[{"role":"user","parts":[{"type":"text","text":"hi"}]}]}`, http.StatusBadRequest},
		{"empty messages", `{"id":"c","messages":[]}`, http.StatusBadRequest},
		{"too large", `{"id":"c","messages":[{"role":"user","parts":[{"type":"text","text":"` + strings.Repeat("x", 512) + `"}]}]}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			w := postChat(newTestHandler(t, runner, HandlerConfig{MaxRequestBodySize: 256}), tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			if runner.count() != 0 {
				t.Fatal("runner should not be called")
			}
		})
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	h := newTestHandler(t, &fakeRunner{}, HandlerConfig{RateLimitPerMinute: 1})
	if w := postChat(h, chatBody); w.Code != http.StatusOK {
		t.Fatalf("first status = %d", w.Code)
	}
	if w := postChat(h, chatBody); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
}

func dialChat(t *testing.T, runner Runner) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(newTestHandler(t, runner, HandlerConfig{}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

// readUntilDone returns the chunk types received before "[DONE]".
func readUntilDone(t *testing.T, ctx context.Context, conn *websocket.Conn) []string {
	t.Helper()
	var types []string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(data) == "[DONE]" {
			return types
		}
		var c uistream.Chunk
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("bad frame %q: %v", data, err)
		}
		types = append(types, c.Type)
	}
}

func TestHandleWebSocketStreamsTurn(t *testing.T) {
	conn, ctx := dialChat(t, &fakeRunner{})

	for range 2 {
		if err := conn.Write(ctx, websocket.MessageText, []byte(chatBody)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		types := readUntilDone(t, ctx, conn)
		if len(types) != 5 || types[0] != uistream.TypeStart || types[4] != uistream.TypeFinish {
			t.Fatalf("chunk types = %v", types)
		}
	}
}

func TestHandleWebSocketStop(t *testing.T) {
	conn, ctx := dialChat(t, &fakeRunner{block: true})

	if err := conn.Write(ctx, websocket.MessageText, []byte(chatBody)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil || !strings.Contains(string(data), `"start"`) {
		t.Fatalf("first frame = %q, %v", data, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	types := readUntilDone(t, ctx, conn)
	if len(types) != 1 || types[0] != uistream.TypeAbort {
		t.Fatalf("chunk types after stop = %v", types)
	}
}

func TestHandleWebSocketInvalidFrame(t *testing.T) {
	conn, ctx := dialChat(t, &fakeRunner{})

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"id":""}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var c uistream.Chunk
	if err := json.Unmarshal(data, &c); err != nil || c.Type != uistream.TypeError || c.ErrorText != "id is required" {
		t.Fatalf("frame = %q", data)
	}
}
