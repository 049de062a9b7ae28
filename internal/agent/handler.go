package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/quantchat/internal/api"
	"github.com/ashureev/quantchat/internal/observability"
	"github.com/ashureev/quantchat/internal/uistream"
)

// defaultMaxRequestBodySize caps a chat request body. Histories carry tool
// outputs, so this is larger than a typical API body.
const defaultMaxRequestBodySize = 8 << 20 // 8MB

// Runner executes one chat turn.
type Runner interface {
	Run(ctx context.Context, req ChatRequest, sink uistream.Sink) State
}

// HandlerConfig tunes the HTTP boundary.
type HandlerConfig struct {
	MaxRequestBodySize int64
	RateLimitPerMinute int
	// AllowedOrigins are the WebSocket origin patterns besides the request host.
	AllowedOrigins []string
}

// Handler serves the chat endpoints.
type Handler struct {
	runner  Runner
	cfg     HandlerConfig
	limiter *RateLimiter
	log     *slog.Logger
}

// NewHandler builds a handler. Call Close to stop the rate limiter.
func NewHandler(runner Runner, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runner:  runner,
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimitPerMinute),
		log:     logger,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.limiter.Close()
}

// HandleChat handles POST /api/chat, streaming the turn as server-sent events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, err := uistream.NewSSEWriter(w)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.log.Info("Chat request",
		"chat_id", req.ID,
		"persona", string(req.Persona()),
		"messages", len(req.Messages),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	state := h.runner.Run(r.Context(), req, sse)
	if err := sse.Close(); err != nil && state != StateAborted {
		h.log.Warn("Failed to close chat stream", "chat_id", req.ID, "error", err)
	}
}

// wsFrame is a client frame on /ws/chat: a chat request, or {"type":"stop"}
// to cancel the running turn.
type wsFrame struct {
	Type string `json:"type,omitempty"`
	ChatRequest
}

// HandleWebSocket handles GET /ws/chat. Each text frame starts a turn whose
// chunks are sent back as text frames, ending with "[DONE]". One turn runs
// at a time per connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.AllowedOrigins})
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.cfg.MaxRequestBodySize)

	ctx := r.Context()
	out := uistream.NewWebSocketWriter(ctx, conn)

	var (
		mu      sync.Mutex
		cancel  context.CancelFunc
		running sync.WaitGroup
	)
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	defer func() {
		stop()
		running.Wait()
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.log.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(out, "invalid request body")
			continue
		}
		if frame.Type == "stop" {
			stop()
			continue
		}

		mu.Lock()
		busy := cancel != nil
		mu.Unlock()
		if busy {
			h.sendError(out, "a chat turn is already running")
			continue
		}
		if !h.allow(r) {
			h.sendError(out, "rate limit exceeded")
			continue
		}
		req := frame.ChatRequest
		if err := req.Validate(); err != nil {
			h.sendError(out, err.Error())
			continue
		}

		turnCtx, turnCancel := context.WithCancel(ctx)
		mu.Lock()
		cancel = turnCancel
		mu.Unlock()

		running.Add(1)
		go func() {
			defer running.Done()

			h.log.Info("WebSocket chat request", "chat_id", req.ID, "persona", string(req.Persona()), "messages", len(req.Messages))
			h.runner.Run(turnCtx, req, out)

			mu.Lock()
			cancel = nil
			mu.Unlock()
			turnCancel()

			if err := out.Close(); err != nil {
				h.log.Debug("Failed to send stream terminator", "chat_id", req.ID, "error", err)
			}
		}()
	}
}

func (h *Handler) sendError(out *uistream.WebSocketWriter, msg string) {
	if err := out.Write(uistream.Error(msg)); err != nil {
		h.log.Debug("Failed to send error frame", "error", err)
	}
}

func (h *Handler) allow(r *http.Request) bool {
	if h.limiter.Allow(clientKey(r)) {
		return true
	}
	observability.RateLimitRejectedTotal.Inc()
	return false
}

// clientKey identifies the caller for rate limiting. RealIP middleware has
// already rewritten RemoteAddr when a proxy is in front.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
