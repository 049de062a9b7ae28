package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quantchat/internal/domain"
	"github.com/ashureev/quantchat/internal/middleware"
	"github.com/ashureev/quantchat/internal/sandbox"
	"github.com/ashureev/quantchat/internal/store"
)

const healthTimeout = 3 * time.Second

// killLocks rejects concurrent kills of the same sandbox.
var killLocks sync.Map

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminConfig is what GET /api/config exposes, plus the bearer token that
// guards the sandbox registry. An empty Token disables the registry routes.
type AdminConfig struct {
	MaxSteps    int
	IdleTimeout time.Duration
	Token       string
}

// AdminHandler serves health, configuration and sandbox administration.
type AdminHandler struct {
	repo   store.Repository
	killer sandbox.Killer
	docker Pinger
	cfg    AdminConfig
	log    *slog.Logger
}

// NewAdminHandler builds the handler. docker may be nil when no sandbox
// backend is configured.
func NewAdminHandler(repo store.Repository, killer sandbox.Killer, docker Pinger, cfg AdminConfig, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{repo: repo, killer: killer, docker: docker, cfg: cfg, log: logger}
}

// RegisterRoutes registers the admin routes.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerToken(h.cfg.Token))
			r.Get("/sandboxes", h.ListSandboxes)
			r.Delete("/sandboxes/{id}", h.KillSandbox)
		})
	})
}

// Health reports database and sandbox backend reachability.
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{"database": "ok", "docker": "ok"}
	status := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.log.Warn("Health check failed", "component", "database", "error", err)
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if h.docker == nil {
		checks["docker"] = "disabled"
	} else if err := h.docker.Ping(ctx); err != nil {
		h.log.Warn("Health check failed", "component", "docker", "error", err)
		checks["docker"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, map[string]any{"status": overall, "checks": checks})
}

// GetConfig returns the settings the frontend needs.
func (h *AdminHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"personas":             domain.Personas,
		"default_persona":      domain.DefaultPersona,
		"max_steps":            h.cfg.MaxSteps,
		"sandbox_idle_timeout": int64(h.cfg.IdleTimeout.Seconds()),
	})
}

type sandboxView struct {
	*domain.Sandbox
	IdleTimeoutSecs int64 `json:"idle_timeout_secs"`
	TTLSecs         int64 `json:"ttl_secs"`
}

// ListSandboxes returns the sandbox registry.
func (h *AdminHandler) ListSandboxes(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListSandboxes(r.Context())
	if err != nil {
		h.log.Error("Failed to list sandboxes", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sandboxes")
		return
	}

	now := time.Now()
	out := make([]sandboxView, 0, len(list))
	for _, sb := range list {
		out = append(out, sandboxView{
			Sandbox:         sb,
			IdleTimeoutSecs: int64(sb.IdleTimeout.Seconds()),
			TTLSecs:         int64(sb.TTL(now).Seconds()),
		})
	}
	JSON(w, http.StatusOK, map[string]any{"sandboxes": out})
}

// KillSandbox force-removes a sandbox and its registry entry.
func (h *AdminHandler) KillSandbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		Error(w, http.StatusBadRequest, "sandbox id is required")
		return
	}

	lock, _ := killLocks.LoadOrStore(id, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		Error(w, http.StatusConflict, "kill_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		killLocks.Delete(id)
	}()

	sb, err := h.repo.GetSandbox(r.Context(), id)
	if err != nil {
		h.log.Error("Failed to look up sandbox", "sandbox_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to look up sandbox")
		return
	}
	if sb == nil {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}

	if err := h.killer.KillSandbox(r.Context(), id); err != nil {
		h.log.Error("Failed to kill sandbox", "sandbox_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to kill sandbox")
		return
	}

	h.log.Info("Sandbox killed by admin", "sandbox_id", id)
	JSON(w, http.StatusOK, map[string]string{"status": "killed", "sandbox_id": id})
}
