package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/quantchat/internal/xsearch"
)

const maxFunctionBodySize = 64 << 10

// Searcher runs the searches behind the sandbox helper functions.
type Searcher interface {
	SearchNews(ctx context.Context, query string) ([]json.RawMessage, error)
	SearchPosts(ctx context.Context, query string) ([]json.RawMessage, error)
	WebSearch(ctx context.Context, query string) (*xsearch.WebSearchResult, error)
}

// FunctionsHandler serves /api/functions/*, which code running in sandboxes
// calls through SANDBOX_API_URL.
type FunctionsHandler struct {
	search Searcher
	log    *slog.Logger
}

// NewFunctionsHandler builds the handler.
func NewFunctionsHandler(search Searcher, logger *slog.Logger) *FunctionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FunctionsHandler{search: search, log: logger}
}

// RegisterRoutes registers the function routes.
func (h *FunctionsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/functions", func(r chi.Router) {
		r.Post("/searchNews", h.SearchNews)
		r.Post("/searchPosts", h.SearchPosts)
		r.Post("/webSearch", h.WebSearch)
	})
}

type queryRequest struct {
	Query string `json:"query"`
}

// SearchNews handles POST /api/functions/searchNews.
func (h *FunctionsHandler) SearchNews(w http.ResponseWriter, r *http.Request) {
	query, ok := h.query(w, r)
	if !ok {
		return
	}
	news, err := h.search.SearchNews(r.Context(), query)
	if err != nil {
		h.fail(w, "searchNews", err)
		return
	}
	JSON(w, http.StatusOK, news)
}

// SearchPosts handles POST /api/functions/searchPosts.
func (h *FunctionsHandler) SearchPosts(w http.ResponseWriter, r *http.Request) {
	query, ok := h.query(w, r)
	if !ok {
		return
	}
	posts, err := h.search.SearchPosts(r.Context(), query)
	if err != nil {
		h.fail(w, "searchPosts", err)
		return
	}
	JSON(w, http.StatusOK, posts)
}

// WebSearch handles POST /api/functions/webSearch.
func (h *FunctionsHandler) WebSearch(w http.ResponseWriter, r *http.Request) {
	query, ok := h.query(w, r)
	if !ok {
		return
	}
	res, err := h.search.WebSearch(r.Context(), query)
	if err != nil {
		h.fail(w, "webSearch", err)
		return
	}
	JSON(w, http.StatusOK, res)
}

func (h *FunctionsHandler) query(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req queryRequest
	if err := decodeJSON(w, r, maxFunctionBodySize, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return "", false
	}
	return query, true
}

func (h *FunctionsHandler) fail(w http.ResponseWriter, function string, err error) {
	h.log.Warn("Search function failed", "function", function, "error", err)
	switch {
	case errors.Is(err, xsearch.ErrNotConfigured):
		Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "search timed out")
	default:
		Error(w, http.StatusBadGateway, "search failed")
	}
}
