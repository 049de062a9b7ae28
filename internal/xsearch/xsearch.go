// Package xsearch calls the X API and the xAI Responses API on behalf of
// code running in sandboxes.
package xsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Defaults for Config.
const (
	DefaultXBaseURL       = "https://api.x.com"
	DefaultXAIBaseURL     = "https://api.x.ai/v1"
	DefaultWebSearchModel = "grok-4-1-fast-non-reasoning"
	DefaultTimeout        = 60 * time.Second
	DefaultRetries        = 3
	DefaultRetryWait      = 100 * time.Millisecond

	// MaxPostPages caps how many result pages SearchPosts follows.
	MaxPostPages = 10
)

var newsFields = "category,name,summary,hook,keywords,contexts,updated_at"

// ErrNotConfigured is returned when the API key for a backend is missing.
var ErrNotConfigured = errors.New("search backend not configured")

// Config configures the client. Zero values select the defaults.
type Config struct {
	XAPIKey        string
	XBaseURL       string
	XAIAPIKey      string
	XAIBaseURL     string
	WebSearchModel string
	// Timeout bounds a whole search, retries and pages included.
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
	Logger    *slog.Logger
}

// Client runs searches.
type Client struct {
	x   *resty.Client
	xai *resty.Client
	cfg Config
	log *slog.Logger
}

// New builds a client.
func New(cfg Config) *Client {
	if cfg.XBaseURL == "" {
		cfg.XBaseURL = DefaultXBaseURL
	}
	if cfg.XAIBaseURL == "" {
		cfg.XAIBaseURL = DefaultXAIBaseURL
	}
	if cfg.WebSearchModel == "" {
		cfg.WebSearchModel = DefaultWebSearchModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = DefaultRetryWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: cfg, log: logger}
	c.x = c.newResty(cfg.XBaseURL, cfg.XAPIKey)
	c.xai = c.newResty(strings.TrimRight(cfg.XAIBaseURL, "/"), cfg.XAIAPIKey)
	return c
}

// newResty retries transport errors, 429 and 5xx with exponential backoff
// starting at RetryWait.
func (c *Client) newResty(baseURL, token string) *resty.Client {
	r := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(c.cfg.Timeout).
		SetRetryCount(c.cfg.Retries).
		SetRetryWaitTime(c.cfg.RetryWait).
		SetRetryMaxWaitTime(c.cfg.RetryWait << c.cfg.Retries).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := resp.StatusCode()
			return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
		}).
		SetLogger(restyLogger{c.log}).
		AddRetryHook(func(resp *resty.Response, err error) {
			if resp == nil || resp.Request == nil {
				c.log.Warn("Retrying search request", "error", err)
				return
			}
			c.log.Warn("Retrying search request",
				"url", resp.Request.URL,
				"attempt", resp.Request.Attempt,
				"status", resp.StatusCode(),
				"error", err)
		})
	if token != "" {
		r.SetAuthToken(token)
	}
	return r
}

// apiError reports a non-2xx response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("status %d: %s", e.Status, body)
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &apiError{Status: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	return nil
}

type listResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// SearchNews returns X news stories matching query. The result is never nil.
func (c *Client) SearchNews(ctx context.Context, query string) ([]json.RawMessage, error) {
	if c.cfg.XAPIKey == "" {
		return nil, fmt.Errorf("search news: %w", ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out listResponse
	resp, err := c.x.R().
		SetContext(ctx).
		SetQueryParam("query", query).
		SetQueryParam("news.fields", newsFields).
		SetResult(&out).
		Get("/2/news/search")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("search news: %w", err)
	}
	if out.Data == nil {
		out.Data = []json.RawMessage{}
	}
	return out.Data, nil
}

// SearchPosts returns posts from the full archive matching query, following
// pagination for at most MaxPostPages pages. The result is never nil.
func (c *Client) SearchPosts(ctx context.Context, query string) ([]json.RawMessage, error) {
	if c.cfg.XAPIKey == "" {
		return nil, fmt.Errorf("search posts: %w", ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	posts := []json.RawMessage{}
	token := ""
	for page := 0; page < MaxPostPages; page++ {
		req := c.x.R().
			SetContext(ctx).
			SetQueryParam("query", query).
			SetQueryParam("tweet.fields", "created_at")
		if token != "" {
			req.SetQueryParam("pagination_token", token)
		}

		var out listResponse
		resp, err := req.SetResult(&out).Get("/2/tweets/search/all")
		if err := checkResponse(resp, err); err != nil {
			return nil, fmt.Errorf("search posts page %d: %w", page+1, err)
		}
		posts = append(posts, out.Data...)

		token = out.Meta.NextToken
		if token == "" {
			break
		}
	}
	return posts, nil
}

// Source is a web page cited by a web search answer.
type Source struct {
	SourceType string `json:"sourceType"`
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

// WebSearchResult is a summarised web search.
type WebSearchResult struct {
	Text    string   `json:"text"`
	Sources []Source `json:"sources"`
}

type responsesRequest struct {
	Model string           `json:"model"`
	Input string           `json:"input"`
	Tools []map[string]any `json:"tools"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			Annotations []struct {
				Type  string `json:"type"`
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"annotations"`
		} `json:"content"`
	} `json:"output"`
}

// WebSearch asks a search-enabled model to search the web for query and
// summarise what it found.
func (c *Client) WebSearch(ctx context.Context, query string) (*WebSearchResult, error) {
	if c.cfg.XAIAPIKey == "" {
		return nil, fmt.Errorf("web search: %w", ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out responsesResponse
	resp, err := c.xai.R().
		SetContext(ctx).
		SetBody(responsesRequest{
			Model: c.cfg.WebSearchModel,
			Input: fmt.Sprintf("Search the web for: %q. Provide a comprehensive summary of the search results.", query),
			Tools: []map[string]any{{"type": "web_search"}},
		}).
		SetResult(&out).
		Post("/responses")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("web search: %w", err)
	}

	result := &WebSearchResult{Sources: []Source{}}
	var text strings.Builder
	seen := make(map[string]bool)
	for _, item := range out.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Type != "output_text" {
				continue
			}
			text.WriteString(content.Text)
			for _, ann := range content.Annotations {
				if ann.Type != "url_citation" || ann.URL == "" || seen[ann.URL] {
					continue
				}
				seen[ann.URL] = true
				result.Sources = append(result.Sources, Source{
					SourceType: "url",
					ID:         fmt.Sprintf("source-%d", len(result.Sources)),
					URL:        ann.URL,
					Title:      ann.Title,
				})
			}
		}
	}
	result.Text = text.String()
	return result, nil
}

// restyLogger routes resty's internal logging to slog.
type restyLogger struct{ log *slog.Logger }

func (l restyLogger) Errorf(format string, v ...any) { l.log.Warn(fmt.Sprintf(format, v...)) }
func (l restyLogger) Warnf(format string, v ...any)  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l restyLogger) Debugf(format string, v ...any) { l.log.Debug(fmt.Sprintf(format, v...)) }
