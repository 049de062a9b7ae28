package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveCORS(origins []string, method, origin string) *httptest.ResponseRecorder {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	req := httptest.NewRequest(method, "/api/chat", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	w := httptest.NewRecorder()
	CORS(origins)(next).ServeHTTP(w, req)
	return w
}

func TestCORSExplicitOrigin(t *testing.T) {
	w := serveCORS([]string{"https://app.example.com"}, http.MethodPost, "https://app.example.com")
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want next handler", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("explicit origin should allow credentials")
	}
}

func TestCORSWildcardHasNoCredentials(t *testing.T) {
	w := serveCORS([]string{"*"}, http.MethodGet, "https://evil.example.com")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://evil.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard match must not allow credentials")
	}
}

func TestCORSUnknownOrigin(t *testing.T) {
	w := serveCORS([]string{"https://app.example.com"}, http.MethodGet, "https://other.example.com")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin should get no CORS headers")
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serveCORS([]string{"https://app.example.com"}, http.MethodOptions, "https://app.example.com")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}
