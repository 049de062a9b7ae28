package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"sandbox": "sbx-1"}

	JSON(w, http.StatusCreated, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("Expected status 201, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got["sandbox"] != "sbx-1" {
		t.Errorf("Expected sandbox=sbx-1, got %v", got["sandbox"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusBadGateway, "search backend unavailable")

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(got) != 1 || got["error"] != "search backend unavailable" {
		t.Errorf("body = %v", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Query string `json:"query"`
	}
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":"nvda earnings"}`))

	if err := decodeJSON(w, r, 1024, &v); err != nil {
		t.Fatalf("decodeJSON: %v", err)
	}
	if v.Query != "nvda earnings" {
		t.Errorf("query = %q", v.Query)
	}
}

func TestDecodeJSONTooLarge(t *testing.T) {
	var v struct {
		Query string `json:"query"`
	}
	body := `{"query":"` + strings.Repeat("x", 256) + `"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))

	err := decodeJSON(w, r, 64, &v)
	var tooLarge *http.MaxBytesError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("err = %v, want *http.MaxBytesError", err)
	}
	if tooLarge.Limit != 64 {
		t.Errorf("limit = %d, want 64", tooLarge.Limit)
	}
}

func TestDecodeJSONMalformed(t *testing.T) {
	var v map[string]any
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"query":`))

	if err := decodeJSON(w, r, 1024, &v); err == nil {
		t.Fatal("expected an error for a truncated body")
	}
}
