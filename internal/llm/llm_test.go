package llm

import (
	"encoding/json"
	"testing"
)

func TestNormalizeInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"object", `{"code":"print(1)"}`, `{"code":"print(1)"}`},
		{"empty", "", `{}`},
		{"whitespace", " \n\t", `{}`},
		{"truncated", `{"code": "print(1`, `"{\"code\": \"print(1"`},
		{"garbage", `not json`, `"not json"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeInput(tt.raw)
			if string(got) != tt.want {
				t.Errorf("NormalizeInput(%q) = %s, want %s", tt.raw, got, tt.want)
			}
			if !json.Valid(got) {
				t.Errorf("NormalizeInput(%q) = %s is not valid JSON", tt.raw, got)
			}
		})
	}
}
