package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskforce/internal/config"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	cfg := config.Default()
	cfg.LLM.BaseURL = ts.URL
	cfg.LLM.Model = "test-model"
	cfg.LLM.TimeoutSeconds = 5
	return NewClient(cfg)
}

func chatResponse(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}
}

func TestGenerateText(t *testing.T) {
	var gotPath string
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		chatResponse("hello there")(w, r)
	})
	out, err := c.GenerateText(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "hello there" {
		t.Fatalf("out = %q", out)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestGenerateStructuredStripsFences(t *testing.T) {
	c := testClient(t, chatResponse("```json\n{\"goal\": \"ship it\"}\n```"))
	var out struct {
		Goal string `json:"goal"`
	}
	if err := c.GenerateStructured(context.Background(), "system", "user", &out); err != nil {
		t.Fatalf("structured: %v", err)
	}
	if out.Goal != "ship it" {
		t.Fatalf("goal = %q", out.Goal)
	}
}

func TestGenerateStructuredRejectsUnknownFields(t *testing.T) {
	c := testClient(t, chatResponse(`{"goal": "x", "surprise": true}`))
	var out struct {
		Goal string `json:"goal"`
	}
	if err := c.GenerateStructured(context.Background(), "system", "user", &out); err == nil {
		t.Fatalf("expected decode error for unknown field")
	}
}

func TestEmptyResponseIsError(t *testing.T) {
	c := testClient(t, chatResponse("   "))
	if _, err := c.GenerateText(context.Background(), "system", "user"); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := map[string]string{
		"localhost:1234":           "http://localhost:1234/v1",
		"http://host/":             "http://host/v1",
		"https://api.example/v1":   "https://api.example/v1",
		"https://api.example/v1/":  "https://api.example/v1",
		"":                         "",
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
