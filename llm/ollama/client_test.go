package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/execflow/types"
)

func TestClientComplete_OpenAICompatibleRoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected bearer auth header")
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Model != "llama3.2" {
			t.Errorf("unexpected model: %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "are these the same?" {
			t.Errorf("unexpected messages: %#v", req.Messages)
		}
		if req.Temperature == nil || *req.Temperature != 0 {
			t.Errorf("expected temperature 0, got %v", req.Temperature)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "Same meaning.\nA"}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`))
	}))
	defer ts.Close()

	client, err := New(
		WithBaseURL(ts.URL),
		WithModel("llama3.2"),
		WithAPIKey("test-key"),
		WithSystemPrompt("you are a judge"),
		WithTemperature(0),
		WithHTTPClient(ts.Client()),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := client.Complete(context.Background(), "are these the same?")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Text != "Same meaning.\nA" {
		t.Fatalf("unexpected content: %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Fatalf("unexpected usage: %#v", resp.Usage)
	}
}

func TestClientSimpleRequest_ErrorNormalization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad request"))
	}))
	defer ts.Close()

	client, err := New(WithBaseURL(ts.URL), WithHTTPClient(ts.Client()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = client.SimpleRequest(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "(400): bad request") {
		t.Fatalf("expected normalized API error, got %v", err)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	if _, err := New(WithBaseURL("localhost:11434")); !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFactory_SetsModel(t *testing.T) {
	c, err := Factory(WithBaseURL("http://example.test"))("qwen2.5")
	if err != nil {
		t.Fatalf("Factory failed: %v", err)
	}
	if got := c.(*Client).Model(); got != "qwen2.5" {
		t.Fatalf("expected model qwen2.5, got %q", got)
	}
}
