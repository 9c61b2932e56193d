package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ollama/ollama/api"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
)

func TestGenerateJSON(t *testing.T) {
	var (
		got  api.ChatRequest
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"llama3","message":{"role":"assistant","content":"{\"summary\":\"A general becomes a gladiator.\",\"era_tags\":[{\"name\":\"Roman Empire\",\"confidence\":0.9}],\"characters\":[]}"},"done":true,"prompt_eval_count":120,"eval_count":30,"total_duration":1500000000}`)
	}))
	defer srv.Close()

	c, err := NewGraphOllamaClient(NewGraphOllamaClientParams{Model: "llama3", BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewGraphOllamaClient() error = %v", err)
	}

	var n ai.Narrative
	err = c.GenerateJSON(context.Background(), "Gladiator (2000)", ai.Format{Name: "narrative"}, &n, ai.WithSystemPrompts("You are a historian."))
	if err != nil {
		t.Fatalf("GenerateJSON() error = %v", err)
	}
	if n.Summary != "A general becomes a gladiator." || len(n.EraTags) != 1 {
		t.Fatalf("unexpected narrative %+v", n)
	}

	if auth != "Bearer k" {
		t.Fatalf("expected bearer auth, got %q", auth)
	}
	if got.Model != "llama3" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Stream == nil || *got.Stream {
		t.Fatal("expected a non-streaming request")
	}
	if !strings.Contains(string(got.Format), `"summary"`) {
		t.Fatalf("expected the narrative schema as format, got %s", got.Format)
	}
	if _, ok := got.Options["num_ctx"]; ok {
		t.Fatal("a short prompt must keep the default context window")
	}

	m := c.GetMetrics()
	if m.Requests != 1 || m.TotalTokens != 150 || m.DurationMs != 1500 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestGenerateJSON_Throttled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":"too many requests"}`)
	}))
	defer srv.Close()

	c, err := NewGraphOllamaClient(NewGraphOllamaClientParams{Model: "llama3", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewGraphOllamaClient() error = %v", err)
	}
	var n ai.Narrative
	err = c.GenerateJSON(context.Background(), "Gladiator", ai.Format{Name: "narrative"}, &n)
	if !common.IsRetryable(err) {
		t.Fatalf("expected a retryable error, got %v", err)
	}
	var te *common.TransientExternalError
	if !errors.As(err, &te) || te.Code != common.CodeTooMany {
		t.Fatalf("expected code %s, got %v", common.CodeTooMany, err)
	}
}

func TestNumCtx(t *testing.T) {
	if n, err := numCtx("short prompt"); err != nil || n != 0 {
		t.Fatalf("expected default window, got %d (err %v)", n, err)
	}
	long := strings.Repeat("The legions marched north. ", 1000)
	n, err := numCtx("system", long)
	if err != nil {
		t.Fatalf("numCtx() error = %v", err)
	}
	tokens, _ := ai.CountTokens(long)
	if n <= defaultContext || n < tokens+answerHeadroom {
		t.Fatalf("expected a window above %d covering %d tokens, got %d", defaultContext, tokens, n)
	}
}
