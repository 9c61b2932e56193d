package ai

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gcquraishi/chronosgraph/pkg/common"
)

func TestUnmarshalFlexible(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		summary string
		eras    []string
	}{
		{"plain", `{"summary":"Rome burns.","era_tags":[{"name":"Roman Empire","confidence":0.8}]}`, "Rome burns.", []string{"Roman Empire"}},
		{"fenced", "```json\n{\"summary\":\"Rome burns.\"}\n```", "Rome burns.", nil},
		{"json string", `"{\"summary\":\"Rome burns.\",\"era_tags\":[{\"name\":\"Julio-Claudian\",\"confidence\":1}]}"`, "Rome burns.", []string{"Julio-Claudian"}},
		{"single quotes and bare keys", `{summary: 'Rome burns.', era_tags: [{name: 'Nero', confidence: 0.4},]}`, "Rome burns.", []string{"Nero"}},
		{"cut off", `{"summary":"Rome burns.","era_tags":[{"name":"Roman Empire"`, "Rome burns.", []string{"Roman Empire"}},
		{"doubled brace", "{\n{\"summary\": \"Rome burns.\"}\n", "Rome burns.", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Narrative
			if err := UnmarshalFlexible(tt.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if got.Summary != tt.summary {
				t.Fatalf("expected summary %q, got %q", tt.summary, got.Summary)
			}
			if len(got.EraTags) != len(tt.eras) {
				t.Fatalf("expected %d era tags, got %+v", len(tt.eras), got.EraTags)
			}
			for i, want := range tt.eras {
				if got.EraTags[i].Name != want {
					t.Fatalf("era %d: expected %q, got %q", i, want, got.EraTags[i].Name)
				}
			}
		})
	}
}

func TestUnmarshalFlexible_Characters(t *testing.T) {
	var got []CharacterSuggestion
	if err := UnmarshalFlexible(`[{name:'Maximus',role_type:'Protagonist'},{name:'Commodus',role_type:'Antagonist',}]`, &got); err != nil {
		t.Fatalf("UnmarshalFlexible() error = %v", err)
	}
	if len(got) != 2 || got[1].Name != "Commodus" || got[1].RoleType != "Antagonist" {
		t.Fatalf("unexpected characters %+v", got)
	}
}

func TestUnmarshalFlexible_Garbage(t *testing.T) {
	var got Narrative
	if err := UnmarshalFlexible("I cannot help with that.", &got); err == nil {
		t.Fatal("expected an error for prose output")
	}
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&Narrative{})
	data, err := json.Marshal(schema)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	for _, want := range []string{`"summary"`, `"era_tags"`, `"Protagonist"`, `"additionalProperties":false`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %s in schema %s", want, data)
		}
	}
}

func TestTokens(t *testing.T) {
	n, err := CountTokens("Caesar crossed the Rubicon in 49 BC.")
	if err != nil {
		t.Fatalf("CountTokens() error = %v", err)
	}
	if n <= 0 || n > 20 {
		t.Fatalf("expected a small positive count, got %d", n)
	}

	cut, err := TruncateTokens(strings.Repeat("Carthago delenda est. ", 300), 12)
	if err != nil {
		t.Fatalf("TruncateTokens() error = %v", err)
	}
	if got, _ := CountTokens(cut); got > 12 {
		t.Fatalf("expected at most 12 tokens, got %d", got)
	}
	for _, limit := range []int{0, 50} {
		if same, _ := TruncateTokens("Veni, vidi, vici.", limit); same != "Veni, vidi, vici." {
			t.Fatalf("limit %d: expected input unchanged, got %q", limit, same)
		}
	}
}

func TestEncoding_RetriesAfterFailedLoad(t *testing.T) {
	encMu.Lock()
	cached, restore := enc, loadEncoder
	enc = nil
	calls := 0
	loadEncoder = func(name string) (*tiktoken.Tiktoken, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("no such host")
		}
		return restore(name)
	}
	encMu.Unlock()
	defer func() {
		encMu.Lock()
		enc, loadEncoder = cached, restore
		encMu.Unlock()
	}()

	if _, err := CountTokens("Alea iacta est."); err == nil {
		t.Fatal("expected the first load to fail")
	}
	n, err := CountTokens("Alea iacta est.")
	if err != nil {
		t.Fatalf("expected the second load to succeed, got %v", err)
	}
	if n <= 0 {
		t.Fatalf("expected a positive count, got %d", n)
	}
	if calls != 2 {
		t.Fatalf("expected 2 loads, got %d", calls)
	}
	if _, err := CountTokens("Veni."); err != nil || calls != 2 {
		t.Fatalf("expected the loaded tokenizer to be kept, got err=%v loads=%d", err, calls)
	}
}

func TestClassifyStatus(t *testing.T) {
	cause := http.ErrHandlerTimeout
	tests := []struct {
		status     int
		retryAfter string
		code       string
		wait       time.Duration
	}{
		{http.StatusTooManyRequests, "30", common.CodeTooMany, 30 * time.Second},
		{http.StatusTooManyRequests, "Wed, 21 Oct 2026 07:28:00 GMT", common.CodeTooMany, 0},
		{http.StatusServiceUnavailable, "", common.CodeUnavailable, 0},
		{http.StatusGatewayTimeout, "", common.CodeTimeout, 0},
		{http.StatusBadRequest, "", "", 0},
	}
	for _, tt := range tests {
		err := ClassifyStatus(tt.status, tt.retryAfter, cause)
		te, ok := err.(*common.TransientExternalError)
		if tt.code == "" {
			if ok || err != cause {
				t.Fatalf("%d: expected the cause unchanged, got %v", tt.status, err)
			}
			continue
		}
		if !ok || te.Code != tt.code || te.RetryAfter != tt.wait {
			t.Fatalf("%d: expected code %s wait %v, got %v", tt.status, tt.code, tt.wait, err)
		}
	}
}

func TestUsage(t *testing.T) {
	var u Usage
	u.Record(ModelMetrics{InputTokens: 300, OutputTokens: 100, DurationMs: 2000})
	u.Record(ModelMetrics{InputTokens: 50, OutputTokens: 50, TotalTokens: 100, DurationMs: 500})

	m := u.GetMetrics()
	if m.Requests != 2 || m.TotalTokens != 500 || m.DurationMs != 2500 {
		t.Fatalf("unexpected totals %+v", m)
	}
	if m.TokenPerSecond != 200 {
		t.Fatalf("expected 200 tokens/s, got %v", m.TokenPerSecond)
	}
	u.ResetMetrics()
	if m := u.GetMetrics(); m != (ModelMetrics{}) {
		t.Fatalf("expected zero metrics after reset, got %+v", m)
	}
}
