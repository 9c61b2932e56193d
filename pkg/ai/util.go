package ai

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// TokenEncoding is the tokenizer used to size prompts.
const TokenEncoding = "o200k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

var (
	encMu       sync.Mutex
	enc         *tiktoken.Tiktoken
	loadEncoder = tiktoken.GetEncoding
)

// encoding loads the tokenizer on first use. A failed load is not kept, so
// the next call tries again.
func encoding() (*tiktoken.Tiktoken, error) {
	encMu.Lock()
	defer encMu.Unlock()
	if enc != nil {
		return enc, nil
	}
	e, err := loadEncoder(TokenEncoding)
	if err != nil {
		return nil, fmt.Errorf("load %s tokenizer: %w", TokenEncoding, err)
	}
	enc = e
	return enc, nil
}

// CountTokens returns the number of prompt tokens in s.
func CountTokens(s string) (int, error) {
	e, err := encoding()
	if err != nil {
		return 0, err
	}
	return len(e.Encode(s, nil, nil)), nil
}

// TruncateTokens cuts s to at most limit tokens. A non-positive limit
// returns s unchanged.
func TruncateTokens(s string, limit int) (string, error) {
	if limit <= 0 || s == "" {
		return s, nil
	}
	e, err := encoding()
	if err != nil {
		return "", err
	}
	tokens := e.Encode(s, nil, nil)
	if len(tokens) <= limit {
		return s, nil
	}
	return e.Decode(tokens[:limit]), nil
}

// GenerateSchema reflects a strict JSON schema from the type of value,
// with nested types inlined.
func GenerateSchema(value any) any {
	t := reflect.TypeOf(value)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	return r.Reflect(reflect.New(t).Interface())
}

// UnmarshalFlexible decodes model output into out. Models wrap JSON in
// code fences, return it as a JSON string, double the opening brace or cut
// it off; each of those is undone before the answer counts as garbage.
func UnmarshalFlexible(input string, out any) error {
	text := unfence(input)
	if json.Unmarshal([]byte(text), out) == nil {
		return nil
	}

	var inner string
	if json.Unmarshal([]byte(text), &inner) == nil {
		text = unfence(inner)
		if json.Unmarshal([]byte(text), out) == nil {
			return nil
		}
	}

	text = collapseBrace(text)
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("model output is not JSON: %w (output: %.200s)", err, text)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("decode repaired output: %w (repaired: %.200s)", err, repaired)
	}
	return nil
}

// unfence drops surrounding whitespace and a ```json fence.
func unfence(s string) string {
	s = strings.TrimSpace(s)
	body, ok := strings.CutPrefix(s, "```")
	if !ok {
		return s
	}
	if _, rest, found := strings.Cut(body, "\n"); found {
		body = rest
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(body), "```"))
}

// collapseBrace turns "{ {" at the start into a single brace.
func collapseBrace(s string) string {
	if rest, ok := strings.CutPrefix(s, "{"); ok {
		if rest = strings.TrimSpace(rest); strings.HasPrefix(rest, "{") {
			return rest
		}
	}
	return s
}
