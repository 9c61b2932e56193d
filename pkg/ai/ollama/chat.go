package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
)

const (
	// defaultContext is the window Ollama loads models with.
	defaultContext = 4096
	// answerHeadroom is reserved on top of the prompt for the answer.
	answerHeadroom = 1024
)

// GenerateJSON asks the model for a document matching the schema of out.
// Ollama has no place for the format description, so only the schema is
// sent.
func (c *GraphOllamaClient) GenerateJSON(ctx context.Context, prompt string, _ ai.Format, out any, opts ...ai.GenerateOption) error {
	if out == nil {
		return errors.New("ollama: out must be a non-nil pointer")
	}
	schema, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}
	o := ai.ApplyOptions(ai.GenerateOptions{Model: c.model, Temperature: ai.DefaultTemperature}, opts...)

	req, err := chatRequest(o, prompt, schema)
	if err != nil {
		return err
	}

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.slots.Release(1)

	var (
		answer  strings.Builder
		metrics api.Metrics
	)
	err = c.api.Chat(ctx, req, func(r api.ChatResponse) error {
		answer.WriteString(r.Message.Content)
		if r.Done {
			metrics = r.Metrics
		}
		return nil
	})
	if err != nil {
		return classify(err)
	}
	c.Record(ai.ModelMetrics{
		InputTokens:  metrics.PromptEvalCount,
		OutputTokens: metrics.EvalCount,
		DurationMs:   metrics.TotalDuration.Milliseconds(),
	})

	if answer.Len() == 0 {
		return errors.New("ollama: empty response from model")
	}
	return ai.UnmarshalFlexible(answer.String(), out)
}

func chatRequest(o ai.GenerateOptions, prompt string, schema json.RawMessage) (*api.ChatRequest, error) {
	msgs := make([]api.Message, 0, len(o.SystemPrompts)+1)
	texts := make([]string, 0, len(o.SystemPrompts)+1)
	for _, sp := range o.SystemPrompts {
		msgs = append(msgs, api.Message{Role: "system", Content: sp})
		texts = append(texts, sp)
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})
	texts = append(texts, prompt)

	stream := false
	req := &api.ChatRequest{
		Model:    o.Model,
		Messages: msgs,
		Stream:   &stream,
		Format:   schema,
		Options:  map[string]any{"temperature": o.Temperature},
	}
	n, err := numCtx(texts...)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		req.Options["num_ctx"] = n
	}
	return req, nil
}

// numCtx returns the context window texts need, or 0 when the default
// window is large enough.
func numCtx(texts ...string) (int, error) {
	n := answerHeadroom
	for _, t := range texts {
		tokens, err := ai.CountTokens(t)
		if err != nil {
			return 0, err
		}
		n += tokens
	}
	if n <= defaultContext {
		return 0, nil
	}
	return n, nil
}

func classify(err error) error {
	var se api.StatusError
	if errors.As(err, &se) {
		return ai.ClassifyStatus(se.StatusCode, "", err)
	}
	return err
}
