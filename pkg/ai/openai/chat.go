package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
)

// GenerateJSON sends prompt with a strict JSON schema reflected from out
// and decodes the answer into it.
//
//	var n ai.Narrative
//	err := client.GenerateJSON(ctx, prompt, ai.Format{Name: "narrative"}, &n)
func (c *GraphOpenAIClient) GenerateJSON(ctx context.Context, prompt string, format ai.Format, out any, opts ...ai.GenerateOption) error {
	if out == nil {
		return errors.New("openai: out must be a non-nil pointer")
	}
	o := ai.ApplyOptions(ai.GenerateOptions{Model: c.model, Temperature: ai.DefaultTemperature}, opts...)

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(o.SystemPrompts)+1)
	for _, sp := range o.SystemPrompts {
		msgs = append(msgs, openai.SystemMessage(sp))
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	schema := openai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   format.Name,
		Schema: ai.GenerateSchema(out),
		Strict: openai.Bool(true),
	}
	if format.Description != "" {
		schema.Description = openai.String(format.Description)
	}

	start := time.Now()
	resp, err := c.chat.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:          openai.ChatModel(o.Model),
		Messages:       msgs,
		Temperature:    openai.Float(o.Temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{JSONSchema: schema}},
	})
	if err != nil {
		return classify(err)
	}
	c.Record(ai.ModelMetrics{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
		DurationMs:   time.Since(start).Milliseconds(),
	})

	if len(resp.Choices) == 0 {
		return errors.New("openai: no choices in response")
	}
	choice := resp.Choices[0]
	if choice.Message.Content == "" {
		return fmt.Errorf("openai: empty response (finish_reason: %s)", choice.FinishReason)
	}
	return ai.UnmarshalFlexible(choice.Message.Content, out)
}
