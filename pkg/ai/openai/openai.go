// Package openai implements ai.GraphAIClient on top of any OpenAI
// compatible chat completion endpoint.
package openai

import (
	"errors"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
)

// GraphOpenAIClient runs narrative enrichment against a chat completion
// endpoint. Create it with NewGraphOpenAIClient.
type GraphOpenAIClient struct {
	ai.Usage

	model string
	chat  openai.Client
}

// NewGraphOpenAIClientParams configures a GraphOpenAIClient. ChatURL may
// be empty for the public OpenAI endpoint.
type NewGraphOpenAIClientParams struct {
	Model   string
	ChatURL string
	ChatKey string

	HTTPClient *http.Client
}

// NewGraphOpenAIClient fails without an API key.
//
//	client, err := openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
//		Model:   "gpt-4o-mini",
//		ChatKey: os.Getenv("CHRONOS_AI_KEY"),
//	})
func NewGraphOpenAIClient(params NewGraphOpenAIClientParams) (*GraphOpenAIClient, error) {
	if params.ChatKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(params.ChatKey),
		// the enricher owns the retry policy
		option.WithMaxRetries(0),
	}
	if params.ChatURL != "" {
		opts = append(opts, option.WithBaseURL(params.ChatURL))
	}
	if params.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(params.HTTPClient))
	}
	return &GraphOpenAIClient{
		model: params.Model,
		chat:  openai.NewClient(opts...),
	}, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	var retryAfter string
	if apiErr.Response != nil {
		retryAfter = apiErr.Response.Header.Get("Retry-After")
	}
	return ai.ClassifyStatus(apiErr.StatusCode, retryAfter, err)
}
