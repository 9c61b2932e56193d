// Package ai wraps the language models used to enrich works with a
// summary, era tags and characters. Providers live in the openai and
// ollama subpackages.
package ai

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gcquraishi/chronosgraph/pkg/common"
)

// DefaultTemperature keeps structured answers close to deterministic.
const DefaultTemperature = 0.1

// Format names the JSON document a completion has to return. The schema
// itself is reflected from the value the answer is decoded into.
type Format struct {
	Name        string
	Description string
}

// GenerateOptions are the per-request settings. Providers start from their
// own model and DefaultTemperature.
type GenerateOptions struct {
	Model         string
	SystemPrompts []string
	Temperature   float64
}

type GenerateOption func(*GenerateOptions)

func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		if model != "" {
			o.Model = model
		}
	}
}

// WithSystemPrompts replaces the system prompts sent ahead of the prompt.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// ApplyOptions returns defaults with opts applied in order.
func ApplyOptions(defaults GenerateOptions, opts ...GenerateOption) GenerateOptions {
	for _, o := range opts {
		o(&defaults)
	}
	return defaults
}

// GraphAIClient is the model surface the enrichment needs. GenerateJSON
// decodes the answer into out, a non-nil pointer. Implementations report
// throttling and outages as a *common.TransientExternalError.
type GraphAIClient interface {
	GenerateJSON(ctx context.Context, prompt string, format Format, out any, opts ...GenerateOption) error

	ResetMetrics()
	GetMetrics() ModelMetrics
}

// ClassifyStatus maps an HTTP error answer of a provider to a
// *common.TransientExternalError when it is worth retrying. retryAfter is
// the raw Retry-After header and may be empty.
func ClassifyStatus(status int, retryAfter string, err error) error {
	var code string
	switch {
	case status == http.StatusTooManyRequests:
		code = common.CodeTooMany
	case status == http.StatusGatewayTimeout:
		code = common.CodeTimeout
	case status >= 500:
		code = common.CodeUnavailable
	default:
		return err
	}
	te := &common.TransientExternalError{Code: code, Err: err}
	if secs, perr := strconv.Atoi(strings.TrimSpace(retryAfter)); perr == nil && secs > 0 {
		te.RetryAfter = time.Duration(secs) * time.Second
	}
	return te
}
