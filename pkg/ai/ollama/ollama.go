// Package ollama implements ai.GraphAIClient against a local or hosted
// Ollama server.
package ollama

import (
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"

	"github.com/gcquraishi/chronosgraph/pkg/ai"
)

const defaultHost = "127.0.0.1:11434"

// GraphOllamaClient sends enrichment prompts to one Ollama model. Requests
// beyond MaxConcurrentRequests wait for a free slot.
type GraphOllamaClient struct {
	ai.Usage

	model string
	slots *semaphore.Weighted
	api   *api.Client
}

// NewGraphOllamaClientParams configures a GraphOllamaClient. An empty
// BaseURL means the default local server. APIKey is sent as a bearer token
// to hosted servers.
type NewGraphOllamaClientParams struct {
	Model   string
	BaseURL string
	APIKey  string

	MaxConcurrentRequests int64
	HTTPClient            *http.Client
}

func NewGraphOllamaClient(params NewGraphOllamaClientParams) (*GraphOllamaClient, error) {
	base := &url.URL{Scheme: "http", Host: defaultHost}
	if params.BaseURL != "" {
		u, err := url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
		base = u
	}

	hc := params.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if params.APIKey != "" {
		next := hc.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		clone := *hc
		clone.Transport = bearer{key: params.APIKey, next: next}
		hc = &clone
	}

	return &GraphOllamaClient{
		model: params.Model,
		slots: semaphore.NewWeighted(max(params.MaxConcurrentRequests, 1)),
		api:   api.NewClient(base, hc),
	}, nil
}

type bearer struct {
	key  string
	next http.RoundTripper
}

func (b bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return b.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+b.key)
	return b.next.RoundTrip(r)
}
