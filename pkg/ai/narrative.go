package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

// EraSuggestion is an era the model places a work in.
type EraSuggestion struct {
	Name       string  `json:"name" jsonschema:"description=Name of the historical era, e.g. Victorian era"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=1,description=Confidence between 0 and 1"`
}

// CharacterSuggestion is a fictional character the model found in a work.
type CharacterSuggestion struct {
	Name     string `json:"name"`
	RoleType string `json:"role_type" jsonschema:"enum=Protagonist,enum=Antagonist,enum=Supporting,enum=Cameo"`
}

// Narrative is the structured output of a work enrichment.
type Narrative struct {
	Summary    string                `json:"summary" jsonschema:"description=Two or three sentence summary of the work"`
	EraTags    []EraSuggestion       `json:"era_tags"`
	Characters []CharacterSuggestion `json:"characters"`
}

// NarrativeEnrichmentService suggests a summary, era tags and characters
// for a work. Implementations retry rate limits like the identity service
// and return a *common.TransientExternalError once retries are exhausted.
type NarrativeEnrichmentService interface {
	EnrichWork(ctx context.Context, work common.MediaWork) (*Narrative, error)
}

var narrativeFormat = Format{Name: "narrative", Description: "Summary, era tags and characters of a media work"}

// DefaultMaxPromptTokens bounds the work description sent to the model.
const DefaultMaxPromptTokens = 2000

// Enricher is the NarrativeEnrichmentService backed by a GraphAIClient.
type Enricher struct {
	client          GraphAIClient
	model           string
	maxPromptTokens int
	policy          util.BackoffPolicy
}

// NewNarrativeEnricherParams configures an Enricher. Model overrides the
// client's default model when set. Policy defaults to
// util.DefaultBackoffPolicy retrying rate limits.
type NewNarrativeEnricherParams struct {
	Client          GraphAIClient
	Model           string
	MaxPromptTokens int
	Policy          *util.BackoffPolicy
}

// NewNarrativeEnricher returns an Enricher for params.
func NewNarrativeEnricher(params NewNarrativeEnricherParams) *Enricher {
	e := &Enricher{
		client:          params.Client,
		model:           params.Model,
		maxPromptTokens: params.MaxPromptTokens,
	}
	if e.maxPromptTokens <= 0 {
		e.maxPromptTokens = DefaultMaxPromptTokens
	}
	if params.Policy != nil {
		e.policy = *params.Policy
	} else {
		e.policy = util.DefaultBackoffPolicy(common.IsRetryable)
	}
	if e.policy.Retryable == nil {
		e.policy.Retryable = common.IsRetryable
	}
	return e
}

// EnrichWork asks the model for a summary, era tags and characters of
// work. The answer is cleaned before it is returned: confidences are
// clamped to [0, 1], era names are deduplicated case-insensitively keeping
// the highest confidence, and characters with an unknown role type or a
// blank name are dropped.
func (e *Enricher) EnrichWork(ctx context.Context, work common.MediaWork) (*Narrative, error) {
	prompt, err := e.prompt(work)
	if err != nil {
		return nil, err
	}

	opts := []GenerateOption{WithSystemPrompts(narrativeSystemPrompt), WithModel(e.model)}

	attempt := 0
	n, err := util.RetryBackoff(ctx, e.policy, func(ctx context.Context) (*Narrative, error) {
		attempt++
		var out Narrative
		err := e.client.GenerateJSON(ctx, prompt, narrativeFormat, &out, opts...)
		if err != nil && common.IsRetryable(err) {
			logger.Warn("[Narrative] Rate limited, backing off", "work", work.WikidataID, "attempt", attempt, "err", err)
		}
		return &out, err
	})
	if err != nil {
		var te *common.TransientExternalError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, fmt.Errorf("enrich %s: %w", work.WikidataID, err)
	}

	clean(n)
	logger.Debug("[Narrative] Enriched work", "work", work.WikidataID, "eras", len(n.EraTags), "characters", len(n.Characters))
	return n, nil
}

func (e *Enricher) prompt(work common.MediaWork) (string, error) {
	desc, err := TruncateTokens(work.Description, e.maxPromptTokens)
	if err != nil {
		return "", err
	}
	year := "unknown"
	if work.ReleaseYear != nil {
		year = strconv.Itoa(*work.ReleaseYear)
	}
	return fmt.Sprintf(narrativeTemplate,
		work.Title,
		orUnknown(work.MediaType),
		year,
		orUnknown(work.Creator),
		orUnknown(desc),
	), nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}

func clean(n *Narrative) {
	n.Summary = strings.TrimSpace(n.Summary)

	eras := make([]EraSuggestion, 0, len(n.EraTags))
	seen := map[string]int{}
	for _, t := range n.EraTags {
		name := strings.TrimSpace(t.Name)
		if name == "" || math.IsNaN(t.Confidence) {
			continue
		}
		conf := min(max(t.Confidence, 0), 1)
		key := strings.ToLower(name)
		if i, ok := seen[key]; ok {
			eras[i].Confidence = max(eras[i].Confidence, conf)
			continue
		}
		seen[key] = len(eras)
		eras = append(eras, EraSuggestion{Name: name, Confidence: conf})
	}
	n.EraTags = eras

	chars := make([]CharacterSuggestion, 0, len(n.Characters))
	for _, c := range n.Characters {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" || !slices.Contains(common.RoleTypes, c.RoleType) {
			continue
		}
		chars = append(chars, c)
	}
	n.Characters = chars
}
