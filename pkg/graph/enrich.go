package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// EnrichOptions configure EnrichStoredWork.
type EnrichOptions struct {
	AgentID string
	DryRun  bool
	Now     func() time.Time
}

// EnrichmentResult reports a narrative enrichment of a stored work.
type EnrichmentResult struct {
	MediaID     string   `json:"media_id"`
	QID         string   `json:"qid"`
	DryRun      bool     `json:"dry_run"`
	Description bool     `json:"description"`
	Tagged      []string `json:"tagged,omitempty"`
	Flag        *FlagRef `json:"flag,omitempty"`
}

// EnrichStoredWork runs narrative enrichment for a work that is already in
// the graph. The summary only fills an empty description. Suggested eras
// are tagged as ai_inferred when the work carries no curated tag; when it
// does, the suggestions go to the review queue as an era override.
func EnrichStoredWork(ctx context.Context, s store.GraphStorage, svc ai.NarrativeEnrichmentService, q *review.Queue, qid string, opts EnrichOptions) (*EnrichmentResult, error) {
	if svc == nil {
		return nil, errors.New("enrich: no narrative service configured")
	}
	qid = util.NormalizeQID(qid)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AgentID == "" {
		opts.AgentID = common.GenericAgentID
	}

	nodes, err := s.FindNodes(ctx, store.KindMedia, store.Filter{"wikidata_id": qid})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, &common.NotFoundError{ID: qid}
	}
	h := nodes[0].Handle
	w := mediaFromNode(nodes[0])
	res := &EnrichmentResult{MediaID: w.MediaID, QID: qid, DryRun: opts.DryRun}

	n, err := svc.EnrichWork(ctx, w)
	if err != nil {
		return nil, err
	}

	edges, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeTaggedWith, From: &h})
	if err != nil {
		return nil, err
	}
	var curated []string
	tagged := map[string]bool{}
	for _, e := range edges {
		tagged[strings.ToLower(e.To.Key)] = true
		if e.Props.Str("source") != "ai_inferred" {
			curated = append(curated, e.To.Key)
		}
	}

	var tags []common.EraTag
	suggested := make([]review.SuggestedTag, 0, len(n.EraTags))
	for _, e := range n.EraTags {
		suggested = append(suggested, review.SuggestedTag{Name: e.Name, Confidence: e.Confidence})
		if len(curated) == 0 && e.Confidence >= review.AcceptThreshold && !tagged[strings.ToLower(e.Name)] {
			tags = append(tags, common.EraTag{Name: e.Name, Confidence: e.Confidence, Source: "ai_inferred"})
		}
	}

	prov := common.Provenance{Timestamp: opts.Now().UTC(), Context: common.ContextAPI, Method: common.MethodWikidataEnriched}
	err = s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		if w.Description == "" && n.Summary != "" {
			if _, err := tx.UpdateNode(ctx, h, store.Props{"description": n.Summary}); err != nil {
				return err
			}
			res.Description = true
		}
		if err := writeEraTags(ctx, tx, h, tags, prov, opts.AgentID); err != nil {
			return err
		}
		for _, t := range tags {
			res.Tagged = append(res.Tagged, t.Name)
		}
		if len(curated) > 0 && len(suggested) > 0 && q != nil {
			fl, created, err := q.On(tx).EnqueueEra(ctx, w.MediaID, suggested, curated)
			switch {
			case errors.Is(err, review.ErrNothingToEnqueue):
			case err != nil:
				return fmt.Errorf("flag %s: %w", w.MediaID, err)
			default:
				res.Flag = &FlagRef{Kind: fl.Kind, FlagID: fl.FlagID, Subject: w.MediaID, Reason: "era override", Created: created}
			}
		}
		if opts.DryRun {
			return errDryRunRollback
		}
		return nil
	})
	if errors.Is(err, errDryRunRollback) {
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("enrich %s: %w", qid, err)
	}

	logger.Info("[Enrich] Work enriched", "media_id", res.MediaID, "qid", qid, "tagged", len(res.Tagged), "flagged", res.Flag != nil, "dry_run", opts.DryRun)
	return res, nil
}
