package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// PromotionAction says how a provisional figure was given its Q-ID.
type PromotionAction string

const (
	PromoteRekey PromotionAction = "rekey"
	PromoteMerge PromotionAction = "merge"
)

// PromotionResult reports one promotion.
type PromotionResult struct {
	ProvisionalID string          `json:"provisional_id"`
	QID           string          `json:"qid"`
	Action        PromotionAction `json:"action"`
	DryRun        bool            `json:"dry_run"`
	Merge         *MergeLogEntry  `json:"merge,omitempty"`
}

// Promote replaces the provisional id of a figure with a Q-ID. When no
// figure holds the Q-ID yet the node is re-keyed in place and keeps its
// edges; otherwise the provisional figure is merged into the existing one.
// The old id stays searchable through provisional_id.
func Promote(ctx context.Context, s store.GraphStorage, m *Merger, provisionalID, qid string, dryRun bool) (*PromotionResult, error) {
	if !identity.IsProvisional(provisionalID) {
		return nil, fmt.Errorf("promote %s: not a provisional id", provisionalID)
	}
	if err := identity.ValidateWikidataQID(qid); err != nil {
		return nil, err
	}
	res := &PromotionResult{ProvisionalID: provisionalID, QID: qid, DryRun: dryRun}

	prov, err := s.GetNode(ctx, store.NewHandle(store.KindFigure, provisionalID))
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", provisionalID, err)
	}
	if wq := prov.Props.Str("wikidata_id"); wq != "" && wq != qid {
		return nil, fmt.Errorf("promote %s: figure already carries wikidata_id %s", provisionalID, wq)
	}

	target, err := findFigureByQID(ctx, s, qid)
	if err != nil {
		return nil, err
	}
	if target != nil {
		res.Action = PromoteMerge
		entry, err := m.Execute(ctx, MergeProposal{
			Kind:      store.KindFigure,
			Primary:   target.Key,
			Duplicate: provisionalID,
			QID:       qid,
			Match:     MatchIdentity,
			Rationale: fmt.Sprintf("Promoted to existing %s", qid),
			Score:     1,
		}, dryRun)
		res.Merge = &entry
		return res, err
	}

	res.Action = PromoteRekey
	if dryRun {
		logger.Info("[Promote] Dry run", "from", provisionalID, "to", qid)
		return res, nil
	}
	_, err = s.UpdateNode(ctx, prov.Handle, store.Props{
		"canonical_id":   qid,
		"wikidata_id":    qid,
		"provisional_id": provisionalID,
	})
	if err != nil {
		return nil, fmt.Errorf("promote %s: %w", provisionalID, err)
	}
	logger.Info("[Promote] Re-keyed figure", "from", provisionalID, "to", qid)
	return res, nil
}

func findFigureByQID(ctx context.Context, s store.GraphStorage, qid string) (*store.Node, error) {
	n, err := s.GetNode(ctx, store.NewHandle(store.KindFigure, qid))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, store.ErrNodeNotFound) {
		return nil, err
	}
	nodes, err := s.FindNodes(ctx, store.KindFigure, store.Filter{"wikidata_id": qid})
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	for _, n := range nodes {
		if identity.IsQID(n.Key) {
			return &n, nil
		}
	}
	return nil, nil
}
