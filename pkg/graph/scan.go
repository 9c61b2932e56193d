package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// ScanResult is the outcome of a whole-graph duplicate scan.
type ScanResult struct {
	Figures   int                `json:"figures"`
	Clusters  []DuplicateCluster `json:"clusters"`
	Proposals []MergeProposal    `json:"proposals"`
	Review    []ReviewCandidate  `json:"review,omitempty"`
	Merges    []MergeLogEntry    `json:"merges,omitempty"`
	Flags     []FlagRef          `json:"flags,omitempty"`
}

// ScanDuplicates clusters every HistoricalFigure in s and returns the merge
// proposals. Nothing is written.
func ScanDuplicates(ctx context.Context, s store.GraphStorage, r *Resolver) (*ScanResult, error) {
	ix, err := LoadFigureIndex(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("load figures: %w", err)
	}
	figures := ix.All()
	clusters, rc, err := r.FindClusters(ctx, figures)
	if err != nil {
		return nil, err
	}
	res := &ScanResult{
		Figures:   len(figures),
		Clusters:  clusters,
		Proposals: Proposals(clusters),
		Review:    rc,
	}
	logger.Info("[Dedupe] Scan finished", "figures", res.Figures, "clusters", len(clusters), "proposals", len(res.Proposals), "review", len(rc))
	return res, nil
}

// Apply executes the proposals of a scan through m and, unless dryRun is
// set, files every review candidate as a birth-year flag. Failed merges are
// logged and do not stop the rest.
func (res *ScanResult) Apply(ctx context.Context, m *Merger, q *review.Queue, dryRun bool) error {
	entries, mergeErr := m.ExecuteAll(ctx, res.Proposals, dryRun)
	res.Merges = entries
	if common.IsStoreUnavailable(mergeErr) {
		return mergeErr
	}
	if dryRun || q == nil {
		return mergeErr
	}
	for _, rc := range res.Review {
		f, created, err := q.EnqueueFigure(ctx, review.FigureFlag{
			CanonicalID: rc.B.CanonicalID,
			Name:        rc.B.Name,
			Reason:      review.ReasonBirthYearGuard,
			Detail:      rc.Reason,
			Candidates:  []review.FigureCandidate{{ID: rc.A.CanonicalID, Label: rc.A.Name}},
		})
		if errors.Is(err, review.ErrNothingToEnqueue) {
			continue
		}
		if err != nil {
			return err
		}
		res.Flags = append(res.Flags, FlagRef{Kind: store.KindFlaggedFigure, FlagID: f.FlagID, Subject: rc.B.CanonicalID, Reason: review.ReasonBirthYearGuard, Created: created})
	}
	return mergeErr
}
