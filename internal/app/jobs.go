package app

import (
	"context"
	"errors"

	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/review"
)

// ErrMergesFailed wraps the failures of a scan whose result is otherwise
// complete.
var ErrMergesFailed = errors.New("some merges failed")

// ScanDuplicates runs a whole-graph duplicate scan and applies it. Merge
// failures come back wrapped in ErrMergesFailed next to a usable result.
func (a *App) ScanDuplicates(ctx context.Context, dryRun bool) (*graph.ScanResult, error) {
	r, err := a.Resolver()
	if err != nil {
		return nil, err
	}
	res, err := graph.ScanDuplicates(ctx, a.Store, r)
	if err != nil {
		return nil, err
	}
	m := graph.NewMerger(graph.NewMergerParams{Store: a.Store, AgentID: a.Config.AgentID})
	if err := res.Apply(ctx, m, review.New(a.Store), dryRun); err != nil {
		return res, errors.Join(ErrMergesFailed, err)
	}
	return res, nil
}

// Audit counts CREATED_BY edges per core node and lists the nodes that
// have none.
func (a *App) Audit(ctx context.Context) (report.AuditResult, error) {
	counts, err := provenance.Audit(ctx, a.Store)
	if err != nil {
		return report.AuditResult{}, err
	}
	res := report.AuditResult{Counts: counts}
	if counts[0] > 0 {
		missing, err := provenance.Missing(ctx, a.Store)
		if err != nil {
			return res, err
		}
		for _, n := range missing {
			res.Missing = append(res.Missing, string(n.Kind)+":"+n.Key)
		}
	}
	return res, nil
}
