package review

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// Reasons recorded on figure flags.
const (
	ReasonNoMatches        = "no matches"
	ReasonMultipleMatches  = "multiple matches"
	ReasonBirthYearGuard   = "birth year mismatch"
	ReasonTitleCollision   = "title collision"
	ReasonLowConfidence    = "low confidence"
	ReasonMergeConflict    = "merge conflict"
	ReasonEnrichmentFailed = "enrichment failed"
)

// FigureCandidate is one possible identity of a flagged figure.
type FigureCandidate struct {
	ID    string
	Label string
}

func (c FigureCandidate) String() string {
	return c.ID + ":" + c.Label
}

// FigureFlag asks a curator to pick the identity of a figure.
type FigureFlag struct {
	CanonicalID string
	Name        string
	Reason      string
	Detail      string
	Candidates  []FigureCandidate
}

func (f FigureFlag) dedupeKey() string {
	ids := make([]string, 0, len(f.Candidates))
	for _, c := range f.Candidates {
		ids = append(ids, c.ID)
	}
	return "figure|" + f.CanonicalID + "|" + f.Reason + "|" + sortedJoin(ids...)
}

// EnqueueFigure records an ambiguous or unresolved figure.
func (q *Queue) EnqueueFigure(ctx context.Context, f FigureFlag) (*Flag, bool, error) {
	if f.CanonicalID == "" {
		return nil, false, ErrNothingToEnqueue
	}
	cands := make([]string, 0, len(f.Candidates))
	for _, c := range f.Candidates {
		cands = append(cands, c.String())
	}
	props := store.Props{
		"canonical_id": f.CanonicalID,
		"name":         f.Name,
		"reason":       f.Reason,
		"candidates":   cands,
	}
	if f.Detail != "" {
		props["detail"] = f.Detail
	}
	return q.enqueue(ctx, store.KindFlaggedFigure, f.dedupeKey(), props)
}

// MediaFlag reports two works that share a title but not a Q-ID.
type MediaFlag struct {
	MediaID      string
	OtherMediaID string
	Title        string
	Reason       string
}

func (q *Queue) EnqueueMedia(ctx context.Context, m MediaFlag) (*Flag, bool, error) {
	if m.MediaID == "" || m.OtherMediaID == "" {
		return nil, false, ErrNothingToEnqueue
	}
	reason := m.Reason
	if reason == "" {
		reason = ReasonTitleCollision
	}
	return q.enqueue(ctx, store.KindFlaggedMedia, "media|"+sortedJoin(m.MediaID, m.OtherMediaID), store.Props{
		"media_id":       m.MediaID,
		"other_media_id": m.OtherMediaID,
		"title":          m.Title,
		"reason":         reason,
	})
}

// LocationFlag reports two location candidates that may be the same place.
type LocationFlag struct {
	Candidate1ID string
	Candidate2ID string
	Similarity   float64
	QIDMatch     bool
	CoordMatch   bool
}

func (q *Queue) EnqueueLocation(ctx context.Context, l LocationFlag) (*Flag, bool, error) {
	if l.Candidate1ID == "" || l.Candidate2ID == "" || l.Candidate1ID == l.Candidate2ID {
		return nil, false, ErrNothingToEnqueue
	}
	return q.enqueue(ctx, store.KindFlaggedLocation, "location|"+sortedJoin(l.Candidate1ID, l.Candidate2ID), store.Props{
		"candidate1_id": l.Candidate1ID,
		"candidate2_id": l.Candidate2ID,
		"similarity":    l.Similarity,
		"q_id_match":    l.QIDMatch,
		"coord_match":   l.CoordMatch,
	})
}

// EnqueueEra records a curator override of suggested era tags. It returns
// ErrNothingToEnqueue when the selection matches the suggestion.
func (q *Queue) EnqueueEra(ctx context.Context, workID string, suggested []SuggestedTag, selected []string) (*Flag, bool, error) {
	ov, ok := EraOverride(suggested, selected)
	if workID == "" || !ok {
		return nil, false, ErrNothingToEnqueue
	}
	names := make([]string, 0, len(suggested))
	for _, s := range suggested {
		names = append(names, fmt.Sprintf("%s:%.2f", s.Name, s.Confidence))
	}
	sel := slices.Clone(selected)
	slices.Sort(sel)
	key := "era|" + workID + "|" + sortedJoin(names...) + "|" + strings.Join(sel, ",")
	return q.enqueue(ctx, store.KindFlaggedEra, key, store.Props{
		"work_id":            workID,
		"suggested_tags":     names,
		"user_selected_tags": sel,
		"override_type":      string(ov.Type),
		"confidence_delta":   ov.ConfidenceDelta,
	})
}
