package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// MergeStatus is the outcome recorded in the merge log.
type MergeStatus string

const (
	MergeMerged MergeStatus = "MERGED"
	MergeDryRun MergeStatus = "DRY_RUN"
	MergeFailed MergeStatus = "FAILED"
)

// mergeNamespace seeds merge record ids so that merging the same pair twice
// yields the same MergeRecord.
var mergeNamespace = uuid.MustParse("6f1c7a2e-3b54-4c1e-9a57-2d0c4f3e8b11")

// MergeLogEntry describes one executed, simulated or failed merge.
type MergeLogEntry struct {
	Type        store.Kind  `json:"type"`
	PrimaryID   string      `json:"primary_id"`
	DuplicateID string      `json:"duplicate_id"`
	QID         string      `json:"qid,omitempty"`
	Status      MergeStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	Rationale   string      `json:"rationale,omitempty"`
	Score       float64     `json:"score,omitempty"`
	MergeID     string      `json:"merge_id,omitempty"`
	EdgesMoved  int         `json:"edges_moved"`
	Filled      []string    `json:"filled,omitempty"`
	At          time.Time   `json:"at"`
}

// MergeLog collects entries in execution order. It is safe for concurrent
// appends.
type MergeLog struct {
	mu      sync.Mutex
	entries []MergeLogEntry
}

func (l *MergeLog) Append(e MergeLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

func (l *MergeLog) Entries() []MergeLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.entries)
}

// Counts returns the number of entries per status.
func (l *MergeLog) Counts() map[MergeStatus]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := map[MergeStatus]int{}
	for _, e := range l.entries {
		out[e.Status]++
	}
	return out
}

// Merger executes merge proposals, one transaction per proposal.
type Merger struct {
	store   store.GraphStorage
	agentID string
	now     func() time.Time
	log     *MergeLog
}

type NewMergerParams struct {
	Store   store.GraphStorage
	AgentID string
	Now     func() time.Time
	Log     *MergeLog
}

func NewMerger(params NewMergerParams) *Merger {
	m := &Merger{store: params.Store, agentID: params.AgentID, now: params.Now, log: params.Log}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = &MergeLog{}
	}
	if m.agentID == "" {
		m.agentID = common.GenericAgentID
	}
	return m
}

func (m *Merger) Log() *MergeLog { return m.log }

// MergeID is the deterministic id of the MergeRecord for a proposal.
func MergeID(p MergeProposal) string {
	return uuid.NewSHA1(mergeNamespace, []byte(string(p.Kind)+"|"+p.Primary+"|"+p.Duplicate)).String()
}

// Execute folds the duplicate into the primary. Every edge of the duplicate
// moves to the primary unless the primary already has that edge, null
// properties of the primary are filled from the duplicate, the duplicate is
// deleted and a MergeRecord is linked from the primary through MERGED_FROM.
//
// A dry run only logs the proposal and does not touch the store.
func (m *Merger) Execute(ctx context.Context, p MergeProposal, dryRun bool) (MergeLogEntry, error) {
	entry := MergeLogEntry{
		Type:        p.Kind,
		PrimaryID:   p.Primary,
		DuplicateID: p.Duplicate,
		QID:         p.QID,
		Rationale:   p.Rationale,
		Score:       p.Score,
		MergeID:     MergeID(p),
		At:          m.now().UTC(),
	}
	if dryRun {
		entry.Status = MergeDryRun
		m.log.Append(entry)
		logger.Info("[Merge] Dry run", "kind", p.Kind, "primary", p.Primary, "duplicate", p.Duplicate, "reason", p.Rationale)
		return entry, nil
	}

	err := m.store.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		moved, filled, err := m.merge(ctx, tx, p, entry)
		entry.EdgesMoved, entry.Filled = moved, filled
		return err
	})
	if err != nil {
		entry.Status = MergeFailed
		entry.Error = err.Error()
		entry.EdgesMoved, entry.Filled = 0, nil
		m.log.Append(entry)
		logger.Warn("[Merge] Merge failed", "kind", p.Kind, "primary", p.Primary, "duplicate", p.Duplicate, "err", err)
		return entry, err
	}
	entry.Status = MergeMerged
	m.log.Append(entry)
	logger.Info("[Merge] Merged", "kind", p.Kind, "primary", p.Primary, "duplicate", p.Duplicate, "edges", entry.EdgesMoved)
	return entry, nil
}

func (m *Merger) merge(ctx context.Context, tx store.GraphStorage, p MergeProposal, entry MergeLogEntry) (int, []string, error) {
	switch p.Kind {
	case store.KindFigure, store.KindMedia, store.KindCharacter:
	default:
		return 0, nil, &common.MergeConflictError{PrimaryID: p.Primary, DuplicateID: p.Duplicate, Reason: fmt.Sprintf("%s nodes cannot be merged", p.Kind)}
	}
	if p.Primary == p.Duplicate {
		return 0, nil, &common.MergeConflictError{PrimaryID: p.Primary, DuplicateID: p.Duplicate, Reason: "primary and duplicate are the same node"}
	}

	primary, err := tx.GetNode(ctx, store.NewHandle(p.Kind, p.Primary))
	if err != nil {
		return 0, nil, fmt.Errorf("primary: %w", err)
	}
	dup, err := tx.GetNode(ctx, store.NewHandle(p.Kind, p.Duplicate))
	if err != nil {
		return 0, nil, fmt.Errorf("duplicate: %w", err)
	}
	if err := checkMergeable(p, primary, dup); err != nil {
		return 0, nil, err
	}

	kinds := slices.DeleteFunc(store.EdgeKinds(), func(k store.EdgeKind) bool { return k == store.EdgeCreatedBy })
	moved, err := tx.RedirectEdges(ctx, dup.Handle, primary.Handle, kinds)
	if err != nil {
		return 0, nil, fmt.Errorf("redirect edges: %w", err)
	}
	// The primary keeps its own attribution; the duplicate's only moves
	// over when the primary has none.
	ph := primary.Handle
	own, err := tx.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeCreatedBy, From: &ph})
	if err != nil {
		return 0, nil, fmt.Errorf("lookup provenance: %w", err)
	}
	if len(own) == 0 {
		n, err := tx.RedirectEdges(ctx, dup.Handle, primary.Handle, []store.EdgeKind{store.EdgeCreatedBy})
		if err != nil {
			return 0, nil, fmt.Errorf("redirect provenance: %w", err)
		}
		moved += n
	}

	fill := dup.Props.Clone()
	delete(fill, primary.KeyProp)
	if p.Kind == store.KindFigure && identity.IsProvisional(dup.Key) {
		if _, ok := fill["provisional_id"]; !ok {
			fill["provisional_id"] = dup.Key
		}
	}
	merged := primary.Props.Clone()
	filled := store.FillMissing(merged, fill)
	if err := tx.DeleteNode(ctx, dup.Handle); err != nil {
		return 0, nil, fmt.Errorf("delete duplicate: %w", err)
	}
	// Filling after the delete keeps unique values from colliding with the
	// duplicate that still held them.
	if len(filled) > 0 {
		update := store.Props{}
		for _, k := range filled {
			update[k] = merged[k]
		}
		if _, err := tx.UpdateNode(ctx, primary.Handle, update); err != nil {
			return 0, nil, fmt.Errorf("fill properties: %w", err)
		}
	}

	record := store.Props{
		"merge_id":     entry.MergeID,
		"kind":         string(p.Kind),
		"primary_id":   p.Primary,
		"duplicate_id": p.Duplicate,
		"rationale":    p.Rationale,
		"score":        p.Score,
		"match":        string(p.Match),
		"merged_at":    entry.At.Format(time.RFC3339Nano),
		"merged_by":    m.agentID,
		"edges_moved":  int64(moved),
	}
	if p.QID != "" {
		record["qid"] = p.QID
	}
	if len(filled) > 0 {
		record["filled"] = filled
	}
	rh, err := tx.UpsertNode(ctx, store.KindMergeRecord, "merge_id", record)
	if err != nil {
		return 0, nil, fmt.Errorf("write merge record: %w", err)
	}
	prov := common.Provenance{Timestamp: entry.At, Context: common.ContextMigration, Method: common.MethodUnknown}.Properties()
	if _, err := tx.UpsertEdge(ctx, store.EdgeMergedFrom, primary.Handle, rh, prov, true); err != nil {
		return 0, nil, fmt.Errorf("link merge record: %w", err)
	}
	return moved, filled, nil
}

func checkMergeable(p MergeProposal, primary, dup *store.Node) error {
	conflict := func(reason string, args ...any) error {
		return &common.MergeConflictError{PrimaryID: p.Primary, DuplicateID: p.Duplicate, Reason: fmt.Sprintf(reason, args...)}
	}
	switch p.Kind {
	case store.KindFigure:
		pf, df := figureFromNode(*primary), figureFromNode(*dup)
		if conflictingQIDs(pf, df) {
			return conflict("different Wikidata ids %s and %s", realQID(pf), realQID(df))
		}
		if realQID(pf) == "" && identity.IsQID(df.CanonicalID) {
			return conflict("duplicate carries the Q-ID %s, promote the primary instead", df.CanonicalID)
		}
	case store.KindMedia:
		pq, dq := primary.Props.Str("wikidata_id"), dup.Props.Str("wikidata_id")
		if pq != "" && dq != "" && pq != dq {
			return conflict("different Wikidata ids %s and %s", pq, dq)
		}
	case store.KindCharacter:
		pm, dm := primary.Props.Str("media_id"), dup.Props.Str("media_id")
		if pm != "" && dm != "" && pm != dm {
			return conflict("characters belong to different works %s and %s", pm, dm)
		}
	}
	return nil
}

// ExecuteAll runs each proposal in order and keeps going after failures.
// It returns the entries and the first error.
func (m *Merger) ExecuteAll(ctx context.Context, proposals []MergeProposal, dryRun bool) ([]MergeLogEntry, error) {
	var first error
	out := make([]MergeLogEntry, 0, len(proposals))
	for _, p := range proposals {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		e, err := m.Execute(ctx, p, dryRun)
		out = append(out, e)
		if err != nil && first == nil {
			first = err
		}
		if common.IsStoreUnavailable(err) {
			return out, err
		}
	}
	return out, first
}

// IsMergeConflict reports whether err is a *common.MergeConflictError.
func IsMergeConflict(err error) bool {
	var mc *common.MergeConflictError
	return errors.As(err, &mc)
}
