// Package review manages the review queue: flagged figures, works,
// locations and era overrides stored as first-class nodes next to the
// entities they concern.
package review

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// Status is the lifecycle state of a flag.
type Status string

const (
	StatusPending          Status = "pending_review"
	StatusMerged           Status = "merged"
	StatusKeptSeparate     Status = "kept_separate"
	StatusResolved         Status = "resolved"
	StatusAIAccepted       Status = "ai_accepted"
	StatusUserAccepted     Status = "user_accepted"
	StatusCustomResolution Status = "custom_resolution"
)

var terminalStates = map[store.Kind][]Status{
	store.KindFlaggedFigure:   {StatusMerged, StatusKeptSeparate, StatusResolved},
	store.KindFlaggedMedia:    {StatusMerged, StatusKeptSeparate},
	store.KindFlaggedLocation: {StatusMerged, StatusKeptSeparate},
	store.KindFlaggedEra:      {StatusAIAccepted, StatusUserAccepted, StatusCustomResolution},
}

var (
	ErrNotFlagKind      = errors.New("not a review queue kind")
	ErrInvalidStatus    = errors.New("invalid status for flag kind")
	ErrAlreadyResolved  = errors.New("flag already resolved")
	ErrMissingResolver  = errors.New("resolved_by is required")
	ErrNothingToEnqueue = errors.New("flag has no subject")
)

var shortKinds = map[string]store.Kind{
	"figure":   store.KindFlaggedFigure,
	"media":    store.KindFlaggedMedia,
	"location": store.KindFlaggedLocation,
	"era":      store.KindFlaggedEra,
}

// ParseKind accepts both the short form ("figure") and the node label.
func ParseKind(s string) (store.Kind, error) {
	if k, ok := shortKinds[strings.ToLower(strings.TrimSpace(s))]; ok {
		return k, nil
	}
	if _, ok := terminalStates[store.Kind(s)]; ok {
		return store.Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrNotFlagKind, s)
}

// TerminalStates returns the statuses a flag of kind may be resolved to.
func TerminalStates(kind store.Kind) []Status {
	return slices.Clone(terminalStates[kind])
}

// Flag is a review-queue entry as read back from the store.
type Flag struct {
	Kind       store.Kind  `json:"kind"`
	FlagID     string      `json:"flag_id"`
	Status     Status      `json:"status"`
	DedupeKey  string      `json:"dedupe_key"`
	FlaggedAt  time.Time   `json:"flagged_at"`
	ResolvedBy string      `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	Props      store.Props `json:"props"`
}

// Handle addresses the flag node.
func (f *Flag) Handle() store.Handle {
	return store.NewHandle(f.Kind, f.FlagID)
}

func flagFromNode(n store.Node) *Flag {
	f := &Flag{
		Kind:       n.Kind,
		FlagID:     n.Key,
		Status:     Status(n.Props.Str("status")),
		DedupeKey:  n.Props.Str("dedupe_key"),
		ResolvedBy: n.Props.Str("resolved_by"),
		Props:      n.Props,
	}
	f.FlaggedAt, _ = time.Parse(time.RFC3339Nano, n.Props.Str("flagged_at"))
	if at, err := time.Parse(time.RFC3339Nano, n.Props.Str("resolved_at")); err == nil {
		f.ResolvedAt = &at
	}
	return f
}

// Queue reads and writes flags through a GraphStorage. Build one on the
// transaction handle to make enqueueing part of a record's transaction.
type Queue struct {
	store store.GraphStorage
	now   func() time.Time
	newID func() string
}

func New(s store.GraphStorage) *Queue {
	return &Queue{
		store: s,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// WithClock overrides the timestamp source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	cp := *q
	cp.now = now
	return &cp
}

// On returns a queue that writes through s, sharing the clock.
func (q *Queue) On(s store.GraphStorage) *Queue {
	cp := *q
	cp.store = s
	return &cp
}

// enqueue writes a pending flag unless one with the same dedupe key exists.
// It returns the stored flag and whether it was newly created.
func (q *Queue) enqueue(ctx context.Context, kind store.Kind, dedupeKey string, props store.Props) (*Flag, bool, error) {
	existing, err := q.store.FindNodes(ctx, kind, store.Filter{"dedupe_key": dedupeKey})
	if err != nil {
		return nil, false, fmt.Errorf("lookup %s %q: %w", kind, dedupeKey, err)
	}
	if len(existing) > 0 {
		return flagFromNode(existing[0]), false, nil
	}

	props = props.Clone()
	props["flag_id"] = q.newID()
	props["dedupe_key"] = dedupeKey
	props["status"] = string(StatusPending)
	props["flagged_at"] = q.now().UTC().Format(time.RFC3339Nano)

	h, err := q.store.UpsertNode(ctx, kind, "flag_id", props)
	if err != nil {
		return nil, false, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	n, err := q.store.GetNode(ctx, h)
	if err != nil {
		return nil, false, err
	}
	logger.Debug("[Review] Flag enqueued", "kind", kind, "flag_id", h.Key, "dedupe_key", dedupeKey)
	return flagFromNode(*n), true, nil
}

// List returns flags of kind, optionally restricted to status, oldest
// first.
func (q *Queue) List(ctx context.Context, kind store.Kind, status Status) ([]*Flag, error) {
	if _, ok := terminalStates[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFlagKind, kind)
	}
	filter := store.Filter{}
	if status != "" {
		filter["status"] = string(status)
	}
	nodes, err := q.store.FindNodes(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	flags := make([]*Flag, 0, len(nodes))
	for _, n := range nodes {
		flags = append(flags, flagFromNode(n))
	}
	slices.SortStableFunc(flags, func(a, b *Flag) int {
		if c := a.FlaggedAt.Compare(b.FlaggedAt); c != 0 {
			return c
		}
		return strings.Compare(a.FlagID, b.FlagID)
	})
	return flags, nil
}

// ListAll returns the flags of every review kind.
func (q *Queue) ListAll(ctx context.Context, status Status) ([]*Flag, error) {
	var out []*Flag
	for _, kind := range store.FlagKinds {
		flags, err := q.List(ctx, kind, status)
		if err != nil {
			return nil, err
		}
		out = append(out, flags...)
	}
	return out, nil
}

func (q *Queue) Get(ctx context.Context, kind store.Kind, flagID string) (*Flag, error) {
	if _, ok := terminalStates[kind]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFlagKind, kind)
	}
	n, err := q.store.GetNode(ctx, store.NewHandle(kind, flagID))
	if err != nil {
		return nil, err
	}
	return flagFromNode(*n), nil
}

// Resolve moves a pending flag to a terminal status of its kind.
func (q *Queue) Resolve(ctx context.Context, kind store.Kind, flagID string, status Status, resolvedBy string) (*Flag, error) {
	allowed, ok := terminalStates[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFlagKind, kind)
	}
	if !slices.Contains(allowed, status) {
		return nil, fmt.Errorf("%w: %s cannot become %q", ErrInvalidStatus, kind, status)
	}
	if strings.TrimSpace(resolvedBy) == "" {
		return nil, ErrMissingResolver
	}

	var out *Flag
	err := q.store.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		n, err := tx.GetNode(ctx, store.NewHandle(kind, flagID))
		if err != nil {
			return err
		}
		if cur := Status(n.Props.Str("status")); cur != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, flagID, cur)
		}
		h, err := tx.UpdateNode(ctx, n.Handle, store.Props{
			"status":      string(status),
			"resolved_by": resolvedBy,
			"resolved_at": q.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return err
		}
		updated, err := tx.GetNode(ctx, h)
		if err != nil {
			return err
		}
		out = flagFromNode(*updated)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("[Review] Flag resolved", "kind", kind, "flag_id", flagID, "status", status, "resolved_by", resolvedBy)
	return out, nil
}

func sortedJoin(values ...string) string {
	vs := slices.Clone(values)
	slices.Sort(vs)
	return strings.Join(vs, ",")
}
