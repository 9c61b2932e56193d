package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// Legacy MediaWork property names and their replacements.
var fieldRenames = []struct{ from, to string }{
	{"year", "release_year"},
	{"type", "media_type"},
}

const (
	migratedFieldsProp = "migrated_fields"
	migratedFromProp   = "migrated_from"
)

// FieldMigrationOptions configures MigrateFields.
type FieldMigrationOptions struct {
	Rollback bool
	DryRun   bool
	Now      func() time.Time
}

// FieldMigrationReport counts what MigrateFields changed or would change.
type FieldMigrationReport struct {
	Rollback bool           `json:"rollback"`
	DryRun   bool           `json:"dry_run"`
	Fields   map[string]int `json:"fields"`
	Edges    int            `json:"edges"`
	// Collapsed counts PORTRAYED_IN edges dropped because the same
	// APPEARS_IN edge already existed. They cannot be rolled back.
	Collapsed int      `json:"collapsed"`
	Skipped   []string `json:"skipped,omitempty"`
}

// MigrateFields renames the legacy MediaWork properties year and type to
// release_year and media_type and rewrites PORTRAYED_IN edges as
// APPEARS_IN. Every change is marked so Rollback can undo exactly what an
// earlier run did. The whole run is one transaction.
func MigrateFields(ctx context.Context, s store.GraphStorage, opts FieldMigrationOptions) (*FieldMigrationReport, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rep := &FieldMigrationReport{Rollback: opts.Rollback, DryRun: opts.DryRun, Fields: map[string]int{}}

	err := s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		var err error
		if opts.Rollback {
			err = rollbackFields(ctx, tx, rep)
		} else {
			err = migrateFields(ctx, tx, rep, opts.Now())
		}
		if err != nil {
			return err
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
		return nil, err
	}
	logger.Info("[Migrate] Field migration finished", "rollback", rep.Rollback, "dry_run", rep.DryRun, "fields", rep.Fields, "edges", rep.Edges, "collapsed", rep.Collapsed)
	return rep, nil
}

func legacyYear(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), x == float64(int64(x))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func migrateFields(ctx context.Context, tx store.GraphStorage, rep *FieldMigrationReport, now time.Time) error {
	works, err := tx.FindNodes(ctx, store.KindMedia, nil)
	if err != nil {
		return err
	}
	for _, w := range works {
		update := store.Props{}
		moved := w.Props.Strings(migratedFieldsProp)
		for _, r := range fieldRenames {
			v, ok := w.Props[r.from]
			if !ok || v == nil {
				continue
			}
			if cur, ok := w.Props[r.to]; ok && cur != nil {
				rep.Skipped = append(rep.Skipped, fmt.Sprintf("%s: %s and %s both set", w.Key, r.from, r.to))
				continue
			}
			if r.to == "release_year" {
				year, ok := legacyYear(v)
				if !ok {
					rep.Skipped = append(rep.Skipped, fmt.Sprintf("%s: year %v is not a number", w.Key, v))
					continue
				}
				v = year
			}
			update[r.to] = v
			update[r.from] = nil
			moved = append(moved, r.from)
			rep.Fields[r.from]++
		}
		if len(update) == 0 {
			continue
		}
		update[migratedFieldsProp] = moved
		if _, err := tx.UpdateNode(ctx, w.Handle, update); err != nil {
			return fmt.Errorf("migrate %s: %w", w.Key, err)
		}
	}

	legacy, err := tx.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgePortrayedIn})
	if err != nil {
		return err
	}
	for _, e := range legacy {
		existing, err := tx.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeAppearsIn, From: &e.From, To: &e.To})
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			props := e.Props.Clone()
			store.FillMissing(props, common.Provenance{
				Timestamp: now,
				Context:   common.ContextMigration,
				Method:    common.MethodUnknown,
			}.Properties())
			props[migratedFromProp] = string(store.EdgePortrayedIn)
			if _, err := tx.UpsertEdge(ctx, store.EdgeAppearsIn, e.From, e.To, props, true); err != nil {
				return fmt.Errorf("migrate edge %s -> %s: %w", e.From, e.To, err)
			}
			rep.Edges++
		} else {
			rep.Collapsed++
		}
		if _, err := tx.DeleteEdge(ctx, store.EdgePortrayedIn, e.From, e.To); err != nil {
			return err
		}
	}
	return nil
}

func rollbackFields(ctx context.Context, tx store.GraphStorage, rep *FieldMigrationReport) error {
	works, err := tx.FindNodes(ctx, store.KindMedia, nil)
	if err != nil {
		return err
	}
	for _, w := range works {
		moved := w.Props.Strings(migratedFieldsProp)
		if len(moved) == 0 {
			continue
		}
		update := store.Props{migratedFieldsProp: nil}
		for _, r := range fieldRenames {
			if !slices.Contains(moved, r.from) {
				continue
			}
			update[r.from] = w.Props[r.to]
			update[r.to] = nil
			rep.Fields[r.from]++
		}
		if _, err := tx.UpdateNode(ctx, w.Handle, update); err != nil {
			return fmt.Errorf("rollback %s: %w", w.Key, err)
		}
	}

	edges, err := tx.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeAppearsIn})
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.Props.Str(migratedFromProp) != string(store.EdgePortrayedIn) {
			continue
		}
		props := e.Props.Clone()
		delete(props, migratedFromProp)
		if _, err := tx.UpsertEdge(ctx, store.EdgePortrayedIn, e.From, e.To, props, true); err != nil {
			return err
		}
		if _, err := tx.DeleteEdge(ctx, store.EdgeAppearsIn, e.From, e.To); err != nil {
			return err
		}
		rep.Edges++
	}
	return nil
}
