package provenance

import (
	"context"
	"fmt"
	"time"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

const defaultBackfillChunk = 500

// BackfillOptions controls a backfill run. DryRun only counts.
type BackfillOptions struct {
	Config    *Config
	DryRun    bool
	ChunkSize int
	Now       func() time.Time
}

// BackfillReport summarises a backfill.
type BackfillReport struct {
	DryRun  bool           `json:"dry_run"`
	Missing int            `json:"missing"`
	Linked  int            `json:"linked"`
	ByAgent map[string]int `json:"by_agent"`
	ByKind  map[string]int `json:"by_kind"`
}

// Backfill attributes every core node lacking a CREATED_BY edge to the agent
// its ingestion markers map to. Writes happen in chunks of one transaction
// each.
func Backfill(ctx context.Context, s store.GraphStorage, opts BackfillOptions) (*BackfillReport, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = defaultBackfillChunk
	}

	nodes, err := Missing(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("find nodes without provenance: %w", err)
	}
	report := &BackfillReport{
		DryRun:  opts.DryRun,
		Missing: len(nodes),
		ByAgent: map[string]int{},
		ByKind:  map[string]int{},
	}
	agents := make([]string, len(nodes))
	for i, n := range nodes {
		agents[i] = cfg.AgentFor(n.Props.Str("ingestion_source"), n.Props.Str("ingestion_batch"))
		report.ByAgent[agents[i]]++
		report.ByKind[string(n.Kind)]++
	}
	logger.Info("[Provenance] Backfill planned", "missing", len(nodes), "agents", len(report.ByAgent), "dry_run", opts.DryRun)
	if opts.DryRun || len(nodes) == 0 {
		return report, nil
	}

	if err := EnsureAgents(ctx, s, cfg.Agents); err != nil {
		return report, err
	}
	err = store.ChunkRange(len(nodes), chunk, func(start, end int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		linked := 0
		err := s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
			linked = 0
			for i := start; i < end; i++ {
				p := common.Provenance{
					Timestamp: now(),
					Context:   common.ContextMigration,
					Method:    common.MethodUnknown,
					BatchID:   nodes[i].Props.Str("ingestion_batch"),
				}
				ok, err := RecordCreation(ctx, tx, nodes[i].Handle, agents[i], p)
				if err != nil {
					return err
				}
				if ok {
					linked++
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("backfill chunk %d-%d: %w", start, end, err)
		}
		report.Linked += linked
		logger.Debug("[Provenance] Backfill chunk committed", "start", start, "end", end, "linked", linked)
		return nil
	})
	if err != nil {
		return report, err
	}
	logger.Info("[Provenance] Backfill finished", "linked", report.Linked)
	return report, nil
}
