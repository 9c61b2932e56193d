// Package provenance records who created each entity. Every core node gets
// exactly one CREATED_BY edge to an Agent node.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// AgentHandle addresses the Agent node with id.
func AgentHandle(id string) store.Handle {
	return store.NewHandle(store.KindAgent, id)
}

func agentProps(a common.Agent, now time.Time) (store.Props, error) {
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	props := store.Props{
		"agent_id":   a.AgentID,
		"name":       a.Name,
		"type":       string(a.Type),
		"created_at": created.UTC().Format(time.RFC3339Nano),
	}
	if a.Version != "" {
		props["version"] = a.Version
	}
	if len(a.Metadata) > 0 {
		raw, err := json.Marshal(a.Metadata)
		if err != nil {
			return nil, err
		}
		props["metadata"] = string(raw)
	}
	return props, nil
}

// EnsureAgents upserts the agents. Existing agents keep their properties.
func EnsureAgents(ctx context.Context, s store.GraphStorage, agents []common.Agent) error {
	now := time.Now()
	return s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		for _, a := range agents {
			props, err := agentProps(a, now)
			if err != nil {
				return fmt.Errorf("agent %s: %w", a.AgentID, err)
			}
			if _, err := tx.UpsertNode(ctx, store.KindAgent, "agent_id", props); err != nil {
				return fmt.Errorf("upsert agent %s: %w", a.AgentID, err)
			}
		}
		return nil
	})
}

// RecordCreation links h to the agent unless h already has a CREATED_BY
// edge, so the first attribution is kept. It reports whether an edge was
// written.
func RecordCreation(ctx context.Context, tx store.GraphStorage, h store.Handle, agentID string, p common.Provenance) (bool, error) {
	if agentID == "" {
		return false, errNoAgent
	}
	existing, err := tx.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeCreatedBy, From: &h})
	if err != nil {
		return false, fmt.Errorf("lookup provenance of %s: %w", h, err)
	}
	if len(existing) > 0 {
		return false, nil
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	created, err := tx.UpsertEdge(ctx, store.EdgeCreatedBy, h, AgentHandle(agentID), p.Properties(), true)
	if err != nil {
		return false, fmt.Errorf("record provenance of %s: %w", h, err)
	}
	return created, nil
}

// Missing returns core nodes without a CREATED_BY edge.
func Missing(ctx context.Context, s store.GraphStorage) ([]store.Node, error) {
	return s.FindNodesMissingEdge(ctx, store.CoreKinds, store.EdgeCreatedBy)
}

// Audit counts core nodes per number of CREATED_BY edges. A healthy graph
// only has the key 1.
func Audit(ctx context.Context, s store.GraphStorage) (map[int]int, error) {
	out := map[int]int{}
	for _, kind := range store.CoreKinds {
		nodes, err := s.FindNodes(ctx, kind, nil)
		if err != nil {
			return nil, err
		}
		for _, n := range nodes {
			h := n.Handle
			edges, err := s.FindEdges(ctx, store.EdgeFilter{Kind: store.EdgeCreatedBy, From: &h})
			if err != nil {
				return nil, err
			}
			out[len(edges)]++
		}
	}
	logger.Debug("[Provenance] Audit finished", "counts", out)
	return out, nil
}
