package queue

import (
	"encoding/json"
	"fmt"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
)

// IngestMsg asks the worker to ingest one batch. The batch is either
// inline or stored in the object store under ObjectKey.
type IngestMsg struct {
	BatchID   string                   `json:"batch_id,omitempty"`
	ObjectKey string                   `json:"object_key,omitempty"`
	Batch     *common.Batch            `json:"batch,omitempty"`
	AgentID   string                   `json:"agent_id,omitempty"`
	Context   common.ProvenanceContext `json:"context,omitempty"`
	// Execute writes the batch; the default is a dry run.
	Execute        bool `json:"execute"`
	ExecuteMerges  bool `json:"execute_merges"`
	Strict         bool `json:"strict"`
	SkipEnrichment bool `json:"skip_enrichment"`
}

// EnrichMsg asks the worker to run narrative enrichment for a stored work.
type EnrichMsg struct {
	WikidataID string `json:"wikidata_id"`
	Execute    bool   `json:"execute"`
}

// BatchEvent is published on EventsExchange once a batch finished.
type BatchEvent struct {
	BatchID string             `json:"batch_id"`
	Source  string             `json:"source"`
	DryRun  bool               `json:"dry_run"`
	Aborted bool               `json:"aborted"`
	Error   string             `json:"error,omitempty"`
	Summary graph.BatchSummary `json:"summary"`
	Reports []string           `json:"reports,omitempty"`
}

// Event topics.
const (
	TopicBatchFinished = "batch.finished"
	TopicWorkEnriched  = "work.enriched"
)

func decodeIngest(body []byte) (*IngestMsg, error) {
	msg := &IngestMsg{}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, permanent(fmt.Errorf("decode ingest message: %w", err))
	}
	switch {
	case msg.Batch == nil && msg.ObjectKey == "":
		return nil, permanent(&common.ValidationError{Messages: []string{"ingest message needs batch or object_key"}})
	case msg.Batch != nil && msg.ObjectKey != "":
		return nil, permanent(&common.ValidationError{Messages: []string{"ingest message carries both batch and object_key"}})
	}
	return msg, nil
}

func decodeEnrich(body []byte) (*EnrichMsg, error) {
	msg := &EnrichMsg{}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, permanent(fmt.Errorf("decode enrich message: %w", err))
	}
	msg.WikidataID = util.NormalizeQID(msg.WikidataID)
	if err := identity.ValidateWikidataQID(msg.WikidataID); err != nil {
		return nil, permanent(err)
	}
	return msg, nil
}
