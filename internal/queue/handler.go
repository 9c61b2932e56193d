package queue

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gcquraishi/chronosgraph/internal/metrics"
	"github.com/gcquraishi/chronosgraph/internal/report"
	"github.com/gcquraishi/chronosgraph/internal/storage"
	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/graph"
	"github.com/gcquraishi/chronosgraph/pkg/leaselock"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/review"
)

// PermanentError marks a message that will never succeed. It goes straight
// to the dead-letter queue instead of being retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Handler processes messages of the ingest and enrichment queues.
type Handler struct {
	base          graph.IngestionContext
	agents        *provenance.Config
	narrative     ai.NarrativeEnrichmentService
	ai            ai.GraphAIClient
	enrichAgentID string
	objects       storage.ObjectStore
	locker        leaselock.Locker
	events        Channel
	reportDir     string

	routes map[string]func(ctx context.Context, body []byte) error
}

// NewHandlerParams configures a Handler. Base carries the store, identity
// service and resolver settings shared by every batch. AI, Objects, Events
// and ReportDir are optional.
type NewHandlerParams struct {
	Base          graph.IngestionContext
	AI            ai.GraphAIClient
	Agents        *provenance.Config
	EnrichAgentID string
	Objects       storage.ObjectStore
	Locker        leaselock.Locker
	Events        Channel
	ReportDir     string

	IngestQueue string
	EnrichQueue string
}

func NewHandler(params NewHandlerParams) *Handler {
	h := &Handler{
		base:          params.Base,
		agents:        cmp.Or(params.Agents, provenance.DefaultConfig()),
		narrative:     params.Base.Narrative,
		ai:            params.AI,
		enrichAgentID: cmp.Or(params.EnrichAgentID, provenance.NarrativeAgentID),
		objects:       params.Objects,
		locker:        params.Locker,
		events:        params.Events,
		reportDir:     params.ReportDir,
	}
	if h.locker == nil {
		h.locker = leaselock.Noop{}
	}
	h.routes = map[string]func(ctx context.Context, body []byte) error{
		params.IngestQueue: h.HandleIngest,
		params.EnrichQueue: h.HandleEnrich,
	}
	return h
}

// Handle dispatches body to the handler of queueName.
func (h *Handler) Handle(ctx context.Context, queueName string, body []byte) error {
	fn, ok := h.routes[queueName]
	if !ok || queueName == "" {
		return permanent(fmt.Errorf("no handler for queue %q", queueName))
	}
	return fn(ctx, body)
}

// HandleIngest runs one batch under the batch lease and stores its report.
// Batch-level validation failures are permanent; store outages and a busy
// lease are retried.
func (h *Handler) HandleIngest(ctx context.Context, body []byte) error {
	msg, err := decodeIngest(body)
	if err != nil {
		return err
	}
	batch, err := h.loadBatch(ctx, msg)
	if err != nil {
		return err
	}

	batchID := msg.BatchID
	if batchID == "" {
		if batchID, err = util.NewBatchID("batch"); err != nil {
			return err
		}
	}
	agentID := cmp.Or(msg.AgentID, h.agents.AgentFor(batch.Metadata.Source, batchID))
	agent := h.agents.Agent(agentID)
	if agent == nil {
		return permanent(&common.ValidationError{Messages: []string{fmt.Sprintf("unknown agent %q", agentID)}})
	}

	ic := h.base
	ic.BatchID = batchID
	ic.Agent = *agent
	ic.Context = cmp.Or(msg.Context, ic.Context, common.ContextBulkIngestion)
	ic.DryRun = !msg.Execute
	ic.ExecuteMerges = msg.ExecuteMerges
	ic.Strict = msg.Strict
	ic.SkipEnrichment = ic.SkipEnrichment || msg.SkipEnrichment

	var res *graph.BatchResult
	err = h.locker.WithLease(ctx, leaselock.BatchKey(batchID), leaselock.Options{}, func(ctx context.Context) error {
		var err error
		res, err = graph.Ingest(ctx, ic, batch)
		return err
	})
	metrics.ObserveBatch(res)
	if res != nil {
		refs := h.storeReport(ctx, res)
		h.publish(TopicBatchFinished, BatchEvent{
			BatchID: res.BatchID,
			Source:  res.Source,
			DryRun:  res.DryRun,
			Aborted: res.Aborted,
			Error:   res.Error,
			Summary: res.Summary,
			Reports: refs,
		})
	}

	var ve *common.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ve):
		return permanent(err)
	default:
		return fmt.Errorf("batch %s: %w", batchID, err)
	}
}

func (h *Handler) loadBatch(ctx context.Context, msg *IngestMsg) (*common.Batch, error) {
	if msg.Batch != nil {
		return msg.Batch, nil
	}
	if h.objects == nil {
		return nil, permanent(fmt.Errorf("batch %s is in the object store but none is configured", msg.ObjectKey))
	}
	data, err := h.objects.Get(ctx, msg.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("fetch batch %s: %w", msg.ObjectKey, err)
	}
	batch := &common.Batch{}
	if err := json.Unmarshal(data, batch); err != nil {
		return nil, permanent(fmt.Errorf("decode batch %s: %w", msg.ObjectKey, err))
	}
	return batch, nil
}

// storeReport writes the batch report locally and to the object store.
// Failures are logged only; the batch itself already finished.
func (h *Handler) storeReport(ctx context.Context, res *graph.BatchResult) []string {
	rep, err := report.Batch(res)
	if err != nil {
		logger.Error("[Queue] Failed to build batch report", "batch", res.BatchID, "err", err)
		return nil
	}
	refs, err := rep.Save(ctx, h.reportDir, h.objects)
	if err != nil {
		logger.Error("[Queue] Failed to store batch report", "batch", res.BatchID, "err", err)
	}
	return refs
}

func (h *Handler) publish(topic string, v any) {
	if h.events == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("[Queue] Failed to marshal event", "topic", topic, "err", err)
		return
	}
	if err := PublishTopic(h.events, topic, data); err != nil {
		logger.Warn("[Queue] Failed to publish event", "topic", topic, "err", err)
	}
}

// HandleEnrich runs narrative enrichment for a stored work. Rate limits
// and outages are retried through the retry queue; unknown works are not.
func (h *Handler) HandleEnrich(ctx context.Context, body []byte) error {
	msg, err := decodeEnrich(body)
	if err != nil {
		return err
	}
	if h.narrative == nil {
		return permanent(errors.New("narrative enrichment is not configured"))
	}

	s := h.base.Store
	res, err := graph.EnrichStoredWork(ctx, s, h.narrative, review.New(s), msg.WikidataID, graph.EnrichOptions{
		AgentID: h.enrichAgentID,
		DryRun:  !msg.Execute,
		Now:     h.base.Now,
	})
	metrics.ObserveEnrichment(err)

	var nf *common.NotFoundError
	switch {
	case errors.As(err, &nf):
		return permanent(err)
	case err != nil:
		return err
	}
	h.publish(TopicWorkEnriched, res)
	return nil
}

// reportUsage logs and exports the AI usage of the last message, then
// starts a new measurement.
func (h *Handler) reportUsage() {
	if h.ai == nil {
		return
	}
	m := h.ai.GetMetrics()
	h.ai.ResetMetrics()
	if m.Requests == 0 {
		return
	}
	metrics.ObserveAI(m)
	logger.Info("[Queue] AI metrics",
		"requests", m.Requests,
		"input_tokens", m.InputTokens,
		"output_tokens", m.OutputTokens,
		"total_tokens", m.TotalTokens,
		"duration", clock(time.Duration(m.DurationMs)*time.Millisecond),
	)
}

// clock formats d as hh:mm:ss.
func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
