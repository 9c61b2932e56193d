package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/ai"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/validate"
	"github.com/gcquraishi/chronosgraph/pkg/wikidata"
)

// State is the position of a record in the ingestion state machine.
type State string

const (
	StateReceived    State = "received"
	StateValidated   State = "validated"
	StateEnriched    State = "enriched"
	StateResolved    State = "resolved"
	StateUpserted    State = "upserted"
	StateProvenanced State = "provenanced"
	StateCommitted   State = "committed"

	StateRejected State = "rejected"
	StateDeferred State = "deferred"
	StateErrored  State = "errored"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateDeferred, StateErrored:
		return true
	}
	return false
}

// IngestionContext carries everything one batch run needs. Store and Agent
// are required; a nil Identity skips enrichment and the alias pass.
type IngestionContext struct {
	Store     store.GraphStorage
	Identity  wikidata.ExternalIdentityService
	Narrative ai.NarrativeEnrichmentService
	Agent     common.Agent
	BatchID   string
	Context   common.ProvenanceContext

	// DryRun runs the whole batch in a transaction that is rolled back.
	// Records still fail one by one, as they would in an execute run.
	DryRun bool
	// ExecuteMerges applies resolver proposals; otherwise they are only
	// logged with status DRY_RUN.
	ExecuteMerges bool
	// Strict aborts the batch on any validation problem instead of only
	// rejecting the affected records.
	Strict         bool
	SkipEnrichment bool

	FuzzyThreshold     float64
	BirthYearTolerance int
	AliasLanguages     []string
	CacheSize          int

	Now func() time.Time
}

// FlagRef points at a review-queue entry raised by a batch.
type FlagRef struct {
	Kind    store.Kind `json:"kind"`
	FlagID  string     `json:"flag_id"`
	Subject string     `json:"subject"`
	Reason  string     `json:"reason"`
	Created bool       `json:"created"`
}

// RecordResult is the final state of one batch record.
type RecordResult struct {
	Section  validate.Section `json:"section"`
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	State    State            `json:"state"`
	Error    string           `json:"error,omitempty"`
	Messages []string         `json:"messages,omitempty"`
	Flags    []string         `json:"flags,omitempty"`
}

// BatchSummary counts records by final state.
type BatchSummary struct {
	Total     int                 `json:"total"`
	ByState   map[State]int       `json:"by_state"`
	Merges    map[MergeStatus]int `json:"merges"`
	Flags     int                 `json:"flags"`
	NewFlags  int                 `json:"new_flags"`
	Proposals int                 `json:"proposals"`
}

// BatchResult is the output of a batch run.
type BatchResult struct {
	BatchID    string            `json:"batch_id"`
	Source     string            `json:"source"`
	Curator    string            `json:"curator"`
	DryRun     bool              `json:"dry_run"`
	Aborted    bool              `json:"aborted"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Records    []RecordResult    `json:"records"`
	Summary    BatchSummary      `json:"summary"`
	Proposals  []MergeProposal   `json:"proposals"`
	MergeLog   []MergeLogEntry   `json:"merge_log"`
	Flags      []FlagRef         `json:"flags"`
	Review     []ReviewCandidate `json:"review,omitempty"`
}

// Failed returns the records that ended Rejected or Errored.
func (r *BatchResult) Failed() []RecordResult {
	var out []RecordResult
	for _, rec := range r.Records {
		if rec.State == StateRejected || rec.State == StateErrored {
			out = append(out, rec)
		}
	}
	return out
}

func (r *BatchResult) summarize(log *MergeLog) {
	r.Summary = BatchSummary{
		Total:     len(r.Records),
		ByState:   map[State]int{},
		Merges:    log.Counts(),
		Flags:     len(r.Flags),
		Proposals: len(r.Proposals),
	}
	for _, rec := range r.Records {
		r.Summary.ByState[rec.State]++
	}
	for _, f := range r.Flags {
		if f.Created {
			r.Summary.NewFlags++
		}
	}
	r.MergeLog = log.Entries()
}

var errDryRunRollback = errors.New("dry run rollback")

// Ingest runs a batch through the state machine. Figures are processed
// first, then works, characters and interactions, each in input order and
// each record in its own transaction.
//
// Batch-level failures (metadata validation, strict validation, an
// unreachable store) abort before anything is written and are returned as
// errors. A store failure in the middle of a batch aborts the remaining
// records. Record-level failures only mark the record.
func Ingest(ctx context.Context, ic IngestionContext, batch *common.Batch) (*BatchResult, error) {
	if ic.Store == nil {
		return nil, errors.New("ingest: no store configured")
	}
	if ic.Now == nil {
		ic.Now = time.Now
	}
	if ic.Context == "" {
		ic.Context = common.ContextBulkIngestion
	}
	if ic.Agent.AgentID == "" {
		ic.Agent = common.Agent{AgentID: common.GenericAgentID, Name: "Web UI (unattributed)", Type: common.AgentHuman}
	}
	if ic.BatchID == "" {
		id, err := util.NewBatchID("batch")
		if err != nil {
			return nil, err
		}
		ic.BatchID = id
	}
	if ic.Identity != nil {
		if _, cached := ic.Identity.(*wikidata.CachedService); !cached {
			c, err := wikidata.NewCachedService(ic.Identity, cmp.Or(ic.CacheSize, wikidata.DefaultCacheSize))
			if err != nil {
				return nil, err
			}
			ic.Identity = c
		}
	}

	res := &BatchResult{
		BatchID:   ic.BatchID,
		Source:    batch.Metadata.Source,
		Curator:   batch.Metadata.Curator,
		DryRun:    ic.DryRun,
		StartedAt: ic.Now().UTC(),
	}
	log := &MergeLog{}
	finish := func(err error) (*BatchResult, error) {
		res.FinishedAt = ic.Now().UTC()
		if err != nil {
			res.Aborted = true
			res.Error = err.Error()
		}
		res.summarize(log)
		logger.Info("[Ingest] Batch finished",
			"batch", res.BatchID,
			"records", res.Summary.Total,
			"committed", res.Summary.ByState[StateCommitted],
			"rejected", res.Summary.ByState[StateRejected],
			"deferred", res.Summary.ByState[StateDeferred],
			"errored", res.Summary.ByState[StateErrored],
			"dry_run", res.DryRun,
			"aborted", res.Aborted,
		)
		return res, err
	}

	logger.Info("[Ingest] Batch received", "batch", ic.BatchID, "source", batch.Metadata.Source, "records", batch.Size(), "dry_run", ic.DryRun)
	if err := ic.Store.Ping(ctx); err != nil {
		return finish(err)
	}

	report, err := validate.ValidateBatch(ctx, batch, ic.Store)
	if err != nil {
		return finish(err)
	}
	if err := report.BatchErr(); err != nil {
		return finish(err)
	}
	if ic.Strict && !report.OK() {
		return finish(report.Err())
	}

	if ic.DryRun {
		log, err = dryRun(ctx, ic, batch, report, res)
	} else {
		err = newProcessor(ic, ic.Store, batch, report, res, log).run(ctx)
	}
	return finish(err)
}

// dryRun runs the batch in one transaction that is always rolled back, so
// later records see the writes of earlier ones. On adapters without
// savepoints a failing record aborts that transaction; its result is then
// kept and the batch is replayed without it, which gives the same records
// as an execute run.
func dryRun(ctx context.Context, ic IngestionContext, batch *common.Batch, report *validate.Report, res *BatchResult) (*MergeLog, error) {
	settled := map[validate.RecordRef]RecordResult{}
	if ic.Narrative != nil {
		ic.Narrative = &narrativeMemo{inner: ic.Narrative, seen: map[string]narrativeAnswer{}}
	}
	for {
		res.Records, res.Proposals, res.Flags, res.Review = nil, nil, nil, nil
		log := &MergeLog{}
		var runErr error
		err := ic.Store.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
			p := newProcessor(ic, tx, batch, report, res, log)
			p.settled = settled
			if runErr = p.run(ctx); runErr != nil {
				return runErr
			}
			return errDryRunRollback
		})
		if errors.Is(runErr, store.ErrTxAborted) && len(res.Records) > 0 {
			last := res.Records[len(res.Records)-1]
			ref := validate.RecordRef{Section: last.Section, Index: last.Index}
			if _, ok := settled[ref]; !ok {
				settled[ref] = last
				logger.Debug("[Ingest] Replaying dry run without failed record", "batch", ic.BatchID, "ref", ref.String())
				continue
			}
		}
		if errors.Is(err, errDryRunRollback) {
			err = nil
		}
		return log, err
	}
}

type narrativeAnswer struct {
	n   *ai.Narrative
	err error
}

// narrativeMemo keeps model answers across dry-run replays.
type narrativeMemo struct {
	inner ai.NarrativeEnrichmentService
	seen  map[string]narrativeAnswer
}

func (m *narrativeMemo) EnrichWork(ctx context.Context, w common.MediaWork) (*ai.Narrative, error) {
	key := cmp.Or(w.WikidataID, w.MediaID, w.Title)
	if a, ok := m.seen[key]; ok {
		return a.n, a.err
	}
	n, err := m.inner.EnrichWork(ctx, w)
	m.seen[key] = narrativeAnswer{n: n, err: err}
	return n, err
}

// processor holds the state of one batch run.
type processor struct {
	ic        IngestionContext
	s         store.GraphStorage
	batch     *common.Batch
	report    *validate.Report
	res       *BatchResult
	resolver  *Resolver
	merger    *Merger
	queue     *review.Queue
	figures   *FigureIndex
	media     *MediaIndex
	chars     map[string]bool
	// mediaRefs maps batch media ids and Q-IDs to the stored media id.
	mediaRefs map[string]string
	// settled holds records of a replayed dry run that are not run again.
	settled map[validate.RecordRef]RecordResult
}

func newProcessor(ic IngestionContext, s store.GraphStorage, batch *common.Batch, report *validate.Report, res *BatchResult, log *MergeLog) *processor {
	return &processor{
		ic:     ic,
		s:      s,
		batch:  batch,
		report: report,
		res:    res,
		resolver: NewResolver(NewResolverParams{
			Identity:           ic.Identity,
			FuzzyThreshold:     ic.FuzzyThreshold,
			BirthYearTolerance: ic.BirthYearTolerance,
			AliasLanguages:     ic.AliasLanguages,
		}),
		merger:    NewMerger(NewMergerParams{Store: s, AgentID: ic.Agent.AgentID, Now: ic.Now, Log: log}),
		queue:     review.New(s).WithClock(ic.Now),
		chars:     map[string]bool{},
		mediaRefs: map[string]string{},
	}
}

func (p *processor) run(ctx context.Context) error {
	if err := provenance.EnsureAgents(ctx, p.s, []common.Agent{p.ic.Agent}); err != nil {
		return err
	}
	var err error
	if p.figures, err = LoadFigureIndex(ctx, p.s); err != nil {
		return err
	}
	if p.media, err = LoadMediaIndex(ctx, p.s); err != nil {
		return err
	}

	steps := []struct {
		section validate.Section
		n       int
		fn      func(ctx context.Context, i int) (RecordResult, error)
	}{
		{validate.SectionFigures, len(p.batch.Figures), p.figure},
		{validate.SectionWorks, len(p.batch.Works), p.work},
		{validate.SectionCharacters, len(p.batch.Characters), p.character},
		{validate.SectionInteractions, len(p.batch.Interactions), p.interaction},
	}
	for _, step := range steps {
		for i := range step.n {
			if err := ctx.Err(); err != nil {
				logger.Warn("[Ingest] Batch cancelled", "batch", p.ic.BatchID, "section", step.section, "index", i)
				return err
			}
			if rec, ok := p.settled[validate.RecordRef{Section: step.section, Index: i}]; ok {
				p.res.Records = append(p.res.Records, rec)
				continue
			}
			rec, err := step.fn(ctx, i)
			p.res.Records = append(p.res.Records, rec)
			logger.Debug("[Ingest] Record done", "ref", fmt.Sprintf("%s[%d]", rec.Section, rec.Index), "id", rec.ID, "state", rec.State)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// provenance returns the triple for an entity or edge written now.
func (p *processor) provenance(method common.ProvenanceMethod) common.Provenance {
	return common.Provenance{
		Timestamp: p.ic.Now().UTC(),
		Context:   p.ic.Context,
		Method:    method,
		BatchID:   p.ic.BatchID,
	}
}

func (p *processor) ingestionProps(props store.Props) store.Props {
	props["ingestion_source"] = p.batch.Metadata.Source
	props["ingestion_batch"] = p.ic.BatchID
	return props
}

// pendingFlag is a review-queue write deferred into a record transaction.
type pendingFlag struct {
	subject string
	reason  string
	enqueue func(ctx context.Context, q *review.Queue) (*review.Flag, bool, error)
}

func figureFlag(f review.FigureFlag) pendingFlag {
	return pendingFlag{subject: f.CanonicalID, reason: f.Reason, enqueue: func(ctx context.Context, q *review.Queue) (*review.Flag, bool, error) {
		return q.EnqueueFigure(ctx, f)
	}}
}

// writeFlags enqueues flags on tx. The refs are only published by
// publishFlags once the transaction commits.
func (p *processor) writeFlags(ctx context.Context, tx store.GraphStorage, flags []pendingFlag) ([]FlagRef, error) {
	q := p.queue.On(tx)
	refs := make([]FlagRef, 0, len(flags))
	for _, pf := range flags {
		fl, created, err := pf.enqueue(ctx, q)
		if errors.Is(err, review.ErrNothingToEnqueue) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", pf.subject, err)
		}
		refs = append(refs, FlagRef{Kind: fl.Kind, FlagID: fl.FlagID, Subject: pf.subject, Reason: pf.reason, Created: created})
	}
	return refs, nil
}

func (p *processor) publishFlags(rec *RecordResult, refs []FlagRef) {
	for _, ref := range refs {
		p.res.Flags = append(p.res.Flags, ref)
		rec.Flags = append(rec.Flags, ref.FlagID)
	}
}

// flagOnly writes flags in a transaction of their own.
func (p *processor) flagOnly(ctx context.Context, rec *RecordResult, flags []pendingFlag) error {
	var refs []FlagRef
	err := p.s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		var err error
		refs, err = p.writeFlags(ctx, tx, flags)
		return err
	})
	if err != nil {
		return err
	}
	p.publishFlags(rec, refs)
	return nil
}

// fail moves rec to a failure state. Store outages are returned so the
// batch stops; everything else stays scoped to the record.
func fail(rec *RecordResult, err error) (RecordResult, error) {
	var verr *common.ValidationError
	switch {
	case errors.As(err, &verr):
		rec.State = StateRejected
		rec.Messages = append(rec.Messages, verr.Messages...)
	default:
		rec.State = StateErrored
	}
	rec.Error = err.Error()
	logger.Warn("[Ingest] Record failed", "ref", fmt.Sprintf("%s[%d]", rec.Section, rec.Index), "id", rec.ID, "state", rec.State, "err", err)
	if haltsBatch(err) {
		return *rec, err
	}
	return *rec, nil
}

// haltsBatch reports whether err leaves the store unusable for the rest
// of the batch: an outage, or an enclosing transaction that was aborted.
func haltsBatch(err error) bool {
	return common.IsStoreUnavailable(err) || errors.Is(err, store.ErrTxAborted)
}

func (p *processor) rejected(rec *RecordResult) bool {
	ref := validate.RecordRef{Section: rec.Section, Index: rec.Index}
	issues := p.report.Rejected(ref)
	if len(issues) == 0 {
		rec.State = StateValidated
		return false
	}
	msgs := make([]string, 0, len(issues))
	for _, m := range issues {
		msgs = append(msgs, ref.String()+"."+m)
	}
	rec.State = StateRejected
	rec.Messages = msgs
	rec.Error = (&common.ValidationError{Messages: msgs}).Error()
	return true
}
