package graph

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/logger"
	"github.com/gcquraishi/chronosgraph/pkg/provenance"
	"github.com/gcquraishi/chronosgraph/pkg/review"
	"github.com/gcquraishi/chronosgraph/pkg/store"
	"github.com/gcquraishi/chronosgraph/pkg/validate"
)

// provenanceKeys are edge properties owned by the pipeline. User
// properties with these names are stored with an interaction_ prefix.
var provenanceKeys = map[string]bool{"timestamp": true, "context": true, "method": true, "batch_id": true}

func rejectf(rec *RecordResult, format string, args ...any) (RecordResult, error) {
	return fail(rec, &common.ValidationError{Messages: []string{fmt.Sprintf(format, args...)}})
}

func (p *processor) enrichmentEnabled() bool {
	return p.ic.Identity != nil && !p.ic.SkipEnrichment
}

// normalizeFigure derives canonical_id from wikidata_id and keys figures
// that carry a Q-ID on it, keeping a provisional id in provisional_id.
func normalizeFigure(f common.HistoricalFigure) common.HistoricalFigure {
	f.WikidataID = util.NormalizeQID(f.WikidataID)
	if identity.IsQID(util.NormalizeQID(f.CanonicalID)) {
		f.CanonicalID = util.NormalizeQID(f.CanonicalID)
	}
	if f.CanonicalID == "" {
		f.CanonicalID = f.WikidataID
	}
	if identity.IsQID(f.CanonicalID) && f.WikidataID == "" {
		f.WikidataID = f.CanonicalID
	}
	if identity.IsProvisional(f.CanonicalID) && identity.IsQID(f.WikidataID) {
		f.ProvisionalID = f.CanonicalID
		f.CanonicalID = f.WikidataID
	}
	return f
}

func (p *processor) figure(ctx context.Context, i int) (RecordResult, error) {
	f := p.batch.Figures[i]
	rec := RecordResult{Section: validate.SectionFigures, Index: i, ID: cmp.Or(f.CanonicalID, f.WikidataID), State: StateReceived}
	if p.rejected(&rec) {
		return rec, nil
	}
	f = normalizeFigure(f)
	batchRef := cmp.Or(p.batch.Figures[i].CanonicalID, f.CanonicalID)

	// A provisional id promoted by an earlier batch now lives under its Q-ID.
	if id, ok := p.figures.Follow(f.CanonicalID); ok && id != f.CanonicalID {
		f.ProvisionalID = cmp.Or(f.ProvisionalID, f.CanonicalID)
		f.CanonicalID = id
		if identity.IsQID(id) {
			f.WikidataID = id
		}
	}

	var flags []pendingFlag
	if realQID(f) == "" && p.enrichmentEnabled() {
		cands, err := p.ic.Identity.SearchByNameAndDates(ctx, f.Name, f.BirthYear, f.DeathYear)
		if err != nil {
			return fail(&rec, fmt.Errorf("search %q: %w", f.Name, err))
		}
		switch len(cands) {
		case 0:
			flags = append(flags, figureFlag(review.FigureFlag{CanonicalID: f.CanonicalID, Name: f.Name, Reason: review.ReasonNoMatches}))
		case 1:
			logger.Info("[Ingest] Figure resolved by search", "name", f.Name, "qid", cands[0].QID)
			f.ProvisionalID = f.CanonicalID
			f.CanonicalID = cands[0].QID
			f.WikidataID = cands[0].QID
		default:
			fc := make([]review.FigureCandidate, 0, len(cands))
			for _, c := range cands {
				fc = append(fc, review.FigureCandidate{ID: c.QID, Label: c.Label})
			}
			flags = append(flags, figureFlag(review.FigureFlag{CanonicalID: f.CanonicalID, Name: f.Name, Reason: review.ReasonMultipleMatches, Detail: "wikidata search", Candidates: fc}))
		}
	}
	if qid := realQID(f); qid != "" && p.enrichmentEnabled() {
		entry, err := p.ic.Identity.LookupByQID(ctx, qid)
		var nf *common.NotFoundError
		switch {
		case errors.As(err, &nf):
			logger.Warn("[Ingest] Figure not found on Wikidata", "qid", qid, "name", f.Name)
		case err != nil:
			return fail(&rec, fmt.Errorf("lookup %s: %w", qid, err))
		default:
			if f.BirthYear == nil {
				f.BirthYear = entry.BirthYear
			}
			if f.DeathYear == nil {
				f.DeathYear = entry.DeathYear
			}
			f.Description = cmp.Or(f.Description, entry.Description)
		}
	}
	method := common.MethodManualProvisional
	if realQID(f) != "" {
		method = common.MethodWikidataEnriched
	}
	rec.ID = f.CanonicalID
	rec.State = StateEnriched

	res, err := p.resolver.ResolveFigure(ctx, f, p.figures)
	if err != nil {
		return fail(&rec, fmt.Errorf("resolve %s: %w", f.CanonicalID, err))
	}
	for _, rc := range res.Review {
		p.res.Review = append(p.res.Review, rc)
		flags = append(flags, figureFlag(review.FigureFlag{
			CanonicalID: f.CanonicalID,
			Name:        f.Name,
			Reason:      review.ReasonBirthYearGuard,
			Detail:      rc.Reason,
			Candidates:  []review.FigureCandidate{{ID: rc.A.CanonicalID, Label: rc.A.Name}},
		}))
	}
	if len(res.Ambiguous) > 0 {
		fc := make([]review.FigureCandidate, 0, len(res.Ambiguous))
		ids := make([]string, 0, len(res.Ambiguous))
		for _, a := range res.Ambiguous {
			fc = append(fc, review.FigureCandidate{ID: a.CanonicalID, Label: a.Name})
			ids = append(ids, a.CanonicalID)
		}
		flags = append(flags, figureFlag(review.FigureFlag{CanonicalID: f.CanonicalID, Name: f.Name, Reason: review.ReasonMultipleMatches, Detail: "fuzzy name match", Candidates: fc}))
		if err := p.flagOnly(ctx, &rec, flags); err != nil {
			return fail(&rec, err)
		}
		rec.State = StateDeferred
		rec.Error = (&common.AmbiguousResolutionError{Name: f.Name, Candidates: ids}).Error()
		return rec, nil
	}
	rec.State = StateResolved

	var h store.Handle
	var refs []FlagRef
	err = p.s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		var err error
		h, err = tx.UpsertNode(ctx, store.KindFigure, "canonical_id", p.ingestionProps(figureProps(f)))
		if err != nil {
			return err
		}
		rec.State = StateUpserted
		if _, err := provenance.RecordCreation(ctx, tx, h, p.ic.Agent.AgentID, p.provenance(method)); err != nil {
			return err
		}
		rec.State = StateProvenanced
		refs, err = p.writeFlags(ctx, tx, flags)
		return err
	})
	if err != nil {
		return fail(&rec, err)
	}
	p.publishFlags(&rec, refs)
	if err := p.refreshFigure(ctx, h); err != nil {
		return fail(&rec, err)
	}
	p.figures.Rename(batchRef, f.CanonicalID)
	rec.State = StateCommitted

	if prop := res.Proposal(f); prop != nil {
		if err := p.applyMerge(ctx, &rec, *prop); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func (p *processor) refreshFigure(ctx context.Context, h store.Handle) error {
	n, err := p.s.GetNode(ctx, h)
	if err != nil {
		return fmt.Errorf("reload %s: %w", h, err)
	}
	p.figures.Add(figureFromNode(*n))
	return nil
}

// applyMerge executes a resolver proposal, or only logs it unless merges
// are enabled. A conflicting merge is flagged and leaves both figures.
func (p *processor) applyMerge(ctx context.Context, rec *RecordResult, prop MergeProposal) error {
	p.res.Proposals = append(p.res.Proposals, prop)
	entry, err := p.merger.Execute(ctx, prop, p.ic.DryRun || !p.ic.ExecuteMerges)
	switch {
	case err == nil && entry.Status == MergeMerged:
		p.figures.Remove(prop.Duplicate, prop.Primary)
		return p.refreshFigure(ctx, store.NewHandle(store.KindFigure, prop.Primary))
	case IsMergeConflict(err):
		dup, _ := p.figures.Get(prop.Duplicate)
		return p.flagOnly(ctx, rec, []pendingFlag{figureFlag(review.FigureFlag{
			CanonicalID: prop.Duplicate,
			Name:        dup.Name,
			Reason:      review.ReasonMergeConflict,
			Detail:      err.Error(),
			Candidates:  []review.FigureCandidate{{ID: prop.Primary}},
		})})
	case err != nil:
		rec.Messages = append(rec.Messages, "merge failed: "+err.Error())
		if haltsBatch(err) {
			return err
		}
	}
	return nil
}

// resolveMediaRef maps a batch media id or Q-ID to a stored media id.
func (p *processor) resolveMediaRef(ref string) (string, bool) {
	if id, ok := p.mediaRefs[ref]; ok {
		return id, true
	}
	if id, ok := p.media.Resolve(ref); ok {
		return id, true
	}
	return p.media.Resolve(util.NormalizeQID(ref))
}

func (p *processor) work(ctx context.Context, i int) (RecordResult, error) {
	w := p.batch.Works[i]
	rec := RecordResult{Section: validate.SectionWorks, Index: i, ID: cmp.Or(w.MediaID, w.WikidataID), State: StateReceived}
	if p.rejected(&rec) {
		return rec, nil
	}
	w.WikidataID = util.NormalizeQID(w.WikidataID)
	batchRef := w.MediaID

	var seriesQID, ordinal string
	if p.enrichmentEnabled() {
		entry, err := p.ic.Identity.LookupByQID(ctx, w.WikidataID)
		var nf *common.NotFoundError
		switch {
		case errors.As(err, &nf):
			logger.Warn("[Ingest] Work not found on Wikidata", "qid", w.WikidataID, "title", w.Title)
		case err != nil:
			return fail(&rec, fmt.Errorf("lookup %s: %w", w.WikidataID, err))
		default:
			if w.ReleaseYear == nil {
				w.ReleaseYear = entry.PublicationYear
			}
			w.Description = cmp.Or(w.Description, entry.Description)
			seriesQID, ordinal = entry.PartOfSeries, entry.SeriesOrdinal
		}
	}

	tags := slices.Clone(w.EraTags)
	var suggested []review.SuggestedTag
	if p.ic.Narrative != nil && !p.ic.SkipEnrichment {
		n, err := p.ic.Narrative.EnrichWork(ctx, w)
		if err != nil {
			logger.Warn("[Ingest] Narrative enrichment failed", "qid", w.WikidataID, "err", err)
			rec.Messages = append(rec.Messages, "narrative enrichment failed: "+err.Error())
		} else {
			w.Description = cmp.Or(w.Description, n.Summary)
			for _, e := range n.EraTags {
				suggested = append(suggested, review.SuggestedTag{Name: e.Name, Confidence: e.Confidence})
			}
		}
	}
	// Curated era tags win over suggestions; suggestions are only written
	// when the batch names none, otherwise the override goes to review.
	if len(w.EraTags) == 0 {
		for _, s := range suggested {
			if s.Confidence >= review.AcceptThreshold {
				tags = append(tags, common.EraTag{Name: s.Name, Confidence: s.Confidence, Source: "ai_inferred"})
			}
		}
	}
	rec.State = StateEnriched

	res := p.resolver.ResolveMedia(w, p.media)
	switch {
	case res.Existing != nil && w.MediaID != "" && w.MediaID != res.Existing.MediaID:
		return rejectf(&rec, "wikidata_id %s is already stored with media_id %s", w.WikidataID, res.Existing.MediaID)
	case res.Existing != nil:
		w.MediaID = res.Existing.MediaID
	case w.MediaID == "":
		id, err := identity.MediaIDFromQID(w.WikidataID)
		if err != nil {
			return fail(&rec, &common.ValidationError{Messages: []string{err.Error()}})
		}
		w.MediaID = id
	}
	if other, ok := p.media.Get(w.MediaID); ok && other.WikidataID != "" && other.WikidataID != w.WikidataID {
		return rejectf(&rec, "media_id %s already belongs to %s", w.MediaID, other.WikidataID)
	}
	rec.ID = w.MediaID
	rec.State = StateResolved

	flags := make([]pendingFlag, 0, len(res.TitleCollisions)+1)
	for _, c := range res.TitleCollisions {
		mf := review.MediaFlag{MediaID: w.MediaID, OtherMediaID: c.MediaID, Title: w.Title}
		flags = append(flags, pendingFlag{subject: w.MediaID, reason: review.ReasonTitleCollision, enqueue: func(ctx context.Context, q *review.Queue) (*review.Flag, bool, error) {
			return q.EnqueueMedia(ctx, mf)
		}})
	}
	if len(w.EraTags) > 0 && len(suggested) > 0 {
		selected := make([]string, 0, len(w.EraTags))
		for _, t := range w.EraTags {
			selected = append(selected, t.Name)
		}
		mediaID := w.MediaID
		flags = append(flags, pendingFlag{subject: mediaID, reason: "era override", enqueue: func(ctx context.Context, q *review.Queue) (*review.Flag, bool, error) {
			return q.EnqueueEra(ctx, mediaID, suggested, selected)
		}})
	}

	prov := p.provenance(common.MethodWikidataEnriched)
	var h store.Handle
	var refs []FlagRef
	err := p.s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		var err error
		h, err = tx.UpsertNode(ctx, store.KindMedia, "media_id", p.ingestionProps(mediaProps(w)))
		if err != nil {
			return err
		}
		rec.State = StateUpserted
		if _, err := provenance.RecordCreation(ctx, tx, h, p.ic.Agent.AgentID, prov); err != nil {
			return err
		}
		if err := p.tagEras(ctx, tx, h, tags, prov); err != nil {
			return err
		}
		if err := p.linkSeries(ctx, tx, h, seriesQID, ordinal, prov); err != nil {
			return err
		}
		rec.State = StateProvenanced
		refs, err = p.writeFlags(ctx, tx, flags)
		return err
	})
	if err != nil {
		return fail(&rec, err)
	}
	p.publishFlags(&rec, refs)

	n, err := p.s.GetNode(ctx, h)
	if err != nil {
		return fail(&rec, fmt.Errorf("reload %s: %w", h, err))
	}
	stored := mediaFromNode(*n)
	p.media.Add(stored)
	for _, ref := range []string{batchRef, w.WikidataID} {
		if ref != "" {
			p.mediaRefs[ref] = stored.MediaID
		}
	}
	if derived, err := identity.MediaIDFromQID(w.WikidataID); err == nil {
		p.mediaRefs[derived] = stored.MediaID
	}
	rec.State = StateCommitted
	return rec, nil
}

func (p *processor) tagEras(ctx context.Context, tx store.GraphStorage, h store.Handle, tags []common.EraTag, prov common.Provenance) error {
	return writeEraTags(ctx, tx, h, tags, prov, p.ic.Agent.AgentID)
}

func writeEraTags(ctx context.Context, tx store.GraphStorage, h store.Handle, tags []common.EraTag, prov common.Provenance, agentID string) error {
	for _, t := range tags {
		era, err := tx.UpsertNode(ctx, store.KindEra, "name", store.Props{"name": t.Name})
		if err != nil {
			return err
		}
		props := store.Props(prov.Properties())
		props["confidence"] = t.Confidence
		props["source"] = cmp.Or(t.Source, "user_added")
		props["added_by"] = agentID
		props["added_at"] = props["timestamp"]
		if _, err := tx.UpsertEdge(ctx, store.EdgeTaggedWith, h, era, props, true); err != nil {
			return fmt.Errorf("tag %s with %q: %w", h.Key, t.Name, err)
		}
	}
	return nil
}

// linkSeries adds PART_OF to the series container when it is already
// known. Unknown containers are left to a later batch.
func (p *processor) linkSeries(ctx context.Context, tx store.GraphStorage, h store.Handle, seriesQID, ordinal string, prov common.Provenance) error {
	if seriesQID == "" {
		return nil
	}
	series, ok := p.media.ByQID(seriesQID)
	if !ok || series.MediaID == h.Key {
		return nil
	}
	props := store.Props(prov.Properties())
	props["part_type"] = "series"
	if ordinal != "" {
		if n, err := strconv.Atoi(ordinal); err == nil {
			props["sequence_number"] = int64(n)
		} else {
			props["sequence_number"] = ordinal
		}
	}
	_, err := tx.UpsertEdge(ctx, store.EdgePartOf, h, store.NewHandle(store.KindMedia, series.MediaID), props, true)
	return err
}

func (p *processor) character(ctx context.Context, i int) (RecordResult, error) {
	c := p.batch.Characters[i]
	rec := RecordResult{Section: validate.SectionCharacters, Index: i, ID: c.CharID, State: StateReceived}
	if p.rejected(&rec) {
		return rec, nil
	}
	rec.State = StateEnriched
	mediaID, ok := p.resolveMediaRef(c.MediaID)
	if !ok {
		return rejectf(&rec, "media_id %s does not resolve to a stored work", c.MediaID)
	}
	c.MediaID = mediaID
	rec.State = StateResolved

	err := p.s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		h, err := tx.UpsertNode(ctx, store.KindCharacter, "char_id", p.ingestionProps(characterProps(c)))
		if err != nil {
			return err
		}
		rec.State = StateUpserted
		_, err = provenance.RecordCreation(ctx, tx, h, p.ic.Agent.AgentID, p.provenance(common.MethodUserGenerated))
		return err
	})
	if err != nil {
		return fail(&rec, err)
	}
	p.chars[c.CharID] = true
	rec.State = StateCommitted
	return rec, nil
}

func (p *processor) endpoint(ctx context.Context, t common.EntityType, id string) (store.Handle, bool, error) {
	switch t {
	case common.EntityFigure:
		if key, ok := p.figures.Resolve(id); ok {
			return store.NewHandle(store.KindFigure, key), true, nil
		}
		if key, ok := p.figures.Resolve(util.NormalizeQID(id)); ok {
			return store.NewHandle(store.KindFigure, key), true, nil
		}
	case common.EntityMedia:
		if key, ok := p.resolveMediaRef(id); ok {
			return store.NewHandle(store.KindMedia, key), true, nil
		}
	case common.EntityCharacter:
		h := store.NewHandle(store.KindCharacter, id)
		if p.chars[id] {
			return h, true, nil
		}
		_, err := p.s.GetNode(ctx, h)
		switch {
		case err == nil:
			p.chars[id] = true
			return h, true, nil
		case !errors.Is(err, store.ErrNodeNotFound):
			return store.Handle{}, false, err
		}
	}
	return store.Handle{}, false, nil
}

func (p *processor) interaction(ctx context.Context, i int) (RecordResult, error) {
	in := p.batch.Interactions[i]
	rec := RecordResult{
		Section: validate.SectionInteractions,
		Index:   i,
		ID:      fmt.Sprintf("%s-%s->%s", in.FromID, strings.ToUpper(in.RelType), in.ToID),
		State:   StateReceived,
	}
	if p.rejected(&rec) {
		return rec, nil
	}
	rec.State = StateEnriched

	from, ok, err := p.endpoint(ctx, common.EntityType(strings.ToLower(in.FromType)), in.FromID)
	if err != nil {
		return fail(&rec, err)
	}
	if !ok {
		return rejectf(&rec, "from_id %s (%s) was not written", in.FromID, in.FromType)
	}
	to, ok, err := p.endpoint(ctx, common.EntityType(strings.ToLower(in.ToType)), in.ToID)
	if err != nil {
		return fail(&rec, err)
	}
	if !ok {
		return rejectf(&rec, "to_id %s (%s) was not written", in.ToID, in.ToType)
	}
	if from == to {
		return rejectf(&rec, "%s resolves to the same node on both ends", rec.ID)
	}
	rec.State = StateResolved

	props, err := p.interactionProps(in.Properties)
	if err != nil {
		return fail(&rec, err)
	}
	kind := store.EdgeKind(strings.ToUpper(in.RelType))
	err = p.s.WithTx(ctx, func(ctx context.Context, tx store.GraphStorage) error {
		_, err := tx.UpsertEdge(ctx, kind, from, to, props, true)
		return err
	})
	if err != nil {
		return fail(&rec, err)
	}
	rec.State = StateCommitted
	return rec, nil
}

// interactionProps merges user properties with the provenance triple.
// Sentiment is stored title-cased.
func (p *processor) interactionProps(user map[string]any) (store.Props, error) {
	props := store.Props(p.provenance(common.MethodUserGenerated).Properties())
	for k, v := range user {
		if err := store.CheckPropName(k); err != nil {
			return nil, &common.ValidationError{Messages: []string{fmt.Sprintf("property %q: %v", k, err)}}
		}
		if k == "sentiment" {
			if s, ok := v.(string); ok {
				v = cases.Title(language.English).String(strings.ToLower(s))
			}
		}
		if provenanceKeys[k] {
			k = "interaction_" + k
		}
		props[k] = v
	}
	return props, nil
}
