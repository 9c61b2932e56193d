// Package validate checks ingestion batches before anything is written.
// Metadata problems reject the whole batch; record problems reject only the
// record they belong to.
package validate

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

var reDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Section names a record list of a batch.
type Section string

const (
	SectionFigures      Section = "figures"
	SectionWorks        Section = "works"
	SectionCharacters   Section = "characters"
	SectionInteractions Section = "interactions"
)

// RecordRef addresses one record of a batch.
type RecordRef struct {
	Section Section
	Index   int
}

func (r RecordRef) String() string {
	return fmt.Sprintf("%s[%d]", r.Section, r.Index)
}

// Report holds every problem found in a batch.
type Report struct {
	BatchIssues  []string
	RecordIssues map[RecordRef][]string
}

func newReport() *Report {
	return &Report{RecordIssues: map[RecordRef][]string{}}
}

func (r *Report) batch(format string, args ...any) {
	r.BatchIssues = append(r.BatchIssues, fmt.Sprintf(format, args...))
}

func (r *Report) record(ref RecordRef, format string, args ...any) {
	r.RecordIssues[ref] = append(r.RecordIssues[ref], fmt.Sprintf(format, args...))
}

// OK reports whether the batch is free of problems.
func (r *Report) OK() bool {
	return len(r.BatchIssues) == 0 && len(r.RecordIssues) == 0
}

// Rejected returns the problems of one record, nil when it is valid.
func (r *Report) Rejected(ref RecordRef) []string {
	return r.RecordIssues[ref]
}

// Messages lists all problems, batch level first, then records in batch
// order, each prefixed with its location.
func (r *Report) Messages() []string {
	out := slices.Clone(r.BatchIssues)
	refs := make([]RecordRef, 0, len(r.RecordIssues))
	for ref := range r.RecordIssues {
		refs = append(refs, ref)
	}
	order := map[Section]int{SectionFigures: 0, SectionWorks: 1, SectionCharacters: 2, SectionInteractions: 3}
	slices.SortFunc(refs, func(a, b RecordRef) int {
		if a.Section != b.Section {
			return order[a.Section] - order[b.Section]
		}
		return a.Index - b.Index
	})
	for _, ref := range refs {
		for _, msg := range r.RecordIssues[ref] {
			out = append(out, ref.String()+"."+msg)
		}
	}
	return out
}

// Err returns every problem as a *common.ValidationError, or nil.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	return &common.ValidationError{Messages: r.Messages()}
}

// BatchErr returns the batch-level problems only.
func (r *Report) BatchErr() error {
	if len(r.BatchIssues) == 0 {
		return nil
	}
	return &common.ValidationError{Messages: slices.Clone(r.BatchIssues)}
}

// RecordErr returns the problems of one record as a *common.ValidationError.
func (r *Report) RecordErr(ref RecordRef) error {
	msgs := r.RecordIssues[ref]
	if len(msgs) == 0 {
		return nil
	}
	return &common.ValidationError{Messages: slices.Clone(msgs)}
}

// Validator checks batches. Graph lookups resolve interaction endpoints and
// character works that are not part of the batch; a nil graph only accepts
// references inside the batch.
type Validator struct {
	v     *validator.Validate
	graph store.GraphStorage
}

func New(graph store.GraphStorage) *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v, graph: graph}
}

// ValidateBatch runs every check and never stops at the first problem.
func (val *Validator) ValidateBatch(ctx context.Context, b *common.Batch) (*Report, error) {
	r := newReport()
	val.metadata(b, r)

	idx := newBatchIndex(b)
	for i, f := range b.Figures {
		val.figure(RecordRef{SectionFigures, i}, f, r)
	}
	for i, w := range b.Works {
		val.work(RecordRef{SectionWorks, i}, w, idx, r)
	}
	for i, c := range b.Characters {
		if err := val.character(ctx, RecordRef{SectionCharacters, i}, c, idx, r); err != nil {
			return nil, err
		}
	}
	for i, in := range b.Interactions {
		if err := val.interaction(ctx, RecordRef{SectionInteractions, i}, in, idx, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ValidateBatch is a convenience wrapper around New(graph).ValidateBatch.
func ValidateBatch(ctx context.Context, b *common.Batch, graph store.GraphStorage) (*Report, error) {
	return New(graph).ValidateBatch(ctx, b)
}

func (val *Validator) structIssues(v any) []string {
	err := val.v.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, describe(fe))
	}
	return out
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, strings.ReplaceAll(fe.Param(), " ", ", "), fe.Value())
	case "min":
		return fmt.Sprintf("%s must be >= %s, got %v", field, fe.Param(), deref(fe.Value()))
	case "max":
		return fmt.Sprintf("%s must be <= %s, got %v", field, fe.Param(), deref(fe.Value()))
	}
	return fmt.Sprintf("%s failed %s check", field, fe.Tag())
}

func deref(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		return rv.Elem().Interface()
	}
	return v
}

func (val *Validator) metadata(b *common.Batch, r *Report) {
	for _, msg := range val.structIssues(b.Metadata) {
		r.batch("metadata.%s", msg)
	}
	if d := b.Metadata.Date; d != "" {
		if _, err := time.Parse(time.DateOnly, d); err != nil || !reDate.MatchString(d) {
			r.batch("metadata.date must be YYYY-MM-DD, got %q", d)
		}
	}
	if b.Size() == 0 {
		r.batch("batch contains no records")
	}
}

func (val *Validator) figure(ref RecordRef, f common.HistoricalFigure, r *Report) {
	for _, msg := range val.structIssues(f) {
		r.record(ref, "%s", msg)
	}
	switch {
	case f.CanonicalID == "" && f.WikidataID == "":
		r.record(ref, "canonical_id or wikidata_id is required")
	case f.CanonicalID != "":
		if err := identity.ValidateCanonicalFigureID(f.CanonicalID); err != nil {
			r.record(ref, "canonical_id: %v", err)
		}
	}
	if f.WikidataID != "" {
		if err := identity.ValidateWikidataQID(f.WikidataID); err != nil {
			r.record(ref, "wikidata_id: %v", err)
		} else if identity.IsQID(f.CanonicalID) && f.CanonicalID != f.WikidataID {
			r.record(ref, "canonical_id %s does not match wikidata_id %s", f.CanonicalID, f.WikidataID)
		}
	}
	if f.BirthYear != nil && f.DeathYear != nil && *f.DeathYear < *f.BirthYear {
		r.record(ref, "death_year %d is before birth_year %d", *f.DeathYear, *f.BirthYear)
	}
}

func (val *Validator) work(ref RecordRef, w common.MediaWork, idx *batchIndex, r *Report) {
	for _, msg := range val.structIssues(w) {
		r.record(ref, "%s", msg)
	}
	if w.WikidataID == "" {
		r.record(ref, "wikidata_id is required")
	} else if err := identity.ValidateWikidataQID(w.WikidataID); err != nil {
		r.record(ref, "wikidata_id: %v", err)
	}
	if w.MediaID != "" {
		if err := identity.ValidatePersistableMediaID(w.MediaID); err != nil {
			r.record(ref, "media_id: %v", err)
		}
	}
	if w.CreatorWikidataID != "" {
		if err := identity.ValidateWikidataQID(w.CreatorWikidataID); err != nil {
			r.record(ref, "creator_wikidata_id: %v", err)
		}
	}
	if w.WikidataID != "" && w.MediaID != "" {
		if other, ok := idx.mediaIDByQID[w.WikidataID]; ok && other != w.MediaID {
			r.record(ref, "wikidata_id %s is also used with media_id %s", w.WikidataID, other)
		}
	}
}

func (val *Validator) character(ctx context.Context, ref RecordRef, c common.FictionalCharacter, idx *batchIndex, r *Report) error {
	for _, msg := range val.structIssues(c) {
		r.record(ref, "%s", msg)
	}
	if c.CharID == "" || c.MediaID == "" {
		return nil
	}
	if media := idx.charMedia[c.CharID]; len(media) > 1 {
		r.record(ref, "char_id %s is used by characters of different works (%s)", c.CharID, strings.Join(media, ", "))
	}

	if !idx.hasMedia(c.MediaID) {
		ok, err := val.exists(ctx, store.KindMedia, c.MediaID)
		if err != nil {
			return err
		}
		if !ok {
			r.record(ref, "media_id %s does not resolve to a work in the batch or graph", c.MediaID)
		}
	}

	if val.graph != nil {
		n, err := val.graph.GetNode(ctx, store.NewHandle(store.KindCharacter, c.CharID))
		switch {
		case errors.Is(err, store.ErrNodeNotFound):
		case err != nil:
			return err
		case n.Props.Str("media_id") != "" && n.Props.Str("media_id") != idx.canonicalMedia(c.MediaID):
			r.record(ref, "char_id %s already belongs to work %s", c.CharID, n.Props.Str("media_id"))
		}
	}
	return nil
}

var relEndpoints = map[string][2]common.EntityType{
	common.RelAppearsIn:      {common.EntityFigure, common.EntityMedia},
	common.RelInteractedWith: {common.EntityFigure, common.EntityFigure},
	common.RelPartOf:         {common.EntityMedia, common.EntityMedia},
}

func (val *Validator) interaction(ctx context.Context, ref RecordRef, in common.Interaction, idx *batchIndex, r *Report) error {
	for _, msg := range val.structIssues(in) {
		r.record(ref, "%s", msg)
	}

	relType := strings.ToUpper(in.RelType)
	want, ok := relEndpoints[relType]
	if in.RelType != "" && !ok {
		r.record(ref, "rel_type must be one of [APPEARS_IN, INTERACTED_WITH, PART_OF], got %q", in.RelType)
	}

	fromType, toType := common.EntityType(strings.ToLower(in.FromType)), common.EntityType(strings.ToLower(in.ToType))
	for _, side := range []struct {
		name string
		typ  common.EntityType
		raw  string
	}{{"from_type", fromType, in.FromType}, {"to_type", toType, in.ToType}} {
		if side.raw != "" && !validEntityType(side.typ) {
			r.record(ref, "%s must be one of [figure, media, character], got %q", side.name, side.raw)
		}
	}
	if ok && validEntityType(fromType) && validEntityType(toType) && (fromType != want[0] || toType != want[1]) {
		r.record(ref, "%s connects %s to %s, got %s to %s", relType, want[0], want[1], fromType, toType)
	}
	if in.FromID != "" && in.FromID == in.ToID && fromType == toType {
		r.record(ref, "from_id and to_id are the same record")
	}

	if s, present := in.Properties["sentiment"]; present {
		str, isStr := s.(string)
		if !isStr || !slices.Contains(common.Sentiments, strings.ToLower(str)) {
			r.record(ref, "properties.sentiment must be one of [%s], got %v", strings.Join(common.Sentiments, ", "), s)
		}
	}
	if p, present := in.Properties["is_protagonist"]; present {
		if _, isBool := p.(bool); !isBool {
			r.record(ref, "properties.is_protagonist must be a boolean, got %v", p)
		}
	}

	for _, end := range []struct {
		name string
		typ  common.EntityType
		id   string
	}{{"from_id", fromType, in.FromID}, {"to_id", toType, in.ToID}} {
		if end.id == "" || !validEntityType(end.typ) {
			continue
		}
		found, err := val.endpointExists(ctx, end.typ, end.id, idx)
		if err != nil {
			return err
		}
		if !found {
			r.record(ref, "%s %s (%s) does not exist in the batch or graph", end.name, end.id, end.typ)
		}
	}
	return nil
}

func validEntityType(t common.EntityType) bool {
	return t == common.EntityFigure || t == common.EntityMedia || t == common.EntityCharacter
}

func (val *Validator) endpointExists(ctx context.Context, t common.EntityType, id string, idx *batchIndex) (bool, error) {
	switch t {
	case common.EntityFigure:
		if idx.figures[id] {
			return true, nil
		}
		if ok, err := val.exists(ctx, store.KindFigure, id); ok || err != nil {
			return ok, err
		}
		// Promoted figures stay reachable under their provisional id.
		return val.existsBy(ctx, store.KindFigure, "provisional_id", id)
	case common.EntityMedia:
		if idx.hasMedia(id) {
			return true, nil
		}
		if identity.IsQID(id) {
			return val.existsBy(ctx, store.KindMedia, "wikidata_id", id)
		}
		return val.exists(ctx, store.KindMedia, id)
	case common.EntityCharacter:
		if idx.characters[id] {
			return true, nil
		}
		return val.exists(ctx, store.KindCharacter, id)
	}
	return false, nil
}

func (val *Validator) exists(ctx context.Context, kind store.Kind, key string) (bool, error) {
	if val.graph == nil {
		return false, nil
	}
	_, err := val.graph.GetNode(ctx, store.NewHandle(kind, key))
	if errors.Is(err, store.ErrNodeNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (val *Validator) existsBy(ctx context.Context, kind store.Kind, prop, value string) (bool, error) {
	if val.graph == nil {
		return false, nil
	}
	nodes, err := val.graph.FindNodes(ctx, kind, store.Filter{prop: value})
	return len(nodes) > 0, err
}
