package store

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
)

// Kind is a node label.
type Kind string

const (
	KindFigure          Kind = "HistoricalFigure"
	KindMedia           Kind = "MediaWork"
	KindCharacter       Kind = "FictionalCharacter"
	KindAgent           Kind = "Agent"
	KindEra             Kind = "Era"
	KindMergeRecord     Kind = "MergeRecord"
	KindFlaggedFigure   Kind = "FlaggedFigure"
	KindFlaggedMedia    Kind = "FlaggedMedia"
	KindFlaggedLocation Kind = "FlaggedLocation"
	KindFlaggedEra      Kind = "FlaggedEra"
)

// EdgeKind is a relationship type.
type EdgeKind string

const (
	EdgeAppearsIn      EdgeKind = "APPEARS_IN"
	EdgeInteractedWith EdgeKind = "INTERACTED_WITH"
	EdgePartOf         EdgeKind = "PART_OF"
	EdgeCreatedBy      EdgeKind = "CREATED_BY"
	EdgeTaggedWith     EdgeKind = "TAGGED_WITH"
	EdgeMergedFrom     EdgeKind = "MERGED_FROM"

	// EdgePortrayedIn is only read by the field migration, which rewrites
	// it to APPEARS_IN.
	EdgePortrayedIn EdgeKind = "PORTRAYED_IN"
)

type kindSpec struct {
	key    string
	unique []string
}

var nodeKinds = map[Kind]kindSpec{
	KindFigure:          {key: "canonical_id"},
	KindMedia:           {key: "media_id", unique: []string{"wikidata_id"}},
	KindCharacter:       {key: "char_id"},
	KindAgent:           {key: "agent_id"},
	KindEra:             {key: "name"},
	KindMergeRecord:     {key: "merge_id"},
	KindFlaggedFigure:   {key: "flag_id", unique: []string{"dedupe_key"}},
	KindFlaggedMedia:    {key: "flag_id", unique: []string{"dedupe_key"}},
	KindFlaggedLocation: {key: "flag_id", unique: []string{"dedupe_key"}},
	KindFlaggedEra:      {key: "flag_id", unique: []string{"dedupe_key"}},
}

var edgeKinds = []EdgeKind{
	EdgeAppearsIn, EdgeInteractedWith, EdgePartOf, EdgeCreatedBy,
	EdgeTaggedWith, EdgeMergedFrom, EdgePortrayedIn,
}

// CoreKinds are the kinds that must carry exactly one CREATED_BY edge.
var CoreKinds = []Kind{KindFigure, KindMedia, KindCharacter}

// FlagKinds are the review-queue kinds.
var FlagKinds = []Kind{KindFlaggedFigure, KindFlaggedMedia, KindFlaggedLocation, KindFlaggedEra}

var propName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,63}$`)

// NodeKinds returns every known node kind in a stable order.
func NodeKinds() []Kind {
	out := make([]Kind, 0, len(nodeKinds))
	for k := range nodeKinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// EdgeKinds returns every known edge kind.
func EdgeKinds() []EdgeKind {
	return slices.Clone(edgeKinds)
}

// KeyProp returns the key property of kind.
func KeyProp(kind Kind) (string, error) {
	spec, ok := nodeKinds[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return spec.key, nil
}

// UniqueProps returns the properties besides the key that must be unique
// within kind.
func UniqueProps(kind Kind) []string {
	return nodeKinds[kind].unique
}

// CheckKind validates kind and that keyProp is its key property.
func CheckKind(kind Kind, keyProp string) error {
	key, err := KeyProp(kind)
	if err != nil {
		return err
	}
	if keyProp != key {
		return fmt.Errorf("%w: %s is keyed on %s, not %s", ErrUnknownKind, kind, key, keyProp)
	}
	return nil
}

func CheckEdgeKind(kind EdgeKind) error {
	if !slices.Contains(edgeKinds, kind) {
		return fmt.Errorf("%w: edge %q", ErrUnknownKind, kind)
	}
	return nil
}

// CheckPropName rejects names that are not plain snake_case identifiers.
// Property names are the only identifiers that end up inside query text.
func CheckPropName(name string) error {
	if !propName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidProperty, name)
	}
	return nil
}

// Symmetric reports whether kind is undirected. Undirected edges are stored
// with their endpoints in canonical order.
func Symmetric(kind EdgeKind) bool {
	return kind == EdgeInteractedWith
}

// Orient returns the stored endpoint order of an edge of kind.
func Orient(kind EdgeKind, from, to Handle) (Handle, Handle) {
	if Symmetric(kind) && CompareHandles(to, from) < 0 {
		return to, from
	}
	return from, to
}

func CompareHandles(a, b Handle) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}
