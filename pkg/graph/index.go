package graph

import (
	"context"
	"fmt"

	"github.com/gcquraishi/chronosgraph/internal/util"
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

type figureEntry struct {
	fig  common.HistoricalFigure
	live bool
}

// FigureIndex is the set of figures a record is resolved against: the
// persisted ones followed by those ingested so far, in that order.
type FigureIndex struct {
	entries []*figureEntry
	byID    map[string]*figureEntry
	renamed map[string]string
}

func NewFigureIndex() *FigureIndex {
	return &FigureIndex{byID: map[string]*figureEntry{}, renamed: map[string]string{}}
}

// LoadFigureIndex reads every persisted HistoricalFigure.
func LoadFigureIndex(ctx context.Context, s store.GraphStorage) (*FigureIndex, error) {
	nodes, err := s.FindNodes(ctx, store.KindFigure, nil)
	if err != nil {
		return nil, fmt.Errorf("load figures: %w", err)
	}
	ix := NewFigureIndex()
	for _, n := range nodes {
		ix.Add(figureFromNode(n))
	}
	return ix, nil
}

// Add inserts f or replaces the entry with the same canonical id in place.
func (ix *FigureIndex) Add(f common.HistoricalFigure) {
	if e, ok := ix.byID[f.CanonicalID]; ok {
		e.fig = f
		e.live = true
	} else {
		e := &figureEntry{fig: f, live: true}
		ix.entries = append(ix.entries, e)
		ix.byID[f.CanonicalID] = e
	}
	if f.ProvisionalID != "" && f.ProvisionalID != f.CanonicalID {
		ix.renamed[f.ProvisionalID] = f.CanonicalID
	}
}

// Remove drops id; later lookups of id follow to, when set.
func (ix *FigureIndex) Remove(id, to string) {
	if e, ok := ix.byID[id]; ok {
		e.live = false
		delete(ix.byID, id)
	}
	if to != "" && to != id {
		ix.Rename(id, to)
	}
}

// Rename records that references to from now mean to.
func (ix *FigureIndex) Rename(from, to string) {
	if from != to {
		ix.renamed[from] = to
	}
}

// Follow resolves a canonical or provisional id through renames to a live
// figure.
func (ix *FigureIndex) Follow(ref string) (string, bool) {
	seen := map[string]bool{}
	for !seen[ref] {
		seen[ref] = true
		if _, ok := ix.byID[ref]; ok {
			return ref, true
		}
		next, ok := ix.renamed[ref]
		if !ok {
			break
		}
		ref = next
	}
	return "", false
}

// Resolve is Follow that also accepts the Wikidata id of a figure.
func (ix *FigureIndex) Resolve(ref string) (string, bool) {
	if id, ok := ix.Follow(ref); ok {
		return id, true
	}
	for _, e := range ix.entries {
		if e.live && realQID(e.fig) == ref {
			return e.fig.CanonicalID, true
		}
	}
	return "", false
}

func (ix *FigureIndex) Get(id string) (common.HistoricalFigure, bool) {
	if e, ok := ix.byID[id]; ok {
		return e.fig, true
	}
	return common.HistoricalFigure{}, false
}

// All returns the live figures in index order.
func (ix *FigureIndex) All() []common.HistoricalFigure {
	out := make([]common.HistoricalFigure, 0, len(ix.byID))
	for _, e := range ix.entries {
		if e.live {
			out = append(out, e.fig)
		}
	}
	return out
}

func (ix *FigureIndex) Len() int { return len(ix.byID) }

// MediaIndex maps Q-IDs, media ids and titles of known works.
type MediaIndex struct {
	works   map[string]common.MediaWork
	byQID   map[string]string
	byTitle map[string][]string
}

func NewMediaIndex() *MediaIndex {
	return &MediaIndex{
		works:   map[string]common.MediaWork{},
		byQID:   map[string]string{},
		byTitle: map[string][]string{},
	}
}

func LoadMediaIndex(ctx context.Context, s store.GraphStorage) (*MediaIndex, error) {
	nodes, err := s.FindNodes(ctx, store.KindMedia, nil)
	if err != nil {
		return nil, fmt.Errorf("load works: %w", err)
	}
	ix := NewMediaIndex()
	for _, n := range nodes {
		ix.Add(mediaFromNode(n))
	}
	return ix, nil
}

func (ix *MediaIndex) Add(w common.MediaWork) {
	if _, ok := ix.works[w.MediaID]; !ok {
		key := util.NormalizeName(w.Title)
		ix.byTitle[key] = append(ix.byTitle[key], w.MediaID)
	}
	ix.works[w.MediaID] = w
	if w.WikidataID != "" {
		ix.byQID[w.WikidataID] = w.MediaID
	}
}

// Resolve accepts a media id or a Q-ID and returns the media id.
func (ix *MediaIndex) Resolve(ref string) (string, bool) {
	if _, ok := ix.works[ref]; ok {
		return ref, true
	}
	id, ok := ix.byQID[ref]
	return id, ok
}

func (ix *MediaIndex) Get(mediaID string) (common.MediaWork, bool) {
	w, ok := ix.works[mediaID]
	return w, ok
}

func (ix *MediaIndex) ByQID(qid string) (common.MediaWork, bool) {
	id, ok := ix.byQID[qid]
	if !ok {
		return common.MediaWork{}, false
	}
	return ix.works[id], true
}

// ByTitle returns works whose normalised title equals title, in index order.
func (ix *MediaIndex) ByTitle(title string) []common.MediaWork {
	ids := ix.byTitle[util.NormalizeName(title)]
	out := make([]common.MediaWork, 0, len(ids))
	for _, id := range ids {
		out = append(out, ix.works[id])
	}
	return out
}
