package validate

import (
	"slices"

	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
)

// batchIndex lists the ids a batch defines so references can be checked
// without the graph.
type batchIndex struct {
	figures      map[string]bool
	media        map[string]bool
	mediaIDByQID map[string]string
	characters   map[string]bool
	charMedia    map[string][]string
}

func newBatchIndex(b *common.Batch) *batchIndex {
	idx := &batchIndex{
		figures:      map[string]bool{},
		media:        map[string]bool{},
		mediaIDByQID: map[string]string{},
		characters:   map[string]bool{},
		charMedia:    map[string][]string{},
	}
	for _, f := range b.Figures {
		for _, id := range []string{f.CanonicalID, f.WikidataID} {
			if id != "" {
				idx.figures[id] = true
			}
		}
	}
	for _, w := range b.Works {
		if w.MediaID != "" {
			idx.media[w.MediaID] = true
		}
		if w.WikidataID == "" {
			continue
		}
		idx.media[w.WikidataID] = true
		if derived, err := identity.MediaIDFromQID(w.WikidataID); err == nil {
			idx.media[derived] = true
		}
		if w.MediaID != "" {
			if _, seen := idx.mediaIDByQID[w.WikidataID]; !seen {
				idx.mediaIDByQID[w.WikidataID] = w.MediaID
			}
		}
	}
	for _, c := range b.Characters {
		if c.CharID == "" {
			continue
		}
		idx.characters[c.CharID] = true
		media := idx.canonicalMedia(c.MediaID)
		if media != "" && !slices.Contains(idx.charMedia[c.CharID], media) {
			idx.charMedia[c.CharID] = append(idx.charMedia[c.CharID], media)
		}
	}
	return idx
}

func (idx *batchIndex) hasMedia(id string) bool {
	return idx.media[id]
}

// canonicalMedia maps a Q-ID reference onto the media handle the batch
// uses for it.
func (idx *batchIndex) canonicalMedia(id string) string {
	if !identity.IsQID(id) {
		return id
	}
	if mid, ok := idx.mediaIDByQID[id]; ok {
		return mid
	}
	if derived, err := identity.MediaIDFromQID(id); err == nil {
		return derived
	}
	return id
}
