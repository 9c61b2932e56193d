package graph

import (
	"github.com/gcquraishi/chronosgraph/pkg/common"
	"github.com/gcquraishi/chronosgraph/pkg/identity"
	"github.com/gcquraishi/chronosgraph/pkg/store"
)

// realQID returns the Wikidata id of a figure, ignoring provisional ids.
func realQID(f common.HistoricalFigure) string {
	if identity.IsQID(f.WikidataID) {
		return f.WikidataID
	}
	if identity.IsQID(f.CanonicalID) {
		return f.CanonicalID
	}
	return ""
}

// conflictingQIDs reports whether a and b carry different real Q-IDs and so
// name different people.
func conflictingQIDs(a, b common.HistoricalFigure) bool {
	qa, qb := realQID(a), realQID(b)
	return qa != "" && qb != "" && qa != qb
}

func figureFromNode(n store.Node) common.HistoricalFigure {
	return common.HistoricalFigure{
		CanonicalID:       n.Key,
		WikidataID:        n.Props.Str("wikidata_id"),
		Name:              n.Props.Str("name"),
		BirthYear:         n.Props.IntPtr("birth_year"),
		DeathYear:         n.Props.IntPtr("death_year"),
		Title:             n.Props.Str("title"),
		Era:               n.Props.Str("era"),
		HistoricityStatus: n.Props.Str("historicity_status"),
		IsFictional:       n.Props.Bool("is_fictional"),
		ProvisionalID:     n.Props.Str("provisional_id"),
		Description:       n.Props.Str("description"),
	}
}

func figureProps(f common.HistoricalFigure) store.Props {
	p := store.Props{
		"canonical_id": f.CanonicalID,
		"name":         f.Name,
	}
	setStr(p, "wikidata_id", f.WikidataID)
	setStr(p, "title", f.Title)
	setStr(p, "era", f.Era)
	setStr(p, "historicity_status", f.HistoricityStatus)
	setStr(p, "provisional_id", f.ProvisionalID)
	setStr(p, "description", f.Description)
	setInt(p, "birth_year", f.BirthYear)
	setInt(p, "death_year", f.DeathYear)
	if f.IsFictional {
		p["is_fictional"] = true
	}
	return p
}

func mediaFromNode(n store.Node) common.MediaWork {
	return common.MediaWork{
		MediaID:           n.Key,
		WikidataID:        n.Props.Str("wikidata_id"),
		Title:             n.Props.Str("title"),
		MediaType:         n.Props.Str("media_type"),
		ReleaseYear:       n.Props.IntPtr("release_year"),
		Creator:           n.Props.Str("creator"),
		CreatorWikidataID: n.Props.Str("creator_wikidata_id"),
		Description:       n.Props.Str("description"),
	}
}

func mediaProps(w common.MediaWork) store.Props {
	p := store.Props{
		"media_id":    w.MediaID,
		"wikidata_id": w.WikidataID,
		"title":       w.Title,
	}
	setStr(p, "media_type", w.MediaType)
	setStr(p, "creator", w.Creator)
	setStr(p, "creator_wikidata_id", w.CreatorWikidataID)
	setStr(p, "description", w.Description)
	setInt(p, "release_year", w.ReleaseYear)
	return p
}

func characterProps(c common.FictionalCharacter) store.Props {
	p := store.Props{
		"char_id":  c.CharID,
		"name":     c.Name,
		"media_id": c.MediaID,
	}
	setStr(p, "role_type", c.RoleType)
	setStr(p, "creator", c.Creator)
	setStr(p, "notes", c.Notes)
	return p
}

func setStr(p store.Props, key, v string) {
	if v != "" {
		p[key] = v
	}
}

func setInt(p store.Props, key string, v *int) {
	if v != nil {
		p[key] = int64(*v)
	}
}
