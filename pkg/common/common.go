package common

import "time"

// Batch is the structured form of an ingestion batch. It is the canonical
// in-memory representation of the on-disk JSON batch file.
//
// A batch contains:
//   - Metadata: who curated the batch, from which source and when
//   - Figures: historical figures keyed on a Wikidata Q-ID or a provisional id
//   - Works: media works, always carrying a real Wikidata Q-ID
//   - Characters: fictional characters that belong to a media work
//   - Interactions: edges between the records above (or nodes already in the graph)
type Batch struct {
	Metadata     BatchMetadata        `json:"metadata"`
	Figures      []HistoricalFigure   `json:"figures,omitempty"`
	Works        []MediaWork          `json:"works,omitempty"`
	Characters   []FictionalCharacter `json:"characters,omitempty"`
	Interactions []Interaction        `json:"interactions,omitempty"`
}

// BatchMetadata is the mandatory header of a batch.
type BatchMetadata struct {
	Source      string `json:"source" validate:"required"`
	Curator     string `json:"curator" validate:"required"`
	Date        string `json:"date" validate:"required"`
	Description string `json:"description,omitempty"`
}

// Size returns the number of records across all kinds.
func (b *Batch) Size() int {
	return len(b.Figures) + len(b.Works) + len(b.Characters) + len(b.Interactions)
}

// HistoricalFigure represents a real person. CanonicalID is either a
// Wikidata Q-ID or a provisional PROV: identifier; when the Q-ID form is
// used WikidataID carries the same value.
//
// ProvisionalID is only set on figures that were promoted from a PROV: id
// to a Q-ID so that the original handle stays searchable.
type HistoricalFigure struct {
	CanonicalID       string `json:"canonical_id,omitempty"`
	WikidataID        string `json:"wikidata_id,omitempty"`
	Name              string `json:"name" validate:"required"`
	BirthYear         *int   `json:"birth_year,omitempty" validate:"omitempty,min=-10000,max=2100"`
	DeathYear         *int   `json:"death_year,omitempty" validate:"omitempty,min=-10000,max=2100"`
	Title             string `json:"title,omitempty"`
	Era               string `json:"era,omitempty"`
	HistoricityStatus string `json:"historicity_status,omitempty" validate:"omitempty,oneof=historical legendary mythological fictional"`
	IsFictional       bool   `json:"is_fictional,omitempty"`
	ProvisionalID     string `json:"provisional_id,omitempty"`
	Description       string `json:"description,omitempty"`
}

// MediaWork represents a novel, film, series, game or a series container.
// Every persisted MediaWork carries a real Wikidata Q-ID.
type MediaWork struct {
	MediaID           string   `json:"media_id,omitempty"`
	WikidataID        string   `json:"wikidata_id,omitempty"`
	Title             string   `json:"title" validate:"required"`
	MediaType         string   `json:"media_type,omitempty" validate:"omitempty,oneof=book film tv_series game book_series film_series tv_series_collection game_series play comic novel"`
	ReleaseYear       *int     `json:"release_year,omitempty" validate:"omitempty,min=-3000,max=2100"`
	Creator           string   `json:"creator,omitempty"`
	CreatorWikidataID string   `json:"creator_wikidata_id,omitempty"`
	Description       string   `json:"description,omitempty"`
	EraTags           []EraTag `json:"era_tags,omitempty" validate:"dive"`
}

// EraTag is a weighted era label attached to a MediaWork through a
// TAGGED_WITH edge.
type EraTag struct {
	Name       string  `json:"name" validate:"required"`
	Confidence float64 `json:"confidence" validate:"min=0,max=1"`
	Source     string  `json:"source,omitempty" validate:"omitempty,oneof=wikidata ai_inferred user_added"`
}

// FictionalCharacter is a character created in a MediaWork. CharID is
// globally unique, MediaID must resolve to an existing MediaWork.
type FictionalCharacter struct {
	CharID   string `json:"char_id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	MediaID  string `json:"media_id" validate:"required"`
	RoleType string `json:"role_type,omitempty" validate:"omitempty,oneof=Protagonist Antagonist Supporting Cameo"`
	Creator  string `json:"creator,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

// Interaction is an edge between two records referenced by id. FromType
// and ToType name the entity kind of each endpoint.
type Interaction struct {
	FromID     string         `json:"from_id" validate:"required"`
	FromType   string         `json:"from_type" validate:"required"`
	ToID       string         `json:"to_id" validate:"required"`
	ToType     string         `json:"to_type" validate:"required"`
	RelType    string         `json:"rel_type" validate:"required"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EntityType is the kind of an interaction endpoint.
type EntityType string

const (
	EntityFigure    EntityType = "figure"
	EntityMedia     EntityType = "media"
	EntityCharacter EntityType = "character"
)

// Relationship types accepted on interactions.
const (
	RelAppearsIn      = "APPEARS_IN"
	RelInteractedWith = "INTERACTED_WITH"
	RelPartOf         = "PART_OF"
)

// Sentiment values accepted on APPEARS_IN and INTERACTED_WITH edges.
var Sentiments = []string{"heroic", "villainous", "neutral", "complex"}

// HistoricityStatuses lists the legal historicity_status values.
var HistoricityStatuses = []string{"historical", "legendary", "mythological", "fictional"}

// MediaTypes lists the legal media_type values.
var MediaTypes = []string{
	"book", "film", "tv_series", "game", "book_series", "film_series",
	"tv_series_collection", "game_series", "play", "comic", "novel",
}

// RoleTypes lists the legal role_type values of a FictionalCharacter.
var RoleTypes = []string{"Protagonist", "Antagonist", "Supporting", "Cameo"}

// AgentType classifies the author of a change.
type AgentType string

const (
	AgentAI        AgentType = "ai_agent"
	AgentHuman     AgentType = "human_user"
	AgentAutomated AgentType = "automated_process"
)

// Agent is the author of a change: an AI agent, a human user or a generic
// ingestion channel. Every core entity points at exactly one Agent through
// its CREATED_BY edge.
type Agent struct {
	AgentID   string            `json:"agent_id" yaml:"agent_id" validate:"required"`
	Name      string            `json:"name" yaml:"name"`
	Type      AgentType         `json:"type" yaml:"type" validate:"required,oneof=ai_agent human_user automated_process"`
	Version   string            `json:"version,omitempty" yaml:"version,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"-"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// GenericAgentID is the agent that unknown origins are attributed to.
const GenericAgentID = "web-ui-generic"

// ProvenanceContext is the channel through which a change entered the graph.
type ProvenanceContext string

const (
	ContextBulkIngestion ProvenanceContext = "bulk_ingestion"
	ContextWebUI         ProvenanceContext = "web_ui"
	ContextAPI           ProvenanceContext = "api"
	ContextMigration     ProvenanceContext = "migration"
)

// ProvenanceMethod describes how the data of a change was obtained.
type ProvenanceMethod string

const (
	MethodWikidataEnriched  ProvenanceMethod = "wikidata_enriched"
	MethodUserGenerated     ProvenanceMethod = "user_generated"
	MethodManualProvisional ProvenanceMethod = "manual_provisional"
	MethodUnknown           ProvenanceMethod = "unknown"
)

// Provenance is the mandatory triple carried by every edge, extended with
// the batch id for CREATED_BY edges.
type Provenance struct {
	Timestamp time.Time         `json:"timestamp"`
	Context   ProvenanceContext `json:"context"`
	Method    ProvenanceMethod  `json:"method"`
	BatchID   string            `json:"batch_id,omitempty"`
}

// Properties renders the provenance as edge properties.
func (p Provenance) Properties() map[string]any {
	props := map[string]any{
		"timestamp": p.Timestamp.UTC().Format(time.RFC3339Nano),
		"context":   string(p.Context),
		"method":    string(p.Method),
	}
	if p.BatchID != "" {
		props["batch_id"] = p.BatchID
	}
	return props
}

// IntPtr returns a pointer to v. Handy for optional year fields.
func IntPtr(v int) *int {
	return &v
}
