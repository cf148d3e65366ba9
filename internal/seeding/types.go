// Package seeding turns one episode's parsed transcript into graph nodes and
// edges: conversation analysis, unit regrouping, per-unit extraction,
// cross-unit entity resolution, and graph write-out.
package seeding

// Utterance is one timed line of transcript, carrying its index in the
// original sequence so units can reference spans by index.
type Utterance struct {
	Index   int
	Start   float64
	End     float64
	Speaker string
	Text    string
}

// Theme is a thematic thread identified for the episode.
type Theme struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	RelatedUnits []string `json:"related_unit_ids,omitempty"`
}

// ConversationStructure is the analyzer's per-episode output.
type ConversationStructure struct {
	Themes         []Theme      `json:"themes"`
	Spans          []UnitSpan   `json:"spans"`
	NarrativeArc   string       `json:"narrative_arc"`
	CoherenceScore float64      `json:"coherence_score"`
}

// UnitSpan is the analyzer's proposed unit boundary before regrouping.
type UnitSpan struct {
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
	UnitType   string `json:"unit_type"`
	IsComplete bool   `json:"is_complete"`
}

// MeaningfulUnit is a coherent conversational chunk produced by regrouping.
type MeaningfulUnit struct {
	UnitID         string  `json:"unit_id"`
	UnitType       string  `json:"unit_type"`
	Summary        string  `json:"summary"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	SegmentIndexes []int   `json:"segment_indexes"`
	Themes         []string `json:"themes"`
	IsComplete     bool    `json:"is_complete"`
}

// Entity is a per-unit extracted entity mention.
type Entity struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Description  string  `json:"description,omitempty"`
	Confidence   float64 `json:"confidence"`
	MentionCount int     `json:"mention_count"`
}

// Insight is a per-unit extracted insight.
type Insight struct {
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Quote is a per-unit extracted quote.
type Quote struct {
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	QuoteType  string  `json:"quote_type"`
	Importance float64 `json:"importance"`
}

// Relationship is a per-unit extracted relationship between two entities.
type Relationship struct {
	SourceEntity string  `json:"source_entity"`
	TargetEntity string  `json:"target_entity"`
	Type         string  `json:"type"`
	Confidence   float64 `json:"confidence"`
}

// ExtractedKnowledge is one unit's full extraction result.
type ExtractedKnowledge struct {
	UnitID        string         `json:"unit_id"`
	Entities      []Entity       `json:"entities"`
	Insights      []Insight      `json:"insights"`
	Quotes        []Quote        `json:"quotes"`
	Relationships []Relationship `json:"relationships"`
	Themes        []string       `json:"themes"`
}

// CanonicalEntity is the post-resolution merge of variant entity mentions
// across all of an episode's units.
type CanonicalEntity struct {
	CanonicalName       string          `json:"canonical_name"`
	Type                string          `json:"type"`
	Aliases             map[string]bool `json:"aliases"`
	AppearsInUnits       map[string]bool `json:"appears_in_units"`
	TotalMentionsGlobal int             `json:"total_mentions_global"`
	Confidence          float64         `json:"confidence"`
}

// ResolutionResult is C13's output: canonical entities plus the mapping used
// to rewrite per-unit raw entity references during graph write.
type ResolutionResult struct {
	Canonical      []CanonicalEntity          `json:"canonical"`
	CanonicalByKey map[string]string          `json:"canonical_by_key"` // "unit_id\x00raw_name" -> canonical_name
	ReductionRatio float64                    `json:"reduction_ratio"`
}
