// Package graph provides Neo4j knowledge graph operations for the podcast
// conversation graph: podcasts, episodes, conversation structure, meaningful
// units, themes, canonical entities, insights, and quotes.
package graph

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Podcast is the top-level show node.
type Podcast struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Episode represents one processed episode.
type Episode struct {
	ID              string  `json:"id"` // guid
	PodcastID       string  `json:"podcast_id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration_seconds"`
	PublicationDate string  `json:"publication_date"`
	TranscriptPath  string  `json:"transcript_path"`
}

// Structure captures an episode's conversation-level analysis.
type Structure struct {
	ID             string  `json:"id"`
	EpisodeID      string  `json:"episode_id"`
	NarrativeArc   string  `json:"narrative_arc"`
	CoherenceScore float64 `json:"coherence_score"`
}

// Unit is a meaningful conversational chunk within an episode.
type Unit struct {
	ID             string  `json:"id"`
	EpisodeID      string  `json:"episode_id"`
	UnitType       string  `json:"unit_type"`
	Summary        string  `json:"summary"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	IsComplete     bool    `json:"is_complete"`
}

// Theme is a thematic thread within an episode.
type Theme struct {
	ID          string `json:"id"`
	EpisodeID   string `json:"episode_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Entity is a canonical entity resolved across an episode's units.
type Entity struct {
	ID           string   `json:"id"`
	EpisodeID    string   `json:"episode_id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Aliases      []string `json:"aliases"`
	MentionCount int      `json:"mention_count"`
	Confidence   float64  `json:"confidence"`
}

// Insight is a per-unit extracted takeaway.
type Insight struct {
	ID         string  `json:"id"`
	UnitID     string  `json:"unit_id"`
	Content    string  `json:"content"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Quote is a per-unit extracted quote.
type Quote struct {
	ID         string  `json:"id"`
	UnitID     string  `json:"unit_id"`
	Text       string  `json:"text"`
	Speaker    string  `json:"speaker"`
	QuoteType  string  `json:"quote_type"`
	Importance float64 `json:"importance"`
}

// CanonicalEntity links two or more per-episode Entity nodes that refer to
// the same real-world thing, scoped to one podcast. Unlike Entity (which is
// namespaced per episode by design, see EntityID), CanonicalEntity is the
// cross-episode merge point the relink tool builds via SAME_AS edges.
type CanonicalEntity struct {
	ID         string `json:"id"`
	PodcastID  string `json:"podcast_id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	MemberCount int    `json:"member_count"`
}

// Relationship is an edge between two canonical entities.
type Relationship struct {
	SourceID   string  `json:"source_id"`
	TargetID   string  `json:"target_id"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// PodcastID derives a deterministic, idempotent podcast node id from its name.
func PodcastID(name string) string {
	return "podcast_" + slug(name)
}

// ThemeID derives a deterministic theme node id, namespaced to the episode so
// distinct episodes never collide on a common theme name.
func ThemeID(episodeGUID, name string) string {
	return episodeGUID + "_theme_" + slug(name)
}

// EntityID derives a deterministic entity node id from the canonical name, so
// re-running resolution for the same episode replaces rather than duplicates.
func EntityID(episodeGUID, canonicalName string) string {
	h := xxhash.Sum64String(strings.ToLower(canonicalName))
	return episodeGUID + "_entity_" + strconv.FormatUint(h, 16)
}

// CanonicalEntityID derives a deterministic podcast-scoped canonical entity
// id, so re-running relink for the same podcast converges instead of
// creating duplicate merge nodes.
func CanonicalEntityID(podcastID, canonicalName string) string {
	h := xxhash.Sum64String(strings.ToLower(canonicalName))
	return podcastID + "_canonical_" + strconv.FormatUint(h, 16)
}

// UnitID derives a deterministic unit node id from the regrouper's unit id.
func UnitID(episodeGUID, unitID string) string {
	return episodeGUID + "_" + unitID
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('_')
				prevDash = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
