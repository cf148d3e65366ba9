package graph

import (
	"strings"

	"github.com/loomcast/loomcast/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// newEpisodeRepo creates a Neo4j-backed repository for Episode nodes, used
// for point lookups outside the batched episode write.
func newEpisodeRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Episode, string] {
	return repo.NewNeo4jRepo[Episode, string](
		driver,
		"Episode",
		episodeToMap,
		episodeFromRecord,
	)
}

func episodeToMap(e Episode) map[string]any {
	return map[string]any{
		"id":                e.ID,
		"podcast_id":        e.PodcastID,
		"title":             e.Title,
		"duration_seconds":  e.DurationSeconds,
		"publication_date":  e.PublicationDate,
		"transcript_path":   e.TranscriptPath,
	}
}

func episodeFromRecord(rec *neo4j.Record) (Episode, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Episode{}, err
	}
	props := node.Props
	return Episode{
		ID:               strProp(props, "id"),
		PodcastID:        strProp(props, "podcast_id"),
		Title:            strProp(props, "title"),
		DurationSeconds:  floatProp(props, "duration_seconds"),
		PublicationDate:  strProp(props, "publication_date"),
		TranscriptPath:   strProp(props, "transcript_path"),
	}, nil
}

// newEntityRepo creates a Neo4j-backed repository for Entity nodes, backing
// GraphStore.GetEntity.
func newEntityRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Entity, string] {
	return repo.NewNeo4jRepo[Entity, string](
		driver,
		"Entity",
		entityToMap,
		entityFromRecord,
	)
}

func entityToMap(e Entity) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"episode_id":    e.EpisodeID,
		"name":          e.Name,
		"type":          e.Type,
		"aliases":       e.Aliases,
		"mention_count": e.MentionCount,
		"confidence":    e.Confidence,
	}
}

func entityFromRecord(rec *neo4j.Record) (Entity, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Entity{}, err
	}
	props := node.Props
	e := Entity{
		ID:           strProp(props, "id"),
		EpisodeID:    strProp(props, "episode_id"),
		Name:         strProp(props, "name"),
		Type:         strProp(props, "type"),
		MentionCount: intProp(props, "mention_count"),
		Confidence:   floatProp(props, "confidence"),
	}
	if raw, ok := props["aliases"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				e.Aliases = append(e.Aliases, s)
			}
		}
	}
	return e, nil
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// sanitizeRelType ensures the relationship type is a valid Cypher identifier.
func sanitizeRelType(t string) string {
	safe := make([]byte, 0, len(t))
	for i := range t {
		c := t[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			safe = append(safe, c)
		}
	}
	if len(safe) == 0 {
		return "RELATED_TO"
	}
	return strings.ToUpper(string(safe))
}
