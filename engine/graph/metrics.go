package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// PodcastStats holds aggregate statistics about a podcast.
type PodcastStats struct {
	Name     string `json:"name"`
	Episodes int64  `json:"episodes"`
	Entities int64  `json:"entities"`
}

// EpisodeStats holds statistics about a single episode.
type EpisodeStats struct {
	GUID             string `json:"guid"`
	Title            string `json:"title"`
	Units            int64  `json:"units"`
	Entities         int64  `json:"entities"`
	PublicationDate  string `json:"publication_date,omitempty"`
}

// NodeCounts returns node counts grouped by label.
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (n) RETURN labels(n)[0] AS type, count(*) AS count`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}

// RelationshipCounts returns relationship counts grouped by type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH ()-[r]->() RETURN type(r) AS type, count(*) AS count`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}

// TopPodcasts returns the top podcasts by episode count.
func (g *GraphStore) TopPodcasts(ctx context.Context, limit int) ([]PodcastStats, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (p:Podcast)
		OPTIONAL MATCH (p)-[:HAS_EPISODE]->(e)
		OPTIONAL MATCH (e)-[:HAS_ENTITY]->(n)
		RETURN p.name AS name, count(DISTINCT e) AS episodes, count(DISTINCT n) AS entities
		ORDER BY episodes DESC LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{"limit": int64(limit)})
	if err != nil {
		return nil, err
	}
	var stats []PodcastStats
	for result.Next(ctx) {
		rec := result.Record()
		name, _ := rec.Get("name")
		episodes, _ := rec.Get("episodes")
		entities, _ := rec.Get("entities")
		s := PodcastStats{}
		if n, ok := name.(string); ok {
			s.Name = n
		}
		if e, ok := episodes.(int64); ok {
			s.Episodes = e
		}
		if n, ok := entities.(int64); ok {
			s.Entities = n
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// RecentEpisodes returns the episodes with the latest publication dates.
func (g *GraphStore) RecentEpisodes(ctx context.Context, limit int) ([]EpisodeStats, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (e:Episode)
		OPTIONAL MATCH (e)-[:HAS_UNIT]->(u)
		OPTIONAL MATCH (e)-[:HAS_ENTITY]->(n)
		RETURN e.id AS guid, e.title AS title, e.publication_date AS publication_date,
		       count(DISTINCT u) AS units, count(DISTINCT n) AS entities
		ORDER BY publication_date DESC LIMIT $limit`
	result, err := sess.Run(ctx, cypher, map[string]any{"limit": int64(limit)})
	if err != nil {
		return nil, err
	}
	var stats []EpisodeStats
	for result.Next(ctx) {
		rec := result.Record()
		s := EpisodeStats{}
		if v, ok := rec.Get("guid"); ok {
			s.GUID, _ = v.(string)
		}
		if v, ok := rec.Get("title"); ok {
			s.Title, _ = v.(string)
		}
		if v, ok := rec.Get("publication_date"); ok {
			s.PublicationDate, _ = v.(string)
		}
		if v, ok := rec.Get("units"); ok {
			s.Units, _ = v.(int64)
		}
		if v, ok := rec.Get("entities"); ok {
			s.Entities, _ = v.(int64)
		}
		stats = append(stats, s)
	}
	return stats, nil
}
