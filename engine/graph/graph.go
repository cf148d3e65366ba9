package graph

import (
	"context"
	"fmt"

	"github.com/loomcast/loomcast/internal/seeding"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphStore provides graph operations on top of the generic Neo4j repository.
type GraphStore struct {
	driver   neo4j.DriverWithContext
	episodes repoEpisode
	entities repoEntity
}

type repoEpisode = interface {
	Get(ctx context.Context, id string) (Episode, error)
}

type repoEntity = interface {
	Get(ctx context.Context, id string) (Entity, error)
}

// New creates a new GraphStore.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{
		driver:   driver,
		episodes: newEpisodeRepo(driver),
		entities: newEntityRepo(driver),
	}
}

// GetEpisode returns an episode node by guid.
func (g *GraphStore) GetEpisode(ctx context.Context, guid string) (Episode, error) {
	return g.episodes.Get(ctx, guid)
}

// GetEntity returns a canonical entity node by id.
func (g *GraphStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	return g.entities.Get(ctx, id)
}

// EpisodeWrite is an alias of seeding.EpisodeWrite so that *GraphStore
// satisfies seeding.Writer without a conversion step at the call site.
type EpisodeWrite = seeding.EpisodeWrite

// WriteEpisode writes podcast, episode, structure, themes, units, canonical
// entities, insights, quotes, and all edges for one episode in a single
// transaction. All writes are idempotent MERGE upserts keyed by deterministic
// ids, so retrying a failed or partial write converges without needing a
// rollback.
func (g *GraphStore) WriteEpisode(ctx context.Context, w EpisodeWrite) error {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		podcastID := PodcastID(w.Episode.PodcastName)
		if _, err := tx.Run(ctx, `MERGE (p:Podcast {id: $id}) SET p.name = $name`, map[string]any{
			"id": podcastID, "name": w.Episode.PodcastName,
		}); err != nil {
			return nil, fmt.Errorf("graph: merge podcast: %w", err)
		}

		ep := Episode{
			ID:              w.Episode.GUID,
			PodcastID:       podcastID,
			Title:           w.Episode.Title,
			DurationSeconds: w.Episode.DurationSeconds,
			PublicationDate: w.Episode.PublicationDate.Format("2006-01-02"),
		}
		if _, err := tx.Run(ctx, `
			MERGE (e:Episode {id: $id}) SET e += $props
			WITH e
			MATCH (p:Podcast {id: $podcast_id})
			MERGE (p)-[:HAS_EPISODE]->(e)`, map[string]any{
			"id": ep.ID, "props": episodeToMap(ep), "podcast_id": podcastID,
		}); err != nil {
			return nil, fmt.Errorf("graph: merge episode: %w", err)
		}

		structureID := w.Episode.GUID + "_structure"
		if _, err := tx.Run(ctx, `
			MATCH (e:Episode {id: $episode_id})
			MERGE (s:Structure {id: $id})
			SET s.episode_id = $episode_id, s.narrative_arc = $arc, s.coherence_score = $score
			MERGE (e)-[:HAS_STRUCTURE]->(s)`, map[string]any{
			"id": structureID, "episode_id": w.Episode.GUID,
			"arc": w.Structure.NarrativeArc, "score": w.Structure.CoherenceScore,
		}); err != nil {
			return nil, fmt.Errorf("graph: merge structure: %w", err)
		}

		for _, t := range w.Structure.Themes {
			themeID := ThemeID(w.Episode.GUID, t.Name)
			if _, err := tx.Run(ctx, `
				MATCH (e:Episode {id: $episode_id})
				MERGE (th:Theme {id: $id})
				SET th.episode_id = $episode_id, th.name = $name, th.description = $description
				MERGE (e)-[:HAS_THEME]->(th)`, map[string]any{
				"id": themeID, "episode_id": w.Episode.GUID, "name": t.Name, "description": t.Description,
			}); err != nil {
				return nil, fmt.Errorf("graph: merge theme %s: %w", t.Name, err)
			}
		}

		knowledgeByUnit := make(map[string]seeding.ExtractedKnowledge, len(w.Knowledge))
		for _, k := range w.Knowledge {
			knowledgeByUnit[k.UnitID] = k
		}

		// unitThemeIDs tracks which themes each raw unit id was tagged with, so
		// Theme-CONNECTED_TO->Entity edges can be derived below from entities
		// that co-occur with a theme in the same unit.
		unitThemeIDs := make(map[string][]string)

		for _, u := range w.Units {
			unitNodeID := UnitID(w.Episode.GUID, u.UnitID)
			unit := Unit{
				ID: unitNodeID, EpisodeID: w.Episode.GUID, UnitType: u.UnitType,
				Summary: u.Summary, StartTime: u.StartTime, EndTime: u.EndTime, IsComplete: u.IsComplete,
			}
			if _, err := tx.Run(ctx, `
				MATCH (e:Episode {id: $episode_id})
				MERGE (u:Unit {id: $id}) SET u += $props
				MERGE (e)-[:HAS_UNIT]->(u)`, map[string]any{
				"id": unitNodeID, "episode_id": w.Episode.GUID,
				"props": map[string]any{
					"id": unit.ID, "episode_id": unit.EpisodeID, "unit_type": unit.UnitType,
					"summary": unit.Summary, "start_time": unit.StartTime, "end_time": unit.EndTime,
					"is_complete": unit.IsComplete,
				},
			}); err != nil {
				return nil, fmt.Errorf("graph: merge unit %s: %w", u.UnitID, err)
			}

			for _, themeName := range u.Themes {
				themeID := ThemeID(w.Episode.GUID, themeName)
				if _, err := tx.Run(ctx, `
					MATCH (u:Unit {id: $unit_id}), (t:Theme {id: $theme_id})
					MERGE (u)-[:TAGGED_WITH]->(t)`, map[string]any{
					"unit_id": unitNodeID, "theme_id": themeID,
				}); err != nil {
					return nil, fmt.Errorf("graph: link unit theme: %w", err)
				}
				unitThemeIDs[u.UnitID] = append(unitThemeIDs[u.UnitID], themeID)
			}

			k, ok := knowledgeByUnit[u.UnitID]
			if !ok {
				continue
			}
			if err := writeUnitKnowledge(ctx, tx, unitNodeID, w.Episode.GUID, k, w.Resolution); err != nil {
				return nil, err
			}
		}

		for _, c := range w.Resolution.Canonical {
			entityID := EntityID(w.Episode.GUID, c.CanonicalName)
			aliases := make([]string, 0, len(c.Aliases))
			for a := range c.Aliases {
				aliases = append(aliases, a)
			}
			ent := Entity{
				ID: entityID, EpisodeID: w.Episode.GUID, Name: c.CanonicalName, Type: c.Type,
				Aliases: aliases, MentionCount: c.TotalMentionsGlobal, Confidence: c.Confidence,
			}
			if _, err := tx.Run(ctx, `
				MATCH (e:Episode {id: $episode_id})
				MERGE (n:Entity {id: $id}) SET n += $props
				MERGE (e)-[:HAS_ENTITY]->(n)
				MERGE (e)-[:MENTIONS]->(n)`, map[string]any{
				"id": entityID, "episode_id": w.Episode.GUID, "props": entityToMap(ent),
			}); err != nil {
				return nil, fmt.Errorf("graph: merge entity %s: %w", c.CanonicalName, err)
			}
			connectedThemes := make(map[string]bool)
			for unitID := range c.AppearsInUnits {
				unitNodeID := UnitID(w.Episode.GUID, unitID)
				if _, err := tx.Run(ctx, `
					MATCH (u:Unit {id: $unit_id}), (n:Entity {id: $entity_id})
					MERGE (u)-[:MENTIONS]->(n)`, map[string]any{
					"unit_id": unitNodeID, "entity_id": entityID,
				}); err != nil {
					return nil, fmt.Errorf("graph: link unit entity: %w", err)
				}
				for _, themeID := range unitThemeIDs[unitID] {
					if connectedThemes[themeID] {
						continue
					}
					if _, err := tx.Run(ctx, `
						MATCH (t:Theme {id: $theme_id}), (n:Entity {id: $entity_id})
						MERGE (t)-[:CONNECTED_TO]->(n)`, map[string]any{
						"theme_id": themeID, "entity_id": entityID,
					}); err != nil {
						return nil, fmt.Errorf("graph: link theme entity: %w", err)
					}
					connectedThemes[themeID] = true
				}
			}
		}

		for _, k := range w.Knowledge {
			for _, r := range k.Relationships {
				sourceID, ok1 := w.Resolution.CanonicalByKey[entityKey(k.UnitID, r.SourceEntity)]
				targetID, ok2 := w.Resolution.CanonicalByKey[entityKey(k.UnitID, r.TargetEntity)]
				if !ok1 || !ok2 {
					continue
				}
				cypher := fmt.Sprintf(`
					MATCH (a:Entity {id: $source_id}), (b:Entity {id: $target_id})
					MERGE (a)-[rel:%s]->(b) SET rel.confidence = $confidence`,
					sanitizeRelType(r.Type))
				if _, err := tx.Run(ctx, cypher, map[string]any{
					"source_id": EntityID(w.Episode.GUID, sourceID),
					"target_id": EntityID(w.Episode.GUID, targetID),
					"confidence": r.Confidence,
				}); err != nil {
					return nil, fmt.Errorf("graph: merge relationship %s->%s: %w", r.SourceEntity, r.TargetEntity, err)
				}
			}
		}

		return nil, nil
	})
	return err
}

func entityKey(unitID, rawName string) string {
	return unitID + "\x00" + rawName
}

func writeUnitKnowledge(ctx context.Context, tx neo4j.ManagedTransaction, unitNodeID, episodeGUID string, k seeding.ExtractedKnowledge, resolution seeding.ResolutionResult) error {
	for i, ins := range k.Insights {
		id := fmt.Sprintf("%s_insight_%d", unitNodeID, i)
		if _, err := tx.Run(ctx, `
			MATCH (u:Unit {id: $unit_id})
			MERGE (n:Insight {id: $id})
			SET n.unit_id = $unit_id, n.content = $content, n.type = $type, n.confidence = $confidence
			MERGE (u)-[:HAS_INSIGHT]->(n)`, map[string]any{
			"id": id, "unit_id": unitNodeID, "content": ins.Content, "type": ins.Type, "confidence": ins.Confidence,
		}); err != nil {
			return fmt.Errorf("graph: merge insight: %w", err)
		}
	}
	for i, q := range k.Quotes {
		id := fmt.Sprintf("%s_quote_%d", unitNodeID, i)
		if _, err := tx.Run(ctx, `
			MATCH (u:Unit {id: $unit_id})
			MERGE (n:Quote {id: $id})
			SET n.unit_id = $unit_id, n.text = $text, n.speaker = $speaker, n.quote_type = $quote_type, n.importance = $importance
			MERGE (u)-[:HAS_QUOTE]->(n)`, map[string]any{
			"id": id, "unit_id": unitNodeID, "text": q.Text, "speaker": q.Speaker,
			"quote_type": q.QuoteType, "importance": q.Importance,
		}); err != nil {
			return fmt.Errorf("graph: merge quote: %w", err)
		}
	}
	return nil
}
