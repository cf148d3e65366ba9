package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// PodcastEntities lists every per-episode Entity node reachable from a
// podcast's episodes, for cmd/relink to re-run cross-episode resolution
// over. EntityID namespaces entities per episode by design, so the same
// real-world entity legitimately appears as distinct nodes here.
func (g *GraphStore) PodcastEntities(ctx context.Context, podcastID string) ([]Entity, error) {
	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (p:Podcast {id: $podcast_id})-[:HAS_EPISODE]->(:Episode)-[:HAS_ENTITY]->(n:Entity)
			RETURN n`, map[string]any{"podcast_id": podcastID})
		if err != nil {
			return nil, err
		}
		var entities []Entity
		for res.Next(ctx) {
			node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "n")
			if err != nil {
				return nil, err
			}
			e, err := entityFromRecord(&neo4j.Record{Values: []any{node}, Keys: []string{"n"}})
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
		return entities, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("graph: list podcast entities: %w", err)
	}
	return result.([]Entity), nil
}

// MergeCanonicalEntity creates or updates a podcast-scoped CanonicalEntity
// node representing a cross-episode duplicate cluster, and links it to each
// underlying per-episode Entity node via a SAME_AS edge. The original
// per-episode Entity nodes are never deleted or redirected, so per-episode
// provenance is preserved.
func (g *GraphStore) MergeCanonicalEntity(ctx context.Context, podcastID, canonicalName, entityType string, memberEntityIDs []string) (CanonicalEntity, error) {
	ce := CanonicalEntity{
		ID:          CanonicalEntityID(podcastID, canonicalName),
		PodcastID:   podcastID,
		Name:        canonicalName,
		Type:        entityType,
		MemberCount: len(memberEntityIDs),
	}

	sess := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MATCH (p:Podcast {id: $podcast_id})
			MERGE (c:CanonicalEntity {id: $id})
			SET c.podcast_id = $podcast_id, c.name = $name, c.type = $type, c.member_count = $member_count
			MERGE (p)-[:HAS_CANONICAL_ENTITY]->(c)`, map[string]any{
			"id": ce.ID, "podcast_id": podcastID, "name": ce.Name, "type": ce.Type, "member_count": ce.MemberCount,
		}); err != nil {
			return nil, fmt.Errorf("graph: merge canonical entity: %w", err)
		}

		for _, memberID := range memberEntityIDs {
			if _, err := tx.Run(ctx, `
				MATCH (c:CanonicalEntity {id: $canonical_id}), (n:Entity {id: $entity_id})
				MERGE (n)-[:SAME_AS]->(c)`, map[string]any{
				"canonical_id": ce.ID, "entity_id": memberID,
			}); err != nil {
				return nil, fmt.Errorf("graph: link same_as %s: %w", memberID, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return CanonicalEntity{}, err
	}
	return ce, nil
}
