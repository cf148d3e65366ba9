package main

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"

	"github.com/loomcast/loomcast/engine/graph"
	"github.com/loomcast/loomcast/engine/semantic"
	"github.com/loomcast/loomcast/pkg/ollama"
)

// entityIndexer embeds canonical entity names and upserts them into Qdrant
// so cmd/statusapi can offer semantic search over entities across a
// podcast. Both Ollama and Qdrant are optional ambient infra; a nil
// *entityIndexer makes indexing a no-op.
type entityIndexer struct {
	embedder   *ollama.EmbedClient
	store      *semantic.VectorStore
	collection string
	ready      bool
}

func newEntityIndexer(ollamaURL, ollamaModel, qdrantAddr, collection string) (*entityIndexer, error) {
	if ollamaURL == "" || qdrantAddr == "" {
		return nil, nil
	}
	store, err := semantic.New(qdrantAddr, collection)
	if err != nil {
		return nil, fmt.Errorf("semantic: connect qdrant: %w", err)
	}
	return &entityIndexer{
		embedder:   ollama.NewEmbedClient(ollamaURL, ollamaModel),
		store:      store,
		collection: collection,
	}, nil
}

// index embeds and upserts one episode's canonical entities. Failures are
// logged, not fatal: semantic search is a supplementary surface, not part
// of the seeding pipeline's success criteria.
func (x *entityIndexer) index(ctx context.Context, episodeGUID string, entities []graph.Entity, logger *slog.Logger) {
	if x == nil || len(entities) == 0 {
		return
	}

	var records []semantic.VectorRecord
	for _, e := range entities {
		if e.EpisodeID != episodeGUID {
			continue
		}
		vec, err := x.embedder.Embed(ctx, e.Name)
		if err != nil {
			logger.Warn("entity embed failed", "entity", e.Name, "error", err)
			continue
		}
		if !x.ready {
			if err := x.store.EnsureCollection(ctx, len(vec)); err != nil {
				logger.Warn("qdrant ensure collection failed", "error", err)
				return
			}
			x.ready = true
		}
		records = append(records, semantic.VectorRecord{
			ID:        entityUUID(e.ID),
			Embedding: vec,
			Payload: map[string]any{
				"content": e.Name,
				"doc_id":  episodeGUID,
				"source":  "entity",
				"type":    e.Type,
			},
		})
	}
	if len(records) == 0 {
		return
	}
	if err := x.store.Upsert(ctx, records); err != nil {
		logger.Warn("qdrant upsert failed", "error", err)
	}
}

// entityUUID deterministically maps an entity node id (not itself a UUID)
// to the UUID-shaped string Qdrant's point id requires.
func entityUUID(id string) string {
	sum := md5.Sum([]byte(id))
	return fmt.Sprintf("%x-%x-%x-%x-%x", sum[0:4], sum[4:6], sum[6:8], sum[8:10], sum[10:16])
}
