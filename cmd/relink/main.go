// Command relink re-runs cross-unit entity resolution across every episode
// of one podcast, linking entities that were created in separate episodes
// but refer to the same real-world thing. EntityID namespaces entities per
// episode by design (see engine/graph.EntityID), so a rule added to
// internal/seeding/resolve after earlier episodes were seeded leaves
// duplicates behind; relink finds and links them without touching the
// original per-episode nodes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loomcast/loomcast/engine/graph"
	"github.com/loomcast/loomcast/internal/seeding"
	"github.com/loomcast/loomcast/internal/seeding/resolve"
	"github.com/loomcast/loomcast/pkg/ollama"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type config struct {
	GraphURI      string
	GraphUser     string
	GraphPassword string
}

func loadConfig() config {
	return config{
		GraphURI:      envOr("GRAPH_URI", "neo4j://localhost:7687"),
		GraphUser:     envOr("GRAPH_USER", "neo4j"),
		GraphPassword: envOr("GRAPH_PASSWORD", "password"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	podcastName := flag.String("podcast", "", "podcast name to relink (must match the name written at seed time)")
	flag.Parse()

	if *podcastName == "" {
		logger.Error("missing required -podcast flag")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, loadConfig(), *podcastName, logger); err != nil {
		logger.Error("relink failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, podcastName string, logger *slog.Logger) error {
	driver, err := neo4j.NewDriverWithContext(cfg.GraphURI, neo4j.BasicAuth(cfg.GraphUser, cfg.GraphPassword, ""))
	if err != nil {
		return err
	}
	defer driver.Close(ctx)
	store := graph.New(driver)

	podcastID := graph.PodcastID(podcastName)
	entities, err := store.PodcastEntities(ctx, podcastID)
	if err != nil {
		return err
	}
	logger.Info("loaded podcast entities", "podcast", podcastName, "count", len(entities))

	var backstop resolve.EmbeddingBackstop
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		embedder := ollama.NewEmbedClient(url, envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"))
		backstop = resolve.NewOllamaBackstop(embedder)
	}
	resolver := resolve.New(backstop, logger)

	// Feed every existing per-episode Entity through the same matching logic
	// C13 uses within an episode, keyed by its own node id instead of a
	// unit id, so CanonicalByKey tells us which entity nodes collapsed
	// together across the whole podcast.
	knowledge := make([]seeding.ExtractedKnowledge, 0, len(entities))
	for _, e := range entities {
		knowledge = append(knowledge, seeding.ExtractedKnowledge{
			UnitID: e.ID,
			Entities: []seeding.Entity{{
				Name:         e.Name,
				Type:         e.Type,
				Confidence:   e.Confidence,
				MentionCount: e.MentionCount,
			}},
		})
	}
	result := resolver.Resolve(ctx, knowledge)
	members, typeByName := groupMembersByCanonical(result)

	var merged, skipped int
	for canonicalName, ids := range members {
		if len(ids) < 2 {
			skipped++
			continue
		}
		if _, err := store.MergeCanonicalEntity(ctx, podcastID, canonicalName, typeByName[canonicalName], ids); err != nil {
			logger.Error("merge canonical entity failed", "name", canonicalName, "error", err)
			continue
		}
		merged++
		logger.Info("linked cross-episode entity", "name", canonicalName, "members", len(ids))
	}

	logger.Info("relink complete", "podcast", podcastName, "merged", merged, "single_episode_only", skipped)
	return nil
}

// groupMembersByCanonical inverts a ResolutionResult's CanonicalByKey (keyed
// "entityID\x00rawName" -> canonicalName) into the per-canonical-name entity
// id groups relink needs: a group with more than one member is a genuine
// cross-episode duplicate.
func groupMembersByCanonical(result seeding.ResolutionResult) (members map[string][]string, typeByName map[string]string) {
	typeByName = make(map[string]string, len(result.Canonical))
	for _, c := range result.Canonical {
		typeByName[c.CanonicalName] = c.Type
	}

	members = make(map[string][]string)
	for key, canonicalName := range result.CanonicalByKey {
		entityID, _, ok := strings.Cut(key, "\x00")
		if !ok {
			continue
		}
		members[canonicalName] = append(members[canonicalName], entityID)
	}
	return members, typeByName
}
