// Package main implements the Stage B seeding CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loomcast/loomcast/engine/domain"
	"github.com/loomcast/loomcast/engine/graph"
	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/handoff"
	"github.com/loomcast/loomcast/internal/llm"
	"github.com/loomcast/loomcast/internal/seeding"
	"github.com/loomcast/loomcast/internal/seeding/conversation"
	"github.com/loomcast/loomcast/internal/seeding/extract"
	"github.com/loomcast/loomcast/internal/seeding/resolve"
	"github.com/loomcast/loomcast/internal/seeding/units"
	"github.com/loomcast/loomcast/pkg/ollama"
	"github.com/loomcast/loomcast/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/time/rate"
)

const exitFatalConfig = 3

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	input := flag.String("input", "", "path to a VTT file or a directory of VTT files")
	consume := flag.Bool("consume", false, "subscribe to the NATS Stage A->B handoff instead of reading --input")
	flag.Parse()

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *consume {
		if err := runConsume(ctx, cfg, logger); err != nil {
			logger.Error("fatal error", "error", err)
			os.Exit(exitFatalConfig)
		}
		return
	}

	if err := domain.ValidateVTTInput(*input); err != nil {
		logger.Error("invalid input", "error", err)
		os.Exit(exitFatalConfig)
	}
	if err := run(ctx, cfg, *input, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(exitFatalConfig)
	}
}

// pipeline bundles everything a seeding run needs, shared between the
// batch (--input) and handoff-driven (--consume) entry points.
type pipeline struct {
	store    *graph.GraphStore
	executor *seeding.Executor
	indexer  *entityIndexer
	closeFn  func(context.Context)
}

func newPipeline(ctx context.Context, cfg domain.Config, logger *slog.Logger) (*pipeline, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.GraphURI, neo4j.BasicAuth(cfg.GraphUser, cfg.GraphPassword, ""))
	if err != nil {
		return nil, fmt.Errorf("graph driver: %w", err)
	}
	store := graph.New(driver)

	quota := resilience.NewQuotaTracker(
		filepath.Join(cfg.DataDir, ".quota_state.json"),
		resilience.QuotaLimits{
			RequestsPerMinute: cfg.RequestsPerMinutePerKey,
			RequestsPerDay:    cfg.DailyRequestsPerKey,
			TokensPerDay:      cfg.TokensPerDayPerKey,
		},
		nil,
	)
	breakers := resilience.NewRegistry(
		filepath.Join(cfg.DataDir, ".circuit_state.json"),
		resilience.BreakerOpts{
			FailThreshold:   resilience.DefaultBreakerOpts.FailThreshold,
			InitialCooldown: cfg.CircuitInitialCooldown,
			MaxCooldown:     cfg.CircuitMaxCooldown,
			ResetAfter:      resilience.DefaultBreakerOpts.ResetAfter,
		},
	)
	keys := resilience.NewKeyRotation(cfg.APIKeys, breakers, quota, filepath.Join(cfg.DataDir, ".key_rotation_state.json"))
	retry := resilience.NewRetryPolicy(resilience.DefaultRetryOpts)
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerMinutePerKey)/60, cfg.RequestsPerMinutePerKey)

	provider := llm.NewHTTPProvider(envOr("ML_WORKER_URL", "http://localhost:8081"))
	gateway := llm.NewGateway(provider, keys, breakers, quota, retry, limiter, len(cfg.APIKeys), logger)

	analyzer := conversation.New(gateway, logger)
	extractor := extract.New(gateway, logger)

	var backstop resolve.EmbeddingBackstop
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		embedder := ollama.NewEmbedClient(url, envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"))
		backstop = resolve.NewOllamaBackstop(embedder)
	}
	resolver := resolve.New(backstop, logger)

	stepStore := seeding.NewStepStore(filepath.Join(cfg.DataDir, "seeding_steps"))
	executor := seeding.NewExecutor(analyzer, units.Regroup, extractor, resolver, store, stepStore, logger)

	indexer, err := newEntityIndexer(
		os.Getenv("OLLAMA_URL"),
		envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		os.Getenv("QDRANT_ADDR"),
		envOr("QDRANT_COLLECTION", "podcast_entities"),
	)
	if err != nil {
		logger.Warn("semantic indexing disabled", "error", err)
	}

	return &pipeline{
		store:    store,
		executor: executor,
		indexer:  indexer,
		closeFn:  func(ctx context.Context) { driver.Close(ctx) },
	}, nil
}

// seedFromVTT runs one episode through the executor and, if semantic
// indexing is enabled, refreshes its entity embeddings. Shared by the
// batch and handoff-consume paths so they apply identical seeding and
// indexing semantics to a single VTT file.
func (p *pipeline) seedFromVTT(ctx context.Context, ep episode.Episode, raw string, logger *slog.Logger) error {
	if err := p.executor.Run(ctx, ep, raw); err != nil {
		return err
	}

	if p.indexer != nil {
		podcastID := graph.PodcastID(ep.PodcastName)
		entities, err := p.store.PodcastEntities(ctx, podcastID)
		if err != nil {
			logger.Warn("fetch entities for indexing failed", "guid", ep.GUID, "error", err)
		} else {
			p.indexer.index(ctx, ep.GUID, entities, logger)
		}
	}
	return nil
}

func run(ctx context.Context, cfg domain.Config, input string, logger *slog.Logger) error {
	paths, err := vttPaths(input)
	if err != nil {
		return fmt.Errorf("list input: %w", err)
	}

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.closeFn(ctx)

	var failed int
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			logger.Error("read vtt file failed", "path", path, "error", err)
			failed++
			continue
		}

		guidFallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		ep := parseNoteHeader(string(raw), guidFallback)

		if err := p.seedFromVTT(ctx, ep, string(raw), logger); err != nil {
			logger.Error("seeding failed", "guid", ep.GUID, "path", path, "error", err)
			failed++
			continue
		}
		logger.Info("seeded episode", "guid", ep.GUID, "path", path)
	}

	if failed > 0 {
		logger.Warn("seed run finished with failures", "failed", failed, "total", len(paths))
	}
	return nil
}

// runConsume drives seeding from the NATS Stage A->B handoff instead of a
// batch directory: it blocks subscribing to EpisodeTranscribedSubject until
// the context is cancelled, seeding one episode per handoff event.
func runConsume(ctx context.Context, cfg domain.Config, logger *slog.Logger) error {
	url := os.Getenv("NATS_URL")
	if url == "" {
		return fmt.Errorf("--consume requires NATS_URL to be set")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	p, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer p.closeFn(ctx)

	handler := func(ctx context.Context, event handoff.EpisodeTranscribed) error {
		raw, err := os.ReadFile(event.VTTPath)
		if err != nil {
			return fmt.Errorf("read vtt file: %w", err)
		}
		guidFallback := strings.TrimSuffix(filepath.Base(event.VTTPath), filepath.Ext(event.VTTPath))
		ep := parseNoteHeader(string(raw), guidFallback)
		if ep.GUID == "" {
			ep.GUID = event.GUID
		}
		return p.seedFromVTT(ctx, ep, string(raw), logger)
	}

	sub, err := handoff.Consume(nc, handler, logger)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logger.Info("seed consumer started", "subject", handoff.EpisodeTranscribedSubject)
	<-ctx.Done()
	logger.Info("seed consumer shutting down")
	return nil
}

func vttPaths(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	var paths []string
	entries, err := os.ReadDir(input)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".vtt") {
			continue
		}
		paths = append(paths, filepath.Join(input, e.Name()))
	}
	return paths, nil
}

func loadConfig() domain.Config {
	return domain.Config{
		APIKeys:                 collectAPIKeys(),
		DataDir:                 envOr("DATA_DIR", "./data"),
		DailyRequestsPerKey:     envInt("DAILY_REQUESTS_PER_KEY", 25),
		RequestsPerMinutePerKey: envInt("REQUESTS_PER_MINUTE_PER_KEY", 5),
		TokensPerDayPerKey:      int64(envInt("TOKENS_PER_DAY_PER_KEY", 1_000_000)),
		CircuitInitialCooldown:  durationMinutes(envInt("CIRCUIT_INITIAL_COOLDOWN_MINUTES", 30)),
		CircuitMaxCooldown:      durationMinutes(envInt("CIRCUIT_MAX_COOLDOWN_MINUTES", 120)),
		GraphURI:                envOr("GRAPH_URI", "neo4j://localhost:7687"),
		GraphUser:               envOr("GRAPH_USER", "neo4j"),
		GraphPassword:           envOr("GRAPH_PASSWORD", "password"),
		GraphDatabase:           envOr("GRAPH_DATABASE", "neo4j"),
	}
}

func collectAPIKeys() []string {
	var keys []string
	for i := 1; ; i++ {
		v := os.Getenv(fmt.Sprintf("API_KEY_%d", i))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}
	return keys
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func durationMinutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
