// Package main implements the read-only status/ops surface over the
// pipeline's persisted progress, quota, and graph state.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/loomcast/loomcast/engine/graph"
	"github.com/loomcast/loomcast/engine/semantic"
	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/pkg/metrics"
	"github.com/loomcast/loomcast/pkg/mid"
	"github.com/loomcast/loomcast/pkg/ollama"
	"github.com/loomcast/loomcast/pkg/resilience"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds all environment-based configuration.
type Config struct {
	Port             string
	DataDir          string
	GraphURI         string
	GraphUser        string
	GraphPass        string
	CORSOrigin       string
	OllamaURL        string
	OllamaModel      string
	QdrantAddr       string
	QdrantCollection string
	RateLimitPerSec  float64
	RateLimitBurst   int
}

func loadConfig() Config {
	return Config{
		Port:             envOr("PORT", "8090"),
		DataDir:          envOr("DATA_DIR", "./data"),
		GraphURI:         envOr("GRAPH_URI", "neo4j://localhost:7687"),
		GraphUser:        envOr("GRAPH_USER", "neo4j"),
		GraphPass:        envOr("GRAPH_PASSWORD", "password"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		OllamaURL:        os.Getenv("OLLAMA_URL"),
		OllamaModel:      envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		QdrantAddr:       os.Getenv("QDRANT_ADDR"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "podcast_entities"),
		RateLimitPerSec:  envFloat("STATUSAPI_RATE_LIMIT_PER_SEC", 20),
		RateLimitBurst:   envInt("STATUSAPI_RATE_LIMIT_BURST", 40),
	}
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.NewDriverWithContext(cfg.GraphURI, neo4j.BasicAuth(cfg.GraphUser, cfg.GraphPass, ""))
	if err != nil {
		return err
	}
	defer driver.Close(ctx)
	graphStore := graph.New(driver)

	progress := episode.NewProgressStore(filepath.Join(cfg.DataDir, ".progress.json"))

	reg := metrics.New()
	requestsTotal := reg.Counter("statusapi_requests_total", "total HTTP requests served")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", reg.Handler())
	mux.HandleFunc("GET /api/v1/progress/{guid}", handleProgress(progress, requestsTotal, logger))
	mux.HandleFunc("GET /api/v1/podcasts/top", handleTopPodcasts(graphStore, logger))
	mux.HandleFunc("GET /api/v1/episodes/recent", handleRecentEpisodes(graphStore, logger))

	if cfg.OllamaURL != "" && cfg.QdrantAddr != "" {
		vs, err := semantic.New(cfg.QdrantAddr, cfg.QdrantCollection)
		if err != nil {
			logger.Warn("semantic search disabled", "error", err)
		} else {
			embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.OllamaModel)
			mux.HandleFunc("GET /api/v1/entities/search", handleEntitySearch(vs, embedder, logger))
		}
	}

	limiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RateLimitPerSec, Burst: cfg.RateLimitBurst})
	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.RateLimit(limiter),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("statusapi starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleProgress(store *episode.ProgressStore, counter *metrics.Counter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counter.Inc()
		guid := r.PathValue("guid")
		p, ok := store.Get(guid)
		if !ok {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p)
	}
}

func handleTopPodcasts(gs *graph.GraphStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		stats, err := gs.TopPodcasts(r.Context(), limit)
		if err != nil {
			logger.Error("top podcasts query failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

func handleEntitySearch(vs *semantic.VectorStore, embedder *ollama.EmbedClient, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, `{"error":"missing q parameter"}`, http.StatusBadRequest)
			return
		}
		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		vec, err := embedder.Embed(r.Context(), q)
		if err != nil {
			logger.Error("entity search embed failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		results, err := vs.Search(r.Context(), vec, limit)
		if err != nil {
			logger.Error("entity search query failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}

func handleRecentEpisodes(gs *graph.GraphStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		stats, err := gs.RecentEpisodes(r.Context(), limit)
		if err != nil {
			logger.Error("recent episodes query failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}
