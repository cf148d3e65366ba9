// Package main implements the Stage A transcription CLI.
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
	"syscall"
	"time"

	"github.com/loomcast/loomcast/engine/domain"
	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/handoff"
	"github.com/loomcast/loomcast/internal/llm"
	"github.com/loomcast/loomcast/internal/transcribe"
	"github.com/loomcast/loomcast/pkg/resilience"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const (
	exitSuccess           = 0
	exitAllFailed         = 1
	exitQuotaReachedClean = 2
	exitFatalConfig       = 3
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	feedURL := flag.String("feed", "", "podcast RSS feed URL")
	max := flag.Int("max", 0, "maximum episodes to process this run (0 = use MAX_EPISODES_PER_RUN)")
	resume := flag.Bool("resume", false, "resume from an active checkpoint if one exists")
	flag.Parse()

	cfg := loadConfig()
	if *resume {
		cfg.Resume = true
	}
	if *max > 0 {
		cfg.MaxEpisodesPerRun = *max
	}

	if err := domain.ValidateConfig(cfg); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(exitFatalConfig)
	}
	if err := domain.ValidateFeedURL(*feedURL); err != nil {
		logger.Error("invalid feed url", "error", err)
		os.Exit(exitFatalConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := run(ctx, cfg, *feedURL, logger)
	if err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(exitFatalConfig)
	}

	logger.Info("run complete", "processed", summary.Processed, "failed", summary.Failed,
		"skipped", summary.Skipped, "quota_reached", summary.QuotaReached)

	switch {
	case summary.Processed == 0 && summary.Failed > 0:
		os.Exit(exitAllFailed)
	case summary.QuotaReached:
		os.Exit(exitQuotaReachedClean)
	default:
		os.Exit(exitSuccess)
	}
}

func run(ctx context.Context, cfg domain.Config, feedURL string, logger *slog.Logger) (domain.RunSummary, error) {
	feed := newRSSFeed()
	episodes, err := feed.Fetch(ctx, feedURL)
	if err != nil {
		return domain.RunSummary{}, fmt.Errorf("fetch feed: %w", err)
	}

	progressPath := filepath.Join(cfg.DataDir, ".progress.json")
	progress := episode.NewProgressStore(progressPath)
	for _, ep := range episodes {
		if err := progress.AddEpisode(ep.GUID); err != nil {
			logger.Warn("add episode to progress store failed", "guid", ep.GUID, "error", err)
		}
	}

	quota := resilience.NewQuotaTracker(
		filepath.Join(cfg.DataDir, ".quota_state.json"),
		resilience.QuotaLimits{
			RequestsPerMinute: cfg.RequestsPerMinutePerKey,
			RequestsPerDay:    cfg.DailyRequestsPerKey,
			TokensPerDay:      cfg.TokensPerDayPerKey,
		},
		time.UTC,
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

	checkpoint := episode.NewCheckpointStore(filepath.Join(cfg.DataDir, "checkpoints"))
	downloader := newHTTPDownloader(filepath.Join(cfg.DataDir, "audio"))

	var publisher transcribe.Publisher
	if url := os.Getenv("NATS_URL"); url != "" {
		nc, err := nats.Connect(url)
		if err != nil {
			logger.Warn("nats connect failed, handoff disabled", "error", err)
		} else {
			defer nc.Close()
			publisher = handoff.NewPublisher(nc)
		}
	}

	tcfg := transcribe.DefaultConfig
	tcfg.OutputRoot = cfg.OutputDir
	tcfg.CoverageMinRatio = cfg.CoverageMinRatio
	tcfg.MaxContinuations = cfg.MaxContinuations
	tcfg.ContinuationOverlapSeconds = cfg.ContinuationOverlapSec
	tcfg.StitchOverlapSeconds = cfg.StitchOverlapSec

	orchestrator := transcribe.New(tcfg, gateway, quota, cfg.APIKeys, checkpoint, progress, downloader, publisher, logger)

	summary := domain.RunSummary{}
	pending := progress.GetPending(3)
	limit := cfg.MaxEpisodesPerRun
	if limit <= 0 || limit > len(pending) {
		limit = len(pending)
	}

	byGUID := make(map[string]episode.Episode, len(episodes))
	for _, ep := range episodes {
		byGUID[ep.GUID] = ep
	}

	for i := 0; i < limit; i++ {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		p := pending[i]
		ep, ok := byGUID[p.GUID]
		if !ok {
			continue
		}

		result := orchestrator.ProcessEpisode(ctx, ep)
		outcome := domain.EpisodeOutcome{GUID: result.GUID, Status: string(result.Outcome), Reason: result.Reason}
		summary.Episodes = append(summary.Episodes, outcome)

		switch result.Outcome {
		case transcribe.OutcomeCompleted:
			summary.Processed++
		case transcribe.OutcomeSkipped:
			summary.Skipped++
			if result.Reason == "quota_preservation" {
				summary.QuotaReached = true
			}
		case transcribe.OutcomeQuotaReached:
			summary.QuotaReached = true
			summary.Skipped++
		default:
			summary.Failed++
		}
	}

	return summary, nil
}

func loadConfig() domain.Config {
	return domain.Config{
		APIKeys:                 collectAPIKeys(),
		OutputDir:               envOr("OUTPUT_DIR", "./output"),
		DataDir:                 envOr("DATA_DIR", "./data"),
		MaxEpisodesPerRun:       envInt("MAX_EPISODES_PER_RUN", 0),
		DailyRequestsPerKey:     envInt("DAILY_REQUESTS_PER_KEY", 25),
		RequestsPerMinutePerKey: envInt("REQUESTS_PER_MINUTE_PER_KEY", 5),
		TokensPerDayPerKey:      int64(envInt("TOKENS_PER_DAY_PER_KEY", 1_000_000)),
		CoverageMinRatio:        envFloat("COVERAGE_MIN_RATIO", 0.85),
		MaxContinuations:        envInt("MAX_CONTINUATIONS", 3),
		ContinuationOverlapSec:  envFloat("CONTINUATION_OVERLAP_SECONDS", 10),
		StitchOverlapSec:        envFloat("STITCH_OVERLAP_SECONDS", 3),
		CircuitInitialCooldown:  time.Duration(envInt("CIRCUIT_INITIAL_COOLDOWN_MINUTES", 30)) * time.Minute,
		CircuitMaxCooldown:      time.Duration(envInt("CIRCUIT_MAX_COOLDOWN_MINUTES", 120)) * time.Minute,
		Resume:                  envBool("RESUME", false),
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
