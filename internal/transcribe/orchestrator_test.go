package transcribe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/llm"
	"github.com/loomcast/loomcast/pkg/resilience"
)

type fakeDownloader struct {
	calls int
	err   error
	ref   string
}

func (f *fakeDownloader) Download(ctx context.Context, audioURL string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

type fakeProvider struct {
	transcribeErr  error
	transcribeVTT  string
	speakerMapping map[string]string
	speakerErr     error
}

func (f *fakeProvider) Transcribe(ctx context.Context, apiKey, audioRef string, meta episode.Meta) (string, int64, error) {
	if f.transcribeErr != nil {
		return "", 0, f.transcribeErr
	}
	return f.transcribeVTT, 100, nil
}

func (f *fakeProvider) Continue(ctx context.Context, apiKey, audioRef, existingVTTContext string, fromTimeSeconds float64, meta episode.Meta) (string, int64, error) {
	return "", 0, errors.New("continue not used in this test")
}

func (f *fakeProvider) IdentifySpeakers(ctx context.Context, apiKey, vttText string, meta episode.Meta) (map[string]string, int64, error) {
	if f.speakerErr != nil {
		return nil, 0, f.speakerErr
	}
	return f.speakerMapping, 10, nil
}

func (f *fakeProvider) Extract(ctx context.Context, apiKey, prompt string, jsonMode bool) (string, int64, error) {
	return "", 0, errors.New("extract not used in this test")
}

const testKey = "test-key-1"

func newTestGateway(t *testing.T, dir string, provider llm.Provider) *llm.Gateway {
	t.Helper()
	breakers := resilience.NewRegistry(filepath.Join(dir, "breakers.json"), resilience.DefaultBreakerOpts)
	quota := resilience.NewQuotaTracker(filepath.Join(dir, "quota.json"), resilience.QuotaLimits{RequestsPerMinute: 1000, RequestsPerDay: 1000, TokensPerDay: 1_000_000_000}, nil)
	rotation := resilience.NewKeyRotation([]string{testKey}, breakers, quota, filepath.Join(dir, "rotation.json"))
	retry := resilience.NewRetryPolicy(resilience.RetryOpts{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond, JitterFactor: 0.1})
	return llm.NewGateway(provider, rotation, breakers, quota, retry, nil, 1, nil)
}

func newTestOrchestrator(t *testing.T, gateway *llm.Gateway, downloader Downloader, dir string) (*Orchestrator, *resilience.QuotaTracker) {
	t.Helper()
	quota := resilience.NewQuotaTracker(filepath.Join(dir, "orch_quota.json"), resilience.QuotaLimits{RequestsPerMinute: 1000, RequestsPerDay: 1000, TokensPerDay: 1_000_000_000}, nil)
	checkpoint := episode.NewCheckpointStore(filepath.Join(dir, "checkpoints"))
	progress := episode.NewProgressStore(filepath.Join(dir, "progress.json"))
	cfg := DefaultConfig
	cfg.OutputRoot = filepath.Join(dir, "out")
	cfg.DownloadMaxAttempts = 1
	return New(cfg, gateway, quota, []string{testKey}, checkpoint, progress, downloader, nil, nil), quota
}

func testEpisode() episode.Episode {
	return episode.Episode{
		GUID:        "ep-1",
		Title:       "Episode One",
		AudioURL:    "https://example.com/ep1.mp3",
		PodcastName: "Test Podcast",
		HasDuration: false,
	}
}

func TestOrchestrator_HappyPathCompletesAndWritesVTT(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{
		transcribeVTT:  "WEBVTT\n\n00:00:00.000 --> 00:00:02.000\n<v SPEAKER_1>hello there\n\n",
		speakerMapping: map[string]string{"SPEAKER_1": "Alice"},
	}
	gateway := newTestGateway(t, dir, provider)
	downloader := &fakeDownloader{ref: "audio-ref-1"}
	orch, _ := newTestOrchestrator(t, gateway, downloader, dir)

	result := orch.ProcessEpisode(context.Background(), testEpisode())
	if result.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want %v (reason: %s)", result.Outcome, OutcomeCompleted, result.Reason)
	}
	if result.OutputPath == "" {
		t.Fatal("expected a non-empty output path")
	}
	content, err := os.ReadFile(result.OutputPath)
	if err != nil {
		t.Fatalf("reading output vtt: %v", err)
	}
	if !strings.Contains(string(content), "Alice") {
		t.Errorf("expected the identified speaker name in the final vtt, got:\n%s", content)
	}
}

func TestOrchestrator_QuotaPreservationSkipsBeforeStarting(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{}
	gateway := newTestGateway(t, dir, provider)
	downloader := &fakeDownloader{ref: "audio-ref-1"}
	orch, quota := newTestOrchestrator(t, gateway, downloader, dir)

	if err := quota.MarkExhaustedForDay(testKey); err != nil {
		t.Fatalf("mark exhausted: %v", err)
	}

	result := orch.ProcessEpisode(context.Background(), testEpisode())
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %v, want %v", result.Outcome, OutcomeSkipped)
	}
	if result.Reason != "quota_preservation" {
		t.Errorf("reason = %q, want %q", result.Reason, "quota_preservation")
	}
	if downloader.calls != 0 {
		t.Errorf("expected the quota-preservation rule to skip before any download, got %d download calls", downloader.calls)
	}
}

func TestOrchestrator_DownloadFailureMarksEpisodeFailed(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{}
	gateway := newTestGateway(t, dir, provider)
	downloader := &fakeDownloader{err: errors.New("network unreachable")}
	orch, _ := newTestOrchestrator(t, gateway, downloader, dir)

	result := orch.ProcessEpisode(context.Background(), testEpisode())
	if result.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %v, want %v", result.Outcome, OutcomeFailed)
	}
}

func TestOrchestrator_NoAvailableKeyYieldsQuotaReached(t *testing.T) {
	dir := t.TempDir()
	provider := &fakeProvider{}
	breakers := resilience.NewRegistry(filepath.Join(dir, "breakers.json"), resilience.DefaultBreakerOpts)
	quotaForGateway := resilience.NewQuotaTracker(filepath.Join(dir, "quota.json"), resilience.QuotaLimits{RequestsPerMinute: 1000, RequestsPerDay: 1000, TokensPerDay: 1_000_000_000}, nil)
	rotation := resilience.NewKeyRotation([]string{testKey}, breakers, quotaForGateway, filepath.Join(dir, "rotation.json"))
	retry := resilience.NewRetryPolicy(resilience.RetryOpts{MaxAttempts: 1, InitialWait: time.Millisecond, MaxWait: time.Millisecond, JitterFactor: 0.1})
	gateway := llm.NewGateway(provider, rotation, breakers, quotaForGateway, retry, nil, 1, nil)

	// Trip the breaker before the episode ever starts, so the gateway has no
	// usable key and reports a quota-reached skip rather than erroring out.
	b := breakers.Get(testKey)
	for i := 0; i < resilience.DefaultBreakerOpts.FailThreshold; i++ {
		b.RecordFailure()
	}

	downloader := &fakeDownloader{ref: "audio-ref-1"}
	orch, _ := newTestOrchestrator(t, gateway, downloader, dir)

	result := orch.ProcessEpisode(context.Background(), testEpisode())
	if result.Outcome != OutcomeQuotaReached {
		t.Fatalf("outcome = %v, want %v (reason: %s)", result.Outcome, OutcomeQuotaReached, result.Reason)
	}
}

func TestOrchestrator_ResumesFromCheckpointWithoutRedownloading(t *testing.T) {
	dir := t.TempDir()
	downloader := &fakeDownloader{ref: "audio-ref-1"}

	failingProvider := &fakeProvider{transcribeErr: errors.New("boom, not a recognized class")}
	gateway1 := newTestGateway(t, dir, failingProvider)
	orch1, _ := newTestOrchestrator(t, gateway1, downloader, dir)

	first := orch1.ProcessEpisode(context.Background(), testEpisode())
	if first.Outcome != OutcomeFailed {
		t.Fatalf("first run outcome = %v, want %v", first.Outcome, OutcomeFailed)
	}
	if downloader.calls != 1 {
		t.Fatalf("expected exactly 1 download on the first run, got %d", downloader.calls)
	}

	succeedingProvider := &fakeProvider{
		transcribeVTT:  "WEBVTT\n\n00:00:00.000 --> 00:00:01.000\nhello\n\n",
		speakerMapping: map[string]string{},
	}
	gateway2 := newTestGateway(t, dir, succeedingProvider)
	orch2, _ := newTestOrchestrator(t, gateway2, downloader, dir)

	second := orch2.ProcessEpisode(context.Background(), testEpisode())
	if second.Outcome != OutcomeCompleted {
		t.Fatalf("second run outcome = %v, want %v (reason: %s)", second.Outcome, OutcomeCompleted, second.Reason)
	}
	if downloader.calls != 1 {
		t.Errorf("expected the resumed run to reuse the checkpointed download artifact, but download was called %d times", downloader.calls)
	}
}
