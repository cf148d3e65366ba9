// Package transcribe drives each episode through the download → transcribe
// → continuation → speaker-identification → VTT-emission state machine,
// checkpointing between stages so a crash resumes without recomputing
// finished work.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/llm"
	"github.com/loomcast/loomcast/internal/vtt"
	"github.com/loomcast/loomcast/pkg/fn"
	"github.com/loomcast/loomcast/pkg/resilience"
)

// Downloader is the out-of-scope audio-download collaborator.
type Downloader interface {
	Download(ctx context.Context, audioURL string) (audioRef string, err error)
}

// Publisher is the optional Stage A→B handoff: on successful VTT emission
// the orchestrator notifies a subscriber (cmd/seed --consume) that a new
// episode is ready to seed. A nil Publisher disables the handoff — the VTT
// file is still written either way, so a batch-mode cmd/seed run over the
// output directory never depends on it.
type Publisher interface {
	PublishEpisodeTranscribed(ctx context.Context, guid, vttPath string) error
}

// Outcome is the terminal result of processing one episode in one run.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeQuotaReached Outcome = "quota_reached"
)

// Result reports what happened to one episode.
type Result struct {
	GUID       string
	Outcome    Outcome
	Reason     string
	OutputPath string
}

// ContinuationInfo records the continuation loop's outcome for observability.
type ContinuationInfo struct {
	Attempts   int     `json:"attempts"`
	FinalRatio float64 `json:"final_ratio"`
}

type audioArtifact struct {
	Ref string `json:"ref"`
}

type transcriptArtifact struct {
	VTT          string           `json:"vtt"`
	Continuation ContinuationInfo `json:"continuation"`
}

type speakerArtifact struct {
	VTT     string            `json:"vtt"`
	Mapping map[string]string `json:"mapping"`
}

// Orchestrator is the C8 transcription state machine.
type Orchestrator struct {
	cfg        Config
	gateway    *llm.Gateway
	quota      *resilience.QuotaTracker
	keys       []string
	checkpoint *episode.CheckpointStore
	progress   *episode.ProgressStore
	downloader Downloader
	publisher  Publisher
	log        *slog.Logger
}

// New builds an Orchestrator. keys is the full API key list, used only to
// evaluate the quota-preservation rule across every key before starting an
// episode; the gateway performs its own rotation independently. publisher
// may be nil.
func New(cfg Config, gateway *llm.Gateway, quota *resilience.QuotaTracker, keys []string, checkpoint *episode.CheckpointStore, progress *episode.ProgressStore, downloader Downloader, publisher Publisher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{cfg: cfg, gateway: gateway, quota: quota, keys: keys, checkpoint: checkpoint, progress: progress, downloader: downloader, publisher: publisher, log: log}
}

// ProcessEpisode drives ep through the full state machine, honoring an
// already-active checkpoint for resume.
func (o *Orchestrator) ProcessEpisode(ctx context.Context, ep episode.Episode) Result {
	log := o.log.With("episode_guid", ep.GUID, "title", ep.Title)

	if o.quotaWouldBeExceeded() {
		log.Info("skipping episode, quota preservation rule")
		return Result{GUID: ep.GUID, Outcome: OutcomeSkipped, Reason: "quota_preservation"}
	}

	if err := o.progress.MarkStarted(ep.GUID); err != nil {
		log.Error("mark started failed", "error", err)
	}

	stage, _, hasCheckpoint := o.checkpoint.Resume()
	if !hasCheckpoint {
		if _, err := o.checkpoint.Begin(ep.GUID); err != nil {
			return o.fail(ep.GUID, fmt.Sprintf("begin checkpoint: %v", err))
		}
		stage = episode.StageDownload
	}

	var audioArt audioArtifact
	var transcriptArt transcriptArtifact
	var speakerArt speakerArtifact

	if stage == episode.StageDownload {
		ref, err := o.download(ctx, ep)
		if err != nil {
			return o.fail(ep.GUID, fmt.Sprintf("download: %v", err))
		}
		audioArt.Ref = ref
		if err := o.checkpoint.Advance(episode.StageDownload, audioArt); err != nil {
			log.Warn("advance checkpoint failed", "error", err)
		}
		stage = episode.StageTranscription
	} else if ok, err := o.checkpoint.LoadArtifact(episode.StageDownload, &audioArt); err != nil || !ok {
		_ = o.checkpoint.Abandon()
		return o.ProcessEpisode(ctx, ep)
	}

	if stage == episode.StageTranscription {
		vttText, ok, err := o.gateway.Transcribe(ctx, audioArt.Ref, ep.Meta())
		if err != nil {
			return o.fail(ep.GUID, fmt.Sprintf("transcribe: %v", err))
		}
		if !ok {
			_ = o.checkpoint.Abandon()
			log.Info("quota skip on transcribe, episode stays pending")
			return Result{GUID: ep.GUID, Outcome: OutcomeQuotaReached, Reason: "quota_reached"}
		}
		transcriptArt.VTT = vttText
		transcriptArt.Continuation = o.continuationLoop(ctx, ep, audioArt.Ref, &transcriptArt.VTT)
		if err := o.checkpoint.Advance(episode.StageTranscription, transcriptArt); err != nil {
			log.Warn("advance checkpoint failed", "error", err)
		}
		stage = episode.StageSpeakerIdentification
	} else if stage != episode.StageDownload {
		if ok, err := o.checkpoint.LoadArtifact(episode.StageTranscription, &transcriptArt); err != nil || !ok {
			// required artifact missing: fall back to restarting from the
			// earliest missing stage by recursing once from scratch.
			_ = o.checkpoint.Abandon()
			return o.ProcessEpisode(ctx, ep)
		}
	}

	if stage == episode.StageSpeakerIdentification {
		mapping, finalVTT := o.identifySpeakers(ctx, ep, transcriptArt.VTT)
		speakerArt = speakerArtifact{VTT: finalVTT, Mapping: mapping}
		if err := o.checkpoint.Advance(episode.StageSpeakerIdentification, speakerArt); err != nil {
			log.Warn("advance checkpoint failed", "error", err)
		}
	} else if ok, err := o.checkpoint.LoadArtifact(episode.StageSpeakerIdentification, &speakerArt); err != nil || !ok {
		_ = o.checkpoint.Abandon()
		return o.ProcessEpisode(ctx, ep)
	}

	outputPath, err := o.emitVTT(ep, speakerArt)
	if err != nil {
		return o.fail(ep.GUID, fmt.Sprintf("emit vtt: %v", err))
	}

	if err := o.progress.MarkCompleted(ep.GUID, outputPath); err != nil {
		log.Error("mark completed failed", "error", err)
	}
	if err := o.checkpoint.Complete(); err != nil {
		log.Warn("checkpoint complete failed", "error", err)
	}
	if o.publisher != nil {
		if err := o.publisher.PublishEpisodeTranscribed(ctx, ep.GUID, outputPath); err != nil {
			log.Warn("handoff publish failed", "error", err)
		}
	}
	return Result{GUID: ep.GUID, Outcome: OutcomeCompleted, OutputPath: outputPath}
}

// quotaWouldBeExceeded implements the quota-preservation rule: the episode
// is skipped rather than half-processed when every key's remaining daily
// budget is below the expected attempt count for one episode.
func (o *Orchestrator) quotaWouldBeExceeded() bool {
	expected := o.cfg.ExpectedAttemptsForNextEpisode
	if expected <= 0 {
		expected = DefaultConfig.ExpectedAttemptsForNextEpisode
	}
	if len(o.keys) == 0 {
		return false
	}
	for _, key := range o.keys {
		if !o.quota.WouldExceedDaily(key, expected) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) fail(guid, reason string) Result {
	_ = o.progress.MarkFailed(guid, reason)
	return Result{GUID: guid, Outcome: OutcomeFailed, Reason: reason}
}

func (o *Orchestrator) download(ctx context.Context, ep episode.Episode) (string, error) {
	attempts := o.cfg.DownloadMaxAttempts
	if attempts <= 0 {
		attempts = DefaultConfig.DownloadMaxAttempts
	}
	result := fn.Retry(ctx, fn.RetryOpts{MaxAttempts: attempts, InitialWait: 2 * time.Second, MaxWait: 20 * time.Second, Jitter: true},
		func(ctx context.Context) fn.Result[string] {
			ref, err := o.downloader.Download(ctx, ep.AudioURL)
			if err != nil {
				return fn.Err[string](err)
			}
			return fn.Ok(ref)
		})
	return result.Unwrap()
}

// continuationLoop implements §4.8 step 3: while coverage falls short of
// CoverageMinRatio and the continuation budget remains, request and stitch
// another fragment using the last known coverage point as the anchor.
func (o *Orchestrator) continuationLoop(ctx context.Context, ep episode.Episode, audioRef string, vttText *string) ContinuationInfo {
	info := ContinuationInfo{}
	if !ep.HasDuration || ep.DurationSeconds <= 0 {
		return info
	}

	minRatio := o.cfg.CoverageMinRatio
	if minRatio <= 0 {
		minRatio = DefaultConfig.CoverageMinRatio
	}
	maxContinuations := o.cfg.MaxContinuations
	if maxContinuations <= 0 {
		maxContinuations = DefaultConfig.MaxContinuations
	}
	overlap := o.cfg.ContinuationOverlapSeconds
	if overlap <= 0 {
		overlap = DefaultConfig.ContinuationOverlapSeconds
	}
	stitchOverlap := o.cfg.StitchOverlapSeconds
	if stitchOverlap <= 0 {
		stitchOverlap = DefaultConfig.StitchOverlapSeconds
	}

	for info.Attempts < maxContinuations {
		doc, err := vtt.Parse(*vttText)
		var coverage float64
		if err == nil {
			coverage = doc.Coverage()
		}
		ratio := 0.0
		if ep.DurationSeconds > 0 {
			ratio = coverage / ep.DurationSeconds
		}
		info.FinalRatio = ratio
		if ratio >= minRatio {
			break
		}

		fromTime := coverage - overlap
		if fromTime < 0 {
			fromTime = 0
		}
		fragment, ok, err := o.gateway.RequestContinuation(ctx, audioRef, lastCuesContext(*vttText, 20), fromTime, ep.Meta())
		if err != nil || !ok {
			break
		}
		*vttText = vtt.Stitch([]string{*vttText, fragment}, stitchOverlap)
		info.Attempts++
	}

	doc, err := vtt.Parse(*vttText)
	if err == nil && ep.DurationSeconds > 0 {
		info.FinalRatio = doc.Coverage() / ep.DurationSeconds
	}
	return info
}

// lastCuesContext returns the trailing n cues of vttText rendered back as
// plain text, used as the continuation prompt's conversational context.
// This is the chosen resolution of the "last N cues vs. whole transcript"
// open question: always the last N cues.
func lastCuesContext(vttText string, n int) string {
	doc, err := vtt.Parse(vttText)
	if err != nil || len(doc.Cues) == 0 {
		return vttText
	}
	start := len(doc.Cues) - n
	if start < 0 {
		start = 0
	}
	return vtt.Render(vtt.Doc{Cues: doc.Cues[start:]}, "")
}

func (o *Orchestrator) identifySpeakers(ctx context.Context, ep episode.Episode, vttText string) (map[string]string, string) {
	maxRetries := o.cfg.SpeakerIDMaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultConfig.SpeakerIDMaxRetries
	}

	var mapping map[string]string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		m, err := o.gateway.IdentifySpeakers(ctx, vttText, ep.Meta())
		if err == nil && m != nil {
			mapping = m
			break
		}
	}
	if mapping == nil {
		o.log.Warn("speaker identification exhausted, keeping generic labels", "episode_guid", ep.GUID)
		return nil, vttText
	}
	return mapping, applySpeakerMapping(vttText, mapping)
}

func applySpeakerMapping(vttText string, mapping map[string]string) string {
	doc, err := vtt.Parse(vttText)
	if err != nil {
		return vttText
	}
	for i, c := range doc.Cues {
		if name, ok := mapping[c.Speaker]; ok {
			doc.Cues[i].Speaker = name
		}
	}
	return vtt.Render(doc, "")
}

func (o *Orchestrator) emitVTT(ep episode.Episode, art speakerArtifact) (string, error) {
	speakers := make(map[string]bool)
	doc, err := vtt.Parse(art.VTT)
	if err == nil {
		for _, c := range doc.Cues {
			if c.Speaker != "" {
				speakers[c.Speaker] = true
			}
		}
	}
	speakerList := make([]string, 0, len(speakers))
	for s := range speakers {
		speakerList = append(speakerList, s)
	}

	note := fmt.Sprintf("podcast: %s\nepisode: %s\nspeakers: %s\ngenerated: %s",
		ep.PodcastName, ep.Title, strings.Join(speakerList, ", "), time.Now().UTC().Format(time.RFC3339))

	final := art.VTT
	if err == nil {
		final = vtt.Render(doc, note)
	}

	dir := filepath.Join(o.cfg.OutputRoot, sanitizePathSegment(ep.PodcastName))
	dateStr := ep.PublicationDate.Format("2006-01-02")
	if ep.PublicationDate.IsZero() {
		dateStr = time.Now().Format("2006-01-02")
	}
	filename := fmt.Sprintf("%s_%s.vtt", dateStr, sanitizePathSegment(ep.Title))
	path := filepath.Join(dir, filename)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("transcribe: mkdir output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-vtt-*")
	if err != nil {
		return "", fmt.Errorf("transcribe: create temp vtt: %w", err)
	}
	if _, err := tmp.WriteString(final); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("transcribe: write temp vtt: %w", err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("transcribe: rename temp vtt: %w", err)
	}
	return path, nil
}

func sanitizePathSegment(s string) string {
	s = strings.TrimSpace(s)
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", "*", "-", "?", "-", "\"", "-", "<", "-", ">", "-", "|", "-")
	s = replacer.Replace(s)
	s = strings.Join(strings.Fields(s), "_")
	if s == "" {
		s = "untitled"
	}
	return s
}
