// Package episode holds the data model and persistence for one episode's
// processing lifecycle: its identity, its coarse progress status, and its
// resumable mid-flight checkpoint.
package episode

import "time"

// Episode is one RSS feed entry admitted into the pipeline. Immutable once
// admitted; destroyed only by an external purge.
type Episode struct {
	GUID            string    `json:"guid"`
	Title           string    `json:"title"`
	AudioURL        string    `json:"audio_url"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	HasDuration     bool      `json:"has_duration"`
	PublicationDate time.Time `json:"publication_date"`
	PodcastName     string    `json:"podcast_name"`
	Description     string    `json:"description,omitempty"`
}

// Meta is the subset of an episode's attributes passed into LLM prompts.
type Meta struct {
	PodcastName          string
	Title                string
	DurationSeconds      float64
	HasDuration          bool
	ExpectedSpeakerCount int
}

func (e Episode) Meta() Meta {
	return Meta{
		PodcastName:     e.PodcastName,
		Title:           e.Title,
		DurationSeconds: e.DurationSeconds,
		HasDuration:     e.HasDuration,
	}
}

// Status is the coarse EpisodeProgress state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Progress is the per-guid processing state tracked across restarts.
type Progress struct {
	GUID           string    `json:"guid"`
	Status         Status    `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	OutputPath     string    `json:"output_path,omitempty"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// Stage names one step of an episode's checkpointed state machine.
type Stage string

const (
	StageDownload              Stage = "download"
	StageTranscription         Stage = "transcription"
	StageContinuation          Stage = "continuation"
	StageSpeakerIdentification Stage = "speaker_identification"
	StageVTTGeneration         Stage = "vtt_generation"
)

// StageOrder is the fixed sequence the checkpoint store advances through.
var StageOrder = []Stage{
	StageDownload,
	StageTranscription,
	StageContinuation,
	StageSpeakerIdentification,
	StageVTTGeneration,
}

// Checkpoint is the resumable mid-flight state for one in-flight episode.
type Checkpoint struct {
	EpisodeGUID     string           `json:"episode_guid"`
	CompletedStages []Stage          `json:"completed_stages"`
	Artifacts       map[Stage]string `json:"artifacts"`
	StartTime       time.Time        `json:"start_time"`
	LastUpdate      time.Time        `json:"last_update"`
}

func (c *Checkpoint) isCompleted(s Stage) bool {
	for _, done := range c.CompletedStages {
		if done == s {
			return true
		}
	}
	return false
}

// NextStage returns the earliest stage in StageOrder not yet completed, or
// "" with ok=false if every stage is done.
func (c *Checkpoint) NextStage() (stage Stage, ok bool) {
	for _, s := range StageOrder {
		if !c.isCompleted(s) {
			return s, true
		}
	}
	return "", false
}
