package transcribe

import "time"

// Config holds the orchestrator's tunables, all overridable per deployment.
type Config struct {
	OutputRoot                     string
	CoverageMinRatio               float64
	MaxContinuations               int
	ContinuationOverlapSeconds     float64 // "from_time = T - overlap_seconds" when requesting continuation
	StitchOverlapSeconds           float64 // dedup window when stitching
	ExpectedAttemptsForNextEpisode int     // quota-preservation rule
	SpeakerIDMaxRetries            int
	DownloadMaxAttempts            int
	OperationTimeout               time.Duration
}

// DefaultConfig matches the defaults named in the external interface spec.
var DefaultConfig = Config{
	CoverageMinRatio:               0.85,
	MaxContinuations:               3,
	ContinuationOverlapSeconds:     10,
	StitchOverlapSeconds:           3,
	ExpectedAttemptsForNextEpisode: 2,
	SpeakerIDMaxRetries:            2,
	DownloadMaxAttempts:            3,
	OperationTimeout:               120 * time.Second,
}
