// Package llm is the single choke-point for outbound calls to the remote
// multimodal LLM: every caller goes through Gateway, which composes the
// quota/breaker/retry/key-rotation control plane in pkg/resilience.
package llm

import (
	"context"

	"github.com/loomcast/loomcast/internal/episode"
)

// Provider is the out-of-scope collaborator: the concrete LLM SDK. Gateway
// depends only on this interface, never on a provider's transport details.
type Provider interface {
	// Transcribe uploads audioRef and asks for a full WebVTT transcript.
	Transcribe(ctx context.Context, apiKey, audioRef string, meta episode.Meta) (vttText string, tokensUsed int64, err error)
	// Continue asks for cues starting at or shortly before fromTimeSeconds,
	// using the tail of existingVTT as conversational context.
	Continue(ctx context.Context, apiKey, audioRef, existingVTTContext string, fromTimeSeconds float64, meta episode.Meta) (vttFragment string, tokensUsed int64, err error)
	// IdentifySpeakers maps generic speaker labels to identified names or
	// role descriptions.
	IdentifySpeakers(ctx context.Context, apiKey, vttText string, meta episode.Meta) (mapping map[string]string, tokensUsed int64, err error)
	// Extract is the general JSON/text extraction call used by the seeding
	// pipeline.
	Extract(ctx context.Context, apiKey, prompt string, jsonMode bool) (text string, tokensUsed int64, err error)
}
