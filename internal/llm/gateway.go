package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/pkg/resilience"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("github.com/loomcast/loomcast/internal/llm")

// ErrNoKeyAvailable means every key is currently unusable: all breakers open
// past probe eligibility, or all quotas exhausted.
var ErrNoKeyAvailable = errors.New("llm: no key available")

// Conservative fixed token estimates per operation, used when reserving
// quota ahead of a call whose actual usage isn't known until it returns.
const (
	estimateTranscribe       = 60_000
	estimateContinuation     = 15_000
	estimateIdentifySpeakers = 4_000
	estimateExtract          = 8_000
)

// Gateway composes the quota/breaker/retry/key-rotation control plane in
// front of a Provider. It is the only component that talks to the LLM SDK.
type Gateway struct {
	provider Provider
	keys     *resilience.KeyRotation
	breakers *resilience.Registry
	quota    *resilience.QuotaTracker
	retry    *resilience.RetryPolicy
	limiter  *rate.Limiter
	log      *slog.Logger
	numKeys  int
}

// NewGateway builds a Gateway. limiter is the courtesy pacer applied in
// front of the hard per-key quota check; numKeys bounds the rotation retry
// loop on QuotaExhausted/circuit-open.
func NewGateway(provider Provider, keys *resilience.KeyRotation, breakers *resilience.Registry, quota *resilience.QuotaTracker, retry *resilience.RetryPolicy, limiter *rate.Limiter, numKeys int, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		provider: provider,
		keys:     keys,
		breakers: breakers,
		quota:    quota,
		retry:    retry,
		limiter:  limiter,
		log:      log,
		numKeys:  numKeys,
	}
}

// call runs op against successive keys (bounded by numKeys+1 rotations),
// honoring the courtesy rate limiter, the key's circuit breaker, and the
// retry policy, committing or cancelling the quota reservation as
// appropriate. op must report its actual token usage.
func (g *Gateway) call(ctx context.Context, estimate int64, op func(ctx context.Context, apiKey string) (tokensUsed int64, err error)) error {
	maxRotations := g.numKeys
	if maxRotations <= 0 {
		maxRotations = 1
	}

	var lastErr error
	for rotation := 0; rotation < maxRotations+1; rotation++ {
		acquired, err := g.keys.GetNextAvailable(estimate)
		if err != nil {
			lastErr = err
		}
		if acquired == nil {
			if lastErr == nil {
				return ErrNoKeyAvailable
			}
			return fmt.Errorf("%w: %v", ErrNoKeyAvailable, lastErr)
		}

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				_ = g.keys.CancelReservation(acquired)
				return err
			}
		}

		breaker := g.breakers.Get(acquired.Key)
		var tokensUsed int64
		callErr := breaker.CallIgnoring(ctx, func(ctx context.Context) error {
			return g.retry.Do(ctx, func(ctx context.Context) error {
				used, err := op(ctx, acquired.Key)
				tokensUsed = used
				return err
			})
		}, isQuotaExhausted)

		switch {
		case callErr == nil:
			return g.keys.MarkKeySuccess(acquired, tokensUsed)
		case errors.Is(callErr, resilience.ErrCircuitOpen):
			_ = g.keys.CancelReservation(acquired)
			lastErr = callErr
			continue
		case isQuotaExhausted(callErr):
			_ = g.quota.MarkExhaustedForDay(acquired.Key)
			_ = g.keys.CancelReservation(acquired)
			lastErr = callErr
			continue
		default:
			g.keys.MarkKeyFailure(acquired.Key)
			_ = g.keys.CancelReservation(acquired)
			return callErr
		}
	}
	return fmt.Errorf("%w: %v", ErrNoKeyAvailable, lastErr)
}

func isQuotaExhausted(err error) bool {
	var qe *resilience.QuotaExhaustedError
	return errors.As(err, &qe)
}

// Transcribe uploads audioRef and returns a full WebVTT transcript, or
// ("", false, nil) if quota-skip applies.
func (g *Gateway) Transcribe(ctx context.Context, audioRef string, meta episode.Meta) (vtt string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "llm.Transcribe")
	defer span.End()

	var out string
	callErr := g.call(ctx, estimateTranscribe, func(ctx context.Context, key string) (int64, error) {
		text, tokens, err := g.provider.Transcribe(ctx, key, audioRef, meta)
		if err != nil {
			return 0, err
		}
		out = text
		return tokens, nil
	})
	if errors.Is(callErr, ErrNoKeyAvailable) {
		return "", false, nil
	}
	if callErr != nil {
		return "", false, fmt.Errorf("llm: transcribe: %w", callErr)
	}
	return out, true, nil
}

// RequestContinuation asks for cues at or shortly before fromTimeSeconds.
func (g *Gateway) RequestContinuation(ctx context.Context, audioRef, existingVTTContext string, fromTimeSeconds float64, meta episode.Meta) (fragment string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "llm.RequestContinuation")
	defer span.End()

	var out string
	callErr := g.call(ctx, estimateContinuation, func(ctx context.Context, key string) (int64, error) {
		frag, tokens, err := g.provider.Continue(ctx, key, audioRef, existingVTTContext, fromTimeSeconds, meta)
		if err != nil {
			return 0, err
		}
		out = frag
		return tokens, nil
	})
	if errors.Is(callErr, ErrNoKeyAvailable) {
		return "", false, nil
	}
	if callErr != nil {
		return "", false, fmt.Errorf("llm: request_continuation: %w", callErr)
	}
	return out, true, nil
}

// IdentifySpeakers maps generic speaker labels to identified names.
func (g *Gateway) IdentifySpeakers(ctx context.Context, vttText string, meta episode.Meta) (mapping map[string]string, err error) {
	ctx, span := tracer.Start(ctx, "llm.IdentifySpeakers")
	defer span.End()

	var out map[string]string
	callErr := g.call(ctx, estimateIdentifySpeakers, func(ctx context.Context, key string) (int64, error) {
		m, tokens, err := g.provider.IdentifySpeakers(ctx, key, vttText, meta)
		if err != nil {
			return 0, err
		}
		out = m
		return tokens, nil
	})
	if errors.Is(callErr, ErrNoKeyAvailable) {
		return nil, nil
	}
	if callErr != nil {
		return nil, fmt.Errorf("llm: identify_speakers: %w", callErr)
	}
	return out, nil
}

// Extract is the general extraction call used by the seeding pipeline.
func (g *Gateway) Extract(ctx context.Context, prompt string, jsonMode bool) (text string, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "llm.Extract")
	defer span.End()

	var out string
	callErr := g.call(ctx, estimateExtract, func(ctx context.Context, key string) (int64, error) {
		t, tokens, err := g.provider.Extract(ctx, key, prompt, jsonMode)
		if err != nil {
			return 0, err
		}
		out = t
		return tokens, nil
	})
	if errors.Is(callErr, ErrNoKeyAvailable) {
		return "", false, nil
	}
	if callErr != nil {
		return "", false, fmt.Errorf("llm: extract: %w", callErr)
	}
	return out, true, nil
}
