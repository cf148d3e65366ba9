package resolve

import (
	"context"
	"fmt"
	"math"
)

// embeddingSimilarityThreshold is the cosine-similarity cutoff used to break
// a borderline (0.75-0.85) text-similarity tie.
const embeddingSimilarityThreshold = 0.90

// Embedder is the subset of pkg/ollama.Embedder the backstop needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaBackstop implements EmbeddingBackstop using an Embedder for cosine
// similarity between two normalized entity names.
type OllamaBackstop struct {
	embedder Embedder
}

func NewOllamaBackstop(embedder Embedder) *OllamaBackstop {
	return &OllamaBackstop{embedder: embedder}
}

func (b *OllamaBackstop) Similar(ctx context.Context, a, bName string) (bool, error) {
	va, err := b.embedder.Embed(ctx, a)
	if err != nil {
		return false, fmt.Errorf("resolve: embed %q: %w", a, err)
	}
	vb, err := b.embedder.Embed(ctx, bName)
	if err != nil {
		return false, fmt.Errorf("resolve: embed %q: %w", bName, err)
	}
	return cosineSimilarity(va, vb) >= embeddingSimilarityThreshold, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
