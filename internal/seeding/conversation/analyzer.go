// Package conversation implements the LLM-assisted detection of an
// episode's thematic structure and unit boundaries (C10).
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/seeding"
)

// Extractor is the subset of the LLM gateway the analyzer needs.
type Extractor interface {
	Extract(ctx context.Context, prompt string, jsonMode bool) (text string, ok bool, err error)
}

// Analyzer produces a ConversationStructure for one episode's utterances.
type Analyzer struct {
	gw  Extractor
	log *slog.Logger
}

func New(gw Extractor, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{gw: gw, log: log}
}

type analyzerResponse struct {
	Themes []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"themes"`
	Spans []struct {
		StartIndex int    `json:"start_index"`
		EndIndex   int    `json:"end_index"`
		UnitType   string `json:"unit_type"`
		IsComplete bool   `json:"is_complete"`
	} `json:"spans"`
	NarrativeArc   string  `json:"narrative_arc"`
	CoherenceScore float64 `json:"coherence_score"`
}

// Analyze calls the gateway for the episode's conversation structure,
// retrying once on a malformed response before falling back to one unit
// spanning the whole episode.
func (a *Analyzer) Analyze(ctx context.Context, meta episode.Meta, utterances []seeding.Utterance) seeding.ConversationStructure {
	prompt := buildPrompt(meta, utterances)

	for attempt := 0; attempt < 2; attempt++ {
		text, ok, err := a.gw.Extract(ctx, prompt, true)
		if err != nil || !ok {
			a.log.Warn("conversation analysis call failed", "attempt", attempt, "error", err)
			continue
		}
		structure, parseErr := parseResponse(text, len(utterances))
		if parseErr == nil {
			return structure
		}
		a.log.Warn("conversation analysis malformed response", "attempt", attempt, "error", parseErr)
	}

	return degenerateStructure(utterances)
}

func parseResponse(text string, numUtterances int) (seeding.ConversationStructure, error) {
	var resp analyzerResponse
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &resp); err != nil {
		return seeding.ConversationStructure{}, fmt.Errorf("conversation: parse response: %w", err)
	}
	if len(resp.Spans) == 0 {
		return seeding.ConversationStructure{}, fmt.Errorf("conversation: response has no spans")
	}

	themes := make([]seeding.Theme, 0, len(resp.Themes))
	for _, t := range resp.Themes {
		if t.Name == "" {
			continue
		}
		themes = append(themes, seeding.Theme{Name: t.Name, Description: t.Description})
	}

	spans := make([]seeding.UnitSpan, 0, len(resp.Spans))
	for _, s := range resp.Spans {
		if s.StartIndex < 0 || s.EndIndex >= numUtterances || s.StartIndex > s.EndIndex {
			continue
		}
		spans = append(spans, seeding.UnitSpan{
			StartIndex: s.StartIndex,
			EndIndex:   s.EndIndex,
			UnitType:   s.UnitType,
			IsComplete: s.IsComplete,
		})
	}
	if len(spans) == 0 {
		return seeding.ConversationStructure{}, fmt.Errorf("conversation: no spans survived validation")
	}

	score := resp.CoherenceScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return seeding.ConversationStructure{
		Themes:         themes,
		Spans:          spans,
		NarrativeArc:   resp.NarrativeArc,
		CoherenceScore: score,
	}, nil
}

// degenerateStructure is the fallback: one unit spanning the whole episode.
func degenerateStructure(utterances []seeding.Utterance) seeding.ConversationStructure {
	if len(utterances) == 0 {
		return seeding.ConversationStructure{}
	}
	return seeding.ConversationStructure{
		Spans: []seeding.UnitSpan{{
			StartIndex: 0,
			EndIndex:   len(utterances) - 1,
			UnitType:   "discussion",
			IsComplete: true,
		}},
		NarrativeArc:   "unstructured",
		CoherenceScore: 0,
	}
}

func buildPrompt(meta episode.Meta, utterances []seeding.Utterance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Podcast: %s\nEpisode: %s\n\n", meta.PodcastName, meta.Title)
	b.WriteString("Identify the episode's themes and unit boundaries as JSON with fields themes, spans, narrative_arc, coherence_score.\n\n")
	for _, u := range utterances {
		fmt.Fprintf(&b, "[%d] %s: %s\n", u.Index, u.Speaker, u.Text)
	}
	return b.String()
}

// extractJSONObject trims leading/trailing prose around a JSON object, in
// case the model wraps it in markdown fencing despite json_mode.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
