// Package extract implements per-unit LLM extraction of entities, insights,
// quotes, relationships, and themes (C12).
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomcast/loomcast/internal/episode"
	"github.com/loomcast/loomcast/internal/seeding"
	"github.com/loomcast/loomcast/pkg/fn"
)

const maxConcurrentUnits = 3

// Extractor is the subset of the LLM gateway extraction needs.
type Extractor interface {
	Extract(ctx context.Context, prompt string, jsonMode bool) (text string, ok bool, err error)
}

type Service struct {
	gw  Extractor
	log *slog.Logger
}

func New(gw Extractor, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{gw: gw, log: log}
}

type rawResponse struct {
	Entities []struct {
		Name         string  `json:"name"`
		Type         string  `json:"type"`
		Description  string  `json:"description"`
		Confidence   float64 `json:"confidence"`
		MentionCount int     `json:"mention_count"`
	} `json:"entities"`
	Insights []struct {
		Content    string  `json:"content"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"insights"`
	Quotes []struct {
		Text       string  `json:"text"`
		Speaker    string  `json:"speaker"`
		QuoteType  string  `json:"quote_type"`
		Importance float64 `json:"importance"`
	} `json:"quotes"`
	Relationships []struct {
		SourceEntity string  `json:"source_entity"`
		TargetEntity string  `json:"target_entity"`
		Type         string  `json:"type"`
		Confidence   float64 `json:"confidence"`
	} `json:"relationships"`
	Themes []string `json:"themes"`
}

// ExtractAll runs extraction across units with bounded concurrency (at most
// 3 in flight at the gateway level); a failing unit yields an empty result
// rather than failing the episode.
func (s *Service) ExtractAll(ctx context.Context, meta episode.Meta, units []seeding.MeaningfulUnit, unitText map[string][]seeding.Utterance) []seeding.ExtractedKnowledge {
	results := fn.ParMapResult(units, maxConcurrentUnits, func(u seeding.MeaningfulUnit) fn.Result[seeding.ExtractedKnowledge] {
		k := s.extractUnit(ctx, meta, u, unitText[u.UnitID])
		return fn.Ok(k)
	})

	out := make([]seeding.ExtractedKnowledge, len(results))
	for i, r := range results {
		k, err := r.Unwrap()
		if err != nil {
			out[i] = seeding.ExtractedKnowledge{UnitID: units[i].UnitID}
			continue
		}
		out[i] = k
	}
	return out
}

func (s *Service) extractUnit(ctx context.Context, meta episode.Meta, unit seeding.MeaningfulUnit, utterances []seeding.Utterance) seeding.ExtractedKnowledge {
	prompt := buildPrompt(meta, unit, utterances)
	text, ok, err := s.gw.Extract(ctx, prompt, true)
	if err != nil || !ok {
		s.log.Warn("unit extraction failed", "unit_id", unit.UnitID, "error", err)
		return seeding.ExtractedKnowledge{UnitID: unit.UnitID}
	}

	var raw rawResponse
	if jsonErr := json.Unmarshal([]byte(extractJSONObject(text)), &raw); jsonErr != nil {
		s.log.Warn("unit extraction malformed response", "unit_id", unit.UnitID, "error", jsonErr)
		return seeding.ExtractedKnowledge{UnitID: unit.UnitID}
	}

	k := seeding.ExtractedKnowledge{UnitID: unit.UnitID, Themes: raw.Themes}
	for _, e := range raw.Entities {
		if e.Name == "" || e.Type == "" {
			continue
		}
		k.Entities = append(k.Entities, seeding.Entity{
			Name:         e.Name,
			Type:         e.Type,
			Description:  e.Description,
			Confidence:   clamp01(e.Confidence),
			MentionCount: e.MentionCount,
		})
	}
	for _, ins := range raw.Insights {
		if ins.Content == "" {
			continue
		}
		k.Insights = append(k.Insights, seeding.Insight{Content: ins.Content, Type: ins.Type, Confidence: clamp01(ins.Confidence)})
	}
	for _, q := range raw.Quotes {
		if q.Text == "" {
			continue
		}
		k.Quotes = append(k.Quotes, seeding.Quote{Text: q.Text, Speaker: q.Speaker, QuoteType: q.QuoteType, Importance: clamp01(q.Importance)})
	}
	for _, r := range raw.Relationships {
		if r.SourceEntity == "" || r.TargetEntity == "" {
			continue
		}
		k.Relationships = append(k.Relationships, seeding.Relationship{
			SourceEntity: r.SourceEntity,
			TargetEntity: r.TargetEntity,
			Type:         r.Type,
			Confidence:   clamp01(r.Confidence),
		})
	}
	return k
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func buildPrompt(meta episode.Meta, unit seeding.MeaningfulUnit, utterances []seeding.Utterance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Podcast: %s\nEpisode: %s\nUnit: %s (%s)\n\n", meta.PodcastName, meta.Title, unit.UnitID, unit.UnitType)
	b.WriteString("Extract entities, insights, quotes, relationships, and themes as JSON.\n\n")
	for _, u := range utterances {
		fmt.Fprintf(&b, "%s: %s\n", u.Speaker, u.Text)
	}
	return b.String()
}

func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
