// Package units implements the Segment Regrouper (C11): turning the
// conversation analyzer's proposed spans plus raw utterances into
// MeaningfulUnit records.
package units

import (
	"fmt"

	"github.com/loomcast/loomcast/internal/seeding"
)

// Regroup enforces: every utterance belongs to exactly one unit; unit
// start/end derive from its first/last contained utterance; unit order
// matches utterance order; empty units are dropped.
func Regroup(structure seeding.ConversationStructure, utterances []seeding.Utterance) []seeding.MeaningfulUnit {
	if len(utterances) == 0 {
		return nil
	}

	spans := normalizeSpans(structure.Spans, len(utterances))

	units := make([]seeding.MeaningfulUnit, 0, len(spans))
	for _, span := range spans {
		indexes := make([]int, 0, span.EndIndex-span.StartIndex+1)
		for i := span.StartIndex; i <= span.EndIndex; i++ {
			indexes = append(indexes, utterances[i].Index)
		}
		if len(indexes) == 0 {
			continue
		}
		unit := seeding.MeaningfulUnit{
			UnitID:         fmt.Sprintf("unit_%04d", len(units)),
			UnitType:       span.UnitType,
			StartTime:      utterances[span.StartIndex].Start,
			EndTime:        utterances[span.EndIndex].End,
			SegmentIndexes: indexes,
			IsComplete:     span.IsComplete,
		}
		unit.Themes = themesForSpan(structure.Themes, unit.UnitID)
		units = append(units, unit)
	}
	return units
}

// normalizeSpans sorts spans by start index and fills any gap or overlap so
// every utterance index 0..n-1 belongs to exactly one span, preserving the
// analyzer's unit_type/is_complete for the span that originally claimed each
// region and falling back to "discussion" for any gap span inserted.
func normalizeSpans(spans []seeding.UnitSpan, n int) []seeding.UnitSpan {
	sorted := make([]seeding.UnitSpan, len(spans))
	copy(sorted, spans)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].StartIndex < sorted[j-1].StartIndex; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var out []seeding.UnitSpan
	cursor := 0
	for _, s := range sorted {
		start, end := s.StartIndex, s.EndIndex
		if start > n-1 {
			continue
		}
		if end > n-1 {
			end = n - 1
		}
		if start < cursor {
			start = cursor
		}
		if start > end {
			continue
		}
		if start > cursor {
			out = append(out, seeding.UnitSpan{StartIndex: cursor, EndIndex: start - 1, UnitType: "discussion", IsComplete: true})
		}
		out = append(out, seeding.UnitSpan{StartIndex: start, EndIndex: end, UnitType: s.UnitType, IsComplete: s.IsComplete})
		cursor = end + 1
	}
	if cursor <= n-1 {
		out = append(out, seeding.UnitSpan{StartIndex: cursor, EndIndex: n - 1, UnitType: "discussion", IsComplete: true})
	}
	return out
}

func themesForSpan(themes []seeding.Theme, unitID string) []string {
	var out []string
	for _, t := range themes {
		for _, ru := range t.RelatedUnits {
			if ru == unitID {
				out = append(out, t.Name)
			}
		}
	}
	return out
}
