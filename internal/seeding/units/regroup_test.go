package units

import (
	"testing"

	"github.com/loomcast/loomcast/internal/seeding"
)

func utterance(i int, start, end float64) seeding.Utterance {
	return seeding.Utterance{Index: i, Start: start, End: end, Text: "line"}
}

func TestRegroup_EmptyUtterancesReturnsNil(t *testing.T) {
	got := Regroup(seeding.ConversationStructure{}, nil)
	if got != nil {
		t.Fatalf("expected nil for no utterances, got %+v", got)
	}
}

func TestRegroup_EveryUtteranceBelongsToExactlyOneUnit(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 0, 1), utterance(1, 1, 2), utterance(2, 2, 3), utterance(3, 3, 4)}
	structure := seeding.ConversationStructure{
		Spans: []seeding.UnitSpan{
			{StartIndex: 0, EndIndex: 1, UnitType: "intro", IsComplete: true},
			{StartIndex: 2, EndIndex: 3, UnitType: "discussion", IsComplete: true},
		},
	}

	units := Regroup(structure, utts)
	total := 0
	seen := map[int]bool{}
	for _, u := range units {
		for _, idx := range u.SegmentIndexes {
			if seen[idx] {
				t.Fatalf("utterance index %d assigned to more than one unit", idx)
			}
			seen[idx] = true
			total++
		}
	}
	if total != len(utts) {
		t.Fatalf("expected every utterance covered exactly once, got %d of %d", total, len(utts))
	}
}

func TestRegroup_FillsGapBetweenSpansAsDiscussion(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 0, 1), utterance(1, 1, 2), utterance(2, 2, 3), utterance(3, 3, 4), utterance(4, 4, 5)}
	structure := seeding.ConversationStructure{
		Spans: []seeding.UnitSpan{
			{StartIndex: 0, EndIndex: 0, UnitType: "intro", IsComplete: true},
			{StartIndex: 3, EndIndex: 4, UnitType: "closing", IsComplete: true},
		},
	}

	units := Regroup(structure, utts)
	if len(units) != 3 {
		t.Fatalf("expected 3 units (intro, gap-filled discussion, closing), got %d: %+v", len(units), units)
	}
	if units[1].UnitType != "discussion" {
		t.Errorf("gap unit type = %q, want %q", units[1].UnitType, "discussion")
	}
	if units[1].SegmentIndexes[0] != 1 || units[1].SegmentIndexes[len(units[1].SegmentIndexes)-1] != 2 {
		t.Errorf("gap unit should cover indexes 1-2, got %v", units[1].SegmentIndexes)
	}
}

func TestRegroup_TrimsOverlappingSpanStart(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 0, 1), utterance(1, 1, 2), utterance(2, 2, 3), utterance(3, 3, 4)}
	structure := seeding.ConversationStructure{
		Spans: []seeding.UnitSpan{
			{StartIndex: 0, EndIndex: 2, UnitType: "intro", IsComplete: true},
			{StartIndex: 1, EndIndex: 3, UnitType: "discussion", IsComplete: true},
		},
	}

	units := Regroup(structure, utts)
	var all []int
	for _, u := range units {
		all = append(all, u.SegmentIndexes...)
	}
	want := []int{0, 1, 2, 3}
	if len(all) != len(want) {
		t.Fatalf("expected every index exactly once after overlap trimming, got %v", all)
	}
	for i, idx := range want {
		if all[i] != idx {
			t.Errorf("all[%d] = %d, want %d (order must match utterance order): %v", i, all[i], idx, all)
		}
	}
}

func TestRegroup_DropsSpanEntirelyBeyondUtteranceRange(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 0, 1), utterance(1, 1, 2)}
	structure := seeding.ConversationStructure{
		Spans: []seeding.UnitSpan{
			{StartIndex: 0, EndIndex: 1, UnitType: "intro", IsComplete: true},
			{StartIndex: 5, EndIndex: 9, UnitType: "discussion", IsComplete: true},
		},
	}

	units := Regroup(structure, utts)
	if len(units) != 1 {
		t.Fatalf("expected the out-of-range span to be dropped, got %d units: %+v", len(units), units)
	}
}

func TestRegroup_UnitStartEndDeriveFromContainedUtterances(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 10.0, 12.0), utterance(1, 12.0, 15.5)}
	structure := seeding.ConversationStructure{
		Spans: []seeding.UnitSpan{{StartIndex: 0, EndIndex: 1, UnitType: "intro", IsComplete: true}},
	}

	units := Regroup(structure, utts)
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if units[0].StartTime != 10.0 || units[0].EndTime != 15.5 {
		t.Errorf("unit start/end = %v/%v, want 10.0/15.5", units[0].StartTime, units[0].EndTime)
	}
}

func TestRegroup_NoSpansProducesOneDiscussionUnit(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 0, 1), utterance(1, 1, 2), utterance(2, 2, 3)}
	units := Regroup(seeding.ConversationStructure{}, utts)
	if len(units) != 1 || units[0].UnitType != "discussion" {
		t.Fatalf("expected a single fallback discussion unit covering every utterance, got %+v", units)
	}
	if len(units[0].SegmentIndexes) != 3 {
		t.Errorf("expected all 3 utterances in the fallback unit, got %d", len(units[0].SegmentIndexes))
	}
}

func TestRegroup_AttachesThemesMatchingUnitID(t *testing.T) {
	utts := []seeding.Utterance{utterance(0, 0, 1), utterance(1, 1, 2)}
	structure := seeding.ConversationStructure{
		Spans:  []seeding.UnitSpan{{StartIndex: 0, EndIndex: 1, UnitType: "discussion", IsComplete: true}},
		Themes: []seeding.Theme{{Name: "future of AI", RelatedUnits: []string{"unit_0000"}}},
	}

	units := Regroup(structure, utts)
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if len(units[0].Themes) != 1 || units[0].Themes[0] != "future of AI" {
		t.Errorf("expected theme 'future of AI' attached to unit_0000, got %v", units[0].Themes)
	}
}
