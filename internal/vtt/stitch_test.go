package vtt

import (
	"strings"
	"testing"
)

func TestTextSimilar(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		want bool
	}{
		{"identical", "hello there", "hello there", true},
		{"substring", "hello", "hello there friend", true},
		{"voice tags stripped", "<v Alice>hello there</v>", "hello there", true},
		{"case insensitive", "Hello There", "hello there", true},
		{"near match lcs", "the quick brown fox jumps", "the quick brown fox jumped", true},
		{"unrelated", "the weather is nice today", "stock prices fell sharply", false},
		{"both empty", "", "", false},
		{"one empty", "hello", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := TextSimilar(c.a, c.b); got != c.want {
				t.Errorf("TextSimilar(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
			}
		})
	}
}

func vttSeg(cues ...string) string {
	out := "WEBVTT\n\n"
	for _, c := range cues {
		out += c + "\n\n"
	}
	return out
}

func TestStitch_DropsOverlappingDuplicateCues(t *testing.T) {
	seg1 := vttSeg(
		"00:00:00.000 --> 00:00:02.000\nfirst cue here",
		"00:00:02.000 --> 00:00:04.000\nsecond cue here",
	)
	// seg2 restarts a couple seconds before seg1's coverage ended, repeating
	// "second cue here" as overlap context before contributing a new cue.
	seg2 := vttSeg(
		"00:00:02.500 --> 00:00:04.500\nsecond cue here",
		"00:00:04.500 --> 00:00:06.000\nthird cue here",
	)

	out := Stitch([]string{seg1, seg2}, 3.0)
	doc, err := Parse(out)
	if err != nil {
		t.Fatalf("stitched output should parse: %v", err)
	}
	if len(doc.Cues) != 3 {
		t.Fatalf("expected 3 surviving cues (the overlap duplicate dropped), got %d: %+v", len(doc.Cues), doc.Cues)
	}
	texts := []string{doc.Cues[0].Text, doc.Cues[1].Text, doc.Cues[2].Text}
	want := []string{"first cue here", "second cue here", "third cue here"}
	for i := range want {
		if texts[i] != want[i] {
			t.Errorf("cue[%d] = %q, want %q", i, texts[i], want[i])
		}
	}
}

func TestStitch_KeepsCuesOutsideOverlapWindowEvenIfSimilar(t *testing.T) {
	seg1 := vttSeg("00:00:00.000 --> 00:00:02.000\nrepeat this line")
	seg2 := vttSeg("00:00:10.000 --> 00:00:12.000\nrepeat this line")

	out := Stitch([]string{seg1, seg2}, 3.0)
	doc, err := Parse(out)
	if err != nil {
		t.Fatalf("stitched output should parse: %v", err)
	}
	if len(doc.Cues) != 2 {
		t.Fatalf("cues more than overlapSeconds apart must both survive even if textually similar, got %d", len(doc.Cues))
	}
}

func TestStitch_OutputIsOrderedByStartTime(t *testing.T) {
	seg1 := vttSeg("00:00:05.000 --> 00:00:07.000\nlater cue")
	seg2 := vttSeg("00:00:00.000 --> 00:00:02.000\nearlier cue")

	out := Stitch([]string{seg1, seg2}, 3.0)
	doc, err := Parse(out)
	if err != nil {
		t.Fatalf("stitched output should parse: %v", err)
	}
	if len(doc.Cues) != 2 || doc.Cues[0].Text != "earlier cue" || doc.Cues[1].Text != "later cue" {
		t.Fatalf("expected cues sorted by start time, got %+v", doc.Cues)
	}
}

func TestStitch_FallsBackToConcatOnUnparsableSegment(t *testing.T) {
	good := vttSeg("00:00:00.000 --> 00:00:02.000\nok cue")
	bad := "this is not a valid vtt document at all"

	out := Stitch([]string{good, bad}, 3.0)
	if out == "" {
		t.Fatal("expected a non-empty fallback concatenation")
	}
	if !strings.Contains(out, bad) {
		t.Errorf("expected the unparsable segment's text to be kept verbatim by the fallback, got %q", out)
	}
	if !strings.Contains(out, "ok cue") {
		t.Errorf("expected the parsable segment's cue text in the fallback output, got %q", out)
	}
}

func TestStitch_DefaultsOverlapSecondsWhenNonPositive(t *testing.T) {
	seg1 := vttSeg("00:00:00.000 --> 00:00:02.000\nsame text")
	seg2 := vttSeg("00:00:02.500 --> 00:00:04.500\nsame text")

	out := Stitch([]string{seg1, seg2}, 0)
	doc, err := Parse(out)
	if err != nil {
		t.Fatalf("stitched output should parse: %v", err)
	}
	if len(doc.Cues) != 1 {
		t.Fatalf("expected the default 3s overlap window to dedup these cues, got %d", len(doc.Cues))
	}
}
