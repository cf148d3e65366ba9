package vtt

import (
	"sort"
	"strings"
)

const (
	defaultOverlapSeconds    = 3.0
	similarityThreshold      = 0.85
)

// Stitch merges ordered VTT segments into one document, suppressing cues
// from a later segment that duplicate one already placed: a cue is
// suppressed if an existing cue starts within overlapSeconds AND the two
// texts are similar per TextSimilar. If any segment fails to parse, Stitch
// falls back to a plain textual concatenation of all segments' bodies.
func Stitch(segments []string, overlapSeconds float64) string {
	if overlapSeconds <= 0 {
		overlapSeconds = defaultOverlapSeconds
	}

	docs := make([]Doc, 0, len(segments))
	for _, seg := range segments {
		d, err := Parse(seg)
		if err != nil {
			return fallbackConcat(segments)
		}
		docs = append(docs, d)
	}

	var out []Cue
	for _, d := range docs {
		for _, cue := range d.Cues {
			if isDuplicate(out, cue, overlapSeconds) {
				continue
			}
			out = append(out, cue)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartSeconds < out[j].StartSeconds })
	return Render(Doc{Cues: out}, "")
}

func isDuplicate(existing []Cue, cue Cue, overlapSeconds float64) bool {
	for _, e := range existing {
		if absDiff(e.StartSeconds, cue.StartSeconds) > overlapSeconds {
			continue
		}
		if TextSimilar(e.Text, cue.Text) {
			return true
		}
	}
	return false
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

// fallbackConcat writes a single WEBVTT header, drops every segment's own
// WEBVTT line, and concatenates the rest of each segment (NOTE blocks
// included) verbatim.
func fallbackConcat(segments []string) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range segments {
		for _, line := range strings.Split(seg, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "WEBVTT") {
				continue
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// TextSimilar implements the stitching similarity predicate: strip voice
// tags, lowercase, and compare. Two texts are similar if either is a
// substring of the other, or their LCS-based similarity ratio (normalized by
// the shorter string's length) is at least similarityThreshold. Empty
// strings are never similar.
func TextSimilar(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(stripVoiceTags(a)))
	b = strings.ToLower(strings.TrimSpace(stripVoiceTags(b)))
	if a == "" || b == "" {
		return false
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return lcsRatio(a, b) >= similarityThreshold
}

// lcsRatio returns the longest-common-subsequence length between a and b,
// normalized by the shorter string's length.
func lcsRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	shorter := len(ra)
	if len(rb) < shorter {
		shorter = len(rb)
	}
	if shorter == 0 {
		return 0
	}
	lcs := lcsLength(ra, rb)
	return float64(lcs) / float64(shorter)
}

func lcsLength(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
