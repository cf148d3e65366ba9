// Package vtt parses and stitches WebVTT subtitle files: the wire format
// the transcription orchestrator emits and the seeding pipeline consumes.
package vtt

// Cue is one timed WebVTT cue.
type Cue struct {
	StartSeconds float64
	EndSeconds   float64
	Speaker      string // generic label, e.g. "SPEAKER_1"; "" if untagged
	Text         string
}

// Doc is a parsed WebVTT document: its cues, in the order they appear in the
// file.
type Doc struct {
	Cues []Cue
}

// Coverage returns the end time of the last cue, or 0 for an empty doc.
func (d Doc) Coverage() float64 {
	if len(d.Cues) == 0 {
		return 0
	}
	return d.Cues[len(d.Cues)-1].EndSeconds
}
