package vtt

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var timingRe = regexp.MustCompile(`^(\d{2}):(\d{2}):(\d{2})\.(\d{3})\s*-->\s*(\d{2}):(\d{2}):(\d{2})\.(\d{3})`)

var voiceTagRe = regexp.MustCompile(`<v\s+([^>]+)>`)

// Parse reads a WebVTT document and returns its cues. It tolerates a
// missing/garbled WEBVTT header but returns an error if no cue block parses.
func Parse(raw string) (Doc, error) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var cues []Cue
	var block []string
	flush := func() error {
		if len(block) == 0 {
			return nil
		}
		cue, ok, err := parseBlock(block)
		block = nil
		if err != nil {
			return err
		}
		if ok {
			cues = append(cues, cue)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return Doc{}, err
			}
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(line), "WEBVTT") || strings.HasPrefix(strings.TrimSpace(line), "NOTE") {
			continue
		}
		block = append(block, line)
	}
	if err := flush(); err != nil {
		return Doc{}, err
	}
	if err := scanner.Err(); err != nil {
		return Doc{}, fmt.Errorf("vtt: scan: %w", err)
	}
	if len(cues) == 0 {
		return Doc{}, fmt.Errorf("vtt: no cues parsed")
	}
	return Doc{Cues: cues}, nil
}

// parseBlock parses one cue's lines: a timing line, then one or more text
// lines. A leading cue-identifier line (no "-->") is skipped if present.
func parseBlock(lines []string) (Cue, bool, error) {
	idx := 0
	if idx < len(lines) && !timingRe.MatchString(lines[idx]) {
		idx++ // skip a bare cue identifier
	}
	if idx >= len(lines) {
		return Cue{}, false, nil
	}
	m := timingRe.FindStringSubmatch(lines[idx])
	if m == nil {
		return Cue{}, false, fmt.Errorf("vtt: bad timing line %q", lines[idx])
	}
	start, err := timestampSeconds(m[1:5])
	if err != nil {
		return Cue{}, false, err
	}
	end, err := timestampSeconds(m[5:9])
	if err != nil {
		return Cue{}, false, err
	}

	text := strings.Join(lines[idx+1:], "\n")
	speaker := ""
	if vm := voiceTagRe.FindStringSubmatch(text); vm != nil {
		speaker = strings.TrimSpace(vm[1])
	}
	text = stripVoiceTags(text)
	text = collapseWhitespace(text)

	return Cue{StartSeconds: start, EndSeconds: end, Speaker: speaker, Text: text}, true, nil
}

func timestampSeconds(parts []string) (float64, error) {
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("vtt: bad hours: %w", err)
	}
	min, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("vtt: bad minutes: %w", err)
	}
	sec, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("vtt: bad seconds: %w", err)
	}
	ms, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, fmt.Errorf("vtt: bad millis: %w", err)
	}
	return float64(h)*3600 + float64(min)*60 + float64(sec) + float64(ms)/1000, nil
}

// stripVoiceTags removes <v Speaker> ... </v> markup, keeping the text.
func stripVoiceTags(s string) string {
	s = voiceTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "</v>", "")
	return s
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// FormatTimestamp renders seconds as HH:MM:SS.mmm.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int64(seconds*1000 + 0.5)
	ms := totalMs % 1000
	totalSec := totalMs / 1000
	s := totalSec % 60
	totalMin := totalSec / 60
	m := totalMin % 60
	h := totalMin / 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// Render writes a Doc back out as WebVTT text, with an optional NOTE block
// prepended after the header.
func Render(d Doc, note string) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	if note != "" {
		b.WriteString("NOTE\n")
		b.WriteString(note)
		b.WriteString("\n\n")
	}
	for _, c := range d.Cues {
		b.WriteString(FormatTimestamp(c.StartSeconds))
		b.WriteString(" --> ")
		b.WriteString(FormatTimestamp(c.EndSeconds))
		b.WriteString("\n")
		if c.Speaker != "" {
			fmt.Fprintf(&b, "<v %s>%s\n\n", c.Speaker, c.Text)
		} else {
			b.WriteString(c.Text)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}
