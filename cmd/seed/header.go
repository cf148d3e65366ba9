package main

import (
	"bufio"
	"strings"
	"time"

	"github.com/loomcast/loomcast/internal/episode"
)

// parseNoteHeader reads the leading "NOTE\nkey: value\n..." block a VTT file
// written by transcribe carries (per the VTT output format) and reconstructs
// enough of episode.Episode to drive the seeding pipeline and graph write.
func parseNoteHeader(raw, guidFallback string) episode.Episode {
	ep := episode.Episode{GUID: guidFallback}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	inNote := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "NOTE" {
			inNote = true
			continue
		}
		if inNote && line == "" {
			break
		}
		if !inNote {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "podcast":
			ep.PodcastName = value
		case "episode":
			ep.Title = value
		case "guid":
			ep.GUID = value
		case "date":
			if t, err := time.Parse("2006-01-02", value); err == nil {
				ep.PublicationDate = t
			}
		}
	}
	return ep
}
