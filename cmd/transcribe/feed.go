package main

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/loomcast/loomcast/internal/episode"
)

// rssFeed fetches and parses a podcast RSS feed into episode.Episode
// values. RSS fetch/XML parsing is named out-of-scope by the spec (no
// library is warranted beyond encoding/xml for a format this standard).
type rssFeed struct {
	client *http.Client
}

func newRSSFeed() *rssFeed {
	return &rssFeed{client: &http.Client{Timeout: 30 * time.Second}}
}

type rssDocument struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Enclosure   struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
	Duration string `xml:"duration"` // itunes:duration, seconds or HH:MM:SS
}

// Fetch downloads feedURL and returns its episodes in feed order.
func (f *rssFeed) Fetch(ctx context.Context, feedURL string) ([]episode.Episode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch %s: %w", feedURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: %s: status %d", feedURL, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("feed: read body: %w", err)
	}

	var doc rssDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("feed: parse xml: %w", err)
	}

	episodes := make([]episode.Episode, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		pubDate, _ := time.Parse(time.RFC1123Z, item.PubDate)
		dur, hasDur := parseDuration(item.Duration)
		episodes = append(episodes, episode.Episode{
			GUID:            item.GUID,
			Title:           item.Title,
			AudioURL:        item.Enclosure.URL,
			DurationSeconds: dur,
			HasDuration:     hasDur,
			PublicationDate: pubDate,
			PodcastName:     doc.Channel.Title,
			Description:     item.Description,
		})
	}
	return episodes, nil
}

// parseDuration accepts itunes:duration in either raw-seconds or HH:MM:SS form.
func parseDuration(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	var h, m, s int
	switch n, _ := fmt.Sscanf(raw, "%d:%d:%d", &h, &m, &s); n {
	case 3:
		return float64(h*3600 + m*60 + s), true
	}
	var secs float64
	if n, _ := fmt.Sscanf(raw, "%f", &secs); n == 1 {
		return secs, true
	}
	return 0, false
}

// httpDownloader downloads audio to a local temp file. Audio download is
// named out-of-scope by the spec; this is the minimal stdlib collaborator
// satisfying transcribe.Downloader.
type httpDownloader struct {
	client  *http.Client
	destDir string
}

func newHTTPDownloader(destDir string) *httpDownloader {
	return &httpDownloader{client: &http.Client{Timeout: 10 * time.Minute}, destDir: destDir}
}

// Download fetches audioURL into destDir and returns the local file path.
func (d *httpDownloader) Download(ctx context.Context, audioURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("download: build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %s: %w", audioURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download: %s: status %d", audioURL, resp.StatusCode)
	}

	if err := os.MkdirAll(d.destDir, 0o755); err != nil {
		return "", fmt.Errorf("download: mkdir: %w", err)
	}
	f, err := os.CreateTemp(d.destDir, "audio-*")
	if err != nil {
		return "", fmt.Errorf("download: create temp: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("download: write: %w", err)
	}
	if n == 0 {
		os.Remove(f.Name())
		return "", fmt.Errorf("download: %s: zero-size body", audioURL)
	}
	return f.Name(), nil
}
