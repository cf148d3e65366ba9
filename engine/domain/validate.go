package domain

import (
	"net/url"
	"strings"
)

// ValidateConfig checks the fields required for the transcribe entry point.
func ValidateConfig(cfg Config) error {
	if len(cfg.APIKeys) == 0 {
		return NewValidationError("api_keys", "", ErrMissingAPIKeys)
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return NewValidationError("output_dir", cfg.OutputDir, ErrMissingOutputDir)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return NewValidationError("data_dir", cfg.DataDir, ErrMissingDataDir)
	}
	return nil
}

// ValidateFeedURL checks that a feed URL is a well-formed http(s) URL.
func ValidateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return NewValidationError("feed_url", raw, ErrInvalidFeedURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return NewValidationError("feed_url", raw, ErrInvalidFeedURL)
	}
	return nil
}

// ValidateVTTInput checks that a VTT input path/argument was actually given.
func ValidateVTTInput(path string) error {
	if strings.TrimSpace(path) == "" {
		return NewValidationError("input", path, ErrInvalidVTTInput)
	}
	return nil
}
