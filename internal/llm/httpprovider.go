package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loomcast/loomcast/internal/episode"
)

// HTTPProvider implements Provider against a JSON/HTTP multimodal worker,
// the same call shape as pkg/ollama.EmbedClient: one POST per operation,
// api key carried as a bearer header rather than in the body.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a Provider backed by an HTTP transcription worker
// at baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{baseURL: baseURL, client: &http.Client{}}
}

func (p *HTTPProvider) post(ctx context.Context, apiKey, path string, body, out any) (int64, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("llm: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("llm: %s: status %d", path, resp.StatusCode)
	}

	var envelope struct {
		TokensUsed int64           `json:"tokens_used"`
		Result     json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return 0, fmt.Errorf("llm: %s: decode: %w", path, err)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return envelope.TokensUsed, fmt.Errorf("llm: %s: decode result: %w", path, err)
		}
	}
	return envelope.TokensUsed, nil
}

type transcribeReq struct {
	AudioRef string      `json:"audio_ref"`
	Meta     episode.Meta `json:"meta"`
}

func (p *HTTPProvider) Transcribe(ctx context.Context, apiKey, audioRef string, meta episode.Meta) (string, int64, error) {
	var out struct {
		VTT string `json:"vtt"`
	}
	tokens, err := p.post(ctx, apiKey, "/v1/transcribe", transcribeReq{AudioRef: audioRef, Meta: meta}, &out)
	return out.VTT, tokens, err
}

type continueReq struct {
	AudioRef        string      `json:"audio_ref"`
	ExistingContext string      `json:"existing_context"`
	FromTimeSeconds float64     `json:"from_time_seconds"`
	Meta            episode.Meta `json:"meta"`
}

func (p *HTTPProvider) Continue(ctx context.Context, apiKey, audioRef, existingVTTContext string, fromTimeSeconds float64, meta episode.Meta) (string, int64, error) {
	var out struct {
		VTT string `json:"vtt"`
	}
	tokens, err := p.post(ctx, apiKey, "/v1/continue", continueReq{
		AudioRef: audioRef, ExistingContext: existingVTTContext, FromTimeSeconds: fromTimeSeconds, Meta: meta,
	}, &out)
	return out.VTT, tokens, err
}

type identifySpeakersReq struct {
	VTT  string      `json:"vtt"`
	Meta episode.Meta `json:"meta"`
}

func (p *HTTPProvider) IdentifySpeakers(ctx context.Context, apiKey, vttText string, meta episode.Meta) (map[string]string, int64, error) {
	var out struct {
		Mapping map[string]string `json:"mapping"`
	}
	tokens, err := p.post(ctx, apiKey, "/v1/identify-speakers", identifySpeakersReq{VTT: vttText, Meta: meta}, &out)
	return out.Mapping, tokens, err
}

type extractReq struct {
	Prompt   string `json:"prompt"`
	JSONMode bool   `json:"json_mode"`
}

func (p *HTTPProvider) Extract(ctx context.Context, apiKey, prompt string, jsonMode bool) (string, int64, error) {
	var out struct {
		Text string `json:"text"`
	}
	tokens, err := p.post(ctx, apiKey, "/v1/extract", extractReq{Prompt: prompt, JSONMode: jsonMode}, &out)
	return out.Text, tokens, err
}
