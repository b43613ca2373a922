// Package litellm implements [ttsprovider.Provider] against any
// OpenAI-audio-speech-compatible endpoint. LiteLLM's proxy mode exposes
// exactly this shape for every TTS backend it fronts, so one client handles
// the whole "litellm-style router" provider slot named in configuration.
package litellm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/ttscache/internal/providererr"
)

// Provider synthesizes speech through an OpenAI-compatible /audio/speech
// endpoint.
type Provider struct {
	client       oai.Client
	defaultVoice string
}

// config holds optional client construction settings.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	defaultVoice string
}

// Option is a functional option for [New].
type Option func(*config)

// WithBaseURL points the client at a LiteLLM proxy (or any compatible
// endpoint) instead of api.openai.com.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the organization header on every request.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout bounds every HTTP call made by the client.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithDefaultVoice is used when a request omits voice.
func WithDefaultVoice(voice string) Option {
	return func(c *config) { c.defaultVoice = voice }
}

// New constructs a Provider. apiKey may be empty when the proxy doesn't
// require one (local LiteLLM deployments commonly don't).
func New(apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{defaultVoice: "alloy"}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		defaultVoice: cfg.defaultVoice,
	}, nil
}

// Synthesize implements [ttsprovider.Provider].
func (p *Provider) Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error) {
	if voice == "" {
		voice = p.defaultVoice
	}
	if model == "" {
		model = "tts-1"
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(format),
	})
	if err != nil {
		return nil, providererr.Wrap("litellm", statusCodeOf(err), fmt.Errorf("litellm: synthesize: %w", err))
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providererr.Wrap("litellm", 0, fmt.Errorf("litellm: read response: %w", err))
	}
	return audio, nil
}

// statusCodeOf recovers the HTTP status code from an openai-go API error,
// if the failure got that far, so the orchestrator's classification table
// can act on it.
func statusCodeOf(err error) int {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
