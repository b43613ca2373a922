// Package edge implements [ttsprovider.Provider] against a minimal HTTP
// bridge in front of a free, no-API-key speech backend, serving as the
// backup entry at the tail of the fallback chain.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/ttscache/internal/providererr"
	"github.com/MrWong99/ttscache/pkg/ttsprovider"
)

const defaultVoice = "tr-TR-AhmetNeural"

// Compile-time interface assertion.
var _ ttsprovider.Provider = (*Provider)(nil)

// Provider posts a synthesis request to baseURL and returns the raw audio
// body. It carries no notion of model or response format: the backend
// always returns MP3, matching the original free-tier bridge it fronts.
type Provider struct {
	baseURL      string
	defaultVoice string
	httpClient   *http.Client
}

// Option is a functional option for [New].
type Option func(*Provider)

// WithDefaultVoice overrides the fallback voice used when a request omits one.
func WithDefaultVoice(voice string) Option {
	return func(p *Provider) { p.defaultVoice = voice }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// New constructs a Provider that posts to baseURL + "/synthesize".
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:      baseURL,
		defaultVoice: defaultVoice,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// Synthesize implements [ttsprovider.Provider]. model and format are
// accepted for interface compatibility but ignored: this backend always
// returns MP3 at a fixed quality.
func (p *Provider) Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error) {
	if voice == "" {
		voice = p.defaultVoice
	}

	body, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice})
	if err != nil {
		return nil, fmt.Errorf("edge: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("edge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, providererr.Wrap("edge", 0, fmt.Errorf("edge: request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(resp.Body)
		return nil, providererr.Wrap("edge", resp.StatusCode, fmt.Errorf("edge: %s", msg))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providererr.Wrap("edge", 0, fmt.Errorf("edge: read response: %w", err))
	}
	return audio, nil
}
