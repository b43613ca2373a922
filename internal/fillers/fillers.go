// Package fillers seeds and reports on a small fixed pool of short
// acknowledgement phrases ("thinking...", "one second...") that callers can
// play back immediately while a real response is being generated. Fillers
// are cached like any other entry but marked eviction-protected.
package fillers

import (
	"context"
	"fmt"

	"github.com/MrWong99/ttscache/internal/store"
)

// Template is one fixed filler phrase.
type Template struct {
	ID   string
	Text string
}

// Templates is the fixed catalog of filler phrases. Order is stable so
// ListFillers and GenerateFillers report in a predictable sequence.
var Templates = []Template{
	{ID: "ack_listening", Text: "Evet, dinliyorum"},
	{ID: "ack_thinking", Text: "Hmm, bir saniye"},
	{ID: "ack_searching", Text: "Bakıyorum"},
	{ID: "ack_found", Text: "Buldum, bir saniye"},
	{ID: "ack_analyzing", Text: "Analiz ediyorum"},
	{ID: "ack_summarizing", Text: "Özetliyorum"},
	{ID: "ack_started", Text: "Hemen bakıyorum"},
	{ID: "ack_wait", Text: "Bir dakika"},
}

// Status is the generation/listing status for one template.
type Status string

const (
	StatusExists    Status = "exists"
	StatusGenerated Status = "generated"
	StatusError     Status = "error"
)

// Result reports what happened for one template during GenerateFillers.
type Result struct {
	ID     string
	Text   string
	Status Status
	Error  string
}

// Entry reports the cached state of one template during ListFillers.
type Entry struct {
	ID        string
	Text      string
	Cached    bool
	AudioPath string
}

// Synthesizer is the narrow surface fillers needs from a TTS backend. The
// fallback-group orchestrator satisfies this directly.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error)
}

// Manager generates and reports on filler audio for a given voice.
type Manager struct {
	store     *store.Store
	synth     Synthesizer
	templates []Template
	format    string
	model     string
}

// Option configures a Manager.
type Option func(*Manager)

// WithTemplates overrides the default filler catalog, mainly for tests.
func WithTemplates(templates []Template) Option {
	return func(m *Manager) { m.templates = templates }
}

// WithFormat sets the audio format fillers are synthesized and stored in.
// Defaults to "mp3".
func WithFormat(format string) Option {
	return func(m *Manager) { m.format = format }
}

// WithModel sets the model passed to Synthesize for filler generation.
func WithModel(model string) Option {
	return func(m *Manager) { m.model = model }
}

// NewManager builds a Manager. synth may be nil if the caller only intends
// to call ListFillers.
func NewManager(st *store.Store, synth Synthesizer, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		synth:     synth,
		templates: Templates,
		format:    "mp3",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GenerateFillers synthesizes and caches every template not already cached
// for voice. A synthesis failure for one template is recorded in its
// Result and does not abort the remaining templates.
func (m *Manager) GenerateFillers(ctx context.Context, voice string) ([]Result, error) {
	if m.synth == nil {
		return nil, fmt.Errorf("fillers: no synthesizer configured")
	}

	results := make([]Result, 0, len(m.templates))
	for _, tmpl := range m.templates {
		if _, ok := m.store.Lookup(tmpl.Text, voice); ok {
			results = append(results, Result{ID: tmpl.ID, Text: tmpl.Text, Status: StatusExists})
			continue
		}

		audio, err := m.synth.Synthesize(ctx, tmpl.Text, voice, m.model, m.format)
		if err != nil {
			results = append(results, Result{ID: tmpl.ID, Text: tmpl.Text, Status: StatusError, Error: err.Error()})
			continue
		}

		if _, err := m.store.Store(ctx, tmpl.Text, voice, m.model, audio, m.format, nil, true); err != nil {
			results = append(results, Result{ID: tmpl.ID, Text: tmpl.Text, Status: StatusError, Error: err.Error()})
			continue
		}

		results = append(results, Result{ID: tmpl.ID, Text: tmpl.Text, Status: StatusGenerated})
	}

	return results, nil
}

// ListFillers reports the cached status of every template for voice,
// without synthesizing anything.
func (m *Manager) ListFillers(voice string) []Entry {
	entries := make([]Entry, 0, len(m.templates))
	for _, tmpl := range m.templates {
		result, ok := m.store.Lookup(tmpl.Text, voice)
		entry := Entry{ID: tmpl.ID, Text: tmpl.Text, Cached: ok}
		if ok {
			entry.AudioPath = result.Path
		}
		entries = append(entries, entry)
	}
	return entries
}
