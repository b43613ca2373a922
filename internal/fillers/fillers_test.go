package fillers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MrWong99/ttscache/internal/catalog"
	"github.com/MrWong99/ttscache/internal/hotindex"
	"github.com/MrWong99/ttscache/internal/normalize"
	"github.com/MrWong99/ttscache/internal/store"
)

type stubSynth struct {
	calls int
	fail  map[string]bool
}

func (s *stubSynth) Synthesize(_ context.Context, text, _, _, _ string) ([]byte, error) {
	s.calls++
	if s.fail[text] {
		return nil, errors.New("synthesis failed")
	}
	return []byte("audio-" + text), nil
}

func newTestManager(t *testing.T, synth Synthesizer) (*Manager, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	hot := hotindex.New(3)
	st := store.New(hot, cat, dir, 3, normalize.DefaultConfig(), store.FuzzyConfig{})
	templates := []Template{
		{ID: "ack_listening", Text: "Evet, dinliyorum"},
		{ID: "ack_thinking", Text: "Hmm, bir saniye"},
	}
	return NewManager(st, synth, WithTemplates(templates)), st
}

func TestGenerateFillers_GeneratesAllWhenUncached(t *testing.T) {
	synth := &stubSynth{}
	m, _ := newTestManager(t, synth)

	results, err := m.GenerateFillers(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GenerateFillers() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != StatusGenerated {
			t.Errorf("result %s status = %q, want generated", r.ID, r.Status)
		}
	}
	if synth.calls != 2 {
		t.Errorf("synth.calls = %d, want 2", synth.calls)
	}
}

func TestGenerateFillers_SkipsAlreadyCached(t *testing.T) {
	synth := &stubSynth{}
	m, st := newTestManager(t, synth)

	if _, err := st.Store(context.Background(), "Evet, dinliyorum", "v1", "", []byte("pre-existing"), "mp3", nil, true); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	results, err := m.GenerateFillers(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GenerateFillers() error = %v", err)
	}

	var existsCount, generatedCount int
	for _, r := range results {
		switch r.Status {
		case StatusExists:
			existsCount++
		case StatusGenerated:
			generatedCount++
		}
	}
	if existsCount != 1 || generatedCount != 1 {
		t.Fatalf("existsCount=%d generatedCount=%d, want 1 and 1", existsCount, generatedCount)
	}
	if synth.calls != 1 {
		t.Errorf("synth.calls = %d, want 1", synth.calls)
	}
}

func TestGenerateFillers_RecordsErrorWithoutAborting(t *testing.T) {
	synth := &stubSynth{fail: map[string]bool{"Evet, dinliyorum": true}}
	m, _ := newTestManager(t, synth)

	results, err := m.GenerateFillers(context.Background(), "v1")
	if err != nil {
		t.Fatalf("GenerateFillers() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Status != StatusError || results[0].Error == "" {
		t.Errorf("results[0] = %+v, want error status with message", results[0])
	}
	if results[1].Status != StatusGenerated {
		t.Errorf("results[1].Status = %q, want generated", results[1].Status)
	}
}

func TestGenerateFillers_NoSynthesizerConfigured(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.GenerateFillers(context.Background(), "v1"); err == nil {
		t.Fatal("GenerateFillers() with nil synthesizer should error")
	}
}

func TestListFillers_ReportsCachedStatus(t *testing.T) {
	synth := &stubSynth{}
	m, st := newTestManager(t, synth)

	path, err := st.Store(context.Background(), "Hmm, bir saniye", "v1", "", []byte("cached"), "mp3", nil, true)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	entries := m.ListFillers("v1")
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}

	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}

	if byID["ack_listening"].Cached {
		t.Error("ack_listening should not be cached")
	}
	if !byID["ack_thinking"].Cached {
		t.Error("ack_thinking should be cached")
	}
	if byID["ack_thinking"].AudioPath != path {
		t.Errorf("AudioPath = %q, want %q", byID["ack_thinking"].AudioPath, path)
	}
}
