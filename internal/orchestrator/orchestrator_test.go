package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/ttscache/internal/providererr"
)

type stubProvider struct {
	calls   int
	results []result
}

type result struct {
	audio []byte
	err   error
}

func (s *stubProvider) Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error) {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	r := s.results[i]
	return r.audio, r.err
}

func TestFallbackGroup_TimeoutFallsBackToBackup(t *testing.T) {
	primary := &stubProvider{results: []result{{err: providererr.Wrap("primary", 0, context.DeadlineExceeded)}}}
	backup := &stubProvider{results: []result{{audio: []byte("edge-audio")}}}

	g := New([]Entry{
		{Name: "primary", Provider: primary},
		{Name: "backup", Provider: backup},
	}, Config{})

	audio, err := g.Synthesize(context.Background(), "hi", "v1", "tts-1", "mp3")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if string(audio) != "edge-audio" {
		t.Fatalf("Synthesize() = %q, want edge-audio", audio)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Errorf("call counts = primary:%d backup:%d, want 1 and 1", primary.calls, backup.calls)
	}
}

func TestFallbackGroup_CircuitOpensAfterThreeRetryableFailures(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	primary := &stubProvider{results: []result{
		{err: providererr.Wrap("primary", 429, errors.New("rate limited"))},
		{err: providererr.Wrap("primary", 429, errors.New("rate limited"))},
		{err: providererr.Wrap("primary", 429, errors.New("rate limited"))},
		{audio: []byte("should-not-be-reached")},
	}}
	backup := &stubProvider{results: []result{{audio: []byte("edge-audio")}}}

	g := New([]Entry{
		{Name: "primary", Provider: primary},
		{Name: "backup", Provider: backup},
	}, Config{Now: clock})

	for i := 0; i < 3; i++ {
		if _, err := g.Synthesize(context.Background(), "hi", "v1", "tts-1", "mp3"); err != nil {
			t.Fatalf("Synthesize() call %d error = %v", i, err)
		}
	}
	if primary.calls != 3 || backup.calls != 3 {
		t.Fatalf("after 3 rounds, calls = primary:%d backup:%d, want 3 and 3", primary.calls, backup.calls)
	}

	// Fourth call: circuit should now be open, skipping primary entirely.
	audio, err := g.Synthesize(context.Background(), "hi", "v1", "tts-1", "mp3")
	if err != nil {
		t.Fatalf("Synthesize() 4th call error = %v", err)
	}
	if string(audio) != "edge-audio" {
		t.Fatalf("Synthesize() 4th call = %q, want edge-audio", audio)
	}
	if primary.calls != 3 {
		t.Errorf("primary.calls = %d, want still 3 (circuit should have skipped it)", primary.calls)
	}
	if backup.calls != 4 {
		t.Errorf("backup.calls = %d, want 4", backup.calls)
	}
}

func TestFallbackGroup_TerminalErrorAbortsWithoutFallback(t *testing.T) {
	primary := &stubProvider{results: []result{{err: providererr.Wrap("primary", 400, errors.New("bad request"))}}}
	backup := &stubProvider{results: []result{{audio: []byte("edge-audio")}}}

	g := New([]Entry{
		{Name: "primary", Provider: primary},
		{Name: "backup", Provider: backup},
	}, Config{})

	if _, err := g.Synthesize(context.Background(), "", "v1", "tts-1", "mp3"); err == nil {
		t.Fatal("Synthesize() should surface the terminal error")
	}
	if backup.calls != 0 {
		t.Errorf("backup.calls = %d, want 0 (terminal error must not fall back)", backup.calls)
	}
}

func TestFallbackGroup_AllProvidersUnavailable(t *testing.T) {
	primary := &stubProvider{results: []result{{err: providererr.Wrap("primary", 500, errors.New("boom"))}}}
	backup := &stubProvider{results: []result{{err: providererr.Wrap("backup", 500, errors.New("boom too"))}}}

	g := New([]Entry{
		{Name: "primary", Provider: primary},
		{Name: "backup", Provider: backup},
	}, Config{})

	if _, err := g.Synthesize(context.Background(), "hi", "v1", "tts-1", "mp3"); !errors.Is(err, ErrAllProvidersUnavailable) {
		t.Fatalf("Synthesize() error = %v, want ErrAllProvidersUnavailable", err)
	}
}

func TestClassify_StatusCodeTable(t *testing.T) {
	tests := []struct {
		status       int
		wantTerminal bool
		wantCounted  bool
	}{
		{400, true, false},
		{429, false, true},
		{500, false, true},
		{503, false, true},
		{404, true, false},
	}
	for _, tt := range tests {
		err := providererr.Wrap("p", tt.status, errors.New("x"))
		terminal, counted := classify(err)
		if terminal != tt.wantTerminal || counted != tt.wantCounted {
			t.Errorf("classify(status=%d) = (%v, %v), want (%v, %v)", tt.status, terminal, counted, tt.wantTerminal, tt.wantCounted)
		}
	}
}

func TestClassify_UnknownErrorIsRetryableAndCounted(t *testing.T) {
	terminal, counted := classify(errors.New("mystery failure"))
	if terminal {
		t.Error("classify(unknown) terminal = true, want false")
	}
	if !counted {
		t.Error("classify(unknown) counted = false, want true")
	}
}
