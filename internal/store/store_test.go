package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/ttscache/internal/catalog"
	"github.com/MrWong99/ttscache/internal/hotindex"
	"github.com/MrWong99/ttscache/internal/normalize"
)

func newTestStore(t *testing.T) (*Store, *catalog.Catalog) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	hot := hotindex.New(3)
	s := New(hot, cat, dir, 3, normalize.DefaultConfig(), FuzzyConfig{})
	return s, cat
}

func TestStore_StoreThenExactLookup(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	path, err := s.Store(ctx, "3 kaynak buldum", "v1", "", []byte("audio-a"), "mp3", nil, false)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("artifact not written: %v", err)
	}

	result, ok := s.Lookup("5 kaynak buldum", "v1")
	if !ok {
		t.Fatal("Lookup() should hit on a number-agnostic variant")
	}
	if result.MatchType != MatchExact {
		t.Errorf("Lookup().MatchType = %q, want exact", result.MatchType)
	}
	if result.Path != path {
		t.Errorf("Lookup().Path = %q, want %q", result.Path, path)
	}
}

func TestStore_DuplicateEntrySurfaces(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	v := 1
	if _, err := s.Store(ctx, "hello", "v1", "", []byte("a"), "mp3", &v, false); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := s.Store(ctx, "hello", "v1", "", []byte("b"), "mp3", &v, false); !errors.Is(err, catalog.ErrDuplicateEntry) {
		t.Fatalf("second Store() with same version error = %v, want ErrDuplicateEntry", err)
	}
}

// TestStore_ConcurrentFirstTimeWritesConverge exercises spec.md §8 seed
// scenario 7 at the store level: 8 goroutines race to write the first
// version of a never-before-seen (text, voice) pair, each computing
// next = GetVersionCount()+1 independently. Only one AddEntry can win the
// catalog's unique (fingerprint, voice, version) index; every other caller
// must see catalog.ErrDuplicateEntry rather than silently creating its own
// version number.
func TestStore_ConcurrentFirstTimeWritesConverge(t *testing.T) {
	ctx := context.Background()
	s, cat := newTestStore(t)
	// variety depth 1 caps next at 1, so a goroutine that reads the count
	// after the first insert still targets version 1 instead of adding v2.
	s.varietyDepth = 1

	var wg sync.WaitGroup
	var successes, duplicates atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Store(ctx, "never seen before", "v1", "", []byte("a"), "mp3", nil, false)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, catalog.ErrDuplicateEntry):
				duplicates.Add(1)
			default:
				t.Errorf("Store() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 {
		t.Fatalf("successful Store() calls = %d, want exactly 1", successes.Load())
	}
	if got := successes.Load() + duplicates.Load(); got != 8 {
		t.Fatalf("successes + duplicates = %d, want 8 (every goroutine accounted for)", got)
	}

	fp := normalize.Normalize("never seen before", s.normConfig)
	count, err := cat.GetVersionCount(ctx, fp, "v1")
	if err != nil {
		t.Fatalf("GetVersionCount() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("GetVersionCount() = %d, want exactly 1", count)
	}
}

func TestStore_VarietyGenerationAssignsNextVersion(t *testing.T) {
	ctx := context.Background()
	s, cat := newTestStore(t)

	if _, err := s.Store(ctx, "repeat this", "v1", "", []byte("a"), "mp3", nil, false); err != nil {
		t.Fatalf("Store() #1 error = %v", err)
	}
	if _, err := s.Store(ctx, "repeat this", "v1", "", []byte("b"), "mp3", nil, false); err != nil {
		t.Fatalf("Store() #2 error = %v", err)
	}

	fp := normalize.Normalize("repeat this", s.normConfig)
	count, err := cat.GetVersionCount(ctx, fp, "v1")
	if err != nil {
		t.Fatalf("GetVersionCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("GetVersionCount() = %d, want 2", count)
	}
}
