// Package evictor implements the cache eviction policy: cold, never-hit
// entries first, then an overflow extension by oldest last_hit_at, removing
// catalog rows, artifact files and HotIndex references together.
package evictor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/MrWong99/ttscache/internal/catalog"
	"github.com/MrWong99/ttscache/internal/hotindex"
)

// HotIndexRemover is the one HotIndex capability the evictor needs. Taking
// it as a narrow interface (rather than importing *hotindex.HotIndex
// directly) keeps the evictor from knowing about HotIndex construction, and
// makes the Run→HotIndex direction one-way: the HotIndex never has to know
// an evictor exists.
type HotIndexRemover interface {
	Remove(fingerprint, voice string)
}

// Config tunes eviction thresholds; see catalog.Catalog.GetEvictionCandidates.
type Config struct {
	MaxEntries int
	MinAgeDays int
}

// Evictor removes stale catalog rows, their artifact files, and the
// corresponding HotIndex entries.
type Evictor struct {
	cat *catalog.Catalog
	cfg Config
}

// New constructs an Evictor over cat with the given thresholds.
func New(cat *catalog.Catalog, cfg Config) *Evictor {
	return &Evictor{cat: cat, cfg: cfg}
}

// Run selects eviction candidates and removes each one: the catalog row, the
// artifact file (missing-file errors are ignored), and — when hot is
// non-nil — the HotIndex entry for that candidate's fingerprint/voice.
//
// The catalog's delete/eviction-candidate operations only carry id and
// audio_path, not fingerprint/voice, so Run reads every row's key once via
// GetAllEntries, indexed by audio_path, to recover the key HotIndex.Remove
// needs.
func (e *Evictor) Run(ctx context.Context, hot HotIndexRemover) (removed int, err error) {
	candidates, err := e.cat.GetEvictionCandidates(ctx, e.cfg.MaxEntries, e.cfg.MinAgeDays)
	if err != nil {
		return 0, fmt.Errorf("evictor: get candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	entries, err := e.cat.GetAllEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("evictor: read entries for key lookup: %w", err)
	}
	byPath := make(map[string]catalog.CacheEntry, len(entries))
	for _, entry := range entries {
		byPath[entry.AudioPath] = entry
	}

	for _, cand := range candidates {
		path, err := e.cat.DeleteEntry(ctx, cand.ID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("evictor: delete entry %d: %w", cand.ID, err)
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("evictor: failed to unlink artifact", "path", path, "error", err)
		}

		if hot != nil {
			if entry, ok := byPath[path]; ok {
				hot.Remove(entry.TextNormalized, entry.VoiceID)
			}
		}

		removed++
	}

	slog.Info("eviction run complete", "removed", removed)
	return removed, nil
}

var _ HotIndexRemover = (*hotindex.HotIndex)(nil)
