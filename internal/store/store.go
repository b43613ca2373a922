// Package store composes the [hotindex.HotIndex], the artifact directory and
// the [catalog.Catalog] into the single write/lookup surface the request
// pipeline uses.
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MrWong99/ttscache/internal/catalog"
	"github.com/MrWong99/ttscache/internal/hotindex"
	"github.com/MrWong99/ttscache/internal/normalize"
)

// MatchType distinguishes how a [Lookup] result was found.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
)

// FuzzyConfig configures the optional approximate-match stage.
type FuzzyConfig struct {
	Enabled   bool
	Threshold float64
	Scorer    string
}

// Result is what [Store.Lookup] returns on a hit.
type Result struct {
	Path       string
	MatchType  MatchType
	Score      float64
	Normalized string
	// Matched is the fingerprint the cache actually matched against; for an
	// exact hit this equals Normalized, for a fuzzy hit it may differ.
	Matched string
}

// Store ties together the hot lookup index, the durable catalog and the
// on-disk artifact directory.
type Store struct {
	hot          *hotindex.HotIndex
	cat          *catalog.Catalog
	audioDir     string
	varietyDepth int
	normConfig   normalize.Config
	fuzzy        FuzzyConfig
}

// New constructs a Store. hot may be freshly loaded from cat or empty; New
// does not load it itself — callers load HotIndex once at startup via
// [hotindex.HotIndex.Load] fed by [catalog.Catalog.GetAllEntries].
func New(hot *hotindex.HotIndex, cat *catalog.Catalog, audioDir string, varietyDepth int, normConfig normalize.Config, fuzzy FuzzyConfig) *Store {
	return &Store{
		hot:          hot,
		cat:          cat,
		audioDir:     audioDir,
		varietyDepth: varietyDepth,
		normConfig:   normConfig,
		fuzzy:        fuzzy,
	}
}

// Fingerprint normalizes text under the store's configured normalization
// rules. Exposed so callers that need the cache-equivalence key itself —
// rather than a lookup or a write — can derive it consistently, e.g. to key
// background work by (fingerprint, voice) instead of raw input text.
func (s *Store) Fingerprint(text string) string {
	return normalize.Normalize(text, s.normConfig)
}

// Lookup normalizes text and delegates to the exact-then-fuzzy matcher.
func (s *Store) Lookup(text, voice string) (Result, bool) {
	fingerprint := normalize.Normalize(text, s.normConfig)
	if fingerprint == "" {
		return Result{}, false
	}

	if path, ok := s.hot.Exact(fingerprint, voice); ok {
		return Result{Path: path, MatchType: MatchExact, Score: 100, Normalized: fingerprint, Matched: fingerprint}, true
	}

	if !s.fuzzy.Enabled {
		return Result{}, false
	}

	matched, path, score, ok := s.hot.Fuzzy(fingerprint, voice, s.fuzzy.Threshold, s.fuzzy.Scorer)
	if !ok {
		return Result{}, false
	}
	return Result{Path: path, MatchType: MatchFuzzy, Score: score, Normalized: fingerprint, Matched: matched}, true
}

// RecordHit increments hit_count and updates last_hit_at for every row
// matching (fingerprint, voice), satisfying the at-most-once accounting the
// request pipeline relies on. A nil catalog makes this a no-op, matching
// Lookup/Store's tolerance of a catalog-less Store used in pure HotIndex tests.
func (s *Store) RecordHit(ctx context.Context, fingerprint, voice string) error {
	if s.cat == nil {
		return nil
	}
	return s.cat.RecordHit(ctx, fingerprint, voice, nil)
}

// VersionCount reports how many renditions of (text, voice) already exist,
// after normalization. Used by background variety generation to decide
// whether another rendition is worth synthesizing.
func (s *Store) VersionCount(ctx context.Context, text, voice string) (int, error) {
	if s.cat == nil {
		return 0, nil
	}
	fingerprint := normalize.Normalize(text, s.normConfig)
	return s.cat.GetVersionCount(ctx, fingerprint, voice)
}

// Store writes audio to disk, updates the HotIndex, and inserts the catalog
// row. version, when nil, is computed from the existing version count
// capped at varietyDepth. isFiller marks the row as eviction-protected.
// Returns the written path. A [catalog.ErrDuplicateEntry] bubbles up
// unchanged so the request pipeline can convert it into a hit on the row
// that won the race.
func (s *Store) Store(ctx context.Context, textOriginal, voice, model string, audio []byte, format string, version *int, isFiller bool) (string, error) {
	fingerprint := normalize.Normalize(textOriginal, s.normConfig)

	next := 1
	if version != nil {
		next = *version
	} else if s.cat != nil {
		count, err := s.cat.GetVersionCount(ctx, fingerprint, voice)
		if err != nil {
			return "", fmt.Errorf("store: get version count: %w", err)
		}
		next = count + 1
		if s.varietyDepth > 0 && next > s.varietyDepth {
			next = s.varietyDepth
		}
	}

	name := artifactName(fingerprint, voice, format, next)
	path := filepath.Join(s.audioDir, name)

	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("store: write artifact: %w", err)
	}

	if s.cat != nil {
		_, err := s.cat.AddEntry(ctx, catalog.CacheEntry{
			TextOriginal:   textOriginal,
			TextNormalized: fingerprint,
			VoiceID:        voice,
			Model:          model,
			AudioPath:      path,
			AudioFormat:    format,
			FileSize:       int64(len(audio)),
			IsFiller:       isFiller,
			VersionNum:     next,
		})
		if err != nil {
			if errors.Is(err, catalog.ErrDuplicateEntry) {
				return path, err
			}
			return "", fmt.Errorf("store: add catalog entry: %w", err)
		}
	}

	s.hot.Add(fingerprint, voice, path)
	return path, nil
}

// artifactName derives the on-disk filename for a stored artifact: the
// first 16 hex characters of an MD5 digest over the key components, so
// names stay short and deterministic while the catalog's unique index
// remains the collision authority.
func artifactName(fingerprint, voice, format string, version int) string {
	key := fmt.Sprintf("%s:%s:%s", fingerprint, voice, format)
	if version != 1 {
		key = fmt.Sprintf("%s:%d", key, version)
	}
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16] + "." + format
}
