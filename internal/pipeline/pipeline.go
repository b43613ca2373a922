// Package pipeline composes the cache store, the provider fallback
// orchestrator, the transcoder and the evictor into the single entry point
// that serves one client request, matching the hit/miss/variety/eviction
// flow a caching TTS proxy needs.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/ttscache/internal/evictor"
	"github.com/MrWong99/ttscache/internal/hotindex"
	"github.com/MrWong99/ttscache/internal/observe"
	"github.com/MrWong99/ttscache/internal/store"
)

// ErrEmptyInput is returned when the request text is empty.
var ErrEmptyInput = errors.New("pipeline: empty input text")

// CanonicalFormat is the format every synthesis request asks the
// orchestrator for; on-disk artifacts are always stored in this format and
// transcoded to the requested format on read, if different.
const CanonicalFormat = "mp3"

// DefaultWriteEvictionThreshold is the number of successful cache writes
// between write-pressure-triggered evictor runs.
const DefaultWriteEvictionThreshold = 100

// Reason codes recorded as the reason_code attribute on every pipeline
// decision-point log line, carried over from the original system's logging
// taxonomy since they're load-bearing for operators grepping logs; spec.md's
// §7 error-handling table uses the same vocabulary.
const (
	reasonExactHit          = "exact_hit"
	reasonFuzzyHit          = "fuzzy_hit"
	reasonMiss              = "miss"
	reasonMissTextTooLong   = "miss_text_too_long"
	reasonMissRaceDuplicate = "miss_race_duplicate"
	reasonMissNoCache       = "miss_no_cache"
	reasonErrorFileNotFound = "error_file_not_found"
)

// Synthesizer is the narrow surface the pipeline needs from the fallback
// orchestrator.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error)
}

// Transcoder is the narrow surface the pipeline needs from the format
// converter.
type Transcoder interface {
	Convert(ctx context.Context, input []byte, targetFormat string) ([]byte, error)
}

// Config configures pipeline-wide policy knobs.
type Config struct {
	// CacheDisabled turns off the cache entirely: every request skips the
	// lookup and persist stages and is served straight from the provider
	// chain. The zero value (false) keeps the cache enabled, matching
	// cache.enabled defaulting to true in practice (see configs/example.yaml).
	CacheDisabled bool

	// MaxTextLength bounds the text length above which a response is still
	// synthesized but never cached.
	MaxTextLength int

	// VarietyDepth is the target number of distinct renditions kept per
	// (fingerprint, voice). 1 disables background variety generation.
	VarietyDepth int

	// WriteEvictionThreshold is the number of successful writes between
	// evictor runs triggered by write pressure. Zero selects
	// DefaultWriteEvictionThreshold; a negative value disables the trigger.
	WriteEvictionThreshold int
}

// Result is what Serve returns on success.
type Result struct {
	Audio       []byte
	Format      string
	ContentType string
}

var contentTypes = map[string]string{
	"mp3":  "audio/mpeg",
	"opus": "audio/ogg",
	"ogg":  "audio/ogg",
	"wav":  "audio/wav",
}

// ContentType returns the media type for a stored/served audio format.
func ContentType(format string) string {
	if ct, ok := contentTypes[format]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Pipeline serves synthesis requests by composing the cache store, the
// provider fallback orchestrator, the transcoder and the evictor.
type Pipeline struct {
	store      *store.Store
	hot        *hotindex.HotIndex
	synth      Synthesizer
	transcoder Transcoder
	evict      *evictor.Evictor
	metrics    *observe.Metrics
	cfg        Config

	writeCount atomic.Int64
	variety    singleflight.Group
}

// New builds a Pipeline. metrics may be nil to disable metric recording.
func New(st *store.Store, hot *hotindex.HotIndex, synth Synthesizer, tc Transcoder, ev *evictor.Evictor, metrics *observe.Metrics, cfg Config) *Pipeline {
	if cfg.WriteEvictionThreshold == 0 {
		cfg.WriteEvictionThreshold = DefaultWriteEvictionThreshold
	}
	return &Pipeline{
		store:      st,
		hot:        hot,
		synth:      synth,
		transcoder: tc,
		evict:      ev,
		metrics:    metrics,
		cfg:        cfg,
	}
}

// Serve runs the full hit/miss/variety/eviction flow for one request.
func (p *Pipeline) Serve(ctx context.Context, text, voice, model, format string) (Result, error) {
	if text == "" {
		return Result{}, ErrEmptyInput
	}
	if format == "" {
		format = CanonicalFormat
	}

	if !p.cfg.CacheDisabled {
		if result, ok := p.tryCacheHit(ctx, text, voice, model, format); ok {
			return result, nil
		}
	}

	audio, err := p.synth.Synthesize(ctx, text, voice, model, CanonicalFormat)
	if err != nil {
		return Result{}, err
	}

	served, servedFormat := p.maybeTranscode(ctx, audio, CanonicalFormat, format)
	if p.cfg.CacheDisabled {
		slog.InfoContext(ctx, "serving synthesis result, cache disabled", "voice", voice, "reason_code", reasonMissNoCache)
	} else if cached := p.persist(ctx, text, voice, model, audio); cached {
		// Per spec §4.8 step 7, the miss sequence's freshly-written version 1
		// is itself a candidate for background variety generation — without
		// this call, variety only ever grows from the hit path and a fresh
		// (fingerprint, voice) pair never reaches variety_depth across serial
		// requests that start from nothing.
		p.maybeGenerateVariety(p.store.Fingerprint(text), text, voice, model)
	}

	if p.metrics != nil {
		p.metrics.RecordMiss(ctx)
	}
	return Result{Audio: served, Format: servedFormat, ContentType: ContentType(servedFormat)}, nil
}

// tryCacheHit looks up text/voice in the store and, on a hit, reads and
// (if necessary) transcodes the cached artifact.
func (p *Pipeline) tryCacheHit(ctx context.Context, text, voice, model, format string) (Result, bool) {
	lookup, ok := p.store.Lookup(text, voice)
	if !ok {
		return Result{}, false
	}

	audio, err := os.ReadFile(lookup.Path)
	if err != nil {
		slog.WarnContext(ctx, "cached artifact missing, falling through to miss path", "path", lookup.Path, "error", err, "reason_code", reasonErrorFileNotFound)
		return Result{}, false
	}

	served, servedFormat := p.maybeTranscode(ctx, audio, artifactFormat(lookup.Path), format)

	if err := p.store.RecordHit(ctx, lookup.Matched, voice); err != nil {
		slog.WarnContext(ctx, "record hit failed", "error", err)
	}
	if p.metrics != nil {
		p.metrics.RecordHit(ctx, string(lookup.MatchType))
	}

	hitReason := reasonExactHit
	if lookup.MatchType == store.MatchFuzzy {
		hitReason = reasonFuzzyHit
	}
	slog.InfoContext(ctx, "cache hit", "voice", voice, "match_type", string(lookup.MatchType), "score", lookup.Score, "reason_code", hitReason)

	p.maybeGenerateVariety(lookup.Matched, text, voice, model)

	return Result{Audio: served, Format: servedFormat, ContentType: ContentType(servedFormat)}, true
}

// maybeTranscode converts audio from storedFormat to requestedFormat when
// they differ and requestedFormat isn't the canonical storage format. A
// transcode failure serves storedFormat instead, per spec §4.8 step 4.
func (p *Pipeline) maybeTranscode(ctx context.Context, audio []byte, storedFormat, requestedFormat string) ([]byte, string) {
	if storedFormat == requestedFormat || requestedFormat == CanonicalFormat {
		return audio, storedFormat
	}
	converted, err := p.transcoder.Convert(ctx, audio, requestedFormat)
	if err != nil {
		slog.WarnContext(ctx, "transcode failed, serving original format", "target_format", requestedFormat, "error", err)
		return audio, storedFormat
	}
	return converted, requestedFormat
}

// persist writes the synthesized audio through the store, handling the
// too-long and duplicate-entry cases. It reports whether a row now exists
// for (textOriginal, voice) — either because this call wrote it, or because
// a concurrent writer won the race — so the caller can decide whether
// background variety generation has anything to build on.
func (p *Pipeline) persist(ctx context.Context, textOriginal, voice, model string, audio []byte) bool {
	if p.cfg.MaxTextLength > 0 && len(textOriginal) > p.cfg.MaxTextLength {
		slog.InfoContext(ctx, "skipping cache write: text exceeds max_text_length", "length", len(textOriginal), "reason_code", reasonMissTextTooLong)
		if p.metrics != nil {
			p.metrics.RecordMiss(ctx)
		}
		return false
	}

	_, err := p.store.Store(ctx, textOriginal, voice, model, audio, CanonicalFormat, nil, false)
	if err != nil {
		if lookup, ok := p.store.Lookup(textOriginal, voice); ok {
			slog.InfoContext(ctx, "concurrent miss resolved as hit on existing row", "voice", voice, "reason_code", reasonMissRaceDuplicate)
			if hitErr := p.store.RecordHit(ctx, lookup.Matched, voice); hitErr != nil {
				slog.WarnContext(ctx, "record hit after duplicate write failed", "error", hitErr)
			}
			return true
		}
		slog.ErrorContext(ctx, "store write failed", "error", err)
		return false
	}

	slog.InfoContext(ctx, "cache miss, synthesized and cached", "voice", voice, "reason_code", reasonMiss)
	p.maybeRunEvictor(ctx)
	return true
}

// maybeRunEvictor runs the evictor once every WriteEvictionThreshold
// successful writes.
func (p *Pipeline) maybeRunEvictor(ctx context.Context) {
	if p.evict == nil || p.cfg.WriteEvictionThreshold <= 0 {
		return
	}
	if p.writeCount.Add(1) < int64(p.cfg.WriteEvictionThreshold) {
		return
	}
	p.writeCount.Store(0)

	removed, err := p.evict.Run(ctx, p.hot)
	if err != nil {
		slog.ErrorContext(ctx, "write-pressure eviction run failed", "error", err)
		return
	}
	if p.metrics != nil && removed > 0 {
		p.metrics.RecordEviction(ctx, "write_pressure", int64(removed))
	}
}

// maybeGenerateVariety spawns a background synthesis task to grow the
// variety pool for (fingerprint, voice) if it hasn't reached VarietyDepth,
// using a single-flight group keyed by the normalized fingerprint (per
// spec §4.8 step 7) so concurrent hits that resolve to the same cache entry
// through differently-worded-but-equivalent raw text don't duplicate the
// work. text is the raw input used to re-synthesize the variant; fingerprint
// is the cache-equivalence key the lookup actually matched.
func (p *Pipeline) maybeGenerateVariety(fingerprint, text, voice, model string) {
	if p.cfg.VarietyDepth <= 1 {
		return
	}

	key := voice + "\x00" + fingerprint
	p.variety.DoChan(key, func() (any, error) {
		ctx := context.Background()
		count, err := p.store.VersionCount(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if count >= p.cfg.VarietyDepth {
			return nil, nil
		}

		audio, err := p.synth.Synthesize(ctx, text, voice, model, CanonicalFormat)
		if err != nil {
			slog.WarnContext(ctx, "variety generation synthesis failed", "error", err)
			return nil, err
		}
		if _, err := p.store.Store(ctx, text, voice, model, audio, CanonicalFormat, nil, false); err != nil {
			slog.WarnContext(ctx, "variety generation store failed", "error", err)
		}
		if p.metrics != nil {
			p.metrics.VarietyGenerations.Add(ctx, 1)
		}
		return nil, nil
	})
}

// artifactFormat derives the stored format from an artifact's file
// extension.
func artifactFormat(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimPrefix(ext, ".")
}
