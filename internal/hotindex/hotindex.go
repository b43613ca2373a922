// Package hotindex implements the in-memory, voice-bucketed lookup structure
// that answers exact and approximate cache lookups without touching the
// durable catalog. It mirrors catalog state; the catalog remains the
// authority.
package hotindex

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// Row is the minimal shape [HotIndex.Load] needs from a catalog read.
type Row struct {
	Fingerprint string
	VoiceID     string
	Path        string
}

// bucket holds, for one voice, the fingerprint -> ordered artifact paths map.
type bucket struct {
	paths map[string][]string
}

// HotIndex is the process-local exact/fuzzy lookup index. Safe for
// concurrent use; a single mutex guards all bucket mutations.
type HotIndex struct {
	mu           sync.RWMutex
	buckets      map[string]*bucket
	varietyDepth int
}

// New returns an empty HotIndex. varietyDepth caps the number of paths
// retained per fingerprint within a voice bucket; 0 means unbounded.
func New(varietyDepth int) *HotIndex {
	return &HotIndex{
		buckets:      make(map[string]*bucket),
		varietyDepth: varietyDepth,
	}
}

func (h *HotIndex) bucketFor(voice string) *bucket {
	b, ok := h.buckets[voice]
	if !ok {
		b = &bucket{paths: make(map[string][]string)}
		h.buckets[voice] = b
	}
	return b
}

// Load replaces all state with rows read from the catalog at startup.
func (h *HotIndex) Load(rows []Row) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets = make(map[string]*bucket)
	for _, r := range rows {
		b := h.bucketFor(r.VoiceID)
		b.paths[r.Fingerprint] = appendUnique(b.paths[r.Fingerprint], r.Path)
	}
}

// Exact returns a path stored for fingerprint within voice. When multiple
// versions exist, one is chosen uniformly at random.
func (h *HotIndex) Exact(fingerprint, voice string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	b, ok := h.buckets[voice]
	if !ok {
		return "", false
	}
	paths, ok := b.paths[fingerprint]
	if !ok || len(paths) == 0 {
		return "", false
	}
	if len(paths) == 1 {
		return paths[0], true
	}
	return paths[rand.IntN(len(paths))], true
}

// Match is a fuzzy scoring function over two fingerprints, returning a score
// in [0, 100].
type Match func(a, b string) float64

// Scorers is the fixed set of supported fuzzy scorer names.
var Scorers = map[string]Match{
	"token_sort_ratio": TokenSortRatio,
	"basic_ratio":      BasicRatio,
	"partial_ratio":    PartialRatio,
	"weighted_ratio":   WeightedRatio,
}

// Fuzzy performs an approximate lookup against every fingerprint stored in
// voice's bucket, returning the best candidate whose score meets threshold.
// scorer must name one of [Scorers]; an unknown name is treated as no match.
func (h *HotIndex) Fuzzy(fingerprint, voice string, threshold float64, scorer string) (matched string, path string, score float64, ok bool) {
	score1 := Scorers[scorer]
	if score1 == nil {
		return "", "", 0, false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	b, ok2 := h.buckets[voice]
	if !ok2 {
		return "", "", 0, false
	}

	// Deterministic candidate order so ties resolve the same way every run.
	candidates := make([]string, 0, len(b.paths))
	for fp := range b.paths {
		candidates = append(candidates, fp)
	}
	sort.Strings(candidates)

	var bestFP string
	var bestScore float64
	found := false
	for _, fp := range candidates {
		s := score1(fingerprint, fp)
		if s >= threshold && (!found || s > bestScore) {
			bestFP, bestScore, found = fp, s, true
		}
	}
	if !found {
		return "", "", 0, false
	}
	paths := b.paths[bestFP]
	if len(paths) == 0 {
		return "", "", 0, false
	}
	chosen := paths[0]
	if len(paths) > 1 {
		chosen = paths[rand.IntN(len(paths))]
	}
	return bestFP, chosen, bestScore, true
}

// Add appends path to the bucket for (fingerprint, voice). Duplicate paths
// are ignored. If varietyDepth is set, the list is capped to that length,
// dropping the oldest entry first.
func (h *HotIndex) Add(fingerprint, voice, path string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.bucketFor(voice)
	existing := appendUnique(b.paths[fingerprint], path)
	if h.varietyDepth > 0 && len(existing) > h.varietyDepth {
		existing = existing[len(existing)-h.varietyDepth:]
	}
	b.paths[fingerprint] = existing
}

// Remove drops all paths stored for (fingerprint, voice).
func (h *HotIndex) Remove(fingerprint, voice string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buckets[voice]
	if !ok {
		return
	}
	delete(b.paths, fingerprint)
}

// Clear drops every bucket, used when the whole cache is wiped.
func (h *HotIndex) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buckets = make(map[string]*bucket)
}

// Len reports the total number of (fingerprint, voice) entries held across
// every bucket, used to report hot_cache_size.
func (h *HotIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, b := range h.buckets {
		n += len(b.paths)
	}
	return n
}

func appendUnique(paths []string, path string) []string {
	for _, p := range paths {
		if p == path {
			return paths
		}
	}
	return append(paths, path)
}

// basicRatio computes the classic Levenshtein-distance similarity ratio
// scaled to [0, 100]: (len(a)+len(b)-distance) / (len(a)+len(b)).
func basicRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 100
	}
	dist := matchr.Levenshtein(a, b)
	total := len(a) + len(b)
	if total == 0 {
		return 100
	}
	return (float64(total-dist) / float64(total)) * 100
}

// BasicRatio is the [Match] wrapping [basicRatio].
func BasicRatio(a, b string) float64 {
	return basicRatio(a, b)
}

// TokenSortRatio sorts the whitespace-separated tokens of each string before
// comparing, so word-order differences don't depress the score.
func TokenSortRatio(a, b string) float64 {
	return basicRatio(sortedTokens(a), sortedTokens(b))
}

func sortedTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// PartialRatio finds the best-aligned substring of the shorter string within
// the longer one and scores that window, so a short phrase embedded in a
// longer one still scores highly.
func PartialRatio(a, b string) float64 {
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if shorter == "" {
		if longer == "" {
			return 100
		}
		return 0
	}
	if len(longer) <= len(shorter) {
		return basicRatio(shorter, longer)
	}

	best := 0.0
	windowLen := len(shorter)
	for start := 0; start+windowLen <= len(longer); start++ {
		window := longer[start : start+windowLen]
		if s := basicRatio(shorter, window); s > best {
			best = s
		}
	}
	return best
}

// WeightedRatio blends [BasicRatio] and [PartialRatio], favoring the partial
// score when the two strings differ substantially in length (one looks like
// a fragment of the other).
func WeightedRatio(a, b string) float64 {
	base := basicRatio(a, b)

	lenA, lenB := len(a), len(b)
	if lenA == 0 || lenB == 0 {
		return base
	}

	longer, shorter := lenA, lenB
	if shorter > longer {
		longer, shorter = shorter, longer
	}
	lengthRatio := float64(shorter) / float64(longer)

	if lengthRatio >= 0.8 {
		return base
	}

	partial := PartialRatio(a, b)
	scale := 0.6
	if lengthRatio >= 0.3 {
		scale = 0.9
	}
	weighted := partial * scale
	if weighted > base {
		return weighted
	}
	return base
}
