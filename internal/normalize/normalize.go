// Package normalize implements the text normalization pipeline used to derive
// cache-equivalence fingerprints from raw TTS request text.
//
// Normalize is a pure function: given the same raw text and [Config] it always
// produces the same fingerprint, with no external state.
package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Config enumerates the independently-toggleable normalization stages.
// Stages run in a fixed order regardless of which are enabled; see [Normalize].
type Config struct {
	// StripMarkup removes provider-specific markup: pause markers of the form
	// "<#1.5#>" and interjection tags such as "(laughs)".
	StripMarkup bool

	// Lowercase applies Turkish-aware locale lowercasing. DiacriticFold only
	// takes effect when this is also enabled.
	Lowercase bool

	// DiacriticFold maps Turkish diacritics to their ASCII equivalents
	// (ç→c, ğ→g, ı→i, ö→o, ş→s, ü→u). Requires Lowercase.
	DiacriticFold bool

	// CollapseWhitespace collapses runs of whitespace into a single space.
	CollapseWhitespace bool

	// StripPunctuation removes all characters that are neither alphanumeric
	// nor whitespace.
	StripPunctuation bool

	// ReplaceNumbers collapses every maximal run of digits into a single '#'.
	ReplaceNumbers bool
}

// DefaultConfig returns the configuration matching the reference behavior:
// every stage enabled.
func DefaultConfig() Config {
	return Config{
		StripMarkup:        true,
		Lowercase:          true,
		DiacriticFold:      true,
		CollapseWhitespace: true,
		StripPunctuation:   true,
		ReplaceNumbers:     true,
	}
}

var (
	pauseMarkerRe    = regexp.MustCompile(`<#[0-9]+(?:\.[0-9]+)?#>`)
	interjectionRe   = regexp.MustCompile(`\([a-z_]+\)`)
	whitespaceRunsRe = regexp.MustCompile(`\s+`)
	digitRunsRe      = regexp.MustCompile(`[0-9]+`)
	nonWordRe        = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

var turkishCaser = cases.Lower(language.Turkish)

// turkishLower performs Turkish-aware lowercasing: the dotted uppercase İ
// maps to plain "i" and the dotless uppercase I maps to dotless "ı" before
// falling back to Unicode-default lowercasing for everything else. Go's
// standard strings.ToLower maps both I and İ to "i", destroying the
// distinction Turkish text relies on.
func turkishLower(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case 'İ':
			b.WriteRune('i')
		case 'I':
			b.WriteRune('ı')
		default:
			b.WriteRune(r)
		}
	}
	return turkishCaser.String(b.String())
}

var diacriticFoldMap = map[rune]rune{
	'ç': 'c',
	'ğ': 'g',
	'ı': 'i',
	'ö': 'o',
	'ş': 's',
	'ü': 'u',
}

func foldDiacritics(s string) string {
	return strings.Map(func(r rune) rune {
		if mapped, ok := diacriticFoldMap[r]; ok {
			return mapped
		}
		return r
	}, s)
}

// Normalize derives a cache-equivalence fingerprint from raw text under cfg.
// Stages run in this fixed order: trim, strip markup, lowercase (+ diacritic
// fold), collapse whitespace, strip punctuation, collapse number runs, trim.
//
// An empty (or all-whitespace) input short-circuits to the empty string
// without running any other stage.
func Normalize(raw string, cfg Config) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	if cfg.StripMarkup {
		text = pauseMarkerRe.ReplaceAllString(text, "")
		text = interjectionRe.ReplaceAllString(text, "")
	}

	if cfg.Lowercase {
		text = turkishLower(text)
		if cfg.DiacriticFold {
			text = foldDiacritics(text)
		}
	}

	if cfg.CollapseWhitespace {
		text = whitespaceRunsRe.ReplaceAllString(text, " ")
	}

	if cfg.StripPunctuation {
		text = nonWordRe.ReplaceAllString(text, "")
	}

	if cfg.ReplaceNumbers {
		text = digitRunsRe.ReplaceAllString(text, "#")
	}

	return strings.TrimSpace(text)
}
