// Package config provides the configuration schema and loader for the
// ttscache server.
package config

import (
	"github.com/MrWong99/ttscache/internal/mapping"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for ttscache.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Providers ProvidersConfig `yaml:"providers"`
	Fillers   FillersConfig   `yaml:"fillers"`
	VoiceMap  TwoLevelMapping `yaml:"voice_mapping"`
	ModelMap  TwoLevelMapping `yaml:"model_mapping"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the TCP address the server listens on.
	Host string `yaml:"host"`

	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated log verbosity string.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// CacheConfig configures the fingerprint cache.
type CacheConfig struct {
	// AudioDir is the directory artifact files are written to and served from.
	AudioDir string `yaml:"audio_dir"`

	// DBPath is the path to the embedded catalog database.
	DBPath string `yaml:"db_path"`

	// Enabled toggles the cache entirely; when false every request is a miss.
	Enabled bool `yaml:"enabled"`

	// VarietyDepth is the target number of distinct audio versions kept per
	// (fingerprint, voice). 1 disables variety generation.
	VarietyDepth int `yaml:"variety_depth"`

	Fuzzy     FuzzyConfig     `yaml:"fuzzy"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Eviction  EvictionConfig  `yaml:"eviction"`
}

// FuzzyConfig configures the approximate-match lookup stage.
type FuzzyConfig struct {
	Enabled bool `yaml:"enabled"`

	// Threshold is on the same [0, 100] scale the scorers in
	// [internal/hotindex] return: a candidate must score >= Threshold to be
	// considered a match.
	Threshold float64 `yaml:"threshold"`
	Scorer    string  `yaml:"scorer"`
}

// NormalizeConfig configures the text normalization pipeline.
type NormalizeConfig struct {
	Lowercase          bool `yaml:"lowercase"`
	StripPunctuation   bool `yaml:"strip_punctuation"`
	CollapseWhitespace bool `yaml:"collapse_whitespace"`
	ReplaceNumbers     bool `yaml:"replace_numbers"`
	StripMinimax       bool `yaml:"strip_minimax"`
}

// EvictionConfig configures cache pressure relief.
type EvictionConfig struct {
	// MaxSizeMB bounds total artifact directory size. Carried through
	// configuration for forward compatibility but not enforced — eviction
	// selection is row-count based; see DESIGN.md.
	MaxSizeMB int `yaml:"max_size_mb"`

	MaxEntries           int `yaml:"max_entries"`
	MaxTextLength        int `yaml:"max_text_length"`
	CleanupIntervalHours int `yaml:"cleanup_interval_hours"`
	MinAgeDays           int `yaml:"min_age_days"`
}

// ProvidersConfig declares the default provider, the fallback order, and
// per-provider connection settings. It unmarshals from YAML of the shape:
//
//	providers:
//	  default: litellm
//	  fallback_chain: [edge]
//	  litellm:
//	    base_url: https://...
//	  edge:
//	    base_url: http://...
//
// where every key besides "default" and "fallback_chain" is a provider name.
// See [ProvidersConfig.UnmarshalYAML].
type ProvidersConfig struct {
	// Default is the provider name used as the primary synthesis target.
	Default string `yaml:"default"`

	// FallbackChain lists provider names to try, in order, after Default.
	FallbackChain []string `yaml:"fallback_chain"`

	// Named holds per-provider connection settings, keyed by provider name.
	Named map[string]ProviderEntry
}

// UnmarshalYAML implements custom decoding for ProvidersConfig: "default"
// and "fallback_chain" are fixed fields, every other key is treated as a
// provider name mapping to a [ProviderEntry].
func (p *ProvidersConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.Named = make(map[string]ProviderEntry, len(raw))
	for key, node := range raw {
		node := node
		switch key {
		case "default":
			if err := node.Decode(&p.Default); err != nil {
				return err
			}
		case "fallback_chain":
			if err := node.Decode(&p.FallbackChain); err != nil {
				return err
			}
		default:
			var entry ProviderEntry
			if err := node.Decode(&entry); err != nil {
				return err
			}
			p.Named[key] = entry
		}
	}
	return nil
}

// ProviderEntry is the connection configuration for a single TTS provider.
type ProviderEntry struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	DefaultVoice   string `yaml:"default_voice"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// FillersConfig configures the filler audio seeding manager.
type FillersConfig struct {
	AutoGenerateOnStartup bool     `yaml:"auto_generate_on_startup"`
	VoiceID               string   `yaml:"voice_id"`
	Templates             []string `yaml:"templates"`
}

// TwoLevelMapping is the generic -> provider -> provider_specific mapping
// used by voice_mapping and model_mapping.
type TwoLevelMapping = mapping.Mapping
