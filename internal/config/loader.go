package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// KnownScorers lists the fuzzy scorers [internal/hotindex] recognises.
// Used by [Validate] to warn about an unrecognised scorer name.
var KnownScorers = []string{"basic_ratio", "token_sort_ratio", "partial_ratio", "weighted_ratio"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in zero-value fields with each configuration knob's
// documented default.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Cache.AudioDir == "" {
		cfg.Cache.AudioDir = "./cache/audio"
	}
	if cfg.Cache.DBPath == "" {
		cfg.Cache.DBPath = "./cache/cache.db"
	}
	if cfg.Cache.VarietyDepth == 0 {
		cfg.Cache.VarietyDepth = 1
	}
	if cfg.Cache.Fuzzy.Threshold == 0 {
		cfg.Cache.Fuzzy.Threshold = 90
	}
	if cfg.Cache.Fuzzy.Scorer == "" {
		cfg.Cache.Fuzzy.Scorer = "weighted_ratio"
	}
	if cfg.Cache.Eviction.MaxEntries == 0 {
		cfg.Cache.Eviction.MaxEntries = 10000
	}
	if cfg.Cache.Eviction.MaxTextLength == 0 {
		cfg.Cache.Eviction.MaxTextLength = 2000
	}
	if cfg.Cache.Eviction.CleanupIntervalHours == 0 {
		cfg.Cache.Eviction.CleanupIntervalHours = 24
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}

	if cfg.Cache.VarietyDepth < 0 {
		errs = append(errs, fmt.Errorf("cache.variety_depth %d must be >= 0", cfg.Cache.VarietyDepth))
	}

	if cfg.Cache.Fuzzy.Enabled {
		if cfg.Cache.Fuzzy.Threshold < 0 || cfg.Cache.Fuzzy.Threshold > 100 {
			errs = append(errs, fmt.Errorf("cache.fuzzy.threshold %.2f is out of range [0, 100]", cfg.Cache.Fuzzy.Threshold))
		}
		if !containsString(KnownScorers, cfg.Cache.Fuzzy.Scorer) {
			slog.Warn("unknown fuzzy scorer — may be a typo",
				"scorer", cfg.Cache.Fuzzy.Scorer,
				"known", KnownScorers,
			)
		}
	}

	if cfg.Cache.Eviction.MinAgeDays < 0 {
		errs = append(errs, fmt.Errorf("cache.eviction.min_age_days %d must be >= 0", cfg.Cache.Eviction.MinAgeDays))
	}

	if cfg.Providers.Default == "" && len(cfg.Providers.Named) > 0 {
		errs = append(errs, errors.New("providers.default must be set when any provider is configured"))
	}
	if cfg.Providers.Default != "" {
		if _, ok := cfg.Providers.Named[cfg.Providers.Default]; !ok {
			errs = append(errs, fmt.Errorf("providers.default %q has no matching providers.%[1]s block", cfg.Providers.Default))
		}
	}
	for _, name := range cfg.Providers.FallbackChain {
		if _, ok := cfg.Providers.Named[name]; !ok {
			errs = append(errs, fmt.Errorf("providers.fallback_chain references unconfigured provider %q", name))
		}
	}

	if cfg.Fillers.AutoGenerateOnStartup && cfg.Fillers.VoiceID == "" {
		errs = append(errs, errors.New("fillers.voice_id is required when fillers.auto_generate_on_startup is true"))
	}

	return errors.Join(errs...)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
