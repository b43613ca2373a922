package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/ttscache/internal/config"
)

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err == nil {
		t.Fatal("expected validation error for invalid log level")
	}
}

func TestValidate_RejectsPortOutOfRange(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  port: 70000\n"))
	if err == nil {
		t.Fatal("expected validation error for out-of-range port")
	}
}

func TestValidate_RejectsDefaultProviderWithoutMatchingBlock(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  default: ghost\n"))
	if err == nil {
		t.Fatal("expected validation error for unmatched providers.default")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	valid := []config.LogLevel{"", config.LogLevelDebug, config.LogLevelInfo, config.LogLevelWarn, config.LogLevelError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("LogLevel(%q).IsValid() = false, want true", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error(`LogLevel("verbose").IsValid() = true, want false`)
	}
}
