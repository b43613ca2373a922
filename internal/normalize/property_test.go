package normalize

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// TestNormalize_IdempotentProperty exercises the idempotency invariant over
// generated inputs rather than a fixed example set.
func TestNormalize_IdempotentProperty(t *testing.T) {
	cfg := DefaultConfig()
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.String().Draw(t, "s")
		once := Normalize(s, cfg)
		twice := Normalize(once, cfg)
		if once != twice {
			t.Fatalf("Normalize not idempotent: input=%q once=%q twice=%q", s, once, twice)
		}
	})
}

// TestNormalize_NumberCollapseProperty exercises the number-collapse
// invariant: any two digit runs substituted into the same template produce
// the same fingerprint.
func TestNormalize_NumberCollapseProperty(t *testing.T) {
	cfg := DefaultConfig()
	rapid.Check(t, func(t *rapid.T) {
		d1 := rapid.IntRange(0, 999999).Draw(t, "d1")
		d2 := rapid.IntRange(0, 999999).Draw(t, "d2")
		a := Normalize(fmt.Sprintf("I found %d sources", d1), cfg)
		b := Normalize(fmt.Sprintf("I found %d sources", d2), cfg)
		if a != b {
			t.Fatalf("number-agnostic mismatch: d1=%d -> %q, d2=%d -> %q", d1, a, d2, b)
		}
	})
}
