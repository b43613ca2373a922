package mapping

import "testing"

func TestResolver_MapsConfiguredProvider(t *testing.T) {
	r := NewResolver(
		Mapping{"alloy": {"minimax": "Decent_Boy", "elevenlabs": "voice-id-123"}},
		Mapping{"tts-1": {"minimax": "speech-01-turbo"}},
	)

	if got := r.ResolveVoice("alloy", "minimax"); got != "Decent_Boy" {
		t.Errorf("ResolveVoice() = %q, want Decent_Boy", got)
	}
	if got := r.ResolveModel("tts-1", "minimax"); got != "speech-01-turbo" {
		t.Errorf("ResolveModel() = %q, want speech-01-turbo", got)
	}
}

func TestResolver_PassthroughWhenUnmapped(t *testing.T) {
	r := NewResolver(Mapping{"alloy": {"minimax": "Decent_Boy"}}, nil)

	if got := r.ResolveVoice("alloy", "edge"); got != "alloy" {
		t.Errorf("ResolveVoice() for an unmapped provider = %q, want passthrough alloy", got)
	}
	if got := r.ResolveVoice("echo", "minimax"); got != "echo" {
		t.Errorf("ResolveVoice() for an unmapped voice = %q, want passthrough echo", got)
	}
	if got := r.ResolveModel("tts-1", "minimax"); got != "tts-1" {
		t.Errorf("ResolveModel() with a nil mapping = %q, want passthrough tts-1", got)
	}
}

func TestResolver_NilResolverPassesThrough(t *testing.T) {
	var r *Resolver
	if got := r.ResolveVoice("alloy", "minimax"); got != "alloy" {
		t.Errorf("nil Resolver.ResolveVoice() = %q, want alloy", got)
	}
}
