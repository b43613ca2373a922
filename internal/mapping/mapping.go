// Package mapping resolves generic voice/model names to the provider-
// specific names a concrete TTS backend expects, with passthrough when no
// mapping is configured.
package mapping

import (
	"context"

	"github.com/MrWong99/ttscache/pkg/ttsprovider"
)

// Mapping is a two-level generic -> provider -> provider_specific lookup
// table, shared by voice and model resolution.
type Mapping map[string]map[string]string

// Resolve returns the provider-specific name for key under provider,
// falling back to key unchanged when no mapping exists for either level.
func (m Mapping) Resolve(key, provider string) string {
	providerMap, ok := m[key]
	if !ok {
		return key
	}
	if mapped, ok := providerMap[provider]; ok {
		return mapped
	}
	return key
}

// Resolver bundles voice and model mappings, mirroring the
// voice_mapping/model_mapping configuration keys.
type Resolver struct {
	Voice Mapping
	Model Mapping
}

// NewResolver builds a Resolver from the voice_mapping and model_mapping
// configuration sections. Either may be nil.
func NewResolver(voiceMapping, modelMapping Mapping) *Resolver {
	return &Resolver{Voice: voiceMapping, Model: modelMapping}
}

// ResolveVoice maps a generic voice name to the name provider expects.
func (r *Resolver) ResolveVoice(voice, provider string) string {
	if r == nil {
		return voice
	}
	return r.Voice.Resolve(voice, provider)
}

// ResolveModel maps a generic model name to the name provider expects.
func (r *Resolver) ResolveModel(model, provider string) string {
	if r == nil {
		return model
	}
	return r.Model.Resolve(model, provider)
}

// Provider wraps a [ttsprovider.Provider], resolving generic voice/model
// names to the wrapped provider's own names immediately before dispatch.
// Entries in an orchestrator fallback chain are built from this wrapper so
// the chain itself never has to know mapping exists.
type Provider struct {
	Name     string
	Inner    ttsprovider.Provider
	Resolver *Resolver
}

// Synthesize resolves voice and model against Name, then delegates to Inner.
func (p Provider) Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error) {
	resolvedVoice := p.Resolver.ResolveVoice(voice, p.Name)
	resolvedModel := p.Resolver.ResolveModel(model, p.Name)
	return p.Inner.Synthesize(ctx, text, resolvedVoice, resolvedModel, format)
}
