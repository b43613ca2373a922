// Package ttsprovider defines the narrow capability every TTS backend
// implements: synthesize a (text, voice, model, format) tuple into audio
// bytes. Concrete providers live in subpackages (litellm, edge); the
// orchestrator dispatches to them by name, never by type.
package ttsprovider

import "context"

// Provider synthesizes speech audio for the given request shape. format is
// one of "mp3", "opus", "ogg", "wav".
type Provider interface {
	Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error)
}
