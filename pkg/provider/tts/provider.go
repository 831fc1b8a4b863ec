// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI speech, an
// ElevenLabs endpoint, or a local Piper instance). Synthesis is per sentence:
// the sentence pipeline fans individual sentences out to concurrent synthesis
// calls and reassembles the audio in order, so the provider does not need a
// streaming interface of its own.
//
// Implementations must be safe for concurrent use; several sentences of the
// same turn are synthesized in parallel.
package tts

import "context"

// Result is one synthesized sentence.
type Result struct {
	// PCM is little-endian 16-bit mono audio.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into speech audio using the given voice.
	// An empty text returns an empty Result with a nil error. Providers should
	// return an error if the requested voice is not available.
	Synthesize(ctx context.Context, text, voice string) (*Result, error)
}
