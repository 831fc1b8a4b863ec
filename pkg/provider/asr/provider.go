// Package asr defines the Provider interface for speech recognition backends.
//
// An ASR provider converts a complete utterance (the microphone buffer a
// client accumulated between mic-audio-start and mic-audio-end) into text.
// Recognition is batch: the turn does not start until the utterance is
// complete.
//
// Implementations must be safe for concurrent use; one provider instance is
// shared by every connected client.
package asr

import "context"

// Provider is the abstraction over any speech recognition backend.
type Provider interface {
	// Transcribe converts mono float32 PCM samples in [-1, 1] at the given
	// sample rate into text. An empty transcript with a nil error means the
	// audio contained no recognizable speech.
	//
	// Returns an error if the backend fails or ctx is cancelled.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}
