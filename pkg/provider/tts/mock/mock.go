// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/ariavoice/aria/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the sentence passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice string
}

// Provider is a mock implementation of tts.Provider. It returns PCM (or a
// short deterministic placeholder when PCM is nil) after an optional Delay,
// which ordering tests use to make later sentences finish first.
type Provider struct {
	mu sync.Mutex

	// PCM is the audio returned for every call. When nil, the returned audio
	// is the UTF-8 bytes of the input text so tests can assert per-sentence.
	PCM []byte

	// SampleRate is the rate stamped on results. Defaults to 16000.
	SampleRate int

	// Delay is slept (context-aware) before returning.
	Delay time.Duration

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// SynthesizeCalls records every invocation in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured audio.
func (p *Provider) Synthesize(ctx context.Context, text, voice string) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	pcm := p.PCM
	rate := p.SampleRate
	delay := p.Delay
	err := p.Err
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if pcm == nil {
		pcm = []byte(text)
	}
	if rate == 0 {
		rate = 16000
	}
	return &tts.Result{PCM: pcm, SampleRate: rate}, nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
