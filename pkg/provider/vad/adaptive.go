package vad

import (
	"sync"

	"github.com/ariavoice/aria/pkg/audio"
)

// AdaptiveConfig tunes how detection thresholds scale while advertisement or
// other background audio plays through the client's speakers.
type AdaptiveConfig struct {
	// BaseProbThreshold is the probability threshold when no background audio
	// is playing.
	BaseProbThreshold float64

	// BaseDBThreshold is the loudness threshold when no background audio is
	// playing, on the 0–100 scale used by Config.DBThreshold.
	BaseDBThreshold float64

	// AdaptiveFactor controls how strongly the playback volume raises the
	// probability threshold.
	AdaptiveFactor float64

	// NoiseWindow is the number of recent chunks used to estimate the ambient
	// noise level.
	NoiseWindow int

	// MinThresholdRatio and MaxThresholdRatio clamp the scaled thresholds
	// relative to their base values.
	MinThresholdRatio float64
	MaxThresholdRatio float64
}

// DefaultAdaptiveConfig returns the tuning used in production.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		BaseProbThreshold: 0.55,
		BaseDBThreshold:   65,
		AdaptiveFactor:    1.5,
		NoiseWindow:       50,
		MinThresholdRatio: 0.7,
		MaxThresholdRatio: 2.0,
	}
}

// Compile-time assertion that Adaptive satisfies Session.
var _ Session = (*Adaptive)(nil)

// Adaptive wraps a Session and raises its thresholds while background audio
// plays, so speakers bleeding into the microphone do not open a turn. It also
// tracks a rolling estimate of the ambient noise level and applies a mild
// attenuation to low-energy audio during playback.
type Adaptive struct {
	inner Session
	cfg   AdaptiveConfig

	mu           sync.Mutex
	playing      bool
	noiseSamples []float64
	noiseLevel   float64
}

// NewAdaptive wraps inner with the adaptive threshold policy. The inner
// session's thresholds are set to the configured base values immediately.
func NewAdaptive(inner Session, cfg AdaptiveConfig) *Adaptive {
	if cfg.NoiseWindow <= 0 {
		cfg.NoiseWindow = DefaultAdaptiveConfig().NoiseWindow
	}
	inner.SetThresholds(cfg.BaseProbThreshold, cfg.BaseDBThreshold)
	return &Adaptive{inner: inner, cfg: cfg}
}

// SetPlayback tells the session whether background audio is currently
// playing and at what volume (0.0–1.0). While playing, the probability
// threshold is scaled by the volume and the loudness threshold is raised so
// only speech louder than the playback registers. Stopping playback restores
// the base thresholds.
func (a *Adaptive) SetPlayback(playing bool, volume float64) (prob, db float64) {
	a.mu.Lock()
	a.playing = playing
	a.mu.Unlock()

	if !playing {
		a.inner.SetThresholds(a.cfg.BaseProbThreshold, a.cfg.BaseDBThreshold)
		return a.cfg.BaseProbThreshold, a.cfg.BaseDBThreshold
	}

	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}

	volumeFactor := 1.0 + volume*a.cfg.AdaptiveFactor
	prob = a.cfg.BaseProbThreshold * volumeFactor
	if max := a.cfg.BaseProbThreshold * a.cfg.MaxThresholdRatio; prob > max {
		prob = max
	}
	if min := a.cfg.BaseProbThreshold * a.cfg.MinThresholdRatio; prob < min {
		prob = min
	}

	db = a.cfg.BaseDBThreshold + volume*15
	if max := a.cfg.BaseDBThreshold * a.cfg.MaxThresholdRatio; db > max {
		db = max
	}

	a.inner.SetThresholds(prob, db)
	return prob, db
}

// Playing reports whether background playback is active.
func (a *Adaptive) Playing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playing
}

// NoiseLevel returns the rolling average ambient loudness in dBFS.
func (a *Adaptive) NoiseLevel() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.noiseLevel
}

// Detect implements Session. Each chunk updates the noise estimate before
// being passed to the wrapped session.
func (a *Adaptive) Detect(samples []float32) ([]Event, error) {
	a.updateNoise(samples)

	a.mu.Lock()
	playing := a.playing
	a.mu.Unlock()

	if playing {
		samples = suppressNoise(samples)
	}
	return a.inner.Detect(samples)
}

func (a *Adaptive) updateNoise(samples []float32) {
	level := audio.LevelDB(samples)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.noiseSamples = append(a.noiseSamples, level)
	if len(a.noiseSamples) > a.cfg.NoiseWindow {
		a.noiseSamples = a.noiseSamples[1:]
	}
	var sum float64
	for _, v := range a.noiseSamples {
		sum += v
	}
	a.noiseLevel = sum / float64(len(a.noiseSamples))
}

// suppressNoise attenuates low-energy chunks, which during playback are far
// more likely to be speaker bleed than speech.
func suppressNoise(samples []float32) []float32 {
	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	if len(samples) > 0 {
		energy /= float64(len(samples))
	}
	if energy >= 0.01 {
		return samples
	}
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = s * 0.5
	}
	return out
}

// SetThresholds implements Session, passing through to the wrapped session.
func (a *Adaptive) SetThresholds(prob, db float64) { a.inner.SetThresholds(prob, db) }

// Thresholds implements Session.
func (a *Adaptive) Thresholds() (prob, db float64) { return a.inner.Thresholds() }

// Reset implements Session. The noise estimate and playback state are
// cleared along with the wrapped session's detection state.
func (a *Adaptive) Reset() error {
	a.mu.Lock()
	a.playing = false
	a.noiseSamples = nil
	a.noiseLevel = 0
	a.mu.Unlock()

	a.inner.SetThresholds(a.cfg.BaseProbThreshold, a.cfg.BaseDBThreshold)
	return a.inner.Reset()
}

// Close implements Session.
func (a *Adaptive) Close() error { return a.inner.Close() }
