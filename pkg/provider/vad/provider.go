// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a speech detector (e.g., Silero VAD) and surfaces it as
// a stateful, per-connection session. Each session maintains its own internal
// state (speech buffers, smoothing history) so that multiple concurrent audio
// streams can be processed independently.
//
// Sessions consume the raw-audio-data stream a client sends while its own
// microphone VAD is disabled: the server detects speech onsets (so playback
// can be interrupted) and complete utterances (which become turn inputs).
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session should not be shared across goroutines.
package vad

// EventKind classifies a detection event.
type EventKind int

const (
	// EventPause signals a speech onset: the client should pause playback so
	// the user can barge in.
	EventPause EventKind = iota

	// EventResume signals that the detector returned to silence without a
	// usable utterance (false trigger or too-short speech).
	EventResume

	// EventSpeech carries a complete detected utterance in Samples.
	EventSpeech
)

// Event is a single detection result emitted by Session.Detect.
type Event struct {
	// Kind classifies the event.
	Kind EventKind

	// Samples holds the detected utterance for EventSpeech; nil otherwise.
	Samples []float32
}

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the samples passed to
	// Detect. Detectors that operate at a fixed rate resample internally.
	SampleRate int

	// ProbThreshold is the speech probability above which a frame is
	// classified as speech. Range [0, 1]. Typical: 0.4–0.55.
	ProbThreshold float64

	// DBThreshold is the minimum loudness for a frame to count as speech,
	// expressed on a 0–100 scale where 100 is digital full scale. Frames
	// quieter than this are treated as silence regardless of probability.
	// Typical: 60–65.
	DBThreshold float64

	// MinSilenceMs is the trailing silence that ends an utterance.
	MinSilenceMs int
}

// Session represents an active VAD session for a single audio stream.
type Session interface {
	// Detect analyses a chunk of mono float32 samples and returns zero or
	// more events in detection order. Detect is stateful across calls.
	Detect(samples []float32) ([]Event, error)

	// SetThresholds replaces the runtime probability and loudness thresholds.
	// Used by the adaptive policy while background audio plays; the session's
	// configured base values are not forgotten.
	SetThresholds(prob, db float64)

	// Thresholds returns the currently effective probability and loudness
	// thresholds.
	Thresholds() (prob, db float64)

	// Reset clears accumulated detection state without closing the session.
	Reset() error

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid or if the engine
	// cannot allocate resources for the session.
	NewSession(cfg Config) (Session, error)
}
