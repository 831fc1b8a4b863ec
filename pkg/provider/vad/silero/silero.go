// Package silero provides a VAD engine backed by the Silero VAD ONNX model
// via github.com/streamer45/silero-vad-go.
package silero

import (
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/ariavoice/aria/pkg/audio"
	"github.com/ariavoice/aria/pkg/provider/vad"
)

const (
	// The Silero model operates on 16 kHz mono audio in 512-sample windows.
	modelSampleRate = 16000
	windowSize      = 512

	speechPadMs = 100

	// Utterances shorter than this are discarded as false triggers.
	minSpeechMs = 250

	// While idle, only a short tail of audio is retained so the padded start
	// of the next utterance is still available.
	idleTailSamples = modelSampleRate / 2
)

// Compile-time assertions.
var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*session)(nil)
)

// Engine creates Silero-backed VAD sessions. Each session owns its own
// detector instance, so sessions are independent and the engine itself
// holds no mutable state beyond the model path.
type Engine struct {
	modelPath string
}

// New constructs a Silero VAD engine loading the ONNX model at modelPath.
func New(modelPath string) (*Engine, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("silero: modelPath must not be empty")
	}
	return &Engine{modelPath: modelPath}, nil
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("silero: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.ProbThreshold <= 0 || cfg.ProbThreshold >= 1 {
		return nil, fmt.Errorf("silero: probability threshold must be in (0, 1), got %g", cfg.ProbThreshold)
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = 800
	}

	s := &session{
		modelPath: e.modelPath,
		cfg:       cfg,
		prob:      cfg.ProbThreshold,
		db:        cfg.DBThreshold,
	}
	det, err := s.newDetector(cfg.ProbThreshold)
	if err != nil {
		return nil, err
	}
	s.detector = det
	return s, nil
}

type session struct {
	modelPath string
	cfg       vad.Config

	mu       sync.Mutex
	detector *speech.Detector
	prob     float64
	db       float64

	// pending holds resampled samples not yet aligned to a full window.
	pending []float32

	// history holds processed samples since baseOffset so detected segment
	// boundaries (reported in seconds) can be mapped back to samples.
	history    []float32
	baseOffset int64

	speaking    bool
	speechStart int64
	closed      bool
}

func (s *session) newDetector(prob float64) (*speech.Detector, error) {
	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            s.modelPath,
		SampleRate:           modelSampleRate,
		Threshold:            float32(prob),
		MinSilenceDurationMs: s.cfg.MinSilenceMs,
		SpeechPadMs:          speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}
	return det, nil
}

// Detect implements vad.Session.
func (s *session) Detect(samples []float32) ([]vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("silero: session is closed")
	}
	if len(samples) == 0 {
		return nil, nil
	}

	chunk := audio.ResampleFloat32(samples, s.cfg.SampleRate, modelSampleRate)

	// Quiet audio while idle is treated as silence so background noise below
	// the loudness threshold cannot open a turn. Once speech has started the
	// raw audio passes through so the utterance is captured intact.
	if !s.speaking && s.db > 0 && audio.LevelDB(chunk)+100 < s.db {
		chunk = make([]float32, len(chunk))
	}

	s.pending = append(s.pending, chunk...)
	n := (len(s.pending) / windowSize) * windowSize
	if n == 0 {
		return nil, nil
	}
	batch := s.pending[:n]
	s.pending = append(s.pending[:0:0], s.pending[n:]...)

	segments, err := s.detector.Detect(batch)
	if err != nil {
		return nil, fmt.Errorf("silero: detect: %w", err)
	}
	s.history = append(s.history, batch...)

	var events []vad.Event
	for _, seg := range segments {
		if seg.SpeechStartAt >= 0 && !s.speaking {
			s.speaking = true
			s.speechStart = int64(seg.SpeechStartAt * modelSampleRate)
			events = append(events, vad.Event{Kind: vad.EventPause})
		}
		if seg.SpeechEndAt > 0 && s.speaking {
			end := int64(seg.SpeechEndAt * modelSampleRate)
			events = append(events, s.finishUtterance(end)...)
		}
	}

	s.trimHistory()
	return events, nil
}

// finishUtterance slices the completed utterance out of history and resets
// the speaking state. Short segments yield only a resume event.
func (s *session) finishUtterance(end int64) []vad.Event {
	s.speaking = false

	start := s.speechStart - s.baseOffset
	stop := end - s.baseOffset
	if start < 0 {
		start = 0
	}
	if stop > int64(len(s.history)) {
		stop = int64(len(s.history))
	}

	if stop-start < int64(modelSampleRate*minSpeechMs/1000) {
		return []vad.Event{{Kind: vad.EventResume}}
	}

	utterance := make([]float32, stop-start)
	copy(utterance, s.history[start:stop])
	return []vad.Event{
		{Kind: vad.EventSpeech, Samples: utterance},
		{Kind: vad.EventResume},
	}
}

// trimHistory drops audio that can no longer be part of an utterance. While
// speaking, everything from the utterance start is kept.
func (s *session) trimHistory() {
	keepFrom := int64(len(s.history)) - idleTailSamples
	if s.speaking {
		keepFrom = s.speechStart - s.baseOffset - idleTailSamples
	}
	if keepFrom <= 0 {
		return
	}
	s.history = append(s.history[:0:0], s.history[keepFrom:]...)
	s.baseOffset += keepFrom
}

// SetThresholds implements vad.Session. Changing the probability threshold
// requires rebuilding the underlying detector; any in-flight utterance is
// dropped.
func (s *session) SetThresholds(prob, db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.db = db
	if prob == s.prob || prob <= 0 || prob >= 1 {
		return
	}
	det, err := s.newDetector(prob)
	if err != nil {
		return
	}
	_ = s.detector.Destroy()
	s.detector = det
	s.prob = prob
	s.resetLocked()
}

// Thresholds implements vad.Session.
func (s *session) Thresholds() (prob, db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prob, s.db
}

// Reset implements vad.Session.
func (s *session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("silero: session is closed")
	}
	if err := s.detector.Reset(); err != nil {
		return fmt.Errorf("silero: reset detector: %w", err)
	}
	s.resetLocked()
	return nil
}

func (s *session) resetLocked() {
	s.pending = nil
	s.history = nil
	s.baseOffset = 0
	s.speaking = false
	s.speechStart = 0
}

// Close implements vad.Session.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.detector.Destroy(); err != nil {
		return fmt.Errorf("silero: destroy detector: %w", err)
	}
	s.detector = nil
	return nil
}
