// Package mock provides test doubles for the vad.Engine and vad.Session
// interfaces.
package mock

import (
	"sync"

	"github.com/ariavoice/aria/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine. NewSession hands out the
// configured Session (or a fresh empty one when nil).
type Engine struct {
	mu sync.Mutex

	// Session is returned by every NewSession call when non-nil.
	Session *Session

	// Err, if non-nil, is returned as the error from NewSession.
	Err error

	// NewSessionCalls records the configs passed to NewSession.
	NewSessionCalls []vad.Config
}

// NewSession records the call and returns the configured session.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.Session. ScriptedEvents are
// returned one batch per Detect call; once exhausted, Detect returns nil.
type Session struct {
	mu sync.Mutex

	// ScriptedEvents is consumed batch by batch, one per Detect call.
	ScriptedEvents [][]vad.Event

	// Err, if non-nil, is returned as the error from Detect.
	Err error

	// DetectCalls records the sample chunks passed to Detect.
	DetectCalls [][]float32

	// Prob and DB are the thresholds most recently set.
	Prob float64
	DB   float64

	// ResetCallCount and CloseCallCount count the respective calls.
	ResetCallCount int
	CloseCallCount int
}

// Detect records the call and returns the next scripted batch.
func (s *Session) Detect(samples []float32) ([]vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	s.DetectCalls = append(s.DetectCalls, cp)
	if s.Err != nil {
		return nil, s.Err
	}
	if len(s.ScriptedEvents) == 0 {
		return nil, nil
	}
	batch := s.ScriptedEvents[0]
	s.ScriptedEvents = s.ScriptedEvents[1:]
	return batch, nil
}

// SetThresholds records the new thresholds.
func (s *Session) SetThresholds(prob, db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prob, s.DB = prob, db
}

// Thresholds returns the recorded thresholds.
func (s *Session) Thresholds() (prob, db float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Prob, s.DB
}

// Reset increments ResetCallCount.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	return nil
}

// Close increments CloseCallCount.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return nil
}

// Compile-time interface assertions.
var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*Session)(nil)
)
