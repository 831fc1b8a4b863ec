package vad_test

import (
	"math"
	"testing"

	"github.com/ariavoice/aria/pkg/provider/vad"
	"github.com/ariavoice/aria/pkg/provider/vad/mock"
)

func TestAdaptiveSetPlayback(t *testing.T) {
	cfg := vad.DefaultAdaptiveConfig()

	t.Run("raises thresholds with volume", func(t *testing.T) {
		inner := &mock.Session{}
		a := vad.NewAdaptive(inner, cfg)

		prob, db := a.SetPlayback(true, 0.5)

		wantProb := cfg.BaseProbThreshold * (1 + 0.5*cfg.AdaptiveFactor)
		if math.Abs(prob-wantProb) > 1e-9 {
			t.Errorf("prob = %g, want %g", prob, wantProb)
		}
		wantDB := cfg.BaseDBThreshold + 0.5*15
		if math.Abs(db-wantDB) > 1e-9 {
			t.Errorf("db = %g, want %g", db, wantDB)
		}
		gotProb, gotDB := inner.Thresholds()
		if gotProb != prob || gotDB != db {
			t.Errorf("inner thresholds = (%g, %g), want (%g, %g)", gotProb, gotDB, prob, db)
		}
	})

	t.Run("clamps to max ratio at full volume", func(t *testing.T) {
		inner := &mock.Session{}
		a := vad.NewAdaptive(inner, cfg)

		prob, db := a.SetPlayback(true, 1.0)

		// 1 + 1.0*1.5 = 2.5 exceeds the max ratio of 2.0.
		wantProb := cfg.BaseProbThreshold * cfg.MaxThresholdRatio
		if math.Abs(prob-wantProb) > 1e-9 {
			t.Errorf("prob = %g, want clamped %g", prob, wantProb)
		}
		wantDB := cfg.BaseDBThreshold + 15
		if math.Abs(db-wantDB) > 1e-9 {
			t.Errorf("db = %g, want %g", db, wantDB)
		}
	})

	t.Run("stop restores base thresholds", func(t *testing.T) {
		inner := &mock.Session{}
		a := vad.NewAdaptive(inner, cfg)

		a.SetPlayback(true, 0.8)
		prob, db := a.SetPlayback(false, 0)

		if prob != cfg.BaseProbThreshold || db != cfg.BaseDBThreshold {
			t.Errorf("thresholds after stop = (%g, %g), want base (%g, %g)",
				prob, db, cfg.BaseProbThreshold, cfg.BaseDBThreshold)
		}
		if a.Playing() {
			t.Error("Playing() = true after stop")
		}
	})

	t.Run("volume clamped to unit range", func(t *testing.T) {
		inner := &mock.Session{}
		a := vad.NewAdaptive(inner, cfg)

		prob, _ := a.SetPlayback(true, -2)
		if math.Abs(prob-cfg.BaseProbThreshold) > 1e-9 {
			t.Errorf("prob at negative volume = %g, want base %g", prob, cfg.BaseProbThreshold)
		}
	})
}

func TestAdaptiveDetect(t *testing.T) {
	t.Run("passes events through", func(t *testing.T) {
		inner := &mock.Session{ScriptedEvents: [][]vad.Event{
			{{Kind: vad.EventPause}},
		}}
		a := vad.NewAdaptive(inner, vad.DefaultAdaptiveConfig())

		events, err := a.Detect([]float32{0.2, -0.2, 0.2, -0.2})
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if len(events) != 1 || events[0].Kind != vad.EventPause {
			t.Fatalf("events = %+v, want one pause", events)
		}
	})

	t.Run("attenuates quiet audio during playback", func(t *testing.T) {
		inner := &mock.Session{}
		a := vad.NewAdaptive(inner, vad.DefaultAdaptiveConfig())
		a.SetPlayback(true, 0.5)

		if _, err := a.Detect([]float32{0.01, -0.01, 0.01, -0.01}); err != nil {
			t.Fatalf("Detect: %v", err)
		}
		got := inner.DetectCalls[0]
		if got[0] != 0.005 {
			t.Errorf("sample = %g, want attenuated 0.005", got[0])
		}
	})

	t.Run("loud audio untouched during playback", func(t *testing.T) {
		inner := &mock.Session{}
		a := vad.NewAdaptive(inner, vad.DefaultAdaptiveConfig())
		a.SetPlayback(true, 0.5)

		if _, err := a.Detect([]float32{0.5, -0.5, 0.5, -0.5}); err != nil {
			t.Fatalf("Detect: %v", err)
		}
		got := inner.DetectCalls[0]
		if got[0] != 0.5 {
			t.Errorf("sample = %g, want unmodified 0.5", got[0])
		}
	})

	t.Run("tracks noise level over a window", func(t *testing.T) {
		inner := &mock.Session{}
		cfg := vad.DefaultAdaptiveConfig()
		cfg.NoiseWindow = 2
		a := vad.NewAdaptive(inner, cfg)

		loud := []float32{0.5, -0.5, 0.5, -0.5}
		quiet := []float32{0.01, -0.01, 0.01, -0.01}
		if _, err := a.Detect(loud); err != nil {
			t.Fatalf("Detect: %v", err)
		}
		first := a.NoiseLevel()
		if _, err := a.Detect(quiet); err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if _, err := a.Detect(quiet); err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if a.NoiseLevel() >= first {
			t.Errorf("noise level did not drop: first %g, now %g", first, a.NoiseLevel())
		}
	})
}

func TestAdaptiveReset(t *testing.T) {
	inner := &mock.Session{}
	cfg := vad.DefaultAdaptiveConfig()
	a := vad.NewAdaptive(inner, cfg)

	a.SetPlayback(true, 1)
	if _, err := a.Detect([]float32{0.3, -0.3}); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if err := a.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if a.Playing() {
		t.Error("Playing() = true after reset")
	}
	if a.NoiseLevel() != 0 {
		t.Errorf("NoiseLevel() = %g after reset, want 0", a.NoiseLevel())
	}
	prob, db := inner.Thresholds()
	if prob != cfg.BaseProbThreshold || db != cfg.BaseDBThreshold {
		t.Errorf("inner thresholds = (%g, %g), want base", prob, db)
	}
	if inner.ResetCallCount != 1 {
		t.Errorf("inner reset count = %d, want 1", inner.ResetCallCount)
	}
}
