// Package lipsync derives mouth shapes from the audio that is currently
// playing. It runs once per render tick as an observer of the avatar
// engine and never replaces engine internals.
package lipsync

import (
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/avatar-relay/avatar"
	"github.com/bt-bridge/avatar-relay/shared"
)

const (
	BandLowHz  = 80
	BandHighHz = 900

	SmoothingNew  = 0.6
	SmoothingPrev = 0.4
	PrimaryGain   = 0.85
	SecondaryGain = 0.35
	DecayFactor   = 0.7
	ClearBelow    = 0.01

	RotateEvery = 120 * time.Millisecond
)

// PrimaryViseme is the open-mouth viseme driven by volume.
const PrimaryViseme = "viseme_aa"

// SecondaryVisemes rotate on top of the primary shape.
var SecondaryVisemes = []string{"viseme_O", "viseme_E", "viseme_U", "viseme_I"}

// VisemeTargets lists every morph target driven in viseme mode.
func VisemeTargets() []string {
	return append([]string{PrimaryViseme}, SecondaryVisemes...)
}

// CoarseTargets are probed in order when the model has no visemes.
var CoarseTargets = []string{"mouthOpen", "jawOpen"}

// Source reports the peak magnitude of a frequency band, normalized to
// 0..1. *tools.Analyser satisfies it.
type Source interface {
	BandPeak(loHz, hiHz float64) float64
}

type mode int

const (
	modeNone mode = iota
	modeVisemes
	modeCoarse
)

// Synthesizer drives viseme morph targets from the live output signal.
// Tick and Load run on the render tick; SetSpeaking may be called from
// any playback callback.
type Synthesizer struct {
	logger   shared.LoggerAdapter
	engine   avatar.Engine
	source   Source
	speaking atomic.Bool

	mode       mode
	coarse     string
	volume     float64
	secondary  int
	lastRotate time.Time
	active     bool
}

func NewSynthesizer(logger shared.LoggerAdapter, engine avatar.Engine, source Source) (*Synthesizer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if engine == nil {
		return nil, shared.ErrNoEngine
	}
	s := &Synthesizer{
		logger: logger.With(zap.String("component", "lipsync")),
		engine: engine,
		source: source,
	}
	s.Load()
	return s, nil
}

// Load probes the model's morph targets. Call it once per avatar load.
func (s *Synthesizer) Load() {
	if s.active {
		s.clear()
	}
	names := s.engine.MorphTargetNames()
	s.mode = modeNone
	s.coarse = ""
	switch {
	case slices.Contains(names, PrimaryViseme):
		s.mode = modeVisemes
	default:
		for _, t := range CoarseTargets {
			if slices.Contains(names, t) {
				s.mode = modeCoarse
				s.coarse = t
				break
			}
		}
	}
	if s.mode == modeNone {
		s.logger.Warn("avatar exposes no mouth targets, lip-sync disabled")
		return
	}
	s.logger.Debug("lip-sync targets probed", zap.Bool("coarse", s.mode == modeCoarse), zap.String("target", s.coarse))
}

// Coarse reports whether the single mouth-open fallback is in use.
func (s *Synthesizer) Coarse() bool {
	return s.mode == modeCoarse
}

func (s *Synthesizer) SetSpeaking(v bool) {
	s.speaking.Store(v)
}

func (s *Synthesizer) Speaking() bool {
	return s.speaking.Load()
}

// Volume is the current smoothed volume estimate.
func (s *Synthesizer) Volume() float64 {
	return s.volume
}

// Tick advances the synthesizer by one render frame.
func (s *Synthesizer) Tick(now time.Time) {
	if s.mode == modeNone {
		return
	}
	if s.speaking.Load() {
		peak := 0.0
		if s.source != nil {
			peak = s.source.BandPeak(BandLowHz, BandHighHz)
		}
		s.volume = SmoothingNew*peak + SmoothingPrev*s.volume
		if s.mode == modeVisemes && now.Sub(s.lastRotate) >= RotateEvery {
			if s.active {
				s.engine.SetMorphTargetRealtimeValue(SecondaryVisemes[s.secondary], nil)
			}
			s.secondary = (s.secondary + 1) % len(SecondaryVisemes)
			s.lastRotate = now
		}
		s.apply()
		return
	}
	if !s.active {
		return
	}
	s.volume *= DecayFactor
	if s.volume < ClearBelow {
		s.clear()
		return
	}
	s.apply()
}

func (s *Synthesizer) apply() {
	if s.mode == modeCoarse {
		s.engine.SetMorphTargetRealtimeValue(s.coarse, avatar.Value(s.volume))
	} else {
		s.engine.SetMorphTargetRealtimeValue(PrimaryViseme, avatar.Value(s.volume*PrimaryGain))
		s.engine.SetMorphTargetRealtimeValue(SecondaryVisemes[s.secondary], avatar.Value(s.volume*SecondaryGain))
	}
	s.active = true
}

// clear hands every driven target back to the engine.
func (s *Synthesizer) clear() {
	s.volume = 0
	s.active = false
	if s.coarse != "" {
		s.engine.SetMorphTargetRealtimeValue(s.coarse, nil)
	}
	if s.mode == modeVisemes {
		s.engine.SetMorphTargetRealtimeValue(PrimaryViseme, nil)
		for _, v := range SecondaryVisemes {
			s.engine.SetMorphTargetRealtimeValue(v, nil)
		}
	}
}
