package avatar

import (
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/avatar-relay/shared"
)

// HeadlessEngine is an Engine without a renderer. It records the state a
// renderer would show and logs every change, which makes it suitable for
// terminal clients and tests.
type HeadlessEngine struct {
	logger shared.LoggerAdapter
	morphs []string

	mu         sync.Mutex
	overrides  map[string]float64
	mood       string
	view       string
	gesture    string
	animations []string
	calls      map[string]int
}

// HeadlessState is a snapshot of a HeadlessEngine.
type HeadlessState struct {
	Mood       string
	View       string
	Gesture    string
	Animations []string
	Overrides  map[string]float64
}

// NewHeadlessEngine creates an engine exposing the given morph targets.
func NewHeadlessEngine(logger shared.LoggerAdapter, morphTargets ...string) *HeadlessEngine {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &HeadlessEngine{
		logger:    logger.With(zap.String("component", "headless-engine")),
		morphs:    append([]string(nil), morphTargets...),
		overrides: make(map[string]float64),
		mood:      "neutral",
		view:      "upper",
		calls:     make(map[string]int),
	}
}

func (h *HeadlessEngine) SetMorphTargetRealtimeValue(name string, value *float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["morph"]++
	if value == nil {
		delete(h.overrides, name)
		return
	}
	h.overrides[name] = *value
}

func (h *HeadlessEngine) PlayAnimationClip(url string, loopCount int, duration, startOffset time.Duration, scale float64) (<-chan struct{}, error) {
	h.mu.Lock()
	h.calls["animation"]++
	h.animations = append(h.animations, url)
	h.mu.Unlock()
	h.logger.Info("playing animation",
		zap.String("url", url),
		zap.Int("loops", loopCount),
		zap.Duration("duration", duration),
		zap.Duration("offset", startOffset),
		zap.Float64("scale", scale),
	)
	done := make(chan struct{})
	time.AfterFunc(duration, func() { close(done) })
	return done, nil
}

func (h *HeadlessEngine) SetFacialBaseline(mood string) error {
	h.mu.Lock()
	h.calls["mood"]++
	h.mood = mood
	h.mu.Unlock()
	h.logger.Info("mood changed", zap.String("mood", mood))
	return nil
}

func (h *HeadlessEngine) SetCameraFraming(view string) error {
	h.mu.Lock()
	h.calls["view"]++
	h.view = view
	h.mu.Unlock()
	h.logger.Info("camera framing changed", zap.String("view", view))
	return nil
}

func (h *HeadlessEngine) PlayGestureClip(name string, duration time.Duration) error {
	h.mu.Lock()
	h.calls["gesture"]++
	h.gesture = name
	h.mu.Unlock()
	h.logger.Info("playing gesture", zap.String("gesture", name), zap.Duration("duration", duration))
	return nil
}

func (h *HeadlessEngine) MorphTargetNames() []string {
	return append([]string(nil), h.morphs...)
}

// Calls reports how many times each engine surface was invoked. Keys are
// morph, animation, mood, view and gesture.
func (h *HeadlessEngine) Calls() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.calls)
}

func (h *HeadlessEngine) State() HeadlessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeadlessState{
		Mood:       h.mood,
		View:       h.view,
		Gesture:    h.gesture,
		Animations: append([]string(nil), h.animations...),
		Overrides:  maps.Clone(h.overrides),
	}
}

// Override returns the current override of a morph target.
func (h *HeadlessEngine) Override(name string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.overrides[name]
	return v, ok
}

// OverriddenMorphs lists morph targets with an active override.
func (h *HeadlessEngine) OverriddenMorphs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.overrides))
	for k := range h.overrides {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
