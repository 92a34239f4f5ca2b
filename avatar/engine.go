// Package avatar drives a 3D avatar from tool calls issued by the upstream
// voice service. The rendering engine itself is external; this package only
// consumes the Engine surface.
package avatar

import "time"

// Engine is the avatar rendering surface consumed by the dispatcher and the
// lip-sync synthesizer. Implementations must tolerate interleaved calls from
// the render tick and from tool dispatch; last write wins.
type Engine interface {
	// SetMorphTargetRealtimeValue overrides a morph target. A nil value
	// releases the override so the engine's own animation drives it again.
	SetMorphTargetRealtimeValue(name string, value *float64)
	// PlayAnimationClip starts a clip and returns a channel closed when
	// playback completes.
	PlayAnimationClip(url string, loopCount int, duration, startOffset time.Duration, scale float64) (<-chan struct{}, error)
	SetFacialBaseline(mood string) error
	SetCameraFraming(view string) error
	PlayGestureClip(name string, duration time.Duration) error
	// MorphTargetNames lists the morph targets of the loaded model.
	MorphTargetNames() []string
}

// Value returns a pointer suitable for SetMorphTargetRealtimeValue.
func Value(v float64) *float64 {
	return &v
}
