package avatar

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bt-bridge/avatar-relay/shared"
)

// Tool names declared to the upstream model.
const (
	ToolSetMood       = "set_mood"
	ToolPlayGesture   = "play_gesture"
	ToolPlayAnimation = "play_animation"
	ToolSetCameraView = "set_camera_view"
	ToolSetExpression = "set_expression"
)

const (
	DefaultGestureTime = 2 * time.Second
	MaxClipDuration    = 60 * time.Second
)

// Args is the validated, tagged argument set of one tool call.
type Args interface {
	ToolName() string
}

type MoodArgs struct {
	Mood string
}

type GestureArgs struct {
	Gesture  string
	Duration time.Duration
}

// AnimationArgs carries the resolved catalog entry. Duration defaults to
// the clip's natural length.
type AnimationArgs struct {
	Animation Animation
	Duration  time.Duration
}

type CameraArgs struct {
	View string
}

type ExpressionArgs struct {
	Expression Expression
}

func (MoodArgs) ToolName() string       { return ToolSetMood }
func (GestureArgs) ToolName() string    { return ToolPlayGesture }
func (AnimationArgs) ToolName() string  { return ToolPlayAnimation }
func (CameraArgs) ToolName() string     { return ToolSetCameraView }
func (ExpressionArgs) ToolName() string { return ToolSetExpression }

// ParseArgs validates raw model-supplied arguments against the catalog.
// No side effect may be performed on an error return.
func ParseArgs(name string, raw map[string]any, c *Catalog) (Args, error) {
	switch name {
	case ToolSetMood:
		mood, err := enumArg(raw, "mood", c.MoodNames(), c.HasMood)
		if err != nil {
			return nil, err
		}
		return MoodArgs{Mood: mood}, nil
	case ToolPlayGesture:
		gesture, err := enumArg(raw, "gesture", c.Gestures, c.HasGesture)
		if err != nil {
			return nil, err
		}
		d, err := durationArg(raw, DefaultGestureTime)
		if err != nil {
			return nil, err
		}
		return GestureArgs{Gesture: gesture, Duration: d}, nil
	case ToolPlayAnimation:
		animName, err := stringArg(raw, "animation")
		if err != nil {
			return nil, err
		}
		anim, ok := c.Animation(animName)
		if !ok {
			return nil, fmt.Errorf("%w: %q", shared.ErrAnimationNotFound, animName)
		}
		d, err := durationArg(raw, anim.Duration)
		if err != nil {
			return nil, err
		}
		return AnimationArgs{Animation: anim, Duration: d}, nil
	case ToolSetCameraView:
		view, err := enumArg(raw, "view", c.Views, c.HasView)
		if err != nil {
			return nil, err
		}
		return CameraArgs{View: view}, nil
	case ToolSetExpression:
		exprName, err := enumArg(raw, "expression", c.ExpressionNames(), func(s string) bool {
			_, ok := c.Expression(s)
			return ok
		})
		if err != nil {
			return nil, err
		}
		expr, _ := c.Expression(exprName)
		return ExpressionArgs{Expression: expr}, nil
	}
	return nil, fmt.Errorf("%w: %q", shared.ErrUnknownTool, name)
}

func stringArg(raw map[string]any, key string) (string, error) {
	v, ok := raw[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", shared.ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s must be a non-empty string", shared.ErrInvalidArgument, key)
	}
	return strings.TrimSpace(s), nil
}

func enumArg(raw map[string]any, key string, allowed []string, has func(string) bool) (string, error) {
	s, err := stringArg(raw, key)
	if err != nil {
		return "", err
	}
	if !has(s) {
		return "", fmt.Errorf("%w: %s %q (allowed: %s)", shared.ErrInvalidArgument, key, s, strings.Join(allowed, ", "))
	}
	return s, nil
}

// durationArg reads an optional "duration" in seconds.
func durationArg(raw map[string]any, def time.Duration) (time.Duration, error) {
	v, ok := raw["duration"]
	if !ok || v == nil {
		return def, nil
	}
	secs, ok := asFloat64(v)
	if !ok || math.IsNaN(secs) || math.IsInf(secs, 0) || secs <= 0 {
		return 0, fmt.Errorf("%w: duration must be a positive number of seconds", shared.ErrInvalidArgument)
	}
	// Compared in seconds so huge values cannot overflow the conversion.
	if secs > MaxClipDuration.Seconds() {
		return 0, fmt.Errorf("%w: duration exceeds %s", shared.ErrInvalidArgument, MaxClipDuration)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}
