package avatar

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/avatar-relay/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	f       func()
	d       time.Duration
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f, d: d}
	c.timers = append(c.timers, t)
	return t
}

// fire runs every timer that was not stopped.
func (c *fakeClock) fire() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		if !t.stopped {
			t.stopped = true
			t.f()
		}
	}
}

// fireAll runs every timer, including stopped ones, to model a timer
// that fired concurrently with Stop.
func (c *fakeClock) fireAll() {
	c.mu.Lock()
	timers := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range timers {
		t.f()
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *HeadlessEngine, *fakeClock) {
	t.Helper()
	engine := NewHeadlessEngine(shared.NewNopLogger())
	clock := new(fakeClock)
	d, err := NewDispatcher(shared.NewNopLogger(), engine, DefaultCatalog(), WithAfterFunc(clock.AfterFunc))
	require.NoError(t, err)
	return d, engine, clock
}

func TestNewDispatcherValidation(t *testing.T) {
	engine := NewHeadlessEngine(nil)
	_, err := NewDispatcher(nil, engine, DefaultCatalog())
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewDispatcher(shared.NewNopLogger(), nil, DefaultCatalog())
	assert.ErrorIs(t, err, shared.ErrNoEngine)
	_, err = NewDispatcher(shared.NewNopLogger(), engine, nil)
	assert.ErrorIs(t, err, shared.ErrNoCatalog)
}

func TestDispatchValidCalls(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		expected string
		callKey  string
	}{
		{
			name:     "Mood",
			tool:     ToolSetMood,
			args:     map[string]any{"mood": "happy"},
			expected: "Mood set to happy",
			callKey:  "mood",
		},
		{
			name:     "Gesture with default duration",
			tool:     ToolPlayGesture,
			args:     map[string]any{"gesture": "thumbup"},
			expected: "Playing gesture thumbup for 2s",
			callKey:  "gesture",
		},
		{
			name:     "Gesture with explicit duration",
			tool:     ToolPlayGesture,
			args:     map[string]any{"gesture": "ok", "duration": 1.5},
			expected: "Playing gesture ok for 1.5s",
			callKey:  "gesture",
		},
		{
			name:     "Animation with natural length",
			tool:     ToolPlayAnimation,
			args:     map[string]any{"animation": "wave"},
			expected: "Playing animation wave for 3.2s",
			callKey:  "animation",
		},
		{
			name:     "Camera view",
			tool:     ToolSetCameraView,
			args:     map[string]any{"view": "head"},
			expected: "Camera view set to head",
			callKey:  "view",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, engine, _ := newTestDispatcher(t)
			result := d.Dispatch(context.Background(), tt.tool, tt.args)
			assert.Equal(t, tt.expected, result)
			assert.Equal(t, 1, engine.Calls()[tt.callKey])
		})
	}
}

func TestDispatchInvalidCallsHaveNoSideEffect(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		contains string
	}{
		{name: "Unknown tool", tool: "launch_rocket", args: map[string]any{}, contains: "unknown tool"},
		{name: "Unknown mood", tool: ToolSetMood, args: map[string]any{"mood": "ecstatic"}, contains: "mood \"ecstatic\""},
		{name: "Missing mood", tool: ToolSetMood, args: map[string]any{}, contains: "missing mood"},
		{name: "Mood not a string", tool: ToolSetMood, args: map[string]any{"mood": 3}, contains: "non-empty string"},
		{name: "Unknown gesture", tool: ToolPlayGesture, args: map[string]any{"gesture": "moonwalk"}, contains: "gesture"},
		{name: "Negative duration", tool: ToolPlayGesture, args: map[string]any{"gesture": "ok", "duration": -1.0}, contains: "duration"},
		{name: "Overflowing animation duration", tool: ToolPlayAnimation, args: map[string]any{"animation": "wave", "duration": 1e300}, contains: "duration exceeds"},
		{name: "Missing animation asset", tool: ToolPlayAnimation, args: map[string]any{"animation": "backflip"}, contains: "animation not found"},
		{name: "Unknown view", tool: ToolSetCameraView, args: map[string]any{"view": "drone"}, contains: "view"},
		{name: "Unknown expression", tool: ToolSetExpression, args: map[string]any{"expression": "smirk"}, contains: "expression"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, engine, _ := newTestDispatcher(t)
			result := d.Dispatch(context.Background(), tt.tool, tt.args)
			assert.Contains(t, result, "Error: ")
			assert.Contains(t, result, tt.contains)
			assert.Empty(t, engine.Calls())
		})
	}
}

func TestDispatchAnimationLoopsToFillDuration(t *testing.T) {
	engine := &recordingEngine{}
	d, err := NewDispatcher(shared.NewNopLogger(), engine, DefaultCatalog(), WithAfterFunc((&fakeClock{}).AfterFunc))
	require.NoError(t, err)

	result := d.Dispatch(context.Background(), ToolPlayAnimation, map[string]any{"animation": "nod", "duration": 4})
	assert.Equal(t, "Playing animation nod for 4s", result)
	require.Len(t, engine.clips, 1)
	assert.Equal(t, "animations/nod.fbx", engine.clips[0].url)
	assert.Equal(t, 3, engine.clips[0].loops)
	assert.Equal(t, 4*time.Second, engine.clips[0].duration)
}

func TestDispatchRecoversFromEnginePanic(t *testing.T) {
	d, err := NewDispatcher(shared.NewNopLogger(), &recordingEngine{panicOnMood: true}, DefaultCatalog())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		result := d.Dispatch(context.Background(), ToolSetMood, map[string]any{"mood": "sad"})
		assert.Equal(t, "Error: set_mood failed unexpectedly", result)
	})
}

func TestDispatchCancelledContext(t *testing.T) {
	d, engine, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := d.Dispatch(ctx, ToolSetMood, map[string]any{"mood": "happy"})
	assert.Contains(t, result, "Error: ")
	assert.Empty(t, engine.Calls())
}

func TestExpressionAutoReleases(t *testing.T) {
	d, engine, clock := newTestDispatcher(t)

	result := d.Dispatch(context.Background(), ToolSetExpression, map[string]any{"expression": "smile"})
	assert.Equal(t, "Expression smile applied", result)
	assert.ElementsMatch(t, []string{"mouthSmileLeft", "mouthSmileRight"}, engine.OverriddenMorphs())
	name, ok := d.ActiveExpression()
	assert.True(t, ok)
	assert.Equal(t, "smile", name)
	require.Len(t, clock.timers, 1)
	assert.Equal(t, ExpressionHold, clock.timers[0].d)

	clock.fire()
	assert.Empty(t, engine.OverriddenMorphs())
	_, ok = d.ActiveExpression()
	assert.False(t, ok)
}

func TestExpressionReplacesPrevious(t *testing.T) {
	d, engine, clock := newTestDispatcher(t)

	d.Dispatch(context.Background(), ToolSetExpression, map[string]any{"expression": "smile"})
	d.Dispatch(context.Background(), ToolSetExpression, map[string]any{"expression": "wink"})
	assert.Equal(t, []string{"eyeBlinkLeft"}, engine.OverriddenMorphs())
	require.Len(t, clock.timers, 2)
	assert.True(t, clock.timers[0].stopped)

	// A stale release must not clear the newer overlay.
	clock.timers[0].f()
	assert.Equal(t, []string{"eyeBlinkLeft"}, engine.OverriddenMorphs())

	clock.fireAll()
	assert.Empty(t, engine.OverriddenMorphs())
}

func TestDispatcherCloseReleasesExpression(t *testing.T) {
	d, engine, clock := newTestDispatcher(t)
	d.Dispatch(context.Background(), ToolSetExpression, map[string]any{"expression": "surprised"})
	require.NotEmpty(t, engine.OverriddenMorphs())

	d.Close()
	assert.Empty(t, engine.OverriddenMorphs())
	assert.True(t, clock.timers[0].stopped)
}

type clipCall struct {
	url      string
	loops    int
	duration time.Duration
}

type recordingEngine struct {
	clips       []clipCall
	panicOnMood bool
}

func (r *recordingEngine) SetMorphTargetRealtimeValue(string, *float64) {}

func (r *recordingEngine) PlayAnimationClip(url string, loopCount int, duration, _ time.Duration, _ float64) (<-chan struct{}, error) {
	r.clips = append(r.clips, clipCall{url: url, loops: loopCount, duration: duration})
	return nil, nil
}

func (r *recordingEngine) SetFacialBaseline(string) error {
	if r.panicOnMood {
		panic("renderer gone")
	}
	return nil
}

func (r *recordingEngine) SetCameraFraming(string) error               { return nil }
func (r *recordingEngine) PlayGestureClip(string, time.Duration) error { return nil }
func (r *recordingEngine) MorphTargetNames() []string                  { return nil }
