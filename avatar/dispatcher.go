package avatar

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bt-bridge/avatar-relay/shared"
)

// ExpressionHold is how long an expression overlay stays before it is
// released back to the mood baseline.
const ExpressionHold = 2 * time.Second

// Timer is the part of *time.Timer the dispatcher needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

type DispatcherOption func(*Dispatcher)

// WithAfterFunc replaces the clock used for expression release.
func WithAfterFunc(f AfterFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.afterFunc = f
	}
}

// Dispatcher maps tool calls onto the avatar engine. Every call yields a
// result string, including failures.
type Dispatcher struct {
	logger    shared.LoggerAdapter
	engine    Engine
	catalog   *Catalog
	afterFunc AfterFunc

	mu         sync.Mutex
	expression *activeExpression
	generation uint64
}

type activeExpression struct {
	name       string
	morphs     []string
	timer      Timer
	generation uint64
}

func NewDispatcher(logger shared.LoggerAdapter, engine Engine, catalog *Catalog, opts ...DispatcherOption) (*Dispatcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if engine == nil {
		return nil, shared.ErrNoEngine
	}
	if catalog == nil {
		return nil, shared.ErrNoCatalog
	}
	d := &Dispatcher{
		logger:  logger.With(zap.String("component", "dispatcher")),
		engine:  engine,
		catalog: catalog,
		afterFunc: func(dur time.Duration, f func()) Timer {
			return time.AfterFunc(dur, f)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch validates and executes one tool call.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, raw map[string]any) (result string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool dispatch panicked", fmt.Errorf("%v", r), zap.String("tool", name))
			result = fmt.Sprintf("Error: %s failed unexpectedly", name)
		}
	}()
	shared.ToolCallsTotal.WithLabelValues(name).Inc()

	if err := ctx.Err(); err != nil {
		return "Error: " + err.Error()
	}
	args, err := ParseArgs(name, raw, d.catalog)
	if err != nil {
		d.logger.Warn("rejected tool call", zap.String("tool", name), zap.Error(err))
		return "Error: " + err.Error()
	}
	result, err = d.apply(args)
	if err != nil {
		d.logger.Error("tool call failed", err, zap.String("tool", name))
		return "Error: " + err.Error()
	}
	d.logger.Debug("tool call applied", zap.String("tool", name), zap.String("result", result))
	return result
}

func (d *Dispatcher) apply(args Args) (string, error) {
	switch a := args.(type) {
	case MoodArgs:
		if err := d.engine.SetFacialBaseline(a.Mood); err != nil {
			return "", fmt.Errorf("setting mood: %w", err)
		}
		return "Mood set to " + a.Mood, nil
	case GestureArgs:
		if err := d.engine.PlayGestureClip(a.Gesture, a.Duration); err != nil {
			return "", fmt.Errorf("playing gesture: %w", err)
		}
		return fmt.Sprintf("Playing gesture %s for %s", a.Gesture, seconds(a.Duration)), nil
	case AnimationArgs:
		anim := a.Animation
		scale := anim.Scale
		if scale <= 0 {
			scale = 1
		}
		loops := int(math.Ceil(float64(a.Duration) / float64(anim.Duration)))
		if loops < 1 {
			loops = 1
		}
		done, err := d.engine.PlayAnimationClip(anim.File, loops, a.Duration, 0, scale)
		if err != nil {
			return "", fmt.Errorf("playing animation: %w", err)
		}
		if done != nil {
			go d.awaitClip(anim.Name, done)
		}
		return fmt.Sprintf("Playing animation %s for %s", anim.Name, seconds(a.Duration)), nil
	case CameraArgs:
		if err := d.engine.SetCameraFraming(a.View); err != nil {
			return "", fmt.Errorf("setting camera view: %w", err)
		}
		return "Camera view set to " + a.View, nil
	case ExpressionArgs:
		d.applyExpression(a.Expression)
		return "Expression " + a.Expression.Name + " applied", nil
	}
	return "", fmt.Errorf("%w: %s", shared.ErrUnknownTool, args.ToolName())
}

func (d *Dispatcher) awaitClip(name string, done <-chan struct{}) {
	<-done
	d.logger.Trace("animation finished", zap.String("animation", name))
}

func (d *Dispatcher) applyExpression(e Expression) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev := d.expression; prev != nil {
		prev.timer.Stop()
		for _, m := range prev.morphs {
			if _, kept := e.Morphs[m]; !kept {
				d.engine.SetMorphTargetRealtimeValue(m, nil)
			}
		}
	}
	d.generation++
	active := &activeExpression{name: e.Name, generation: d.generation}
	for m, v := range e.Morphs {
		d.engine.SetMorphTargetRealtimeValue(m, Value(v))
		active.morphs = append(active.morphs, m)
	}
	gen := d.generation
	active.timer = d.afterFunc(ExpressionHold, func() { d.releaseExpression(gen) })
	d.expression = active
}

// releaseExpression clears the overlay unless a newer one replaced it.
func (d *Dispatcher) releaseExpression(generation uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expression == nil || d.expression.generation != generation {
		return
	}
	for _, m := range d.expression.morphs {
		d.engine.SetMorphTargetRealtimeValue(m, nil)
	}
	d.logger.Trace("expression released", zap.String("expression", d.expression.name))
	d.expression = nil
}

// ActiveExpression reports the overlay currently held, if any.
func (d *Dispatcher) ActiveExpression() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.expression == nil {
		return "", false
	}
	return d.expression.name, true
}

// Close releases any pending expression overlay.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	gen := d.generation
	if d.expression != nil {
		d.expression.timer.Stop()
	}
	d.mu.Unlock()
	d.releaseExpression(gen)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
