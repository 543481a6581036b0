package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"hmdriver/message"
)

const (
	MinSampling     = 10 * time.Millisecond
	DefaultSampling = 50 * time.Millisecond
	MaxSampling     = 100 * time.Millisecond

	// holdUnit encodes a hold time in milliseconds into the x coordinate of a
	// pointer matrix entry.
	holdUnit = 65536
	// injectSpeed is passed to Driver.injectMultiPointerAction.
	injectSpeed = 2000
)

var ErrGesture = errors.New("device: invalid gesture")

type stepKind int

const (
	stepStart stepKind = iota
	stepMove
	stepPause
)

type gestureStep struct {
	kind     stepKind
	x, y     float64
	interval time.Duration
}

// Gesture builds a single-finger touch path: Start, then any number of Move
// and Pause steps, then Perform.
type Gesture struct {
	d        *Driver
	sampling time.Duration
	steps    []gestureStep
	err      error
}

// Gesture starts a new path. Sampling outside [MinSampling, MaxSampling]
// uses DefaultSampling.
func (d *Driver) Gesture(sampling time.Duration) *Gesture {
	if sampling < MinSampling || sampling > MaxSampling {
		sampling = DefaultSampling
	}
	return &Gesture{d: d, sampling: sampling}
}

// Start touches (x, y) and holds for interval.
func (g *Gesture) Start(x, y float64, interval time.Duration) *Gesture {
	if len(g.steps) > 0 {
		g.fail("start called twice")
		return g
	}
	g.steps = append(g.steps, gestureStep{kind: stepStart, x: x, y: y, interval: interval})
	return g
}

// Move slides to (x, y) over interval.
func (g *Gesture) Move(x, y float64, interval time.Duration) *Gesture {
	if len(g.steps) == 0 {
		g.fail("move before start")
		return g
	}
	g.steps = append(g.steps, gestureStep{kind: stepMove, x: x, y: y, interval: interval})
	return g
}

// Pause holds the current position for interval.
func (g *Gesture) Pause(interval time.Duration) *Gesture {
	if len(g.steps) == 0 {
		g.fail("pause before start")
		return g
	}
	last := g.steps[len(g.steps)-1]
	g.steps = append(g.steps, gestureStep{kind: stepPause, x: last.x, y: last.y, interval: interval})
	return g
}

func (g *Gesture) fail(msg string) {
	if g.err == nil {
		g.err = fmt.Errorf("%w: %s", ErrGesture, msg)
	}
}

type matrixPoint struct {
	pos  Point
	hold int // ms
}

// points expands the steps into pointer matrix entries.
func (g *Gesture) points(ctx context.Context) ([]matrixPoint, error) {
	sampleMS := int(g.sampling / time.Millisecond)
	var out []matrixPoint
	var cur Point
	for _, step := range g.steps {
		p, err := g.d.ToAbs(ctx, step.x, step.y)
		if err != nil {
			return nil, err
		}
		ms := int(step.interval / time.Millisecond)
		switch step.kind {
		case stepStart:
			out = append(out, matrixPoint{pos: p, hold: ms}, matrixPoint{pos: p})
		case stepMove:
			n := moveSteps(cur, p, ms, sampleMS)
			for i := 1; i <= n; i++ {
				out = append(out, matrixPoint{pos: Point{
					X: cur.X + (p.X-cur.X)*i/n,
					Y: cur.Y + (p.Y-cur.Y)*i/n,
				}, hold: sampleMS})
			}
		case stepPause:
			n := max(1, ms/sampleMS)
			for k := 0; k < n; k++ {
				out = append(out, matrixPoint{pos: p, hold: ms / n})
			}
			// a small shift so the pause is not collapsed
			out = append(out, matrixPoint{pos: Point{X: p.X + 3, Y: p.Y}})
		}
		cur = p
	}
	return out, nil
}

func moveSteps(from, to Point, intervalMS, sampleMS int) int {
	distance := int(math.Hypot(float64(to.X-from.X), float64(to.Y-from.Y)))
	if intervalMS < sampleMS || distance < 1 {
		return 1
	}
	return min(distance, intervalMS/sampleMS)
}

// Perform injects the path and resets the builder.
func (g *Gesture) Perform(ctx context.Context) error {
	defer func() { g.steps, g.err = nil, nil }()
	if g.err != nil {
		return g.err
	}
	if len(g.steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrGesture)
	}
	points, err := g.points(ctx)
	if err != nil {
		return err
	}

	c := g.d.client
	res, err := c.InvokeOn(ctx, message.NoHandle, "PointerMatrix.create", 1, len(points))
	if err != nil {
		return err
	}
	matrix, err := res.Handle()
	if err != nil {
		return err
	}
	for i, p := range points {
		pos := Point{X: p.pos.X + holdUnit*p.hold, Y: p.pos.Y}
		if _, err := c.InvokeOn(ctx, matrix, "PointerMatrix.setPoint", 0, i, pos); err != nil {
			return err
		}
	}
	return g.d.action(ctx, "Driver.injectMultiPointerAction", matrix, injectSpeed)
}

// Direction of a SwipeDir gesture.
type Direction string

const (
	SwipeLeft  Direction = "left"
	SwipeRight Direction = "right"
	SwipeUp    Direction = "up"
	SwipeDown  Direction = "down"
)

// SwipeDir swipes across box (the whole display when box is nil) in the given
// direction. scale in (0, 1] is the share of the box the swipe covers.
func (d *Driver) SwipeDir(ctx context.Context, dir Direction, scale float64, box *Bounds, speed int) error {
	if scale <= 0 || scale > 1 {
		return fmt.Errorf("device: swipe scale %v not in (0, 1]", scale)
	}
	var b Bounds
	if box != nil {
		if box.Left >= box.Right || box.Top >= box.Bottom || box.Left < 0 || box.Top < 0 {
			return fmt.Errorf("%w: box %+v", ErrInvalidPoint, *box)
		}
		b = *box
	} else {
		size, err := d.DisplaySize(ctx)
		if err != nil {
			return err
		}
		b = Bounds{Right: size.X, Bottom: size.Y}
	}
	width, height := b.Right-b.Left, b.Bottom-b.Top
	hOff := int(float64(width) * (1 - scale) / 2)
	vOff := int(float64(height) * (1 - scale) / 2)
	midX, midY := b.Left+width/2, b.Top+height/2

	var from, to Point
	switch dir {
	case SwipeLeft:
		from, to = Point{b.Right - hOff, midY}, Point{b.Left + hOff, midY}
	case SwipeRight:
		from, to = Point{b.Left + hOff, midY}, Point{b.Right - hOff, midY}
	case SwipeUp:
		from, to = Point{midX, b.Bottom - vOff}, Point{midX, b.Top + vOff}
	case SwipeDown:
		from, to = Point{midX, b.Top + vOff}, Point{midX, b.Bottom - vOff}
	default:
		return fmt.Errorf("device: unknown swipe direction %q", dir)
	}
	return d.Swipe(ctx, float64(from.X), float64(from.Y), float64(to.X), float64(to.Y), speed)
}
