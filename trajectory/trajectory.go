// Package trajectory computes the sample positions visited by Velociprobe
// scans: centred windows, raster grids, Fermat (Vogel) spirals and the
// reorderings that turn a spiral into something a stage can follow quickly.
//
// Everything in this package is pure; invalid numeric input is rejected with
// ErrInvalidParameter rather than producing NaN.
package trajectory

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidParameter is returned for non-positive steps, empty point sets and
// other geometry that cannot produce a trajectory
var ErrInvalidParameter = errors.New("invalid trajectory parameter")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidParameter}, args...)...)
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Point is a cartesian position
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polar is a position in polar form, Theta in radians
type Polar struct {
	R     float64 `json:"r"`
	Theta float64 `json:"theta"`
}

// Cartesian converts p to x = r cos(theta), y = r sin(theta)
func (p Polar) Cartesian() Point {
	s, c := math.Sincos(p.Theta)
	return Point{X: p.R * c, Y: p.R * s}
}

// ToCartesian converts a polar sequence to cartesian, preserving order
func ToCartesian(pts []Polar) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = p.Cartesian()
	}
	return out
}

// Offset shifts every point by (dx, dy), returning a new slice
func Offset(pts []Point, dx, dy float64) []Point {
	out := make([]Point, len(pts))
	for i, p := range pts {
		out[i] = Point{X: p.X + dx, Y: p.Y + dy}
	}
	return out
}

// Split returns the X and Y columns of pts
func Split(pts []Point) (xs, ys []float64) {
	xs = make([]float64, len(pts))
	ys = make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p.X, p.Y
	}
	return xs, ys
}

// Window is a user-facing scan axis: a center, full width, and step size
type Window struct {
	Center float64 `json:"center"`
	Width  float64 `json:"width"`
	Step   float64 `json:"step"`
}

// Uncenter converts the window to the (start, stop, count) triple used for
// grid traversal.  See the package level Uncenter.
func (w Window) Uncenter() (start, stop float64, count int, err error) {
	return Uncenter(w.Center, w.Width, w.Step)
}

// Uncenter converts (center, width, step) to (start, stop, count), with
// count = ceil(width/step) + 1 and start, stop = center -/+ count/2 * step.
//
// The half-width uses count and not count-1, so the span is count*step and
// overshoots a conventional centred grid by half a step on each side.  The
// motion program and existing data sets were built on this formula.
func Uncenter(center, width, step float64) (start, stop float64, count int, err error) {
	if !finite(center, width, step) {
		return 0, 0, 0, invalid("non-finite window center=%v width=%v step=%v", center, width, step)
	}
	if step <= 0 {
		return 0, 0, 0, invalid("step must be positive, got %v", step)
	}
	if width < 0 {
		return 0, 0, 0, invalid("width must be non-negative, got %v", width)
	}
	count = int(math.Ceil(width/step)) + 1
	half := float64(count) / 2 * step
	return center - half, center + half, count, nil
}

// Linspace returns n evenly spaced values over [start, stop], inclusive
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, stop)
}

// GridPoint is one position of a two-axis raster; Outer is the slow axis
type GridPoint struct {
	Outer float64 `json:"outer"`
	Inner float64 `json:"inner"`
}

// Grid lays out a raster over the outer (slow) and inner (fast) windows,
// count points per axis spread from start to stop.  If snake is true the inner
// axis reverses direction on every other row.
func Grid(outer, inner Window, snake bool) ([]GridPoint, error) {
	oStart, oStop, oCount, err := outer.Uncenter()
	if err != nil {
		return nil, fmt.Errorf("outer axis: %w", err)
	}
	iStart, iStop, iCount, err := inner.Uncenter()
	if err != nil {
		return nil, fmt.Errorf("inner axis: %w", err)
	}
	outerPos := Linspace(oStart, oStop, oCount)
	innerPos := Linspace(iStart, iStop, iCount)
	pts := make([]GridPoint, 0, oCount*iCount)
	for row, o := range outerPos {
		for j := range innerPos {
			k := j
			if snake && row%2 == 1 {
				k = iCount - 1 - j
			}
			pts = append(pts, GridPoint{Outer: o, Inner: innerPos[k]})
		}
	}
	return pts, nil
}
