package trajectory

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// PathLength returns the length of the open path through pts in order.
//
// Each point is paired with its predecessor under a circular shift, so the
// first pair is the closing segment from the last point back to the first;
// that segment is subtracted from the total.
func PathLength(pts []Point) (float64, error) {
	n := len(pts)
	if n < 2 {
		return 0, invalid("path length needs at least 2 points, got %d", n)
	}
	segs := make([]float64, n)
	for i, p := range pts {
		prev := pts[(i+n-1)%n]
		if !finite(p.X, p.Y) {
			return 0, invalid("non-finite point %+v", p)
		}
		segs[i] = math.Hypot(p.X-prev.X, p.Y-prev.Y)
	}
	l := floats.Sum(segs) - segs[0]
	if l < 0 {
		// rounding on a degenerate path
		l = 0
	}
	return l, nil
}
