package trajectory

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const twoPi = 2 * math.Pi

// ReorderRadial imposes a spiral-like order on an unordered spiral: points
// are bucketed into rings of width dr by floor(r/dr), rings are visited from
// the centre out, and each ring is walked by increasing angle.
//
// If any |theta| exceeds 2pi, every angle is wrapped into [0, 2pi) before
// sorting and the returned points carry the wrapped angle; otherwise angles are
// used as given.  The output is a permutation of the input.
func ReorderRadial(pts []Polar, dr float64) ([]Polar, error) {
	if len(pts) == 0 {
		return nil, invalid("no points to reorder")
	}
	if !finite(dr) || dr <= 0 {
		return nil, invalid("ring width must be positive, got %v", dr)
	}
	wrap := false
	for _, p := range pts {
		if !finite(p.R, p.Theta) {
			return nil, invalid("non-finite point %+v", p)
		}
		if math.Abs(p.Theta) > twoPi {
			wrap = true
		}
	}

	work := make([]Polar, len(pts))
	rings := make([]int, len(pts))
	for i, p := range pts {
		if wrap {
			p.Theta = math.Mod(p.Theta, twoPi)
			if p.Theta < 0 {
				p.Theta += twoPi
			}
		}
		work[i] = p
		rings[i] = RingOf(p, dr)
	}

	idx := make([]int, len(work))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if rings[ia] != rings[ib] {
			return rings[ia] < rings[ib]
		}
		return work[ia].Theta < work[ib].Theta
	})

	out := make([]Polar, len(work))
	for i, j := range idx {
		out[i] = work[j]
	}
	return out, nil
}

// RingOf returns the ring index floor(r/dr) of p
func RingOf(p Polar, dr float64) int {
	return int(math.Floor(p.R / dr))
}

// ReorderSnake imposes a raster-like order on a spiral.  The field is cut into
// strips equal-height bands between the minimum and maximum y; each band is
// swept in x, alternating direction band to band, starting from the top band.
//
// If snakeX is false the roles of the axes are swapped: bands are cut in x and
// swept in y.  The result is always returned as true (x, y) positions.
func ReorderSnake(pts []Polar, strips int, snakeX bool) ([]Point, error) {
	if len(pts) == 0 {
		return nil, invalid("no points to reorder")
	}
	cart := make([]Point, len(pts))
	for i, p := range pts {
		if !finite(p.R, p.Theta) {
			return nil, invalid("non-finite point %+v", p)
		}
		c := p.Cartesian()
		if !snakeX {
			c.X, c.Y = c.Y, c.X
		}
		cart[i] = c
	}
	out, err := SnakePoints(cart, strips)
	if err != nil {
		return nil, err
	}
	if !snakeX {
		for i := range out {
			out[i].X, out[i].Y = out[i].Y, out[i].X
		}
	}
	return out, nil
}

// SnakePoints is ReorderSnake for points already in cartesian form, sweeping
// along x
func SnakePoints(pts []Point, strips int) ([]Point, error) {
	if len(pts) == 0 {
		return nil, invalid("no points to reorder")
	}
	if strips < 1 {
		return nil, invalid("strip count must be at least 1, got %d", strips)
	}
	bands := Bands(pts, strips)
	grouped := make([][]Point, strips)
	for i, p := range pts {
		grouped[bands[i]] = append(grouped[bands[i]], p)
	}

	out := make([]Point, 0, len(pts))
	for n, band := range grouped {
		sort.SliceStable(band, func(a, b int) bool { return band[a].X < band[b].X })
		if n%2 == 1 {
			for i, j := 0, len(band)-1; i < j; i, j = i+1, j-1 {
				band[i], band[j] = band[j], band[i]
			}
		}
		out = append(out, band...)
	}
	return out, nil
}

// Bands returns the band index of each point when the y range of pts is cut
// into strips equal-height bands, numbered from the top (largest y).
// The bottom edge belongs to the last band.  A flat y range puts every point in
// band 0.
func Bands(pts []Point, strips int) []int {
	out := make([]int, len(pts))
	if len(pts) == 0 || strips < 1 {
		return out
	}
	_, ys := Split(pts)
	minY, maxY := floats.Min(ys), floats.Max(ys)
	dy := (maxY - minY) / float64(strips)
	if dy == 0 {
		return out
	}
	for i, y := range ys {
		n := int(math.Floor((maxY - y) / dy))
		if n >= strips {
			n = strips - 1
		}
		if n < 0 {
			n = 0
		}
		out[i] = n
	}
	return out
}

// Ordering selects how a spiral is traversed
type Ordering string

const (
	// OrderNatural visits points in generation order, n = 1..N
	OrderNatural Ordering = "natural"

	// OrderRadial visits rings outward, each by increasing angle
	OrderRadial Ordering = "radial"

	// OrderSnake sweeps horizontal bands back and forth
	OrderSnake Ordering = "snake"
)

const (
	// DefaultRingWidth is the ring width used by OrderRadial when none is given
	DefaultRingWidth = 5.

	// DefaultStrips is the band count used by OrderSnake when none is given
	DefaultStrips = 10
)

// SpiralScan is a spiral and the order it is to be traversed in
type SpiralScan struct {
	SpiralParams

	Order Ordering `json:"order"`

	// RingWidth is the ring width for OrderRadial
	RingWidth float64 `json:"ringWidth"`

	// Strips is the band count for OrderSnake
	Strips int `json:"strips"`

	// SnakeY sweeps bands along y instead of x for OrderSnake
	SnakeY bool `json:"snakeY"`
}

// Points generates the spiral and orders it, returning positions relative to
// the spiral centre
func (s SpiralScan) Points() ([]Point, error) {
	pol, err := Vogel(s.SpiralParams)
	if err != nil {
		return nil, err
	}
	switch s.Order {
	case OrderNatural, "":
		return ToCartesian(pol), nil
	case OrderRadial:
		dr := s.RingWidth
		if dr == 0 {
			dr = DefaultRingWidth
		}
		ordered, err := ReorderRadial(pol, dr)
		if err != nil {
			return nil, err
		}
		return ToCartesian(ordered), nil
	case OrderSnake:
		strips := s.Strips
		if strips == 0 {
			strips = DefaultStrips
		}
		return ReorderSnake(pol, strips, !s.SnakeY)
	default:
		return nil, invalid("unknown ordering %q", s.Order)
	}
}
