package trajectory

import (
	"math"
)

const (
	// GoldenAngle is the default divergence angle between consecutive spiral
	// points, in degrees
	GoldenAngle = 137.508

	// DefaultOversample scales the diagonal extent when sizing the spiral so
	// the corners of the rectangular field are covered.  Past revisions of the
	// sampling code disagreed on this factor (a further /4 on the ring count
	// and a +/-1 ring offset both appear), so it is a parameter rather than a
	// literal.
	DefaultOversample = 1.5
)

// SpiralParams configures a Fermat spiral sampled on the Vogel model
type SpiralParams struct {
	// Dr is the radius increment
	Dr float64 `json:"dr"`

	// XRadius and YRadius are the half extents of the field
	XRadius float64 `json:"xRadius"`
	YRadius float64 `json:"yRadius"`

	// Factor divides Dr, raising the point density
	Factor float64 `json:"factor"`

	// Theta0 is the divergence angle in degrees, GoldenAngle if zero
	Theta0 float64 `json:"theta0"`

	// Oversample scales the diagonal when computing the ring count,
	// DefaultOversample if zero
	Oversample float64 `json:"oversample"`
}

func (p SpiralParams) withDefaults() SpiralParams {
	if p.Theta0 == 0 {
		p.Theta0 = GoldenAngle
	}
	if p.Oversample == 0 {
		p.Oversample = DefaultOversample
	}
	return p
}

func (p SpiralParams) validate() error {
	if !finite(p.Dr, p.XRadius, p.YRadius, p.Factor, p.Theta0, p.Oversample) {
		return invalid("non-finite spiral parameters %+v", p)
	}
	if p.Dr <= 0 {
		return invalid("dr must be positive, got %v", p.Dr)
	}
	if p.Factor <= 0 {
		return invalid("factor must be positive, got %v", p.Factor)
	}
	if p.XRadius < 0 || p.YRadius < 0 || (p.XRadius == 0 && p.YRadius == 0) {
		return invalid("extents must be non-negative and not both zero, got x=%v y=%v", p.XRadius, p.YRadius)
	}
	if p.Oversample <= 0 {
		return invalid("oversample must be positive, got %v", p.Oversample)
	}
	return nil
}

// RingCount returns the number of points the spiral will contain,
// round((oversample * diag / (dr/factor))^2) with diag the field diagonal
func RingCount(p SpiralParams) (int, error) {
	p = p.withDefaults()
	if err := p.validate(); err != nil {
		return 0, err
	}
	return ringCount(p), nil
}

func ringCount(p SpiralParams) int {
	diag := math.Hypot(p.XRadius, p.YRadius)
	rings := p.Oversample * diag / (p.Dr / p.Factor)
	return int(math.Round(rings * rings))
}

// Vogel generates the spiral in polar form.  Point n (1-based) has
// theta = n*theta0 and r = (dr/factor)*sqrt(n), so radius strictly increases
// along the sequence.
func Vogel(p SpiralParams) ([]Polar, error) {
	p = p.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	n := ringCount(p)
	theta0 := p.Theta0 * math.Pi / 180
	dr := p.Dr / p.Factor
	pts := make([]Polar, n)
	for i := range pts {
		k := float64(i + 1)
		pts[i] = Polar{R: dr * math.Sqrt(k), Theta: k * theta0}
	}
	return pts, nil
}

// VogelCartesian is Vogel converted to x, y
func VogelCartesian(p SpiralParams) ([]Point, error) {
	pol, err := Vogel(p)
	if err != nil {
		return nil, err
	}
	return ToCartesian(pol), nil
}
