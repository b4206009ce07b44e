package trajectory

import "math"

// Field is the rectangle a centred spiral is clipped to.  A non-zero DrY
// stretches y by DrY/Dr; Tilt shears the rectangle, in radians.
type Field struct {
	// XWidth and YWidth are the full extents
	XWidth float64 `json:"xWidth"`
	YWidth float64 `json:"yWidth"`

	// Dr is the radius step along x
	Dr float64 `json:"dr"`

	// DrY is the radius step along y, Dr if zero
	DrY float64 `json:"drY"`

	Tilt float64 `json:"tilt"`
}

func (f Field) validate() error {
	if !finite(f.XWidth, f.YWidth, f.Dr, f.DrY, f.Tilt) {
		return invalid("non-finite field %+v", f)
	}
	if f.Dr <= 0 {
		return invalid("dr must be positive, got %v", f.Dr)
	}
	if f.DrY < 0 {
		return invalid("dr_y must not be negative, got %v", f.DrY)
	}
	if f.XWidth < 0 || f.YWidth < 0 || (f.XWidth == 0 && f.YWidth == 0) {
		return invalid("widths must be non-negative and not both zero, got x=%v y=%v", f.XWidth, f.YWidth)
	}
	if math.Abs(f.Tilt) >= math.Pi/2 {
		return invalid("tilt must be inside (-pi/2, pi/2), got %v", f.Tilt)
	}
	return nil
}

func (f Field) aspect() float64 {
	if f.DrY == 0 {
		return 1
	}
	return f.DrY / f.Dr
}

// half returns the half extents in unstretched units
func (f Field) half() (float64, float64) {
	return f.XWidth / 2, f.YWidth / (2 * f.aspect())
}

// place stretches the unit-aspect point (x, y) and reports whether it lands
// inside the sheared rectangle
func (f Field) place(x, y float64) (Point, bool) {
	hx, hy := f.half()
	in := math.Abs(x+y*math.Tan(f.Tilt)) <= hx && math.Abs(y) <= hy
	return Point{X: x, Y: y * f.aspect()}, in
}

// FermatField is a golden angle Fermat spiral clipped to a Field.  Point n
// (from 1) has r = sqrt(n)*dr/factor; the centre itself is not visited.
func FermatField(f Field, factor float64) ([]Point, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if !finite(factor) || factor < 0 {
		return nil, invalid("factor must be non-negative, got %v", factor)
	}
	if factor == 0 {
		factor = 1
	}
	dr := f.Dr / factor
	hx, hy := f.half()
	rings := DefaultOversample * math.Hypot(hx, hy) / dr
	n := int(rings * rings)
	phi := GoldenAngle * math.Pi / 180
	var out []Point
	for i := 1; i < n; i++ {
		k := float64(i)
		s, c := math.Sincos(phi * k)
		r := math.Sqrt(k) * dr
		if p, ok := f.place(r*c, r*s); ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, invalid("no spiral point falls inside %+v", f)
	}
	return out, nil
}

// Archimedean visits concentric rings dr apart, nTheta points on the first
// and nTheta more on each ring after, clipped to a Field
func Archimedean(f Field, nTheta int) ([]Point, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if nTheta < 1 {
		return nil, invalid("n_theta must be at least 1, got %d", nTheta)
	}
	hx, hy := f.half()
	rings := 1 + int(math.Hypot(hx, hy)/f.Dr)
	var out []Point
	for ring := 1; ring <= rings+1; ring++ {
		r := float64(ring) * f.Dr
		count := ring * nTheta
		step := 2 * math.Pi / float64(count)
		for j := 0; j < count; j++ {
			s, c := math.Sincos(float64(j) * step)
			if p, ok := f.place(r*c, r*s); ok {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil, invalid("no ring point falls inside %+v", f)
	}
	return out, nil
}
