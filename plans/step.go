package plans

import (
	"context"

	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/trajectory"
)

// ExtentOversize widens the advertised extents of a spiral scan past its radii
const ExtentOversize = 1.25

// StepScan is a raster of the inner (fast) axis nested in the outer (slow)
// axis.  Z, if set, is moved to along with the start point.
type StepScan struct {
	Outer     trajectory.Window `json:"outer"`
	Inner     trajectory.Window `json:"inner"`
	OuterAxis string            `json:"outerAxis"`
	InnerAxis string            `json:"innerAxis"`
	ZAxis     string            `json:"zAxis"`
	Z         *float64          `json:"z,omitempty"`
	Snake     bool              `json:"snake"`
}

// DefaultStepScan is a snaked raster of sm_px inside sm_py
func DefaultStepScan() StepScan {
	return StepScan{OuterAxis: "sm_py", InnerAxis: "sm_px", ZAxis: "sm_pz", Snake: true}
}

// Points returns the raster in visiting order
func (s StepScan) Points() ([]trajectory.GridPoint, error) {
	return trajectory.Grid(s.Outer, s.Inner, s.Snake)
}

func withZ(targets []motion.Target, axis string, z *float64) []motion.Target {
	if z == nil {
		return targets
	}
	return append(targets, motion.Target{Axis: axis, Pos: *z})
}

// StepScan runs s, returning one record per raster point
func (r Runner) StepScan(ctx context.Context, s StepScan) ([]flyscan.Record, error) {
	pts, err := s.Points()
	if err != nil {
		return nil, err
	}
	steps := make([][]motion.Target, len(pts))
	for i, p := range pts {
		steps[i] = []motion.Target{{Axis: s.OuterAxis, Pos: p.Outer}, {Axis: s.InnerAxis, Pos: p.Inner}}
	}
	var start []motion.Target
	if len(pts) > 0 {
		start = withZ(append([]motion.Target(nil), steps[0]...), s.ZAxis, s.Z)
	}
	run, err := r.begin(KindStep, r.scanNum(KindStep, 0), s)
	if err != nil {
		return nil, err
	}
	recs, err := r.visit(ctx, start, steps)
	r.finish(run, recs, err)
	return recs, err
}

// FermatSpiralStepScan visits a Fermat spiral about a centre, either ring by
// ring (RoughDr) or in snaked bands (Snaked, Strips)
type FermatSpiralStepScan struct {
	XCenter float64 `json:"xCenter" koanf:"xCenter" yaml:"xCenter"`
	YCenter float64 `json:"yCenter" koanf:"yCenter" yaml:"yCenter"`
	XRadius float64 `json:"xRadius" koanf:"xRadius" yaml:"xRadius"`
	YRadius float64 `json:"yRadius" koanf:"yRadius" yaml:"yRadius"`
	DeltaR  float64 `json:"deltaR" koanf:"deltaR" yaml:"deltaR"`

	// Factor is 1 if zero
	Factor float64 `json:"factor" koanf:"factor" yaml:"factor"`

	// RoughDr is trajectory.DefaultRingWidth if zero
	RoughDr float64 `json:"roughDr" koanf:"roughDr" yaml:"roughDr"`

	Snaked bool `json:"snaked" koanf:"snaked" yaml:"snaked"`

	// Strips is trajectory.DefaultStrips if zero
	Strips int `json:"strips" koanf:"strips" yaml:"strips"`

	XAxis string   `json:"xAxis" koanf:"xAxis" yaml:"xAxis"`
	YAxis string   `json:"yAxis" koanf:"yAxis" yaml:"yAxis"`
	ZAxis string   `json:"zAxis" koanf:"zAxis" yaml:"zAxis"`
	Z     *float64 `json:"z,omitempty" koanf:"z" yaml:"z,omitempty"`
}

// DefaultFermatSpiralStepScan returns a ring-ordered spiral over sm_px and sm_py
func DefaultFermatSpiralStepScan() FermatSpiralStepScan {
	return FermatSpiralStepScan{
		Factor:  1,
		RoughDr: trajectory.DefaultRingWidth,
		Strips:  trajectory.DefaultStrips,
		XAxis:   "sm_px",
		YAxis:   "sm_py",
		ZAxis:   "sm_pz",
	}
}

// Spiral is the trajectory.SpiralScan s traverses
func (s FermatSpiralStepScan) Spiral() trajectory.SpiralScan {
	f := s.Factor
	if f == 0 {
		f = 1
	}
	sc := trajectory.SpiralScan{
		SpiralParams: trajectory.SpiralParams{Dr: s.DeltaR, XRadius: s.XRadius, YRadius: s.YRadius, Factor: f},
		Order:        trajectory.OrderRadial,
		RingWidth:    s.RoughDr,
	}
	if s.Snaked {
		sc.Order = trajectory.OrderSnake
		sc.Strips = s.Strips
	}
	return sc
}

// Points returns the absolute positions in visiting order
func (s FermatSpiralStepScan) Points() ([]trajectory.Point, error) {
	pts, err := s.Spiral().Points()
	if err != nil {
		return nil, err
	}
	return trajectory.Offset(pts, s.XCenter, s.YCenter), nil
}

// Extents are the [min, max] of x then y a plot of the scan should cover
func (s FermatSpiralStepScan) Extents() [2][2]float64 {
	dx, dy := s.XRadius*ExtentOversize, s.YRadius*ExtentOversize
	return [2][2]float64{
		{s.XCenter - dx, s.XCenter + dx},
		{s.YCenter - dy, s.YCenter + dy},
	}
}

// FermatSpiralStepScan runs s, returning one record per spiral point
func (r Runner) FermatSpiralStepScan(ctx context.Context, s FermatSpiralStepScan) ([]flyscan.Record, error) {
	pts, err := s.Points()
	if err != nil {
		return nil, err
	}
	steps := make([][]motion.Target, len(pts))
	for i, p := range pts {
		steps[i] = []motion.Target{{Axis: s.XAxis, Pos: p.X}, {Axis: s.YAxis, Pos: p.Y}}
	}
	var start []motion.Target
	if len(pts) > 0 {
		start = withZ(append([]motion.Target(nil), steps[0]...), s.ZAxis, s.Z)
	}
	md := struct {
		FermatSpiralStepScan
		Extents [2][2]float64 `json:"extents"`
	}{s, s.Extents()}
	run, err := r.begin(KindSpiral, r.scanNum(KindSpiral, 0), md)
	if err != nil {
		return nil, err
	}
	recs, err := r.visit(ctx, start, steps)
	r.finish(run, recs, err)
	return recs, err
}
