package plans

import (
	"context"

	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/trajectory"
)

// SpiralField places a centred spiral: the stages move to the centre first,
// then visit points inside the radii.  DeltaRY stretches y; Tilt shears the
// field, in radians.
type SpiralField struct {
	XCenter float64 `json:"xCenter" koanf:"xCenter" yaml:"xCenter"`
	YCenter float64 `json:"yCenter" koanf:"yCenter" yaml:"yCenter"`
	XRadius float64 `json:"xRadius" koanf:"xRadius" yaml:"xRadius"`
	YRadius float64 `json:"yRadius" koanf:"yRadius" yaml:"yRadius"`
	DeltaR  float64 `json:"deltaR" koanf:"deltaR" yaml:"deltaR"`

	// DeltaRY is DeltaR if zero
	DeltaRY float64 `json:"deltaRY" koanf:"deltaRY" yaml:"deltaRY"`
	Tilt    float64 `json:"tilt" koanf:"tilt" yaml:"tilt"`

	XAxis string   `json:"xAxis" koanf:"xAxis" yaml:"xAxis"`
	YAxis string   `json:"yAxis" koanf:"yAxis" yaml:"yAxis"`
	ZAxis string   `json:"zAxis" koanf:"zAxis" yaml:"zAxis"`
	Z     *float64 `json:"z,omitempty" koanf:"z" yaml:"z,omitempty"`
}

func defaultSpiralField() SpiralField {
	return SpiralField{XAxis: "sm_px", YAxis: "sm_py", ZAxis: "sm_pz"}
}

// Field is the trajectory.Field the radii and steps describe
func (s SpiralField) Field() trajectory.Field {
	return trajectory.Field{XWidth: 2 * s.XRadius, YWidth: 2 * s.YRadius, Dr: s.DeltaR, DrY: s.DeltaRY, Tilt: s.Tilt}
}

// centred visits pts after moving to the centre of s
func (r Runner) centred(ctx context.Context, kind string, s SpiralField, pts []trajectory.Point, md interface{}) ([]flyscan.Record, error) {
	steps := make([][]motion.Target, len(pts))
	for i, p := range pts {
		steps[i] = []motion.Target{{Axis: s.XAxis, Pos: p.X}, {Axis: s.YAxis, Pos: p.Y}}
	}
	start := withZ([]motion.Target{{Axis: s.XAxis, Pos: s.XCenter}, {Axis: s.YAxis, Pos: s.YCenter}}, s.ZAxis, s.Z)
	run, err := r.begin(kind, r.scanNum(kind, 0), md)
	if err != nil {
		return nil, err
	}
	recs, err := r.visit(ctx, start, steps)
	r.finish(run, recs, err)
	return recs, err
}

// TiltedFermatStepScan is a golden angle Fermat spiral with independent x
// and y radius steps and a tilt
type TiltedFermatStepScan struct {
	SpiralField `koanf:",squash" yaml:",inline"`

	// Factor divides the radius step, 1 if zero
	Factor float64 `json:"factor" koanf:"factor" yaml:"factor"`
}

// DefaultTiltedFermatStepScan scans sm_px and sm_py with factor 1
func DefaultTiltedFermatStepScan() TiltedFermatStepScan {
	return TiltedFermatStepScan{SpiralField: defaultSpiralField(), Factor: 1}
}

// Points returns the absolute positions in visiting order
func (s TiltedFermatStepScan) Points() ([]trajectory.Point, error) {
	rel, err := trajectory.FermatField(s.Field(), s.Factor)
	if err != nil {
		return nil, err
	}
	return trajectory.Offset(rel, s.XCenter, s.YCenter), nil
}

// TiltedFermatStepScan runs s, returning one record per spiral point
func (r Runner) TiltedFermatStepScan(ctx context.Context, s TiltedFermatStepScan) ([]flyscan.Record, error) {
	pts, err := s.Points()
	if err != nil {
		return nil, err
	}
	return r.centred(ctx, KindFermat, s.SpiralField, pts, s)
}

// RingSpiralStepScan visits concentric rings DeltaR apart, NTheta more
// points on each ring than the one inside it
type RingSpiralStepScan struct {
	SpiralField `koanf:",squash" yaml:",inline"`

	NTheta int `json:"nTheta" koanf:"nTheta" yaml:"nTheta"`
}

// DefaultRingSpiralStepScan scans sm_px and sm_py with six points on the
// first ring
func DefaultRingSpiralStepScan() RingSpiralStepScan {
	return RingSpiralStepScan{SpiralField: defaultSpiralField(), NTheta: 6}
}

// Points returns the absolute positions in visiting order
func (s RingSpiralStepScan) Points() ([]trajectory.Point, error) {
	rel, err := trajectory.Archimedean(s.Field(), s.NTheta)
	if err != nil {
		return nil, err
	}
	return trajectory.Offset(rel, s.XCenter, s.YCenter), nil
}

// RingSpiralStepScan runs s, returning one record per ring point
func (r Runner) RingSpiralStepScan(ctx context.Context, s RingSpiralStepScan) ([]flyscan.Record, error) {
	pts, err := s.Points()
	if err != nil {
		return nil, err
	}
	return r.centred(ctx, KindRings, s.SpiralField, pts, s)
}
