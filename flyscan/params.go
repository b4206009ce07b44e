package flyscan

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/aps-velociprobe/golaborate/trajectory"
	"github.com/aps-velociprobe/golaborate/util"
)

const (
	// MaxLaserFreq is the ceiling of the position sampling laser, Hz
	MaxLaserFreq = 15000.

	// MaxImagesPerFile caps the images the Eiger writes to one file
	MaxImagesPerFile = 100000

	// ImageOversample is the ratio of images requested to scan points, so the
	// detector never runs out before the motion program finishes
	ImageOversample = 1.5

	// NanometersPerMicron converts step sizes to the units the PMAC reads
	NanometersPerMicron = 1000.

	// DefaultDetectorRoot is where the Eiger's file writer sees the data share
	DefaultDetectorRoot = "/local/home/dpuser/"
)

// ErrInvalidParams is generated when scan parameters are unusable
var ErrInvalidParams = errors.New("invalid fly scan parameters")

// Mode is the motion program the PMAC runs
type Mode int

const (
	// ModeSnake rasters back and forth
	ModeSnake Mode = 0

	// ModeSpiral runs a spiral
	ModeSpiral Mode = 5

	// ModeLissajous runs a Lissajous figure
	ModeLissajous Mode = 7
)

// Params are the inputs of one 2D fly scan.  Positions and sizes are in
// microns.
type Params struct {
	XCenter float64 `json:"xCenter" koanf:"xCenter" yaml:"xCenter"`
	XWidth  float64 `json:"xWidth" koanf:"xWidth" yaml:"xWidth"`
	XStep   float64 `json:"xStep" koanf:"xStep" yaml:"xStep"`
	YCenter float64 `json:"yCenter" koanf:"yCenter" yaml:"yCenter"`
	YWidth  float64 `json:"yWidth" koanf:"yWidth" yaml:"yWidth"`
	YStep   float64 `json:"yStep" koanf:"yStep" yaml:"yStep"`

	// Z and Theta, if not nil, are moved to before the scan
	Z     *float64 `json:"z,omitempty" koanf:"z" yaml:"z,omitempty"`
	Theta *float64 `json:"theta,omitempty" koanf:"theta" yaml:"theta,omitempty"`

	// axis names in the motor table
	XAxis     string `json:"xAxis" koanf:"xAxis" yaml:"xAxis"`
	YAxis     string `json:"yAxis" koanf:"yAxis" yaml:"yAxis"`
	ZAxis     string `json:"zAxis" koanf:"zAxis" yaml:"zAxis"`
	ThetaAxis string `json:"thetaAxis" koanf:"thetaAxis" yaml:"thetaAxis"`

	// TriggerFreq is the detector trigger rate, also used by the PMAC to
	// compute motor speeds, Hz
	TriggerFreq float64 `json:"triggerFreq" koanf:"triggerFreq" yaml:"triggerFreq"`

	// LaserFreq is the position recording rate, Hz, capped at MaxLaserFreq
	LaserFreq float64 `json:"laserFreq" koanf:"laserFreq" yaml:"laserFreq"`

	// ExposureFactor is the ratio of acquire period to acquire time
	ExposureFactor float64 `json:"exposureFactor" koanf:"exposureFactor" yaml:"exposureFactor"`

	Mode Mode `json:"mode" koanf:"mode" yaml:"mode"`

	// MainDir is the experiment directory as this host sees it.  It must
	// contain "mic", the mount point of the data share.
	MainDir string `json:"mainDir" koanf:"mainDir" yaml:"mainDir"`

	// DetectorRoot is the data share as the detector sees it
	DetectorRoot string `json:"detectorRoot" koanf:"detectorRoot" yaml:"detectorRoot"`

	ScanNum int `json:"scanNum" koanf:"scanNum" yaml:"scanNum"`
}

// DefaultParams returns the beamline defaults with an empty scan window
func DefaultParams() Params {
	return Params{
		XAxis:          "sm_px",
		YAxis:          "sm_py",
		ZAxis:          "sm_pz",
		ThetaAxis:      "sm_theta",
		TriggerFreq:    80,
		LaserFreq:      5000,
		ExposureFactor: 2,
		Mode:           ModeSnake,
		MainDir:        "/mnt/micdata2/velociprobe/2021-2/Luo",
		DetectorRoot:   DefaultDetectorRoot,
	}
}

// ScanName is the file name stem of the scan, fly001
func (p Params) ScanName() string {
	return fmt.Sprintf("fly%03d", p.ScanNum)
}

// DataDir is the directory this host creates for the scan's images
func (p Params) DataDir() string {
	return p.MainDir + "/ptycho/" + p.ScanName()
}

// PositionsDir is where the PMAC writes its position waveforms
func (p Params) PositionsDir() string {
	return p.MainDir + "/positions"
}

// DetectorDir is DataDir as the detector's file writer sees it: the part of
// MainDir after the "mic" mount prefix, under DetectorRoot
func (p Params) DetectorDir() (string, error) {
	parts := strings.SplitN(p.MainDir, "mic", 3)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: main dir %q is not on the mic data share", ErrInvalidParams, p.MainDir)
	}
	root := p.DetectorRoot
	if root == "" {
		root = DefaultDetectorRoot
	}
	return root + parts[1] + "/ptycho/" + p.ScanName(), nil
}

// Plan is everything derived from Params that is written to hardware
type Plan struct {
	XStart, XStop float64
	XCount        int
	YStart, YStop float64
	YCount        int

	NumImages        int
	NumImagesPerFile int

	AcquirePeriod float64
	AcquireTime   float64
	LaserFreq     float64

	DetectorDir string
}

// Plan validates p and computes the scan it describes
func (p Params) Plan() (Plan, error) {
	var pl Plan
	var err error
	pl.XStart, pl.XStop, pl.XCount, err = trajectory.Uncenter(p.XCenter, p.XWidth, p.XStep)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: x window: %v", ErrInvalidParams, err)
	}
	pl.YStart, pl.YStop, pl.YCount, err = trajectory.Uncenter(p.YCenter, p.YWidth, p.YStep)
	if err != nil {
		return Plan{}, fmt.Errorf("%w: y window: %v", ErrInvalidParams, err)
	}
	if !(p.TriggerFreq > 0) || math.IsInf(p.TriggerFreq, 0) {
		return Plan{}, fmt.Errorf("%w: trigger frequency %g", ErrInvalidParams, p.TriggerFreq)
	}
	if !(p.ExposureFactor > 0) {
		return Plan{}, fmt.Errorf("%w: exposure factor %g", ErrInvalidParams, p.ExposureFactor)
	}
	if !(p.LaserFreq > 0) {
		return Plan{}, fmt.Errorf("%w: laser frequency %g", ErrInvalidParams, p.LaserFreq)
	}
	if p.ScanNum < 0 {
		return Plan{}, fmt.Errorf("%w: scan number %d", ErrInvalidParams, p.ScanNum)
	}
	if p.XAxis == "" || p.YAxis == "" {
		return Plan{}, fmt.Errorf("%w: x and y axes are required", ErrInvalidParams)
	}
	if (p.Z != nil && p.ZAxis == "") || (p.Theta != nil && p.ThetaAxis == "") {
		return Plan{}, fmt.Errorf("%w: position given without an axis", ErrInvalidParams)
	}
	pl.DetectorDir, err = p.DetectorDir()
	if err != nil {
		return Plan{}, err
	}
	pl.NumImages = int(math.Ceil(float64(pl.XCount*pl.YCount) * ImageOversample))
	pl.NumImagesPerFile = pl.NumImages
	if pl.NumImagesPerFile > MaxImagesPerFile {
		pl.NumImagesPerFile = MaxImagesPerFile
	}
	pl.AcquirePeriod = 1 / p.TriggerFreq
	pl.AcquireTime = pl.AcquirePeriod / p.ExposureFactor
	pl.LaserFreq = util.Clamp(p.LaserFreq, 0, MaxLaserFreq)
	return pl, nil
}

// DataFile returns the HDF5 file the Eiger writes image n to, and the index of
// the image within it.  Files are numbered from 1.
func DataFile(prefix string, n, perFile int) (string, int) {
	if perFile < 1 {
		perFile = 1
	}
	return fmt.Sprintf("%s_data_%06d.h5", prefix, 1+n/perFile), n % perFile
}
