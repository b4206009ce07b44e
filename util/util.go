// Package util contains misc internal utilities.
package util

import (
	"math"
	"os"
	"time"
)

// Limiter holds a min and max value, used as a software limit on an axis
type Limiter struct {
	Min float64 `koanf:"min" yaml:"min" json:"min"`
	Max float64 `koanf:"max" yaml:"max" json:"max"`
}

// Check returns true if min <= x <= max.  A zero value Limiter (min == max == 0)
// imposes no limit.
func (l Limiter) Check(x float64) bool {
	if l.Min == 0 && l.Max == 0 {
		return true
	}
	return x >= l.Min && x <= l.Max
}

// Clamp restricts input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UnixSecs returns t as fractional seconds since the unix epoch
func UnixSecs(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// EnsureDir creates dir and any missing parents if it does not exist, a no-op
// otherwise.  The directory is made world read/write/execute (0777) and chmod'd
// explicitly so the process umask does not narrow it; the detector file writer
// and the motion controller write into it as different users.
// It reports whether the directory was created.
func EnsureDir(dir string) (bool, error) {
	_, err := os.Stat(dir)
	if err == nil {
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, err
	}
	if err = os.MkdirAll(dir, 0777); err != nil {
		return false, err
	}
	return true, os.Chmod(dir, 0777)
}
