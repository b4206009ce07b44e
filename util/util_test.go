package util_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aps-velociprobe/golaborate/util"
)

func ExampleClamp() {
	// laser frequency capped at the hardware ceiling
	fmt.Println(util.Clamp(20000, 0, 15000))
	// Output: 15000
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestLimiterZeroValueIsUnlimited(t *testing.T) {
	l := util.Limiter{}
	if !l.Check(1e9) {
		t.Error("zero value limiter rejected a position")
	}
}

func TestLimiterBounds(t *testing.T) {
	l := util.Limiter{Min: -5, Max: 5}
	if !l.Check(5) || !l.Check(-5) {
		t.Error("limiter rejected a position on its boundary")
	}
	if l.Check(5.1) || l.Check(-5.1) {
		t.Error("limiter accepted a position outside its range")
	}
}

func TestEnsureDirCreatesWorldWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ptycho", "fly001")
	created, err := util.EnsureDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("expected EnsureDir to report creation of a new directory")
	}
	fi, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0777 {
		t.Errorf("expected mode 0777, got %o", perm)
	}
}

func TestEnsureDirExistingIsNoop(t *testing.T) {
	dir := t.TempDir()
	created, err := util.EnsureDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("EnsureDir reported creating a directory that already existed")
	}
}
