// Package motion contains an abstract interface for the stages that position
// the sample, an implementation over motor record channels, and an HTTP
// wrapper layer.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aps-velociprobe/golaborate/channel"
	"github.com/aps-velociprobe/golaborate/util"
)

var (
	// ErrUnknownAxis is generated when an axis is not in the table
	ErrUnknownAxis = errors.New("unknown axis")

	// ErrLimit is generated when a requested position violates software limits
	ErrLimit = errors.New("requested position violates software limits, aborted")

	// ErrMoveTimeout is generated when an axis does not report done moving in time
	ErrMoveTimeout = errors.New("axis did not finish moving in time")
)

// DefaultMoveTimeout bounds a single move when Motors.MoveTimeout is zero
const DefaultMoveTimeout = 60 * time.Second

// Mover describes an interface with position-related methods for axes
type Mover interface {
	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position and waits for it to stop
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount and waits for it to stop
	MoveRel(string, float64) error
}

// Axis is one motor record
type Axis struct {
	// PV is the record prefix, e.g. 2iddTAU:pmac1:M16
	PV string `koanf:"pv" yaml:"pv" json:"pv"`

	// Limits are the software limits on the axis
	Limits util.Limiter `koanf:"limits" yaml:"limits" json:"limits"`
}

// Motors is a Mover over motor record channels.  A move writes .VAL and waits
// for .DMOV to drop and rise again; position is read from .RBV.
type Motors struct {
	Ch          channel.Channel
	Axes        map[string]Axis
	MoveTimeout time.Duration
}

// NewMotors returns a Motors with the default move timeout
func NewMotors(ch channel.Channel, axes map[string]Axis) *Motors {
	return &Motors{Ch: ch, Axes: axes, MoveTimeout: DefaultMoveTimeout}
}

func (m *Motors) axis(name string) (Axis, error) {
	a, ok := m.Axes[name]
	if !ok {
		return Axis{}, fmt.Errorf("%w %q", ErrUnknownAxis, name)
	}
	return a, nil
}

// Names returns the sorted axis names
func (m *Motors) Names() []string {
	out := make([]string, 0, len(m.Axes))
	for k := range m.Axes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Limits returns the software limits of an axis
func (m *Motors) Limits(name string) (util.Limiter, error) {
	a, err := m.axis(name)
	return a.Limits, err
}

// GetPos reads the readback of an axis
func (m *Motors) GetPos(name string) (float64, error) {
	a, err := m.axis(name)
	if err != nil {
		return 0, err
	}
	return channel.ReadFloat(m.Ch, a.PV+".RBV")
}

// MoveRel moves an axis relative to its readback
func (m *Motors) MoveRel(name string, delta float64) error {
	pos, err := m.GetPos(name)
	if err != nil {
		return err
	}
	return m.MoveAbs(name, pos+delta)
}

// MoveAbs moves an axis and blocks until the motor record reports done
func (m *Motors) MoveAbs(name string, pos float64) error {
	a, err := m.axis(name)
	if err != nil {
		return err
	}
	if math.IsNaN(pos) || !a.Limits.Check(pos) {
		return fmt.Errorf("%w: %s to %g, limits %+v", ErrLimit, name, pos, a.Limits)
	}
	timeout := m.MoveTimeout
	if timeout <= 0 {
		timeout = DefaultMoveTimeout
	}

	// subscribe before commanding so the DMOV transition can't be missed
	done := make(chan struct{})
	var once sync.Once
	moving := false
	sub, err := m.Ch.Subscribe(a.PV+".DMOV", func(_ string, v channel.Value, _ time.Time) {
		if v.Num == 0 {
			moving = true
			return
		}
		if moving {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		return err
	}
	defer m.Ch.Unsubscribe(sub)

	if err := m.Ch.Write(a.PV+".VAL", channel.Float(pos)); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		// a short move can finish between polls of a slow channel
		dmov, err := channel.ReadFloat(m.Ch, a.PV+".DMOV")
		if err == nil && dmov == 1 {
			return nil
		}
		return fmt.Errorf("%w: %s after %v", ErrMoveTimeout, name, timeout)
	}
}

// Target is a position for one axis
type Target struct {
	Axis string
	Pos  float64
}

// MoveAll moves every axis concurrently and waits for all of them.  Limits
// are checked for every target before any axis is commanded.  The first error
// is returned; ctx ending returns ctx.Err() without waiting for the axes.
func MoveAll(ctx context.Context, m Mover, targets []Target) error {
	if lm, ok := m.(interface {
		Limits(string) (util.Limiter, error)
	}); ok {
		for _, t := range targets {
			lim, err := lm.Limits(t.Axis)
			if err != nil {
				return err
			}
			if !lim.Check(t.Pos) {
				return fmt.Errorf("%w: %s to %g, limits %+v", ErrLimit, t.Axis, t.Pos, lim)
			}
		}
	}
	errs := make(chan error, len(targets))
	for _, t := range targets {
		go func(t Target) {
			errs <- m.MoveAbs(t.Axis, t.Pos)
		}(t)
	}
	var first error
	for range targets {
		select {
		case err := <-errs:
			if err != nil && first == nil {
				first = err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return first
}
