package device

import (
	"math/rand"
	"time"

	"github.com/aps-velociprobe/golaborate/channel"
)

// Sim sets the timings of a simulated beamline
type Sim struct {
	// Travel is how long every motor takes to move
	Travel time.Duration

	// MotionStartDelay is the time from trigger to the monitor reporting scanning
	MotionStartDelay time.Duration

	// FlyDuration is how long the simulated motion program runs
	FlyDuration time.Duration

	// CountTime is how long a counting detector counts
	CountTime time.Duration
}

// Install emulates every device of c on m: motors move, the motion program
// raises and lowers the monitor, and detectors count
func (s Sim) Install(m *channel.Mock, c Config) {
	for _, a := range c.Motors {
		channel.MotorSim{Prefix: a.PV, Travel: s.Travel}.Install(m)
	}
	fc := c.Channels()
	prog := &channel.MotionProgramSim{
		Trigger:    fc.MotionTrigger,
		Monitor:    fc.Monitor,
		StartDelay: s.MotionStartDelay,
		Duration:   s.FlyDuration,
	}
	prog.Install(m)
	m.Set(fc.Acquire, channel.Float(0))
	for _, d := range c.Detectors {
		for _, name := range d.Readouts {
			m.Set(name, channel.Float(0))
		}
		if d.Start == "" {
			continue
		}
		d := d
		m.Set(d.Start, channel.Float(0))
		m.OnWrite(d.Start, func(v channel.Value) {
			if v.Num == 0 {
				return
			}
			time.AfterFunc(s.CountTime, func() {
				for _, name := range d.Readouts {
					m.Set(name, channel.Float(float64(rand.Intn(10000))))
				}
				m.Set(d.Start, channel.Float(0))
			})
		})
	}
}
