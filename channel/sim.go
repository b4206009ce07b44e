package channel

import "time"

// MotorSim emulates a motor record on a Mock: a write to Prefix+".VAL" drops
// Prefix+".DMOV" to 0, and after Travel sets Prefix+".RBV" to the target and
// DMOV back to 1
type MotorSim struct {
	Prefix string
	Travel time.Duration
}

// Install registers the motor's hooks and initial state on m
func (s MotorSim) Install(m *Mock) {
	m.Set(s.Prefix+".RBV", Float(0))
	m.Set(s.Prefix+".DMOV", Float(1))
	m.OnWrite(s.Prefix+".VAL", func(v Value) {
		m.Set(s.Prefix+".DMOV", Float(0))
		finish := func() {
			m.Set(s.Prefix+".RBV", v)
			m.Set(s.Prefix+".DMOV", Float(1))
		}
		if s.Travel <= 0 {
			finish()
			return
		}
		time.AfterFunc(s.Travel, finish)
	})
}

// MotionProgramSim emulates a motion controller running a fly scan program:
// writing 1 to Trigger raises Monitor to 1 after StartDelay and lowers it to 0
// Duration later.  Writes of 0 are ignored, as a .PROC field would.
type MotionProgramSim struct {
	Trigger    string
	Monitor    string
	StartDelay time.Duration
	Duration   time.Duration
}

// Install registers the program's hooks and initial state on m
func (s *MotionProgramSim) Install(m *Mock) {
	m.Set(s.Monitor, Float(0))
	m.OnWrite(s.Trigger, func(v Value) {
		if v.Num == 0 {
			return
		}
		time.AfterFunc(s.StartDelay, func() {
			m.Set(s.Monitor, Float(1))
			time.AfterFunc(s.Duration, func() {
				m.Set(s.Monitor, Float(0))
			})
		})
	})
}
