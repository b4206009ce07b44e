/*
Package flyscan coordinates a hardware-timed 2D fly scan of the Velociprobe.

The PMAC motion controller runs the trajectory and the Eiger detector is
triggered in hardware; this package only arms both, starts the motion
program, starts the detector once motion is confirmed, and notices when the
motion program finishes.  A Flyer moves through

	Idle -> Configuring -> Armed -> Scanning -> Completing -> Idle

and to Faulted when a channel fails partway through a sequence of writes.
The scan's single synchronization point with the hardware is the monitor
channel, which reads 1 while the motion program runs.  One subscription to it
delivers both the start and the end of motion.

Starting the detector after motion has begun is not transactional: if that
write fails the motion program keeps running.  Kickoff reports this as an
*AbortedError with MotionStarted set rather than hiding it.
*/
package flyscan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aps-velociprobe/golaborate/channel"
	"github.com/aps-velociprobe/golaborate/device"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/trajectory"
	"github.com/aps-velociprobe/golaborate/util"
)

// DefaultMotionStartTimeout bounds the wait for the monitor to report
// scanning after the motion program is triggered
const DefaultMotionStartTimeout = 10 * time.Second

var (
	// ErrScanAlreadyInProgress is generated by Kickoff or Configure while a
	// scan is active
	ErrScanAlreadyInProgress = errors.New("scan already in progress")

	// ErrPrematureCollect is generated by Collect before the scan completes
	ErrPrematureCollect = errors.New("collect called before scan completed")

	// ErrMotionStartTimeout is generated when the monitor does not report
	// scanning in time
	ErrMotionStartTimeout = errors.New("motion did not start in time")

	// ErrInvalidState is generated when an operation is not allowed in the
	// current state
	ErrInvalidState = errors.New("operation not allowed in current state")

	// ErrKickoffAborted is generated by a Kickoff that Abort interrupted
	ErrKickoffAborted = errors.New("kickoff interrupted by abort")
)

// AbortedError is a sequence of hardware writes that failed partway.  Writes
// already performed are not rolled back.
type AbortedError struct {
	// Op is the operation that failed, "configure", "kickoff", "complete"
	Op string

	// Writes are the channels written before the failure, in order
	Writes []string

	// MotionStarted is true if the motion program was running at the time
	MotionStarted bool

	Err error
}

func (e *AbortedError) Error() string {
	s := fmt.Sprintf("%s: scan aborted, hardware state may be inconsistent", e.Op)
	if e.MotionStarted {
		s += " (motion program running)"
	}
	return s + ": " + e.Err.Error()
}

// Unwrap returns the cause
func (e *AbortedError) Unwrap() error { return e.Err }

// State is the coordinator state
type State int

const (
	// Idle is ready to configure
	Idle State = iota

	// Configuring is writing scan parameters and moving to the start
	Configuring

	// Armed is configured and ready to kick off
	Armed

	// Scanning is running the motion program and acquiring
	Scanning

	// Completing has seen motion end and is waiting to be collected
	Completing

	// Faulted has had a sequence of writes fail; Abort or Configure to recover
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Armed:
		return "Armed"
	case Scanning:
		return "Scanning"
	case Completing:
		return "Completing"
	case Faulted:
		return "Faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// session is one kicked off scan
type session struct {
	sub        channel.Subscription
	subscribed bool
	triggered  time.Time

	// written by the monitor callback under Flyer.mu
	scanning bool
	start    time.Time
	end      time.Time
	stopErr  error

	started  chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	// closed by Abort
	aborted chan struct{}
}

// Flyer is the fly scan coordinator.  It is safe for concurrent use, but
// runs one scan at a time.
type Flyer struct {
	ch     channel.Channel
	names  device.FlyerChannels
	mover  motion.Mover
	logger *log.Logger

	// MotionStartTimeout bounds Kickoff's wait for motion, see
	// DefaultMotionStartTimeout
	MotionStartTimeout time.Duration

	// Metrics, if not nil, is updated on every transition
	Metrics *Metrics

	mu     sync.Mutex
	state  State
	params Params
	plan   Plan
	sess   *session
}

// NewFlyer returns an Idle coordinator for the channels in names, moving
// axes with mover.  A nil logger logs to stderr.
func NewFlyer(ch channel.Channel, names device.FlyerChannels, mover motion.Mover, logger *log.Logger) *Flyer {
	if logger == nil {
		logger = log.New(os.Stderr, "flyscan ", log.LstdFlags)
	}
	return &Flyer{
		ch:                 ch,
		names:              names,
		mover:              mover,
		logger:             logger,
		MotionStartTimeout: DefaultMotionStartTimeout,
	}
}

// NewFlyerFromRegistry binds a coordinator to the registry's channels and motors
func NewFlyerFromRegistry(reg *device.Registry, logger *log.Logger) *Flyer {
	return NewFlyer(reg.Ch, reg.Flyer, reg.Motors, logger)
}

// State returns the current state
func (f *Flyer) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Params returns the parameters of the last Configure
func (f *Flyer) Params() Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params
}

// Plan returns the plan of the last Configure
func (f *Flyer) Plan() Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plan
}

// setState must be called with f.mu held
func (f *Flyer) setState(s State) {
	if s != f.state {
		f.logger.Printf("%s -> %s", f.state, s)
	}
	f.state = s
	f.Metrics.setState(s)
}

// writer performs an ordered sequence of writes, stopping at the first failure
type writer struct {
	ch   channel.Channel
	done []string
	err  error
}

func (w *writer) put(name string, v channel.Value) {
	if w.err != nil {
		return
	}
	if err := w.ch.Write(name, v); err != nil {
		w.err = err
		return
	}
	w.done = append(w.done, name)
}

// Configure writes the scan geometry and detector acquisition parameters and
// moves the axes to the start of the scan.  It is allowed from Idle, Armed,
// and Faulted.  Invalid parameters are rejected before anything is written.
func (f *Flyer) Configure(ctx context.Context, p Params) error {
	f.mu.Lock()
	if f.sess != nil {
		f.mu.Unlock()
		return ErrScanAlreadyInProgress
	}
	if f.state != Idle && f.state != Armed && f.state != Faulted {
		st := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: configure in %s", ErrInvalidState, st)
	}
	plan, err := p.Plan()
	if err != nil {
		f.mu.Unlock()
		return err
	}
	prev := f.state
	f.setState(Configuring)
	f.mu.Unlock()

	n := f.names
	w := &writer{ch: f.ch}
	w.put(n.FlyCalcEnable, channel.Int(1))
	w.put(n.StepCalcEnable, channel.Int(0))

	w.put(n.Width, channel.Float(p.XWidth))
	w.put(n.Height, channel.Float(p.YWidth))
	w.put(n.XCenter, channel.Float(p.XCenter))
	w.put(n.YCenter, channel.Float(p.YCenter))
	w.put(n.XStep, channel.Float(p.XStep*NanometersPerMicron))
	w.put(n.YStep, channel.Float(p.YStep*NanometersPerMicron))
	w.put(n.MotionMode, channel.Int(int(p.Mode)))

	w.put(n.TriggerMode, channel.Int(0))
	w.put(n.ManualTrigger, channel.Int(0))
	w.put(n.NumTriggers, channel.Int(1))
	w.put(n.AcquirePeriod, channel.Float(plan.AcquirePeriod))
	w.put(n.AcquireTime, channel.Float(plan.AcquireTime))
	if p.Theta != nil {
		w.put(n.ChiStart, channel.Float(*p.Theta))
	}
	w.put(n.NumImages, channel.Int(plan.NumImages))
	w.put(n.NumImagesPerFile, channel.Int(plan.NumImagesPerFile))
	w.put(n.FWEnable, channel.Int(1))
	w.put(n.SaveFiles, channel.Int(1))
	w.put(n.FWAutoRemove, channel.Int(1))
	w.put(n.FilePath, channel.String(plan.DetectorDir))
	w.put(n.FWNamePattern, channel.String(p.ScanName()))
	w.put(n.WF1000, channel.String(p.PositionsDir()))
	w.put(n.WF1128, channel.String(p.ScanName()))

	w.put(n.LaserFreq, channel.Float(plan.LaserFreq))
	w.put(n.TriggerFreq, channel.Float(p.TriggerFreq))

	if w.err == nil {
		targets := []motion.Target{{Axis: p.XAxis, Pos: plan.XStart}, {Axis: p.YAxis, Pos: plan.YStart}}
		if p.Z != nil {
			targets = append(targets, motion.Target{Axis: p.ZAxis, Pos: *p.Z})
		}
		if p.Theta != nil {
			targets = append(targets, motion.Target{Axis: p.ThetaAxis, Pos: *p.Theta})
		}
		w.err = motion.MoveAll(ctx, f.mover, targets)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if w.err != nil {
		f.setState(Faulted)
		f.Metrics.result("aborted")
		f.logger.Printf("configure failed after %d writes: %v", len(w.done), w.err)
		return &AbortedError{Op: "configure", Writes: w.done, Err: w.err}
	}
	f.params = p
	f.plan = plan
	f.setState(Armed)
	f.logger.Printf("armed %s: %dx%d points, %d images, was %s", p.ScanName(), plan.XCount, plan.YCount, plan.NumImages, prev)
	return nil
}

// Kickoff starts the motion program, waits for the monitor to report
// scanning, and starts the detector
func (f *Flyer) Kickoff(ctx context.Context) error {
	f.mu.Lock()
	if f.sess != nil {
		f.mu.Unlock()
		return ErrScanAlreadyInProgress
	}
	if f.state != Armed {
		st := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: kickoff in %s", ErrInvalidState, st)
	}
	s := &session{started: make(chan struct{}), done: make(chan struct{}), aborted: make(chan struct{})}
	f.sess = s
	f.setState(Scanning)
	timeout := f.MotionStartTimeout
	f.mu.Unlock()
	if timeout <= 0 {
		timeout = DefaultMotionStartTimeout
	}

	// subscribe first so neither edge of the monitor can be missed
	sub, err := f.ch.Subscribe(f.names.Monitor, func(_ string, v channel.Value, ts time.Time) {
		f.onMonitor(s, v, ts)
	})
	if err != nil {
		return f.abortKickoff(s, &AbortedError{Op: "kickoff", Err: err})
	}
	f.mu.Lock()
	if f.sess != s {
		// Abort ran while subscribing and could not see sub
		f.mu.Unlock()
		f.unsubscribe(sub)
		return ErrKickoffAborted
	}
	s.sub = sub
	s.subscribed = true
	// an Abort from here on is seen by the select below
	s.triggered = time.Now()
	err = f.ch.Write(f.names.MotionTrigger, channel.Int(1))
	f.mu.Unlock()
	if err != nil {
		return f.abortKickoff(s, &AbortedError{Op: "kickoff", Err: err})
	}
	f.logger.Printf("motion program triggered, waiting up to %v for motion", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.started:
	case <-timer.C:
		return f.abortKickoff(s, fmt.Errorf("%w after %v", ErrMotionStartTimeout, timeout))
	case <-ctx.Done():
		return f.abortKickoff(s, ctx.Err())
	case <-s.aborted:
		return ErrKickoffAborted
	}

	// held across the write so an Abort lands either before (and is seen)
	// or after (and its acquire=0 wins)
	f.mu.Lock()
	if f.sess != s {
		f.mu.Unlock()
		return ErrKickoffAborted
	}
	f.Metrics.motionStarted(s.start.Sub(s.triggered).Seconds())
	err = f.ch.Write(f.names.Acquire, channel.Int(1))
	f.mu.Unlock()
	if err != nil {
		return f.abortKickoff(s, &AbortedError{
			Op:            "kickoff",
			Writes:        []string{f.names.MotionTrigger},
			MotionStarted: true,
			Err:           err,
		})
	}
	select {
	case <-s.done:
		// motion ended before acquisition started; the callback's stop may have
		// landed first
		if err := f.ch.Write(f.names.Acquire, channel.Int(0)); err != nil {
			return f.abortKickoff(s, &AbortedError{
				Op:            "kickoff",
				Writes:        []string{f.names.MotionTrigger, f.names.Acquire},
				MotionStarted: true,
				Err:           err,
			})
		}
	default:
	}
	f.logger.Println("motion started, detector acquiring")
	return nil
}

func (f *Flyer) unsubscribe(sub channel.Subscription) {
	if err := f.ch.Unsubscribe(sub); err != nil {
		f.logger.Printf("unsubscribing from %s failed: %v", f.names.Monitor, err)
	}
}

// abortKickoff tears down a session that never got going.  A session Abort
// already dropped keeps the state Abort left.
func (f *Flyer) abortKickoff(s *session, err error) error {
	f.mu.Lock()
	if f.sess != s {
		f.mu.Unlock()
		return ErrKickoffAborted
	}
	f.sess = nil
	subscribed := s.subscribed
	f.setState(Faulted)
	if errors.Is(err, ErrMotionStartTimeout) {
		f.Metrics.result("timeout")
	} else {
		f.Metrics.result("aborted")
	}
	f.mu.Unlock()
	if subscribed {
		f.unsubscribe(s.sub)
	}
	f.logger.Printf("kickoff failed: %v", err)
	return err
}

// onMonitor runs on the channel's goroutine.  The monitor's current value
// arrives first; completion only counts once scanning has been seen.
func (f *Flyer) onMonitor(s *session, v channel.Value, ts time.Time) {
	scanning := v.Num == 1
	f.mu.Lock()
	if scanning {
		if !s.scanning {
			s.scanning = true
			s.start = ts
			close(s.started)
		}
		f.mu.Unlock()
		return
	}
	if !s.scanning || !s.end.IsZero() {
		f.mu.Unlock()
		return
	}
	s.end = ts
	f.mu.Unlock()

	err := f.ch.Write(f.names.Acquire, channel.Int(0))

	f.mu.Lock()
	s.stopErr = err
	if f.sess == s && f.state == Scanning {
		f.setState(Completing)
	}
	f.mu.Unlock()
	if err != nil {
		f.logger.Printf("stopping acquisition failed: %v", err)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// Complete blocks until the motion program finishes or ctx ends
func (f *Flyer) Complete(ctx context.Context) error {
	f.mu.Lock()
	s := f.sess
	f.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: complete without kickoff", ErrInvalidState)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.stopErr != nil {
		f.setState(Faulted)
		return &AbortedError{Op: "complete", Err: s.stopErr}
	}
	f.logger.Printf("motion complete after %v", s.end.Sub(s.start))
	return nil
}

// Record is one event document: the time it describes, its field values,
// and the time each value was taken
type Record struct {
	Time       float64                `json:"time"`
	Data       map[string]interface{} `json:"data"`
	Timestamps map[string]float64     `json:"timestamps"`
}

func newRecord(t float64, data map[string]interface{}) Record {
	ts := make(map[string]float64, len(data))
	for k := range data {
		ts[k] = t
	}
	return Record{Time: t, Data: data, Timestamps: ts}
}

// Collect ends a completed scan and returns its two summary records, at
// the start (image 0) and end (last image) of motion
func (f *Flyer) Collect() ([]Record, error) {
	f.mu.Lock()
	s := f.sess
	if s == nil {
		f.mu.Unlock()
		return nil, ErrPrematureCollect
	}
	select {
	case <-s.done:
	default:
		f.mu.Unlock()
		return nil, ErrPrematureCollect
	}
	sub := s.sub
	f.mu.Unlock()

	f.unsubscribe(sub)
	err := f.ch.Write(f.names.Acquire, channel.Int(0))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess = nil
	if err != nil {
		f.setState(Faulted)
		return nil, &AbortedError{Op: "collect", Err: err}
	}
	f.setState(Idle)

	pl := f.plan
	prefix := pl.DetectorDir + "/" + f.params.ScanName()
	duration := s.end.Sub(s.start).Seconds()
	xs := trajectory.Linspace(pl.XStart, pl.XStop, pl.XCount)
	ys := trajectory.Linspace(pl.YStart, pl.YStop, pl.YCount)
	f.Metrics.result("completed")
	f.Metrics.completed(duration, pl.NumImages)
	mk := func(t time.Time, image int) Record {
		last := image
		if last >= pl.NumImages {
			last = pl.NumImages - 1
		}
		file, _ := DataFile(prefix, last, pl.NumImagesPerFile)
		return newRecord(util.UnixSecs(t), map[string]interface{}{
			"image_index": image,
			"data_file":   file,
			"duration":    duration,
			"x_positions": xs,
			"y_positions": ys,
		})
	}
	return []Record{mk(s.start, 0), mk(s.end, pl.NumImages)}, nil
}

// FieldDesc describes one field of a Record
type FieldDesc struct {
	Source string `json:"source"`
	Dtype  string `json:"dtype"`
	Shape  []int  `json:"shape"`
}

// DescribeCollect describes the fields of the records Collect returns
func (f *Flyer) DescribeCollect() map[string]FieldDesc {
	f.mu.Lock()
	pl := f.plan
	f.mu.Unlock()
	src := "flyer:" + strings.TrimSuffix(f.names.Monitor, ".VAL")
	return map[string]FieldDesc{
		"image_index": {Source: src, Dtype: "integer", Shape: []int{}},
		"duration":    {Source: src, Dtype: "number", Shape: []int{}},
		"data_file":   {Source: src, Dtype: "string", Shape: []int{}},
		"x_positions": {Source: src, Dtype: "array", Shape: []int{pl.XCount}},
		"y_positions": {Source: src, Dtype: "array", Shape: []int{pl.YCount}},
	}
}

// Abort stops acquisition, drops any session and returns to Idle.  The
// motion program is not stopped; it has no stop channel.
func (f *Flyer) Abort() error {
	f.mu.Lock()
	s := f.sess
	f.sess = nil
	subscribed := s != nil && s.subscribed
	if s != nil {
		close(s.aborted)
	}
	f.mu.Unlock()
	if subscribed {
		f.unsubscribe(s.sub)
	}
	err := f.ch.Write(f.names.Acquire, channel.Int(0))
	f.mu.Lock()
	defer f.mu.Unlock()
	if s != nil {
		f.Metrics.result("aborted")
	}
	if err != nil {
		f.setState(Faulted)
		return &AbortedError{Op: "abort", Err: err}
	}
	f.setState(Idle)
	f.logger.Println("aborted")
	return nil
}
