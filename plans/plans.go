/*
Package plans sequences the user-facing Velociprobe scans.

Step plans move motors point by point and trigger detectors at each point,
producing one Record per point.  Fly plans hand the whole raster to a
flyscan.Flyer.  Every plan can be journaled: a run is opened before the
first move and closed with the records and the outcome.
*/
package plans

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/journal"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/util"
)

// Kinds of run recorded in the journal
const (
	KindStep   = "step"
	KindSpiral = "spiral"
	KindFermat = "fermat"
	KindRings  = "rings"
	KindFly    = "fly"
)

var (
	// ErrNoFlyer is generated by fly plans on a Runner without a Flyer
	ErrNoFlyer = errors.New("runner has no flyer")

	// ErrNoPoints is generated when a plan has nothing to visit
	ErrNoPoints = errors.New("plan has no points")
)

// Detector is anything that can be triggered and read at a scan point
type Detector interface {
	Trigger(ctx context.Context) (map[string]float64, error)
}

// Journal records runs; *journal.DB is one
type Journal interface {
	CreateRun(kind string, scanNum int, params interface{}) (*journal.Run, error)
	AddRecords(runID int64, recs []flyscan.Record) error
	FinishRun(id int64, status journal.RunStatus, errorMsg *string) error
	NextScanNum(kind string) (int, error)
}

// Runner executes plans against a set of hardware.  Journal, Flyer and
// Logger may be nil.
type Runner struct {
	Mover     motion.Mover
	Detectors []Detector
	Flyer     *flyscan.Flyer
	Journal   Journal
	Logger    *log.Logger
}

func (r Runner) logf(format string, args ...interface{}) {
	l := r.Logger
	if l == nil {
		l = log.Default()
	}
	l.Printf(format, args...)
}

// scanNum returns want if positive, else the next number the journal knows
// of for kind, else 1
func (r Runner) scanNum(kind string, want int) int {
	if want > 0 {
		return want
	}
	if r.Journal == nil {
		return 1
	}
	n, err := r.Journal.NextScanNum(kind)
	if err != nil {
		r.logf("reading next %s scan number: %v", kind, err)
		return 1
	}
	return n
}

// begin opens a journal run, or returns nil without a journal
func (r Runner) begin(kind string, scanNum int, params interface{}) (*journal.Run, error) {
	if r.Journal == nil {
		return nil, nil
	}
	run, err := r.Journal.CreateRun(kind, scanNum, params)
	if err != nil {
		return nil, fmt.Errorf("opening %s run: %w", kind, err)
	}
	r.logf("%s scan %d started as run %d", kind, scanNum, run.ID)
	return run, nil
}

// finish stores the records of run and closes it with the status err implies
func (r Runner) finish(run *journal.Run, recs []flyscan.Record, err error) {
	if run == nil {
		return
	}
	if len(recs) > 0 {
		if jerr := r.Journal.AddRecords(run.ID, recs); jerr != nil {
			r.logf("storing records of run %d: %v", run.ID, jerr)
		}
	}
	status := journal.RunStatusCompleted
	var msg *string
	if err != nil {
		status = journal.RunStatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = journal.RunStatusAborted
		}
		s := err.Error()
		msg = &s
	}
	if jerr := r.Journal.FinishRun(run.ID, status, msg); jerr != nil {
		r.logf("closing run %d: %v", run.ID, jerr)
	}
}

// visit moves to start, then to each step in turn, triggering and reading
// at every one
func (r Runner) visit(ctx context.Context, start []motion.Target, steps [][]motion.Target) ([]flyscan.Record, error) {
	if len(steps) == 0 {
		return nil, ErrNoPoints
	}
	if len(start) > 0 {
		if err := motion.MoveAll(ctx, r.Mover, start); err != nil {
			return nil, fmt.Errorf("moving to start: %w", err)
		}
	}
	recs := make([]flyscan.Record, 0, len(steps))
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return recs, err
		}
		if err := motion.MoveAll(ctx, r.Mover, step); err != nil {
			return recs, fmt.Errorf("point %d: %w", i, err)
		}
		rec, err := r.read(ctx, i+1, step)
		if err != nil {
			return recs, fmt.Errorf("point %d: %w", i, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// read triggers every detector and reads back the moved axes
func (r Runner) read(ctx context.Context, seq int, step []motion.Target) (flyscan.Record, error) {
	data := map[string]interface{}{"seq_num": seq}
	ts := map[string]float64{}
	for _, t := range step {
		pos, err := r.Mover.GetPos(t.Axis)
		if err != nil {
			return flyscan.Record{}, err
		}
		data[t.Axis] = pos
		ts[t.Axis] = util.UnixSecs(time.Now())
	}
	for _, d := range r.Detectors {
		vals, err := d.Trigger(ctx)
		if err != nil {
			return flyscan.Record{}, err
		}
		now := util.UnixSecs(time.Now())
		for k, v := range vals {
			data[k] = v
			ts[k] = now
		}
	}
	return flyscan.Record{Time: util.UnixSecs(time.Now()), Data: data, Timestamps: ts}, nil
}
