package plans

import (
	"context"
	"fmt"

	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/util"
)

// FlyScan2d creates the scan's data directory and runs one fly scan through
// configure, kickoff, complete and collect.  A scan that fails after kickoff
// is aborted so the flyer is left Idle.
func (r Runner) FlyScan2d(ctx context.Context, p flyscan.Params) ([]flyscan.Record, error) {
	if r.Flyer == nil {
		return nil, ErrNoFlyer
	}
	p.ScanNum = r.scanNum(KindFly, p.ScanNum)
	if _, err := util.EnsureDir(p.DataDir()); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	run, err := r.begin(KindFly, p.ScanNum, p)
	if err != nil {
		return nil, err
	}
	recs, err := r.fly(ctx, p)
	r.finish(run, recs, err)
	return recs, err
}

func (r Runner) fly(ctx context.Context, p flyscan.Params) ([]flyscan.Record, error) {
	f := r.Flyer
	if err := f.Configure(ctx, p); err != nil {
		return nil, err
	}
	abort := func(err error) error {
		if aerr := f.Abort(); aerr != nil {
			r.logf("abort after failed scan %d: %v", p.ScanNum, aerr)
		}
		return err
	}
	if err := f.Kickoff(ctx); err != nil {
		return nil, abort(err)
	}
	if err := f.Complete(ctx); err != nil {
		return nil, abort(err)
	}
	return f.Collect()
}

// BatchFly2d runs fly scans one after another with consecutive scan numbers,
// starting from the first scan's number or the next free one if it is not
// positive.  It stops at the first failure and returns the records of the
// scans that completed.
func (r Runner) BatchFly2d(ctx context.Context, scans []flyscan.Params) ([][]flyscan.Record, error) {
	if len(scans) == 0 {
		return nil, ErrNoPoints
	}
	first := r.scanNum(KindFly, scans[0].ScanNum)
	out := make([][]flyscan.Record, 0, len(scans))
	for i, p := range scans {
		p.ScanNum = first + i
		recs, err := r.FlyScan2d(ctx, p)
		if err != nil {
			return out, fmt.Errorf("scan %d of batch: %w", p.ScanNum, err)
		}
		out = append(out, recs)
	}
	return out, nil
}
