package plans_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"

	"github.com/aps-velociprobe/golaborate/channel"
	"github.com/aps-velociprobe/golaborate/device"
	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/journal"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/plans"
	"github.com/aps-velociprobe/golaborate/trajectory"
	"github.com/aps-velociprobe/golaborate/util"
)

var quiet = log.New(io.Discard, "", 0)

type rig struct {
	m   *channel.Mock
	reg *device.Registry
	db  *journal.DB
	r   plans.Runner
}

func newRig(t *testing.T, tweak func(*device.Config)) rig {
	t.Helper()
	c := device.DefaultConfig()
	if tweak != nil {
		tweak(&c)
	}
	m := channel.NewMock()
	device.Sim{
		Travel:           time.Millisecond,
		MotionStartDelay: 5 * time.Millisecond,
		FlyDuration:      20 * time.Millisecond,
		CountTime:        time.Millisecond,
	}.Install(m, c)
	reg := device.NewRegistry(m, c)
	reg.Motors.MoveTimeout = time.Second
	db, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	f := flyscan.NewFlyerFromRegistry(reg, quiet)
	f.MotionStartTimeout = 500 * time.Millisecond
	return rig{m: m, reg: reg, db: db, r: plans.Runner{
		Mover:     reg.Motors,
		Detectors: []plans.Detector{reg.Detectors["scaler1f"], reg.Detectors["interferometer"]},
		Flyer:     f,
		Journal:   db,
		Logger:    quiet,
	}}
}

func onlyRun(t *testing.T, db *journal.DB) *journal.Run {
	t.Helper()
	runs, err := db.ListRuns(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("%d runs, want 1", len(runs))
	}
	run, err := db.GetRun(runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	return run
}

func threeByThree() plans.StepScan {
	s := plans.DefaultStepScan()
	s.Outer = trajectory.Window{Center: 0, Width: 2, Step: 1}
	s.Inner = trajectory.Window{Center: 0, Width: 2, Step: 1}
	return s
}

func TestStepScan(t *testing.T) {
	rg := newRig(t, nil)
	s := threeByThree()
	z := 3.
	s.Z = &z
	recs, err := rg.r.StepScan(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 9 {
		t.Fatalf("%d records, want 9", len(recs))
	}
	// second row runs backwards
	if got := recs[3].Data["sm_px"]; got != 1.5 {
		t.Errorf("first point of second row at sm_px=%v, want 1.5", got)
	}
	if got := recs[3].Data["sm_py"]; got != 0. {
		t.Errorf("second row at sm_py=%v, want 0", got)
	}
	for _, k := range []string{"seq_num", "s2f", "s7f", "int_sam_x1", "int_sam_y1"} {
		if _, ok := recs[0].Data[k]; !ok {
			t.Errorf("record missing %s", k)
		}
	}
	if v, ok := rg.m.LastPut("2iddVELO:m9.VAL"); !ok || v.Num != 3 {
		t.Errorf("z not moved to 3: %+v %v", v, ok)
	}
	run := onlyRun(t, rg.db)
	if run.Kind != plans.KindStep || run.Status != journal.RunStatusCompleted || len(run.Records) != 9 {
		t.Errorf("run %+v", run)
	}
	if run.ScanNum != 1 {
		t.Errorf("scan number %d, want 1", run.ScanNum)
	}
}

func TestStepScanLimitsCheckedBeforeMoving(t *testing.T) {
	rg := newRig(t, func(c *device.Config) {
		c.Motors["sm_px"] = motion.Axis{PV: "2iddTAU:pmac1:M16", Limits: util.Limiter{Min: -1, Max: 1}}
	})
	_, err := rg.r.StepScan(context.Background(), threeByThree())
	if !errors.Is(err, motion.ErrLimit) {
		t.Fatalf("got %v, want ErrLimit", err)
	}
	if _, ok := rg.m.LastPut("2iddTAU:pmac1:M15.VAL"); ok {
		t.Error("sm_py moved although sm_px start was out of limits")
	}
	run := onlyRun(t, rg.db)
	if run.Status != journal.RunStatusFailed || run.ErrorMessage == nil {
		t.Errorf("run %+v", run)
	}
}

func TestStepScanCanceled(t *testing.T) {
	rg := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rg.r.StepScan(ctx, threeByThree())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if run := onlyRun(t, rg.db); run.Status != journal.RunStatusAborted {
		t.Errorf("status %s, want aborted", run.Status)
	}
}

func TestStepScanDetectorFailure(t *testing.T) {
	rg := newRig(t, nil)
	rg.m.FailReads("2iddf:scaler1.S2", errors.New("disconnected"))
	recs, err := rg.r.StepScan(context.Background(), threeByThree())
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(recs) != 0 {
		t.Errorf("%d records from a scan that failed at the first point", len(recs))
	}
}

func TestFermatSpiralGeometry(t *testing.T) {
	s := plans.DefaultFermatSpiralStepScan()
	s.XCenter, s.YCenter = 10, -2
	s.XRadius, s.YRadius = 4, 2
	s.DeltaR = 1
	ext := s.Extents()
	if ext[0] != [2]float64{5, 15} || ext[1] != [2]float64{-4.5, 0.5} {
		t.Errorf("extents %v", ext)
	}
	pts, err := s.Points()
	if err != nil {
		t.Fatal(err)
	}
	raw, err := s.Spiral().Points()
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != len(raw) || len(pts) == 0 {
		t.Fatalf("%d points, %d relative points", len(pts), len(raw))
	}
	for i := range pts {
		if pts[i].X != raw[i].X+10 || pts[i].Y != raw[i].Y-2 {
			t.Fatalf("point %d %+v not offset from %+v", i, pts[i], raw[i])
		}
	}
	s.Snaked = true
	if s.Spiral().Order != trajectory.OrderSnake || s.Spiral().Strips != trajectory.DefaultStrips {
		t.Errorf("snaked spiral %+v", s.Spiral())
	}
}

func TestFermatSpiralStepScan(t *testing.T) {
	rg := newRig(t, nil)
	s := plans.DefaultFermatSpiralStepScan()
	s.XRadius, s.YRadius, s.DeltaR = 2, 2, 1
	pts, err := s.Points()
	if err != nil {
		t.Fatal(err)
	}
	recs, err := rg.r.FermatSpiralStepScan(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(pts) {
		t.Fatalf("%d records for %d points", len(recs), len(pts))
	}
	last := pts[len(pts)-1]
	if recs[len(recs)-1].Data["sm_px"] != last.X || recs[len(recs)-1].Data["sm_py"] != last.Y {
		t.Errorf("last record %v, want at %+v", recs[len(recs)-1].Data, last)
	}
	run := onlyRun(t, rg.db)
	if run.Kind != plans.KindSpiral || !strings.Contains(string(run.Params), `"extents"`) {
		t.Errorf("run %s params %s", run.Kind, run.Params)
	}
}

func TestFermatSpiralInvalid(t *testing.T) {
	rg := newRig(t, nil)
	_, err := rg.r.FermatSpiralStepScan(context.Background(), plans.DefaultFermatSpiralStepScan())
	if !errors.Is(err, trajectory.ErrInvalidParameter) {
		t.Errorf("got %v, want ErrInvalidParameter", err)
	}
}

// firstPut is the first value written to name
func firstPut(t *testing.T, m *channel.Mock, name string) float64 {
	t.Helper()
	for _, p := range m.Puts() {
		if p.Name == name {
			return p.Value.Num
		}
	}
	t.Fatalf("%s was never written", name)
	return 0
}

func TestTiltedFermatStepScan(t *testing.T) {
	rg := newRig(t, nil)
	s := plans.DefaultTiltedFermatStepScan()
	s.XCenter, s.YCenter = 1, -1
	s.XRadius, s.YRadius = 2, 1
	s.DeltaR, s.DeltaRY = 0.5, 0.25
	s.Tilt = 0.2
	z := 4.
	s.Z = &z
	pts, err := s.Points()
	if err != nil {
		t.Fatal(err)
	}
	recs, err := rg.r.TiltedFermatStepScan(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != len(pts) {
		t.Fatalf("%d records for %d points", len(recs), len(pts))
	}
	if x, y := firstPut(t, rg.m, "2iddTAU:pmac1:M16.VAL"), firstPut(t, rg.m, "2iddTAU:pmac1:M15.VAL"); x != 1 || y != -1 {
		t.Errorf("first move to (%v, %v), want the centre (1, -1)", x, y)
	}
	if v, ok := rg.m.LastPut("2iddVELO:m9.VAL"); !ok || v.Num != 4 {
		t.Errorf("z not moved to 4: %+v %v", v, ok)
	}
	for i, p := range pts {
		if p.Y < -2 || p.Y > 0 {
			t.Fatalf("point %d %+v outside the y radius", i, p)
		}
	}
	run := onlyRun(t, rg.db)
	if run.Kind != plans.KindFermat || !strings.Contains(string(run.Params), `"tilt":0.2`) {
		t.Errorf("run %s params %s", run.Kind, run.Params)
	}
}

func TestRingSpiralStepScan(t *testing.T) {
	rg := newRig(t, nil)
	s := plans.DefaultRingSpiralStepScan()
	s.XCenter, s.YCenter = -2, 3
	s.XRadius, s.YRadius = 1.5, 1.5
	s.DeltaR = 1
	s.NTheta = 4
	recs, err := rg.r.RingSpiralStepScan(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) < 4 {
		t.Fatalf("%d records", len(recs))
	}
	// first ring: (1, 0) (0, 1) (-1, 0) (0, -1) about the centre
	if recs[0].Data["sm_px"] != -1. || recs[0].Data["sm_py"] != 3. {
		t.Errorf("first point %v", recs[0].Data)
	}
	if x := firstPut(t, rg.m, "2iddTAU:pmac1:M16.VAL"); x != -2 {
		t.Errorf("first move to x=%v, want the centre -2", x)
	}
	run := onlyRun(t, rg.db)
	if run.Kind != plans.KindRings || run.Status != journal.RunStatusCompleted || len(run.Records) != len(recs) {
		t.Errorf("run %s %s with %d records", run.Kind, run.Status, len(run.Records))
	}
}

func TestCentredSpiralsInvalid(t *testing.T) {
	rg := newRig(t, nil)
	ctx := context.Background()
	if _, err := rg.r.TiltedFermatStepScan(ctx, plans.DefaultTiltedFermatStepScan()); !errors.Is(err, trajectory.ErrInvalidParameter) {
		t.Errorf("fermat without radii: %v", err)
	}
	s := plans.DefaultRingSpiralStepScan()
	s.XRadius, s.YRadius, s.DeltaR, s.NTheta = 1, 1, 0.5, 0
	if _, err := rg.r.RingSpiralStepScan(ctx, s); !errors.Is(err, trajectory.ErrInvalidParameter) {
		t.Errorf("rings with n_theta 0: %v", err)
	}
}

func flyParams(t *testing.T) flyscan.Params {
	p := flyscan.DefaultParams()
	p.XWidth, p.XStep = 4, 2
	p.YWidth, p.YStep = 4, 2
	p.MainDir = filepath.Join(t.TempDir(), "micdata", "2021-2")
	return p
}

func TestFlyScan2d(t *testing.T) {
	rg := newRig(t, nil)
	p := flyParams(t)
	recs, err := rg.r.FlyScan2d(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("%d records, want 2", len(recs))
	}
	p.ScanNum = 1
	if fi, err := os.Stat(p.DataDir()); err != nil || !fi.IsDir() {
		t.Errorf("data directory %s not created: %v", p.DataDir(), err)
	}
	run := onlyRun(t, rg.db)
	if run.Kind != plans.KindFly || run.ScanNum != 1 || run.Status != journal.RunStatusCompleted || len(run.Records) != 2 {
		t.Errorf("run %+v", run)
	}
	if st := rg.r.Flyer.State(); st != flyscan.Idle {
		t.Errorf("flyer left %s", st)
	}
}

func TestFlyScan2dKickoffFailureAborts(t *testing.T) {
	rg := newRig(t, nil)
	rg.m.FailWrites(rg.reg.Flyer.MotionTrigger, errors.New("write rejected"))
	_, err := rg.r.FlyScan2d(context.Background(), flyParams(t))
	if err == nil {
		t.Fatal("expected an error")
	}
	if st := rg.r.Flyer.State(); st != flyscan.Idle {
		t.Errorf("flyer left %s, want Idle after abort", st)
	}
	if run := onlyRun(t, rg.db); run.Status != journal.RunStatusFailed {
		t.Errorf("status %s, want failed", run.Status)
	}
}

func TestFlyScan2dNoFlyer(t *testing.T) {
	rg := newRig(t, nil)
	rg.r.Flyer = nil
	if _, err := rg.r.FlyScan2d(context.Background(), flyParams(t)); !errors.Is(err, plans.ErrNoFlyer) {
		t.Errorf("got %v, want ErrNoFlyer", err)
	}
}

func TestBatchFly2d(t *testing.T) {
	rg := newRig(t, nil)
	a, b := flyParams(t), flyParams(t)
	a.ScanNum = 5
	b.ScanNum = 99
	out, err := rg.r.BatchFly2d(context.Background(), []flyscan.Params{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("%d scans, want 2", len(out))
	}
	runs, err := rg.db.ListRuns(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ScanNum != 6 || runs[1].ScanNum != 5 {
		t.Errorf("runs %+v, want scans 6 then 5", runs)
	}
	next, _ := rg.db.NextScanNum(plans.KindFly)
	if next != 7 {
		t.Errorf("next scan %d, want 7", next)
	}
}

func TestHTTPRunner(t *testing.T) {
	rg := newRig(t, nil)
	h := plans.NewHTTPRunner(rg.r)
	mux := chi.NewRouter()
	h.RT().Bind(mux)

	body, _ := json.Marshal(threeByThree())
	req := httptest.NewRequest(http.MethodPost, "/step", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}
	var recs []flyscan.Record
	if err := json.NewDecoder(rec.Body).Decode(&recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 9 {
		t.Errorf("%d records, want 9", len(recs))
	}

	req = httptest.NewRequest(http.MethodPost, "/spiral", strings.NewReader(`{"xRadius": 2}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("spiral without deltaR: status %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/rings", strings.NewReader(`{"xRadius": 1, "yRadius": 1, "deltaR": 1}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("rings: status %d: %s", rec.Code, rec.Body)
	}
	req = httptest.NewRequest(http.MethodPost, "/fermat", strings.NewReader(`{"xRadius": 1, "yRadius": 1, "deltaR": 0.5, "tilt": 2}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("fermat with tilt 2: status %d, want 400", rec.Code)
	}

	h.Flyer = nil
	mux = chi.NewRouter()
	plans.NewHTTPRunner(h.Runner).RT().Bind(mux)
	req = httptest.NewRequest(http.MethodPost, "/fly", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("fly without flyer: status %d, want 501", rec.Code)
	}
}
