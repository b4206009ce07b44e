package flyscan_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aps-velociprobe/golaborate/channel"
	"github.com/aps-velociprobe/golaborate/device"
	"github.com/aps-velociprobe/golaborate/flyscan"
)

var quiet = log.New(io.Discard, "", 0)

type rig struct {
	m     *channel.Mock
	names device.FlyerChannels
	f     *flyscan.Flyer
}

// newRig builds a flyer over a simulated beamline.  A zero fly duration
// leaves the motion program out, so motion never starts.
func newRig(t *testing.T, fly time.Duration) rig {
	t.Helper()
	m := channel.NewMock()
	c := device.DefaultConfig()
	sim := device.Sim{Travel: time.Millisecond, MotionStartDelay: 5 * time.Millisecond, FlyDuration: fly}
	if fly > 0 {
		sim.Install(m, c)
	} else {
		for _, a := range c.Motors {
			channel.MotorSim{Prefix: a.PV}.Install(m)
		}
		m.Set(c.Monitor, channel.Float(0))
	}
	reg := device.NewRegistry(m, c)
	reg.Motors.MoveTimeout = time.Second
	f := flyscan.NewFlyerFromRegistry(reg, quiet)
	f.MotionStartTimeout = 200 * time.Millisecond
	return rig{m: m, names: reg.Flyer, f: f}
}

func params() flyscan.Params {
	p := flyscan.DefaultParams()
	p.XWidth, p.XStep = 10, 2
	p.YWidth, p.YStep = 10, 2
	p.XCenter, p.YCenter = 1, -1
	p.ScanNum = 7
	return p
}

func lastFloat(t *testing.T, m *channel.Mock, name string) float64 {
	t.Helper()
	v, ok := m.LastPut(name)
	if !ok {
		t.Fatalf("%s was never written", name)
	}
	return v.Num
}

func TestPlan(t *testing.T) {
	pl, err := params().Plan()
	if err != nil {
		t.Fatal(err)
	}
	if pl.XCount != 6 || pl.YCount != 6 {
		t.Errorf("counts %d x %d, want 6 x 6", pl.XCount, pl.YCount)
	}
	if pl.XStart != -5 || pl.YStart != -7 {
		t.Errorf("start (%v, %v), want (-5, -7)", pl.XStart, pl.YStart)
	}
	if pl.NumImages != 54 || pl.NumImagesPerFile != 54 {
		t.Errorf("images %d per file %d, want 54 and 54", pl.NumImages, pl.NumImagesPerFile)
	}
	if pl.AcquirePeriod != 1./80 || pl.AcquireTime != 1./160 {
		t.Errorf("period %v time %v", pl.AcquirePeriod, pl.AcquireTime)
	}
	if want := "/local/home/dpuser/data2/velociprobe/2021-2/Luo/ptycho/fly007"; pl.DetectorDir != want {
		t.Errorf("detector dir %q, want %q", pl.DetectorDir, want)
	}
}

func TestPlanCaps(t *testing.T) {
	p := params()
	p.XWidth, p.XStep = 1000, 1
	p.YWidth, p.YStep = 200, 1
	p.LaserFreq = 20000
	pl, err := p.Plan()
	if err != nil {
		t.Fatal(err)
	}
	if pl.NumImagesPerFile != flyscan.MaxImagesPerFile {
		t.Errorf("images per file %d, want cap", pl.NumImagesPerFile)
	}
	if pl.NumImages <= flyscan.MaxImagesPerFile {
		t.Errorf("total images %d should exceed the per-file cap", pl.NumImages)
	}
	if pl.LaserFreq != flyscan.MaxLaserFreq {
		t.Errorf("laser %v, want %v", pl.LaserFreq, flyscan.MaxLaserFreq)
	}
}

func TestPlanInvalid(t *testing.T) {
	bad := []func(*flyscan.Params){
		func(p *flyscan.Params) { p.XStep = 0 },
		func(p *flyscan.Params) { p.YStep = -1 },
		func(p *flyscan.Params) { p.TriggerFreq = 0 },
		func(p *flyscan.Params) { p.ExposureFactor = 0 },
		func(p *flyscan.Params) { p.MainDir = "/data/velociprobe" },
		func(p *flyscan.Params) { p.ScanNum = -1 },
		func(p *flyscan.Params) { z := 1.; p.Z = &z; p.ZAxis = "" },
	}
	for i, mod := range bad {
		p := params()
		mod(&p)
		if _, err := p.Plan(); !errors.Is(err, flyscan.ErrInvalidParams) {
			t.Errorf("case %d: expected ErrInvalidParams, got %v", i, err)
		}
	}
}

func TestDataFile(t *testing.T) {
	name, idx := flyscan.DataFile("/data/fly001", 250, 100)
	if name != "/data/fly001_data_000003.h5" || idx != 50 {
		t.Errorf("got %s %d", name, idx)
	}
	name, idx = flyscan.DataFile("fly001", 0, 100000)
	if name != "fly001_data_000001.h5" || idx != 0 {
		t.Errorf("got %s %d", name, idx)
	}
}

func TestConfigureWritesAndMoves(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	p := params()
	theta := 12.
	p.Theta = &theta
	p.LaserFreq = 16000
	if err := r.f.Configure(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if r.f.State() != flyscan.Armed {
		t.Errorf("state %s, want Armed", r.f.State())
	}
	n := r.names
	checks := map[string]float64{
		n.FlyCalcEnable:  1,
		n.StepCalcEnable: 0,
		n.Width:          10,
		n.XCenter:        1,
		n.XStep:          2000,
		n.YStep:          2000,
		n.MotionMode:     0,
		n.TriggerMode:    0,
		n.ManualTrigger:  0,
		n.NumTriggers:    1,
		n.ChiStart:       12,
		n.NumImages:      54,
		n.LaserFreq:      15000,
		n.TriggerFreq:    80,
		n.FWEnable:       1,
	}
	for name, want := range checks {
		if got := lastFloat(t, r.m, name); got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	if v, _ := r.m.LastPut(n.FWNamePattern); v.Str != "fly007" {
		t.Errorf("name pattern %v", v)
	}
	if v, _ := r.m.LastPut(n.WF1000); v.Str != "/mnt/micdata2/velociprobe/2021-2/Luo/positions" {
		t.Errorf("positions dir %v", v)
	}
	if got := lastFloat(t, r.m, "2iddTAU:pmac1:M16.VAL"); got != -5 {
		t.Errorf("x moved to %v, want -5", got)
	}
	if got := lastFloat(t, r.m, "2iddVELO:m10.VAL"); got != 12 {
		t.Errorf("theta moved to %v, want 12", got)
	}
	if _, ok := r.m.LastPut("2iddVELO:m9.VAL"); ok {
		t.Error("z moved without a z position")
	}
}

func TestConfigureWithoutThetaSkipsChi(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	if err := r.f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.m.LastPut(r.names.ChiStart); ok {
		t.Error("chi start written without theta")
	}
}

func TestConfigureInvalidWritesNothing(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	p := params()
	p.XStep = 0
	if err := r.f.Configure(context.Background(), p); !errors.Is(err, flyscan.ErrInvalidParams) {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
	if len(r.m.Puts()) != 0 {
		t.Errorf("writes despite invalid params: %v", r.m.Puts())
	}
	if r.f.State() != flyscan.Idle {
		t.Errorf("state %s, want Idle", r.f.State())
	}
}

func TestConfigureAbortedMidway(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	r.m.FailWrites(r.names.XCenter, &channel.Error{Op: "put", Name: r.names.XCenter, Err: errors.New("disconnected")})
	err := r.f.Configure(context.Background(), params())
	var ae *flyscan.AbortedError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AbortedError, got %v", err)
	}
	if !errors.Is(err, channel.ErrUnavailable) {
		t.Error("AbortedError does not unwrap to the channel error")
	}
	if ae.MotionStarted {
		t.Error("motion reported started during configure")
	}
	if len(ae.Writes) != 4 || ae.Writes[0] != r.names.FlyCalcEnable {
		t.Errorf("writes before failure %v", ae.Writes)
	}
	if r.f.State() != flyscan.Faulted {
		t.Errorf("state %s, want Faulted", r.f.State())
	}
	if _, ok := r.m.LastPut("2iddTAU:pmac1:M16.VAL"); ok {
		t.Error("motors moved after a failed configure")
	}
}

func TestFlyScanCycle(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	met, err := flyscan.NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	r.f.Metrics = met

	if err := r.f.Configure(ctx, params()); err != nil {
		t.Fatal(err)
	}
	if err := r.f.Kickoff(ctx); err != nil {
		t.Fatal(err)
	}
	if r.f.State() != flyscan.Scanning {
		t.Errorf("state %s, want Scanning", r.f.State())
	}
	if got := lastFloat(t, r.m, r.names.Acquire); got != 1 {
		t.Errorf("detector not acquiring after kickoff")
	}
	if err := r.f.Kickoff(ctx); !errors.Is(err, flyscan.ErrScanAlreadyInProgress) {
		t.Errorf("second kickoff: expected ErrScanAlreadyInProgress, got %v", err)
	}
	if err := r.f.Configure(ctx, params()); !errors.Is(err, flyscan.ErrScanAlreadyInProgress) {
		t.Errorf("configure during scan: expected ErrScanAlreadyInProgress, got %v", err)
	}
	if _, err := r.f.Collect(); !errors.Is(err, flyscan.ErrPrematureCollect) {
		t.Errorf("early collect: expected ErrPrematureCollect, got %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.f.Complete(cctx); err != nil {
		t.Fatal(err)
	}
	if got := lastFloat(t, r.m, r.names.Acquire); got != 0 {
		t.Error("detector still acquiring after completion")
	}
	if r.f.State() != flyscan.Completing {
		t.Errorf("state %s, want Completing", r.f.State())
	}

	recs, err := r.f.Collect()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Data["image_index"] != 0 || recs[1].Data["image_index"] != 54 {
		t.Errorf("image indices %v, %v", recs[0].Data["image_index"], recs[1].Data["image_index"])
	}
	if recs[1].Time < recs[0].Time {
		t.Error("end record precedes start record")
	}
	dur := recs[0].Data["duration"].(float64)
	if dur < 0.03 || dur > 1 {
		t.Errorf("duration %v, expected about 0.05", dur)
	}
	if xs := recs[0].Data["x_positions"].([]float64); len(xs) != 6 {
		t.Errorf("x positions %v", xs)
	}
	if f, _ := recs[0].Data["data_file"].(string); !strings.HasSuffix(f, "/ptycho/fly007/fly007_data_000001.h5") {
		t.Errorf("data file %q", f)
	}
	if recs[1].Timestamps["duration"] != recs[1].Time {
		t.Error("field timestamps do not match record time")
	}
	if r.f.State() != flyscan.Idle {
		t.Errorf("state %s after collect, want Idle", r.f.State())
	}
	if n := r.m.Subscribers(r.names.Monitor); n != 0 {
		t.Errorf("%d monitor subscriptions left", n)
	}
	if _, err := r.f.Collect(); !errors.Is(err, flyscan.ErrPrematureCollect) {
		t.Errorf("second collect: expected ErrPrematureCollect, got %v", err)
	}
	if got := testutil.ToFloat64(met.Scans.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed scans metric %v", got)
	}
	if got := testutil.ToFloat64(met.Images); got != 54 {
		t.Errorf("images metric %v", got)
	}

	// the coordinator is reusable
	if err := r.f.Configure(ctx, params()); err != nil {
		t.Errorf("reconfigure: %v", err)
	}
}

func TestKickoffMotionStartTimeout(t *testing.T) {
	r := newRig(t, 0)
	r.f.MotionStartTimeout = 20 * time.Millisecond
	if err := r.f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	err := r.f.Kickoff(context.Background())
	if !errors.Is(err, flyscan.ErrMotionStartTimeout) {
		t.Fatalf("expected ErrMotionStartTimeout, got %v", err)
	}
	if r.f.State() != flyscan.Faulted {
		t.Errorf("state %s, want Faulted", r.f.State())
	}
	if _, ok := r.m.LastPut(r.names.Acquire); ok {
		t.Error("detector started although motion never did")
	}
	if n := r.m.Subscribers(r.names.Monitor); n != 0 {
		t.Errorf("%d monitor subscriptions left", n)
	}
	if err := r.f.Abort(); err != nil {
		t.Fatal(err)
	}
	if r.f.State() != flyscan.Idle {
		t.Errorf("state %s after abort, want Idle", r.f.State())
	}
}

func TestKickoffDetectorFailureAfterMotion(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	if err := r.f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	r.m.FailWrites(r.names.Acquire, &channel.Error{Op: "put", Name: r.names.Acquire, Err: errors.New("detector offline")})
	err := r.f.Kickoff(context.Background())
	var ae *flyscan.AbortedError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AbortedError, got %v", err)
	}
	if !ae.MotionStarted {
		t.Error("MotionStarted not set after motion began")
	}
	if r.f.State() != flyscan.Faulted {
		t.Errorf("state %s, want Faulted", r.f.State())
	}
}

func TestKickoffRequiresArmed(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	if err := r.f.Kickoff(context.Background()); !errors.Is(err, flyscan.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if err := r.f.Complete(context.Background()); !errors.Is(err, flyscan.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := r.f.Collect(); !errors.Is(err, flyscan.ErrPrematureCollect) {
		t.Errorf("expected ErrPrematureCollect, got %v", err)
	}
}

func TestCompleteHonorsContext(t *testing.T) {
	r := newRig(t, time.Second)
	if err := r.f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	if err := r.f.Kickoff(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := r.f.Complete(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if err := r.f.Abort(); err != nil {
		t.Fatal(err)
	}
	if r.f.State() != flyscan.Idle {
		t.Errorf("state %s after abort", r.f.State())
	}
}

func TestDescribeCollect(t *testing.T) {
	r := newRig(t, 50*time.Millisecond)
	if err := r.f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	d := r.f.DescribeCollect()
	for _, k := range []string{"image_index", "duration", "data_file", "x_positions", "y_positions"} {
		if _, ok := d[k]; !ok {
			t.Errorf("missing field %s", k)
		}
	}
	if d["x_positions"].Shape[0] != 6 {
		t.Errorf("x_positions shape %v", d["x_positions"].Shape)
	}
}

func TestStateString(t *testing.T) {
	if flyscan.Completing.String() != "Completing" || flyscan.State(42).String() != "State(42)" {
		t.Error("unexpected state names")
	}
}

func waitPut(t *testing.T, m *channel.Mock, name string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.LastPut(name); ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("%s was never written", name)
}

func TestAbortInterruptsKickoff(t *testing.T) {
	r := newRig(t, 0)
	r.f.MotionStartTimeout = 5 * time.Second
	if err := r.f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- r.f.Kickoff(context.Background()) }()
	waitPut(t, r.m, r.names.MotionTrigger)

	if err := r.f.Abort(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, flyscan.ErrKickoffAborted) {
			t.Errorf("expected ErrKickoffAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("kickoff still waiting for motion after abort")
	}
	if r.f.State() != flyscan.Idle {
		t.Errorf("state %s, want Idle", r.f.State())
	}
	if got := lastFloat(t, r.m, r.names.Acquire); got != 0 {
		t.Errorf("acquire %v after abort, want 0", got)
	}
	if n := r.m.Subscribers(r.names.Monitor); n != 0 {
		t.Errorf("%d monitor subscriptions left", n)
	}
}

// gatedSubscribe holds subscriptions to gate until release is closed
type gatedSubscribe struct {
	*channel.Mock
	gate    string
	entered chan struct{}
	release chan struct{}
}

func (g gatedSubscribe) Subscribe(name string, cb channel.Callback) (channel.Subscription, error) {
	if name == g.gate {
		close(g.entered)
		<-g.release
	}
	return g.Mock.Subscribe(name, cb)
}

func TestAbortWhileKickoffSubscribes(t *testing.T) {
	m := channel.NewMock()
	c := device.DefaultConfig()
	device.Sim{Travel: time.Millisecond, MotionStartDelay: 5 * time.Millisecond, FlyDuration: time.Second}.Install(m, c)
	g := gatedSubscribe{Mock: m, gate: c.Channels().Monitor, entered: make(chan struct{}), release: make(chan struct{})}
	reg := device.NewRegistry(g, c)
	reg.Motors.MoveTimeout = time.Second
	f := flyscan.NewFlyerFromRegistry(reg, quiet)
	if err := f.Configure(context.Background(), params()); err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- f.Kickoff(context.Background()) }()
	<-g.entered
	if err := f.Abort(); err != nil {
		t.Fatal(err)
	}
	close(g.release)
	if err := <-errc; !errors.Is(err, flyscan.ErrKickoffAborted) {
		t.Errorf("expected ErrKickoffAborted, got %v", err)
	}
	if n := m.Subscribers(reg.Flyer.Monitor); n != 0 {
		t.Errorf("%d monitor subscriptions leaked", n)
	}
	if _, ok := m.LastPut(reg.Flyer.MotionTrigger); ok {
		t.Error("motion program triggered after abort")
	}
	if f.State() != flyscan.Idle {
		t.Errorf("state %s, want Idle", f.State())
	}
}

// brokenUnsubscribe unsubscribes but reports a failure
type brokenUnsubscribe struct {
	*channel.Mock
}

func (b brokenUnsubscribe) Unsubscribe(s channel.Subscription) error {
	if err := b.Mock.Unsubscribe(s); err != nil {
		return err
	}
	return errors.New("gateway gone")
}

func TestUnsubscribeFailureIsLogged(t *testing.T) {
	m := channel.NewMock()
	c := device.DefaultConfig()
	device.Sim{Travel: time.Millisecond, MotionStartDelay: 5 * time.Millisecond, FlyDuration: 20 * time.Millisecond}.Install(m, c)
	reg := device.NewRegistry(brokenUnsubscribe{m}, c)
	reg.Motors.MoveTimeout = time.Second
	var buf bytes.Buffer
	f := flyscan.NewFlyerFromRegistry(reg, log.New(&buf, "", 0))
	ctx := context.Background()
	if err := f.Configure(ctx, params()); err != nil {
		t.Fatal(err)
	}
	if err := f.Kickoff(ctx); err != nil {
		t.Fatal(err)
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.Complete(cctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Collect(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "gateway gone") {
		t.Errorf("unsubscribe failure not logged:\n%s", buf.String())
	}
}
