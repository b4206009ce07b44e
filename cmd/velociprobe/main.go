package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"

	"github.com/aps-velociprobe/golaborate/channel"
	"github.com/aps-velociprobe/golaborate/comm"
	"github.com/aps-velociprobe/golaborate/config"
	"github.com/aps-velociprobe/golaborate/device"
	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/generichttp"
	"github.com/aps-velociprobe/golaborate/generichttp/locker"
	"github.com/aps-velociprobe/golaborate/journal"
	"github.com/aps-velociprobe/golaborate/motion"
	"github.com/aps-velociprobe/golaborate/plans"
	"github.com/aps-velociprobe/golaborate/trajectory"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = config.FileName
)

// poolIdle is how long gateway connections may sit unused before closing
const poolIdle = 30 * time.Second

func root() {
	str := `velociprobe runs fly and step scans on the Velociprobe at 2-ID-D
and exposes them over HTTP.

Usage:
	velociprobe <command>

Commands:
	run
	fly
	spiral [file.fits]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `velociprobe is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.

run serves the flyer, plans, motion, trajectory and journal routes and
prometheus metrics at /metrics.

fly runs one fly scan with the parameters in the fly section and exits.

spiral writes the trajectory of the spiral section to a FITS file, spiral.fits
if no name is given.

With mock: true no gateway is contacted; a simulated beamline with the
timings of the sim section stands in for the hardware.

Data directories are created world-writable (0777, chmod'd past the umask)
so the detector's file writer and the analysis accounts can all use them.`
	fmt.Println(str)
}

func loadconfig() config.Config {
	c, err := config.Load(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = config.Write(f, c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	err := config.Write(os.Stdout, loadconfig())
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("velociprobe version %v\n", Version)
}

// connect returns the channel layer: a simulated beamline, or the gateway
// behind a connection pool with retries.  The returned func releases it.
func connect(cfg config.Config) (channel.Channel, func()) {
	if cfg.Mock {
		m := channel.NewMock()
		cfg.Sim.DeviceSim().Install(m, cfg.Devices)
		log.Println("mock: true, running against a simulated beamline")
		return m, func() {}
	}
	link := cfg.Gateway.Link
	pool := comm.NewPool(cfg.Gateway.PoolSize, poolIdle, func() (io.ReadWriteCloser, error) {
		return comm.Dial(link)
	})
	gw := channel.NewGateway(pool)
	if cfg.Gateway.Poll > 0 {
		gw.Poll = cfg.Gateway.Poll
	}
	ch := channel.NewRetrying(gw)
	ch.MaxElapsedTime = cfg.Timeouts.RetryMaxElapsed
	ch.MaxRetries = cfg.Timeouts.Retries
	log.Println("using channel gateway at", link.Addr)
	return ch, func() {
		gw.Close()
		pool.Close()
	}
}

type beamline struct {
	reg    *device.Registry
	flyer  *flyscan.Flyer
	runner plans.Runner
	db     *journal.DB
}

func setup(cfg config.Config, ch channel.Channel, logs io.Writer) beamline {
	reg := device.NewRegistry(ch, cfg.Devices)
	reg.Motors.MoveTimeout = cfg.Timeouts.Move

	names := make([]string, 0, len(reg.Detectors))
	for name := range reg.Detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	dets := make([]plans.Detector, 0, len(names))
	for _, name := range names {
		d := reg.Detectors[name]
		d.Timeout = cfg.Timeouts.Count
		dets = append(dets, d)
	}

	f := flyscan.NewFlyerFromRegistry(reg, log.New(logs, "flyscan ", log.LstdFlags))
	f.MotionStartTimeout = cfg.Timeouts.MotionStart
	metrics, err := flyscan.NewMetrics(nil)
	if err != nil {
		log.Fatal(err)
	}
	f.Metrics = metrics

	db, err := journal.Open(cfg.JournalPath)
	if err != nil {
		log.Fatal(err)
	}
	return beamline{
		reg:   reg,
		flyer: f,
		db:    db,
		runner: plans.Runner{
			Mover:     reg.Motors,
			Detectors: dets,
			Flyer:     f,
			Journal:   db,
			Logger:    log.New(logs, "plans ", log.LstdFlags),
		},
	}
}

func run() {
	cfg := loadconfig()
	ch, release := connect(cfg)
	defer release()
	bl := setup(cfg, ch, os.Stderr)
	defer bl.db.Close()

	// a running plan holds the lock; hardware writes elsewhere are refused
	lock := locker.New()
	pl := plans.NewHTTPRunner(bl.runner)
	locker.Inject(pl, lock)
	routes := []struct {
		stem string
		h    generichttp.HTTPer
		mw   func(http.Handler) http.Handler
	}{
		{"flyer", flyscan.NewHTTPFlyer(bl.flyer), lock.Check},
		{"plans", pl, lock.Hold},
		{"motion", motion.NewHTTPMotors(bl.reg.Motors), lock.Check},
		{"trajectory", trajectory.NewHTTPTrajectory(), nil},
		{"journal", journal.NewHTTPJournal(bl.db), nil},
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	for _, rt := range routes {
		mux := chi.NewRouter()
		if rt.mw != nil {
			mux.Use(rt.mw)
		}
		rt.h.RT().Bind(mux)
		root.Mount(generichttp.SubMuxSanitize(path.Join(cfg.Root, rt.stem)), mux)
	}
	root.Handle("/metrics", promhttp.Handler())
	addr := cfg.Addr + generichttp.SubMuxSanitize(cfg.Root)
	log.Println("now listening for requests at ", addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, root))
}

func spinner(msg string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " fly",
		SuffixAutoColon:   true,
		Message:           msg,
		StopCharacter:     "done",
		StopFailCharacter: "failed",
		StopColors:        []string{"fgGreen"},
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func fly() {
	cfg := loadconfig()
	ch, release := connect(cfg)
	defer release()
	// the flyer would log over the spinner
	bl := setup(cfg, ch, io.Discard)
	defer bl.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelT := context.WithTimeout(ctx, cfg.Timeouts.Complete)
	defer cancelT()

	sp := spinner("configuring")
	if err := sp.Start(); err != nil {
		log.Fatal(err)
	}
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				sp.Message(strings.ToLower(bl.flyer.State().String()))
			}
		}
	}()
	recs, err := bl.runner.FlyScan2d(ctx, cfg.Fly)
	close(stop)
	if err != nil {
		sp.StopFailMessage(err.Error())
		sp.StopFail()
		os.Exit(1)
	}
	sp.StopMessage(fmt.Sprintf("%d records", len(recs)))
	sp.Stop()
}

func spiral() {
	cfg := loadconfig()
	out := "spiral.fits"
	if len(os.Args) > 2 {
		out = os.Args[2]
	}
	s := cfg.Spiral
	pts, err := s.Points()
	if err != nil {
		log.Fatal(err)
	}
	length, err := trajectory.PathLength(pts)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	cards := []fitsio.Card{
		{Name: "XCENTER", Value: s.XCenter, Comment: "x centre"},
		{Name: "YCENTER", Value: s.YCenter, Comment: "y centre"},
		{Name: "DR", Value: s.DeltaR, Comment: "radius increment"},
		{Name: "ORDER", Value: string(s.Spiral().Order), Comment: "traversal order"},
		{Name: "PATHLEN", Value: length, Comment: "total path length"},
	}
	err = trajectory.WriteFits(f, cards, pts)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %d points, path length %g, to %s", len(pts), length, out)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "fly":
		fly()
		return
	case "spiral":
		spiral()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
