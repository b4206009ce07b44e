// Package config loads the velociprobe configuration: struct defaults
// overlaid by an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yml "gopkg.in/yaml.v2"

	"github.com/aps-velociprobe/golaborate/comm"
	"github.com/aps-velociprobe/golaborate/device"
	"github.com/aps-velociprobe/golaborate/flyscan"
	"github.com/aps-velociprobe/golaborate/plans"
)

// FileName is the default configuration file
const FileName = "velociprobe.yml"

// Gateway is the channel gateway connection
type Gateway struct {
	Link     comm.Link     `koanf:"link" yaml:"link"`
	PoolSize int           `koanf:"poolSize" yaml:"poolSize"`
	Poll     time.Duration `koanf:"poll" yaml:"poll"`
}

// Timeouts bound the blocking operations
type Timeouts struct {
	MotionStart     time.Duration `koanf:"motionStart" yaml:"motionStart"`
	Move            time.Duration `koanf:"move" yaml:"move"`
	Count           time.Duration `koanf:"count" yaml:"count"`
	Complete        time.Duration `koanf:"complete" yaml:"complete"`
	RetryMaxElapsed time.Duration `koanf:"retryMaxElapsed" yaml:"retryMaxElapsed"`
	Retries         uint64        `koanf:"retries" yaml:"retries"`
}

// Sim sets the timings of the simulated beamline used with Mock
type Sim struct {
	Travel           time.Duration `koanf:"travel" yaml:"travel"`
	MotionStartDelay time.Duration `koanf:"motionStartDelay" yaml:"motionStartDelay"`
	FlyDuration      time.Duration `koanf:"flyDuration" yaml:"flyDuration"`
	CountTime        time.Duration `koanf:"countTime" yaml:"countTime"`
}

// Config is the whole configuration
type Config struct {
	// Addr is the HTTP listen address
	Addr string `koanf:"addr" yaml:"addr"`

	// Root is the URL stem everything is served under
	Root string `koanf:"root" yaml:"root"`

	// Mock runs against an in-memory simulated beamline instead of the gateway
	Mock bool `koanf:"mock" yaml:"mock"`

	// JournalPath is the sqlite journal of runs
	JournalPath string `koanf:"journalPath" yaml:"journalPath"`

	Gateway  Gateway        `koanf:"gateway" yaml:"gateway"`
	Devices  device.Config  `koanf:"devices" yaml:"devices"`
	Timeouts Timeouts       `koanf:"timeouts" yaml:"timeouts"`
	Sim      Sim            `koanf:"sim" yaml:"sim"`
	Fly      flyscan.Params `koanf:"fly" yaml:"fly"`

	// Spiral is the trajectory the spiral command exports
	Spiral plans.FermatSpiralStepScan `koanf:"spiral" yaml:"spiral"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Addr:        ":8000",
		Root:        "/",
		JournalPath: "velociprobe.db",
		Gateway: Gateway{
			Link:     comm.Link{Addr: "localhost:5064", Timeout: comm.DefaultTimeout},
			PoolSize: 2,
			Poll:     50 * time.Millisecond,
		},
		Devices: device.DefaultConfig(),
		Timeouts: Timeouts{
			MotionStart:     flyscan.DefaultMotionStartTimeout,
			Move:            60 * time.Second,
			Count:           30 * time.Second,
			Complete:        time.Hour,
			RetryMaxElapsed: 3 * time.Second,
			Retries:         5,
		},
		Sim: Sim{
			Travel:           100 * time.Millisecond,
			MotionStartDelay: 200 * time.Millisecond,
			FlyDuration:      5 * time.Second,
			CountTime:        100 * time.Millisecond,
		},
		Fly:    flyscan.DefaultParams(),
		Spiral: defaultSpiral(),
	}
}

func defaultSpiral() plans.FermatSpiralStepScan {
	s := plans.DefaultFermatSpiralStepScan()
	s.XRadius, s.YRadius, s.DeltaR = 5, 5, 0.2
	return s
}

// DeviceSim converts the sim timings for device.Sim
func (s Sim) DeviceSim() device.Sim {
	return device.Sim{
		Travel:           s.Travel,
		MotionStartDelay: s.MotionStartDelay,
		FlyDuration:      s.FlyDuration,
		CountTime:        s.CountTime,
	}
}

// Load reads the defaults and overlays the file at path.  A missing file is
// not an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("error loading defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}
	return c, nil
}

// Write encodes c as YAML
func Write(w io.Writer, c Config) error {
	return yml.NewEncoder(w).Encode(c)
}
