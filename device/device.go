/*
Package device holds the channel names of the Velociprobe hardware and the
registry that binds them to a channel.Channel.

Every channel the fly scan touches is named by a device base address plus a
suffix, or by a full name for the handful of stand-alone records.  Config
carries all of them with the beamline defaults; any field may be overridden
from the configuration file.  A Registry is built once at process start and
handed to the scan code.
*/
package device

import (
	"github.com/aps-velociprobe/golaborate/channel"
	"github.com/aps-velociprobe/golaborate/motion"
)

// Suffixes are appended to the PMAC or Eiger base address
type Suffixes struct {
	// PMAC
	MotionMode    string `koanf:"motionMode" yaml:"motionMode"`
	MotionTrigger string `koanf:"motionTrigger" yaml:"motionTrigger"`
	WF1000        string `koanf:"wf1000" yaml:"wf1000"`
	WF1128        string `koanf:"wf1128" yaml:"wf1128"`

	// Eiger
	Acquire          string `koanf:"acquire" yaml:"acquire"`
	TriggerMode      string `koanf:"triggerMode" yaml:"triggerMode"`
	ManualTrigger    string `koanf:"manualTrigger" yaml:"manualTrigger"`
	NumTriggers      string `koanf:"numTriggers" yaml:"numTriggers"`
	AcquirePeriod    string `koanf:"acquirePeriod" yaml:"acquirePeriod"`
	AcquireTime      string `koanf:"acquireTime" yaml:"acquireTime"`
	ChiStart         string `koanf:"chiStart" yaml:"chiStart"`
	NumImages        string `koanf:"numImages" yaml:"numImages"`
	NumImagesPerFile string `koanf:"numImagesPerFile" yaml:"numImagesPerFile"`
	FWEnable         string `koanf:"fwEnable" yaml:"fwEnable"`
	SaveFiles        string `koanf:"saveFiles" yaml:"saveFiles"`
	FWAutoRemove     string `koanf:"fwAutoRemove" yaml:"fwAutoRemove"`
	FilePath         string `koanf:"filePath" yaml:"filePath"`
	FWNamePattern    string `koanf:"fwNamePattern" yaml:"fwNamePattern"`
}

// Geometry names the scan-geometry records the PMAC reads its trajectory from
type Geometry struct {
	Width   string `koanf:"width" yaml:"width"`
	Height  string `koanf:"height" yaml:"height"`
	XCenter string `koanf:"xCenter" yaml:"xCenter"`
	YCenter string `koanf:"yCenter" yaml:"yCenter"`
	XStep   string `koanf:"xStep" yaml:"xStep"`
	YStep   string `koanf:"yStep" yaml:"yStep"`
}

// Detector is a counting detector read over channels.  If Start is set it is
// written 1 to count and watched until it returns to 0; Readouts maps field
// names to the channels read afterwards.
type Detector struct {
	Start    string            `koanf:"start" yaml:"start"`
	Readouts map[string]string `koanf:"readouts" yaml:"readouts"`
}

// Config is the full table of channel names
type Config struct {
	PMAC    string `koanf:"pmac" yaml:"pmac"`
	Eiger   string `koanf:"eiger" yaml:"eiger"`
	Monitor string `koanf:"monitor" yaml:"monitor"`

	Suffixes Suffixes `koanf:"suffixes" yaml:"suffixes"`
	Geometry Geometry `koanf:"geometry" yaml:"geometry"`

	FlyCalcEnable  string `koanf:"flyCalcEnable" yaml:"flyCalcEnable"`
	StepCalcEnable string `koanf:"stepCalcEnable" yaml:"stepCalcEnable"`
	LaserFreq      string `koanf:"laserFreq" yaml:"laserFreq"`
	TriggerFreq    string `koanf:"triggerFreq" yaml:"triggerFreq"`

	Motors    map[string]motion.Axis `koanf:"motors" yaml:"motors"`
	Detectors map[string]Detector    `koanf:"detectors" yaml:"detectors"`
}

// DefaultSuffixes returns the suffixes of the 2-ID-D PMAC and Eiger IOCs
func DefaultSuffixes() Suffixes {
	return Suffixes{
		MotionMode:       "Motion_Program",
		MotionTrigger:    "Calc_Motion_Cmd.PROC",
		WF1000:           "writeWF_1000.VAL",
		WF1128:           "writeWF_1128.VAL",
		Acquire:          "cam1:Acquire",
		TriggerMode:      "cam1:TriggerMode",
		ManualTrigger:    "cam1:ManualTrigger",
		NumTriggers:      "cam1:NumTriggers",
		AcquirePeriod:    "cam1:AcquirePeriod",
		AcquireTime:      "cam1:AcquireTime",
		ChiStart:         "cam1:ChiStart",
		NumImages:        "cam1:NumImages",
		NumImagesPerFile: "cam1:FWNImagesPerFile",
		FWEnable:         "cam1:FWEnable",
		SaveFiles:        "cam1:SaveFiles",
		FWAutoRemove:     "cam1:FWAutoRemove",
		FilePath:         "cam1:FilePath",
		FWNamePattern:    "cam1:FWNamePattern",
	}
}

// DefaultConfig returns the Velociprobe channel table
func DefaultConfig() Config {
	return Config{
		PMAC:     "2iddTAU:pmac1:",
		Eiger:    "dp_eiger_xrd2:",
		Monitor:  "2iddf:9440:1:bi_1.VAL",
		Suffixes: DefaultSuffixes(),
		Geometry: Geometry{
			Width:   "2iddVELO:VP:ScanWidth.VAL",
			Height:  "2iddVELO:VP:ScanHeight.VAL",
			XCenter: "2iddVELO:VP:X_Center.VAL",
			YCenter: "2iddVELO:VP:Y_Center.VAL",
			XStep:   "2iddVELO:VP:X_Step_Size.VAL",
			YStep:   "2iddVELO:VP:Y_Step_Size.VAL",
		},
		FlyCalcEnable:  "2iddVELO:userCalcEnable.VAL",
		StepCalcEnable: "2iddf:userCalcEnable.VAL",
		LaserFreq:      "2iddVELO:afg:set_freq",
		TriggerFreq:    "2iddVELO:VP:Trigger_Freq.VAL",
		Motors: map[string]motion.Axis{
			"sm_px":    {PV: "2iddTAU:pmac1:M16"},
			"sm_py":    {PV: "2iddTAU:pmac1:M15"},
			"sm_pz":    {PV: "2iddVELO:m9"},
			"sm_theta": {PV: "2iddVELO:m10"},
			"xmotor":   {PV: "2iddVELO:m1"},
			"ymotor":   {PV: "2iddVELO:m2"},
		},
		Detectors: map[string]Detector{
			"scaler1f": {
				Start: "2iddf:scaler1.CNT",
				Readouts: map[string]string{
					"s2f": "2iddf:scaler1.S2",
					"s3f": "2iddf:scaler1.S3",
					"s4f": "2iddf:scaler1.S4",
					"s5f": "2iddf:scaler1.S5",
					"s7f": "2iddf:scaler1.S7",
				},
			},
			"interferometer": {
				Readouts: map[string]string{
					"int_sam_x1": "2iddTAU:pmac1:m7.RBV",
					"int_sam_y1": "2iddTAU:pmac1:m8.RBV",
				},
			},
		},
	}
}

// FlyerChannels are the resolved names of every channel the fly scan uses
type FlyerChannels struct {
	Monitor string

	MotionMode    string
	MotionTrigger string
	WF1000        string
	WF1128        string

	Acquire          string
	TriggerMode      string
	ManualTrigger    string
	NumTriggers      string
	AcquirePeriod    string
	AcquireTime      string
	ChiStart         string
	NumImages        string
	NumImagesPerFile string
	FWEnable         string
	SaveFiles        string
	FWAutoRemove     string
	FilePath         string
	FWNamePattern    string

	Geometry

	FlyCalcEnable  string
	StepCalcEnable string
	LaserFreq      string
	TriggerFreq    string
}

// Channels resolves the base addresses and suffixes into full channel names
func (c Config) Channels() FlyerChannels {
	s := c.Suffixes
	return FlyerChannels{
		Monitor:          c.Monitor,
		MotionMode:       c.PMAC + s.MotionMode,
		MotionTrigger:    c.PMAC + s.MotionTrigger,
		WF1000:           c.PMAC + s.WF1000,
		WF1128:           c.PMAC + s.WF1128,
		Acquire:          c.Eiger + s.Acquire,
		TriggerMode:      c.Eiger + s.TriggerMode,
		ManualTrigger:    c.Eiger + s.ManualTrigger,
		NumTriggers:      c.Eiger + s.NumTriggers,
		AcquirePeriod:    c.Eiger + s.AcquirePeriod,
		AcquireTime:      c.Eiger + s.AcquireTime,
		ChiStart:         c.Eiger + s.ChiStart,
		NumImages:        c.Eiger + s.NumImages,
		NumImagesPerFile: c.Eiger + s.NumImagesPerFile,
		FWEnable:         c.Eiger + s.FWEnable,
		SaveFiles:        c.Eiger + s.SaveFiles,
		FWAutoRemove:     c.Eiger + s.FWAutoRemove,
		FilePath:         c.Eiger + s.FilePath,
		FWNamePattern:    c.Eiger + s.FWNamePattern,
		Geometry:         c.Geometry,
		FlyCalcEnable:    c.FlyCalcEnable,
		StepCalcEnable:   c.StepCalcEnable,
		LaserFreq:        c.LaserFreq,
		TriggerFreq:      c.TriggerFreq,
	}
}

// Registry is the set of bound devices, built once and passed to scans
type Registry struct {
	Ch        channel.Channel
	Flyer     FlyerChannels
	Motors    *motion.Motors
	Detectors map[string]*ChannelDetector
}

// NewRegistry binds the configured devices to ch
func NewRegistry(ch channel.Channel, c Config) *Registry {
	r := &Registry{
		Ch:        ch,
		Flyer:     c.Channels(),
		Motors:    motion.NewMotors(ch, c.Motors),
		Detectors: make(map[string]*ChannelDetector, len(c.Detectors)),
	}
	for name, d := range c.Detectors {
		r.Detectors[name] = &ChannelDetector{Name: name, Ch: ch, Detector: d}
	}
	return r
}
