package flyscan

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes fly scan metrics to prometheus.  A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	State              prometheus.Gauge
	Scans              *prometheus.CounterVec
	ScanDuration       prometheus.Histogram
	MotionStartLatency prometheus.Histogram
	Images             prometheus.Counter
}

// NewMetrics registers fly scan metrics against reg, or the default
// registerer if reg is nil
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flyscan_state",
			Help: "Current state of the fly scan coordinator; 0 idle, 1 configuring, 2 armed, 3 scanning, 4 completing, 5 faulted.",
		}),
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flyscan_scans_total",
			Help: "Fly scans by result.",
		}, []string{"result"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flyscan_duration_seconds",
			Help:    "Time from the monitor reporting scanning to it reporting done.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		MotionStartLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flyscan_motion_start_latency_seconds",
			Help:    "Time from writing the motion trigger to the monitor reporting scanning.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Images: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flyscan_images_total",
			Help: "Images requested of the detector by completed fly scans.",
		}),
	}
	for name, c := range map[string]prometheus.Collector{
		"flyscan_state":                        m.State,
		"flyscan_scans_total":                  m.Scans,
		"flyscan_duration_seconds":             m.ScanDuration,
		"flyscan_motion_start_latency_seconds": m.MotionStartLatency,
		"flyscan_images_total":                 m.Images,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return m, nil
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.State.Set(float64(s))
}

func (m *Metrics) result(r string) {
	if m == nil {
		return
	}
	m.Scans.WithLabelValues(r).Inc()
}

func (m *Metrics) motionStarted(secs float64) {
	if m == nil {
		return
	}
	m.MotionStartLatency.Observe(secs)
}

func (m *Metrics) completed(secs float64, images int) {
	if m == nil {
		return
	}
	m.ScanDuration.Observe(secs)
	m.Images.Add(float64(images))
}
