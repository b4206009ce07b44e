package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aps-velociprobe/golaborate/channel"
)

// ErrCountTimeout is generated when a detector does not finish counting
// before the context ends
var ErrCountTimeout = errors.New("detector did not finish counting")

// DefaultCountTimeout bounds one count when ChannelDetector.Timeout is zero
const DefaultCountTimeout = 30 * time.Second

// ChannelDetector triggers and reads a Detector over a channel
type ChannelDetector struct {
	Name    string
	Ch      channel.Channel
	Timeout time.Duration
	Detector
}

// Fields returns the sorted readout names
func (d *ChannelDetector) Fields() []string {
	out := make([]string, 0, len(d.Readouts))
	for k := range d.Readouts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Trigger counts, if the detector has a start channel, then reads every
// readout
func (d *ChannelDetector) Trigger(ctx context.Context) (map[string]float64, error) {
	if d.Start != "" {
		if err := d.count(ctx); err != nil {
			return nil, err
		}
	}
	out := make(map[string]float64, len(d.Readouts))
	for field, name := range d.Readouts {
		f, err := channel.ReadFloat(d.Ch, name)
		if err != nil {
			return nil, err
		}
		out[field] = f
	}
	return out, nil
}

func (d *ChannelDetector) count(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	counting := false
	sub, err := d.Ch.Subscribe(d.Start, func(_ string, v channel.Value, _ time.Time) {
		if v.Num != 0 {
			counting = true
			return
		}
		if counting {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		return err
	}
	defer d.Ch.Unsubscribe(sub)
	if err := d.Ch.Write(d.Start, channel.Float(1)); err != nil {
		return err
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultCountTimeout
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		// a short count can finish between polls of a slow channel
		if f, err := channel.ReadFloat(d.Ch, d.Start); err == nil && f == 0 {
			return nil
		}
		return fmt.Errorf("%s: %w after %v", d.Name, ErrCountTimeout, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %v", d.Name, ErrCountTimeout, ctx.Err())
	}
}
