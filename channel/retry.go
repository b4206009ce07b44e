package channel

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Retrying wraps a Channel and retries temporary failures with an exponential
// backoff.  Permanent failures are returned immediately.
type Retrying struct {
	Channel

	// InitialInterval is the first wait between attempts
	InitialInterval time.Duration

	// MaxElapsedTime bounds the total time spent on one operation
	MaxElapsedTime time.Duration

	// MaxRetries bounds the number of retries, 0 for no bound beyond MaxElapsedTime
	MaxRetries uint64
}

// NewRetrying wraps c with the default policy of 25ms initial wait, 3s total,
// and 5 retries
func NewRetrying(c Channel) *Retrying {
	return &Retrying{
		Channel:         c,
		InitialInterval: 25 * time.Millisecond,
		MaxElapsedTime:  3 * time.Second,
		MaxRetries:      5,
	}
}

func (r *Retrying) policy() backoff.BackOff {
	var b backoff.BackOff = &backoff.ExponentialBackOff{
		InitialInterval:     r.InitialInterval,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      r.MaxElapsedTime,
		Clock:               backoff.SystemClock}
	if r.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, r.MaxRetries)
	}
	return b
}

func (r *Retrying) retry(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !IsTemporary(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy())
}

// Read reads with retries
func (r *Retrying) Read(name string) (Value, error) {
	var v Value
	err := r.retry(func() error {
		var err error
		v, err = r.Channel.Read(name)
		return err
	})
	return v, err
}

// Write writes with retries
func (r *Retrying) Write(name string, v Value) error {
	return r.retry(func() error {
		return r.Channel.Write(name, v)
	})
}

// Subscribe subscribes with retries
func (r *Retrying) Subscribe(name string, cb Callback) (Subscription, error) {
	var s Subscription
	err := r.retry(func() error {
		var err error
		s, err = r.Channel.Subscribe(name, cb)
		return err
	})
	return s, err
}
