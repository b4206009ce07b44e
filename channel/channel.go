// Package channel describes the control-system process variables ("channels")
// that Velociprobe hardware is driven through.  A Channel can read, write and
// subscribe to a named variable; everything above this package talks to
// motors and detectors only through that interface.
//
// Three implementations are provided: Mock, an in-memory store for tests and
// dry runs; Gateway, a client for a line-oriented channel gateway reached over
// TCP or serial; and Retrying, which wraps another Channel and retries
// transient failures a bounded number of times.
package channel

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnavailable is wrapped by every error that comes from a failed read,
// write, or subscribe
var ErrUnavailable = errors.New("channel unavailable")

// Error is a failed operation on a named channel
type Error struct {
	// Op is the operation, one of "get", "put", "subscribe", "unsubscribe"
	Op string

	// Name is the channel name
	Name string

	// Err is the underlying cause
	Err error

	// Temporary is true if retrying the operation may succeed
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Name, ErrUnavailable, e.Err)
}

// Unwrap returns the cause
func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrUnavailable
func (e *Error) Is(target error) bool { return target == ErrUnavailable }

// IsTemporary returns true if err is a *Error marked temporary
func IsTemporary(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Temporary
	}
	return false
}

// Value holds the value of a channel, which is either a number or a string
type Value struct {
	Num   float64
	Str   string
	IsStr bool
}

// Float returns a numeric Value
func Float(f float64) Value { return Value{Num: f} }

// Int returns a numeric Value from an int
func Int(i int) Value { return Value{Num: float64(i)} }

// String returns a string Value
func String(s string) Value { return Value{Str: s, IsStr: true} }

// Float64 returns the numeric value, parsing strings if needed
func (v Value) Float64() (float64, error) {
	if !v.IsStr {
		return v.Num, nil
	}
	return strconv.ParseFloat(v.Str, 64)
}

// String renders the value for logs and the gateway wire format
func (v Value) String() string {
	if v.IsStr {
		return strconv.Quote(v.Str)
	}
	return strconv.FormatFloat(v.Num, 'g', -1, 64)
}

// Equal compares two values
func (v Value) Equal(o Value) bool {
	return v.IsStr == o.IsStr && v.Num == o.Num && v.Str == o.Str
}

// ParseValue is the inverse of Value.String
func ParseValue(s string) (Value, error) {
	if len(s) > 0 && s[0] == '"' {
		str, err := strconv.Unquote(s)
		if err != nil {
			return Value{}, err
		}
		return String(str), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, err
	}
	return Float(f), nil
}

// Callback is invoked with every change of a subscribed channel.  Callbacks
// run on a goroutine owned by the Channel implementation, never the
// subscriber's.  Updates for one subscription are delivered in order.
type Callback func(name string, v Value, ts time.Time)

// Subscription is the handle returned by Subscribe
type Subscription struct {
	Name string
	ID   uint64
}

// Channel is the capability to read, write and watch named channels
type Channel interface {
	// Read gets the current value of a channel
	Read(string) (Value, error)

	// Write puts a value to a channel
	Write(string, Value) error

	// Subscribe calls cb with the current value and then every change
	Subscribe(string, Callback) (Subscription, error)

	// Unsubscribe stops delivery to a subscription
	Unsubscribe(Subscription) error
}

// ReadFloat reads a channel as a float64
func ReadFloat(c Channel, name string) (float64, error) {
	v, err := c.Read(name)
	if err != nil {
		return 0, err
	}
	f, err := v.Float64()
	if err != nil {
		return 0, &Error{Op: "get", Name: name, Err: err}
	}
	return f, nil
}
