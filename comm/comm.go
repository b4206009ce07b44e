/*
Package comm provides the transport beneath the channel gateway client.

A gateway is reached either over TCP or a serial line.  Dial opens either kind
of link with an exponential backoff, since gateways on the beamline network do
not like being connection thrashed, and Pool keeps a small number of those
links open and reclaims them when idle.

Exchange implements the one request, one response line discipline the gateway
speaks:

	pool := comm.NewPool(2, 30*time.Second, func() (io.ReadWriteCloser, error) {
		return comm.Dial(comm.Link{Addr: "gw:5064"})
	})
	resp, err := pool.Exchange("GET 2iddf:9440:1:bi_1.VAL")
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// Terminator ends every line sent to and received from a gateway
	Terminator = byte('\n')

	// DefaultTimeout bounds connect, read and write on a TCP link
	DefaultTimeout = 3 * time.Second

	// DefaultBaud is the serial link speed when Link.Baud is zero
	DefaultBaud = 115200
)

var (
	// ErrNotConnected is generated when a nil connection is used
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Link describes how to reach a gateway
type Link struct {
	// Addr is host:port for TCP, or a device path such as /dev/ttyS0 for serial
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial selects a serial link instead of TCP
	Serial bool `koanf:"serial" yaml:"serial"`

	// Baud is the serial speed
	Baud int `koanf:"baud" yaml:"baud"`

	// Timeout bounds connect and each read and write
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

func (l Link) timeout() time.Duration {
	if l.Timeout <= 0 {
		return DefaultTimeout
	}
	return l.Timeout
}

// SerialConf yields a config suitable for serial.OpenPort
func (l Link) SerialConf() *serial.Config {
	baud := l.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        l.Addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: l.timeout(),
	}
}

// Dial opens the link, retrying with an exponential backoff.  A refused
// connection is not retried.
func Dial(l Link) (io.ReadWriteCloser, error) {
	var conn io.ReadWriteCloser
	op := func() error {
		var err error
		if l.Serial {
			conn, err = serial.OpenPort(l.SerialConf())
		} else {
			conn, err = TCPSetup(l.Addr, l.timeout())
		}
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "refused") {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      l.timeout(),
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.Addr, err)
	}
	return conn, nil
}

// deadliner is satisfied by net.Conn
type deadliner interface {
	SetDeadline(time.Time) error
}

// TCPSetup opens a new TCP connection with a timeout on connect
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return &timedConn{Conn: conn, timeout: timeout}, nil
}

// timedConn refreshes its deadline before every exchange so a pooled
// connection does not expire while idle
type timedConn struct {
	net.Conn
	timeout time.Duration
}

func (c *timedConn) SetDeadline(time.Time) error {
	return c.Conn.SetDeadline(time.Now().Add(c.timeout))
}

// ExchangeLine writes one line and reads one line back, with the terminator
// stripped
func ExchangeLine(rw io.ReadWriter, line string) (string, error) {
	if rw == nil {
		return "", ErrNotConnected
	}
	if d, ok := rw.(deadliner); ok {
		d.SetDeadline(time.Time{})
	}
	b := append([]byte(line), Terminator)
	if _, err := rw.Write(b); err != nil {
		return "", err
	}
	buf, err := bufio.NewReader(rw).ReadBytes(Terminator)
	if err != nil {
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			return "", ErrTerminatorNotFound
		}
		return "", err
	}
	buf = bytes.TrimSuffix(buf, []byte{Terminator})
	buf = bytes.TrimSuffix(buf, []byte{'\r'})
	return string(buf), nil
}
