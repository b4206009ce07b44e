package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new connection.  A closure
// should be used to encapsulate the variables needed, usually a Link
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a gateway that are closed when not
// in use for a while and re-opened as needed.  It is concurrent safe.  Pools
// must be created with NewPool.
type Pool struct {
	maxSize int
	timeout time.Duration
	maker   CreationFunc

	slots chan struct{}           // one token per connection that may exist
	idle  chan io.ReadWriteCloser // connections ready for reuse

	mu    sync.Mutex
	timer *time.Timer
}

// NewPool creates a pool of at most maxSize connections, which are closed
// once all are idle for timeout
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		maker:   maker,
		slots:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  There is no contention for the returned connection.
//
// When done with it, return it with Put, or discard it with Destroy if it
// has gone bad.  If the error from Get is not nil there is nothing to return.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.stopReclaim()
	select {
	case c := <-p.idle:
		return c, nil
	case p.slots <- struct{}{}:
	}
	// a slot opened, but a connection may have been returned meanwhile
	select {
	case c := <-p.idle:
		<-p.slots
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool
func (p *Pool) Put(rw io.ReadWriter) {
	p.idle <- rw.(io.ReadWriteCloser)
	if len(p.idle) == len(p.slots) {
		p.startReclaim()
	}
}

// Destroy immediately closes a connection and frees its slot.  This should
// be used instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.slots
}

// Size returns the number of open connections, idle or leased
func (p *Pool) Size() int {
	return len(p.slots)
}

// Active returns the number of connections currently leased
func (p *Pool) Active() int {
	return len(p.slots) - len(p.idle)
}

// Exchange leases a connection, sends line and returns the response line.
// Connections that fail the exchange are destroyed rather than reused.
func (p *Pool) Exchange(line string) (string, error) {
	conn, err := p.Get()
	if err != nil {
		return "", err
	}
	resp, err := ExchangeLine(conn, line)
	if err != nil {
		p.Destroy(conn)
		return "", err
	}
	p.Put(conn)
	return resp, nil
}

// Close closes every idle connection
func (p *Pool) Close() error {
	p.stopReclaim()
	p.drain()
	return nil
}

func (p *Pool) drain() {
	for {
		select {
		case c := <-p.idle:
			c.Close()
			<-p.slots
		default:
			return
		}
	}
}

func (p *Pool) startReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.timeout, p.drain)
}

func (p *Pool) stopReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
