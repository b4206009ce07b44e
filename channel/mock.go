package channel

import (
	"errors"
	"sync"
	"time"
)

// ErrNoSuchChannel is returned by Mock for reads of a channel that was never
// written
var ErrNoSuchChannel = errors.New("no such channel")

// Put is one recorded write to a Mock
type Put struct {
	Name  string
	Value Value
}

type event struct {
	name string
	v    Value
	ts   time.Time
}

// mockSub delivers events in order on its own goroutine so a slow or
// re-entrant callback never holds the Mock's lock
type mockSub struct {
	cb   Callback
	mu   sync.Mutex
	q    []event
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newMockSub(cb Callback) *mockSub {
	s := &mockSub{
		cb:   cb,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *mockSub) push(e event) {
	s.mu.Lock()
	s.q = append(s.q, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *mockSub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.q) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.q[0]
			s.q = s.q[1:]
			s.mu.Unlock()
			select {
			case <-s.done:
				return
			default:
			}
			s.cb(e.name, e.v, e.ts)
		}
	}
}

func (s *mockSub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Mock is an in-memory Channel.  Writes are recorded, subscribers are
// notified of every change, and hooks installed with OnWrite let tests and dry
// runs emulate hardware reacting to a command.
type Mock struct {
	sync.Mutex
	values    map[string]Value
	subs      map[string]map[uint64]*mockSub
	hooks     map[string][]func(Value)
	readErrs  map[string]error
	writeErrs map[string]error
	puts      []Put
	next      uint64
}

// NewMock returns an empty Mock
func NewMock() *Mock {
	return &Mock{
		values:    make(map[string]Value),
		subs:      make(map[string]map[uint64]*mockSub),
		hooks:     make(map[string][]func(Value)),
		readErrs:  make(map[string]error),
		writeErrs: make(map[string]error),
	}
}

// Read returns the last value written or set
func (m *Mock) Read(name string) (Value, error) {
	m.Lock()
	defer m.Unlock()
	if err, ok := m.readErrs[name]; ok {
		return Value{}, err
	}
	v, ok := m.values[name]
	if !ok {
		return Value{}, &Error{Op: "get", Name: name, Err: ErrNoSuchChannel}
	}
	return v, nil
}

// Write stores v, records the put, notifies subscribers and runs hooks
func (m *Mock) Write(name string, v Value) error {
	m.Lock()
	if err, ok := m.writeErrs[name]; ok {
		m.Unlock()
		return err
	}
	m.puts = append(m.puts, Put{Name: name, Value: v})
	hooks := append([]func(Value){}, m.hooks[name]...)
	m.Unlock()
	m.Set(name, v)
	for _, h := range hooks {
		h(v)
	}
	return nil
}

// Set changes a channel's value without recording a put or running hooks, as
// the hardware itself would
func (m *Mock) Set(name string, v Value) {
	now := time.Now()
	m.Lock()
	m.values[name] = v
	subs := make([]*mockSub, 0, len(m.subs[name]))
	for _, s := range m.subs[name] {
		subs = append(subs, s)
	}
	m.Unlock()
	for _, s := range subs {
		s.push(event{name: name, v: v, ts: now})
	}
}

// Subscribe delivers the current value, if there is one, then every change
func (m *Mock) Subscribe(name string, cb Callback) (Subscription, error) {
	m.Lock()
	defer m.Unlock()
	if err, ok := m.readErrs[name]; ok {
		return Subscription{}, err
	}
	m.next++
	s := newMockSub(cb)
	if m.subs[name] == nil {
		m.subs[name] = make(map[uint64]*mockSub)
	}
	m.subs[name][m.next] = s
	if v, ok := m.values[name]; ok {
		s.push(event{name: name, v: v, ts: time.Now()})
	}
	return Subscription{Name: name, ID: m.next}, nil
}

// Unsubscribe stops delivery.  Unknown subscriptions are ignored.
func (m *Mock) Unsubscribe(sub Subscription) error {
	m.Lock()
	defer m.Unlock()
	if s, ok := m.subs[sub.Name][sub.ID]; ok {
		s.stop()
		delete(m.subs[sub.Name], sub.ID)
	}
	return nil
}

// Subscribers returns the number of live subscriptions on a channel
func (m *Mock) Subscribers(name string) int {
	m.Lock()
	defer m.Unlock()
	return len(m.subs[name])
}

// OnWrite registers a hook run after every write to name
func (m *Mock) OnWrite(name string, hook func(Value)) {
	m.Lock()
	defer m.Unlock()
	m.hooks[name] = append(m.hooks[name], hook)
}

// FailWrites makes writes to name return err; a nil err clears the failure
func (m *Mock) FailWrites(name string, err error) {
	m.Lock()
	defer m.Unlock()
	if err == nil {
		delete(m.writeErrs, name)
		return
	}
	m.writeErrs[name] = err
}

// FailReads makes reads of and subscriptions to name return err; a nil err
// clears the failure
func (m *Mock) FailReads(name string, err error) {
	m.Lock()
	defer m.Unlock()
	if err == nil {
		delete(m.readErrs, name)
		return
	}
	m.readErrs[name] = err
}

// Puts returns a copy of every recorded write, oldest first
func (m *Mock) Puts() []Put {
	m.Lock()
	defer m.Unlock()
	return append([]Put{}, m.puts...)
}

// LastPut returns the most recent value written to name
func (m *Mock) LastPut(name string) (Value, bool) {
	m.Lock()
	defer m.Unlock()
	for i := len(m.puts) - 1; i >= 0; i-- {
		if m.puts[i].Name == name {
			return m.puts[i].Value, true
		}
	}
	return Value{}, false
}
