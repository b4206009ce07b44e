package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPoll is the interval at which Gateway polls subscribed channels
const DefaultPoll = 50 * time.Millisecond

// Exchanger sends one request line and returns one response line.
// *comm.Pool satisfies it.
type Exchanger interface {
	Exchange(string) (string, error)
}

// Gateway is a Channel backed by a line-oriented channel gateway.  Requests
// are "GET <name>", answered with the value, and "PUT <name> <value>",
// answered with "OK".  Either may be answered with "ERR <message>".
//
// The gateway has no push, so subscriptions poll at Poll and call back when
// the value changes.
type Gateway struct {
	Conn Exchanger
	Poll time.Duration

	mu   sync.Mutex
	next uint64
	subs map[uint64]context.CancelFunc
}

// NewGateway returns a Gateway polling at DefaultPoll
func NewGateway(conn Exchanger) *Gateway {
	return &Gateway{Conn: conn, Poll: DefaultPoll, subs: make(map[uint64]context.CancelFunc)}
}

func (g *Gateway) exchange(op, name, line string) (string, error) {
	resp, err := g.Conn.Exchange(line)
	if err != nil {
		return "", &Error{Op: op, Name: name, Err: err, Temporary: true}
	}
	if strings.HasPrefix(resp, "ERR") {
		msg := strings.TrimSpace(strings.TrimPrefix(resp, "ERR"))
		return "", &Error{Op: op, Name: name, Err: errors.New(msg)}
	}
	return resp, nil
}

// Read gets a channel's value
func (g *Gateway) Read(name string) (Value, error) {
	resp, err := g.exchange("get", name, "GET "+name)
	if err != nil {
		return Value{}, err
	}
	v, err := ParseValue(strings.TrimSpace(resp))
	if err != nil {
		return Value{}, &Error{Op: "get", Name: name, Err: fmt.Errorf("malformed response %q: %w", resp, err)}
	}
	return v, nil
}

// Write puts a value to a channel
func (g *Gateway) Write(name string, v Value) error {
	resp, err := g.exchange("put", name, "PUT "+name+" "+v.String())
	if err != nil {
		return err
	}
	if strings.TrimSpace(resp) != "OK" {
		return &Error{Op: "put", Name: name, Err: fmt.Errorf("unexpected response %q", resp)}
	}
	return nil
}

// Subscribe reads the channel once, delivering the value, then polls it for
// changes until Unsubscribe
func (g *Gateway) Subscribe(name string, cb Callback) (Subscription, error) {
	v, err := g.Read(name)
	if err != nil {
		return Subscription{}, &Error{Op: "subscribe", Name: name, Err: err, Temporary: IsTemporary(err)}
	}
	poll := g.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	if g.subs == nil {
		g.subs = make(map[uint64]context.CancelFunc)
	}
	g.next++
	id := g.next
	g.subs[id] = cancel
	g.mu.Unlock()

	go func() {
		cb(name, v, time.Now())
		last := v
		lim := rate.NewLimiter(rate.Every(poll), 1)
		lim.Allow() // the initial read spent the first token
		for {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			cur, err := g.Read(name)
			if err != nil {
				log.Printf("poll %s: %v", name, err)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if !cur.Equal(last) {
				last = cur
				cb(name, cur, time.Now())
			}
		}
	}()
	return Subscription{Name: name, ID: id}, nil
}

// Unsubscribe stops polling.  Unknown subscriptions are ignored.
func (g *Gateway) Unsubscribe(s Subscription) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cancel, ok := g.subs[s.ID]; ok {
		cancel()
		delete(g.subs, s.ID)
	}
	return nil
}

// Close stops every subscription
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, cancel := range g.subs {
		cancel()
		delete(g.subs, id)
	}
	return nil
}
