// Package locker provides an HTTP middleware which refuses requests with 423
// (locked) while the hardware behind them is in use
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aps-velociprobe/golaborate/generichttp"
)

// Inject adds a lock route to a route table which is used to manipulate the
// locker
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock/status"}] = l.HTTPStatus
}

// Status is who holds the lock and since when
type Status struct {
	Locked bool      `json:"locked"`
	Owner  string    `json:"owner,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Locker is a type which behaves like a sync.Mutex without the blocking, and
// holds a list of paths not to protect
type Locker struct {
	mu   sync.Mutex
	stat Status

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock" and
// "endpoints"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock", "endpoints"}}
}

// TryLock takes the lock for owner, returning false if it is already held
func (l *Locker) TryLock(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stat.Locked {
		return false
	}
	l.stat = Status{Locked: true, Owner: owner, Since: time.Now()}
	return true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	l.stat = Status{}
	l.mu.Unlock()
}

// Status returns the current holder of the lock
func (l *Locker) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stat
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	return l.Status().Locked
}

func (l *Locker) protects(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return false
	}
	for _, str := range l.DoNotProtect {
		if strings.Contains(r.URL.Path, str) {
			return false
		}
	}
	return true
}

func refuse(w http.ResponseWriter, s Status) {
	http.Error(w, "locked by "+s.Owner+" since "+s.Since.Format(time.RFC3339), http.StatusLocked)
}

// Check is an HTTP middleware that returns http.StatusLocked for protected
// requests while the locker is locked, otherwise passes down the line.  Reads
// are never protected.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.protects(r) {
			if s := l.Status(); s.Locked {
				refuse(w, s)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Hold is an HTTP middleware that takes the lock for the length of each
// protected request, or returns http.StatusLocked if it is held
func (l *Locker) Hold(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.protects(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !l.TryLock(r.URL.Path) {
			refuse(w, l.Status())
			return
		}
		defer l.Unlock()
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks based on json:bool on the request body.  An
// operator lock is owned by the remote address.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !b.Bool {
		l.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	}
	if !l.TryLock(r.RemoteAddr) {
		refuse(w, l.Status())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}

// HTTPStatus returns the full Status as JSON
func (l *Locker) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, l.Status())
}
