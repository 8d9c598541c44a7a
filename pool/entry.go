package pool

import (
	"container/list"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Conn is what the pool needs from a pooled connection.
type Conn interface {
	Close() error
	Shutdown() error
	IsOpen() bool
	IsStale() bool
}

// Entry pairs one physical connection with its route and reuse metadata.
//
// An entry is owned by its pool while available and by exactly one lease
// holder while leased. The holder may change state, expiry and the
// route-complete flag; the pool reads them only after the entry is
// released.
type Entry[R comparable, C Conn] struct {
	id      string
	route   R
	conn    C
	created time.Time
	now     func() time.Time

	state         any
	updated       time.Time
	expiry        time.Time // zero: never expires
	routeComplete bool

	// pool bookkeeping, guarded by the pool lock
	routeElem  *list.Element
	globalElem *list.Element
}

// NewEntry wraps conn for route. Pools create their entries themselves;
// NewEntry serves managers that hold a connection outside a Pool.
func NewEntry[R comparable, C Conn](route R, conn C, state any, now func() time.Time) *Entry[R, C] {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Entry[R, C]{
		id:      uuid.NewString(),
		route:   route,
		conn:    conn,
		created: t,
		updated: t,
		now:     now,
		state:   state,
	}
}

func (e *Entry[R, C]) ID() string { return e.id }
func (e *Entry[R, C]) Route() R { return e.route }
func (e *Entry[R, C]) Conn() C { return e.conn }
func (e *Entry[R, C]) Created() time.Time { return e.created }
func (e *Entry[R, C]) Updated() time.Time { return e.updated }
func (e *Entry[R, C]) Expiry() time.Time { return e.expiry }
func (e *Entry[R, C]) State() any { return e.state }
func (e *Entry[R, C]) SetState(state any) { e.state = state }
func (e *Entry[R, C]) IsRouteComplete() bool { return e.routeComplete }

// MarkRouteComplete records that the full hop chain has been established on
// this connection.
func (e *Entry[R, C]) MarkRouteComplete() { e.routeComplete = true }

// UpdateExpiry stamps the entry as used now and sets its expiry keepAlive
// from now. A non-positive keepAlive pins the entry: it never expires.
func (e *Entry[R, C]) UpdateExpiry(keepAlive time.Duration) {
	e.updated = e.now()
	if keepAlive > 0 {
		e.expiry = e.updated.Add(keepAlive)
	} else {
		e.expiry = time.Time{}
	}
}

// IsExpired reports whether the entry must no longer be reused at now.
func (e *Entry[R, C]) IsExpired(now time.Time) bool {
	return !e.expiry.IsZero() && !now.Before(e.expiry)
}

// IsPinned reports whether the entry carries an unbounded keep-alive.
// Pinned entries are exempt from expiry and idle sweeps.
func (e *Entry[R, C]) IsPinned() bool {
	return e.expiry.IsZero()
}

func (e *Entry[R, C]) String() string {
	return fmt.Sprintf("[id:%s][route:%v][state:%v]", e.id, e.route, e.state)
}

// SameState compares opaque lease states. Values of non-comparable types
// never match, so such states never share connections.
func SameState(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}
