package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/errs"
)

// PendingLease is the completion handle of a lease request.
//
// The pool resolves it exactly once, with an available entry, with a
// reserved slot, or with an error. The caller finalizes it with Get or
// Cancel; whatever was granted to a caller that gave up goes back to the
// pool.
type PendingLease[R comparable, C Conn] struct {
	pool    *Pool[R, C]
	route   R
	state   any
	started time.Time
	done    chan struct{}

	// guarded by pool.mu
	resolved   bool
	finalized  bool
	entry      *Entry[R, C]
	reserved   bool
	err        error
	routeElem  *list.Element
	globalElem *list.Element

	// serializes Get calls; a reserved slot is turned into a connection once
	getMu sync.Mutex
}

func newPendingLease[R comparable, C Conn](p *Pool[R, C], route R, state any) *PendingLease[R, C] {
	return &PendingLease[R, C]{
		pool:    p,
		route:   route,
		state:   state,
		started: p.now(),
		done:    make(chan struct{}),
	}
}

// resolve must be called with pool.mu held.
func (l *PendingLease[R, C]) resolve(e *Entry[R, C], reserved bool, err error) {
	if l.resolved {
		return
	}
	l.resolved = true
	l.entry, l.reserved, l.err = e, reserved, err
	close(l.done)
}

// Route returns the requested route.
func (l *PendingLease[R, C]) Route() R { return l.route }

// Done is closed once the pool has resolved the request.
func (l *PendingLease[R, C]) Done() <-chan struct{} { return l.done }

// Get waits for the request to resolve or ctx to end. A ctx deadline yields
// an errs.TimeoutError, a cancelled ctx errs.ErrLeaseCanceled. Once Get has
// returned, later calls return the same outcome.
func (l *PendingLease[R, C]) Get(ctx context.Context) (*Entry[R, C], error) {
	l.getMu.Lock()
	defer l.getMu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		var err error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = l.timeoutError()
		} else {
			err = errs.ErrLeaseCanceled
		}
		l.abandon(err)
	}
	return l.take(ctx)
}

// Cancel abandons the request. It returns false when the outcome was
// already delivered to Get.
func (l *PendingLease[R, C]) Cancel() bool {
	return l.abandon(errs.ErrLeaseCanceled)
}

// abandon finalizes the request with err unless Get already took it. An
// entry or slot granted in the meantime is handed back.
func (l *PendingLease[R, C]) abandon(err error) bool {
	p := l.pool
	var dead discards[R, C]

	p.mu.Lock()
	if l.finalized {
		p.mu.Unlock()
		return false
	}
	if l.err != nil {
		// already failed by the pool (shutdown), nothing to hand back
		l.finalized = true
		p.mu.Unlock()
		return true
	}
	l.finalized = true
	if !l.resolved {
		p.dequeue(l)
		l.resolve(nil, false, err)
		p.purge(p.routePool(l.route))
		p.mu.Unlock()
		return true
	}

	granted, reserved := l.entry, l.reserved
	l.entry, l.reserved, l.err = nil, false, err
	rp := p.routes[l.route]
	if reserved {
		rp.reserving--
		p.reserving--
	}
	if granted != nil {
		delete(rp.leased, granted)
		delete(p.leased, granted)
		if p.closed {
			dead.add(granted)
		} else {
			p.addAvailable(rp, granted)
		}
	}
	if !p.closed {
		p.dispatch(rp, &dead)
		p.purge(rp)
	}
	p.mu.Unlock()

	p.closeAll(dead)
	return true
}

// take delivers the resolved outcome, creating the connection for a
// reserved slot.
func (l *PendingLease[R, C]) take(ctx context.Context) (*Entry[R, C], error) {
	p := l.pool

	p.mu.Lock()
	if l.finalized {
		e, err := l.entry, l.err
		p.mu.Unlock()
		return e, err
	}
	l.finalized = true
	if !l.reserved {
		if p.closed && l.entry != nil {
			// granted before shutdown; the connection is already shut down
			delete(p.routes[l.route].leased, l.entry)
			delete(p.leased, l.entry)
			l.entry, l.err = nil, errs.ErrPoolShutdown
		}
		e, err := l.entry, l.err
		p.mu.Unlock()
		if e != nil {
			p.logger.WithFields(logrus.Fields{"id": e.id, "route": fmt.Sprint(l.route)}).Debug("connection leased")
		}
		return e, err
	}
	p.mu.Unlock()

	conn, err := p.factory.Create(ctx, l.route)

	var dead discards[R, C]
	p.mu.Lock()
	rp := p.routes[l.route]
	rp.reserving--
	p.reserving--
	l.reserved = false
	switch {
	case err != nil:
		l.err = err
		if !p.closed {
			p.dispatch(rp, &dead)
			p.purge(rp)
		}
	case p.closed:
		l.err = errs.ErrPoolShutdown
	default:
		l.entry = NewEntry(l.route, conn, l.state, p.now)
		p.markLeased(rp, l.entry)
	}
	e, lerr := l.entry, l.err
	p.mu.Unlock()

	p.closeAll(dead)
	if err == nil && lerr != nil {
		_ = conn.Shutdown()
	}
	if e != nil {
		p.logger.WithFields(logrus.Fields{"id": e.id, "route": fmt.Sprint(l.route)}).Debug("connection created")
	}
	return e, lerr
}

func (l *PendingLease[R, C]) timeoutError() error {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	te := &errs.TimeoutError{
		Route:  fmt.Sprint(l.route),
		Waited: p.now().Sub(l.started),
		Max:    p.maxFor(l.route),
	}
	if rp, ok := p.routes[l.route]; ok {
		te.Leased = len(rp.leased) + rp.reserving
		te.Available = rp.available.Len()
		te.Pending = rp.pending.Len()
	}
	return te
}
