// Package pool implements a route-partitioned connection pool with global
// and per-route capacity limits and a fair wait queue.
//
// Every route has its own partition:
//
//	route A: leased{e1,e2}  available[e3]      pending[l1]
//	route B: leased{e4}     available[e5,e6]   pending[]
//	global:  available LRU [e5 e3 e6]          pending [l1]
//
// A lease request is admitted in this order:
//  1. reuse an available entry of the route with the same state (most recently used first)
//  2. if the route is at its cap, close idle entries of the route held for other states
//  3. reserve a slot if both caps allow, closing the globally oldest idle entry
//     when only the global cap is in the way
//  4. otherwise queue, in arrival order, behind earlier requests for the route
//
// A reserved slot is turned into a connection by the waiter itself, outside
// the pool lock, so a slow factory never stalls other routes.
//
// All bookkeeping sits behind one mutex. Closing connections and calling the
// factory happen after it is released.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/errs"
)

// Factory creates the connection for a newly admitted entry.
type Factory[R comparable, C Conn] interface {
	Create(ctx context.Context, route R) (C, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc[R comparable, C Conn] func(ctx context.Context, route R) (C, error)

// Create implements Factory.
func (f FactoryFunc[R, C]) Create(ctx context.Context, route R) (C, error) {
	return f(ctx, route)
}

// Stats is a snapshot of pool counters. Leased includes slots reserved for
// connections still being created.
type Stats struct {
	Leased    int
	Pending   int
	Available int
	Max       int
}

func (s Stats) String() string {
	return fmt.Sprintf("[leased: %d; pending: %d; available: %d; max: %d]", s.Leased, s.Pending, s.Available, s.Max)
}

type options struct {
	logger logrus.FieldLogger
	now    func() time.Time
}

// Option configures a Pool.
type Option func(*options)

// WithLogger sets the logger. The default is logrus.StandardLogger().
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type routePool[R comparable, C Conn] struct {
	route     R
	leased    map[*Entry[R, C]]struct{}
	available *list.List // front: most recently released
	pending   *list.List // *PendingLease in arrival order
	reserving int
}

func (rp *routePool[R, C]) allocated() int {
	return len(rp.leased) + rp.available.Len() + rp.reserving
}

func (rp *routePool[R, C]) empty() bool {
	return rp.allocated() == 0 && rp.pending.Len() == 0
}

// Pool is a connection pool keyed by route R holding connections C.
type Pool[R comparable, C Conn] struct {
	factory Factory[R, C]
	logger  logrus.FieldLogger
	now     func() time.Time

	mu                 sync.Mutex
	routes             map[R]*routePool[R, C]
	leased             map[*Entry[R, C]]struct{}
	available          *list.List // front: least recently released
	pending            *list.List // *PendingLease in arrival order
	reserving          int
	maxPerRoute        map[R]int
	defaultMaxPerRoute int
	maxTotal           int
	closed             bool
}

// New creates a pool. Both limits must be positive.
func New[R comparable, C Conn](factory Factory[R, C], defaultMaxPerRoute, maxTotal int, opts ...Option) (*Pool[R, C], error) {
	if defaultMaxPerRoute <= 0 || maxTotal <= 0 {
		return nil, errs.Usage("new pool", "", fmt.Errorf("%w (per route %d, total %d)", errs.ErrInvalidLimits, defaultMaxPerRoute, maxTotal))
	}
	o := options{logger: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[R, C]{
		factory:            factory,
		logger:             o.logger,
		now:                o.now,
		routes:             make(map[R]*routePool[R, C]),
		leased:             make(map[*Entry[R, C]]struct{}),
		available:          list.New(),
		pending:            list.New(),
		maxPerRoute:        make(map[R]int),
		defaultMaxPerRoute: defaultMaxPerRoute,
		maxTotal:           maxTotal,
	}, nil
}

// discards collects entries removed under the lock, to be closed after it
// is released.
type discards[R comparable, C Conn] []*Entry[R, C]

func (d *discards[R, C]) add(e *Entry[R, C]) { *d = append(*d, e) }

// Lease requests a connection for route with the given state. The returned
// request is resolved immediately when capacity allows, otherwise when a
// matching entry is released or a slot frees up.
func (p *Pool[R, C]) Lease(route R, state any) *PendingLease[R, C] {
	l := newPendingLease(p, route, state)

	var dead discards[R, C]
	p.mu.Lock()
	if p.closed {
		l.resolve(nil, false, errs.ErrPoolShutdown)
		p.mu.Unlock()
		return l
	}
	rp := p.routePool(route)
	switch {
	case rp.pending.Len() > 0:
		// A new request never overtakes requests already queued for its
		// route: queue it and serve the route in arrival order.
		p.enqueue(rp, l)
		p.dispatch(rp, &dead)
	case !p.tryGrant(rp, l, &dead):
		p.enqueue(rp, l)
	}
	p.mu.Unlock()

	p.closeAll(dead)
	return l
}

// Release hands a leased entry back. A reusable entry with an open,
// unexpired connection becomes available to its route; anything else is
// closed and its slot freed.
func (p *Pool[R, C]) Release(e *Entry[R, C], reusable bool) error {
	var dead discards[R, C]
	p.mu.Lock()
	rp, ok := p.routes[e.route]
	if _, leased := p.leased[e]; !ok || !leased {
		p.mu.Unlock()
		return errs.Usage("release", fmt.Sprint(e.route), errs.ErrForeignConnection)
	}
	delete(rp.leased, e)
	delete(p.leased, e)

	now := p.now()
	kept := false
	switch {
	case p.closed:
		dead.add(e)
	case reusable && e.conn.IsOpen() && !e.IsExpired(now):
		e.updated = now
		p.addAvailable(rp, e)
		kept = true
	default:
		dead.add(e)
	}
	if !p.closed {
		p.dispatch(rp, &dead)
		p.purge(rp)
	}
	stats := p.totalStatsLocked()
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"id":    e.id,
		"route": fmt.Sprint(e.route),
		"kept":  kept,
		"total": stats.String(),
	}).Debug("connection released")
	p.closeAll(dead)
	return nil
}

// CloseExpired closes available entries whose expiry has passed.
func (p *Pool[R, C]) CloseExpired() {
	now := p.now()
	p.sweep(func(e *Entry[R, C]) bool { return e.IsExpired(now) })
}

// CloseIdle closes available entries released more than idle ago. Pinned
// entries are kept.
func (p *Pool[R, C]) CloseIdle(idle time.Duration) {
	if idle < 0 {
		idle = 0
	}
	deadline := p.now().Add(-idle)
	p.sweep(func(e *Entry[R, C]) bool { return !e.IsPinned() && !e.updated.After(deadline) })
}

func (p *Pool[R, C]) sweep(evict func(*Entry[R, C]) bool) {
	var dead discards[R, C]
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	for el := p.available.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry[R, C])
		if evict(e) {
			p.removeAvailable(e)
			dead.add(e)
		}
		el = next
	}
	if len(dead) > 0 {
		p.dispatch(nil, &dead)
		for _, rp := range p.routes {
			p.purge(rp)
		}
	}
	p.mu.Unlock()
	p.closeAll(dead)
}

// SetMaxTotal changes the global cap. Leased entries above a shrunk cap are
// kept; the cap only constrains admission.
func (p *Pool[R, C]) SetMaxTotal(n int) error {
	if n <= 0 {
		return errs.Usage("set max total", "", fmt.Errorf("%w: max total %d", errs.ErrInvalidLimits, n))
	}
	p.updateLimits(func() { p.maxTotal = n })
	return nil
}

// SetDefaultMaxPerRoute changes the cap of routes without their own limit.
func (p *Pool[R, C]) SetDefaultMaxPerRoute(n int) error {
	if n <= 0 {
		return errs.Usage("set default max per route", "", fmt.Errorf("%w: max per route %d", errs.ErrInvalidLimits, n))
	}
	p.updateLimits(func() { p.defaultMaxPerRoute = n })
	return nil
}

// SetMaxPerRoute sets the cap of one route. n <= 0 restores the default.
func (p *Pool[R, C]) SetMaxPerRoute(route R, n int) {
	p.updateLimits(func() {
		if n <= 0 {
			delete(p.maxPerRoute, route)
			return
		}
		p.maxPerRoute[route] = n
	})
}

func (p *Pool[R, C]) updateLimits(fn func()) {
	var dead discards[R, C]
	p.mu.Lock()
	fn()
	if !p.closed {
		p.dispatch(nil, &dead)
	}
	p.mu.Unlock()
	p.closeAll(dead)
}

// MaxTotal returns the global cap.
func (p *Pool[R, C]) MaxTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxTotal
}

// DefaultMaxPerRoute returns the default per-route cap.
func (p *Pool[R, C]) DefaultMaxPerRoute() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defaultMaxPerRoute
}

// MaxPerRoute returns the effective cap of route.
func (p *Pool[R, C]) MaxPerRoute(route R) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxFor(route)
}

// TotalStats returns the global counters.
func (p *Pool[R, C]) TotalStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalStatsLocked()
}

// Stats returns the counters of one route.
func (p *Pool[R, C]) Stats(route R) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Max: p.maxFor(route)}
	if rp, ok := p.routes[route]; ok {
		s.Leased = len(rp.leased) + rp.reserving
		s.Pending = rp.pending.Len()
		s.Available = rp.available.Len()
	}
	return s
}

// Routes returns the routes the pool currently holds state for.
func (p *Pool[R, C]) Routes() []R {
	p.mu.Lock()
	defer p.mu.Unlock()
	routes := make([]R, 0, len(p.routes))
	for r := range p.routes {
		routes = append(routes, r)
	}
	return routes
}

// EnumAvailable calls fn for every available entry, oldest first. fn runs
// under the pool lock and must not call back into the pool.
func (p *Pool[R, C]) EnumAvailable(fn func(*Entry[R, C])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for el := p.available.Front(); el != nil; el = el.Next() {
		fn(el.Value.(*Entry[R, C]))
	}
}

// EnumLeased calls fn for every leased entry. fn runs under the pool lock
// and must not call back into the pool.
func (p *Pool[R, C]) EnumLeased(fn func(*Entry[R, C])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := range p.leased {
		fn(e)
	}
}

// IsShutdown reports whether Shutdown has been called.
func (p *Pool[R, C]) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown fails every pending request, closes available connections,
// shuts leased connections down and rejects further leases. It is
// idempotent.
func (p *Pool[R, C]) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	for el := p.pending.Front(); el != nil; el = el.Next() {
		el.Value.(*PendingLease[R, C]).resolve(nil, false, errs.ErrPoolShutdown)
	}
	p.pending.Init()

	var idle discards[R, C]
	for el := p.available.Front(); el != nil; el = el.Next() {
		idle.add(el.Value.(*Entry[R, C]))
	}
	p.available.Init()

	busy := make([]C, 0, len(p.leased))
	for e := range p.leased {
		busy = append(busy, e.conn)
	}
	for _, rp := range p.routes {
		rp.available.Init()
		rp.pending.Init()
	}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"available": len(idle), "leased": len(busy)}).Info("connection pool shut down")
	p.closeAll(idle)
	for _, c := range busy {
		if err := c.Shutdown(); err != nil {
			p.logger.WithError(err).Debug("shutdown leased connection")
		}
	}
}

func (p *Pool[R, C]) routePool(route R) *routePool[R, C] {
	rp, ok := p.routes[route]
	if !ok {
		rp = &routePool[R, C]{
			route:     route,
			leased:    make(map[*Entry[R, C]]struct{}),
			available: list.New(),
			pending:   list.New(),
		}
		p.routes[route] = rp
	}
	return rp
}

func (p *Pool[R, C]) purge(rp *routePool[R, C]) {
	if rp.empty() {
		delete(p.routes, rp.route)
	}
}

func (p *Pool[R, C]) maxFor(route R) int {
	if n, ok := p.maxPerRoute[route]; ok {
		return n
	}
	return p.defaultMaxPerRoute
}

func (p *Pool[R, C]) allocated() int {
	return len(p.leased) + p.available.Len() + p.reserving
}

func (p *Pool[R, C]) totalStatsLocked() Stats {
	return Stats{
		Leased:    len(p.leased) + p.reserving,
		Pending:   p.pending.Len(),
		Available: p.available.Len(),
		Max:       p.maxTotal,
	}
}

func (p *Pool[R, C]) addAvailable(rp *routePool[R, C], e *Entry[R, C]) {
	e.routeElem = rp.available.PushFront(e)
	e.globalElem = p.available.PushBack(e)
}

func (p *Pool[R, C]) removeAvailable(e *Entry[R, C]) {
	rp := p.routes[e.route]
	rp.available.Remove(e.routeElem)
	p.available.Remove(e.globalElem)
	e.routeElem, e.globalElem = nil, nil
}

func (p *Pool[R, C]) markLeased(rp *routePool[R, C], e *Entry[R, C]) {
	rp.leased[e] = struct{}{}
	p.leased[e] = struct{}{}
}

// tryGrant resolves l if capacity allows. Entries it evicts are added to
// dead. Must be called with the lock held.
func (p *Pool[R, C]) tryGrant(rp *routePool[R, C], l *PendingLease[R, C], dead *discards[R, C]) bool {
	now := p.now()
	for el := rp.available.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry[R, C])
		switch {
		case e.IsExpired(now) || !e.conn.IsOpen():
			p.removeAvailable(e)
			dead.add(e)
		case SameState(e.state, l.state):
			p.removeAvailable(e)
			p.markLeased(rp, e)
			l.resolve(e, false, nil)
			return true
		}
		el = next
	}

	// Evict only when the grant is certain, so a request that stays queued
	// never costs an idle connection.
	limit := p.maxFor(rp.route)
	routeEvict := max(0, rp.allocated()+1-limit)
	if routeEvict > rp.available.Len() {
		return false
	}
	globalEvict := max(0, p.allocated()-routeEvict+1-p.maxTotal)
	if globalEvict > p.available.Len()-routeEvict {
		return false
	}
	for ; routeEvict > 0; routeEvict-- {
		lru := rp.available.Back().Value.(*Entry[R, C])
		p.removeAvailable(lru)
		dead.add(lru)
	}
	for ; globalEvict > 0; globalEvict-- {
		oldest := p.available.Front().Value.(*Entry[R, C])
		p.removeAvailable(oldest)
		dead.add(oldest)
		if oldest.route != rp.route {
			p.purge(p.routes[oldest.route])
		}
	}

	rp.reserving++
	p.reserving++
	l.resolve(nil, true, nil)
	return true
}

// dispatch serves queued requests after capacity changed. Requests of
// first, when given, are served before the global queue; both in arrival
// order.
func (p *Pool[R, C]) dispatch(first *routePool[R, C], dead *discards[R, C]) {
	if first != nil {
		for el := first.pending.Front(); el != nil; {
			next := el.Next()
			l := el.Value.(*PendingLease[R, C])
			if p.tryGrant(first, l, dead) {
				p.dequeue(l)
			}
			el = next
		}
	}
	for el := p.pending.Front(); el != nil; {
		if p.available.Len() == 0 && p.allocated() >= p.maxTotal {
			return
		}
		next := el.Next()
		l := el.Value.(*PendingLease[R, C])
		if p.tryGrant(p.routePool(l.route), l, dead) {
			p.dequeue(l)
		}
		el = next
	}
}

func (p *Pool[R, C]) enqueue(rp *routePool[R, C], l *PendingLease[R, C]) {
	l.routeElem = rp.pending.PushBack(l)
	l.globalElem = p.pending.PushBack(l)
}

func (p *Pool[R, C]) dequeue(l *PendingLease[R, C]) {
	if l.globalElem == nil {
		return
	}
	rp := p.routes[l.route]
	rp.pending.Remove(l.routeElem)
	p.pending.Remove(l.globalElem)
	l.routeElem, l.globalElem = nil, nil
}

func (p *Pool[R, C]) closeAll(dead discards[R, C]) {
	for _, e := range dead {
		if err := e.conn.Close(); err != nil {
			p.logger.WithFields(logrus.Fields{"id": e.id, "route": fmt.Sprint(e.route)}).
				WithError(err).Debug("close discarded connection")
		}
	}
}
