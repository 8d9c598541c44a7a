package manager

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/errs"
	"mini-pool/pool"
	"mini-pool/route"
	"mini-pool/transport"
)

// Limits is a full set of pool caps. PerRoute replaces any per-route caps
// applied earlier.
type Limits struct {
	MaxTotal           int
	DefaultMaxPerRoute int
	PerRoute           map[route.Route]int
}

// PoolingManager serves concurrent callers from a route-partitioned pool.
type PoolingManager struct {
	pool     *pool.Pool[route.Route, transport.Conn]
	operator transport.Operator
	socket   transport.SocketConfig
	logger   logrus.FieldLogger
	now      func() time.Time
	validate time.Duration

	mu        sync.Mutex
	overrides map[route.Route]struct{}
	stop      chan struct{}
	stopped   bool
	evictors  sync.WaitGroup
}

// NewPoolingManager creates a manager whose pool allows defaultMaxPerRoute
// connections per route and maxTotal overall.
func NewPoolingManager(defaultMaxPerRoute, maxTotal int, opts ...Option) (*PoolingManager, error) {
	o := buildOptions(opts)
	factory, connCfg := o.factory, o.connCfg
	create := pool.FactoryFunc[route.Route, transport.Conn](func(ctx context.Context, r route.Route) (transport.Conn, error) {
		return factory.Create(ctx, r, connCfg)
	})
	p, err := pool.New[route.Route, transport.Conn](create, defaultMaxPerRoute, maxTotal,
		pool.WithLogger(o.logger), pool.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	return &PoolingManager{
		pool:      p,
		operator:  o.operator,
		socket:    o.socket,
		logger:    o.logger,
		now:       o.now,
		validate:  o.validate,
		overrides: make(map[route.Route]struct{}),
		stop:      make(chan struct{}),
	}, nil
}

type poolingRequest struct {
	m     *PoolingManager
	route route.Route
	state any

	// getting serializes Get so that every call hands out the same proxy.
	getting chan struct{}

	mu    sync.Mutex
	lease *pool.PendingLease[route.Route, transport.Conn]
	proxy *Proxy
}

// RequestConnection implements Manager.
func (m *PoolingManager) RequestConnection(r route.Route, state any) ConnectionRequest {
	return &poolingRequest{
		m:       m,
		route:   r,
		state:   state,
		getting: make(chan struct{}, 1),
		lease:   m.pool.Lease(r, state),
	}
}

func (r *poolingRequest) current() *pool.PendingLease[route.Route, transport.Conn] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lease
}

// Get implements ConnectionRequest. A reused connection idle longer than
// the validation threshold that turns out stale is discarded and the lease
// retried. Once granted, every later call returns the same proxy, detached
// after its release.
func (r *poolingRequest) Get(ctx context.Context) (*Proxy, error) {
	select {
	case r.getting <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.ErrLeaseCanceled
	}
	defer func() { <-r.getting }()

	r.mu.Lock()
	p := r.proxy
	r.mu.Unlock()
	if p != nil {
		return p, nil
	}

	m := r.m
	for {
		e, err := r.current().Get(ctx)
		if err != nil {
			return nil, err
		}
		if !m.needsValidation(e) || !e.Conn().IsStale() {
			p = newProxy(m, e)
			r.mu.Lock()
			r.proxy = p
			r.mu.Unlock()
			return p, nil
		}
		m.logger.WithFields(logrus.Fields{"id": e.ID(), "route": e.Route().String()}).Debug("discarding stale connection")
		if err := m.pool.Release(e, false); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.lease = m.pool.Lease(r.route, r.state)
		r.mu.Unlock()
	}
}

// Cancel implements ConnectionRequest.
func (r *poolingRequest) Cancel() bool {
	return r.current().Cancel()
}

func (m *PoolingManager) needsValidation(e *Entry) bool {
	if m.validate <= 0 || !e.Conn().IsOpen() {
		return false
	}
	return m.now().Sub(e.Updated()) > m.validate
}

func (m *PoolingManager) entryOf(op string, p *Proxy) (*Entry, error) {
	if p == nil || p.owner != Manager(m) {
		return nil, errs.Usage(op, "", errs.ErrForeignConnection)
	}
	return p.attached()
}

// ReleaseConnection implements Manager. Releasing a proxy twice is a no-op.
// An open connection becomes available to its route; a closed one is
// discarded.
func (m *PoolingManager) ReleaseConnection(p *Proxy, state any, keepAlive time.Duration) error {
	if p == nil || p.owner != Manager(m) {
		return errs.Usage("release connection", "", errs.ErrForeignConnection)
	}
	e := p.Detach()
	if e == nil {
		return nil
	}
	reusable := e.Conn().IsOpen()
	if reusable {
		e.SetState(state)
		e.UpdateExpiry(keepAlive)
	}
	m.logger.WithFields(logrus.Fields{
		"id":        e.ID(),
		"route":     e.Route().String(),
		"reusable":  reusable,
		"keepAlive": keepAlive,
	}).Debug("releasing connection")
	return m.pool.Release(e, reusable)
}

// Connect implements Manager.
func (m *PoolingManager) Connect(ctx context.Context, p *Proxy, timeout time.Duration) error {
	e, err := m.entryOf("connect", p)
	if err != nil {
		return err
	}
	return connectEntry(ctx, m.operator, m.socket, e, timeout)
}

// Upgrade implements Manager.
func (m *PoolingManager) Upgrade(ctx context.Context, p *Proxy) error {
	e, err := m.entryOf("upgrade", p)
	if err != nil {
		return err
	}
	return upgradeEntry(ctx, m.operator, e)
}

// RouteComplete implements Manager.
func (m *PoolingManager) RouteComplete(p *Proxy) error {
	e, err := m.entryOf("route complete", p)
	if err != nil {
		return err
	}
	e.MarkRouteComplete()
	return nil
}

// CloseExpired implements Manager.
func (m *PoolingManager) CloseExpired() { m.pool.CloseExpired() }

// CloseIdle implements Manager.
func (m *PoolingManager) CloseIdle(idle time.Duration) { m.pool.CloseIdle(idle) }

// TotalStats returns the global pool counters.
func (m *PoolingManager) TotalStats() pool.Stats { return m.pool.TotalStats() }

// Stats returns the pool counters of r.
func (m *PoolingManager) Stats(r route.Route) pool.Stats { return m.pool.Stats(r) }

// Routes returns the routes the pool holds state for.
func (m *PoolingManager) Routes() []route.Route { return m.pool.Routes() }

func (m *PoolingManager) SetMaxTotal(n int) error { return m.pool.SetMaxTotal(n) }

func (m *PoolingManager) SetDefaultMaxPerRoute(n int) error { return m.pool.SetDefaultMaxPerRoute(n) }

// SetMaxPerRoute sets the cap of r; n <= 0 restores the default.
func (m *PoolingManager) SetMaxPerRoute(r route.Route, n int) {
	m.mu.Lock()
	if n > 0 {
		m.overrides[r] = struct{}{}
	} else {
		delete(m.overrides, r)
	}
	m.mu.Unlock()
	m.pool.SetMaxPerRoute(r, n)
}

func (m *PoolingManager) MaxTotal() int { return m.pool.MaxTotal() }

func (m *PoolingManager) DefaultMaxPerRoute() int { return m.pool.DefaultMaxPerRoute() }

func (m *PoolingManager) MaxPerRoute(r route.Route) int { return m.pool.MaxPerRoute(r) }

// ApplyLimits replaces the caps of the pool with l. Per-route caps absent
// from l fall back to the default.
func (m *PoolingManager) ApplyLimits(l Limits) error {
	if l.MaxTotal <= 0 || l.DefaultMaxPerRoute <= 0 {
		return errs.Usage("apply limits", "", errs.ErrInvalidLimits)
	}
	for r, n := range l.PerRoute {
		if n <= 0 {
			return errs.Usage("apply limits", r.String(), errs.ErrInvalidLimits)
		}
	}
	if err := m.pool.SetMaxTotal(l.MaxTotal); err != nil {
		return err
	}
	if err := m.pool.SetDefaultMaxPerRoute(l.DefaultMaxPerRoute); err != nil {
		return err
	}

	m.mu.Lock()
	var stale []route.Route
	for r := range m.overrides {
		if _, ok := l.PerRoute[r]; !ok {
			stale = append(stale, r)
		}
	}
	m.mu.Unlock()
	for _, r := range stale {
		m.SetMaxPerRoute(r, 0)
	}
	for r, n := range l.PerRoute {
		m.SetMaxPerRoute(r, n)
	}

	m.logger.WithFields(logrus.Fields{
		"maxTotal":    l.MaxTotal,
		"maxPerRoute": l.DefaultMaxPerRoute,
		"overrides":   len(l.PerRoute),
	}).Info("pool limits applied")
	return nil
}

// StartEvictor closes expired connections every interval, and connections
// idle longer than idle when idle > 0, until ctx ends or the manager is
// shut down.
func (m *PoolingManager) StartEvictor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.evictors.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.evictors.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CloseExpired()
				if idle > 0 {
					m.CloseIdle(idle)
				}
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Shutdown stops the evictors and shuts the pool down. It is idempotent.
func (m *PoolingManager) Shutdown() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.mu.Unlock()
	m.evictors.Wait()
	m.pool.Shutdown()
}
