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

// SingleManager holds at most one connection and allows one outstanding
// lease. It is meant for callers that never lease concurrently; a second
// lease while one is outstanding fails with a usage error.
type SingleManager struct {
	factory  transport.Factory
	connCfg  transport.ConnConfig
	operator transport.Operator
	socket   transport.SocketConfig
	logger   logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	entry  *Entry
	proxy  *Proxy
	leased bool
	closed bool
}

// NewSingleManager creates a single-connection manager.
func NewSingleManager(opts ...Option) *SingleManager {
	o := buildOptions(opts)
	return &SingleManager{
		factory:  o.factory,
		connCfg:  o.connCfg,
		operator: o.operator,
		socket:   o.socket,
		logger:   o.logger,
		now:      o.now,
	}
}

type singleRequest struct {
	m     *SingleManager
	route route.Route
	state any

	mu       sync.Mutex
	canceled bool
	proxy    *Proxy
	err      error
	done     bool
}

// RequestConnection implements Manager. The request never waits; Get
// either returns the held connection, a fresh one, or an error.
func (m *SingleManager) RequestConnection(r route.Route, state any) ConnectionRequest {
	return &singleRequest{m: m, route: r, state: state}
}

// Get implements ConnectionRequest.
func (r *singleRequest) Get(ctx context.Context) (*Proxy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return nil, errs.ErrLeaseCanceled
	}
	if !r.done {
		r.proxy, r.err = r.m.lease(ctx, r.route, r.state)
		r.done = true
	}
	return r.proxy, r.err
}

// Cancel implements ConnectionRequest.
func (r *singleRequest) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.canceled {
		return false
	}
	r.canceled = true
	return true
}

func (m *SingleManager) lease(ctx context.Context, r route.Route, state any) (*Proxy, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errs.ErrPoolShutdown
	}
	if m.leased {
		m.mu.Unlock()
		return nil, errs.Usage("request connection", r.String(), errs.ErrAlreadyLeased)
	}

	var discard *Entry
	if e := m.entry; e != nil {
		switch {
		case e.IsExpired(m.now()), !e.Conn().IsOpen():
			discard = e
		case e.Route() != r || !pool.SameState(e.State(), state):
			discard = e
		}
		if discard != nil {
			m.entry = nil
		}
	}
	m.leased = true
	e := m.entry
	m.mu.Unlock()

	if discard != nil {
		m.closeEntry(discard, "replacing held connection")
	}

	if e == nil {
		conn, err := m.factory.Create(ctx, r, m.connCfg)
		if err != nil {
			m.mu.Lock()
			m.leased = false
			m.mu.Unlock()
			return nil, err
		}
		e = pool.NewEntry(r, conn, state, m.now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.leased = false
		_ = e.Conn().Shutdown()
		return nil, errs.ErrPoolShutdown
	}
	m.entry = e
	m.proxy = newProxy(m, e)
	return m.proxy, nil
}

func (m *SingleManager) closeEntry(e *Entry, reason string) {
	if err := e.Conn().Close(); err != nil {
		m.logger.WithFields(logrus.Fields{"id": e.ID(), "route": e.Route().String()}).
			WithError(err).Debug(reason)
	}
}

// current returns the held entry when p is the outstanding lease.
func (m *SingleManager) current(op string, p *Proxy) (*Entry, error) {
	if p == nil || p.owner != Manager(m) {
		return nil, errs.Usage(op, "", errs.ErrForeignConnection)
	}
	e, err := p.attached()
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proxy != p {
		return nil, errs.Usage(op, e.Route().String(), errs.ErrForeignConnection)
	}
	return e, nil
}

// ReleaseConnection implements Manager. A proxy already released is ignored.
func (m *SingleManager) ReleaseConnection(p *Proxy, state any, keepAlive time.Duration) error {
	if p == nil || p.owner != Manager(m) {
		return errs.Usage("release connection", "", errs.ErrForeignConnection)
	}

	var discard *Entry
	m.mu.Lock()
	if m.proxy != p {
		m.mu.Unlock()
		if p.IsDetached() {
			return nil
		}
		return errs.Usage("release connection", "", errs.ErrForeignConnection)
	}
	func() {
		defer func() {
			m.leased = false
			m.proxy = nil
		}()
		e := p.Detach()
		if e == nil {
			return
		}
		if m.closed || !e.Conn().IsOpen() {
			// the next lease creates a fresh connection
			m.entry = nil
			discard = e
			return
		}
		e.SetState(state)
		e.UpdateExpiry(keepAlive)
	}()
	m.mu.Unlock()

	if discard != nil {
		m.closeEntry(discard, "discarding released connection")
	}
	return nil
}

// Connect implements Manager.
func (m *SingleManager) Connect(ctx context.Context, p *Proxy, timeout time.Duration) error {
	e, err := m.current("connect", p)
	if err != nil {
		return err
	}
	return connectEntry(ctx, m.operator, m.socket, e, timeout)
}

// Upgrade implements Manager.
func (m *SingleManager) Upgrade(ctx context.Context, p *Proxy) error {
	e, err := m.current("upgrade", p)
	if err != nil {
		return err
	}
	return upgradeEntry(ctx, m.operator, e)
}

// RouteComplete implements Manager.
func (m *SingleManager) RouteComplete(p *Proxy) error {
	e, err := m.current("route complete", p)
	if err != nil {
		return err
	}
	e.MarkRouteComplete()
	return nil
}

// CloseExpired implements Manager. It does nothing while leased.
func (m *SingleManager) CloseExpired() {
	now := m.now()
	m.sweep(func(e *Entry) bool { return e.IsExpired(now) })
}

// CloseIdle implements Manager. It does nothing while leased. An entry
// released with an unbounded keep-alive is kept.
func (m *SingleManager) CloseIdle(idle time.Duration) {
	deadline := m.now().Add(-idle)
	m.sweep(func(e *Entry) bool { return !e.IsPinned() && !e.Updated().After(deadline) })
}

func (m *SingleManager) sweep(evict func(*Entry) bool) {
	m.mu.Lock()
	e := m.entry
	if m.leased || e == nil || !evict(e) {
		m.mu.Unlock()
		return
	}
	m.entry = nil
	m.mu.Unlock()
	m.closeEntry(e, "closing idle connection")
}

// Shutdown implements Manager. The held connection is shut down and an
// outstanding proxy detached.
func (m *SingleManager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	e := m.entry
	m.entry = nil
	if m.proxy != nil {
		m.proxy.Detach()
	}
	m.mu.Unlock()

	if e != nil {
		if err := e.Conn().Shutdown(); err != nil {
			m.logger.WithError(err).Debug("shutdown held connection")
		}
	}
	m.logger.Info("single connection manager shut down")
}
