// Package adapter is the surface a caller works with while it holds a
// leased connection.
//
// Every read or write clears the reusable mark: a connection is handed back
// for reuse only if the caller marks it again after a complete exchange.
// Release and abort are exactly-once; whichever comes first hands the
// connection back to its manager and the other becomes a no-op.
package adapter

import (
	"context"
	"net"
	"sync"
	"time"

	"mini-pool/errs"
	"mini-pool/manager"
	"mini-pool/route"
)

// Adapter wraps a proxy leased from a manager.
type Adapter struct {
	manager manager.Manager
	proxy   *manager.Proxy

	mu       sync.Mutex
	reusable bool
	idle     time.Duration
	state    any
	released bool
}

// New wraps p, leased from m. The reuse state starts as the state p was
// leased with.
func New(m manager.Manager, p *manager.Proxy) *Adapter {
	a := &Adapter{manager: m, proxy: p}
	if p != nil {
		a.state, _ = p.State()
	}
	return a
}

// Proxy returns the wrapped proxy.
func (a *Adapter) Proxy() *manager.Proxy { return a.proxy }

func (a *Adapter) Read(b []byte) (int, error) {
	a.UnmarkReusable()
	return a.proxy.Read(b)
}

func (a *Adapter) Write(b []byte) (int, error) {
	a.UnmarkReusable()
	return a.proxy.Write(b)
}

// MarkReusable records that the last exchange completed cleanly.
func (a *Adapter) MarkReusable() {
	a.mu.Lock()
	a.reusable = true
	a.mu.Unlock()
}

func (a *Adapter) UnmarkReusable() {
	a.mu.Lock()
	a.reusable = false
	a.mu.Unlock()
}

func (a *Adapter) IsMarkedReusable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reusable
}

// SetIdleDuration sets the keep-alive applied when the connection is
// released for reuse. Zero or less keeps it indefinitely.
func (a *Adapter) SetIdleDuration(d time.Duration) {
	a.mu.Lock()
	a.idle = d
	a.mu.Unlock()
}

func (a *Adapter) IdleDuration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idle
}

// SetState sets the reuse state stored on the connection at release.
func (a *Adapter) SetState(state any) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *Adapter) State() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsReleased reports whether the connection was released or aborted.
func (a *Adapter) IsReleased() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

func (a *Adapter) IsOpen() bool { return a.proxy.IsOpen() }

func (a *Adapter) IsStale() bool { return a.proxy.IsStale() }

func (a *Adapter) IsRouteComplete() bool { return a.proxy.IsRouteComplete() }

func (a *Adapter) Route() (route.Route, error) { return a.proxy.Route() }

func (a *Adapter) SetDeadline(t time.Time) error { return a.proxy.SetDeadline(t) }

func (a *Adapter) RemoteAddr() (net.Addr, error) { return a.proxy.RemoteAddr() }

func (a *Adapter) Close() error { return a.proxy.Close() }

func (a *Adapter) Shutdown() error { return a.proxy.Shutdown() }

// Connect opens the socket to the first hop of the route.
func (a *Adapter) Connect(ctx context.Context, timeout time.Duration) error {
	if a.IsReleased() {
		return errs.ErrConnectionShutdown
	}
	return a.manager.Connect(ctx, a.proxy, timeout)
}

// Upgrade layers TLS to the route target.
func (a *Adapter) Upgrade(ctx context.Context) error {
	if a.IsReleased() {
		return errs.ErrConnectionShutdown
	}
	return a.manager.Upgrade(ctx, a.proxy)
}

// RouteComplete records that the whole route is established.
func (a *Adapter) RouteComplete() error {
	if a.IsReleased() {
		return errs.ErrConnectionShutdown
	}
	return a.manager.RouteComplete(a.proxy)
}

// finish claims the single release. It returns false when the adapter was
// released already.
func (a *Adapter) finish(abort bool) (reusable bool, keepAlive time.Duration, state any, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return false, 0, nil, false
	}
	a.released = true
	if abort {
		a.reusable = false
	}
	if a.reusable {
		keepAlive = a.idle
	}
	return a.reusable, keepAlive, a.state, true
}

// ReleaseConnection hands the connection back. An unmarked connection is
// shut down first so the manager discards it. Calls after the first are
// no-ops.
func (a *Adapter) ReleaseConnection() error {
	reusable, keepAlive, state, ok := a.finish(false)
	if !ok {
		return nil
	}
	if !reusable {
		_ = a.proxy.Shutdown()
	}
	return a.manager.ReleaseConnection(a.proxy, state, keepAlive)
}

// AbortConnection shuts the connection down and hands it back. Errors of
// the shutdown itself are ignored; the lease is always returned.
func (a *Adapter) AbortConnection() error {
	_, _, state, ok := a.finish(true)
	if !ok {
		return nil
	}
	_ = a.proxy.Shutdown()
	return a.manager.ReleaseConnection(a.proxy, state, 0)
}
