package manager

import (
	"net"
	"sync/atomic"
	"time"

	"mini-pool/errs"
	"mini-pool/pool"
	"mini-pool/route"
	"mini-pool/transport"
)

// Entry is the pool entry type both managers hand out.
type Entry = pool.Entry[route.Route, transport.Conn]

// Proxy is the caller's handle on a leased connection. It forwards to its
// entry until detached; afterwards every operation fails with
// errs.ErrConnectionShutdown and the connection is never touched again.
type Proxy struct {
	owner Manager
	entry atomic.Pointer[Entry]
}

func newProxy(owner Manager, e *Entry) *Proxy {
	p := &Proxy{owner: owner}
	p.entry.Store(e)
	return p
}

// Detach clears the handle and returns the prior entry. Only the first call
// returns a non-nil entry.
func (p *Proxy) Detach() *Entry {
	return p.entry.Swap(nil)
}

// IsDetached reports whether the proxy no longer forwards.
func (p *Proxy) IsDetached() bool {
	return p.entry.Load() == nil
}

func (p *Proxy) attached() (*Entry, error) {
	e := p.entry.Load()
	if e == nil {
		return nil, errs.ErrConnectionShutdown
	}
	return e, nil
}

func (p *Proxy) Read(b []byte) (int, error) {
	e, err := p.attached()
	if err != nil {
		return 0, err
	}
	return e.Conn().Read(b)
}

func (p *Proxy) Write(b []byte) (int, error) {
	e, err := p.attached()
	if err != nil {
		return 0, err
	}
	return e.Conn().Write(b)
}

// Close closes the connection gracefully. The lease stays outstanding until
// the connection is released.
func (p *Proxy) Close() error {
	e, err := p.attached()
	if err != nil {
		return err
	}
	return e.Conn().Close()
}

// Shutdown closes the connection immediately.
func (p *Proxy) Shutdown() error {
	e, err := p.attached()
	if err != nil {
		return err
	}
	return e.Conn().Shutdown()
}

// IsOpen is false once the proxy is detached.
func (p *Proxy) IsOpen() bool {
	e, err := p.attached()
	if err != nil {
		return false
	}
	return e.Conn().IsOpen()
}

// IsStale is true once the proxy is detached.
func (p *Proxy) IsStale() bool {
	e, err := p.attached()
	if err != nil {
		return true
	}
	return e.Conn().IsStale()
}

func (p *Proxy) SetDeadline(t time.Time) error {
	e, err := p.attached()
	if err != nil {
		return err
	}
	return e.Conn().SetDeadline(t)
}

func (p *Proxy) LocalAddr() (net.Addr, error) {
	e, err := p.attached()
	if err != nil {
		return nil, err
	}
	return e.Conn().LocalAddr(), nil
}

func (p *Proxy) RemoteAddr() (net.Addr, error) {
	e, err := p.attached()
	if err != nil {
		return nil, err
	}
	return e.Conn().RemoteAddr(), nil
}

// State returns the reuse state of the entry.
func (p *Proxy) State() (any, error) {
	e, err := p.attached()
	if err != nil {
		return nil, err
	}
	return e.State(), nil
}

// Route returns the route the connection was leased for.
func (p *Proxy) Route() (route.Route, error) {
	e, err := p.attached()
	if err != nil {
		return route.Route{}, err
	}
	return e.Route(), nil
}

// ID returns the entry id.
func (p *Proxy) ID() (string, error) {
	e, err := p.attached()
	if err != nil {
		return "", err
	}
	return e.ID(), nil
}

// IsRouteComplete reports whether the full hop chain is established.
func (p *Proxy) IsRouteComplete() bool {
	e, err := p.attached()
	if err != nil {
		return false
	}
	return e.IsRouteComplete()
}
