// Package manager exposes pooled connections to callers.
//
// A manager leases an entry, wraps it in a Proxy and takes it back on
// release:
//
//	RequestConnection(route, state) ──► ConnectionRequest.Get ──► *Proxy
//	                                                                │
//	        Connect / Upgrade / RouteComplete (operator, entry) ◄───┤
//	                                                                │
//	ReleaseConnection(proxy, state, keepAlive) ◄──── Detach ◄───────┘
//
// Two implementations share the Manager interface. PoolingManager sits on a
// pool.Pool and serves concurrent callers; SingleManager holds at most one
// connection and refuses a second outstanding lease.
package manager

import (
	"context"
	"time"

	"mini-pool/errs"
	"mini-pool/route"
	"mini-pool/transport"
)

// Manager is the connection manager contract.
type Manager interface {
	// RequestConnection starts a lease for route, matching state.
	RequestConnection(r route.Route, state any) ConnectionRequest
	// ReleaseConnection detaches p and returns its connection. state is
	// stored on the entry; keepAlive <= 0 keeps it reusable indefinitely.
	ReleaseConnection(p *Proxy, state any, keepAlive time.Duration) error
	// Connect opens the socket to the first hop of the leased route.
	Connect(ctx context.Context, p *Proxy, timeout time.Duration) error
	// Upgrade layers TLS to the route target over the established socket.
	Upgrade(ctx context.Context, p *Proxy) error
	// RouteComplete records that the whole route is established.
	RouteComplete(p *Proxy) error
	CloseExpired()
	CloseIdle(idle time.Duration)
	Shutdown()
}

// ConnectionRequest is a pending lease.
type ConnectionRequest interface {
	// Get waits for the connection until ctx ends.
	Get(ctx context.Context) (*Proxy, error)
	// Cancel abandons the request. It returns false when Get already
	// delivered a connection.
	Cancel() bool
}

func connectEntry(ctx context.Context, op transport.Operator, sc transport.SocketConfig, e *Entry, timeout time.Duration) error {
	r := e.Route()
	return op.Connect(ctx, e.Conn(), r.FirstHop(), r.LocalAddr(), timeout, sc)
}

func upgradeEntry(ctx context.Context, op transport.Operator, e *Entry) error {
	r := e.Route()
	if !r.IsLayered() {
		return errs.Usage("upgrade", r.String(), errs.ErrInvalidRoute)
	}
	return op.Upgrade(ctx, e.Conn(), r.Target())
}
