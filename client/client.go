package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/adapter"
	"mini-pool/discovery"
	"mini-pool/errs"
	"mini-pool/manager"
	"mini-pool/route"
)

// Tunneler establishes the tunnel through the proxy of a tunnelled route,
// over a connection already open to the first hop. TLS to the target is
// layered afterwards by the manager.
type Tunneler interface {
	Tunnel(ctx context.Context, a *adapter.Adapter, r route.Route) error
}

// TunnelFunc adapts a function to Tunneler.
type TunnelFunc func(ctx context.Context, a *adapter.Adapter, r route.Route) error

func (f TunnelFunc) Tunnel(ctx context.Context, a *adapter.Adapter, r route.Route) error {
	return f(ctx, a, r)
}

// Client runs exchanges over connections leased from a manager.
type Client struct {
	manager        manager.Manager
	planner        route.Planner
	resolver       *discovery.Resolver
	tunneler       Tunneler
	leaseTimeout   time.Duration
	connectTimeout time.Duration
	keepAlive      time.Duration
	logger         logrus.FieldLogger
}

type Option func(*Client)

// WithPlanner replaces the default planner, which selects proxies from the
// environment.
func WithPlanner(p route.Planner) Option {
	return func(c *Client) { c.planner = p }
}

// WithResolver enables DoService.
func WithResolver(r *discovery.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

func WithTunneler(t Tunneler) Option {
	return func(c *Client) { c.tunneler = t }
}

// WithLeaseTimeout bounds the wait for a pooled connection. Zero waits as
// long as the call context allows.
func WithLeaseTimeout(d time.Duration) Option {
	return func(c *Client) { c.leaseTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithKeepAlive sets the default keep-alive of reusable connections.
// Exchanges may override it with Adapter.SetIdleDuration.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(m manager.Manager, opts ...Option) *Client {
	c := &Client{
		manager:        m,
		planner:        &route.DefaultPlanner{Proxy: route.EnvProxySelector()},
		connectTimeout: 10 * time.Second,
		keepAlive:      30 * time.Second,
		logger:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do leases a connection to target, establishes the route if needed and
// runs fn. The connection goes back to the pool for reuse only when fn
// returns nil having marked it reusable; an error or panic aborts it.
func (c *Client) Do(ctx context.Context, target *route.Host, req route.Request, fn func(*adapter.Adapter) error) (err error) {
	r, err := c.planner.Plan(target, req)
	if err != nil {
		return err
	}

	leaseCtx := ctx
	if c.leaseTimeout > 0 {
		var cancel context.CancelFunc
		leaseCtx, cancel = context.WithTimeout(ctx, c.leaseTimeout)
		defer cancel()
	}
	proxy, err := c.manager.RequestConnection(r, req.State).Get(leaseCtx)
	if err != nil {
		return err
	}

	a := adapter.New(c.manager, proxy)
	a.SetState(req.State)
	a.SetIdleDuration(c.keepAlive)
	defer func() {
		if p := recover(); p != nil {
			c.abort(a, r)
			panic(p)
		}
		if err != nil {
			c.abort(a, r)
			return
		}
		err = a.ReleaseConnection()
	}()

	if !a.IsOpen() || !a.IsRouteComplete() {
		if err = c.establish(ctx, a, r); err != nil {
			return err
		}
	}
	return fn(a)
}

// DoService resolves service to a target and calls Do. The request state,
// when it is a string, is the affinity key for the balancer.
func (c *Client) DoService(ctx context.Context, service string, req route.Request, fn func(*adapter.Adapter) error) error {
	if c.resolver == nil {
		return errs.Usage("do service", service, fmt.Errorf("no resolver configured"))
	}
	key, _ := req.State.(string)
	target, err := c.resolver.Resolve(ctx, service, key)
	if err != nil {
		return err
	}
	return c.Do(ctx, &target, req, fn)
}

func (c *Client) establish(ctx context.Context, a *adapter.Adapter, r route.Route) error {
	if a.IsOpen() {
		// open but half established: start over
		_ = a.Shutdown()
	}
	if err := a.Connect(ctx, c.connectTimeout); err != nil {
		return err
	}
	if r.IsTunnelled() {
		if c.tunneler == nil {
			return errs.Usage("connect", r.String(), errs.ErrTunnelRequired)
		}
		if err := c.tunneler.Tunnel(ctx, a, r); err != nil {
			return err
		}
		if err := a.Upgrade(ctx); err != nil {
			return err
		}
	}
	c.logger.WithField("route", r.String()).Debug("route established")
	return a.RouteComplete()
}

func (c *Client) abort(a *adapter.Adapter, r route.Route) {
	if err := a.AbortConnection(); err != nil {
		c.logger.WithError(err).WithField("route", r.String()).Warn("abort connection")
	}
}
