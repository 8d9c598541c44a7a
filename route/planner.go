package route

import (
	"fmt"
	"net/url"
	"strconv"

	"golang.org/x/net/http/httpproxy"

	"mini-pool/errs"
)

// Request carries the per-request settings the planner honours.
type Request struct {
	// Proxy, when set, overrides whatever the planner would select.
	Proxy *Host
	// LocalAddr binds the socket to a local address.
	LocalAddr string
	// State is the reuse state of the lease, such as an authenticated
	// principal. The planner ignores it.
	State any
}

// ProxySelector picks a proxy for a target, or nil for a direct route.
type ProxySelector func(target Host) (*Host, error)

// Planner maps a destination to a concrete route. Implementations must be
// free of I/O and side effects.
type Planner interface {
	Plan(target *Host, req Request) (Route, error)
}

// DefaultPlanner fills in default ports, applies the proxy selector and
// derives the secure flag from the target scheme.
type DefaultPlanner struct {
	Proxy ProxySelector
}

// Plan implements Planner.
func (p *DefaultPlanner) Plan(target *Host, req Request) (Route, error) {
	if target == nil || target.Name == "" {
		return Route{}, errs.Usage("plan", "", errs.ErrNoTarget)
	}
	t, err := withDefaultPort(*target)
	if err != nil {
		return Route{}, err
	}

	proxy := req.Proxy
	if proxy == nil && p.Proxy != nil {
		if proxy, err = p.Proxy(t); err != nil {
			return Route{}, fmt.Errorf("select proxy for %s: %w", t, err)
		}
	}

	var proxies []Host
	if proxy != nil {
		ph, err := withDefaultPort(*proxy)
		if err != nil {
			return Route{}, err
		}
		proxies = []Host{ph}
	}
	return New(t, proxies, req.LocalAddr, t.IsSecure()), nil
}

func withDefaultPort(h Host) (Host, error) {
	if h.Scheme == "" {
		h.Scheme = "http"
	}
	h = NewHost(h.Scheme, h.Name, h.Port)
	if h.Port > 0 {
		return h, nil
	}
	port, ok := DefaultPorts[h.Scheme]
	if !ok {
		return Host{}, errs.Usage("plan", h.String(), fmt.Errorf("unknown scheme %q: %w", h.Scheme, errs.ErrInvalidRoute))
	}
	h.Port = port
	return h, nil
}

// EnvProxySelector reads HTTP_PROXY, HTTPS_PROXY and NO_PROXY once and
// returns a selector over that snapshot.
func EnvProxySelector() ProxySelector {
	return ConfigProxySelector(httpproxy.FromEnvironment())
}

// ConfigProxySelector returns a selector over an explicit proxy config.
func ConfigProxySelector(cfg *httpproxy.Config) ProxySelector {
	proxyFunc := cfg.ProxyFunc()
	return func(target Host) (*Host, error) {
		u, err := proxyFunc(&url.URL{Scheme: target.Scheme, Host: target.HostPort()})
		if err != nil || u == nil {
			return nil, err
		}
		scheme := u.Scheme
		if scheme == "" {
			scheme = "http"
		}
		port := 0
		if u.Port() != "" {
			if port, err = strconv.Atoi(u.Port()); err != nil {
				return nil, fmt.Errorf("proxy %s: invalid port: %w", u, err)
			}
		}
		h := NewHost(scheme, u.Hostname(), port)
		return &h, nil
	}
}
