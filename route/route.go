// Package route describes where a pooled connection goes.
//
// A Route is the pool's partition key: two connections are interchangeable
// only when their routes are equal. A route names the target host, the
// proxy hops in front of it and whether the exchange is secured with TLS.
//
//	direct:     client ──────────────────────────→ target
//	proxied:    client ──→ proxy[0] ──→ proxy[n] ──→ target
//	tunnelled:  client ══ TLS over CONNECT tunnel ═══════════→ target
//
// Route is a comparable value type, so it can be used directly as a map key.
package route

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"mini-pool/errs"
)

// Scheme default ports used when a host carries no explicit port.
var DefaultPorts = map[string]int{
	"http":  80,
	"https": 443,
}

// Host is a scheme-qualified endpoint.
type Host struct {
	Scheme string
	Name   string
	Port   int // 0 means "scheme default"
}

// NewHost builds a host, lower-casing the scheme and name.
func NewHost(scheme, name string, port int) Host {
	return Host{Scheme: strings.ToLower(scheme), Name: strings.ToLower(name), Port: port}
}

// ParseHost accepts "scheme://name[:port]" or "name[:port]".
func ParseHost(s string) (Host, error) {
	if s == "" {
		return Host{}, errs.ErrNoTarget
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Host{}, fmt.Errorf("parse host %q: %w", s, err)
	}
	if u.Hostname() == "" {
		return Host{}, errs.ErrNoTarget
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Host{}, fmt.Errorf("parse host %q: invalid port %q", s, p)
		}
	}
	return NewHost(u.Scheme, u.Hostname(), port), nil
}

// IsSecure reports whether the host speaks TLS.
func (h Host) IsSecure() bool {
	return h.Scheme == "https"
}

// HostPort returns "name:port" suitable for net.Dial.
func (h Host) HostPort() string {
	return net.JoinHostPort(h.Name, strconv.Itoa(h.Port))
}

func (h Host) String() string {
	if h.Port == 0 {
		return h.Scheme + "://" + h.Name
	}
	return h.Scheme + "://" + h.HostPort()
}

// hopSep separates proxy hosts inside Route.proxies. It cannot appear in a
// rendered Host.
const hopSep = " "

// Route identifies an interchangeable class of physical connections.
type Route struct {
	target  Host
	proxies string // proxy chain rendered with hopSep, first hop first
	local   string // local bind address, may be empty
	secure  bool
}

// New builds a route through the given proxy chain.
func New(target Host, proxies []Host, local string, secure bool) Route {
	hops := make([]string, 0, len(proxies))
	for _, p := range proxies {
		hops = append(hops, p.String())
	}
	return Route{
		target:  target,
		proxies: strings.Join(hops, hopSep),
		local:   local,
		secure:  secure,
	}
}

// Direct builds a route straight to the target.
func Direct(target Host, secure bool) Route {
	return New(target, nil, "", secure)
}

// ViaProxy builds a route through a single proxy.
func ViaProxy(target, proxy Host, secure bool) Route {
	return New(target, []Host{proxy}, "", secure)
}

// Target returns the final destination.
func (r Route) Target() Host { return r.target }

// LocalAddr returns the local bind address, or "" for any.
func (r Route) LocalAddr() string { return r.local }

// IsSecure reports whether the route ends in a TLS session with the target.
func (r Route) IsSecure() bool { return r.secure }

// Proxies returns the proxy chain, first hop first.
func (r Route) Proxies() []Host {
	if r.proxies == "" {
		return nil
	}
	parts := strings.Split(r.proxies, hopSep)
	hosts := make([]Host, 0, len(parts))
	for _, p := range parts {
		// Rendered by Host.String, so parsing cannot fail.
		h, _ := ParseHost(p)
		hosts = append(hosts, h)
	}
	return hosts
}

// ProxyHost returns the first proxy hop.
func (r Route) ProxyHost() (Host, bool) {
	proxies := r.Proxies()
	if len(proxies) == 0 {
		return Host{}, false
	}
	return proxies[0], true
}

// HopCount is the number of hops including the target.
func (r Route) HopCount() int {
	if r.proxies == "" {
		return 1
	}
	return strings.Count(r.proxies, hopSep) + 2
}

// HopTarget returns hop i, where hop HopCount()-1 is the target.
func (r Route) HopTarget(i int) (Host, error) {
	n := r.HopCount()
	if i < 0 || i >= n {
		return Host{}, fmt.Errorf("hop index %d out of range [0,%d): %w", i, n, errs.ErrInvalidRoute)
	}
	if i == n-1 {
		return r.target, nil
	}
	return r.Proxies()[i], nil
}

// FirstHop is the host the socket is opened to.
func (r Route) FirstHop() Host {
	if p, ok := r.ProxyHost(); ok {
		return p
	}
	return r.target
}

// IsTunnelled reports whether the target is reached through a CONNECT
// tunnel over the proxy chain.
func (r Route) IsTunnelled() bool {
	return r.secure && r.proxies != ""
}

// IsLayered reports whether TLS is layered over an established tunnel
// rather than negotiated when the socket opens.
func (r Route) IsLayered() bool {
	return r.IsTunnelled()
}

// Equal reports structural equality.
func (r Route) Equal(o Route) bool {
	return r == o
}

func (r Route) String() string {
	var b strings.Builder
	if r.local != "" {
		b.WriteString(r.local)
		b.WriteString("->")
	}
	b.WriteByte('{')
	if r.IsTunnelled() {
		b.WriteString("t")
	}
	if r.secure {
		b.WriteString("s")
	}
	b.WriteString("}->")
	for _, p := range r.Proxies() {
		b.WriteString(p.String())
		b.WriteString("->")
	}
	b.WriteString(r.target.String())
	return b.String()
}
