package registry

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"mini-pool/route"
)

type ServiceInstance struct {
	Scheme  string // "http" or "https"; empty means http
	Addr    string // host:port
	Weight  int    // Weight for load balancing
	Version string
}

// Host converts the instance address into a route target.
func (i ServiceInstance) Host() (route.Host, error) {
	name, portStr, err := net.SplitHostPort(i.Addr)
	if err != nil {
		return route.Host{}, fmt.Errorf("instance address %q: %w", i.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return route.Host{}, fmt.Errorf("instance port %q: %w", portStr, err)
	}
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return route.NewHost(scheme, name, port), nil
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
	Close() error
}
