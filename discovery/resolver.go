// Package discovery resolves a service name to the target host of a route,
// through a registry and a balancer.
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"mini-pool/loadbalance"
	"mini-pool/registry"
	"mini-pool/route"
)

// Resolver picks a target for a service. Services being watched are
// answered from a cache kept current by registry updates; others are looked
// up on every call.
type Resolver struct {
	registry registry.Registry
	balancer loadbalance.Balancer
	logger   logrus.FieldLogger

	mu    sync.RWMutex
	cache map[string][]registry.ServiceInstance
}

func NewResolver(reg registry.Registry, bal loadbalance.Balancer, logger logrus.FieldLogger) *Resolver {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		registry: reg,
		balancer: bal,
		logger:   logger,
		cache:    make(map[string][]registry.ServiceInstance),
	}
}

// Resolve returns the target host for service. key is the affinity key
// handed to the balancer.
func (r *Resolver) Resolve(ctx context.Context, service, key string) (route.Host, error) {
	instances, err := r.instances(ctx, service)
	if err != nil {
		return route.Host{}, err
	}
	inst, err := r.balancer.Pick(instances, key)
	if err != nil {
		return route.Host{}, fmt.Errorf("resolve %s: %w", service, err)
	}
	host, err := inst.Host()
	if err != nil {
		return route.Host{}, fmt.Errorf("resolve %s: %w", service, err)
	}
	r.logger.WithFields(logrus.Fields{
		"service":  service,
		"target":   host.String(),
		"balancer": r.balancer.Name(),
	}).Debug("service resolved")
	return host, nil
}

func (r *Resolver) instances(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	r.mu.RLock()
	cached, ok := r.cache[service]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}
	instances, err := r.registry.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	return instances, nil
}

// Watch keeps the cached instance list of service current until ctx ends.
// The initial list is loaded before Watch returns.
func (r *Resolver) Watch(ctx context.Context, service string) error {
	updates := r.registry.Watch(ctx, service)
	instances, err := r.registry.Discover(ctx, service)
	if err != nil {
		return fmt.Errorf("discover %s: %w", service, err)
	}
	r.store(service, instances)

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.cache, service)
			r.mu.Unlock()
		}()
		for {
			select {
			case instances, ok := <-updates:
				if !ok {
					return
				}
				r.store(service, instances)
				r.logger.WithFields(logrus.Fields{"service": service, "instances": len(instances)}).Info("service instances updated")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *Resolver) store(service string, instances []registry.ServiceInstance) {
	r.mu.Lock()
	r.cache[service] = instances
	r.mu.Unlock()
}
