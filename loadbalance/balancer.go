// Package loadbalance picks the instance of a service the client plans its
// route to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  affinity, so one key keeps landing on the same
//     target and reuses its pooled connections
package loadbalance

import (
	"errors"
	"fmt"

	"mini-pool/registry"
)

// ErrNoInstances is returned when a service has no registered instance.
var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before planning each route.
type Balancer interface {
	// Pick selects one instance from the available list. key is the
	// affinity key; strategies without affinity ignore it.
	// Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown balancer %q", name)
}
