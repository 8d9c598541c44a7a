// Package registry tells the client where a named service lives.
//
// etcd is a distributed key-value store with strong consistency (Raft). It
// serves as the phonebook of targets the client pools connections for:
//
//	Key:   /mini-pool/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if an instance dies, its lease expires and
// the entry disappears, so the client never plans routes to ghost targets.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix of all registrations.
const DefaultPrefix = "/mini-pool/"

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger logrus.FieldLogger

	// ctx outlives single calls: lease renewals and watches stop on Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// EtcdConfig configures NewEtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	Logger      logrus.FieldLogger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		prefix: cfg.Prefix,
		logger: cfg.Logger.WithField("component", "registry"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register adds a service instance to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease until Close
//
// leaseID stays local so one EtcdRegistry can register many instances.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, r.servicePrefix(serviceName)+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	// Consume KeepAlive responses to prevent the channel from filling up
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for range ch {
		}
		r.logger.WithFields(logrus.Fields{"service": serviceName, "addr": instance.Addr}).Debug("lease renewal stopped")
	}()
	return nil
}

// Deregister removes a service instance from etcd.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	_, err := r.client.Delete(ctx, r.servicePrefix(serviceName)+addr)
	return err
}

// Watch emits the full instance list of a service whenever it changes
// (registrations, deregistrations, lease expirations). The channel is
// closed when ctx ends or the registry is closed.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.ctx, cancel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(ch)
		defer stop()
		defer cancel()

		watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// re-fetch the full list; simpler than applying single events
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.WithError(err).WithField("service", serviceName).Warn("discover after watch event")
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.WithField("key", string(kv.Key)).Debug("skipping malformed instance")
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops lease renewals and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.client.Close()
}
