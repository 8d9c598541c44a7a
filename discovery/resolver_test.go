package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-pool/loadbalance"
	"mini-pool/registry"
	"mini-pool/route"
)

func TestResolve(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "echo", registry.ServiceInstance{Addr: "10.0.0.1:80"}, 0))
	require.NoError(t, reg.Register(ctx, "echo", registry.ServiceInstance{Scheme: "https", Addr: "10.0.0.2:443"}, 0))
	logger, _ := test.NewNullLogger()
	r := NewResolver(reg, &loadbalance.RoundRobinBalancer{}, logger)

	first, err := r.Resolve(ctx, "echo", "")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "echo", "")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]route.Host{route.NewHost("http", "10.0.0.1", 80), route.NewHost("https", "10.0.0.2", 443)},
		[]route.Host{first, second})

	_, err = r.Resolve(ctx, "missing", "")
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)
}

func TestResolveWatched(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Register(ctx, "echo", registry.ServiceInstance{Addr: "10.0.0.1:80"}, 0))

	r := NewResolver(reg, loadbalance.NewConsistentHashBalancer(), nil)
	require.NoError(t, r.Watch(ctx, "echo"))

	h, err := r.Resolve(ctx, "echo", "tenant")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", h.Name)

	// 注册表变化后缓存跟着更新
	require.NoError(t, reg.Deregister(ctx, "echo", "10.0.0.1:80"))
	require.NoError(t, reg.Register(ctx, "echo", registry.ServiceInstance{Addr: "10.0.0.9:80"}, 0))
	assert.Eventually(t, func() bool {
		h, err := r.Resolve(ctx, "echo", "tenant")
		return err == nil && h.Name == "10.0.0.9"
	}, time.Second, 5*time.Millisecond)
}
