package registry

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEtcd 连接本地 etcd，连不上就跳过
func newEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg, err := NewEtcdRegistry(EtcdConfig{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: time.Second,
		Prefix:      "/mini-pool-test/",
		Logger:      logger,
	})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newEtcd(t)
	ctx := context.Background()

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Scheme: "https", Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "Arith", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Arith", inst2, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, "Arith", inst1.Addr))
	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, inst2.Addr, instances[0].Addr)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst2.Addr))
}

func TestWatch(t *testing.T) {
	reg := newEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "Echo")
	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	require.NoError(t, reg.Register(context.Background(), "Echo", inst, 10))

	select {
	case instances := <-updates:
		assert.Contains(t, instances, inst)
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(context.Background(), "Echo", inst.Addr))
}
