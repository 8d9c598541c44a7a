package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-pool/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances, "")
		require.NoError(t, err)
		results[i] = inst.Addr
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances, "")
	assert.Equal(t, results[0], inst.Addr)
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick([]registry.ServiceInstance{}, "")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances, "")
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	instances := []registry.ServiceInstance{{Addr: ":1"}, {Addr: ":2", Weight: -3}}

	inst, err := b.Pick(instances, "")
	require.NoError(t, err)
	assert.Contains(t, []string{":1", ":2"}, inst.Addr)

	_, err = b.Pick(nil, "")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, inst := range testInstances {
		b.Add(inst)
	}

	// Same key should always map to the same instance
	inst1, err := b.Pick(nil, "user-123")
	require.NoError(t, err)
	inst2, _ := b.Pick(nil, "user-123")
	assert.Equal(t, inst1.Addr, inst2.Addr)

	// With 100 different keys and 3 nodes, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(nil, fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)

	b.Remove(inst1.Addr)
	moved, _ := b.Pick(nil, "user-123")
	assert.NotEqual(t, inst1.Addr, moved.Addr)
}

func TestConsistentHashRebuildsFromList(t *testing.T) {
	b := NewConsistentHashBalancer()

	first, err := b.Pick(testInstances, "tenant-a")
	require.NoError(t, err)
	again, _ := b.Pick([]registry.ServiceInstance{testInstances[2], testInstances[1], testInstances[0]}, "tenant-a")
	assert.Equal(t, first.Addr, again.Addr, "order of the list does not matter")

	only, err := b.Pick(testInstances[1:2], "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, ":8002", only.Addr)

	_, err = b.Pick([]registry.ServiceInstance{}, "tenant-a")
	assert.ErrorIs(t, err, ErrNoInstances)
	_, err = NewConsistentHashBalancer().Pick(nil, "x")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "RoundRobin",
		"round_robin":     "RoundRobin",
		"weighted_random": "WeightedRandom",
		"consistent_hash": "ConsistentHash",
	} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("random")
	assert.Error(t, err)
}
