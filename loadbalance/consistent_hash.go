package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"mini-pool/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// so requests for one key keep reusing the connections pooled for it.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per instance ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32                            // sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance // hash value → instance
	addrs map[string]struct{}
	set   string // signature of the instance list the ring was built from
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
		addrs:    make(map[string]struct{}),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	b.set = ""
}

func (b *ConsistentHashBalancer) add(instance registry.ServiceInstance) {
	if _, ok := b.addrs[instance.Addr]; ok {
		return
	}
	b.addrs[instance.Addr] = struct{}{}
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Remove takes an instance and its virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.addrs[addr]; !ok {
		return
	}
	delete(b.addrs, addr)
	ring := b.ring[:0]
	for _, h := range b.ring {
		if b.nodes[h].Addr == addr {
			delete(b.nodes, h)
			continue
		}
		ring = append(ring, h)
	}
	b.ring = ring
	b.set = ""
}

// Pick finds the instance responsible for key. When instances differs from
// the ring contents, the ring is rebuilt from instances first; a nil list
// picks from the instances added with Add.
//
// It hashes the key, then binary-searches for the first node >= hash on the
// ring, wrapping around to the first node.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if instances != nil {
		if len(instances) == 0 {
			return nil, ErrNoInstances
		}
		if sig := signature(instances); sig != b.set {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]registry.ServiceInstance)
			b.addrs = make(map[string]struct{})
			for _, inst := range instances {
				b.add(inst)
			}
			b.set = sig
		}
	}
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
