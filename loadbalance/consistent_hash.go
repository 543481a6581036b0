package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"

	"hmdriver/registry"
)

// ConsistentHashBalancer maps a fixed key onto a hash ring of devices. The
// same key keeps landing on the same device while the farm is unchanged, and
// most keys stay put when a device joins or leaves.
//
// Each device is placed on the ring as 100 virtual nodes for an even spread.
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
	key      string
	replicas int
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{key: key, replicas: 100}
}

// Pick builds the ring from devices and returns the owner of the key.
func (b *ConsistentHashBalancer) Pick(devices []registry.Device) (*registry.Device, error) {
	return b.PickKey(b.key, devices)
}

// PickKey is Pick with an explicit key.
func (b *ConsistentHashBalancer) PickKey(key string, devices []registry.Device) (*registry.Device, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	ring := make([]uint32, 0, len(devices)*b.replicas)
	nodes := make(map[uint32]int, len(devices)*b.replicas)
	for i, d := range devices {
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", d.Serial, r)))
			ring = append(ring, hash)
			nodes[hash] = i
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })

	hash := crc32.ChecksumIEEE([]byte(key))
	// Binary search: first node with hash >= key's hash
	idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= hash })
	// Wrap around past the last node
	if idx == len(ring) {
		idx = 0
	}
	d := devices[nodes[ring[idx]]]
	return &d, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
