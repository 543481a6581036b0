package loadbalance

import (
	"sync/atomic"

	"hmdriver/registry"
)

// RoundRobinBalancer cycles through devices in serial order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter int64 // Atomic counter, incremented on each Pick()
}

func (b *RoundRobinBalancer) Pick(devices []registry.Device) (*registry.Device, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	sorted := sortedBySerial(devices)
	index := (atomic.AddInt64(&b.counter, 1) - 1) % int64(len(sorted))
	return &sorted[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
