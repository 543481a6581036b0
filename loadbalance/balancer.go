// Package loadbalance picks a device when the caller did not name one.
//
// Strategies:
//   - First:           deterministic, the lowest serial
//   - RoundRobin:      spreads successive test runs across the farm
//   - WeightedRandom:  prefers devices with a higher configured weight
//   - ConsistentHash:  the same key (e.g. a suite name) keeps landing on the same device
package loadbalance

import (
	"errors"
	"fmt"
	"sort"

	"hmdriver/registry"
)

// ErrNoDevices is returned when there is nothing to pick from.
var ErrNoDevices = errors.New("loadbalance: no devices available")

// Balancer selects one device from the candidates. Must be goroutine-safe.
type Balancer interface {
	Pick(devices []registry.Device) (*registry.Device, error)
	Name() string
}

// New returns the balancer for a strategy name as used in configuration.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "first":
		return FirstBalancer{}, nil
	case "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

// FirstBalancer picks the lowest serial.
type FirstBalancer struct{}

func (FirstBalancer) Pick(devices []registry.Device) (*registry.Device, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	sorted := sortedBySerial(devices)
	return &sorted[0], nil
}

func (FirstBalancer) Name() string {
	return "First"
}

func sortedBySerial(devices []registry.Device) []registry.Device {
	out := append([]registry.Device(nil), devices...)
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}
