package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"hmdriver/registry"
)

var testDevices = []registry.Device{
	{Serial: "FMR0223C13000649", Weight: 10},
	{Serial: "FMR0223C13000650", Weight: 5},
	{Serial: "FMR0223C13000651", Weight: 10},
}

func TestFirst(t *testing.T) {
	devices := []registry.Device{{Serial: "c"}, {Serial: "a"}, {Serial: "b"}}
	d, err := FirstBalancer{}.Pick(devices)
	if err != nil {
		t.Fatal(err)
	}
	if d.Serial != "a" {
		t.Fatalf("expect a, got %s", d.Serial)
	}
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all devices
	seen := map[string]bool{}
	first := ""
	for i := 0; i < 3; i++ {
		d, err := b.Pick(testDevices)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = d.Serial
		}
		seen[d.Serial] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expect 3 distinct devices, got %v", seen)
	}

	// Pick again, should wrap around to first
	d, _ := b.Pick(testDevices)
	if d.Serial != first {
		t.Fatalf("expect wrap around to %s, got %s", first, d.Serial)
	}
}

func TestEmpty(t *testing.T) {
	for _, b := range []Balancer{FirstBalancer{}, &RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		if _, err := b.Pick(nil); !errors.Is(err, ErrNoDevices) {
			t.Fatalf("%s: expect ErrNoDevices, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		d, err := b.Pick(testDevices)
		if err != nil {
			t.Fatal(err)
		}
		counts[d.Serial]++
	}

	// Weight ratio is 10:5:10, so 649 and 651 should be ~2x of 650
	ratio := float64(counts["FMR0223C13000649"]) / float64(counts["FMR0223C13000650"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio = %.2f, expect ~2.0", ratio)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("suite-login")

	// Same key should always map to the same device
	d1, _ := b.Pick(testDevices)
	d2, _ := b.Pick(testDevices)
	if d1.Serial != d2.Serial {
		t.Fatalf("same key mapped to different devices: %s vs %s", d1.Serial, d2.Serial)
	}

	// Different keys should (likely) map to different devices
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		d, _ := b.PickKey(fmt.Sprintf("key-%d", i), testDevices)
		seen[d.Serial] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different devices, got %d", len(seen))
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"", "first", "round_robin", "weighted_random", "consistent_hash"} {
		if _, err := New(name, "k"); err != nil {
			t.Fatalf("%q: %v", name, err)
		}
	}
	if _, err := New("random", ""); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
