package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, Device{Serial: "B", Owner: "host-1"}, time.Minute); err != nil {
		t.Fatal(err)
	}
	// another owner cannot take A
	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-2"}, time.Minute); !errors.Is(err, ErrClaimed) {
		t.Fatalf("expect ErrClaimed, got %v", err)
	}
	// the same owner refreshes
	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-1"}, time.Minute); err != nil {
		t.Fatal(err)
	}

	devices, _ := reg.Discover(ctx)
	if len(devices) != 2 || devices[0].Serial != "A" || devices[1].Serial != "B" {
		t.Fatalf("unexpected devices %+v", devices)
	}

	reg.Deregister(ctx, "A")
	devices, _ = reg.Discover(ctx)
	if len(devices) != 1 || devices[0].Serial != "B" {
		t.Fatalf("expect only B, got %+v", devices)
	}
}

func TestMemoryClaimExpires(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Date(2024, 8, 15, 16, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	ctx := context.Background()

	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-1"}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(11 * time.Second)

	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-2"}, 10*time.Second); err != nil {
		t.Fatalf("expired claim should be free: %v", err)
	}
	devices, _ := reg.Discover(ctx)
	if len(devices) != 1 || devices[0].Owner != "host-2" {
		t.Fatalf("unexpected devices %+v", devices)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := reg.Watch(ctx)
	reg.Register(context.Background(), Device{Serial: "A", Owner: "h"}, time.Minute)

	select {
	case devices := <-ch:
		if len(devices) != 1 || devices[0].Serial != "A" {
			t.Fatalf("unexpected devices %+v", devices)
		}
	case <-time.After(time.Second):
		t.Fatal("no watch event")
	}

	cancel()
	for range ch {
	}
}
