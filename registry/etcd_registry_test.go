package registry

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// etcdEndpoints returns the endpoints from HMDRIVER_ETCD_ENDPOINTS or skips.
func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	raw := os.Getenv("HMDRIVER_ETCD_ENDPOINTS")
	if raw == "" {
		t.Skip("HMDRIVER_ETCD_ENDPOINTS not set")
	}
	return strings.Split(raw, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx := context.Background()

	// unique prefix per run
	reg.prefix = "/hmdriver-test/" + uuid.NewString() + "/"

	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-1"}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, Device{Serial: "B", Owner: "host-1"}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, Device{Serial: "A", Owner: "host-2"}, 10*time.Second); !errors.Is(err, ErrClaimed) {
		t.Fatalf("expect ErrClaimed, got %v", err)
	}

	devices, err := reg.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 {
		t.Fatalf("expect 2 devices, got %d", len(devices))
	}

	if err := reg.Deregister(ctx, "A"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	devices, err = reg.Discover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].Serial != "B" {
		t.Fatalf("expect only B after deregister, got %+v", devices)
	}
}
