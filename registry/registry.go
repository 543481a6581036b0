// Package registry records which host currently drives which device, so two
// test runners sharing a device farm do not drive the same device.
package registry

import (
	"context"
	"errors"
	"time"
)

// ErrClaimed is returned when another owner holds the device.
var ErrClaimed = errors.New("registry: device claimed by another owner")

// Device is one claimed device.
type Device struct {
	Serial string    `json:"serial"`
	Owner  string    `json:"owner"`            // host or process id of the claimant
	Addr   string    `json:"addr,omitempty"`   // forwarded agent address on the owner host
	Model  string    `json:"model,omitempty"`  // diagnostics only
	Weight int       `json:"weight,omitempty"` // preference when picking among devices
	Since  time.Time `json:"since"`
}

type Registry interface {
	// Register claims dev.Serial for dev.Owner. The claim expires after ttl
	// unless the registry keeps it alive. Re-registering by the same owner
	// refreshes the entry.
	Register(ctx context.Context, dev Device, ttl time.Duration) error
	// Deregister drops the claim on serial.
	Deregister(ctx context.Context, serial string) error
	// Discover lists current claims.
	Discover(ctx context.Context) ([]Device, error)
	// Watch emits the full claim list on every change until ctx is done.
	Watch(ctx context.Context) <-chan []Device
	Close() error
}
