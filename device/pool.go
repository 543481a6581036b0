package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hmdriver/bridge"
	"hmdriver/loadbalance"
	"hmdriver/registry"
	"hmdriver/session"
)

const DefaultClaimTTL = 30 * time.Second

var ErrPoolClosed = errors.New("device: pool closed")

// Connector lists attached devices and opens a link to one of them.
// *bridge.HDC implements it.
type Connector interface {
	ListTargets(ctx context.Context) ([]string, error)
	Open(ctx context.Context, serial string) (bridge.Bridge, error)
}

type PoolOptions struct {
	// Session builds the session options for a device. Nil uses
	// session.DefaultOptions without provisioning.
	Session  func(b bridge.Bridge) session.Options
	Driver   Options
	Balancer loadbalance.Balancer
	// Registry, when set, records claims so other hosts skip the device.
	Registry registry.Registry
	Owner    string
	ClaimTTL time.Duration
	// Weights feed weighted balancers, keyed by serial.
	Weights map[string]int
}

type poolEntry struct {
	driver *Driver
	refs   int
}

// Pool hands out one Driver per serial and reference counts it, so tests in
// the same process share a connection to each device.
type Pool struct {
	conn Connector
	opts PoolOptions

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool
}

func NewPool(conn Connector, opts PoolOptions) *Pool {
	if opts.Balancer == nil {
		opts.Balancer = loadbalance.FirstBalancer{}
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	return &Pool{conn: conn, opts: opts, entries: make(map[string]*poolEntry)}
}

// Available lists attached devices not claimed by another owner.
func (p *Pool) Available(ctx context.Context) ([]registry.Device, error) {
	serials, err := p.conn.ListTargets(ctx)
	if err != nil {
		return nil, err
	}
	claimed := map[string]string{}
	if p.opts.Registry != nil {
		claims, err := p.opts.Registry.Discover(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range claims {
			claimed[c.Serial] = c.Owner
		}
	}
	devices := make([]registry.Device, 0, len(serials))
	for _, serial := range serials {
		if owner, ok := claimed[serial]; ok && owner != p.opts.Owner {
			continue
		}
		devices = append(devices, registry.Device{Serial: serial, Weight: p.opts.Weights[serial]})
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices, nil
}

// Acquire returns the driver for serial, connecting on first use. An empty
// serial lets the balancer choose among available devices.
func (p *Pool) Acquire(ctx context.Context, serial string) (*Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	if serial == "" {
		devices, err := p.Available(ctx)
		if err != nil {
			return nil, err
		}
		picked, err := p.opts.Balancer.Pick(devices)
		if err != nil {
			return nil, err
		}
		serial = picked.Serial
		log.Debug().Str("serial", serial).Str("balancer", p.opts.Balancer.Name()).Msg("device: picked")
	}

	if e, ok := p.entries[serial]; ok {
		e.refs++
		return e.driver, nil
	}

	d, err := p.connect(ctx, serial)
	if err != nil {
		return nil, err
	}
	p.entries[serial] = &poolEntry{driver: d, refs: 1}
	return d, nil
}

func (p *Pool) connect(ctx context.Context, serial string) (_ *Driver, err error) {
	if r := p.opts.Registry; r != nil {
		dev := registry.Device{Serial: serial, Owner: p.opts.Owner, Weight: p.opts.Weights[serial]}
		if err := r.Register(ctx, dev, p.opts.ClaimTTL); err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				p.unclaim(serial)
			}
		}()
	}

	b, err := p.conn.Open(ctx, serial)
	if err != nil {
		return nil, err
	}
	opts := session.DefaultOptions()
	if p.opts.Session != nil {
		opts = p.opts.Session(b)
	}
	s := session.New(b, opts)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	d, err := New(s, p.opts.Driver)
	if err != nil {
		s.Release()
		return nil, err
	}
	return d, nil
}

// Release drops one reference. The last release closes the session and the
// claim.
func (p *Pool) Release(serial string) {
	p.mu.Lock()
	e, ok := p.entries[serial]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.entries, serial)
	p.mu.Unlock()

	e.driver.Close()
	p.unclaim(serial)
}

// Close releases every driver regardless of references. The registry is not
// closed; it belongs to the caller.
func (p *Pool) Close() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.closed = true
	p.mu.Unlock()

	for serial, e := range entries {
		e.driver.Close()
		p.unclaim(serial)
	}
}

// Len returns the number of connected devices.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) unclaim(serial string) {
	if p.opts.Registry == nil {
		return
	}
	if err := p.opts.Registry.Deregister(context.Background(), serial); err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("device: drop claim")
	}
}
