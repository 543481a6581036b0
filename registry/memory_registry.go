package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps claims in process. It serves single-host setups and tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	devices  map[string]memoryEntry
	watchers map[chan []Device]struct{}
	now      func() time.Time
}

type memoryEntry struct {
	dev     Device
	expires time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		devices:  make(map[string]memoryEntry),
		watchers: make(map[chan []Device]struct{}),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, dev Device, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if cur, ok := r.devices[dev.Serial]; ok && cur.dev.Owner != dev.Owner && now.Before(cur.expires) {
		return ErrClaimed
	}
	if dev.Since.IsZero() {
		dev.Since = now
	}
	r.devices[dev.Serial] = memoryEntry{dev: dev, expires: now.Add(ttl)}
	r.notifyLocked()
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[serial]; ok {
		delete(r.devices, serial)
		r.notifyLocked()
	}
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context) ([]Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context) <-chan []Device {
	ch := make(chan []Device, 1)
	r.mu.Lock()
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	return nil
}

func (r *MemoryRegistry) snapshotLocked() []Device {
	now := r.now()
	out := make([]Device, 0, len(r.devices))
	for serial, e := range r.devices {
		if !now.Before(e.expires) {
			delete(r.devices, serial)
			continue
		}
		out = append(out, e.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// notifyLocked sends the latest list to every watcher, replacing an unread one.
func (r *MemoryRegistry) notifyLocked() {
	devices := r.snapshotLocked()
	for ch := range r.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- devices
	}
}
