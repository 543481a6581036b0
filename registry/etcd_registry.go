// etcd-backed claims use one key per device:
//
//	Key:   /hmdriver/devices/{Serial}
//	Value: JSON-encoded Device
//
// Every claim is attached to a TTL lease kept alive in the background. If the
// owner crashes, the lease expires and the device becomes free again.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const DefaultPrefix = "/hmdriver/devices/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string

	mu     sync.Mutex
	leases map[string]claimLease // serial → lease held by this process
}

type claimLease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		leases: make(map[string]claimLease),
	}, nil
}

func (r *EtcdRegistry) key(serial string) string {
	return r.prefix + serial
}

// Register claims the device with a TTL lease.
//
// Flow:
//  1. Grant a lease with the given TTL
//  2. Put the key only if it does not exist yet, or already belongs to the owner
//  3. Start KeepAlive to renew the lease until Deregister or Close
func (r *EtcdRegistry) Register(ctx context.Context, dev Device, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if dev.Since.IsZero() {
		dev.Since = time.Now()
	}
	val, err := json.Marshal(dev)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return err
	}

	key := r.key(dev.Serial)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(val), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		r.revoke(lease.ID)
		return err
	}
	if !resp.Succeeded {
		var cur Device
		kvs := resp.Responses[0].GetResponseRange().Kvs
		if len(kvs) > 0 {
			_ = json.Unmarshal(kvs[0].Value, &cur)
		}
		if cur.Owner != dev.Owner {
			r.revoke(lease.ID)
			return fmt.Errorf("%w: %s held by %s", ErrClaimed, dev.Serial, cur.Owner)
		}
		// same owner: move the key to the new lease
		if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
			r.revoke(lease.ID)
			return err
		}
	}

	// KeepAlive must outlive ctx, which usually belongs to a single request.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		r.revoke(lease.ID)
		return err
	}
	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, hadOld := r.leases[dev.Serial]
	r.leases[dev.Serial] = claimLease{id: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if hadOld {
		old.cancel()
		r.revoke(old.id)
	}
	log.Debug().Str("serial", dev.Serial).Str("owner", dev.Owner).Int64("ttl", seconds).Msg("registry: device claimed")
	return nil
}

// Deregister removes the claim and stops renewing its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serial string) error {
	r.mu.Lock()
	l, ok := r.leases[serial]
	delete(r.leases, serial)
	r.mu.Unlock()
	if ok {
		l.cancel()
	}

	if _, err := r.client.Delete(ctx, r.key(serial)); err != nil {
		return err
	}
	if ok {
		r.revoke(l.id)
	}
	return nil
}

// Discover returns every current claim.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]Device, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var dev Device
		if err := json.Unmarshal(kv.Value, &dev); err != nil {
			continue // Skip malformed entries
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Watch re-reads the claim list on any change under the prefix. Uses etcd's
// Watch API (server-push) rather than polling.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []Device {
	ch := make(chan []Device, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.prefix, clientv3.WithPrefix())
		for range watchChan {
			devices, err := r.Discover(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("registry: refresh after watch event")
				continue
			}
			select {
			case ch <- devices:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close drops every claim held by this process and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]claimLease)
	r.mu.Unlock()

	for _, l := range leases {
		l.cancel()
		r.revoke(l.id)
	}
	return r.client.Close()
}

func (r *EtcdRegistry) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		log.Debug().Err(err).Msg("registry: revoke lease")
	}
}
