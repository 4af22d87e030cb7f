// Package discovery publishes and resolves the group's introducer address
// through etcd, so joiners do not need it configured statically.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

var (
	ErrNoIntroducer     = errors.New("discovery: no introducer registered")
	ErrIntroducerExists = errors.New("discovery: another introducer is registered")
)

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// IntroducerKey is the etcd key holding cluster's introducer address.
func IntroducerKey(cluster string) string {
	return fmt.Sprintf("/zephyr/%s/introducer", cluster)
}

// Registrar is the part of *clientv3.Client that registration needs.
type Registrar interface {
	clientv3.KV
	clientv3.Lease
}

// RegisterIntroducer publishes addr as cluster's introducer under a lease
// of ttl seconds and keeps the lease alive until the returned cancel func
// is called. Registration fails with ErrIntroducerExists if a live
// introducer with a different address holds the key. A key left holding
// addr by an earlier run is taken over under the new lease.
func RegisterIntroducer(ctx context.Context, cli Registrar, cluster string, addr gossip.Address, ttl int64, log *zap.Logger) (clientv3.LeaseID, func(), error) {
	if log == nil {
		log = zap.NewNop()
	}
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("discovery: grant lease: %w", err)
	}
	key := IntroducerKey(cluster)
	resp, err := cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, addr.String(), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		_, _ = cli.Revoke(context.Background(), lease.ID)
		return 0, nil, fmt.Errorf("discovery: register introducer: %w", err)
	}
	if !resp.Succeeded {
		var existing []*mvccpb.KeyValue
		if len(resp.Responses) > 0 {
			existing = resp.Responses[0].GetResponseRange().GetKvs()
		}
		if len(existing) == 0 || string(existing[0].Value) != addr.String() {
			_, _ = cli.Revoke(context.Background(), lease.ID)
			return 0, nil, ErrIntroducerExists
		}
		// A previous run of this member still holds the key; take it over.
		if _, err := cli.Put(ctx, key, addr.String(), clientv3.WithLease(lease.ID)); err != nil {
			_, _ = cli.Revoke(context.Background(), lease.ID)
			return 0, nil, fmt.Errorf("discovery: take over introducer key: %w", err)
		}
		log.Info("took over introducer key from an earlier run", zap.String("key", key))
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		_, _ = cli.Revoke(context.Background(), lease.ID)
		return 0, nil, fmt.Errorf("discovery: keep alive: %w", err)
	}
	go func() {
		for range ch {
		}
		log.Info("introducer lease keep-alive stopped", zap.String("key", key))
	}()
	log.Info("registered introducer", zap.String("key", key), zap.Stringer("address", addr), zap.Int64("ttl", ttl))

	stop := func() {
		cancel()
		rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer rcancel()
		_, _ = cli.Revoke(rctx, lease.ID)
	}
	return lease.ID, stop, nil
}

// LookupIntroducer resolves cluster's introducer.
func LookupIntroducer(ctx context.Context, kv clientv3.KV, cluster string) (gossip.Address, error) {
	resp, err := kv.Get(ctx, IntroducerKey(cluster))
	if err != nil {
		return gossip.Address{}, fmt.Errorf("discovery: lookup introducer: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return gossip.Address{}, ErrNoIntroducer
	}
	return parseValue(resp.Kvs[0])
}

// WaitIntroducer polls LookupIntroducer every interval until an introducer
// shows up or ctx is done.
func WaitIntroducer(ctx context.Context, kv clientv3.KV, cluster string, interval time.Duration) (gossip.Address, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		addr, err := LookupIntroducer(ctx, kv, cluster)
		if !errors.Is(err, ErrNoIntroducer) {
			return addr, err
		}
		select {
		case <-ctx.Done():
			return gossip.Address{}, ctx.Err()
		case <-t.C:
		}
	}
}

// WatchIntroducer calls fn every time cluster's introducer key changes:
// with the new address on a put and with ok false on a delete or lease
// expiry. It returns when ctx is done.
func WatchIntroducer(ctx context.Context, w clientv3.Watcher, cluster string, fn func(addr gossip.Address, ok bool)) error {
	for resp := range w.Watch(ctx, IntroducerKey(cluster)) {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("discovery: watch introducer: %w", err)
		}
		for _, ev := range resp.Events {
			applyEvent(ev, fn)
		}
	}
	return ctx.Err()
}

func applyEvent(ev *clientv3.Event, fn func(gossip.Address, bool)) {
	switch ev.Type {
	case mvccpb.PUT:
		if addr, err := parseValue(ev.Kv); err == nil {
			fn(addr, true)
		}
	case mvccpb.DELETE:
		fn(gossip.Address{}, false)
	}
}

func parseValue(kv *mvccpb.KeyValue) (gossip.Address, error) {
	addr, err := gossip.ParseAddress(string(kv.Value))
	if err != nil {
		return gossip.Address{}, fmt.Errorf("discovery: bad value at %s: %w", kv.Key, err)
	}
	return addr, nil
}
