// Package discoverytest provides an in-memory stand-in for the slice of
// the etcd client that package discovery uses.
package discoverytest

import (
	"context"
	"errors"
	"sync"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrLeaseNotFound mirrors etcd's answer for a revoked or unknown lease.
var ErrLeaseNotFound = errors.New("etcdserver: requested lease not found")

// Store implements clientv3.KV and clientv3.Lease over a map. Get, Put,
// Txn, Grant, Revoke and KeepAlive are supported; other methods panic.
// Put and a transaction's Then put attach the value to the most recently
// granted lease, which is how discovery uses them.
type Store struct {
	clientv3.KV
	clientv3.Lease

	// BeforeCommit, if set, runs at the start of every Txn commit.
	BeforeCommit func(s *Store)
	// TxnErr, if set, fails every Txn commit.
	TxnErr error

	mu      sync.Mutex
	data    map[string]entry
	alive   map[clientv3.LeaseID]bool
	last    clientv3.LeaseID
	revoked []clientv3.LeaseID
}

type entry struct {
	value string
	lease clientv3.LeaseID
}

func New() *Store {
	return &Store{
		data:  make(map[string]entry),
		alive: make(map[clientv3.LeaseID]bool),
	}
}

// Set stores value under key as if written by another client, under a
// live lease of its own.
func (s *Store) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.grantLocked()
	s.data[key] = entry{value: value, lease: id}
}

// Value reports what key holds.
func (s *Store) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	return e.value, ok
}

// LeaseOf reports the lease key is attached to.
func (s *Store) LeaseOf(key string) clientv3.LeaseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[key].lease
}

// Alive reports whether id was granted and not revoked.
func (s *Store) Alive(id clientv3.LeaseID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive[id]
}

// Revoked lists revoked leases in order.
func (s *Store) Revoked() []clientv3.LeaseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]clientv3.LeaseID(nil), s.revoked...)
}

func (s *Store) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*clientv3.GetResponse)(s.rangeLocked(key)), nil
}

func (s *Store) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putLocked(key, val); err != nil {
		return nil, err
	}
	return &clientv3.PutResponse{}, nil
}

func (s *Store) Txn(context.Context) clientv3.Txn { return &txn{s: s} }

func (s *Store) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &clientv3.LeaseGrantResponse{ID: s.grantLocked(), TTL: ttl}, nil
}

// Revoke kills the lease and deletes the keys attached to it.
func (s *Store) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive[id] {
		return nil, ErrLeaseNotFound
	}
	s.alive[id] = false
	s.revoked = append(s.revoked, id)
	for k, e := range s.data {
		if e.lease == id {
			delete(s.data, k)
		}
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

// KeepAlive returns a channel that closes when ctx is done.
func (s *Store) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	if !s.Alive(id) {
		return nil, ErrLeaseNotFound
	}
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *Store) grantLocked() clientv3.LeaseID {
	s.last++
	s.alive[s.last] = true
	return s.last
}

func (s *Store) putLocked(key, val string) error {
	if s.last != 0 && !s.alive[s.last] {
		return ErrLeaseNotFound
	}
	s.data[key] = entry{value: val, lease: s.last}
	return nil
}

func (s *Store) rangeLocked(key string) *etcdserverpb.RangeResponse {
	resp := &etcdserverpb.RangeResponse{}
	if e, ok := s.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(e.value), Lease: int64(e.lease)}}
		resp.Count = 1
	}
	return resp
}

// txn supports a single create-if-absent comparison on one key.
type txn struct {
	s       *Store
	key     string
	thenOps []clientv3.Op
	elseOps []clientv3.Op
}

func (t *txn) If(cs ...clientv3.Cmp) clientv3.Txn {
	if len(cs) > 0 {
		t.key = string(cs[0].Key)
	}
	return t
}

func (t *txn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.thenOps = ops
	return t
}

func (t *txn) Else(ops ...clientv3.Op) clientv3.Txn {
	t.elseOps = ops
	return t
}

func (t *txn) Commit() (*clientv3.TxnResponse, error) {
	if t.s.BeforeCommit != nil {
		t.s.BeforeCommit(t.s)
	}
	if t.s.TxnErr != nil {
		return nil, t.s.TxnErr
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.data[t.key]
	ops := t.thenOps
	if exists {
		ops = t.elseOps
	}
	resp := &clientv3.TxnResponse{Succeeded: !exists}
	for _, op := range ops {
		switch {
		case op.IsPut():
			if err := s.putLocked(string(op.KeyBytes()), string(op.ValueBytes())); err != nil {
				return nil, err
			}
			resp.Responses = append(resp.Responses, &etcdserverpb.ResponseOp{
				Response: &etcdserverpb.ResponseOp_ResponsePut{ResponsePut: &etcdserverpb.PutResponse{}},
			})
		case op.IsGet():
			resp.Responses = append(resp.Responses, &etcdserverpb.ResponseOp{
				Response: &etcdserverpb.ResponseOp_ResponseRange{ResponseRange: s.rangeLocked(string(op.KeyBytes()))},
			})
		}
	}
	return resp, nil
}
