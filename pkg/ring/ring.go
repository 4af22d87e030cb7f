// Package ring places keys on the current membership view with consistent
// hashing. Every member owns a number of virtual points on a 32-bit ring;
// a key belongs to the member owning the first point at or after its hash.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32                  // sorted
	owners   map[uint32]gossip.Address // point -> member
	members  map[gossip.Address]struct{}
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = FNV32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]gossip.Address),
		members:  make(map[gossip.Address]struct{}),
	}
}

// Add places a member on the ring. Adding a present member is a no-op.
func (r *HashRing) Add(addr gossip.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[addr]; ok {
		return
	}
	r.members[addr] = struct{}{}
	r.place(addr)
	slices.Sort(r.points)
}

func (r *HashRing) Remove(addr gossip.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[addr]; !ok {
		return
	}
	delete(r.members, addr)
	r.rebuild()
}

// Sync replaces the ring's membership with members.
func (r *HashRing) Sync(members []gossip.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	for _, m := range members {
		r.members[m] = struct{}{}
	}
	r.rebuild()
}

func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.members)
	r.rebuild()
}

// rebuild recomputes every point; r.mu must be held.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for m := range r.members {
		r.place(m)
	}
	slices.Sort(r.points)
}

// place adds addr's virtual points, leaving r.points unsorted. Colliding
// points go to the smaller address so the result does not depend on
// insertion order.
func (r *HashRing) place(addr gossip.Address) {
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(addr, i))
		if cur, ok := r.owners[pt]; ok {
			if string(cur[:]) < string(addr[:]) {
				continue
			}
		} else {
			r.points = append(r.points, pt)
		}
		r.owners[pt] = addr
	}
}

// Lookup returns the member owning key. ok is false on an empty ring.
func (r *HashRing) Lookup(key []byte) (owner gossip.Address, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return gossip.Address{}, false
	}
	return r.owners[r.points[r.search(key)]], true
}

// LookupN returns up to n distinct members for key, walking clockwise from
// its owner.
func (r *HashRing) LookupN(key []byte, n int) []gossip.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[gossip.Address]struct{}, n)
	out := make([]gossip.Address, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		m := r.owners[r.points[(idx+i)%len(r.points)]]
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// search finds the first point >= hash(key), wrapping at the end.
func (r *HashRing) search(key []byte) int {
	h := r.hash(key)
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Has(addr gossip.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[addr]
	return ok
}

// Members returns the members on the ring, sorted by address.
func (r *HashRing) Members() []gossip.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gossip.Address, 0, len(r.members))
	for m := range r.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b gossip.Address) int {
		switch {
		case string(a[:]) < string(b[:]):
			return -1
		case string(a[:]) > string(b[:]):
			return 1
		}
		return 0
	})
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// FNV32a is the default Hasher.
func FNV32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(addr gossip.Address, i int) []byte {
	var buf [gossip.AddressLen + 4]byte
	copy(buf[:], addr[:])
	binary.LittleEndian.PutUint32(buf[gossip.AddressLen:], uint32(i))
	return buf[:]
}
