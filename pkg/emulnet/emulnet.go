// Package emulnet is an in-process emulated network for running many
// membership engines in one process. Every endpoint has a buffered inbox;
// the network can drop messages at random (seeded, so runs are
// reproducible), cut links between endpoints and fail endpoints outright.
package emulnet

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

var (
	ErrUnknownAddress = errors.New("emulnet: no endpoint at address")
	ErrAttached       = errors.New("emulnet: address already attached")
	ErrInboxFull      = errors.New("emulnet: inbox full")
	ErrClosed         = errors.New("emulnet: endpoint closed")
)

type Config struct {
	// DropProbability is the chance in [0, 1] that any message is lost.
	DropProbability float64
	Seed            int64
	// InboxSize bounds each endpoint's undelivered messages. Defaults to 1024.
	InboxSize int
}

// Stats counts traffic for one address.
type Stats struct {
	Sent     int
	Received int
	Dropped  int
}

type link struct{ from, to gossip.Address }

type Network struct {
	mu        sync.Mutex
	cfg       Config
	rng       *rand.Rand
	endpoints map[gossip.Address]*Endpoint
	failed    map[gossip.Address]bool
	cut       map[link]bool
	stats     map[gossip.Address]*Stats
}

func New(cfg Config) *Network {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	return &Network{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		endpoints: make(map[gossip.Address]*Endpoint),
		failed:    make(map[gossip.Address]bool),
		cut:       make(map[link]bool),
		stats:     make(map[gossip.Address]*Stats),
	}
}

// Attach creates the endpoint for addr.
func (n *Network) Attach(addr gossip.Address) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, ErrAttached
	}
	ep := &Endpoint{
		addr:   addr,
		net:    n,
		inbox:  make(chan []byte, n.cfg.InboxSize),
		closed: make(chan struct{}),
	}
	n.endpoints[addr] = ep
	n.statsFor(addr)
	return ep, nil
}

// Fail silently drops all traffic to and from addr until Recover.
func (n *Network) Fail(addr gossip.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[addr] = true
}

func (n *Network) Recover(addr gossip.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failed, addr)
}

// Partition cuts the link between a and b in both directions.
func (n *Network) Partition(a, b gossip.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{a, b}] = true
	n.cut[link{b, a}] = true
}

func (n *Network) Heal(a, b gossip.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, link{a, b})
	delete(n.cut, link{b, a})
}

func (n *Network) SetDropProbability(p float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg.DropProbability = p
}

func (n *Network) Stats(addr gossip.Address) Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.stats[addr]; ok {
		return *s
	}
	return Stats{}
}

// statsFor must be called with n.mu held.
func (n *Network) statsFor(addr gossip.Address) *Stats {
	s, ok := n.stats[addr]
	if !ok {
		s = &Stats{}
		n.stats[addr] = s
	}
	return s
}

func (n *Network) send(from, to gossip.Address, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	dst, ok := n.endpoints[to]
	if !ok {
		return &gossip.TransportError{From: from, To: to, Err: ErrUnknownAddress}
	}
	n.statsFor(from).Sent++

	if n.failed[from] || n.failed[to] || n.cut[link{from, to}] {
		n.statsFor(to).Dropped++
		return nil
	}
	if p := n.cfg.DropProbability; p > 0 && n.rng.Float64() < p {
		n.statsFor(to).Dropped++
		return nil
	}

	select {
	case <-dst.closed:
		return &gossip.TransportError{From: from, To: to, Err: ErrClosed}
	default:
	}
	select {
	case dst.inbox <- append([]byte(nil), payload...):
		n.statsFor(to).Received++
		return nil
	default:
		n.statsFor(to).Dropped++
		return &gossip.TransportError{From: from, To: to, Err: ErrInboxFull}
	}
}

func (n *Network) detach(addr gossip.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Endpoint is one member's attachment to the network. It implements
// gossip.Transport.
type Endpoint struct {
	addr  gossip.Address
	net   *Network
	inbox chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

var _ gossip.Transport = (*Endpoint)(nil)

func (e *Endpoint) Addr() gossip.Address { return e.addr }

func (e *Endpoint) Send(from, to gossip.Address, payload []byte) error {
	select {
	case <-e.closed:
		return &gossip.TransportError{From: from, To: to, Err: ErrClosed}
	default:
	}
	return e.net.send(from, to, payload)
}

func (e *Endpoint) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-e.inbox:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, ErrClosed
	}
}

// TryReceive returns the next queued payload without blocking.
func (e *Endpoint) TryReceive() ([]byte, bool) {
	select {
	case p := <-e.inbox:
		return p, true
	default:
		return nil, false
	}
}

// Pending reports how many payloads are queued.
func (e *Endpoint) Pending() int { return len(e.inbox) }

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.net.detach(e.addr)
		close(e.closed)
	})
	return nil
}
