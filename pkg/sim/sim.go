// Package sim runs a whole group of membership engines in one process over
// the emulated network, in lockstep. Every Step delivers queued messages
// to each live node and then ticks it, so runs are deterministic for a
// given seed.
package sim

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/pkg/emulnet"
	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

type Config struct {
	Nodes              int
	FailTimeoutTicks   int64
	RemoveTimeoutTicks int64
	DropProbability    float64
	Seed               int64
	// JoinInterval is the number of ticks between consecutive nodes
	// starting up. Zero starts every node on the first tick.
	JoinInterval int
	// FailAt is the tick at which FailCount randomly chosen nodes (never
	// the introducer) crash. Zero disables failure injection.
	FailAt    int
	FailCount int
	Eviction  gossip.EvictionPolicy
	// JoinRetryTicks is passed through to every engine.
	JoinRetryTicks int64
}

func (c Config) Validate() error {
	switch {
	case c.Nodes < 1:
		return fmt.Errorf("sim: need at least one node, got %d", c.Nodes)
	case c.Nodes > 0xffff:
		return fmt.Errorf("sim: too many nodes (%d)", c.Nodes)
	case c.JoinInterval < 0:
		return errors.New("sim: join interval must not be negative")
	case c.DropProbability < 0 || c.DropProbability > 1:
		return fmt.Errorf("sim: drop probability %v out of range", c.DropProbability)
	case c.FailAt > 0 && (c.FailCount < 0 || c.FailCount > c.Nodes-1):
		return fmt.Errorf("sim: can fail at most %d nodes, asked for %d", c.Nodes-1, c.FailCount)
	}
	return nil
}

// NodeAddress is the address of the i-th simulated node. Node 0 is the
// introducer.
func NodeAddress(i int) gossip.Address {
	if i == 0 {
		return gossip.NewAddress(1, 0)
	}
	return gossip.NewAddress(gossip.NodeID(i+1), uint16(i))
}

type node struct {
	addr         gossip.Address
	engine       *gossip.Engine
	ep           *emulnet.Endpoint
	started      bool
	failed       bool
	failedAt     int
	decodeErrors int
	sendErrors   int
}

// Joined is one node adding another to its table.
type Joined struct {
	Observer gossip.Address
	Member   gossip.Address
	Tick     int
}

// Removed is one node evicting another. Latency is the number of ticks since
// the member crashed, or -1 if it never did (a false positive).
type Removed struct {
	Observer gossip.Address
	Member   gossip.Address
	Tick     int
	Latency  int
}

type Sim struct {
	cfg   Config
	log   *zap.Logger
	net   *emulnet.Network
	rng   *rand.Rand
	nodes []*node
	tick  int

	joins    []Joined
	removals []Removed
}

func New(cfg Config, log *zap.Logger) (*Sim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sim{
		cfg: cfg,
		log: log,
		net: emulnet.New(emulnet.Config{DropProbability: cfg.DropProbability, Seed: cfg.Seed}),
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
	introducer := NodeAddress(0)
	for i := 0; i < cfg.Nodes; i++ {
		addr := NodeAddress(i)
		ep, err := s.net.Attach(addr)
		if err != nil {
			return nil, err
		}
		n := &node{addr: addr, ep: ep}
		n.engine, err = gossip.NewEngine(gossip.EngineConfig{
			Self:               addr,
			Introducer:         introducer,
			FailTimeoutTicks:   cfg.FailTimeoutTicks,
			RemoveTimeoutTicks: cfg.RemoveTimeoutTicks,
			Eviction:           cfg.Eviction,
			JoinRetryTicks:     cfg.JoinRetryTicks,
		}, ep, gossip.WithLogger(log), gossip.WithObserver(s.observer(n)))
		if err != nil {
			return nil, err
		}
		s.nodes = append(s.nodes, n)
	}
	return s, nil
}

func (s *Sim) observer(n *node) func(gossip.Event) {
	return func(ev gossip.Event) {
		switch ev.Type {
		case gossip.EventJoined:
			s.joins = append(s.joins, Joined{Observer: n.addr, Member: ev.Member.Addr(), Tick: s.tick})
		case gossip.EventRemoved:
			r := Removed{Observer: n.addr, Member: ev.Member.Addr(), Tick: s.tick, Latency: -1}
			if i := s.indexOf(ev.Member.ID); i >= 0 && s.nodes[i].failed {
				r.Latency = s.tick - s.nodes[i].failedAt
			}
			s.removals = append(s.removals, r)
		}
	}
}

func (s *Sim) indexOf(id gossip.NodeID) int {
	for i, n := range s.nodes {
		if n.addr.ID() == id {
			return i
		}
	}
	return -1
}

// Step advances the whole group by one tick.
func (s *Sim) Step() {
	for i, n := range s.nodes {
		if n.started || n.failed || s.tick < i*s.cfg.JoinInterval {
			continue
		}
		if err := n.engine.Start(); err != nil {
			s.log.Error("node failed to start", zap.Stringer("node", n.addr), zap.Error(err))
			n.failed = true
			continue
		}
		n.started = true
		if err := n.engine.Join(); err != nil {
			n.sendErrors++
		}
	}

	if s.cfg.FailAt > 0 && s.tick == s.cfg.FailAt {
		s.failRandom(s.cfg.FailCount)
	}

	for _, n := range s.nodes {
		if !n.started || n.failed {
			continue
		}
		for p, ok := n.ep.TryReceive(); ok; p, ok = n.ep.TryReceive() {
			if err := n.engine.Handle(p); errors.Is(err, gossip.ErrMalformedMessage) {
				n.decodeErrors++
			} else if err != nil {
				n.sendErrors++
			}
		}
		if err := n.engine.Tick(); err != nil {
			n.sendErrors++
		}
	}
	s.tick++
}

func (s *Sim) Run(ticks int) {
	for n := 0; n < ticks; n++ {
		s.Step()
	}
}

func (s *Sim) failRandom(count int) {
	candidates := make([]int, 0, len(s.nodes)-1)
	for i := 1; i < len(s.nodes); i++ {
		if !s.nodes[i].failed {
			candidates = append(candidates, i)
		}
	}
	s.rng.Shuffle(len(candidates), func(a, b int) { candidates[a], candidates[b] = candidates[b], candidates[a] })
	for _, i := range candidates[:min(count, len(candidates))] {
		s.Fail(i)
	}
}

// Fail crashes node i: it stops being stepped and the network drops its
// traffic.
func (s *Sim) Fail(i int) {
	n := s.nodes[i]
	if n.failed {
		return
	}
	n.failed = true
	n.failedAt = s.tick
	s.net.Fail(n.addr)
	s.log.Info("node failed", zap.Stringer("node", n.addr), zap.Int("tick", s.tick))
}

func (s *Sim) Tick() int { return s.tick }

func (s *Sim) Len() int { return len(s.nodes) }

func (s *Sim) Engine(i int) *gossip.Engine { return s.nodes[i].engine }

func (s *Sim) Failed(i int) bool { return s.nodes[i].failed }

// View is node i's current table.
func (s *Sim) View(i int) []gossip.Member { return s.nodes[i].engine.Members() }

// Converged reports whether every live node is in the group and knows
// exactly the other live nodes.
func (s *Sim) Converged() bool {
	var live []gossip.NodeID
	for _, n := range s.nodes {
		if !n.failed {
			live = append(live, n.addr.ID())
		}
	}
	for _, n := range s.nodes {
		if n.failed {
			continue
		}
		if n.engine.State() != gossip.StateInGroup {
			return false
		}
		var got []gossip.NodeID
		for _, m := range n.engine.Members() {
			got = append(got, m.ID)
		}
		want := slices.DeleteFunc(slices.Clone(live), func(id gossip.NodeID) bool { return id == n.addr.ID() })
		slices.Sort(got)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			return false
		}
	}
	return true
}

type NodeReport struct {
	Addr         gossip.Address
	State        gossip.State
	Failed       bool
	Heartbeat    int64
	Members      []gossip.Address
	Traffic      emulnet.Stats
	DecodeErrors int
	SendErrors   int
}

type Report struct {
	Ticks     int
	Converged bool
	Joins     []Joined
	Removals  []Removed
	Nodes     []NodeReport
}

func (s *Sim) Report() Report {
	r := Report{
		Ticks:     s.tick,
		Converged: s.Converged(),
		Joins:     slices.Clone(s.joins),
		Removals:  slices.Clone(s.removals),
	}
	for _, n := range s.nodes {
		nr := NodeReport{
			Addr:         n.addr,
			State:        n.engine.State(),
			Failed:       n.failed,
			Heartbeat:    n.engine.Heartbeat(),
			Traffic:      s.net.Stats(n.addr),
			DecodeErrors: n.decodeErrors,
			SendErrors:   n.sendErrors,
		}
		for _, m := range n.engine.Members() {
			nr.Members = append(nr.Members, m.Addr())
		}
		r.Nodes = append(r.Nodes, nr)
	}
	return r
}

// FalsePositives counts removals of members that never crashed.
func (r Report) FalsePositives() int {
	var n int
	for _, rm := range r.Removals {
		if rm.Latency < 0 {
			n++
		}
	}
	return n
}

// WriteTo prints the report as aligned text.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ticks\t%d\n", r.Ticks)
	fmt.Fprintf(tw, "converged\t%t\n", r.Converged)
	fmt.Fprintf(tw, "joins\t%d\n", len(r.Joins))
	fmt.Fprintf(tw, "removals\t%d (false positives %d)\n\n", len(r.Removals), r.FalsePositives())

	for _, rm := range r.Removals {
		fmt.Fprintf(tw, "removed\t%s\tby %s\tat tick %d\tlatency %d\n", rm.Member, rm.Observer, rm.Tick, rm.Latency)
	}
	fmt.Fprintln(tw, "\nnode\tstate\theartbeat\tmembers\tsent\trecv\tdropped")
	for _, n := range r.Nodes {
		state := n.State.String()
		if n.Failed {
			state = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n", n.Addr, state, n.Heartbeat, len(n.Members),
			n.Traffic.Sent, n.Traffic.Received, n.Traffic.Dropped)
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
