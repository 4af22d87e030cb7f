package node

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/internal/telemetry"
	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
	"github.com/ryandielhenn/zephyrmember/pkg/ring"
)

// Viewer is the read side of a running member; *gossip.Gossiper
// implements it.
type Viewer interface {
	View() gossip.View
}

// Node serves the admin HTTP surface for one member.
type Node struct {
	view    Viewer
	ring    *ring.HashRing
	log     *zap.Logger
	runID   uuid.UUID
	started time.Time
	rf      int
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

func WithRunID(id uuid.UUID) Option {
	return func(n *Node) { n.runID = id }
}

// WithReplicationFactor sets how many owners /owner reports per key.
func WithReplicationFactor(rf int) Option {
	return func(n *Node) { n.rf = rf }
}

func New(v Viewer, r *ring.HashRing, opts ...Option) *Node {
	n := &Node{
		view:    v,
		ring:    r,
		log:     zap.NewNop(),
		runID:   uuid.New(),
		started: time.Now(),
		rf:      1,
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.rf < 1 {
		n.rf = 1
	}
	return n
}

func (n *Node) RunID() uuid.UUID { return n.runID }

// TrackRing returns an event listener that keeps r in step with the
// membership table. self must be added to r by the caller.
func TrackRing(r *ring.HashRing) func(gossip.Event) {
	return func(ev gossip.Event) {
		switch ev.Type {
		case gossip.EventJoined:
			r.Add(ev.Member.Addr())
		case gossip.EventRemoved:
			r.Remove(ev.Member.Addr())
		}
	}
}

// Routes returns the admin mux with every handler instrumented.
func (n *Node) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/members", telemetry.Instrument("members", http.HandlerFunc(n.Members)))
	mux.Handle("/owner", telemetry.Instrument("owner", http.HandlerFunc(n.Owner)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}
