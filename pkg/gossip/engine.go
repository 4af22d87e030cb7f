package gossip

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNotStarted    = errors.New("gossip: engine not started")
	ErrShutDown      = errors.New("gossip: engine shut down")
	ErrInvalidConfig = errors.New("gossip: invalid config")
)

// State is the engine lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateInitialized
	StateInGroup
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateInGroup:
		return "in_group"
	case StateShutDown:
		return "shut_down"
	default:
		return "unknown"
	}
}

// EngineConfig is fixed for the lifetime of an engine.
type EngineConfig struct {
	Self       Address
	Introducer Address

	// FailTimeoutTicks is the number of ticks between own heartbeat rounds.
	FailTimeoutTicks int64
	// RemoveTimeoutTicks is how long a member may stay silent before it is
	// evicted. Must exceed FailTimeoutTicks.
	RemoveTimeoutTicks int64
	Eviction           EvictionPolicy

	// JoinRetryTicks re-sends an unanswered join request every so many
	// ticks. Zero disables retries.
	JoinRetryTicks int64
	// MaxJoinAttempts caps the total number of join requests, including the
	// first one. Zero means no cap.
	MaxJoinAttempts int
}

func (c EngineConfig) Validate() error {
	switch {
	case c.Introducer.IsZero():
		return fmt.Errorf("%w: introducer address is required", ErrInvalidConfig)
	case c.FailTimeoutTicks <= 0:
		return fmt.Errorf("%w: fail timeout must be positive, got %d", ErrInvalidConfig, c.FailTimeoutTicks)
	case c.RemoveTimeoutTicks <= c.FailTimeoutTicks:
		return fmt.Errorf("%w: remove timeout (%d) must exceed fail timeout (%d)", ErrInvalidConfig, c.RemoveTimeoutTicks, c.FailTimeoutTicks)
	case c.JoinRetryTicks < 0 || c.MaxJoinAttempts < 0:
		return fmt.Errorf("%w: join retry settings must not be negative", ErrInvalidConfig)
	}
	return nil
}

type EventType uint8

const (
	EventJoined EventType = iota + 1
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventJoined:
		return "joined"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event reports a change to the local membership table. Tick is the local
// tick at which it happened.
type Event struct {
	Type   EventType
	Member Member
	Tick   int64
}

type EngineOption func(*Engine)

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithObserver registers fn to be called synchronously for every Event.
func WithObserver(fn func(Event)) EngineOption {
	return func(e *Engine) { e.observe = fn }
}

// Engine runs the membership protocol for one member. It never blocks and
// holds no locks: a single driver goroutine must own it.
type Engine struct {
	cfg     EngineConfig
	out     Sender
	log     *zap.Logger
	observe func(Event)

	members       *MemberList
	state         State
	heartbeat     int64
	tick          int64
	pingCountdown int64

	joinAttempts int
	joinWait     int64
}

func NewEngine(cfg EngineConfig, out Sender, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidConfig)
	}
	e := &Engine{
		cfg:     cfg,
		out:     out,
		log:     zap.NewNop(),
		members: NewMemberList(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(zap.Stringer("self", cfg.Self))
	return e, nil
}

// Start moves a fresh engine to Initialized. A failure here must abort the
// node's bootstrap.
func (e *Engine) Start() error {
	switch e.state {
	case StateShutDown:
		return ErrShutDown
	case StateUninitialized:
	default:
		return fmt.Errorf("gossip: engine already started (%s)", e.state)
	}
	if e.cfg.Self.IsZero() {
		return fmt.Errorf("%w: cannot bind the null address", ErrInvalidConfig)
	}
	e.members.Reset()
	e.heartbeat = 0
	e.tick = 0
	e.pingCountdown = e.cfg.FailTimeoutTicks
	e.state = StateInitialized
	e.log.Debug("engine started")
	return nil
}

// Join introduces this member to the group. The introducer itself enters
// the group immediately; everyone else sends a join request and waits for
// the response.
func (e *Engine) Join() error {
	switch e.state {
	case StateUninitialized:
		return ErrNotStarted
	case StateShutDown:
		return ErrShutDown
	case StateInGroup:
		return nil
	}
	if e.cfg.Self == e.cfg.Introducer {
		e.state = StateInGroup
		e.log.Info("starting up group")
		return nil
	}
	e.log.Info("trying to join", zap.Stringer("introducer", e.cfg.Introducer))
	e.joinAttempts = 1
	e.joinWait = e.cfg.JoinRetryTicks
	return e.sendJoinRequest()
}

// Handle processes one inbound payload. Malformed payloads are dropped and
// the decode error returned; table state is never touched by them.
func (e *Engine) Handle(payload []byte) error {
	switch e.state {
	case StateUninitialized:
		return ErrNotStarted
	case StateShutDown:
		return ErrShutDown
	}
	m, err := Decode(payload)
	if err != nil {
		return err
	}
	if m.From.ID() == e.cfg.Self.ID() {
		e.log.Debug("dropping message from self", zap.Stringer("type", m.Type))
		return nil
	}
	switch m.Type {
	case MsgJoinRequest:
		return e.handleJoinRequest(m)
	case MsgJoinResponse:
		e.handleJoinResponse(m)
	case MsgHeartbeat:
		e.admit(m.From, m.Heartbeat)
	}
	return nil
}

func (e *Engine) handleJoinRequest(m Message) error {
	if e.state != StateInGroup {
		e.log.Debug("dropping join request, not in group", zap.Stringer("from", m.From))
		return nil
	}
	e.admit(m.From, m.Heartbeat)
	resp := EncodeJoinResponse(e.cfg.Self, e.heartbeat, e.members.Snapshot())
	return e.out.Send(e.cfg.Self, m.From, resp)
}

func (e *Engine) handleJoinResponse(m Message) {
	if e.state != StateInitialized {
		e.log.Debug("dropping join response, already in group", zap.Stringer("from", m.From))
		return
	}
	e.state = StateInGroup
	e.joinAttempts = 0
	e.log.Info("joined group", zap.Stringer("introducer", m.From), zap.Int("members", len(m.Members)))
	selfID := e.cfg.Self.ID()
	for _, r := range m.Members {
		if r.ID == selfID {
			continue
		}
		if e.members.Upsert(r.ID, r.Port, r.Heartbeat, e.tick) {
			e.emit(EventJoined, Member{ID: r.ID, Port: r.Port, Heartbeat: r.Heartbeat, Timestamp: e.tick})
		}
	}
}

// admit inserts from, or refreshes it if already known.
func (e *Engine) admit(from Address, heartbeat int64) {
	id := from.ID()
	if e.members.Upsert(id, from.Port(), heartbeat, e.tick) {
		e.emit(EventJoined, Member{ID: id, Port: from.Port(), Heartbeat: heartbeat, Timestamp: e.tick})
		return
	}
	e.members.Refresh(id, heartbeat, e.tick)
}

// Tick advances the engine by one driver tick. In the group it runs the
// heartbeat round when due, evicts stale members and advances the local
// clock. Send failures are collected and returned; they never interrupt the
// round.
func (e *Engine) Tick() error {
	switch e.state {
	case StateUninitialized:
		return ErrNotStarted
	case StateShutDown:
		return ErrShutDown
	case StateInitialized:
		return e.retryJoin()
	}

	var err error
	e.pingCountdown--
	if e.pingCountdown <= 0 {
		e.heartbeat++
		payload := EncodeHeartbeat(e.cfg.Self, e.heartbeat)
		selfID := e.cfg.Self.ID()
		for _, m := range e.members.Snapshot() {
			if m.ID == selfID {
				continue
			}
			err = multierr.Append(err, e.out.Send(e.cfg.Self, m.Addr(), payload))
		}
		e.pingCountdown = e.cfg.FailTimeoutTicks
	}

	for _, m := range e.cfg.Eviction.sweep(e.members, e.tick, e.cfg.RemoveTimeoutTicks) {
		e.emit(EventRemoved, m)
	}
	e.tick++
	return err
}

func (e *Engine) retryJoin() error {
	if e.cfg.JoinRetryTicks <= 0 || e.joinAttempts == 0 {
		return nil
	}
	if e.cfg.MaxJoinAttempts > 0 && e.joinAttempts >= e.cfg.MaxJoinAttempts {
		return nil
	}
	if e.joinWait--; e.joinWait > 0 {
		return nil
	}
	e.joinWait = e.cfg.JoinRetryTicks
	e.joinAttempts++
	e.log.Info("retrying join", zap.Int("attempt", e.joinAttempts), zap.Stringer("introducer", e.cfg.Introducer))
	return e.sendJoinRequest()
}

func (e *Engine) sendJoinRequest() error {
	return e.out.Send(e.cfg.Self, e.cfg.Introducer, EncodeJoinRequest(e.cfg.Self, e.heartbeat))
}

// Shutdown stops the engine for good and clears all state.
func (e *Engine) Shutdown() {
	if e.state == StateShutDown {
		return
	}
	e.state = StateShutDown
	e.members.Reset()
	e.heartbeat = 0
	e.tick = 0
	e.pingCountdown = 0
	e.joinAttempts = 0
	e.joinWait = 0
	e.log.Info("engine shut down")
}

func (e *Engine) emit(t EventType, m Member) {
	switch t {
	case EventJoined:
		e.log.Info("node joined", zap.Stringer("member", m.Addr()), zap.Int64("tick", e.tick))
	case EventRemoved:
		e.log.Info("node removed", zap.Stringer("member", m.Addr()), zap.Int64("tick", e.tick),
			zap.Int64("last_update", m.Timestamp))
	}
	if e.observe != nil {
		e.observe(Event{Type: t, Member: m, Tick: e.tick})
	}
}

func (e *Engine) State() State { return e.state }
func (e *Engine) Self() Address { return e.cfg.Self }
func (e *Engine) Heartbeat() int64 { return e.heartbeat }
func (e *Engine) LocalTick() int64 { return e.tick }
func (e *Engine) JoinAttempts() int { return e.joinAttempts }
func (e *Engine) Members() []Member { return e.members.Snapshot() }
func (e *Engine) Member(id NodeID) (Member, bool) { return e.members.Find(id) }
