package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmember/internal/telemetry"
)

// Config configures a Gossiper.
type Config struct {
	Engine       EngineConfig
	TickInterval time.Duration
	// InboxSize bounds the number of received payloads waiting for the
	// driver loop.
	InboxSize int
}

// View is an immutable copy of the engine state, safe to share across
// goroutines.
type View struct {
	Self      Address
	State     State
	Heartbeat int64
	Tick      int64
	Members   []Member
}

type Option func(*Gossiper)

// OnEvent registers fn for membership events. fn runs on the driver
// goroutine and must not block.
func OnEvent(fn func(Event)) Option {
	return func(g *Gossiper) { g.listeners = append(g.listeners, fn) }
}

// Gossiper is the driver loop: it owns one Engine, feeds it inbound
// messages from the Transport and ticks it at a fixed cadence. Run is the
// only method that touches the engine.
type Gossiper struct {
	cfg       Config
	tr        Transport
	engine    *Engine
	log       *zap.Logger
	listeners []func(Event)

	view atomic.Pointer[View]
}

func New(cfg Config, tr Transport, log *zap.Logger, opts ...Option) (*Gossiper, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gossiper{cfg: cfg, tr: tr, log: log.With(zap.Stringer("self", cfg.Engine.Self))}
	for _, opt := range opts {
		opt(g)
	}

	engine, err := NewEngine(cfg.Engine, countingSender{tr}, WithLogger(log), WithObserver(g.dispatch))
	if err != nil {
		return nil, err
	}
	g.engine = engine
	g.publish()
	return g, nil
}

// Run starts the engine, joins the group and drives the protocol until ctx
// is cancelled. Only a failure to start the engine is returned; everything
// else is logged and the loop carries on. The engine is shut down on return.
func (g *Gossiper) Run(ctx context.Context) error {
	if err := g.engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		g.engine.Shutdown()
		g.publish()
	}()

	if err := g.engine.Join(); err != nil {
		g.log.Warn("join request failed", zap.Error(err))
	}
	g.publish()

	inbox := make(chan []byte, g.cfg.InboxSize)
	pumpCtx, stopPump := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.pump(pumpCtx, inbox)
	}()
	defer func() {
		stopPump()
		wg.Wait()
	}()

	ticker := time.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info("driver loop stopping", zap.Error(ctx.Err()))
			return nil
		case payload := <-inbox:
			g.handle(payload)
		case <-ticker.C:
			g.tick()
		}
	}
}

// pump moves payloads from the transport into inbox, one Receive per
// message.
func (g *Gossiper) pump(ctx context.Context, inbox chan<- []byte) {
	for {
		payload, err := g.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.cfg.TickInterval):
			}
			continue
		}
		select {
		case inbox <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gossiper) handle(payload []byte) {
	kind := "unknown"
	if len(payload) > 0 {
		kind = MsgType(payload[0]).String()
	}
	telemetry.MessagesTotal.WithLabelValues(kind, "in").Inc()

	err := g.engine.Handle(payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedMessage):
		telemetry.DecodeErrors.Inc()
		g.log.Debug("dropping malformed message", zap.Error(err))
	default:
		g.log.Warn("handling message failed", zap.String("kind", kind), zap.Error(err))
	}
	g.publish()
}

func (g *Gossiper) tick() {
	start := time.Now()
	before := g.engine.Heartbeat()
	err := g.engine.Tick()
	telemetry.TickDuration.Observe(time.Since(start).Seconds())
	if g.engine.Heartbeat() > before {
		telemetry.HeartbeatRounds.Inc()
	}
	if err != nil {
		g.log.Warn("tick completed with send failures", zap.Error(err))
	}
	g.publish()
}

func (g *Gossiper) dispatch(ev Event) {
	telemetry.MemberEvents.WithLabelValues(ev.Type.String()).Inc()
	for _, fn := range g.listeners {
		fn(ev)
	}
}

func (g *Gossiper) publish() {
	v := &View{
		Self:      g.engine.Self(),
		State:     g.engine.State(),
		Heartbeat: g.engine.Heartbeat(),
		Tick:      g.engine.LocalTick(),
		Members:   g.engine.Members(),
	}
	self := v.Self.String()
	telemetry.Members.WithLabelValues(self).Set(float64(len(v.Members)))
	telemetry.EngineState.WithLabelValues(self).Set(float64(v.State))
	g.view.Store(v)
}

// View returns the state published after the most recent driver step.
func (g *Gossiper) View() View {
	return *g.view.Load()
}

func (g *Gossiper) Self() Address { return g.cfg.Engine.Self }

// countingSender records outbound traffic before handing it to the
// transport.
type countingSender struct{ Sender }

func (s countingSender) Send(from, to Address, payload []byte) error {
	kind := "unknown"
	if len(payload) > 0 {
		kind = MsgType(payload[0]).String()
	}
	telemetry.MessagesTotal.WithLabelValues(kind, "out").Inc()
	err := s.Sender.Send(from, to, payload)
	if err != nil {
		telemetry.SendErrors.Inc()
	}
	return err
}
