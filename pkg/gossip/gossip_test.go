package gossip_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrmember/internal/telemetry"
	"github.com/ryandielhenn/zephyrmember/pkg/emulnet"
	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

var (
	addrA = gossip.NewAddress(1, 0)
	addrB = gossip.NewAddress(2, 100)
)

func engineConfig(self gossip.Address) gossip.EngineConfig {
	return gossip.EngineConfig{
		Self:               self,
		Introducer:         addrA,
		FailTimeoutTicks:   2,
		RemoveTimeoutTicks: 6,
	}
}

type stepped struct {
	engine *gossip.Engine
	ep     *emulnet.Endpoint
}

func (s stepped) drain(t *testing.T) {
	t.Helper()
	for {
		p, ok := s.ep.TryReceive()
		if !ok {
			return
		}
		require.NoError(t, s.engine.Handle(p))
	}
}

func newStepped(t *testing.T, n *emulnet.Network, self gossip.Address) stepped {
	t.Helper()
	ep, err := n.Attach(self)
	require.NoError(t, err)
	e, err := gossip.NewEngine(engineConfig(self), ep, gossip.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	return stepped{engine: e, ep: ep}
}

func TestTwoNodeJoinOverEmulatedNetwork(t *testing.T) {
	n := emulnet.New(emulnet.Config{Seed: 1})
	a := newStepped(t, n, addrA)
	b := newStepped(t, n, addrB)

	require.NoError(t, a.engine.Join())
	require.NoError(t, b.engine.Join())
	assert.Equal(t, gossip.StateInGroup, a.engine.State())
	assert.Equal(t, gossip.StateInitialized, b.engine.State())

	a.drain(t)
	require.Len(t, a.engine.Members(), 1)
	assert.Equal(t, addrB, a.engine.Members()[0].Addr())

	b.drain(t)
	assert.Equal(t, gossip.StateInGroup, b.engine.State())
	require.Len(t, b.engine.Members(), 0, "the response carries only the introducer's view, which is B itself")

	// B learns A from A's first heartbeat.
	for n := 0; n < 2; n++ {
		require.NoError(t, a.engine.Tick())
		require.NoError(t, b.engine.Tick())
	}
	b.drain(t)
	a.drain(t)
	m, ok := b.engine.Member(1)
	require.True(t, ok)
	assert.Equal(t, addrA, m.Addr())
	assert.Equal(t, int64(1), m.Heartbeat)
}

func TestFailedNodeIsEvicted(t *testing.T) {
	n := emulnet.New(emulnet.Config{Seed: 1})
	a := newStepped(t, n, addrA)
	b := newStepped(t, n, addrB)
	require.NoError(t, a.engine.Join())
	require.NoError(t, b.engine.Join())
	a.drain(t)
	b.drain(t)

	n.Fail(addrB)
	for n := 0; n < 10; n++ {
		require.NoError(t, a.engine.Tick())
		a.drain(t)
	}
	assert.Empty(t, a.engine.Members())
	assert.Positive(t, n.Stats(addrB).Dropped)
}

func TestGossiperRun(t *testing.T) {
	n := emulnet.New(emulnet.Config{Seed: 1})
	epA, err := n.Attach(addrA)
	require.NoError(t, err)
	epB, err := n.Attach(addrB)
	require.NoError(t, err)

	var joined []gossip.Event
	gA, err := gossip.New(gossip.Config{Engine: engineConfig(addrA), TickInterval: 5 * time.Millisecond}, epA,
		zaptest.NewLogger(t), gossip.OnEvent(func(ev gossip.Event) {
			if ev.Type == gossip.EventJoined {
				joined = append(joined, ev)
			}
		}))
	require.NoError(t, err)
	gB, err := gossip.New(gossip.Config{Engine: engineConfig(addrB), TickInterval: 5 * time.Millisecond}, epB, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, gossip.StateUninitialized, gA.View().State)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	go func() { errs <- gA.Run(ctx) }()
	require.Eventually(t, func() bool { return gA.View().State == gossip.StateInGroup }, time.Second, time.Millisecond)
	go func() { errs <- gB.Run(ctx) }()

	require.Eventually(t, func() bool {
		va, vb := gA.View(), gB.View()
		return va.State == gossip.StateInGroup && vb.State == gossip.StateInGroup &&
			len(va.Members) == 1 && len(vb.Members) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, addrB, gA.View().Members[0].Addr())
	assert.Equal(t, addrA, gB.View().Members[0].Addr())
	for _, addr := range []gossip.Address{addrA, addrB} {
		assert.Equal(t, 1.0, testutil.ToFloat64(telemetry.Members.WithLabelValues(addr.String())), addr.String())
		assert.Equal(t, float64(gossip.StateInGroup), testutil.ToFloat64(telemetry.EngineState.WithLabelValues(addr.String())))
	}

	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, gossip.StateShutDown, gA.View().State)
	assert.Equal(t, float64(gossip.StateShutDown), testutil.ToFloat64(telemetry.EngineState.WithLabelValues(addrA.String())))
	assert.Empty(t, gA.View().Members)
	require.NotEmpty(t, joined)
	assert.Equal(t, gossip.NodeID(2), joined[0].Member.ID)
}

func TestGossiperRejectsBadConfig(t *testing.T) {
	n := emulnet.New(emulnet.Config{})
	ep, err := n.Attach(addrA)
	require.NoError(t, err)

	_, err = gossip.New(gossip.Config{Engine: engineConfig(addrA)}, ep, nil)
	assert.ErrorIs(t, err, gossip.ErrInvalidConfig)
	_, err = gossip.New(gossip.Config{Engine: engineConfig(addrA), TickInterval: time.Second}, nil, nil)
	assert.ErrorIs(t, err, gossip.ErrInvalidConfig)

	g, err := gossip.New(gossip.Config{Engine: engineConfig(gossip.Address{}), TickInterval: time.Second}, ep, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, g.Run(context.Background()), gossip.ErrInvalidConfig)
}
