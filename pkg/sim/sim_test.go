package sim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

func baseConfig() Config {
	return Config{
		Nodes:              10,
		FailTimeoutTicks:   2,
		RemoveTimeoutTicks: 8,
		Seed:               42,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, baseConfig().Validate())

	c := baseConfig()
	c.Nodes = 0
	assert.Error(t, c.Validate())

	c = baseConfig()
	c.FailAt, c.FailCount = 5, 10
	assert.Error(t, c.Validate(), "cannot fail every node including the introducer")

	c = baseConfig()
	c.DropProbability = 1.5
	assert.Error(t, c.Validate())

	c = baseConfig()
	c.RemoveTimeoutTicks = 1
	_, err := New(c, nil)
	assert.ErrorIs(t, err, gossip.ErrInvalidConfig)
}

func TestNodeAddresses(t *testing.T) {
	assert.Equal(t, "1.0.0.0:0", NodeAddress(0).String())
	assert.Equal(t, gossip.NodeID(2), NodeAddress(1).ID())
	assert.Equal(t, gossip.NodeID(10), NodeAddress(9).ID())
}

func TestGroupConverges(t *testing.T) {
	cfg := baseConfig()
	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	bound := int(cfg.RemoveTimeoutTicks + cfg.FailTimeoutTicks + 2)
	for s.Tick() < bound && !s.Converged() {
		s.Step()
	}
	require.True(t, s.Converged(), "not converged after %d ticks", s.Tick())
	for i, n := 0, s.Len(); i < n; i++ {
		assert.Len(t, s.View(i), cfg.Nodes-1, "node %d", i)
	}

	// Stays converged with nobody failing.
	s.Run(50)
	r := s.Report()
	assert.True(t, r.Converged)
	assert.Zero(t, r.FalsePositives())
	assert.Empty(t, r.Removals)
	assert.Len(t, r.Joins, cfg.Nodes*(cfg.Nodes-1))
}

func TestStaggeredJoins(t *testing.T) {
	cfg := baseConfig()
	cfg.JoinInterval = 3
	s, err := New(cfg, nil)
	require.NoError(t, err)

	s.Run((cfg.Nodes - 1) * cfg.JoinInterval)
	assert.False(t, s.Converged(), "last node has not started yet")
	assert.Equal(t, gossip.StateUninitialized, s.Engine(cfg.Nodes-1).State())
	s.Run(int(cfg.RemoveTimeoutTicks+cfg.FailTimeoutTicks) + 3)
	assert.True(t, s.Converged())
}

func TestFailedNodesAreDetected(t *testing.T) {
	cfg := baseConfig()
	cfg.FailAt = 20
	cfg.FailCount = 3
	s, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Run(cfg.FailAt + 1)
	var failed []int
	for i, n := 0, s.Len(); i < n; i++ {
		if s.Failed(i) {
			failed = append(failed, i)
		}
	}
	require.Len(t, failed, cfg.FailCount)
	assert.NotContains(t, failed, 0, "the introducer never fails")

	s.Run(int(cfg.RemoveTimeoutTicks+cfg.FailTimeoutTicks) + 4)
	r := s.Report()
	require.True(t, r.Converged)
	assert.Zero(t, r.FalsePositives())

	live := cfg.Nodes - cfg.FailCount
	assert.Len(t, r.Removals, live*cfg.FailCount, "every survivor evicts every crashed node once")
	for _, rm := range r.Removals {
		assert.Positive(t, rm.Latency)
		assert.LessOrEqual(t, rm.Latency, int(cfg.RemoveTimeoutTicks+cfg.FailTimeoutTicks)+2)
	}
}

func TestSeededRunsAreReproducible(t *testing.T) {
	cfg := baseConfig()
	cfg.DropProbability = 0.2
	cfg.FailAt = 15
	cfg.FailCount = 2

	run := func() Report {
		s, err := New(cfg, nil)
		require.NoError(t, err)
		s.Run(60)
		return s.Report()
	}
	assert.Equal(t, run(), run())
}

func TestSingleNodeGroup(t *testing.T) {
	s, err := New(Config{Nodes: 1, FailTimeoutTicks: 1, RemoveTimeoutTicks: 2}, nil)
	require.NoError(t, err)
	s.Step()
	assert.True(t, s.Converged())
	assert.Equal(t, gossip.StateInGroup, s.Engine(0).State())
}

func TestReportWriteTo(t *testing.T) {
	cfg := baseConfig()
	cfg.Nodes = 3
	cfg.FailAt = 5
	cfg.FailCount = 1
	s, err := New(cfg, nil)
	require.NoError(t, err)
	s.Run(30)

	var buf bytes.Buffer
	n, err := s.Report().WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)
	out := buf.String()
	assert.Contains(t, out, "converged")
	assert.Contains(t, out, "1.0.0.0:0")
	assert.Contains(t, out, "failed")
}
