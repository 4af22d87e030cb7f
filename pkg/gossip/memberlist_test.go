package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(ms []Member) []NodeID {
	out := make([]NodeID, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func TestUpsertIsInsertOnly(t *testing.T) {
	l := NewMemberList()
	require.True(t, l.Upsert(2, 100, 5, 1))
	require.False(t, l.Upsert(2, 200, 9, 4), "second upsert must not replace")

	m, ok := l.Find(2)
	require.True(t, ok)
	assert.Equal(t, Member{ID: 2, Port: 100, Heartbeat: 5, Timestamp: 1}, m)
	assert.Equal(t, 1, l.Len())
}

func TestRefreshIsMonotonic(t *testing.T) {
	l := NewMemberList()
	l.Upsert(2, 100, 5, 0)

	assert.False(t, l.Refresh(2, 3, 10))
	m, _ := l.Find(2)
	assert.Equal(t, int64(5), m.Heartbeat)
	assert.Equal(t, int64(0), m.Timestamp, "older heartbeat must not refresh the timestamp")

	assert.True(t, l.Refresh(2, 5, 11), "equal heartbeat refreshes the timestamp")
	m, _ = l.Find(2)
	assert.Equal(t, int64(11), m.Timestamp)

	assert.True(t, l.Refresh(2, 7, 12))
	m, _ = l.Find(2)
	assert.Equal(t, int64(7), m.Heartbeat)
	assert.Equal(t, int64(12), m.Timestamp)

	assert.False(t, l.Refresh(99, 1, 1), "refresh of unknown id is a no-op")
	assert.Equal(t, 1, l.Len())
}

func TestSnapshotKeepsInsertionOrder(t *testing.T) {
	l := NewMemberList()
	for _, id := range []NodeID{5, 3, 9, 1} {
		l.Upsert(id, 0, 0, 0)
	}
	l.Remove(3)
	l.Upsert(3, 0, 0, 0)
	assert.Equal(t, []NodeID{5, 9, 1, 3}, ids(l.Snapshot()))

	snap := l.Snapshot()
	snap[0].Heartbeat = 100
	m, _ := l.Find(5)
	assert.Zero(t, m.Heartbeat, "snapshot must be a copy")
}

func TestRemove(t *testing.T) {
	l := NewMemberList()
	l.Upsert(2, 100, 0, 0)
	assert.True(t, l.Remove(2))
	assert.False(t, l.Remove(2))
	_, ok := l.Find(2)
	assert.False(t, ok)
}

func TestEvictStaleRemovesEveryCandidate(t *testing.T) {
	l := NewMemberList()
	// adjacent stale records used to be skipped by erase-while-iterating
	l.Upsert(1, 0, 0, 0)
	l.Upsert(2, 0, 0, 0)
	l.Upsert(3, 0, 0, 8)
	l.Upsert(4, 0, 0, 1)

	removed := l.EvictStale(10, 5)
	assert.Equal(t, []NodeID{1, 2, 4}, ids(removed))
	assert.Equal(t, []NodeID{3}, ids(l.Snapshot()))
	assert.Empty(t, l.EvictStale(10, 5))
}

func TestEvictStaleBoundary(t *testing.T) {
	l := NewMemberList()
	l.Upsert(1, 0, 0, 4)
	assert.Empty(t, l.EvictStale(4+6, 6), "exactly threshold ticks old is still alive")
	assert.Len(t, l.EvictStale(4+7, 6), 1)
}

func TestEvictFirstStale(t *testing.T) {
	l := NewMemberList()
	l.Upsert(1, 0, 0, 0)
	l.Upsert(2, 0, 0, 0)

	m, ok := l.EvictFirstStale(10, 5)
	require.True(t, ok)
	assert.Equal(t, NodeID(1), m.ID)
	m, ok = l.EvictFirstStale(10, 5)
	require.True(t, ok)
	assert.Equal(t, NodeID(2), m.ID)
	_, ok = l.EvictFirstStale(10, 5)
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	l := NewMemberList()
	l.Upsert(1, 0, 0, 0)
	l.Upsert(2, 0, 0, 0)
	l.Reset()
	assert.Zero(t, l.Len())
	assert.Empty(t, l.Snapshot())
	assert.True(t, l.Upsert(1, 0, 0, 0))
}

func TestParseEvictionPolicy(t *testing.T) {
	for in, want := range map[string]EvictionPolicy{"": EvictAll, "all": EvictAll, "ONE": EvictOne, " one ": EvictOne} {
		got, err := ParseEvictionPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseEvictionPolicy("some")
	assert.Error(t, err)
	assert.Equal(t, "one", EvictOne.String())
}
