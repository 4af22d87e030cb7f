package emulnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

var (
	a = gossip.NewAddress(1, 0)
	b = gossip.NewAddress(2, 100)
	c = gossip.NewAddress(3, 100)
)

func attach(t *testing.T, n *Network, addrs ...gossip.Address) []*Endpoint {
	t.Helper()
	out := make([]*Endpoint, 0, len(addrs))
	for _, addr := range addrs {
		ep, err := n.Attach(addr)
		require.NoError(t, err)
		out = append(out, ep)
	}
	return out
}

func TestDeliveryInOrder(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a, b)

	require.NoError(t, eps[0].Send(a, b, []byte("one")))
	require.NoError(t, eps[0].Send(a, b, []byte("two")))
	assert.Equal(t, 2, eps[1].Pending())

	p, err := eps[1].Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "one", string(p))
	p, ok := eps[1].TryReceive()
	require.True(t, ok)
	assert.Equal(t, "two", string(p))
	_, ok = eps[1].TryReceive()
	assert.False(t, ok)

	assert.Equal(t, Stats{Sent: 2}, n.Stats(a))
	assert.Equal(t, Stats{Received: 2}, n.Stats(b))
}

func TestPayloadIsCopied(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a, b)
	buf := []byte("abc")
	require.NoError(t, eps[0].Send(a, b, buf))
	buf[0] = 'x'
	p, _ := eps[1].TryReceive()
	assert.Equal(t, "abc", string(p))
}

func TestUnknownAddress(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a)
	err := eps[0].Send(a, c, nil)
	var te *gossip.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, c, te.To)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	_, err = n.Attach(a)
	assert.ErrorIs(t, err, ErrAttached)
}

func TestFailAndRecover(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a, b)

	n.Fail(b)
	require.NoError(t, eps[0].Send(a, b, []byte("lost")), "drops are silent")
	require.NoError(t, eps[1].Send(b, a, []byte("lost")))
	assert.Zero(t, eps[1].Pending())
	assert.Zero(t, eps[0].Pending())
	assert.Equal(t, 1, n.Stats(b).Dropped)

	n.Recover(b)
	require.NoError(t, eps[0].Send(a, b, []byte("ok")))
	assert.Equal(t, 1, eps[1].Pending())
}

func TestPartition(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a, b, c)

	n.Partition(a, b)
	require.NoError(t, eps[0].Send(a, b, nil))
	require.NoError(t, eps[1].Send(b, a, nil))
	require.NoError(t, eps[0].Send(a, c, nil))
	assert.Zero(t, eps[0].Pending())
	assert.Zero(t, eps[1].Pending())
	assert.Equal(t, 1, eps[2].Pending())

	n.Heal(a, b)
	require.NoError(t, eps[0].Send(a, b, nil))
	assert.Equal(t, 1, eps[1].Pending())
}

func TestSeededDrops(t *testing.T) {
	run := func() int {
		n := New(Config{DropProbability: 0.5, Seed: 7})
		eps := attach(t, n, a, b)
		for n := 0; n < 200; n++ {
			require.NoError(t, eps[0].Send(a, b, nil))
		}
		return eps[1].Pending()
	}
	got := run()
	assert.Equal(t, got, run(), "same seed, same drops")
	assert.Greater(t, got, 50)
	assert.Less(t, got, 150)

	n := New(Config{DropProbability: 1})
	eps := attach(t, n, a, b)
	require.NoError(t, eps[0].Send(a, b, nil))
	n.SetDropProbability(0)
	require.NoError(t, eps[0].Send(a, b, nil))
	assert.Equal(t, 1, eps[1].Pending())
}

func TestInboxFull(t *testing.T) {
	n := New(Config{InboxSize: 1})
	eps := attach(t, n, a, b)
	require.NoError(t, eps[0].Send(a, b, nil))
	err := eps[0].Send(a, b, nil)
	assert.ErrorIs(t, err, ErrInboxFull)
	assert.Equal(t, 1, n.Stats(b).Dropped)
}

func TestClose(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a, b)

	done := make(chan error, 1)
	go func() {
		_, err := eps[1].Receive(context.Background())
		done <- err
	}()
	require.NoError(t, eps[1].Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Close")
	}
	require.NoError(t, eps[1].Close())

	assert.ErrorIs(t, eps[0].Send(a, b, nil), ErrUnknownAddress, "closed endpoints are detached")
	assert.True(t, errors.Is(eps[1].Send(b, a, nil), ErrClosed))

	_, err := n.Attach(b)
	assert.NoError(t, err, "address can be reused after close")
}

func TestReceiveHonorsContext(t *testing.T) {
	n := New(Config{})
	eps := attach(t, n, a)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := eps[0].Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
