package gossip

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressLayout(t *testing.T) {
	a := NewAddress(1, 0)
	assert.Equal(t, Address{1, 0, 0, 0, 0, 0}, a)
	assert.Equal(t, "1.0.0.0:0", a.String())

	b := NewAddress(2, 100)
	assert.Equal(t, NodeID(2), b.ID())
	assert.Equal(t, uint16(100), b.Port())
	assert.Equal(t, "2.0.0.0:100", b.String())
	assert.True(t, Address{}.IsZero())
	assert.False(t, b.IsZero())
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "1:0", want: NewAddress(1, 0)},
		{in: "2:100", want: NewAddress(2, 100)},
		{in: " 7:7946 ", want: NewAddress(7, 7946)},
		{in: "1.0.0.0:0", want: NewAddress(1, 0)},
		{in: "127.0.0.1:7946", want: Address{127, 0, 0, 1, 0x0a, 0x1f}},
		{in: "", wantErr: true},
		{in: "1", wantErr: true},
		{in: "1:", wantErr: true},
		{in: "1:70000", wantErr: true},
		{in: "1.2.3:5", wantErr: true},
		{in: "1.2.3.300:5", wantErr: true},
		{in: "x:5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	// String and ParseAddress are inverses.
	a := NewAddress(0xdeadbeef, 65535)
	back, err := ParseAddress(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, back)
}

func TestJoinRequestRoundTrip(t *testing.T) {
	from := NewAddress(2, 100)
	b := EncodeJoinRequest(from, 42)
	require.Len(t, b, headerLen)
	assert.Equal(t, byte(MsgJoinRequest), b[0])

	gotFrom, hb, err := DecodeJoinRequest(b)
	require.NoError(t, err)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, int64(42), hb)
}

func TestHeartbeatRoundTrip(t *testing.T) {
	from := NewAddress(9, 9)
	b := EncodeHeartbeat(from, -1)
	gotFrom, hb, err := DecodeHeartbeat(b)
	require.NoError(t, err)
	assert.Equal(t, from, gotFrom)
	assert.Equal(t, int64(-1), hb)
}

func TestJoinResponseRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 17} {
		t.Run(fmt.Sprintf("%d members", n), func(t *testing.T) {
			members := make([]Member, n)
			for i := range members {
				members[i] = Member{
					ID:        NodeID(i + 1),
					Port:      uint16(1000 + i),
					Heartbeat: int64(i * 3),
					Timestamp: int64(1<<40 + i),
				}
			}
			from := NewAddress(1, 0)
			b := EncodeJoinResponse(from, 7, members)
			require.Len(t, b, headerLen+countLen+n*recordLen)

			gotFrom, hb, got, err := DecodeJoinResponse(b)
			require.NoError(t, err)
			assert.Equal(t, from, gotFrom)
			assert.Equal(t, int64(7), hb)
			assert.Equal(t, members, got)
		})
	}
}

func TestJoinResponseFieldOrder(t *testing.T) {
	b := EncodeJoinResponse(NewAddress(1, 0), 0, []Member{{ID: 0x04030201, Port: 0x0605, Heartbeat: 7, Timestamp: 8}})
	rec := b[headerLen+countLen:]
	assert.Equal(t, []byte{1, 0, 0, 0}, b[headerLen:headerLen+countLen])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, rec[:6])
	assert.Equal(t, byte(7), rec[6])
	assert.Equal(t, byte(8), rec[14])
}

func TestDecodeRejectsEveryTruncation(t *testing.T) {
	full := EncodeJoinResponse(NewAddress(1, 0), 3, []Member{
		{ID: 2, Port: 100, Heartbeat: 1, Timestamp: 2},
		{ID: 3, Port: 101, Heartbeat: 4, Timestamp: 5},
	})
	for i := 0; i < len(full); i++ {
		_, err := Decode(full[:i])
		require.ErrorIs(t, err, ErrMalformedMessage, "prefix of %d bytes", i)
	}
	_, err := Decode(full)
	require.NoError(t, err)
}

func TestDecodeHugeCount(t *testing.T) {
	b := EncodeJoinResponse(NewAddress(1, 0), 0, nil)
	b[headerLen], b[headerLen+1], b[headerLen+2], b[headerLen+3] = 0xff, 0xff, 0xff, 0xff
	_, err := Decode(b)
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeUnknownKind(t *testing.T) {
	for _, tag := range []byte{0, 4, 0xff} {
		b := EncodeHeartbeat(NewAddress(1, 0), 1)
		b[0] = tag
		_, err := Decode(b)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownMessageKind))
		assert.True(t, errors.Is(err, ErrMalformedMessage))
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	b := append(EncodeJoinRequest(NewAddress(2, 100), 0), 0)
	from, hb, err := DecodeJoinRequest(b)
	require.NoError(t, err)
	assert.Equal(t, NewAddress(2, 100), from)
	assert.Zero(t, hb)
}

func TestDecodeWrongKind(t *testing.T) {
	_, _, err := DecodeJoinRequest(EncodeHeartbeat(NewAddress(2, 100), 0))
	require.ErrorIs(t, err, ErrMalformedMessage)
	assert.False(t, errors.Is(err, ErrUnknownMessageKind))
}
