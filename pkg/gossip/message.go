package gossip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wire protocol for the membership messages. Every message starts with a
// one byte kind tag followed by the sender header; join responses append a
// count-prefixed member list. All integers are little-endian.

var (
	// ErrMalformedMessage is returned when a buffer is too short for the
	// header or for the payload it declares.
	ErrMalformedMessage = errors.New("gossip: malformed message")
	// ErrUnknownMessageKind is returned for tags outside the defined set.
	// Errors carrying it also match ErrMalformedMessage.
	ErrUnknownMessageKind = errors.New("gossip: unknown message kind")
)

// NodeID is the numeric half of a member identity.
type NodeID uint32

func (id NodeID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// AddressLen is the size of an encoded Address.
const AddressLen = 6

// Address identifies a member: a 4-byte id followed by a 2-byte port.
type Address [AddressLen]byte

// NewAddress builds the address for (id, port).
func NewAddress(id NodeID, port uint16) Address {
	var a Address
	binary.LittleEndian.PutUint32(a[0:4], uint32(id))
	binary.LittleEndian.PutUint16(a[4:6], port)
	return a
}

func (a Address) ID() NodeID { return NodeID(binary.LittleEndian.Uint32(a[0:4])) }
func (a Address) Port() uint16 { return binary.LittleEndian.Uint16(a[4:6]) }

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool { return a == Address{} }

// String prints the address in dotted notation, e.g. "1.0.0.0:0".
func (a Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a[0], a[1], a[2], a[3], a.Port())
}

// ParseAddress accepts either the dotted form produced by String
// ("127.0.0.1:7946") or a numeric id and port ("2:100").
func ParseAddress(s string) (Address, error) {
	host, portStr, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || host == "" || portStr == "" {
		return Address{}, fmt.Errorf("invalid address %q (expected id:port or a.b.c.d:port)", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	if !strings.Contains(host, ".") {
		id, err := strconv.ParseUint(host, 10, 32)
		if err != nil {
			return Address{}, fmt.Errorf("invalid id in %q: %w", s, err)
		}
		return NewAddress(NodeID(id), uint16(port)), nil
	}
	octets := strings.Split(host, ".")
	if len(octets) != 4 {
		return Address{}, fmt.Errorf("invalid dotted id in %q", s)
	}
	var a Address
	for i, o := range octets {
		v, err := strconv.ParseUint(o, 10, 8)
		if err != nil {
			return Address{}, fmt.Errorf("invalid dotted id in %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	binary.LittleEndian.PutUint16(a[4:6], uint16(port))
	return a, nil
}

type MsgType uint8

const (
	MsgJoinRequest MsgType = iota + 1
	MsgJoinResponse
	MsgHeartbeat
)

func (t MsgType) String() string {
	switch t {
	case MsgJoinRequest:
		return "join_request"
	case MsgJoinResponse:
		return "join_response"
	case MsgHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

const (
	headerLen = 1 + AddressLen + 8 // tag, sender, heartbeat
	countLen  = 4
	recordLen = 4 + 2 + 8 + 8 // id, port, heartbeat, timestamp
)

// Message is the decoded form of any wire message. Members is only carried
// by join responses.
type Message struct {
	Type      MsgType
	From      Address
	Heartbeat int64
	Members   []Member
}

// Marshal encodes m. It is the single encode entry point; the per-kind
// helpers below are thin wrappers.
func (m Message) Marshal() []byte {
	size := headerLen
	if m.Type == MsgJoinResponse {
		size += countLen + len(m.Members)*recordLen
	}
	buf := make([]byte, size)
	buf[0] = byte(m.Type)
	copy(buf[1:1+AddressLen], m.From[:])
	binary.LittleEndian.PutUint64(buf[1+AddressLen:headerLen], uint64(m.Heartbeat))
	if m.Type != MsgJoinResponse {
		return buf
	}

	binary.LittleEndian.PutUint32(buf[headerLen:], uint32(len(m.Members)))
	off := headerLen + countLen
	for _, r := range m.Members {
		binary.LittleEndian.PutUint32(buf[off:], uint32(r.ID))
		binary.LittleEndian.PutUint16(buf[off+4:], r.Port)
		binary.LittleEndian.PutUint64(buf[off+6:], uint64(r.Heartbeat))
		binary.LittleEndian.PutUint64(buf[off+14:], uint64(r.Timestamp))
		off += recordLen
	}
	return buf
}

// Decode parses any message kind. Bytes past the end of a complete message
// are ignored.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, fmt.Errorf("%w: empty buffer", ErrMalformedMessage)
	}
	t := MsgType(b[0])
	switch t {
	case MsgJoinRequest, MsgJoinResponse, MsgHeartbeat:
	default:
		return Message{}, fmt.Errorf("%w: %w: tag %d", ErrMalformedMessage, ErrUnknownMessageKind, b[0])
	}
	if len(b) < headerLen {
		return Message{}, fmt.Errorf("%w: %s header needs %d bytes, have %d", ErrMalformedMessage, t, headerLen, len(b))
	}

	m := Message{Type: t}
	copy(m.From[:], b[1:1+AddressLen])
	m.Heartbeat = int64(binary.LittleEndian.Uint64(b[1+AddressLen : headerLen]))
	if t != MsgJoinResponse {
		return m, nil
	}

	if len(b) < headerLen+countLen {
		return Message{}, fmt.Errorf("%w: join_response missing member count", ErrMalformedMessage)
	}
	n := binary.LittleEndian.Uint32(b[headerLen:])
	need := uint64(headerLen+countLen) + uint64(n)*recordLen
	if uint64(len(b)) < need {
		return Message{}, fmt.Errorf("%w: join_response declares %d members (%d bytes), have %d", ErrMalformedMessage, n, need, len(b))
	}
	m.Members = make([]Member, n)
	off := headerLen + countLen
	for i := range m.Members {
		m.Members[i] = Member{
			ID:        NodeID(binary.LittleEndian.Uint32(b[off:])),
			Port:      binary.LittleEndian.Uint16(b[off+4:]),
			Heartbeat: int64(binary.LittleEndian.Uint64(b[off+6:])),
			Timestamp: int64(binary.LittleEndian.Uint64(b[off+14:])),
		}
		off += recordLen
	}
	return m, nil
}

func decodeKind(b []byte, want MsgType) (Message, error) {
	m, err := Decode(b)
	if err != nil {
		return Message{}, err
	}
	if m.Type != want {
		return Message{}, fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, want, m.Type)
	}
	return m, nil
}

func EncodeJoinRequest(from Address, heartbeat int64) []byte {
	return Message{Type: MsgJoinRequest, From: from, Heartbeat: heartbeat}.Marshal()
}

func DecodeJoinRequest(b []byte) (Address, int64, error) {
	m, err := decodeKind(b, MsgJoinRequest)
	return m.From, m.Heartbeat, err
}

// EncodeJoinResponse encodes the responder's header and a member snapshot.
func EncodeJoinResponse(from Address, heartbeat int64, members []Member) []byte {
	return Message{Type: MsgJoinResponse, From: from, Heartbeat: heartbeat, Members: members}.Marshal()
}

func DecodeJoinResponse(b []byte) (Address, int64, []Member, error) {
	m, err := decodeKind(b, MsgJoinResponse)
	return m.From, m.Heartbeat, m.Members, err
}

func EncodeHeartbeat(from Address, heartbeat int64) []byte {
	return Message{Type: MsgHeartbeat, From: from, Heartbeat: heartbeat}.Marshal()
}

func DecodeHeartbeat(b []byte) (Address, int64, error) {
	m, err := decodeKind(b, MsgHeartbeat)
	return m.From, m.Heartbeat, err
}
