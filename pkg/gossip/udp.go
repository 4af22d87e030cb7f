package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const maxDatagram = 64 << 10

// UDPAddr maps a to a UDP endpoint: the four id bytes are the IPv4 octets.
func (a Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a[0], a[1], a[2], a[3]), Port: int(a.Port())}
}

// AddressFromUDP is the inverse of Address.UDPAddr for IPv4 endpoints.
func AddressFromUDP(u *net.UDPAddr) (Address, error) {
	ip4 := u.IP.To4()
	if ip4 == nil {
		return Address{}, fmt.Errorf("gossip: %s is not an IPv4 endpoint", u)
	}
	if u.Port < 0 || u.Port > 0xffff {
		return Address{}, fmt.Errorf("gossip: port out of range in %s", u)
	}
	var a Address
	copy(a[0:4], ip4)
	return NewAddress(a.ID(), uint16(u.Port)), nil
}

// Resolver maps a member address to the UDP endpoint the member listens on.
type Resolver interface {
	Resolve(a Address) (*net.UDPAddr, error)
}

// IPv4Resolver reads the id bytes as the member's IPv4 address. Two members
// on one host share an id under this mapping, so it only suits one member
// per host.
type IPv4Resolver struct{}

func (IPv4Resolver) Resolve(a Address) (*net.UDPAddr, error) { return a.UDPAddr(), nil }

// HostResolver places every member on one host. Ids are logical and the
// port tells members apart.
type HostResolver struct {
	IP net.IP
}

// NewHostResolver resolves host to an IPv4 address once.
func NewHostResolver(host string) (HostResolver, error) {
	ip, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return HostResolver{}, fmt.Errorf("gossip: resolve host %q: %w", host, err)
	}
	return HostResolver{IP: ip.IP}, nil
}

func (r HostResolver) Resolve(a Address) (*net.UDPAddr, error) {
	return &net.UDPAddr{IP: r.IP, Port: int(a.Port())}, nil
}

// PeerMap pins listed members to fixed endpoints and hands the rest to
// Fallback.
type PeerMap struct {
	Peers    map[Address]*net.UDPAddr
	Fallback Resolver
}

// ParsePeers builds a PeerMap from member address to host:port pairs.
func ParsePeers(peers map[string]string, fallback Resolver) (PeerMap, error) {
	pm := PeerMap{Peers: make(map[Address]*net.UDPAddr, len(peers)), Fallback: fallback}
	for member, endpoint := range peers {
		a, err := ParseAddress(member)
		if err != nil {
			return PeerMap{}, fmt.Errorf("gossip: peer %q: %w", member, err)
		}
		u, err := net.ResolveUDPAddr("udp4", endpoint)
		if err != nil {
			return PeerMap{}, fmt.Errorf("gossip: peer %s endpoint %q: %w", a, endpoint, err)
		}
		pm.Peers[a] = u
	}
	return pm, nil
}

func (pm PeerMap) Resolve(a Address) (*net.UDPAddr, error) {
	if u, ok := pm.Peers[a]; ok {
		return u, nil
	}
	if pm.Fallback == nil {
		return nil, fmt.Errorf("gossip: no endpoint known for %s", a)
	}
	return pm.Fallback.Resolve(a)
}

type UDPOption func(*UDPTransport)

// WithResolver sets how destination addresses map to endpoints. The
// default is IPv4Resolver.
func WithResolver(r Resolver) UDPOption {
	return func(t *UDPTransport) { t.resolver = r }
}

// UDPTransport sends one datagram per message. The source endpoint of every
// datagram received is remembered for its sender and takes precedence over
// the Resolver.
type UDPTransport struct {
	conn     *net.UDPConn
	resolver Resolver

	mu      sync.RWMutex
	learned map[Address]*net.UDPAddr

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenUDP binds bind (host:port). An empty bind listens on the endpoint
// the resolver gives for self.
func ListenUDP(self Address, bind string, opts ...UDPOption) (*UDPTransport, error) {
	t := &UDPTransport{
		resolver: IPv4Resolver{},
		learned:  make(map[Address]*net.UDPAddr),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	var laddr *net.UDPAddr
	var err error
	if bind != "" {
		laddr, err = net.ResolveUDPAddr("udp4", bind)
	} else {
		laddr, err = t.resolver.Resolve(self)
	}
	if err != nil {
		return nil, fmt.Errorf("gossip: listen address for %s: %w", self, err)
	}
	if t.conn, err = net.ListenUDP("udp4", laddr); err != nil {
		return nil, fmt.Errorf("gossip: listen %s: %w", laddr, err)
	}
	return t, nil
}

// LocalAddr reports the bound endpoint.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Endpoint reports where a message to a would be sent.
func (t *UDPTransport) Endpoint(a Address) (*net.UDPAddr, error) {
	t.mu.RLock()
	u, ok := t.learned[a]
	t.mu.RUnlock()
	if ok {
		return u, nil
	}
	return t.resolver.Resolve(a)
}

func (t *UDPTransport) Send(from, to Address, payload []byte) error {
	if len(payload) > maxDatagram {
		return &TransportError{From: from, To: to, Err: fmt.Errorf("payload of %d bytes exceeds datagram limit", len(payload))}
	}
	raddr, err := t.Endpoint(to)
	if err != nil {
		return &TransportError{From: from, To: to, Err: err}
	}
	if _, err := t.conn.WriteToUDP(payload, raddr); err != nil {
		return &TransportError{From: from, To: to, Err: err}
	}
	return nil
}

func (t *UDPTransport) Receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Short deadlines keep the read loop responsive to ctx.
		_ = t.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, src, err := t.conn.ReadFromUDP(buf)
		if err == nil {
			t.learn(buf[:n], src)
			return append([]byte(nil), buf[:n]...), nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		select {
		case <-t.closed:
			return nil, net.ErrClosed
		default:
		}
		return nil, err
	}
}

// learn records src as the endpoint of the sender named in b's header.
// Payloads too short to carry a sender are left for the decoder to reject.
func (t *UDPTransport) learn(b []byte, src *net.UDPAddr) {
	if len(b) < 1+AddressLen || src == nil {
		return
	}
	var from Address
	copy(from[:], b[1:1+AddressLen])
	if from.IsZero() {
		return
	}
	t.mu.Lock()
	t.learned[from] = src
	t.mu.Unlock()
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
