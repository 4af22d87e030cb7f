package node

import (
	"net"
	"strings"

	"github.com/ryandielhenn/zephyrmember/pkg/gossip"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	addr = strings.TrimSuffix(addr, "/")

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// OwnerForKey looks up the member owning key and whether that is this member.
func (n *Node) OwnerForKey(key string) (owner gossip.Address, self bool, ok bool) {
	owner, ok = n.ring.Lookup([]byte(key))
	if !ok {
		return gossip.Address{}, false, false
	}
	return owner, owner == n.view.View().Self, true
}
