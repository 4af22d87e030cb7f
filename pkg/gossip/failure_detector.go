package gossip

import (
	"fmt"
	"strings"
)

// Failure detection is a plain heartbeat timeout measured in local ticks: a
// member that has not been refreshed for more than RemoveTimeoutTicks is
// evicted. There is no suspicion state.

// EvictionPolicy controls how many stale members one tick may evict.
type EvictionPolicy uint8

const (
	// EvictAll removes every stale member on each tick.
	EvictAll EvictionPolicy = iota
	// EvictOne removes at most one stale member per tick, the oldest
	// inserted first. Detection of simultaneous failures is spread across
	// consecutive ticks.
	EvictOne
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictAll:
		return "all"
	case EvictOne:
		return "one"
	default:
		return fmt.Sprintf("EvictionPolicy(%d)", uint8(p))
	}
}

// ParseEvictionPolicy parses "all" or "one".
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return EvictAll, nil
	case "one":
		return EvictOne, nil
	default:
		return 0, fmt.Errorf("unknown eviction policy %q (want all or one)", s)
	}
}

func isStale(m Member, now, threshold int64) bool {
	return now-m.Timestamp > threshold
}

// sweep applies the policy to l at local tick now.
func (p EvictionPolicy) sweep(l *MemberList, now, threshold int64) []Member {
	if p == EvictOne {
		if m, ok := l.EvictFirstStale(now, threshold); ok {
			return []Member{m}
		}
		return nil
	}
	return l.EvictStale(now, threshold)
}
