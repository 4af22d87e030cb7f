package gossip

import "container/list"

// Member is one record of the local membership table.
type Member struct {
	ID        NodeID
	Port      uint16
	Heartbeat int64 // counter reported by the member itself
	Timestamp int64 // local tick of the last refresh
}

// Addr returns the member's address.
func (m Member) Addr() Address { return NewAddress(m.ID, m.Port) }

// MemberList is the local view of live members, keyed by id and kept in
// insertion order. It is not safe for concurrent use; the engine that owns
// it is the only caller.
type MemberList struct {
	byID map[NodeID]*list.Element
	ll   *list.List
}

func NewMemberList() *MemberList {
	return &MemberList{
		byID: make(map[NodeID]*list.Element),
		ll:   list.New(),
	}
}

// Upsert inserts a record for id if none exists. An existing record is left
// untouched; use Refresh to update it. Reports whether a record was added.
func (l *MemberList) Upsert(id NodeID, port uint16, heartbeat, tick int64) bool {
	if _, ok := l.byID[id]; ok {
		return false
	}
	m := &Member{ID: id, Port: port, Heartbeat: heartbeat, Timestamp: tick}
	l.byID[id] = l.ll.PushBack(m)
	return true
}

// Refresh updates heartbeat and timestamp when the stored heartbeat is not
// newer than the incoming one. Older heartbeats and unknown ids are ignored.
// Reports whether the record changed.
func (l *MemberList) Refresh(id NodeID, heartbeat, tick int64) bool {
	el, ok := l.byID[id]
	if !ok {
		return false
	}
	m := el.Value.(*Member)
	if m.Heartbeat > heartbeat {
		return false
	}
	m.Heartbeat = heartbeat
	m.Timestamp = tick
	return true
}

func (l *MemberList) Remove(id NodeID) bool {
	el, ok := l.byID[id]
	if !ok {
		return false
	}
	l.removeElement(el)
	return true
}

func (l *MemberList) Find(id NodeID) (Member, bool) {
	el, ok := l.byID[id]
	if !ok {
		return Member{}, false
	}
	return *el.Value.(*Member), true
}

func (l *MemberList) Len() int { return len(l.byID) }

// Snapshot copies every record in insertion order.
func (l *MemberList) Snapshot() []Member {
	out := make([]Member, 0, len(l.byID))
	for el := l.ll.Front(); el != nil; el = el.Next() {
		out = append(out, *el.Value.(*Member))
	}
	return out
}

// EvictStale removes every record with now-Timestamp > threshold and returns
// the removed records in insertion order.
func (l *MemberList) EvictStale(now, threshold int64) []Member {
	var removed []Member
	for el := l.ll.Front(); el != nil; {
		next := el.Next()
		if m := el.Value.(*Member); isStale(*m, now, threshold) {
			removed = append(removed, *m)
			l.removeElement(el)
		}
		el = next
	}
	return removed
}

// EvictFirstStale removes only the oldest-inserted stale record.
func (l *MemberList) EvictFirstStale(now, threshold int64) (Member, bool) {
	for el := l.ll.Front(); el != nil; el = el.Next() {
		if m := el.Value.(*Member); isStale(*m, now, threshold) {
			l.removeElement(el)
			return *m, true
		}
	}
	return Member{}, false
}

// Reset drops every record.
func (l *MemberList) Reset() {
	clear(l.byID)
	l.ll.Init()
}

func (l *MemberList) removeElement(el *list.Element) {
	m := el.Value.(*Member)
	delete(l.byID, m.ID)
	l.ll.Remove(el)
}
