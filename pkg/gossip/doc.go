// Package gossip implements heartbeat-based group membership for
// zephyrmember. A new member joins by sending a join request to a
// well-known introducer, which answers with its full membership list.
// Every member then broadcasts an increasing heartbeat counter to everyone
// it knows, and evicts members it has not heard from for a configurable
// number of ticks.
//
// The pieces, leaf first:
//
//   - message.go: the flat binary wire codec.
//   - memberlist.go: the local membership table.
//   - failure_detector.go: staleness and eviction policy.
//   - engine.go: the protocol state machine (no I/O, no locks).
//   - transport.go, udp.go: the Transport interface and a UDP implementation.
//   - gossip.go: the Gossiper driver loop that ticks an Engine and feeds it
//     inbound messages.
//
// Typical usage:
//
//	tr, _ := gossip.ListenUDP(self, "")
//	g, _ := gossip.New(gossip.Config{Engine: cfg, TickInterval: 200 * time.Millisecond}, tr, logger)
//	go g.Run(ctx)
//
// Tests and the simulator use the in-process network from pkg/emulnet
// instead of UDP.
package gossip
