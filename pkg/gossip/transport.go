package gossip

import (
	"context"
	"fmt"
)

// Sender is the outbound half of a Transport; it is all the engine needs.
type Sender interface {
	// Send delivers payload to the member at to. Delivery is fire-and-forget:
	// a nil error means the message left this process, not that it arrived.
	Send(from, to Address, payload []byte) error
}

// Transport moves encoded messages between members. Implementations: the
// UDP transport in this package and the emulated network in pkg/emulnet.
type Transport interface {
	Sender
	// Receive blocks until the next inbound payload is available or ctx is
	// done. Each call returns exactly one message.
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// TransportError reports a failed send.
type TransportError struct {
	From, To Address
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gossip: send %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
