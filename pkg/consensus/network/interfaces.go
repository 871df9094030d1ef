// Package network defines the transport abstraction consumed by the consensus
// protocols and provides an in-process bus implementation for tests and demos.
// Framing, retries, and node authentication are the transport's concern, not
// the consensus core's.
package network

import (
	"context"
	"time"

	"bft-core/pkg/consensus/types"
)

// Envelope carries an inbound payload together with the sending node.
type Envelope struct {
	Sender     types.NodeID
	Payload    []byte
	ReceivedAt time.Time
}

// Transport provides fire-and-forget dissemination to every cluster node,
// including the sender itself, and a channel of inbound envelopes.
type Transport interface {
	// Broadcast sends the payload to all nodes. It returns once the payload
	// is handed to the transport; delivery is best-effort.
	Broadcast(ctx context.Context, payload []byte) error

	// Receive returns the channel of inbound envelopes for this node.
	Receive() <-chan Envelope

	// Close releases transport resources and closes the receive channel.
	Close() error
}
