package network

import (
	"context"
	"sync"
	"time"

	"bft-core/pkg/consensus/types"
)

// Bus is an in-process message bus connecting Transport instances for a
// cluster running inside one process. Broadcasts are delivered to every
// joined node, the sender included. Nodes can be partitioned to simulate
// silent Byzantine participants or network faults.
type Bus struct {
	mu          sync.RWMutex
	members     map[types.NodeID]*busTransport
	partitioned map[types.NodeID]bool
	queueSize   int
}

// NewBus creates a bus whose per-node inbound queues hold queueSize envelopes.
func NewBus(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Bus{
		members:     make(map[types.NodeID]*busTransport),
		partitioned: make(map[types.NodeID]bool),
		queueSize:   queueSize,
	}
}

// Join registers a node on the bus and returns its transport.
func (b *Bus) Join(nodeID types.NodeID) Transport {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := &busTransport{
		bus:    b,
		nodeID: nodeID,
		inbox:  make(chan Envelope, b.queueSize),
	}
	b.members[nodeID] = t
	return t
}

// Partition isolates a node: its broadcasts are dropped and it receives
// nothing until Heal is called.
func (b *Bus) Partition(nodeID types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitioned[nodeID] = true
}

// Heal reconnects a partitioned node.
func (b *Bus) Heal(nodeID types.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitioned, nodeID)
}

func (b *Bus) deliver(from types.NodeID, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.partitioned[from] {
		return
	}

	env := Envelope{Sender: from, Payload: payload, ReceivedAt: time.Now()}
	for nodeID, member := range b.members {
		if b.partitioned[nodeID] {
			continue
		}
		// Best-effort: a full queue drops the envelope rather than blocking
		// the sender, matching fire-and-forget semantics.
		select {
		case member.inbox <- env:
		default:
		}
	}
}

type busTransport struct {
	bus    *Bus
	nodeID types.NodeID
	inbox  chan Envelope

	mu     sync.Mutex
	closed bool
}

// Broadcast delivers the payload to every node on the bus, self included.
func (t *busTransport) Broadcast(ctx context.Context, payload []byte) error {
	if t.isClosed() {
		return NewError(ErrorTypeClosed, "transport is closed")
	}
	if err := ctx.Err(); err != nil {
		return NewErrorWithCause(ErrorTypeDelivery, "broadcast cancelled", err)
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	t.bus.deliver(t.nodeID, buf)
	return nil
}

// Receive returns the node's inbound envelope channel.
func (t *busTransport) Receive() <-chan Envelope {
	return t.inbox
}

// Close detaches the node from the bus. Detaching takes the bus lock, so no
// in-flight deliver can write to the inbox once it is closed.
func (t *busTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.bus.mu.Lock()
	delete(t.bus.members, t.nodeID)
	t.bus.mu.Unlock()

	close(t.inbox)
	return nil
}

func (t *busTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
