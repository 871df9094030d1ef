package broadcast

import (
	"context"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bft-core/pkg/consensus/network"
	"bft-core/pkg/consensus/types"
)

// deliveryPollInterval is how often WaitForDelivery rechecks delivery state.
const deliveryPollInterval = 10 * time.Millisecond

// Broadcaster implements Bracha's reliable broadcast over an arbitrary
// transport. With n participants tolerating f Byzantine faults it guarantees
// that any payload delivered by one correct node is eventually delivered by
// all correct nodes, exactly once, even if the originator equivocates.
//
// Unlike the consensus replicas, the broadcaster works for any n >= 1 and
// derives f as (n-1)/3 rounded down.
type Broadcaster struct {
	nodeID    types.NodeID
	total     int
	faulty    int
	transport network.Transport
	logger    zerolog.Logger

	mu        sync.Mutex
	nextSeq   uint64
	instances map[MessageID]*instance
	delivered map[MessageID][]byte
	order     []MessageID
}

// instance tracks one broadcast's progress. Echo and ready attestations are
// keyed by payload digest so an equivocating originator cannot get two
// different payloads past the thresholds.
type instance struct {
	payloads  map[[32]byte][]byte
	echoes    map[[32]byte]map[types.NodeID]bool
	readies   map[[32]byte]map[types.NodeID]bool
	sentEcho  bool
	sentReady bool
	delivered bool
}

func newInstance() *instance {
	return &instance{
		payloads: make(map[[32]byte][]byte),
		echoes:   make(map[[32]byte]map[types.NodeID]bool),
		readies:  make(map[[32]byte]map[types.NodeID]bool),
	}
}

// NewBroadcaster creates a reliable broadcaster for a cluster of total nodes.
func NewBroadcaster(nodeID types.NodeID, total int, transport network.Transport, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		nodeID:    nodeID,
		total:     total,
		faulty:    (total - 1) / 3,
		transport: transport,
		logger:    logger.With().Str("component", "brb").Stringer("node", nodeID).Logger(),
		instances: make(map[MessageID]*instance),
		delivered: make(map[MessageID][]byte),
	}
}

// EchoThreshold is the number of matching echoes required before a node
// commits to the payload with a READY message.
func (b *Broadcaster) EchoThreshold() int {
	return (b.total+b.faulty)/2 + 1
}

// ReadyAmplifyThreshold is the number of READY messages after which a node
// sends its own READY even without reaching the echo threshold.
func (b *Broadcaster) ReadyAmplifyThreshold() int {
	return b.faulty + 1
}

// DeliverThreshold is the number of READY messages required to deliver.
func (b *Broadcaster) DeliverThreshold() int {
	return 2*b.faulty + 1
}

// Broadcast originates a new reliable broadcast of payload and returns its
// message ID. The transport loops the SEND back to this node, so the
// originator participates in its own echo and ready rounds like any peer.
func (b *Broadcaster) Broadcast(ctx context.Context, payload []byte) (MessageID, error) {
	b.mu.Lock()
	id := MessageID{Origin: b.nodeID, Sequence: b.nextSeq}
	b.nextSeq++
	b.mu.Unlock()

	msg := &Message{
		Type:      MessageTypeSend,
		ID:        id,
		Sender:    b.nodeID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := b.send(ctx, msg); err != nil {
		return MessageID{}, err
	}
	return id, nil
}

// Run pumps envelopes from the transport into HandleMessage until the
// context is cancelled or the transport closes.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-b.transport.Receive():
			if !ok {
				return
			}
			b.HandleEnvelope(ctx, env)
		}
	}
}

// HandleEnvelope decodes a transport envelope and processes it. Malformed
// payloads are logged and dropped.
func (b *Broadcaster) HandleEnvelope(ctx context.Context, env network.Envelope) {
	msg, err := DecodeMessage(env.Payload)
	if err != nil {
		b.logger.Warn().Err(err).Stringer("from", env.Sender).Msg("dropping undecodable broadcast message")
		return
	}
	if msg.Sender != env.Sender {
		b.logger.Warn().
			Stringer("from", env.Sender).
			Stringer("claimed", msg.Sender).
			Msg("dropping broadcast message with forged sender")
		return
	}
	b.HandleMessage(ctx, msg)
}

// HandleMessage advances the broadcast instance identified by msg.ID.
// Messages that violate the protocol are logged and silently ignored.
func (b *Broadcaster) HandleMessage(ctx context.Context, msg *Message) {
	switch msg.Type {
	case MessageTypeSend:
		b.handleSend(ctx, msg)
	case MessageTypeEcho:
		b.handleEcho(ctx, msg)
	case MessageTypeReady:
		b.handleReady(ctx, msg)
	default:
		b.logger.Warn().Stringer("type", msg.Type).Stringer("id", msg.ID).Msg("ignoring unknown broadcast message type")
	}
}

func (b *Broadcaster) handleSend(ctx context.Context, msg *Message) {
	if msg.Sender != msg.ID.Origin {
		b.logger.Warn().
			Stringer("id", msg.ID).
			Stringer("sender", msg.Sender).
			Msg("ignoring SEND not originated by its claimed origin")
		return
	}

	digest := sha256.Sum256(msg.Payload)

	b.mu.Lock()
	inst := b.instance(msg.ID)
	inst.payloads[digest] = msg.Payload
	alreadyEchoed := inst.sentEcho
	inst.sentEcho = true
	b.mu.Unlock()

	if alreadyEchoed {
		return
	}

	echo := &Message{
		Type:      MessageTypeEcho,
		ID:        msg.ID,
		Sender:    b.nodeID,
		Payload:   msg.Payload,
		Timestamp: time.Now(),
	}
	if err := b.send(ctx, echo); err != nil {
		b.logger.Warn().Err(err).Stringer("id", msg.ID).Msg("failed to send ECHO")
	}
}

func (b *Broadcaster) handleEcho(ctx context.Context, msg *Message) {
	digest := sha256.Sum256(msg.Payload)

	b.mu.Lock()
	inst := b.instance(msg.ID)
	if inst.echoes[digest] == nil {
		inst.echoes[digest] = make(map[types.NodeID]bool)
	}
	inst.echoes[digest][msg.Sender] = true
	inst.payloads[digest] = msg.Payload

	sendReady := len(inst.echoes[digest]) >= b.EchoThreshold() && !inst.sentReady
	if sendReady {
		inst.sentReady = true
	}
	b.mu.Unlock()

	if sendReady {
		b.sendReady(ctx, msg.ID, msg.Payload)
	}
}

func (b *Broadcaster) handleReady(ctx context.Context, msg *Message) {
	digest := sha256.Sum256(msg.Payload)

	b.mu.Lock()
	inst := b.instance(msg.ID)
	if inst.readies[digest] == nil {
		inst.readies[digest] = make(map[types.NodeID]bool)
	}
	inst.readies[digest][msg.Sender] = true
	inst.payloads[digest] = msg.Payload

	readyCount := len(inst.readies[digest])

	amplify := readyCount >= b.ReadyAmplifyThreshold() && !inst.sentReady
	if amplify {
		inst.sentReady = true
	}

	deliver := readyCount >= b.DeliverThreshold() && !inst.delivered
	if deliver {
		inst.delivered = true
		b.delivered[msg.ID] = inst.payloads[digest]
		b.order = append(b.order, msg.ID)
	}
	b.mu.Unlock()

	if amplify {
		b.sendReady(ctx, msg.ID, msg.Payload)
	}
	if deliver {
		b.logger.Info().Stringer("id", msg.ID).Int("readies", readyCount).Msg("delivered broadcast")
	}
}

func (b *Broadcaster) sendReady(ctx context.Context, id MessageID, payload []byte) {
	ready := &Message{
		Type:      MessageTypeReady,
		ID:        id,
		Sender:    b.nodeID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if err := b.send(ctx, ready); err != nil {
		b.logger.Warn().Err(err).Stringer("id", id).Msg("failed to send READY")
	}
}

func (b *Broadcaster) send(ctx context.Context, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return b.transport.Broadcast(ctx, data)
}

// instance returns the tracking state for id, creating it on first use.
// Callers must hold b.mu.
func (b *Broadcaster) instance(id MessageID) *instance {
	inst, ok := b.instances[id]
	if !ok {
		inst = newInstance()
		b.instances[id] = inst
	}
	return inst
}

// IsDelivered reports whether the broadcast identified by id has been
// delivered locally.
func (b *Broadcaster) IsDelivered(id MessageID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.delivered[id]
	return ok
}

// DeliveredPayload returns the delivered payload for id, if any.
func (b *Broadcaster) DeliveredPayload(id MessageID) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.delivered[id]
	return payload, ok
}

// DeliveredMessages returns the IDs of all delivered broadcasts in local
// delivery order.
func (b *Broadcaster) DeliveredMessages() []MessageID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MessageID, len(b.order))
	copy(out, b.order)
	return out
}

// WaitForDelivery blocks until the broadcast identified by id is delivered,
// polling at a fixed interval. It returns the delivered payload, or a
// *TimeoutError once timeout elapses, or the context error on cancellation.
func (b *Broadcaster) WaitForDelivery(ctx context.Context, id MessageID, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(deliveryPollInterval)
	defer ticker.Stop()

	for {
		if payload, ok := b.DeliveredPayload(id); ok {
			return payload, nil
		}
		if time.Now().After(deadline) {
			return nil, &TimeoutError{ID: id, Elapsed: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
