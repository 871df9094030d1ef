package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"bft-core/pkg/consensus/types"
)

// MessageType identifies the protocol phase a broadcast message belongs to.
type MessageType uint8

const (
	// MessageTypeSend carries the original payload from the broadcaster.
	MessageTypeSend MessageType = iota
	// MessageTypeEcho is a receiver's attestation of the payload it saw.
	MessageTypeEcho
	// MessageTypeReady signals commitment to delivering the payload.
	MessageTypeReady
)

// String returns a human-readable message type name.
func (t MessageType) String() string {
	switch t {
	case MessageTypeSend:
		return "SEND"
	case MessageTypeEcho:
		return "ECHO"
	case MessageTypeReady:
		return "READY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// MessageID uniquely identifies one broadcast instance by its originator
// and the originator's local sequence counter.
type MessageID struct {
	Origin   types.NodeID `json:"origin"`
	Sequence uint64       `json:"sequence"`
}

// String returns a compact identifier for logging.
func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d", id.Origin, id.Sequence)
}

// Message is the wire format for all reliable broadcast traffic.
// Sender is the node that transmitted this particular message, which for
// ECHO and READY differs from the broadcast originator in ID.Origin.
type Message struct {
	Type      MessageType  `json:"type"`
	ID        MessageID    `json:"id"`
	Sender    types.NodeID `json:"sender"`
	Payload   []byte       `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
}

// Encode serializes the message for transport.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// DecodeMessage parses a message received from the transport.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast message: %w", err)
	}
	return &m, nil
}
