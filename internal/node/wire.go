package node

import (
	"encoding/json"
	"fmt"
)

// messageKind tags consensus messages on the wire.
type messageKind string

const (
	kindPrePrepare messageKind = "pre_prepare"
	kindPrepare    messageKind = "prepare"
	kindCommit     messageKind = "commit"
	kindViewChange messageKind = "view_change"
	kindNewView    messageKind = "new_view"

	kindProposal messageKind = "proposal"
	kindVote     messageKind = "vote"
	kindQC       messageKind = "qc"
)

// wireMessage wraps a consensus message with its kind tag.
type wireMessage struct {
	Kind messageKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// encodeWire serializes a consensus message under its kind tag.
func encodeWire(kind messageKind, msg interface{}) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return json.Marshal(wireMessage{Kind: kind, Data: data})
}

// decodeWire parses the outer wire envelope.
func decodeWire(payload []byte) (*wireMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode wire message: %w", err)
	}
	return &wire, nil
}
