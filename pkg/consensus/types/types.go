// Package types defines the fundamental data types shared by the consensus
// protocols: identifiers, hashes, signatures, and the cluster configuration.
package types

import (
	"encoding/hex"
	"fmt"
)

// ViewNumber represents a consensus view identifier.
// Each view corresponds to a potential leadership period.
type ViewNumber uint64

// SequenceNumber orders requests within a PBFT view.
type SequenceNumber uint64

// NodeID represents a unique identifier for a consensus participant.
// It corresponds to the node's index in the consensus configuration.
type NodeID uint16

// String returns a string representation of the NodeID.
func (n NodeID) String() string {
	return fmt.Sprintf("%d", n)
}

// BlockHash represents a SHA-256 digest of a block, request, or message.
type BlockHash [32]byte

// ZeroHash is the all-zero digest used as the parent of chain roots.
var ZeroHash = BlockHash{}

// IsZero reports whether the hash is the all-zero digest.
func (h BlockHash) IsZero() bool {
	return h == ZeroHash
}

// Short returns the first 8 bytes of the hash in hex, for logging.
func (h BlockHash) Short() string {
	return hex.EncodeToString(h[:8])
}

// Signature is an opaque byte value produced by the crypto provider over a digest.
type Signature []byte
