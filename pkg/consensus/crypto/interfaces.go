// Package crypto defines the cryptographic abstraction consumed by the
// consensus protocols, plus a Schnorr provider backed by btcec.
// The consensus engines operate independently of the concrete implementation.
package crypto

import (
	"bft-core/pkg/consensus/types"
)

// Signer produces signatures with this node's private key.
type Signer interface {
	Sign(data []byte) (types.Signature, error)
}

// Verifier checks signatures against the cluster's known public keys.
type Verifier interface {
	Verify(nodeID types.NodeID, data []byte, signature types.Signature) error
}

// Provider combines signing and verification for a consensus participant.
type Provider interface {
	Signer
	Verifier
}
