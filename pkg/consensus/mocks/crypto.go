// Package mocks provides deterministic test doubles for consensus
// dependencies.
package mocks

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"bft-core/pkg/consensus/crypto"
	"bft-core/pkg/consensus/types"
)

// CryptoProvider is a deterministic crypto.Provider for tests. Signatures
// are keyed hashes of the signer id and payload, so any provider in the
// cluster can verify any other node's signatures without key exchange.
type CryptoProvider struct {
	nodeID types.NodeID

	// CorruptSignatures makes Sign produce signatures that fail
	// verification, for exercising invalid vote handling.
	CorruptSignatures bool

	// FailVerification makes Verify reject every signature.
	FailVerification bool
}

// NewCryptoProvider creates a deterministic provider signing as nodeID.
func NewCryptoProvider(nodeID types.NodeID) *CryptoProvider {
	return &CryptoProvider{nodeID: nodeID}
}

// mockSignature derives the 64-byte deterministic signature for a node and
// payload.
func mockSignature(nodeID types.NodeID, data []byte) types.Signature {
	h := sha256.New()
	var id [2]byte
	binary.BigEndian.PutUint16(id[:], uint16(nodeID))
	h.Write(id[:])
	h.Write(data)
	first := h.Sum(nil)
	second := sha256.Sum256(first)

	sig := make(types.Signature, 0, 64)
	sig = append(sig, first...)
	sig = append(sig, second[:]...)
	return sig
}

// Sign returns the deterministic signature for this provider's node.
func (p *CryptoProvider) Sign(data []byte) (types.Signature, error) {
	sig := mockSignature(p.nodeID, data)
	if p.CorruptSignatures {
		sig[0] ^= 0xff
	}
	return sig, nil
}

// Verify recomputes the expected signature for the claimed signer and
// compares.
func (p *CryptoProvider) Verify(nodeID types.NodeID, data []byte, signature types.Signature) error {
	if p.FailVerification {
		return crypto.NewError(crypto.ErrorTypeVerification, "verification forced to fail")
	}
	expected := mockSignature(nodeID, data)
	if !bytes.Equal(expected, signature) {
		return crypto.NewError(crypto.ErrorTypeVerification, "signature mismatch")
	}
	return nil
}

var _ crypto.Provider = (*CryptoProvider)(nil)
