package quorum

import (
	"bft-core/pkg/consensus/types"
)

// Aggregator accumulates signatures for a single (block hash, view) pair until
// the threshold is reached. It is a short-lived, mutable companion to the
// immutable QuorumCertificate: build the certificate, then discard or Reset.
//
// An Aggregator is not safe for concurrent use; callers serialize access the
// same way they serialize the rest of their per-view state.
type Aggregator struct {
	blockHash  types.BlockHash
	view       types.ViewNumber
	threshold  int
	signatures map[types.NodeID]types.Signature
}

// NewAggregator creates an aggregator for the given block hash, view, and
// signature threshold.
func NewAggregator(blockHash types.BlockHash, view types.ViewNumber, threshold int) *Aggregator {
	return &Aggregator{
		blockHash:  blockHash,
		view:       view,
		threshold:  threshold,
		signatures: make(map[types.NodeID]types.Signature),
	}
}

// AddSignature records a node's signature. A node may contribute at most once
// per aggregator; a second contribution fails with a duplicate-signature error
// and leaves the count unchanged.
func (a *Aggregator) AddSignature(node types.NodeID, sig types.Signature) error {
	if _, exists := a.signatures[node]; exists {
		return &DuplicateSignatureError{Node: node}
	}
	a.signatures[node] = sig
	return nil
}

// HasSigned reports whether the node already contributed.
func (a *Aggregator) HasSigned(node types.NodeID) bool {
	_, exists := a.signatures[node]
	return exists
}

// SignatureCount returns the number of distinct signatures collected so far.
func (a *Aggregator) SignatureCount() int {
	return len(a.signatures)
}

// HasQuorum reports whether threshold distinct signatures are present.
func (a *Aggregator) HasQuorum() bool {
	return len(a.signatures) >= a.threshold
}

// TryBuildQC returns a certificate once the threshold is met, nil otherwise.
func (a *Aggregator) TryBuildQC() *QuorumCertificate {
	if !a.HasQuorum() {
		return nil
	}

	sigs := make([]NodeSignature, 0, len(a.signatures))
	for node, sig := range a.signatures {
		sigs = append(sigs, NodeSignature{Node: node, Signature: sig})
	}
	return NewQuorumCertificate(a.blockHash, a.view, sigs)
}

// Reset clears collected signatures so the aggregator can be reused after a
// round is abandoned.
func (a *Aggregator) Reset() {
	a.signatures = make(map[types.NodeID]types.Signature)
}
