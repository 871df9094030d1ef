// Package quorum turns collections of per-node signatures into verifiable,
// reusable proofs of 2f+1 agreement: quorum certificates.
package quorum

import (
	"encoding/binary"
	"fmt"
	"sort"

	"bft-core/pkg/consensus/types"
)

// NodeSignature pairs a signer with its signature inside a certificate.
type NodeSignature struct {
	Node      types.NodeID
	Signature types.Signature
}

// QuorumCertificate is an aggregated proof that a quorum of nodes signed the
// same (block hash, view) pair. It is immutable once built: structural
// validity requires at least threshold signatures from distinct nodes.
type QuorumCertificate struct {
	BlockHash  types.BlockHash
	View       types.ViewNumber
	Signatures []NodeSignature
}

// NewQuorumCertificate builds a certificate from a signature set, ordering
// the entries by node id so the wire form is deterministic.
func NewQuorumCertificate(blockHash types.BlockHash, view types.ViewNumber, signatures []NodeSignature) *QuorumCertificate {
	sigs := make([]NodeSignature, len(signatures))
	copy(sigs, signatures)
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Node < sigs[j].Node })

	return &QuorumCertificate{
		BlockHash:  blockHash,
		View:       view,
		Signatures: sigs,
	}
}

// SignatureCount returns the number of signatures carried by the certificate.
func (qc *QuorumCertificate) SignatureCount() int {
	return len(qc.Signatures)
}

// Signers returns the node ids that signed, in certificate order.
func (qc *QuorumCertificate) Signers() []types.NodeID {
	signers := make([]types.NodeID, len(qc.Signatures))
	for i, ns := range qc.Signatures {
		signers[i] = ns.Node
	}
	return signers
}

// String returns a string representation of the certificate for debugging.
func (qc *QuorumCertificate) String() string {
	return fmt.Sprintf("QC{BlockHash: %s, View: %d, Signatures: %d}",
		qc.BlockHash.Short(), qc.View, len(qc.Signatures))
}

// SigningPayload is the byte string each node signs when voting for a
// (block hash, view) pair. It must be identical on every node.
func SigningPayload(blockHash types.BlockHash, view types.ViewNumber) []byte {
	payload := make([]byte, 0, len(blockHash)+8)
	payload = append(payload, blockHash[:]...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(view))
	return payload
}
