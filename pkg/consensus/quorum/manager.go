package quorum

import (
	"sync"

	"bft-core/pkg/consensus/crypto"
	"bft-core/pkg/consensus/types"
)

// certKey identifies a certificate in the manager's caches. Certificates are
// keyed by (view, block hash) so two views proposing the same hash can never
// conflate their proofs.
type certKey struct {
	View      types.ViewNumber
	BlockHash types.BlockHash
}

// Manager builds, caches, and verifies quorum certificates. The certificate
// cache and verified set are the only structures here mutated from multiple
// call sites, so both sit behind a single mutex; verification is idempotent
// per certificate, so redundant concurrent attempts converge safely.
type Manager struct {
	mu        sync.Mutex
	threshold int
	verifier  crypto.Verifier
	certs     map[certKey]*QuorumCertificate
	verified  map[certKey]bool
}

// NewManager creates a certificate manager with the given signature threshold.
// The verifier delegates cryptographic signature checks; structural checks
// (count, distinctness) are the manager's own concern.
func NewManager(threshold int, verifier crypto.Verifier) *Manager {
	return &Manager{
		threshold: threshold,
		verifier:  verifier,
		certs:     make(map[certKey]*QuorumCertificate),
		verified:  make(map[certKey]bool),
	}
}

// NewAggregator creates an aggregator bound to this manager's threshold.
func (m *Manager) NewAggregator(blockHash types.BlockHash, view types.ViewNumber) *Aggregator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return NewAggregator(blockHash, view, m.threshold)
}

// CreateQC constructs a certificate directly from an externally assembled
// signature set and caches it.
func (m *Manager) CreateQC(blockHash types.BlockHash, view types.ViewNumber, signatures []NodeSignature) *QuorumCertificate {
	qc := NewQuorumCertificate(blockHash, view, signatures)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs[certKey{View: view, BlockHash: blockHash}] = qc
	return qc
}

// StoreQC caches a certificate received from a peer or built by an aggregator.
func (m *Manager) StoreQC(qc *QuorumCertificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs[certKey{View: qc.View, BlockHash: qc.BlockHash}] = qc
}

// VerifyQC checks a certificate. Previously verified certificates return
// immediately. Otherwise it fails with an insufficient-quorum error when the
// signature count is below threshold, a duplicate-signature error when a
// signer id repeats, or the crypto provider's error when a signature is
// invalid. On success the certificate is recorded as verified.
func (m *Manager) VerifyQC(qc *QuorumCertificate) error {
	key := certKey{View: qc.View, BlockHash: qc.BlockHash}

	m.mu.Lock()
	if m.verified[key] {
		m.mu.Unlock()
		return nil
	}
	threshold := m.threshold
	m.mu.Unlock()

	if len(qc.Signatures) < threshold {
		return &InsufficientQuorumError{Have: len(qc.Signatures), Need: threshold}
	}

	seen := make(map[types.NodeID]bool, len(qc.Signatures))
	for _, ns := range qc.Signatures {
		if seen[ns.Node] {
			return &DuplicateSignatureError{Node: ns.Node}
		}
		seen[ns.Node] = true
	}

	payload := SigningPayload(qc.BlockHash, qc.View)
	for _, ns := range qc.Signatures {
		if err := m.verifier.Verify(ns.Node, payload, ns.Signature); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.verified[key] = true
	m.certs[key] = qc
	m.mu.Unlock()
	return nil
}

// IsVerified reports whether a certificate for (view, block hash) has passed
// verification.
func (m *Manager) IsVerified(blockHash types.BlockHash, view types.ViewNumber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified[certKey{View: view, BlockHash: blockHash}]
}

// GetQC returns the cached certificate for (view, block hash), if any.
func (m *Manager) GetQC(blockHash types.BlockHash, view types.ViewNumber) (*QuorumCertificate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qc, ok := m.certs[certKey{View: view, BlockHash: blockHash}]
	return qc, ok
}

// AllQCs returns all cached certificates.
func (m *Manager) AllQCs() []*QuorumCertificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	qcs := make([]*QuorumCertificate, 0, len(m.certs))
	for _, qc := range m.certs {
		qcs = append(qcs, qc)
	}
	return qcs
}

// QCCount returns the number of cached certificates.
func (m *Manager) QCCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.certs)
}

// VerifiedCount returns the number of certificates that passed verification.
func (m *Manager) VerifiedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.verified)
}

// Threshold returns the current signature threshold.
func (m *Manager) Threshold() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threshold
}

// SetThreshold updates the signature threshold. Intended for reconfiguration;
// already-verified certificates stay verified.
func (m *Manager) SetThreshold(threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threshold = threshold
}

// Clear drops all cached certificates and verification records.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs = make(map[certKey]*QuorumCertificate)
	m.verified = make(map[certKey]bool)
}
