package crypto

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"bft-core/pkg/consensus/types"
)

// SchnorrProvider implements Provider using BIP-340 Schnorr signatures over
// secp256k1. Signing hashes the input with SHA-256 before signing, so the
// same digest computation is reproducible on every node.
type SchnorrProvider struct {
	nodeID  types.NodeID
	privKey *btcec.PrivateKey

	mu      sync.RWMutex
	pubKeys map[types.NodeID]*btcec.PublicKey
}

// NewSchnorrProvider creates a provider for nodeID with the given private key.
// Public keys of the other participants are registered via AddPublicKey.
func NewSchnorrProvider(nodeID types.NodeID, privKey *btcec.PrivateKey) *SchnorrProvider {
	p := &SchnorrProvider{
		nodeID:  nodeID,
		privKey: privKey,
		pubKeys: make(map[types.NodeID]*btcec.PublicKey),
	}
	p.pubKeys[nodeID] = privKey.PubKey()
	return p
}

// AddPublicKey registers the public key of a cluster participant.
func (p *SchnorrProvider) AddPublicKey(nodeID types.NodeID, pubKey *btcec.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubKeys[nodeID] = pubKey
}

// Sign produces a Schnorr signature over the SHA-256 digest of data.
func (p *SchnorrProvider) Sign(data []byte) (types.Signature, error) {
	digest := sha256.Sum256(data)
	sig, err := schnorr.Sign(p.privKey, digest[:])
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeSignature, "schnorr signing failed", err)
	}
	return sig.Serialize(), nil
}

// Verify checks a Schnorr signature against the registered key for nodeID.
func (p *SchnorrProvider) Verify(nodeID types.NodeID, data []byte, signature types.Signature) error {
	p.mu.RLock()
	pubKey, ok := p.pubKeys[nodeID]
	p.mu.RUnlock()
	if !ok {
		return NewError(ErrorTypeInvalidKey, fmt.Sprintf("no public key registered for node %d", nodeID))
	}

	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return NewErrorWithCause(ErrorTypeVerification, "malformed signature", err)
	}

	digest := sha256.Sum256(data)
	if !sig.Verify(digest[:], pubKey) {
		return NewError(ErrorTypeVerification, fmt.Sprintf("signature verification failed for node %d", nodeID))
	}
	return nil
}
