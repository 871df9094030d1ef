// Package keys handles secp256k1 key material for consensus signing.
package keys

import (
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// KeyManager handles cryptographic key operations
type KeyManager struct{}

// NewKeyManager creates a new KeyManager instance
func NewKeyManager() *KeyManager {
	return &KeyManager{}
}

// GeneratePrivateKey generates a new secp256k1 private key and returns it as base64
func (km *KeyManager) GeneratePrivateKey() (string, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate secp256k1 key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(privateKey.Serialize()), nil
}

// ParsePrivateKey decodes a base64 private key string.
func (km *KeyManager) ParsePrivateKey(privateKeyBase64 string) (*btcec.PrivateKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("private key must be valid base64: %w", err)
	}

	if len(keyBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(keyBytes))
	}

	privateKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	return privateKey, nil
}

// ParsePublicKey decodes a base64 compressed public key string.
func (km *KeyManager) ParsePublicKey(publicKeyBase64 string) (*btcec.PublicKey, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("public key must be valid base64: %w", err)
	}

	publicKey, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return publicKey, nil
}

// ValidatePrivateKey validates that a private key string is valid base64 and correct length
func (km *KeyManager) ValidatePrivateKey(privateKeyBase64 string) error {
	if privateKeyBase64 == "" {
		return nil // Empty is valid - will be generated
	}

	_, err := km.ParsePrivateKey(privateKeyBase64)
	return err
}

// GetPublicKey derives the base64 compressed public key from a private key
func (km *KeyManager) GetPublicKey(privateKeyBase64 string) (string, error) {
	privateKey, err := km.ParsePrivateKey(privateKeyBase64)
	if err != nil {
		return "", err
	}

	publicKey := privateKey.PubKey()
	return base64.StdEncoding.EncodeToString(publicKey.SerializeCompressed()), nil
}
