package quorum

import (
	"errors"
	"fmt"

	"bft-core/pkg/consensus/types"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrInsufficientQuorum indicates a certificate or aggregation carries
	// fewer distinct signatures than the configured threshold.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrDuplicateSignature indicates a node contributed more than one
	// signature to the same aggregation or certificate.
	ErrDuplicateSignature = errors.New("duplicate signature")
)

// InsufficientQuorumError reports how many signatures were present versus required.
type InsufficientQuorumError struct {
	Have int
	Need int
}

func (e *InsufficientQuorumError) Error() string {
	return fmt.Sprintf("insufficient quorum: have %d signatures, need %d", e.Have, e.Need)
}

// Is matches the ErrInsufficientQuorum sentinel.
func (e *InsufficientQuorumError) Is(target error) bool {
	return target == ErrInsufficientQuorum
}

// DuplicateSignatureError identifies the node that contributed twice.
type DuplicateSignatureError struct {
	Node types.NodeID
}

func (e *DuplicateSignatureError) Error() string {
	return fmt.Sprintf("duplicate signature from node %d", e.Node)
}

// Is matches the ErrDuplicateSignature sentinel.
func (e *DuplicateSignatureError) Is(target error) bool {
	return target == ErrDuplicateSignature
}
