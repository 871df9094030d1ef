package hotstuff

import (
	"fmt"

	"bft-core/pkg/consensus/types"
)

// VoteMsg is a replica's signed endorsement of a block at a view. The
// signature covers the certificate signing payload for the block hash and
// view, so collected votes assemble directly into a quorum certificate.
type VoteMsg struct {
	View      types.ViewNumber `json:"view"`
	BlockHash types.BlockHash  `json:"block_hash"`
	Voter     types.NodeID     `json:"voter"`
	Signature types.Signature  `json:"signature"`
}

// String returns a compact representation for logging.
func (m *VoteMsg) String() string {
	return fmt.Sprintf("Vote{view=%d block=%s voter=%s}", m.View, m.BlockHash.Short(), m.Voter)
}
