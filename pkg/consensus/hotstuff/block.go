package hotstuff

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"bft-core/pkg/consensus/quorum"
	"bft-core/pkg/consensus/types"
)

// Block is a chained HotStuff proposal. Justify is the quorum certificate
// for the parent block; it is nil only for a genesis-parented block.
type Block struct {
	View       types.ViewNumber          `json:"view"`
	ParentHash types.BlockHash           `json:"parent_hash"`
	Proposer   types.NodeID              `json:"proposer"`
	Data       []byte                    `json:"data"`
	Justify    *quorum.QuorumCertificate `json:"justify,omitempty"`
}

// Hash computes the block's identity from its view, parent and data. The
// justify certificate is excluded so the hash is fixed before votes exist.
func (b *Block) Hash() types.BlockHash {
	h := sha256.New()

	var view [8]byte
	binary.BigEndian.PutUint64(view[:], uint64(b.View))
	h.Write(view[:])
	h.Write(b.ParentHash[:])
	h.Write(b.Data)

	var hash types.BlockHash
	copy(hash[:], h.Sum(nil))
	return hash
}

// String returns a compact representation for logging.
func (b *Block) String() string {
	hash := b.Hash()
	return fmt.Sprintf("Block{view=%d hash=%s parent=%s proposer=%s}", b.View, hash.Short(), b.ParentHash.Short(), b.Proposer)
}
