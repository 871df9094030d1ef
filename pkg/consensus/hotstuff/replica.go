package hotstuff

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"bft-core/pkg/consensus/crypto"
	"bft-core/pkg/consensus/quorum"
	"bft-core/pkg/consensus/types"
)

// Phase tracks the replica's position within the current view.
type Phase uint8

const (
	// PhaseIdle means no proposal has been seen for the current view.
	PhaseIdle Phase = iota
	// PhaseVoted means this replica has voted on the view's proposal.
	PhaseVoted
	// PhaseCertified means a quorum certificate formed for the view's
	// proposal.
	PhaseCertified
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseVoted:
		return "VOTED"
	case PhaseCertified:
		return "CERTIFIED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// Replica is a chained HotStuff participant. Leaders propose blocks
// extending the highest known quorum certificate and aggregate votes into
// new certificates; all replicas track the block tree and commit blocks as
// the chain rule allows. Like the PBFT replica it is message-driven and
// leaves transport to the caller.
type Replica struct {
	config   *types.ConsensusConfig
	provider crypto.Provider
	qcs      *quorum.Manager
	logger   zerolog.Logger

	mu           sync.Mutex
	view         types.ViewNumber
	phase        Phase
	highQC       *quorum.QuorumCertificate
	blocks       map[types.BlockHash]*Block
	blocksByView map[types.ViewNumber]*Block
	aggregators  map[types.BlockHash]*quorum.Aggregator
	committed    []*Block
	committedSet map[types.BlockHash]bool
}

// NewReplica creates a HotStuff replica from a validated consensus
// configuration and a signing provider. Vote signatures are checked against
// the provider's verifier, so every cluster member's public key must be
// registered with it.
func NewReplica(config *types.ConsensusConfig, provider crypto.Provider, logger zerolog.Logger) *Replica {
	return &Replica{
		config:       config,
		provider:     provider,
		qcs:          quorum.NewManager(config.QuorumThreshold(), provider),
		logger:       logger.With().Str("component", "hotstuff").Stringer("node", config.NodeID).Logger(),
		blocks:       make(map[types.BlockHash]*Block),
		blocksByView: make(map[types.ViewNumber]*Block),
		aggregators:  make(map[types.BlockHash]*quorum.Aggregator),
		committedSet: make(map[types.BlockHash]bool),
	}
}

// CurrentView returns the replica's current view number.
func (r *Replica) CurrentView() types.ViewNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// CurrentPhase returns the replica's phase within the current view.
func (r *Replica) CurrentPhase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// IsLeader reports whether this replica leads the current view.
func (r *Replica) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.IsLeader(r.view)
}

// Leader returns the leader of the current view.
func (r *Replica) Leader() types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.LeaderForView(r.view)
}

// HighQC returns the highest quorum certificate this replica knows of.
func (r *Replica) HighQC() *quorum.QuorumCertificate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highQC
}

// CreateBlock proposes a block for the current view, extending the block
// certified by the highest known QC. Only the view's leader may call it.
func (r *Replica) CreateBlock(data []byte) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.IsLeader(r.view) {
		return nil, &NotLeaderError{
			View:    r.view,
			Replica: r.config.NodeID,
			Leader:  r.config.LeaderForView(r.view),
		}
	}

	parent := types.ZeroHash
	if r.highQC != nil {
		parent = r.highQC.BlockHash
	}
	block := &Block{
		View:       r.view,
		ParentHash: parent,
		Proposer:   r.config.NodeID,
		Data:       data,
		Justify:    r.highQC,
	}
	r.storeBlock(block)
	r.logger.Debug().Stringer("block", block).Msg("created block")
	return block, nil
}

// VoteOnBlock validates a proposal and returns this replica's signed vote.
// Invalid proposals are logged and return (nil, nil). A replica votes at
// most once per view.
func (r *Replica) VoteOnBlock(block *Block) (*VoteMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if block.View != r.view {
		r.logger.Warn().Stringer("block", block).Uint64("current_view", uint64(r.view)).Msg("ignoring proposal from wrong view")
		return nil, nil
	}
	if block.Proposer != r.config.LeaderForView(block.View) {
		r.logger.Warn().Stringer("block", block).Msg("ignoring proposal from non-leader")
		return nil, nil
	}
	if block.Justify != nil {
		if err := r.qcs.VerifyQC(block.Justify); err != nil {
			r.logger.Warn().Err(err).Stringer("block", block).Msg("ignoring proposal with invalid justify certificate")
			return nil, nil
		}
		if block.Justify.BlockHash != block.ParentHash {
			r.logger.Warn().Stringer("block", block).Msg("ignoring proposal whose justify does not certify its parent")
			return nil, nil
		}
		r.updateHighQC(block.Justify)
	} else if !block.ParentHash.IsZero() {
		r.logger.Warn().Stringer("block", block).Msg("ignoring non-genesis proposal without justify certificate")
		return nil, nil
	}
	if r.phase != PhaseIdle {
		r.logger.Warn().Stringer("block", block).Msg("ignoring second proposal in the same view")
		return nil, nil
	}

	r.storeBlock(block)

	hash := block.Hash()
	sig, err := r.provider.Sign(quorum.SigningPayload(hash, block.View))
	if err != nil {
		return nil, fmt.Errorf("failed to sign vote for block %s: %w", hash.Short(), err)
	}

	r.phase = PhaseVoted
	vote := &VoteMsg{
		View:      block.View,
		BlockHash: hash,
		Voter:     r.config.NodeID,
		Signature: sig,
	}
	r.logger.Debug().Stringer("vote", vote).Msg("voted on block")
	return vote, nil
}

// ProcessVote aggregates a vote toward a quorum certificate for the voted
// block. Votes with invalid signatures are logged and dropped; duplicate
// votes are ignored. When the quorum threshold is reached, the assembled
// certificate is stored, becomes the new high QC, and is returned exactly
// once.
func (r *Replica) ProcessVote(vote *VoteMsg) (*quorum.QuorumCertificate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.IsValidNodeID(vote.Voter) {
		r.logger.Warn().Stringer("vote", vote).Msg("ignoring vote from unknown replica")
		return nil, nil
	}
	payload := quorum.SigningPayload(vote.BlockHash, vote.View)
	if err := r.provider.Verify(vote.Voter, payload, vote.Signature); err != nil {
		r.logger.Warn().Err(err).Stringer("vote", vote).Msg("ignoring vote with invalid signature")
		return nil, nil
	}

	agg, ok := r.aggregators[vote.BlockHash]
	if !ok {
		agg = r.qcs.NewAggregator(vote.BlockHash, vote.View)
		r.aggregators[vote.BlockHash] = agg
	}
	if err := agg.AddSignature(vote.Voter, vote.Signature); err != nil {
		// Duplicate votes are expected under retransmission.
		r.logger.Debug().Stringer("vote", vote).Msg("ignoring duplicate vote")
		return nil, nil
	}

	qc := agg.TryBuildQC()
	if qc == nil {
		return nil, nil
	}
	delete(r.aggregators, vote.BlockHash)

	r.qcs.StoreQC(qc)
	r.updateHighQC(qc)
	if _, ok := r.blocks[qc.BlockHash]; ok && qc.View == r.view {
		r.phase = PhaseCertified
	}
	r.logger.Info().Stringer("qc", qc).Msg("assembled quorum certificate")
	return qc, nil
}

// ProcessQC adopts a certificate assembled elsewhere, typically carried by
// the next leader's proposal or announced after vote aggregation.
func (r *Replica) ProcessQC(qc *quorum.QuorumCertificate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.qcs.VerifyQC(qc); err != nil {
		r.logger.Warn().Err(err).Stringer("qc", qc).Msg("ignoring invalid quorum certificate")
		return nil
	}
	r.qcs.StoreQC(qc)
	r.updateHighQC(qc)
	return nil
}

// updateHighQC replaces the high QC when qc certifies a higher view.
// Callers must hold r.mu.
func (r *Replica) updateHighQC(qc *quorum.QuorumCertificate) {
	if r.highQC == nil || qc.View > r.highQC.View {
		r.highQC = qc
		r.logger.Debug().Stringer("qc", qc).Msg("updated high QC")
	}
}

// AdvanceView moves the replica to the next view and resets its phase.
func (r *Replica) AdvanceView() types.ViewNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view++
	r.phase = PhaseIdle
	return r.view
}

// IsCommittable reports whether a quorum certificate exists for the block,
// the one-hop commit condition used when views run back to back.
func (r *Replica) IsCommittable(block *Block) bool {
	_, ok := r.qcs.GetQC(block.Hash(), block.View)
	return ok
}

// CommitChain applies the chained commit rule from block: when block, its
// parent and its grandparent certify three consecutive views, the
// grandparent and all its uncommitted ancestors commit. Newly committed
// blocks are returned oldest first.
func (r *Replica) CommitChain(block *Block) []*Block {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.blocks[block.ParentHash]
	if !ok {
		return nil
	}
	grandparent, ok := r.blocks[parent.ParentHash]
	if !ok {
		return nil
	}
	if parent.View+1 != block.View || grandparent.View+1 != parent.View {
		return nil
	}

	// Walk back to the newest committed ancestor, then commit forward.
	var chain []*Block
	for b := grandparent; b != nil; {
		hash := b.Hash()
		if r.committedSet[hash] {
			break
		}
		chain = append(chain, b)
		b = r.blocks[b.ParentHash]
	}

	var committed []*Block
	for i := len(chain) - 1; i >= 0; i-- {
		b := chain[i]
		hash := b.Hash()
		r.committedSet[hash] = true
		r.committed = append(r.committed, b)
		committed = append(committed, b)
		r.logger.Info().Stringer("block", b).Msg("committed block")
	}
	return committed
}

// IsCommitted reports whether the block with the given hash has committed.
func (r *Replica) IsCommitted(hash types.BlockHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.committedSet[hash]
}

// CommittedBlocks returns all committed blocks in commit order.
func (r *Replica) CommittedBlocks() []*Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Block, len(r.committed))
	copy(out, r.committed)
	return out
}

// GetBlock returns the stored block with the given hash, or an
// UnknownBlockError if this replica never stored it.
func (r *Replica) GetBlock(hash types.BlockHash) (*Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	block, ok := r.blocks[hash]
	if !ok {
		return nil, &UnknownBlockError{Hash: hash}
	}
	return block, nil
}

// BlockForView returns the stored block proposed at the given view.
func (r *Replica) BlockForView(view types.ViewNumber) (*Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	block, ok := r.blocksByView[view]
	return block, ok
}

// QCManager exposes the replica's certificate manager.
func (r *Replica) QCManager() *quorum.Manager {
	return r.qcs
}

// storeBlock indexes a block by hash and by view. Callers must hold r.mu.
func (r *Replica) storeBlock(block *Block) {
	hash := block.Hash()
	if _, ok := r.blocks[hash]; ok {
		return
	}
	r.blocks[hash] = block
	r.blocksByView[block.View] = block
}
