package hotstuff

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft-core/pkg/consensus/mocks"
	"bft-core/pkg/consensus/quorum"
	"bft-core/pkg/consensus/types"
)

func newTestHSReplica(t *testing.T, nodeID types.NodeID, total int) *Replica {
	t.Helper()
	cfg, err := types.NewConsensusConfig(nodeID, total)
	require.NoError(t, err)
	return NewReplica(cfg, mocks.NewCryptoProvider(nodeID), zerolog.Nop())
}

// buildQC assembles a valid certificate for (hash, view) signed by the given
// nodes using the deterministic mock scheme.
func buildQC(t *testing.T, hash types.BlockHash, view types.ViewNumber, nodes ...types.NodeID) *quorum.QuorumCertificate {
	t.Helper()
	payload := quorum.SigningPayload(hash, view)
	sigs := make([]quorum.NodeSignature, 0, len(nodes))
	for _, node := range nodes {
		sig, err := mocks.NewCryptoProvider(node).Sign(payload)
		require.NoError(t, err)
		sigs = append(sigs, quorum.NodeSignature{Node: node, Signature: sig})
	}
	return quorum.NewQuorumCertificate(hash, view, sigs)
}

// signedVote builds a valid vote from the given node.
func signedVote(t *testing.T, node types.NodeID, hash types.BlockHash, view types.ViewNumber) *VoteMsg {
	t.Helper()
	sig, err := mocks.NewCryptoProvider(node).Sign(quorum.SigningPayload(hash, view))
	require.NoError(t, err)
	return &VoteMsg{View: view, BlockHash: hash, Voter: node, Signature: sig}
}

func TestReplica_LeaderRotation(t *testing.T) {
	r := newTestHSReplica(t, 0, 4)

	assert.Equal(t, types.NodeID(0), r.Leader())
	assert.True(t, r.IsLeader())

	for _, expected := range []types.NodeID{1, 2, 3, 0} {
		r.AdvanceView()
		assert.Equal(t, expected, r.Leader())
	}
}

func TestBlock_HashCoversEveryField(t *testing.T) {
	base := Block{View: 1, ParentHash: types.BlockHash{1}, Data: []byte("data")}

	changedView := base
	changedView.View = 2
	assert.NotEqual(t, base.Hash(), changedView.Hash())

	changedParent := base
	changedParent.ParentHash = types.BlockHash{2}
	assert.NotEqual(t, base.Hash(), changedParent.Hash())

	changedData := base
	changedData.Data = []byte("other")
	assert.NotEqual(t, base.Hash(), changedData.Hash())

	// The justify certificate forms after the hash and must not affect it.
	withJustify := base
	withJustify.Justify = buildQC(t, types.BlockHash{1}, 0, 0, 1, 2)
	assert.Equal(t, base.Hash(), withJustify.Hash())
}

func TestReplica_CreateBlock(t *testing.T) {
	leader := newTestHSReplica(t, 0, 4)

	block, err := leader.CreateBlock([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, types.ViewNumber(0), block.View)
	assert.True(t, block.ParentHash.IsZero(), "first block extends genesis")
	assert.Nil(t, block.Justify)
	assert.Equal(t, types.NodeID(0), block.Proposer)

	stored, err := leader.GetBlock(block.Hash())
	require.NoError(t, err)
	assert.Equal(t, block, stored)
}

func TestReplica_GetBlock_Unknown(t *testing.T) {
	r := newTestHSReplica(t, 0, 4)

	missing := types.BlockHash{7, 7, 7}
	_, err := r.GetBlock(missing)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownBlock)

	var unknown *UnknownBlockError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, missing, unknown.Hash)
}

func TestReplica_CreateBlock_NonLeaderRejected(t *testing.T) {
	r := newTestHSReplica(t, 2, 4)

	_, err := r.CreateBlock([]byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotLeader)

	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
	assert.Equal(t, types.NodeID(0), notLeader.Leader)
}

func TestReplica_VoteOnBlock(t *testing.T) {
	r := newTestHSReplica(t, 1, 4)
	block := &Block{View: 0, ParentHash: types.ZeroHash, Proposer: 0, Data: []byte("payload")}

	vote, err := r.VoteOnBlock(block)
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.Equal(t, block.Hash(), vote.BlockHash)
	assert.Equal(t, types.NodeID(1), vote.Voter)
	assert.Equal(t, PhaseVoted, r.CurrentPhase())

	// The vote signature must check out under the shared scheme.
	payload := quorum.SigningPayload(block.Hash(), block.View)
	require.NoError(t, mocks.NewCryptoProvider(0).Verify(1, payload, vote.Signature))

	// A second proposal in the same view gets no vote.
	other := &Block{View: 0, ParentHash: types.ZeroHash, Proposer: 0, Data: []byte("conflicting")}
	vote, err = r.VoteOnBlock(other)
	require.NoError(t, err)
	assert.Nil(t, vote)
}

func TestReplica_VoteOnBlock_RejectsInvalid(t *testing.T) {
	r := newTestHSReplica(t, 1, 4)

	// Wrong view.
	vote, err := r.VoteOnBlock(&Block{View: 2, ParentHash: types.ZeroHash, Proposer: 2, Data: []byte("x")})
	require.NoError(t, err)
	assert.Nil(t, vote)

	// Proposer is not the view's leader.
	vote, err = r.VoteOnBlock(&Block{View: 0, ParentHash: types.ZeroHash, Proposer: 3, Data: []byte("x")})
	require.NoError(t, err)
	assert.Nil(t, vote)

	// Non-genesis parent without a justify certificate.
	vote, err = r.VoteOnBlock(&Block{View: 0, ParentHash: types.BlockHash{7}, Proposer: 0, Data: []byte("x")})
	require.NoError(t, err)
	assert.Nil(t, vote)

	// Justify certifying something other than the parent.
	parent := types.BlockHash{7}
	wrongJustify := buildQC(t, types.BlockHash{8}, 0, 0, 1, 2)
	vote, err = r.VoteOnBlock(&Block{View: 0, ParentHash: parent, Proposer: 0, Data: []byte("x"), Justify: wrongJustify})
	require.NoError(t, err)
	assert.Nil(t, vote)

	assert.Equal(t, PhaseIdle, r.CurrentPhase(), "rejected proposals leave the phase untouched")
}

func TestReplica_ProcessVote_AssemblesQC(t *testing.T) {
	leader := newTestHSReplica(t, 0, 4)
	block, err := leader.CreateBlock([]byte("payload"))
	require.NoError(t, err)
	hash := block.Hash()

	for _, node := range []types.NodeID{0, 1} {
		qc, err := leader.ProcessVote(signedVote(t, node, hash, 0))
		require.NoError(t, err)
		assert.Nil(t, qc, "two votes are below the quorum of three")
	}

	qc, err := leader.ProcessVote(signedVote(t, 2, hash, 0))
	require.NoError(t, err)
	require.NotNil(t, qc, "third vote completes the quorum")
	assert.Equal(t, hash, qc.BlockHash)
	assert.Equal(t, 3, qc.SignatureCount())

	assert.Equal(t, qc, leader.HighQC(), "assembled certificate becomes the high QC")
	assert.True(t, leader.IsCommittable(block))
	assert.Equal(t, PhaseCertified, leader.CurrentPhase())

	// A straggler vote after certification must not rebuild the QC.
	late, err := leader.ProcessVote(signedVote(t, 3, hash, 0))
	require.NoError(t, err)
	assert.Nil(t, late)
}

func TestReplica_ProcessVote_IgnoresBadVotes(t *testing.T) {
	leader := newTestHSReplica(t, 0, 4)
	block, err := leader.CreateBlock([]byte("payload"))
	require.NoError(t, err)
	hash := block.Hash()

	// Invalid signature.
	bad := signedVote(t, 1, hash, 0)
	bad.Signature[0] ^= 0xff
	qc, err := leader.ProcessVote(bad)
	require.NoError(t, err, "invalid votes are dropped, not errors")
	assert.Nil(t, qc)

	// Duplicates from the same voter count once.
	for i := 0; i < 3; i++ {
		qc, err = leader.ProcessVote(signedVote(t, 1, hash, 0))
		require.NoError(t, err)
		assert.Nil(t, qc)
	}

	// Unknown voter.
	qc, err = leader.ProcessVote(signedVote(t, 9, hash, 0))
	require.NoError(t, err)
	assert.Nil(t, qc)
}

func TestReplica_AdvanceViewResetsPhase(t *testing.T) {
	r := newTestHSReplica(t, 1, 4)

	vote, err := r.VoteOnBlock(&Block{View: 0, ParentHash: types.ZeroHash, Proposer: 0, Data: []byte("x")})
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.Equal(t, PhaseVoted, r.CurrentPhase())

	view := r.AdvanceView()
	assert.Equal(t, types.ViewNumber(1), view)
	assert.Equal(t, PhaseIdle, r.CurrentPhase())
}

// extendChain votes a block into the replica at its current view and
// advances past it, returning the block and its certificate.
func extendChain(t *testing.T, r *Replica, parent types.BlockHash, justify *quorum.QuorumCertificate, data []byte) (*Block, *quorum.QuorumCertificate) {
	t.Helper()

	view := r.CurrentView()
	block := &Block{
		View:       view,
		ParentHash: parent,
		Proposer:   types.NodeID(uint64(view) % 4),
		Data:       data,
		Justify:    justify,
	}
	vote, err := r.VoteOnBlock(block)
	require.NoError(t, err)
	require.NotNil(t, vote, "chain block at view %d must be votable", view)

	qc := buildQC(t, block.Hash(), view, 0, 1, 2)
	require.NoError(t, r.ProcessQC(qc))
	r.AdvanceView()
	return block, qc
}

func TestReplica_CommitChain(t *testing.T) {
	r := newTestHSReplica(t, 3, 4)

	b0, qc0 := extendChain(t, r, types.ZeroHash, nil, []byte("b0"))
	b1, qc1 := extendChain(t, r, b0.Hash(), qc0, []byte("b1"))
	b2, _ := extendChain(t, r, b1.Hash(), qc1, []byte("b2"))

	// Three consecutive views commit the grandparent.
	committed := r.CommitChain(b2)
	require.Len(t, committed, 1)
	assert.Equal(t, b0, committed[0])
	assert.True(t, r.IsCommitted(b0.Hash()))
	assert.False(t, r.IsCommitted(b1.Hash()))

	// Extending the chain one more view commits the next block.
	qc2, ok := r.QCManager().GetQC(b2.Hash(), b2.View)
	require.True(t, ok)
	b3, _ := extendChain(t, r, b2.Hash(), qc2, []byte("b3"))

	committed = r.CommitChain(b3)
	require.Len(t, committed, 1)
	assert.Equal(t, b1, committed[0])

	blocks := r.CommittedBlocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, b0, blocks[0])
	assert.Equal(t, b1, blocks[1])
}

func TestReplica_IsCommittable(t *testing.T) {
	r := newTestHSReplica(t, 3, 4)

	b0, qc0 := extendChain(t, r, types.ZeroHash, nil, []byte("b0"))
	assert.True(t, r.IsCommittable(b0), "a certified block is committable")

	// A proposal voted on but not yet certified is not committable.
	b1 := &Block{View: r.CurrentView(), ParentHash: b0.Hash(), Proposer: 1, Data: []byte("b1"), Justify: qc0}
	vote, err := r.VoteOnBlock(b1)
	require.NoError(t, err)
	require.NotNil(t, vote)
	assert.False(t, r.IsCommittable(b1))

	// An unknown block is not committable either.
	assert.False(t, r.IsCommittable(&Block{View: 9, ParentHash: b0.Hash(), Proposer: 1, Data: []byte("x")}))
}

func TestReplica_CommitChain_RequiresConsecutiveViews(t *testing.T) {
	r := newTestHSReplica(t, 3, 4)

	b0, qc0 := extendChain(t, r, types.ZeroHash, nil, []byte("b0"))
	b1, qc1 := extendChain(t, r, b0.Hash(), qc0, []byte("b1"))

	// Skip a view before proposing the next block.
	r.AdvanceView()
	gapped, _ := extendChain(t, r, b1.Hash(), qc1, []byte("gapped"))

	assert.Empty(t, r.CommitChain(gapped), "a view gap breaks the commit chain")
	assert.False(t, r.IsCommitted(b0.Hash()))
}

func TestReplica_HighQCTracksHighestView(t *testing.T) {
	r := newTestHSReplica(t, 3, 4)

	qcLow := buildQC(t, types.BlockHash{1}, 1, 0, 1, 2)
	qcHigh := buildQC(t, types.BlockHash{2}, 5, 0, 1, 2)

	require.NoError(t, r.ProcessQC(qcHigh))
	require.NoError(t, r.ProcessQC(qcLow))

	assert.Equal(t, qcHigh, r.HighQC(), "older certificates never displace the high QC")
}

func TestReplica_ProcessQC_RejectsInvalid(t *testing.T) {
	r := newTestHSReplica(t, 3, 4)

	// Below threshold.
	thin := buildQC(t, types.BlockHash{1}, 1, 0, 1)
	require.NoError(t, r.ProcessQC(thin), "invalid certificates are dropped, not errors")
	assert.Nil(t, r.HighQC())

	// Tampered signature.
	forged := buildQC(t, types.BlockHash{2}, 1, 0, 1, 2)
	forged.Signatures[0].Signature[0] ^= 0xff
	require.NoError(t, r.ProcessQC(forged))
	assert.Nil(t, r.HighQC())
}
