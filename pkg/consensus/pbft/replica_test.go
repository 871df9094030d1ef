package pbft

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft-core/pkg/consensus/types"
)

func newTestReplica(t *testing.T, nodeID types.NodeID, total int) *Replica {
	t.Helper()
	cfg, err := types.NewConsensusConfig(nodeID, total)
	require.NoError(t, err)
	return NewReplica(cfg, zerolog.Nop())
}

func TestReplica_CreatePrePrepare(t *testing.T) {
	primary := newTestReplica(t, 0, 4)
	request := []byte("transfer:A->B:10")

	msg, err := primary.CreatePrePrepare(request)
	require.NoError(t, err)
	assert.Equal(t, types.ViewNumber(0), msg.View)
	assert.Equal(t, types.SequenceNumber(1), msg.Sequence)
	assert.Equal(t, RequestDigest(request), msg.Digest)
	assert.Equal(t, types.NodeID(0), msg.Primary)

	second, err := primary.CreatePrePrepare([]byte("another"))
	require.NoError(t, err)
	assert.Equal(t, types.SequenceNumber(2), second.Sequence, "sequence numbers are monotonic")
}

func TestReplica_CreatePrePrepare_BackupRejected(t *testing.T) {
	backup := newTestReplica(t, 2, 4)

	_, err := backup.CreatePrePrepare([]byte("req"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotPrimary)

	var notPrimary *NotPrimaryError
	require.ErrorAs(t, err, &notPrimary)
	assert.Equal(t, types.NodeID(0), notPrimary.Primary)
}

func TestReplica_PhaseProgression(t *testing.T) {
	backup := newTestReplica(t, 1, 4)
	request := []byte("op")
	prePrepare := &PrePrepareMsg{
		View:     0,
		Sequence: 1,
		Digest:   RequestDigest(request),
		Request:  request,
		Primary:  0,
	}

	prepare, err := backup.HandlePrePrepare(prePrepare)
	require.NoError(t, err)
	require.NotNil(t, prepare, "valid pre-prepare yields a prepare vote")
	assert.Equal(t, types.NodeID(1), prepare.Replica)
	assert.Equal(t, PhasePrepared, backup.InstancePhase(1))

	// First prepare is below the quorum of 2f=2.
	commit, err := backup.HandlePrepare(&PrepareMsg{View: 0, Sequence: 1, Digest: prePrepare.Digest, Replica: 0})
	require.NoError(t, err)
	assert.Nil(t, commit)
	assert.Equal(t, PhasePrepared, backup.InstancePhase(1))

	// Second prepare completes the quorum and yields the commit vote.
	commit, err = backup.HandlePrepare(&PrepareMsg{View: 0, Sequence: 1, Digest: prePrepare.Digest, Replica: 2})
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, types.NodeID(1), commit.Replica)
	assert.Equal(t, PhasePreCommitted, backup.InstancePhase(1))

	// A third prepare must not re-emit the commit vote.
	commit, err = backup.HandlePrepare(&PrepareMsg{View: 0, Sequence: 1, Digest: prePrepare.Digest, Replica: 3})
	require.NoError(t, err)
	assert.Nil(t, commit)

	// Commits from 2f+1=3 distinct replicas execute the request.
	for i, replica := range []types.NodeID{0, 2, 3} {
		committed, err := backup.HandleCommit(&CommitMsg{View: 0, Sequence: 1, Digest: prePrepare.Digest, Replica: replica})
		require.NoError(t, err)
		assert.Equal(t, i == 2, committed, "commit quorum completes on the third vote")
	}
	assert.Equal(t, PhaseCommitted, backup.InstancePhase(1))
	assert.True(t, backup.IsCommitted(1))

	// Late commits after execution are absorbed silently.
	committed, err := backup.HandleCommit(&CommitMsg{View: 0, Sequence: 1, Digest: prePrepare.Digest, Replica: 1})
	require.NoError(t, err)
	assert.False(t, committed)

	requests := backup.CommittedRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, request, requests[0])
}

func TestReplica_HandlePrePrepare_RejectsInvalid(t *testing.T) {
	backup := newTestReplica(t, 1, 4)
	request := []byte("op")

	// Wrong view.
	prepare, err := backup.HandlePrePrepare(&PrePrepareMsg{
		View: 3, Sequence: 1, Digest: RequestDigest(request), Request: request, Primary: 3,
	})
	require.NoError(t, err)
	assert.Nil(t, prepare)

	// Claimed primary is not the view's leader.
	prepare, err = backup.HandlePrePrepare(&PrePrepareMsg{
		View: 0, Sequence: 1, Digest: RequestDigest(request), Request: request, Primary: 2,
	})
	require.NoError(t, err)
	assert.Nil(t, prepare)

	// Digest does not match the request.
	prepare, err = backup.HandlePrePrepare(&PrePrepareMsg{
		View: 0, Sequence: 1, Digest: RequestDigest([]byte("other")), Request: request, Primary: 0,
	})
	require.NoError(t, err)
	assert.Nil(t, prepare)

	assert.Equal(t, PhaseIdle, backup.InstancePhase(1), "invalid pre-prepares leave no trace")
}

func TestReplica_HandlePrePrepare_ConflictingAssignment(t *testing.T) {
	backup := newTestReplica(t, 1, 4)

	first := []byte("first")
	prepare, err := backup.HandlePrePrepare(&PrePrepareMsg{
		View: 0, Sequence: 1, Digest: RequestDigest(first), Request: first, Primary: 0,
	})
	require.NoError(t, err)
	require.NotNil(t, prepare)

	// An equivocating primary reassigning the sequence is ignored.
	second := []byte("second")
	prepare, err = backup.HandlePrePrepare(&PrePrepareMsg{
		View: 0, Sequence: 1, Digest: RequestDigest(second), Request: second, Primary: 0,
	})
	require.NoError(t, err)
	assert.Nil(t, prepare)
}

func TestReplica_MismatchedPrepareDigestsDoNotCount(t *testing.T) {
	backup := newTestReplica(t, 1, 4)
	request := []byte("op")
	digest := RequestDigest(request)

	_, err := backup.HandlePrePrepare(&PrePrepareMsg{
		View: 0, Sequence: 1, Digest: digest, Request: request, Primary: 0,
	})
	require.NoError(t, err)

	// One vote for the right digest, one for a forged digest.
	commit, err := backup.HandlePrepare(&PrepareMsg{View: 0, Sequence: 1, Digest: digest, Replica: 0})
	require.NoError(t, err)
	assert.Nil(t, commit)

	commit, err = backup.HandlePrepare(&PrepareMsg{View: 0, Sequence: 1, Digest: RequestDigest([]byte("forged")), Replica: 2})
	require.NoError(t, err)
	assert.Nil(t, commit, "a forged digest must not complete the quorum")
	assert.Equal(t, PhasePrepared, backup.InstancePhase(1))
}

func TestCluster_CommitsOnEveryReplica(t *testing.T) {
	const total = 4
	replicas := make([]*Replica, total)
	for i := 0; i < total; i++ {
		replicas[i] = newTestReplica(t, types.NodeID(i), total)
	}

	request := []byte("transfer:A->B:10")
	prePrepare, err := replicas[0].CreatePrePrepare(request)
	require.NoError(t, err)

	// Every replica, the primary included, receives the pre-prepare.
	var prepares []*PrepareMsg
	for _, r := range replicas {
		prepare, err := r.HandlePrePrepare(prePrepare)
		require.NoError(t, err)
		require.NotNil(t, prepare)
		prepares = append(prepares, prepare)
	}

	var commits []*CommitMsg
	for _, prepare := range prepares {
		for _, r := range replicas {
			commit, err := r.HandlePrepare(prepare)
			require.NoError(t, err)
			if commit != nil {
				commits = append(commits, commit)
			}
		}
	}
	require.Len(t, commits, total, "each replica casts exactly one commit vote")

	executed := make([]int, total)
	for _, commit := range commits {
		for i, r := range replicas {
			done, err := r.HandleCommit(commit)
			require.NoError(t, err)
			if done {
				executed[i]++
			}
		}
	}

	for i, count := range executed {
		assert.Equal(t, 1, count, "replica %d executes exactly once", i)
		assert.Equal(t, [][]byte{request}, replicas[i].CommittedRequests())
	}
}

func TestCluster_ViewChange(t *testing.T) {
	const total = 4
	replicas := make([]*Replica, total)
	for i := 0; i < total; i++ {
		replicas[i] = newTestReplica(t, types.NodeID(i), total)
	}

	var viewChanges []*ViewChangeMsg
	for _, r := range replicas {
		viewChanges = append(viewChanges, r.CreateViewChange())
	}

	var announcements []*NewViewMsg
	for _, vc := range viewChanges {
		assert.Equal(t, types.ViewNumber(1), vc.NewView)
		for _, r := range replicas {
			newView, err := r.HandleViewChange(vc)
			require.NoError(t, err)
			if newView != nil {
				announcements = append(announcements, newView)
			}
		}
	}

	require.Len(t, announcements, 1, "only the new primary announces the view")
	assert.Equal(t, types.NodeID(1), announcements[0].Primary)
	assert.Equal(t, types.ViewNumber(1), announcements[0].View)
	assert.GreaterOrEqual(t, len(announcements[0].ViewChanges), 3)

	for i, r := range replicas {
		assert.Equal(t, types.ViewNumber(1), r.View(), "replica %d installed the new view", i)
		assert.Equal(t, types.NodeID(1), r.Primary())
	}

	// The old primary can no longer propose; the new one can.
	_, err := replicas[0].CreatePrePrepare([]byte("req"))
	assert.Error(t, err)
	_, err = replicas[1].CreatePrePrepare([]byte("req"))
	assert.NoError(t, err)
}

func TestReplica_HandleNewView(t *testing.T) {
	backup := newTestReplica(t, 3, 4)

	proof := make([]ViewChangeMsg, 3)
	for i := range proof {
		proof[i] = ViewChangeMsg{NewView: 2, Replica: types.NodeID(i)}
	}

	// Announcement from a node that does not lead view 2 is ignored.
	require.NoError(t, backup.HandleNewView(&NewViewMsg{View: 2, Primary: 0, ViewChanges: proof}))
	assert.Equal(t, types.ViewNumber(0), backup.View())

	// Announcement without quorum proof is ignored.
	require.NoError(t, backup.HandleNewView(&NewViewMsg{View: 2, Primary: 2, ViewChanges: proof[:2]}))
	assert.Equal(t, types.ViewNumber(0), backup.View())

	require.NoError(t, backup.HandleNewView(&NewViewMsg{View: 2, Primary: 2, ViewChanges: proof}))
	assert.Equal(t, types.ViewNumber(2), backup.View())
}

func TestReplica_WaitForCommit(t *testing.T) {
	backup := newTestReplica(t, 1, 4)

	start := time.Now()
	_, err := backup.WaitForCommit(context.Background(), 1, 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommitTimeout)

	var timeout *CommitTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, types.SequenceNumber(1), timeout.Sequence)
	assert.Equal(t, 50*time.Millisecond, timeout.Elapsed)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
