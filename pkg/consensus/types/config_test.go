package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsensusConfig_ClusterArithmetic(t *testing.T) {
	cases := []struct {
		total         int
		faulty        int
		quorum        int
		prepareQuorum int
	}{
		{total: 4, faulty: 1, quorum: 3, prepareQuorum: 2},
		{total: 7, faulty: 2, quorum: 5, prepareQuorum: 4},
		{total: 10, faulty: 3, quorum: 7, prepareQuorum: 6},
		{total: 13, faulty: 4, quorum: 9, prepareQuorum: 8},
	}

	for _, tc := range cases {
		cfg, err := NewConsensusConfig(0, tc.total)
		require.NoError(t, err, "cluster of %d should be valid", tc.total)

		assert.Equal(t, tc.faulty, cfg.FaultyNodes(), "faulty nodes for n=%d", tc.total)
		assert.Equal(t, tc.quorum, cfg.QuorumThreshold(), "quorum for n=%d", tc.total)
		assert.Equal(t, tc.prepareQuorum, cfg.PrepareQuorum(), "prepare quorum for n=%d", tc.total)
	}
}

func TestNewConsensusConfig_RejectsInvalidClusterSizes(t *testing.T) {
	for _, total := range []int{0, 1, 2, 3, 5, 6, 8, 9, 11, 12} {
		_, err := NewConsensusConfig(0, total)
		assert.Error(t, err, "cluster of %d must be rejected", total)
	}
}

func TestNewConsensusConfig_RejectsOutOfRangeNodeID(t *testing.T) {
	_, err := NewConsensusConfig(4, 4)
	assert.Error(t, err, "node id equal to cluster size must be rejected")

	_, err = NewConsensusConfig(3, 4)
	assert.NoError(t, err, "highest valid node id must be accepted")
}

func TestConsensusConfig_Defaults(t *testing.T) {
	cfg, err := NewConsensusConfig(1, 4)
	require.NoError(t, err)

	assert.NotZero(t, cfg.PhaseTimeout)
	assert.NotZero(t, cfg.ViewChangeTimeout)
	assert.NotZero(t, cfg.RequestTimeout)
}

func TestConsensusConfig_LeaderRotation(t *testing.T) {
	cfg, err := NewConsensusConfig(2, 4)
	require.NoError(t, err)

	assert.Equal(t, NodeID(0), cfg.LeaderForView(0))
	assert.Equal(t, NodeID(1), cfg.LeaderForView(1))
	assert.Equal(t, NodeID(3), cfg.LeaderForView(3))
	assert.Equal(t, NodeID(0), cfg.LeaderForView(4), "rotation wraps around the cluster")

	assert.False(t, cfg.IsLeader(0))
	assert.True(t, cfg.IsLeader(2))
	assert.True(t, cfg.IsLeader(6))
}

func TestConsensusConfig_IsValidNodeID(t *testing.T) {
	cfg, err := NewConsensusConfig(0, 4)
	require.NoError(t, err)

	assert.True(t, cfg.IsValidNodeID(0))
	assert.True(t, cfg.IsValidNodeID(3))
	assert.False(t, cfg.IsValidNodeID(4))
}
