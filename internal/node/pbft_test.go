package node

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bft-core/pkg/consensus/network"
	"bft-core/pkg/consensus/pbft"
	"bft-core/pkg/consensus/types"
)

// startPBFTCluster wires total PBFT nodes over an in-process bus and starts
// their message pumps.
func startPBFTCluster(t *testing.T, total int) []*PBFTNode {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := network.NewBus(256)
	nodes := make([]*PBFTNode, total)
	for i := 0; i < total; i++ {
		cfg, err := types.NewConsensusConfig(types.NodeID(i), total)
		require.NoError(t, err)

		transport := bus.Join(types.NodeID(i))
		t.Cleanup(func() { transport.Close() })

		replica := pbft.NewReplica(cfg, zerolog.Nop())
		nodes[i] = NewPBFTNode(replica, transport, 5*time.Second, zerolog.Nop())
		go nodes[i].Run(ctx)
	}
	return nodes
}

func TestPBFTCluster_CommitsRequestOnEveryNode(t *testing.T) {
	nodes := startPBFTCluster(t, 4)

	ctx := context.Background()
	request := []byte("transfer:A->B:10")
	require.NoError(t, nodes[0].ProposeAndWait(ctx, request))

	for i, n := range nodes {
		got, err := n.Replica().WaitForCommit(ctx, 1, 5*time.Second)
		require.NoError(t, err, "node %d should commit", i)
		assert.Equal(t, request, got)
		assert.Equal(t, [][]byte{request}, n.Replica().CommittedRequests())
	}
}

func TestPBFTCluster_BackupCannotPropose(t *testing.T) {
	nodes := startPBFTCluster(t, 4)

	_, err := nodes[2].Propose(context.Background(), []byte("req"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pbft.ErrNotPrimary)
}

func TestPBFTCluster_SequentialRequests(t *testing.T) {
	nodes := startPBFTCluster(t, 4)

	ctx := context.Background()
	requests := [][]byte{[]byte("op-1"), []byte("op-2"), []byte("op-3")}
	for _, request := range requests {
		require.NoError(t, nodes[0].ProposeAndWait(ctx, request))
	}

	for i, n := range nodes {
		committed := func() bool {
			return len(n.Replica().CommittedRequests()) == len(requests)
		}
		require.Eventually(t, committed, 5*time.Second, 10*time.Millisecond, "node %d commits all requests", i)
		assert.Equal(t, requests, n.Replica().CommittedRequests(), "node %d commit order", i)
	}
}

func TestPBFTCluster_ViewChangeElectsNextPrimary(t *testing.T) {
	nodes := startPBFTCluster(t, 4)

	ctx := context.Background()
	for _, n := range nodes {
		require.NoError(t, n.RequestViewChange(ctx))
	}

	for i, n := range nodes {
		inView := func() bool { return n.Replica().View() == 1 }
		require.Eventually(t, inView, 5*time.Second, 10*time.Millisecond, "node %d installs view 1", i)
		assert.Equal(t, types.NodeID(1), n.Replica().Primary())
	}

	// The new primary drives the next request.
	require.NoError(t, nodes[1].ProposeAndWait(ctx, []byte("after view change")))
}
