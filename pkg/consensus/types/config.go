package types

import (
	"fmt"
	"time"
)

// ConsensusConfig defines the static cluster configuration shared by the PBFT
// and HotStuff replicas. The node set is the sequential range [0, TotalNodes).
type ConsensusConfig struct {
	// NodeID is this node's identifier in the cluster.
	NodeID NodeID

	// TotalNodes is the cluster size n. BFT safety requires n = 3f+1.
	TotalNodes int

	// PhaseTimeout bounds how long a replica waits in a single phase.
	PhaseTimeout time.Duration
	// ViewChangeTimeout bounds the view-change exchange.
	ViewChangeTimeout time.Duration
	// RequestTimeout bounds a client-facing propose-and-wait call.
	RequestTimeout time.Duration
}

// NewConsensusConfig validates and builds a cluster configuration.
// It fails if the node count is below 4 or not of the form 3f+1.
func NewConsensusConfig(nodeID NodeID, totalNodes int) (*ConsensusConfig, error) {
	if totalNodes < 4 {
		return nil, fmt.Errorf("BFT consensus requires at least 4 nodes, got %d", totalNodes)
	}
	if (totalNodes-1)%3 != 0 {
		return nil, fmt.Errorf("node count must be of the form 3f+1, got %d", totalNodes)
	}
	if int(nodeID) >= totalNodes {
		return nil, fmt.Errorf("node ID %d is out of range [0, %d)", nodeID, totalNodes)
	}

	return &ConsensusConfig{
		NodeID:            nodeID,
		TotalNodes:        totalNodes,
		PhaseTimeout:      5 * time.Second,
		ViewChangeTimeout: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
	}, nil
}

// FaultyNodes returns the maximum number of Byzantine nodes tolerated: f = (n-1)/3.
func (c *ConsensusConfig) FaultyNodes() int {
	return (c.TotalNodes - 1) / 3
}

// QuorumThreshold returns the minimum vote count for a quorum: 2f+1.
func (c *ConsensusConfig) QuorumThreshold() int {
	return 2*c.FaultyNodes() + 1
}

// PrepareQuorum returns the PBFT prepare-phase threshold: 2f.
// The replica's own pre-prepare acceptance stands in for the missing vote.
func (c *ConsensusConfig) PrepareQuorum() int {
	return 2 * c.FaultyNodes()
}

// IsValidNodeID reports whether the given NodeID belongs to this cluster.
func (c *ConsensusConfig) IsValidNodeID(nodeID NodeID) bool {
	return int(nodeID) < c.TotalNodes
}

// LeaderForView returns the leader (PBFT: primary) for a view using
// deterministic round-robin rotation: view mod n.
func (c *ConsensusConfig) LeaderForView(view ViewNumber) NodeID {
	return NodeID(uint64(view) % uint64(c.TotalNodes))
}

// IsLeader reports whether this node leads the given view.
func (c *ConsensusConfig) IsLeader(view ViewNumber) bool {
	return c.LeaderForView(view) == c.NodeID
}

// String returns a string representation of the configuration.
func (c *ConsensusConfig) String() string {
	return fmt.Sprintf("ConsensusConfig{Node: %d, Nodes: %d, Faulty: %d, Quorum: %d}",
		c.NodeID, c.TotalNodes, c.FaultyNodes(), c.QuorumThreshold())
}
