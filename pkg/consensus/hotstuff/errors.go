package hotstuff

import (
	"errors"
	"fmt"

	"bft-core/pkg/consensus/types"
)

// ErrNotLeader is returned when a non-leader attempts a leader-only
// operation.
var ErrNotLeader = errors.New("replica is not the leader for the current view")

// NotLeaderError reports which node is the actual leader for the view.
type NotLeaderError struct {
	View    types.ViewNumber
	Replica types.NodeID
	Leader  types.NodeID
}

// Error implements the error interface.
func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("replica %s is not the leader for view %d (leader is %s)", e.Replica, e.View, e.Leader)
}

// Is reports whether target is the not-leader sentinel.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// ErrUnknownBlock is returned when an operation references a block this
// replica has never stored.
var ErrUnknownBlock = errors.New("unknown block")

// UnknownBlockError carries the hash of the missing block.
type UnknownBlockError struct {
	Hash types.BlockHash
}

// Error implements the error interface.
func (e *UnknownBlockError) Error() string {
	return fmt.Sprintf("unknown block %s", e.Hash.Short())
}

// Is reports whether target is the unknown-block sentinel.
func (e *UnknownBlockError) Is(target error) bool {
	return target == ErrUnknownBlock
}
