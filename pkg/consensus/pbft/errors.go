package pbft

import (
	"errors"
	"fmt"
	"time"

	"bft-core/pkg/consensus/types"
)

// ErrNotPrimary is returned when a backup replica attempts a primary-only
// operation.
var ErrNotPrimary = errors.New("replica is not the primary for the current view")

// NotPrimaryError reports which node is the actual primary for the view.
type NotPrimaryError struct {
	View    types.ViewNumber
	Replica types.NodeID
	Primary types.NodeID
}

// Error implements the error interface.
func (e *NotPrimaryError) Error() string {
	return fmt.Sprintf("replica %s is not the primary for view %d (primary is %s)", e.Replica, e.View, e.Primary)
}

// Is reports whether target is the not-primary sentinel.
func (e *NotPrimaryError) Is(target error) bool {
	return target == ErrNotPrimary
}

// ErrCommitTimeout matches any *CommitTimeoutError via errors.Is.
var ErrCommitTimeout = errors.New("commit wait timed out")

// CommitTimeoutError reports that a sequence did not commit within the wait
// window.
type CommitTimeoutError struct {
	Sequence types.SequenceNumber
	Elapsed  time.Duration
}

// Error implements the error interface.
func (e *CommitTimeoutError) Error() string {
	return fmt.Sprintf("sequence %d not committed after %v", e.Sequence, e.Elapsed)
}

// Is reports whether target is the commit timeout sentinel.
func (e *CommitTimeoutError) Is(target error) bool {
	return target == ErrCommitTimeout
}
