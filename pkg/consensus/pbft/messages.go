package pbft

import (
	"fmt"

	"bft-core/pkg/consensus/types"
)

// PrePrepareMsg assigns a sequence number to a client request. Only the
// primary of a view may issue it.
type PrePrepareMsg struct {
	View     types.ViewNumber     `json:"view"`
	Sequence types.SequenceNumber `json:"sequence"`
	Digest   types.BlockHash      `json:"digest"`
	Request  []byte               `json:"request"`
	Primary  types.NodeID         `json:"primary"`
}

// String returns a compact representation for logging.
func (m *PrePrepareMsg) String() string {
	return fmt.Sprintf("PrePrepare{view=%d seq=%d digest=%s primary=%s}", m.View, m.Sequence, m.Digest.Short(), m.Primary)
}

// PrepareMsg is a backup's agreement that the digest is the one assigned to
// the sequence number in this view.
type PrepareMsg struct {
	View     types.ViewNumber     `json:"view"`
	Sequence types.SequenceNumber `json:"sequence"`
	Digest   types.BlockHash      `json:"digest"`
	Replica  types.NodeID         `json:"replica"`
}

// String returns a compact representation for logging.
func (m *PrepareMsg) String() string {
	return fmt.Sprintf("Prepare{view=%d seq=%d digest=%s replica=%s}", m.View, m.Sequence, m.Digest.Short(), m.Replica)
}

// CommitMsg announces that a replica has collected a prepare quorum for the
// digest at the sequence number.
type CommitMsg struct {
	View     types.ViewNumber     `json:"view"`
	Sequence types.SequenceNumber `json:"sequence"`
	Digest   types.BlockHash      `json:"digest"`
	Replica  types.NodeID         `json:"replica"`
}

// String returns a compact representation for logging.
func (m *CommitMsg) String() string {
	return fmt.Sprintf("Commit{view=%d seq=%d digest=%s replica=%s}", m.View, m.Sequence, m.Digest.Short(), m.Replica)
}

// ViewChangeMsg votes to abandon the current view and install NewView.
// Prepared carries the sender's prepare votes for instances that reached a
// prepare quorum, so the new primary can re-propose them.
type ViewChangeMsg struct {
	NewView  types.ViewNumber `json:"new_view"`
	Replica  types.NodeID     `json:"replica"`
	Prepared []PrepareMsg     `json:"prepared"`
}

// String returns a compact representation for logging.
func (m *ViewChangeMsg) String() string {
	return fmt.Sprintf("ViewChange{new_view=%d replica=%s prepared=%d}", m.NewView, m.Replica, len(m.Prepared))
}

// NewViewMsg is the new primary's announcement that a view change quorum was
// reached and the new view is active.
type NewViewMsg struct {
	View        types.ViewNumber `json:"view"`
	Primary     types.NodeID     `json:"primary"`
	ViewChanges []ViewChangeMsg  `json:"view_changes"`
}

// String returns a compact representation for logging.
func (m *NewViewMsg) String() string {
	return fmt.Sprintf("NewView{view=%d primary=%s votes=%d}", m.View, m.Primary, len(m.ViewChanges))
}
