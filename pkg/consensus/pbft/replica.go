package pbft

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bft-core/pkg/consensus/types"
)

// commitPollInterval is how often WaitForCommit rechecks commit state.
const commitPollInterval = 10 * time.Millisecond

// Phase tracks how far a sequence number has progressed through the
// three-phase protocol on this replica.
type Phase uint8

const (
	// PhaseIdle means no pre-prepare has been accepted yet.
	PhaseIdle Phase = iota
	// PhasePrepared means a valid pre-prepare was accepted and a prepare
	// vote was cast.
	PhasePrepared
	// PhasePreCommitted means a prepare quorum was collected and a commit
	// vote was cast.
	PhasePreCommitted
	// PhaseCommitted means a commit quorum was collected and the request
	// was executed.
	PhaseCommitted
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePrepared:
		return "PREPARED"
	case PhasePreCommitted:
		return "PRE_COMMITTED"
	case PhaseCommitted:
		return "COMMITTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// pbftInstance holds the per-sequence voting state. Prepare and commit votes
// record the digest each replica voted for so mismatched votes never count
// toward a quorum.
type pbftInstance struct {
	phase    Phase
	view     types.ViewNumber
	digest   types.BlockHash
	request  []byte
	prepares map[types.NodeID]types.BlockHash
	commits  map[types.NodeID]types.BlockHash
}

func newPBFTInstance() *pbftInstance {
	return &pbftInstance{
		phase:    PhaseIdle,
		prepares: make(map[types.NodeID]types.BlockHash),
		commits:  make(map[types.NodeID]types.BlockHash),
	}
}

// matchingVotes counts votes cast for the instance's accepted digest.
func (inst *pbftInstance) matchingVotes(votes map[types.NodeID]types.BlockHash) int {
	count := 0
	for _, digest := range votes {
		if digest == inst.digest {
			count++
		}
	}
	return count
}

// Replica is a single PBFT participant. It is purely message-driven: handlers
// take an inbound message and return the outbound message the protocol calls
// for, leaving transport to the caller. Messages that violate the protocol
// are logged and silently ignored so Byzantine noise cannot stall a handler.
type Replica struct {
	config *types.ConsensusConfig
	logger zerolog.Logger

	mu          sync.Mutex
	view        types.ViewNumber
	nextSeq     types.SequenceNumber
	instances   map[types.SequenceNumber]*pbftInstance
	committed   [][]byte
	viewChanges map[types.ViewNumber]map[types.NodeID]ViewChangeMsg
}

// NewReplica creates a PBFT replica from a validated consensus configuration.
func NewReplica(config *types.ConsensusConfig, logger zerolog.Logger) *Replica {
	return &Replica{
		config:      config,
		logger:      logger.With().Str("component", "pbft").Stringer("node", config.NodeID).Logger(),
		instances:   make(map[types.SequenceNumber]*pbftInstance),
		viewChanges: make(map[types.ViewNumber]map[types.NodeID]ViewChangeMsg),
	}
}

// View returns the replica's current view number.
func (r *Replica) View() types.ViewNumber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// Primary returns the primary node for the current view.
func (r *Replica) Primary() types.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.LeaderForView(r.view)
}

// IsPrimary reports whether this replica is the primary for the current view.
func (r *Replica) IsPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config.IsLeader(r.view)
}

// RequestDigest computes the digest a pre-prepare must carry for a request.
func RequestDigest(request []byte) types.BlockHash {
	return sha256.Sum256(request)
}

// CreatePrePrepare assigns the next sequence number to a request. Only the
// primary of the current view may call it.
func (r *Replica) CreatePrePrepare(request []byte) (*PrePrepareMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.IsLeader(r.view) {
		return nil, &NotPrimaryError{
			View:    r.view,
			Replica: r.config.NodeID,
			Primary: r.config.LeaderForView(r.view),
		}
	}

	r.nextSeq++
	msg := &PrePrepareMsg{
		View:     r.view,
		Sequence: r.nextSeq,
		Digest:   RequestDigest(request),
		Request:  request,
		Primary:  r.config.NodeID,
	}
	r.logger.Debug().Stringer("msg", msg).Msg("created pre-prepare")
	return msg, nil
}

// HandlePrePrepare validates a pre-prepare and, if accepted, casts this
// replica's prepare vote. Invalid pre-prepares return (nil, nil).
func (r *Replica) HandlePrePrepare(msg *PrePrepareMsg) (*PrepareMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.View != r.view {
		r.logger.Warn().Stringer("msg", msg).Uint64("current_view", uint64(r.view)).Msg("ignoring pre-prepare from wrong view")
		return nil, nil
	}
	if msg.Primary != r.config.LeaderForView(msg.View) {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring pre-prepare from non-primary")
		return nil, nil
	}
	if msg.Digest != RequestDigest(msg.Request) {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring pre-prepare with forged digest")
		return nil, nil
	}

	inst := r.instance(msg.Sequence)
	if inst.phase != PhaseIdle {
		if inst.digest != msg.Digest {
			r.logger.Warn().Stringer("msg", msg).Msg("ignoring conflicting pre-prepare for assigned sequence")
		}
		return nil, nil
	}

	inst.phase = PhasePrepared
	inst.view = msg.View
	inst.digest = msg.Digest
	inst.request = msg.Request

	prepare := &PrepareMsg{
		View:     msg.View,
		Sequence: msg.Sequence,
		Digest:   msg.Digest,
		Replica:  r.config.NodeID,
	}
	r.logger.Debug().Stringer("msg", prepare).Msg("accepted pre-prepare")
	return prepare, nil
}

// HandlePrepare records a prepare vote. Once the prepare quorum is reached
// for a sequence this replica has pre-prepared, it casts its commit vote,
// returned exactly once.
func (r *Replica) HandlePrepare(msg *PrepareMsg) (*CommitMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.View != r.view {
		r.logger.Warn().Stringer("msg", msg).Uint64("current_view", uint64(r.view)).Msg("ignoring prepare from wrong view")
		return nil, nil
	}
	if !r.config.IsValidNodeID(msg.Replica) {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring prepare from unknown replica")
		return nil, nil
	}

	inst := r.instance(msg.Sequence)
	inst.prepares[msg.Replica] = msg.Digest

	if inst.phase != PhasePrepared {
		return nil, nil
	}
	if inst.matchingVotes(inst.prepares) < r.config.PrepareQuorum() {
		return nil, nil
	}

	inst.phase = PhasePreCommitted
	commit := &CommitMsg{
		View:     inst.view,
		Sequence: msg.Sequence,
		Digest:   inst.digest,
		Replica:  r.config.NodeID,
	}
	r.logger.Debug().Stringer("msg", commit).Msg("prepare quorum reached")
	return commit, nil
}

// HandleCommit records a commit vote. Commit votes are accepted regardless
// of view so a request prepared just before a view change can still finish.
// It returns true exactly once, when the commit quorum completes and the
// request is executed.
func (r *Replica) HandleCommit(msg *CommitMsg) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.config.IsValidNodeID(msg.Replica) {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring commit from unknown replica")
		return false, nil
	}

	inst := r.instance(msg.Sequence)
	inst.commits[msg.Replica] = msg.Digest

	if inst.phase != PhasePreCommitted {
		return false, nil
	}
	if inst.matchingVotes(inst.commits) < r.config.QuorumThreshold() {
		return false, nil
	}

	inst.phase = PhaseCommitted
	r.committed = append(r.committed, inst.request)
	r.logger.Info().
		Uint64("sequence", uint64(msg.Sequence)).
		Str("digest", inst.digest.Short()).
		Msg("committed request")
	return true, nil
}

// CreateViewChange builds this replica's vote to move to the next view,
// carrying its prepare votes for every sequence that reached a prepare
// quorum.
func (r *Replica) CreateViewChange() *ViewChangeMsg {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prepared []PrepareMsg
	for seq, inst := range r.instances {
		if inst.phase == PhasePreCommitted {
			prepared = append(prepared, PrepareMsg{
				View:     inst.view,
				Sequence: seq,
				Digest:   inst.digest,
				Replica:  r.config.NodeID,
			})
		}
	}

	return &ViewChangeMsg{
		NewView:  r.view + 1,
		Replica:  r.config.NodeID,
		Prepared: prepared,
	}
}

// HandleViewChange records a view change vote. When a quorum of distinct
// replicas votes for the same new view, the view is installed and pending
// instances are reset. The new primary additionally returns the NewView
// announcement.
func (r *Replica) HandleViewChange(msg *ViewChangeMsg) (*NewViewMsg, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.NewView <= r.view {
		r.logger.Warn().Stringer("msg", msg).Uint64("current_view", uint64(r.view)).Msg("ignoring stale view change")
		return nil, nil
	}
	if !r.config.IsValidNodeID(msg.Replica) {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring view change from unknown replica")
		return nil, nil
	}

	votes, ok := r.viewChanges[msg.NewView]
	if !ok {
		votes = make(map[types.NodeID]ViewChangeMsg)
		r.viewChanges[msg.NewView] = votes
	}
	votes[msg.Replica] = *msg

	if len(votes) < r.config.QuorumThreshold() {
		return nil, nil
	}

	r.installView(msg.NewView)

	if !r.config.IsLeader(msg.NewView) {
		return nil, nil
	}

	collected := make([]ViewChangeMsg, 0, len(votes))
	for _, vc := range votes {
		collected = append(collected, vc)
	}
	newView := &NewViewMsg{
		View:        msg.NewView,
		Primary:     r.config.NodeID,
		ViewChanges: collected,
	}
	r.logger.Info().Stringer("msg", newView).Msg("view change quorum reached, taking over as primary")
	return newView, nil
}

// HandleNewView installs the announced view if it comes from the legitimate
// new primary and is ahead of the current view.
func (r *Replica) HandleNewView(msg *NewViewMsg) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.View <= r.view {
		r.logger.Warn().Stringer("msg", msg).Uint64("current_view", uint64(r.view)).Msg("ignoring stale new-view")
		return nil
	}
	if msg.Primary != r.config.LeaderForView(msg.View) {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring new-view from illegitimate primary")
		return nil
	}
	if len(msg.ViewChanges) < r.config.QuorumThreshold() {
		r.logger.Warn().Stringer("msg", msg).Msg("ignoring new-view without quorum proof")
		return nil
	}

	r.installView(msg.View)
	return nil
}

// installView switches to view and drops uncommitted instances. Committed
// requests stay in the log. Callers must hold r.mu.
func (r *Replica) installView(view types.ViewNumber) {
	r.view = view
	for seq, inst := range r.instances {
		if inst.phase != PhaseCommitted {
			delete(r.instances, seq)
		}
	}
	for pending := range r.viewChanges {
		if pending <= view {
			delete(r.viewChanges, pending)
		}
	}
	r.logger.Info().Uint64("view", uint64(view)).Stringer("primary", r.config.LeaderForView(view)).Msg("installed view")
}

// instance returns the voting state for seq, creating it on first use.
// Callers must hold r.mu.
func (r *Replica) instance(seq types.SequenceNumber) *pbftInstance {
	inst, ok := r.instances[seq]
	if !ok {
		inst = newPBFTInstance()
		r.instances[seq] = inst
	}
	return inst
}

// InstancePhase returns the phase the given sequence number has reached.
func (r *Replica) InstancePhase(seq types.SequenceNumber) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[seq]
	if !ok {
		return PhaseIdle
	}
	return inst.phase
}

// IsCommitted reports whether the given sequence number has committed.
func (r *Replica) IsCommitted(seq types.SequenceNumber) bool {
	return r.InstancePhase(seq) == PhaseCommitted
}

// CommittedRequests returns the executed requests in commit order.
func (r *Replica) CommittedRequests() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.committed))
	copy(out, r.committed)
	return out
}

// WaitForCommit blocks until the given sequence number commits, polling at a
// fixed interval. It returns the committed request, or a *CommitTimeoutError
// once timeout elapses, or the context error on cancellation.
func (r *Replica) WaitForCommit(ctx context.Context, seq types.SequenceNumber, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(commitPollInterval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		inst, ok := r.instances[seq]
		if ok && inst.phase == PhaseCommitted {
			request := inst.request
			r.mu.Unlock()
			return request, nil
		}
		r.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, &CommitTimeoutError{Sequence: seq, Elapsed: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
