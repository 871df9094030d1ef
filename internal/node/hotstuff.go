package node

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"bft-core/pkg/consensus/hotstuff"
	"bft-core/pkg/consensus/network"
	"bft-core/pkg/consensus/quorum"
	"bft-core/pkg/consensus/types"
)

// HotStuffNode runs a HotStuff replica on top of a transport. The leader of
// each view proposes, every replica votes, the leader aggregates votes into
// a certificate and announces it, and all replicas advance to the next view
// on certificate receipt.
type HotStuffNode struct {
	replica   *hotstuff.Replica
	transport network.Transport
	logger    zerolog.Logger
}

// NewHotStuffNode wires a replica to a transport.
func NewHotStuffNode(replica *hotstuff.Replica, transport network.Transport, logger zerolog.Logger) *HotStuffNode {
	return &HotStuffNode{
		replica:   replica,
		transport: transport,
		logger:    logger.With().Str("component", "hotstuff-node").Logger(),
	}
}

// Replica exposes the underlying replica.
func (n *HotStuffNode) Replica() *hotstuff.Replica {
	return n.replica
}

// Run pumps envelopes from the transport into the replica until the context
// is cancelled or the transport closes.
func (n *HotStuffNode) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-n.transport.Receive():
			if !ok {
				return
			}
			n.handleEnvelope(ctx, env)
		}
	}
}

// Propose creates and broadcasts a block for the current view. Only the
// view's leader can propose.
func (n *HotStuffNode) Propose(ctx context.Context, data []byte) (*hotstuff.Block, error) {
	block, err := n.replica.CreateBlock(data)
	if err != nil {
		return nil, err
	}
	if err := n.broadcast(ctx, kindProposal, block); err != nil {
		return nil, err
	}
	return block, nil
}

func (n *HotStuffNode) handleEnvelope(ctx context.Context, env network.Envelope) {
	wire, err := decodeWire(env.Payload)
	if err != nil {
		n.logger.Warn().Err(err).Stringer("from", env.Sender).Msg("dropping undecodable message")
		return
	}

	switch wire.Kind {
	case kindProposal:
		var block hotstuff.Block
		if !n.decode(wire, &block, env.Sender) {
			return
		}
		vote, err := n.replica.VoteOnBlock(&block)
		if err != nil || vote == nil {
			return
		}
		n.send(ctx, kindVote, vote)

	case kindVote:
		var vote hotstuff.VoteMsg
		if !n.decode(wire, &vote, env.Sender) {
			return
		}
		qc, err := n.replica.ProcessVote(&vote)
		if err != nil || qc == nil {
			return
		}
		n.send(ctx, kindQC, qc)

	case kindQC:
		var qc quorum.QuorumCertificate
		if !n.decode(wire, &qc, env.Sender) {
			return
		}
		n.handleQC(&qc)

	default:
		n.logger.Warn().Str("kind", string(wire.Kind)).Stringer("from", env.Sender).Msg("ignoring unexpected message kind")
	}
}

// handleQC adopts a certificate, applies the chain commit rule from the
// certified block and advances the view.
func (n *HotStuffNode) handleQC(qc *quorum.QuorumCertificate) {
	if err := n.replica.ProcessQC(qc); err != nil {
		n.logger.Warn().Err(err).Stringer("qc", qc).Msg("failed to process certificate")
		return
	}

	if block, err := n.replica.GetBlock(qc.BlockHash); err == nil {
		for _, committed := range n.replica.CommitChain(block) {
			n.logger.Info().Stringer("block", committed).Msg("block committed")
		}
	}

	if qc.View >= n.replica.CurrentView() {
		view := n.replica.AdvanceView()
		n.logger.Debug().Uint64("view", uint64(view)).Msg("advanced view")
	}
}

func (n *HotStuffNode) decode(wire *wireMessage, out interface{}, from types.NodeID) bool {
	if err := json.Unmarshal(wire.Data, out); err != nil {
		n.logger.Warn().Err(err).Stringer("from", from).Str("kind", string(wire.Kind)).Msg("dropping malformed message")
		return false
	}
	return true
}

func (n *HotStuffNode) send(ctx context.Context, kind messageKind, msg interface{}) {
	if err := n.broadcast(ctx, kind, msg); err != nil {
		n.logger.Warn().Err(err).Str("kind", string(kind)).Msg("broadcast failed")
	}
}

func (n *HotStuffNode) broadcast(ctx context.Context, kind messageKind, msg interface{}) error {
	payload, err := encodeWire(kind, msg)
	if err != nil {
		return err
	}
	return n.transport.Broadcast(ctx, payload)
}
