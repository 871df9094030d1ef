// Package node drives a consensus replica over a transport, decoding
// inbound envelopes and broadcasting the messages the replica emits.
package node

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"bft-core/pkg/consensus/network"
	"bft-core/pkg/consensus/pbft"
	"bft-core/pkg/consensus/types"
)

// PBFTNode runs a PBFT replica on top of a transport.
type PBFTNode struct {
	replica   *pbft.Replica
	transport network.Transport
	timeout   time.Duration
	logger    zerolog.Logger
}

// NewPBFTNode wires a replica to a transport. timeout bounds ProposeAndWait.
func NewPBFTNode(replica *pbft.Replica, transport network.Transport, timeout time.Duration, logger zerolog.Logger) *PBFTNode {
	return &PBFTNode{
		replica:   replica,
		transport: transport,
		timeout:   timeout,
		logger:    logger.With().Str("component", "pbft-node").Logger(),
	}
}

// Replica exposes the underlying replica.
func (n *PBFTNode) Replica() *pbft.Replica {
	return n.replica
}

// Run pumps envelopes from the transport into the replica until the context
// is cancelled or the transport closes.
func (n *PBFTNode) Run(ctx context.Context) {
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

// Propose submits a request to the cluster. Only the current primary can
// propose; backups receive the pre-prepare like everyone else.
func (n *PBFTNode) Propose(ctx context.Context, request []byte) (types.SequenceNumber, error) {
	prePrepare, err := n.replica.CreatePrePrepare(request)
	if err != nil {
		return 0, err
	}
	if err := n.broadcast(ctx, kindPrePrepare, prePrepare); err != nil {
		return 0, err
	}
	return prePrepare.Sequence, nil
}

// ProposeAndWait submits a request and blocks until it commits locally or
// the node's request timeout elapses.
func (n *PBFTNode) ProposeAndWait(ctx context.Context, request []byte) error {
	seq, err := n.Propose(ctx, request)
	if err != nil {
		return err
	}
	_, err = n.replica.WaitForCommit(ctx, seq, n.timeout)
	return err
}

func (n *PBFTNode) handleEnvelope(ctx context.Context, env network.Envelope) {
	wire, err := decodeWire(env.Payload)
	if err != nil {
		n.logger.Warn().Err(err).Stringer("from", env.Sender).Msg("dropping undecodable message")
		return
	}

	switch wire.Kind {
	case kindPrePrepare:
		var msg pbft.PrePrepareMsg
		if !n.decode(wire, &msg, env.Sender) {
			return
		}
		prepare, err := n.replica.HandlePrePrepare(&msg)
		if err != nil || prepare == nil {
			return
		}
		n.send(ctx, kindPrepare, prepare)

	case kindPrepare:
		var msg pbft.PrepareMsg
		if !n.decode(wire, &msg, env.Sender) {
			return
		}
		commit, err := n.replica.HandlePrepare(&msg)
		if err != nil || commit == nil {
			return
		}
		n.send(ctx, kindCommit, commit)

	case kindCommit:
		var msg pbft.CommitMsg
		if !n.decode(wire, &msg, env.Sender) {
			return
		}
		committed, err := n.replica.HandleCommit(&msg)
		if err == nil && committed {
			n.logger.Info().Uint64("sequence", uint64(msg.Sequence)).Msg("request committed")
		}

	case kindViewChange:
		var msg pbft.ViewChangeMsg
		if !n.decode(wire, &msg, env.Sender) {
			return
		}
		newView, err := n.replica.HandleViewChange(&msg)
		if err != nil || newView == nil {
			return
		}
		n.send(ctx, kindNewView, newView)

	case kindNewView:
		var msg pbft.NewViewMsg
		if !n.decode(wire, &msg, env.Sender) {
			return
		}
		if err := n.replica.HandleNewView(&msg); err != nil {
			n.logger.Warn().Err(err).Msg("failed to handle new-view")
		}

	default:
		n.logger.Warn().Str("kind", string(wire.Kind)).Stringer("from", env.Sender).Msg("ignoring unexpected message kind")
	}
}

// RequestViewChange votes to abandon the current view, typically after a
// request timeout.
func (n *PBFTNode) RequestViewChange(ctx context.Context) error {
	return n.broadcast(ctx, kindViewChange, n.replica.CreateViewChange())
}

func (n *PBFTNode) decode(wire *wireMessage, out interface{}, from types.NodeID) bool {
	if err := json.Unmarshal(wire.Data, out); err != nil {
		n.logger.Warn().Err(err).Stringer("from", from).Str("kind", string(wire.Kind)).Msg("dropping malformed message")
		return false
	}
	return true
}

func (n *PBFTNode) send(ctx context.Context, kind messageKind, msg interface{}) {
	if err := n.broadcast(ctx, kind, msg); err != nil {
		n.logger.Warn().Err(err).Str("kind", string(kind)).Msg("broadcast failed")
	}
}

func (n *PBFTNode) broadcast(ctx context.Context, kind messageKind, msg interface{}) error {
	payload, err := encodeWire(kind, msg)
	if err != nil {
		return err
	}
	return n.transport.Broadcast(ctx, payload)
}
