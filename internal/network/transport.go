// Package network provides the libp2p transport connecting cluster members.
package network

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"bft-core/internal/config"
	consensusnet "bft-core/pkg/consensus/network"
	"bft-core/pkg/consensus/types"
)

// ProtocolID identifies consensus streams between cluster members.
const ProtocolID = protocol.ID("/bft/consensus/1.0.0")

// maxFrameSize bounds a single consensus message on the wire.
const maxFrameSize = 4 << 20

const inboxSize = 256

// Transport carries consensus messages between cluster members over libp2p
// TCP streams. Frames are length-prefixed. Broadcast also loops the payload
// back to the local inbox, so a node observes its own messages the same way
// peers do.
type Transport struct {
	host   host.Host
	nodeID types.NodeID
	logger zerolog.Logger

	peerAddrs map[types.NodeID][]multiaddr.Multiaddr
	peerByID  map[peer.ID]types.NodeID
	peerIDs   map[types.NodeID]peer.ID

	inbox chan consensusnet.Envelope

	mu     sync.Mutex
	closed bool
}

// NewTransport builds the libp2p host from the node configuration and wires
// the consensus stream handler. Peer identities are derived from the
// configured public keys, so a connection from an unlisted peer is rejected
// at the message layer.
func NewTransport(cfg *config.Config, logger zerolog.Logger) (*Transport, error) {
	privKey, err := libp2pKeyFromBase64(cfg.Node.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load node key: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
	}
	if cfg.Node.ListenAddr != "" {
		addr, err := multiaddr.NewMultiaddr(cfg.Node.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid listen address: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(addr))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	t := &Transport{
		host:      h,
		nodeID:    types.NodeID(cfg.Node.ID),
		logger:    logger.With().Str("component", "transport").Logger(),
		peerAddrs: make(map[types.NodeID][]multiaddr.Multiaddr),
		peerByID:  make(map[peer.ID]types.NodeID),
		peerIDs:   make(map[types.NodeID]peer.ID),
		inbox:     make(chan consensusnet.Envelope, inboxSize),
	}

	for _, p := range cfg.Cluster.Peers {
		nodeID := types.NodeID(p.ID)
		if nodeID == t.nodeID {
			continue
		}

		pid, err := peerIDFromBase64(p.PublicKey)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to derive peer id for node %s: %w", nodeID, err)
		}
		t.peerByID[pid] = nodeID
		t.peerIDs[nodeID] = pid

		for _, addrStr := range p.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				h.Close()
				return nil, fmt.Errorf("invalid address for node %s: %w", nodeID, err)
			}
			t.peerAddrs[nodeID] = append(t.peerAddrs[nodeID], addr)
		}
	}

	h.SetStreamHandler(ProtocolID, t.handleStream)

	t.logger.Info().
		Stringer("node", t.nodeID).
		Str("peer_id", h.ID().String()).
		Int("peers", len(t.peerIDs)).
		Msg("transport ready")
	return t, nil
}

// Connect dials every configured peer. Failures are returned but leave the
// transport usable; consensus tolerates unreachable minorities.
func (t *Transport) Connect(ctx context.Context) error {
	var firstErr error
	for nodeID, pid := range t.peerIDs {
		info := peer.AddrInfo{ID: pid, Addrs: t.peerAddrs[nodeID]}
		if err := t.host.Connect(ctx, info); err != nil {
			t.logger.Warn().Err(err).Stringer("peer", nodeID).Msg("failed to connect to peer")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Broadcast sends the payload to every connected peer and loops it back to
// the local inbox. Per-peer failures are logged; the send is fire and
// forget.
func (t *Transport) Broadcast(ctx context.Context, payload []byte) error {
	if t.isClosed() {
		return consensusnet.NewError(consensusnet.ErrorTypeClosed, "transport is closed")
	}
	if len(payload) > maxFrameSize {
		return consensusnet.NewError(consensusnet.ErrorTypeDelivery,
			fmt.Sprintf("payload of %d bytes exceeds frame limit", len(payload)))
	}

	for nodeID, pid := range t.peerIDs {
		if err := t.sendToPeer(ctx, pid, payload); err != nil {
			t.logger.Warn().Err(err).Stringer("peer", nodeID).Msg("failed to deliver to peer")
		}
	}

	// Self-delivery keeps broadcast semantics uniform across transports.
	env := consensusnet.Envelope{Sender: t.nodeID, Payload: payload, ReceivedAt: time.Now()}
	select {
	case t.inbox <- env:
	default:
		t.logger.Warn().Msg("inbox full, dropping self-delivered message")
	}
	return nil
}

// Receive returns the inbound envelope channel.
func (t *Transport) Receive() <-chan consensusnet.Envelope {
	return t.inbox
}

// Close shuts the libp2p host down and closes the inbox.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.host.Close()
	close(t.inbox)
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) sendToPeer(ctx context.Context, pid peer.ID, payload []byte) error {
	stream, err := t.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return consensusnet.NewErrorWithCause(consensusnet.ErrorTypeConnection, "failed to open stream", err)
	}
	defer stream.Close()

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := stream.Write(length[:]); err != nil {
		return consensusnet.NewErrorWithCause(consensusnet.ErrorTypeDelivery, "failed to write frame length", err)
	}
	if _, err := stream.Write(payload); err != nil {
		return consensusnet.NewErrorWithCause(consensusnet.ErrorTypeDelivery, "failed to write frame", err)
	}
	return nil
}

// handleStream reads length-prefixed frames from a peer until EOF.
func (t *Transport) handleStream(stream libp2pnetwork.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	nodeID, ok := t.peerByID[remote]
	if !ok {
		t.logger.Warn().Str("peer_id", remote.String()).Msg("dropping stream from unknown peer")
		stream.Reset()
		return
	}

	for {
		var length [4]byte
		if _, err := io.ReadFull(stream, length[:]); err != nil {
			if err != io.EOF {
				t.logger.Debug().Err(err).Stringer("peer", nodeID).Msg("stream read ended")
			}
			return
		}
		size := binary.BigEndian.Uint32(length[:])
		if size > maxFrameSize {
			t.logger.Warn().Stringer("peer", nodeID).Uint32("size", size).Msg("dropping oversized frame")
			stream.Reset()
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(stream, payload); err != nil {
			t.logger.Debug().Err(err).Stringer("peer", nodeID).Msg("truncated frame")
			return
		}

		env := consensusnet.Envelope{Sender: nodeID, Payload: payload, ReceivedAt: time.Now()}
		select {
		case t.inbox <- env:
		default:
			t.logger.Warn().Stringer("peer", nodeID).Msg("inbox full, dropping message")
		}
	}
}

// libp2pKeyFromBase64 converts a base64 secp256k1 private key into a libp2p
// identity key.
func libp2pKeyFromBase64(privateKeyBase64 string) (libp2pcrypto.PrivKey, error) {
	if privateKeyBase64 == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid private key base64: %w", err)
	}

	key, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal secp256k1 private key: %w", err)
	}
	return key, nil
}

// peerIDFromBase64 derives a libp2p peer id from a base64 compressed
// secp256k1 public key.
func peerIDFromBase64(publicKeyBase64 string) (peer.ID, error) {
	if publicKeyBase64 == "" {
		return "", fmt.Errorf("public key cannot be empty")
	}

	keyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return "", fmt.Errorf("invalid public key base64: %w", err)
	}

	pub, err := libp2pcrypto.UnmarshalSecp256k1PublicKey(keyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal secp256k1 public key: %w", err)
	}
	return peer.IDFromPublicKey(pub)
}

var _ consensusnet.Transport = (*Transport)(nil)
