// bft-node runs a single consensus replica. It loads the YAML configuration,
// joins the cluster over libp2p and participates in the configured protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bft-core/internal/config"
	"bft-core/internal/keys"
	"bft-core/internal/logger"
	"bft-core/internal/network"
	"bft-core/internal/node"
	"bft-core/pkg/consensus/crypto"
	"bft-core/pkg/consensus/hotstuff"
	"bft-core/pkg/consensus/pbft"
	"bft-core/pkg/consensus/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to node configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "bft-node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	settings, err := cfg.ConsensusSettings()
	if err != nil {
		return fmt.Errorf("invalid consensus settings: %w", err)
	}
	log.Info().Stringer("config", settings).Str("protocol", string(cfg.Consensus.Protocol)).Msg("starting node")

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to build crypto provider: %w", err)
	}

	transport, err := network.NewTransport(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := transport.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("not all peers reachable at startup")
	}

	switch cfg.Consensus.Protocol {
	case config.ProtocolPBFT:
		replica := pbft.NewReplica(settings, log)
		node.NewPBFTNode(replica, transport, settings.RequestTimeout, log).Run(ctx)
	case config.ProtocolHotStuff:
		replica := hotstuff.NewReplica(settings, provider, log)
		node.NewHotStuffNode(replica, transport, log).Run(ctx)
	default:
		return fmt.Errorf("unsupported protocol %q", cfg.Consensus.Protocol)
	}

	log.Info().Msg("node stopped")
	return nil
}

// buildProvider creates the Schnorr signing provider and registers every
// cluster member's public key with it.
func buildProvider(cfg *config.Config) (crypto.Provider, error) {
	keyManager := keys.NewKeyManager()

	privKey, err := keyManager.ParsePrivateKey(cfg.Node.PrivateKey)
	if err != nil {
		return nil, err
	}

	provider := crypto.NewSchnorrProvider(types.NodeID(cfg.Node.ID), privKey)
	for _, peer := range cfg.Cluster.Peers {
		if peer.ID == cfg.Node.ID || peer.PublicKey == "" {
			continue
		}
		pubKey, err := keyManager.ParsePublicKey(peer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid public key for peer %d: %w", peer.ID, err)
		}
		provider.AddPublicKey(types.NodeID(peer.ID), pubKey)
	}
	return provider, nil
}
