// Package config loads and validates the node's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"bft-core/internal/keys"
	"bft-core/internal/logger"
	"bft-core/pkg/consensus/types"
)

// Protocol selects which consensus engine a node runs.
type Protocol string

const (
	ProtocolPBFT     Protocol = "pbft"
	ProtocolHotStuff Protocol = "hotstuff"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Logging   logger.Config   `yaml:"logging"`
}

// NodeConfig identifies this node and its signing key.
type NodeConfig struct {
	ID         uint16 `yaml:"id"`
	PrivateKey string `yaml:"private_key"`
	ListenAddr string `yaml:"listen_addr"`
}

// PeerConfig describes one cluster member.
type PeerConfig struct {
	ID        uint16   `yaml:"id"`
	PublicKey string   `yaml:"public_key"`
	Addresses []string `yaml:"addresses"`
}

// ClusterConfig lists every member of the consensus cluster, this node
// included.
type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

// ConsensusConfig holds the protocol selection and timeout knobs.
type ConsensusConfig struct {
	Protocol          Protocol      `yaml:"protocol"`
	PhaseTimeout      time.Duration `yaml:"phase_timeout"`
	ViewChangeTimeout time.Duration `yaml:"view_change_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// Manager handles configuration loading, validation, and management
type Manager struct {
	keyManager *keys.KeyManager
}

// NewManager creates a new configuration manager with dependencies
func NewManager(keyManager *keys.KeyManager) *Manager {
	return &Manager{keyManager: keyManager}
}

// LoadConfig loads configuration from the specified file path. A missing
// private key is generated and written back so restarts keep the identity.
func (m *Manager) LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if cfg.Node.PrivateKey == "" {
		privateKey, err := m.keyManager.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		cfg.Node.PrivateKey = privateKey

		if err := m.SaveConfig(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("failed to save config with generated private key: %w", err)
		}
	}

	if err := m.ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig writes the configuration to the specified file.
func (m *Manager) SaveConfig(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ValidateConfig validates the configuration structure and values
func (m *Manager) ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := m.validateNodeConfig(cfg); err != nil {
		return fmt.Errorf("node config validation failed: %w", err)
	}

	if err := m.validateClusterConfig(cfg); err != nil {
		return fmt.Errorf("cluster config validation failed: %w", err)
	}

	if err := validateConsensusConfig(cfg); err != nil {
		return fmt.Errorf("consensus config validation failed: %w", err)
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	return nil
}

func (m *Manager) validateNodeConfig(cfg *Config) error {
	if err := m.keyManager.ValidatePrivateKey(cfg.Node.PrivateKey); err != nil {
		return err
	}
	if cfg.Node.ListenAddr != "" {
		if _, err := multiaddr.NewMultiaddr(cfg.Node.ListenAddr); err != nil {
			return fmt.Errorf("invalid listen_addr: %w", err)
		}
	}
	return nil
}

func (m *Manager) validateClusterConfig(cfg *Config) error {
	if len(cfg.Cluster.Peers) == 0 {
		return fmt.Errorf("cluster.peers cannot be empty")
	}

	seen := make(map[uint16]bool)
	foundSelf := false
	for i, peer := range cfg.Cluster.Peers {
		if seen[peer.ID] {
			return fmt.Errorf("duplicate peer id %d", peer.ID)
		}
		seen[peer.ID] = true
		if peer.ID == cfg.Node.ID {
			foundSelf = true
		}

		if peer.PublicKey != "" {
			if _, err := m.keyManager.ParsePublicKey(peer.PublicKey); err != nil {
				return fmt.Errorf("invalid public key for peer %d: %w", peer.ID, err)
			}
		}

		for j, addr := range peer.Addresses {
			if _, err := multiaddr.NewMultiaddr(addr); err != nil {
				return fmt.Errorf("invalid address %d for peer at index %d: %w", j, i, err)
			}
		}
	}
	if !foundSelf {
		return fmt.Errorf("cluster.peers must include this node (id %d)", cfg.Node.ID)
	}

	// Cluster sizing and node id range follow the consensus rules.
	if _, err := types.NewConsensusConfig(types.NodeID(cfg.Node.ID), len(cfg.Cluster.Peers)); err != nil {
		return err
	}

	return nil
}

func validateConsensusConfig(cfg *Config) error {
	switch cfg.Consensus.Protocol {
	case ProtocolPBFT, ProtocolHotStuff:
	case "":
		return fmt.Errorf("consensus.protocol is required")
	default:
		return fmt.Errorf("consensus.protocol must be one of: pbft, hotstuff")
	}

	if cfg.Consensus.PhaseTimeout < 0 {
		return fmt.Errorf("consensus.phase_timeout cannot be negative")
	}
	if cfg.Consensus.ViewChangeTimeout < 0 {
		return fmt.Errorf("consensus.view_change_timeout cannot be negative")
	}
	if cfg.Consensus.RequestTimeout < 0 {
		return fmt.Errorf("consensus.request_timeout cannot be negative")
	}

	return nil
}

func validateLoggingConfig(cfg *logger.Config) error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	return nil
}

// ConsensusSettings builds the validated consensus configuration for this
// node, applying the YAML timeout overrides where set.
func (cfg *Config) ConsensusSettings() (*types.ConsensusConfig, error) {
	cc, err := types.NewConsensusConfig(types.NodeID(cfg.Node.ID), len(cfg.Cluster.Peers))
	if err != nil {
		return nil, err
	}
	if cfg.Consensus.PhaseTimeout > 0 {
		cc.PhaseTimeout = cfg.Consensus.PhaseTimeout
	}
	if cfg.Consensus.ViewChangeTimeout > 0 {
		cc.ViewChangeTimeout = cfg.Consensus.ViewChangeTimeout
	}
	if cfg.Consensus.RequestTimeout > 0 {
		cc.RequestTimeout = cfg.Consensus.RequestTimeout
	}
	return cc, nil
}

// LoadConfig is a convenience function that creates a manager and loads config
func LoadConfig(filePath string) (*Config, error) {
	keyManager := keys.NewKeyManager()
	configManager := NewManager(keyManager)
	return configManager.LoadConfig(filePath)
}
