// Package config loads and persists the node's YAML configuration:
// transport listen port, known peers and the market tunables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veridix/agora/pkg/types"
)

const (
	configFileName    = "config.yaml"
	DefaultListenPort = 7464
	directoryPerm     = 0o700
	configFilePerm    = 0o600
)

// Peer is a known node: its 20-byte hex id and at least one address.
type Peer struct {
	NodeID string   `yaml:"nodeId"`
	Addrs  []string `yaml:"addrs,omitempty"`
}

// Market holds the negotiation and discovery tunables; zero values
// fall back to the component defaults.
type Market struct {
	SubscriptionTTL    time.Duration `yaml:"subscriptionTTL,omitempty"`    //nolint:tagliatelle
	SweepInterval      time.Duration `yaml:"sweepInterval,omitempty"`
	ProposalTTL        time.Duration `yaml:"proposalTTL,omitempty"` //nolint:tagliatelle
	AgreementValidity  time.Duration `yaml:"agreementValidity,omitempty"`
	BroadcastInterval  time.Duration `yaml:"broadcastInterval,omitempty"`
	MaxBroadcastOffers int           `yaml:"maxBroadcastOffers,omitempty"`
}

type Config struct {
	ListenPort  int    `yaml:"listenPort,omitempty"`
	PostgresDSN string `yaml:"postgresDSN,omitempty"` //nolint:tagliatelle
	Peers       []Peer `yaml:"peers,omitempty"`
	Market      Market `yaml:"market,omitempty"`
}

func (c *Config) Port() int {
	if c.ListenPort == 0 {
		return DefaultListenPort
	}
	return c.ListenPort
}

func Load(stateDir string) (*Config, error) {
	path := filepath.Join(stateDir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validateMarket(cfg.Market); err != nil {
		return nil, err
	}

	canonical, err := canonicalizePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}
	cfg.Peers = canonical
	return cfg, nil
}

func Save(stateDir string, cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	if err := validateMarket(cfg.Market); err != nil {
		return err
	}

	canonical, err := canonicalizePeers(cfg.Peers)
	if err != nil {
		return err
	}
	cfg.Peers = canonical

	if err := os.MkdirAll(stateDir, directoryPerm); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	path := filepath.Join(stateDir, configFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, configFilePerm); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}

func validateMarket(m Market) error {
	if m.SubscriptionTTL < 0 {
		return errors.New("market.subscriptionTTL must be >= 0")
	}
	if m.SweepInterval < 0 {
		return errors.New("market.sweepInterval must be >= 0")
	}
	if m.ProposalTTL < 0 {
		return errors.New("market.proposalTTL must be >= 0")
	}
	if m.AgreementValidity < 0 {
		return errors.New("market.agreementValidity must be >= 0")
	}
	if m.BroadcastInterval < 0 {
		return errors.New("market.broadcastInterval must be >= 0")
	}
	if m.MaxBroadcastOffers < 0 {
		return errors.New("market.maxBroadcastOffers must be >= 0")
	}
	return nil
}

// RememberPeer records a peer's address, merging with anything already
// known about it.
func (c *Config) RememberPeer(nodeID types.NodeID, addrs []string) error {
	if c == nil {
		return errors.New("missing config")
	}

	c.Peers = append(c.Peers, Peer{
		NodeID: nodeID.String(),
		Addrs:  append([]string(nil), addrs...),
	})

	canonical, err := canonicalizePeers(c.Peers)
	if err != nil {
		return err
	}
	c.Peers = canonical
	return nil
}

// ResolvedPeers parses and normalizes the configured peer list.
func (c *Config) ResolvedPeers() (map[types.NodeID][]string, error) {
	if c == nil {
		return nil, nil
	}

	out := make(map[types.NodeID][]string, len(c.Peers))
	for idx, peer := range c.Peers {
		nodeID, err := types.ParseNodeID(peer.NodeID)
		if err != nil {
			return nil, fmt.Errorf("parse peer[%d] node id: %w", idx, err)
		}
		addrs, err := normalizeAddrs(peer.Addrs)
		if err != nil {
			return nil, fmt.Errorf("parse peer[%d] addresses: %w", idx, err)
		}
		out[nodeID] = addrs
	}
	return out, nil
}

func canonicalizePeers(peers []Peer) ([]Peer, error) {
	byNode := make(map[string]map[string]struct{})

	for _, peer := range peers {
		if strings.TrimSpace(peer.NodeID) == "" {
			continue
		}

		nodeID, err := types.ParseNodeID(peer.NodeID)
		if err != nil {
			return nil, fmt.Errorf("invalid peer node id %q: %w", peer.NodeID, err)
		}
		key := nodeID.String()

		if _, ok := byNode[key]; !ok {
			byNode[key] = make(map[string]struct{})
		}

		addrs, err := normalizeAddrs(peer.Addrs)
		if err != nil {
			return nil, err
		}
		for _, addr := range addrs {
			byNode[key][addr] = struct{}{}
		}
	}

	keys := make([]string, 0, len(byNode))
	for key := range byNode {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]Peer, 0, len(keys))
	for _, key := range keys {
		addrsSet := byNode[key]
		if len(addrsSet) == 0 {
			return nil, fmt.Errorf("peer %s has no addresses", key)
		}

		addrs := make([]string, 0, len(addrsSet))
		for addr := range addrsSet {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)

		out = append(out, Peer{NodeID: key, Addrs: addrs})
	}

	return out, nil
}

func normalizeAddrs(specs []string) ([]string, error) {
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		addr, err := NormalizeAddr(spec)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(out, addr) {
			out = append(out, addr)
		}
	}

	if len(out) == 0 {
		return nil, errors.New("at least one peer address is required")
	}

	return out, nil
}

// NormalizeAddr appends the default port when the spec carries none.
func NormalizeAddr(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("peer address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(spec); err == nil {
		return spec, nil
	}

	return net.JoinHostPort(spec, strconv.Itoa(DefaultListenPort)), nil
}
