package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridix/agora/pkg/types"
)

func testNode(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func TestLoadMissingFileIsEmptyConfig(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultListenPort, cfg.Port())
	assert.Empty(t, cfg.Peers)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := &Config{
		ListenPort:  9000,
		PostgresDSN: "postgres://localhost/agora",
		Market:      Market{ProposalTTL: 30 * time.Minute},
	}
	require.NoError(t, cfg.RememberPeer(testNode(1), []string{"10.0.0.1:7464", "10.0.0.2"}))
	require.NoError(t, Save(dir, cfg))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, got.Port())
	assert.Equal(t, "postgres://localhost/agora", got.PostgresDSN)
	assert.Equal(t, 30*time.Minute, got.Market.ProposalTTL)
	require.Len(t, got.Peers, 1)
	// Addresses are normalized with the default port and sorted.
	assert.Equal(t, []string{"10.0.0.1:7464", "10.0.0.2:7464"}, got.Peers[0].Addrs)
}

func TestRememberPeerMergesAddresses(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.RememberPeer(testNode(1), []string{"10.0.0.1"}))
	require.NoError(t, cfg.RememberPeer(testNode(1), []string{"10.0.0.2", "10.0.0.1"}))
	require.NoError(t, cfg.RememberPeer(testNode(2), []string{"10.0.0.3"}))

	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, []string{"10.0.0.1:7464", "10.0.0.2:7464"}, cfg.Peers[0].Addrs)

	resolved, err := cfg.ResolvedPeers()
	require.NoError(t, err)
	assert.Len(t, resolved, 2)
	assert.Equal(t, []string{"10.0.0.3:7464"}, resolved[testNode(2)])
}

func TestLoadRejectsNegativeTunables(t *testing.T) {
	dir := t.TempDir()
	raw := "market:\n  proposalTTL: -1s\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(raw), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsMalformedPeer(t *testing.T) {
	dir := t.TempDir()
	raw := "peers:\n  - nodeId: not-hex\n    addrs: [\"10.0.0.1\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(raw), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestNormalizeAddr(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "with port", in: "10.0.0.1:9000", want: "10.0.0.1:9000"},
		{name: "without port", in: "10.0.0.1", want: "10.0.0.1:7464"},
		{name: "hostname", in: "peer.example.com", want: "peer.example.com:7464"},
		{name: "empty", in: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddr(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
