package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veridix/agora/pkg/config"
	"github.com/veridix/agora/pkg/identity"
	"github.com/veridix/agora/pkg/node"
	"github.com/veridix/agora/pkg/observability/logging"
	"github.com/veridix/agora/pkg/types"
	"github.com/veridix/agora/pkg/workspace"
)

const agoraDir = ".agora"

func main() {
	base, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("unable to retrieve user home dir: %v", err)
	}
	defaultRootDir := filepath.Join(base, agoraDir)

	rootCmd := &cobra.Command{Use: "agora"}

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Start a marketplace node",
		Run:   runNode,
	}
	nodeCmd.Flags().Int("port", 0, "Listening UDP port (overrides config)")
	nodeCmd.Flags().String("dir", defaultRootDir, "Directory where node state is persisted")
	nodeCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	idCmd := &cobra.Command{
		Use:   "id",
		Short: "Print this node's identifier, generating a keypair if absent",
		Args:  cobra.NoArgs,
		Run:   runID,
	}
	idCmd.Flags().String("dir", defaultRootDir, "Directory where node state is persisted")

	peersCmd := &cobra.Command{
		Use:   "peers",
		Short: "Manage known peers",
	}
	peersAddCmd := &cobra.Command{
		Use:   "add [node-id] [addr...]",
		Short: "Record a peer's addresses in the config",
		Args:  cobra.MinimumNArgs(2),
		Run:   runAddPeer,
	}
	peersAddCmd.Flags().String("dir", defaultRootDir, "Directory where node state is persisted")
	peersListCmd := &cobra.Command{
		Use:   "list",
		Short: "List configured peers",
		Args:  cobra.NoArgs,
		Run:   runListPeers,
	}
	peersListCmd.Flags().String("dir", defaultRootDir, "Directory where node state is persisted")
	peersCmd.AddCommand(peersAddCmd, peersListCmd)

	rootCmd.AddCommand(nodeCmd, idCmd, peersCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func runNode(cmd *cobra.Command, args []string) {
	level, _ := cmd.Flags().GetString("log-level")
	logging.Init(level)
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()
	logger.Infow("starting agora...", "version", "0.1.0")

	port, _ := cmd.Flags().GetInt("port")
	dir, _ := cmd.Flags().GetString("dir")

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	stateDir, err := workspace.EnsureStateDir(dir)
	if err != nil {
		logger.Fatal(err)
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		logger.Fatal(err)
	}
	if port != 0 {
		cfg.ListenPort = port
	}

	n, err := node.New(stateDir, cfg)
	if err != nil {
		logger.Fatal(err)
	}

	logger.Infow("successfully started node", "id", n.NodeID(), "addr", n.Addr())

	if err := n.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Fatal(err)
	}
}

func runID(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")

	stateDir, err := workspace.EnsureStateDir(dir)
	if err != nil {
		log.Fatal(err)
	}

	ident, err := identity.Load(stateDir)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(ident.NodeID())
}

func runAddPeer(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")

	stateDir, err := workspace.EnsureStateDir(dir)
	if err != nil {
		log.Fatal(err)
	}

	nodeID, err := types.ParseNodeID(args[0])
	if err != nil {
		log.Fatalf("invalid node id %q: %v", args[0], err)
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.RememberPeer(nodeID, args[1:]); err != nil {
		log.Fatal(err)
	}
	if err := config.Save(stateDir, cfg); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("recorded peer %s\n", nodeID)
}

func runListPeers(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")

	stateDir, err := workspace.EnsureStateDir(dir)
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		log.Fatal(err)
	}
	for _, peer := range cfg.Peers {
		fmt.Printf("%s\t%v\n", peer.NodeID, peer.Addrs)
	}
}
