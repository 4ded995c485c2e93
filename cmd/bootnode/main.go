package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshnet/core"
	"meshnet/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "bootnode"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "run [config env]", Short: "run a DHT-only bootnode with a read-only admin HTTP surface"}
	adminAddr := cmd.Flags().String("admin-addr", ":8090", "admin HTTP surface listen address")
	apiKeys := cmd.Flags().String("api-keys", "", "comma-separated API keys accepted on the admin surface")
	cmd.Run = func(cmd *cobra.Command, args []string) {
		env := ""
		if len(args) > 0 {
			env = args[0]
		}
		if err := run(env, *adminAddr, *apiKeys); err != nil {
			fmt.Fprintf(os.Stderr, "bootnode: %v\n", err)
			os.Exit(1)
		}
	}
	return cmd
}

func run(env, adminAddr, apiKeys string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := config.NewLogger()

	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate identity key: %w", err)
	}
	auth := core.NewSignatureAuthorizer(core.SchemeEd25519, sk, pub)

	transport, err := core.NewDHTTransport(core.TransportConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, auth, logger)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	self := transport.Self()
	selfNode, err := core.DeriveNodeID(pub)
	if err != nil {
		return fmt.Errorf("derive node id: %w", err)
	}

	bucketSize := cfg.DHT.BucketSize
	if bucketSize <= 0 {
		bucketSize = core.DefaultBucketSize
	}
	routing := core.NewRoutingTable(selfNode, bucketSize)
	storage := core.NewTimedStorage(time.Minute)

	chain := core.NewMockChainClient()
	predicate := core.NewPredicateValidator(func() (core.EpochData, error) {
		return chain.EpochData(context.Background())
	})
	pipeline := core.NewValidatorPipeline()
	protocol := core.NewDHTProtocol(self, selfNode, bucketSize, transport, auth, routing, storage, pipeline, predicate, logger)
	node := core.NewDHTNode(self, selfNode, bucketSize, protocol, routing, cfg.DHT.NumWorkers, logger)

	var keys []string
	if apiKeys != "" {
		keys = strings.Split(apiKeys, ",")
	}
	bootnode := core.NewBootnode(core.BootnodeConfig{
		ListenAddr:         adminAddr,
		APIKeys:            keys,
		BootstrapAddresses: cfg.Network.BootstrapPeers,
	}, node, routing, storage, self, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- bootnode.Start() }()

	logger.Infof("bootnode: joined as %s (node id %s), admin surface on %s", self.B58(), selfNode, adminAddr)

	select {
	case <-ctx.Done():
		return bootnode.Stop(5 * time.Second)
	case err := <-errCh:
		return err
	}
}
