package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"meshnet/core"
	"meshnet/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "meshnode"}
	rootCmd.AddCommand(runCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [config env]",
		Short: "join the subnet: run the DHT node, heartbeat announcer, and consensus loop",
		Run: func(cmd *cobra.Command, args []string) {
			env := ""
			if len(args) > 0 {
				env = args[0]
			}
			if err := run(env); err != nil {
				fmt.Fprintf(os.Stderr, "meshnode: %v\n", err)
				os.Exit(1)
			}
		},
	}
	return cmd
}

func run(env string) error {
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
		bucketSize = 20
	}
	routing := core.NewRoutingTable(selfNode, bucketSize)
	storage := core.NewTimedStorage(time.Minute)

	chain := core.NewMockChainClient()

	predicate := core.NewPredicateValidator(func() (core.EpochData, error) {
		return chain.EpochData(context.Background())
	})
	pipeline := core.NewValidatorPipeline()

	protocol := core.NewDHTProtocol(self, selfNode, bucketSize, transport, auth, routing, storage, pipeline, predicate, logger)

	numWorkers := cfg.DHT.NumWorkers
	node := core.NewDHTNode(self, selfNode, bucketSize, protocol, routing, numWorkers, logger)

	maxPinged := cfg.Heartbeat.MaxPinged
	if maxPinged <= 0 {
		maxPinged = core.DefaultMaxPinged
	}
	heartbeatPeriod := 30 * time.Second
	if cfg.Heartbeat.Period != "" {
		if d, err := time.ParseDuration(cfg.Heartbeat.Period); err == nil {
			heartbeatPeriod = d
		}
	}
	heartbeat := core.NewHeartbeatAnnouncer(core.HeartbeatConfig{
		UpdatePeriod: heartbeatPeriod,
		Expiration:   3 * heartbeatPeriod.Seconds(),
		MaxPinged:    maxPinged,
		Role:         "subnet-node",
		Version:      config.Version,
		Throughput:   cfg.Heartbeat.Throughput,
	}, self, pub, node, protocol, routing, transport, logger)

	consensus := core.NewConsensusLoop(core.ConsensusConfig{
		SubnetID:        cfg.Consensus.SubnetID,
		SubnetNodeID:    cfg.Consensus.SubnetNodeID,
		MaxSubnetErrors: cfg.Consensus.MaxErrors,
	}, chain, storage, logger)

	metrics := core.NewMetricsCollector(routing, consensus, logger)
	protocol.SetMetrics(metrics)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	heartbeat.Start(ctx)

	if cfg.Metrics.Enabled {
		interval := 15 * time.Second
		if cfg.Metrics.RecordInterval != "" {
			if d, err := time.ParseDuration(cfg.Metrics.RecordInterval); err == nil {
				interval = d
			}
		}
		go metrics.Run(ctx, interval)
		if cfg.Metrics.ListenAddr != "" {
			srv := metrics.StartServer(cfg.Metrics.ListenAddr)
			defer func() {
				shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutCancel()
				_ = metrics.ShutdownServer(shutCtx, srv)
			}()
		}
	}

	logger.Infof("meshnode: joined as %s (node id %s)", self.B58(), selfNode)

	err = consensus.Run(ctx)
	heartbeat.Stop()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("consensus loop exited: %w", err)
	}
	return nil
}
