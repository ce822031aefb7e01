package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cachemir/clustermir/internal/server"
	"github.com/cachemir/clustermir/pkg/cache"
	"github.com/cachemir/clustermir/pkg/config"
	"github.com/cachemir/clustermir/pkg/logger"
	"github.com/cachemir/clustermir/pkg/topology"
)

func main() {
	cfg, err := config.LoadServerConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid arguments: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg := logger.New(logger.Config{Level: cfg.LogLevel})
	lg.Info("starting cluster",
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.Int("shards", cfg.Shards),
		slog.Int("replicas_per_shard", cfg.ReplicasPerShard))

	state := server.NewState()
	addrs := cfg.NodeAddresses()
	nodes := make([]*server.Server, 0, len(addrs))
	stores := make([]*cache.Cache, cfg.Shards)
	primaries := addrs[:cfg.Shards]
	replicas := make([][]string, cfg.Shards)

	for i := range stores {
		stores[i] = cache.NewWithJanitor(time.Minute)
	}

	// addrs holds the primaries, then each shard's replicas in turn.
	for i := range addrs {
		shard := i
		if i >= cfg.Shards {
			shard = (i - cfg.Shards) / cfg.ReplicasPerShard
			replicas[shard] = append(replicas[shard], addrs[i])
		}
		nodes = append(nodes, server.New(server.Config{
			Host:   cfg.Host,
			Port:   cfg.Port + i,
			State:  state,
			Store:  stores[shard],
			Logger: lg,
		}))
	}

	for _, n := range nodes {
		if err := n.Listen(); err != nil {
			lg.Error("listen failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if err := state.Configure(topology.EvenSpecs(primaries, replicas)); err != nil {
		lg.Error("configure slots failed", slog.Any("error", err))
		os.Exit(1)
	}

	for _, n := range nodes {
		go func(n *server.Server) {
			if err := n.Serve(); err != nil {
				lg.Error("node stopped", slog.String("node", n.Addr()), slog.Any("error", err))
			}
		}(n)
	}

	var zk *topology.ZooKeeper
	if cfg.ZooKeeper.Enabled() {
		zk, err = topology.DialZooKeeper(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, lg)
		if err != nil {
			lg.Error("zookeeper unavailable", slog.Any("error", err))
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, n := range nodes {
			if err := zk.Register(ctx, n.Addr()); err != nil {
				lg.Warn("zookeeper registration failed", slog.String("node", n.Addr()), slog.Any("error", err))
			}
		}
		cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	lg.Info("shutting down cluster")

	if zk != nil {
		zk.Close()
	}
	for _, n := range nodes {
		if err := n.Stop(); err != nil {
			lg.Warn("error stopping node", slog.String("node", n.Addr()), slog.Any("error", err))
		}
	}
	for _, s := range stores {
		s.Close()
	}

	lg.Info("cluster stopped")
}
