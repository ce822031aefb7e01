// Package clustermir is a slot-routing client for sharded key-value clusters.
//
// The keyspace is split into 16384 hash slots. Every shard serves one or
// more slot ranges through a primary and zero or more replicas. The client
// keeps an immutable snapshot of that layout, sends each command straight to
// the node serving its slot, fans keyless and multi-slot commands out to the
// nodes they concern and merges the replies. MOVED and ASK redirections are
// followed once and refresh the snapshot in the background.
//
// # Architecture Overview
//
//   - Topology: immutable slot-to-shard snapshots, refreshed with CLUSTER SLOTS
//   - Route Resolver: turns a route and a snapshot into target nodes
//   - Dispatcher: pooled connections, bounded fan-out, per-call deadlines
//   - Response Aggregator: merges fan-out replies by command policy
//   - Redirection Handler: MOVED and ASK, at most one hop per command
//   - Cluster Scan: slot-coverage cursors over the whole keyspace
//
// # Quick Start
//
// Local cluster:
//
//	./clustermir-server -port 7000 -shards 3 -replicas 1
//
// Client:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Seeds = []string{"127.0.0.1:7000"}
//	c, err := client.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	_ = c.Set(ctx, "user:{42}:name", "ada", time.Hour)
//	vals, err := c.MGet(ctx, "user:{42}:name", "user:{7}:name")
//	n, err := c.DBSize(ctx)
//	res, err := c.Execute(ctx, []string{"INFO"}, route.AllNodes)
//
// Scanning every key:
//
//	err := c.ScanAll(ctx, client.ScanOptions{Match: "user:*"}, func(keys []string) error {
//		fmt.Println(keys)
//		return nil
//	})
//
// # Configuration
//
// Clients read YAML files and CACHEMIR_* environment variables (see
// pkg/config). Seeds may also come from ZooKeeper, and a NATS subject can
// announce topology changes so clients refresh before the next redirection.
//
// # Package Structure
//
//   - pkg/client: cluster client, dispatch, aggregation, redirection, scan
//   - pkg/topology: snapshots, topology map, seed providers, ZooKeeper, NATS
//   - pkg/route: routes and the resolver
//   - pkg/command: command descriptors and response policies
//   - pkg/hash: CRC16 slot hashing and hash tags
//   - pkg/protocol: binary wire protocol and redirection parsing
//   - pkg/cache: in-memory keyspace used by cluster nodes
//   - pkg/config, pkg/logger, pkg/metrics: ambient plumbing
//   - adapters/prometheus: Prometheus client metrics
//   - internal/server: cluster node with slot ownership and redirections
//   - internal/gateway: HTTP/JSON front end
//   - internal/clustertest: in-process clusters for tests
//   - cmd/server, cmd/gateway, cmd/client-example: executables
package clustermir
