// Package client provides a cluster-aware client for slot-partitioned
// clustermir nodes.
//
// The client learns which shard owns which slot from CLUSTER SLOTS, routes
// every command to the nodes its keys (or its descriptor) call for, splits
// multi-key commands per slot, combines the per-node replies, and follows
// MOVED and ASK redirections while the cluster reshapes itself.
//
// Key Features:
//   - Slot routing from a shared, atomically published topology snapshot
//   - Per-slot fan-out for DEL, EXISTS, MGET, MSET and friends
//   - Keyless commands routed to all primaries, all nodes or a random node
//   - Explicit routes: by key, by slot, by address, replicas
//   - One bounded retry on MOVED/ASK plus a background topology refresh
//   - Connection pooling per node
//   - A cluster-wide SCAN cursor with explicit release
//
// Basic Usage:
//
//	cfg := config.DefaultClientConfig()
//	cfg.Seeds = []string{"10.0.0.1:7000", "10.0.0.2:7000"}
//
//	c, err := client.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:{42}:name", "ada", time.Hour)
//	name, err := c.Get(ctx, "user:{42}:name")
//
//	// DEL over keys of many slots: one sub-command per slot, summed.
//	n, err := c.Del(ctx, "a", "b", "c")
//
// Explicit routes:
//
//	res, err := c.Execute(ctx, []string{"INFO"}, route.AllNodes)
//	for addr, v := range res.MultiValue() {
//		fmt.Println(addr, v.Data)
//	}
//
// Scanning the whole keyspace:
//
//	err = c.ScanAll(ctx, client.ScanOptions{Match: "user:*"}, func(keys []string) error {
//		fmt.Println(keys)
//		return nil
//	})
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cachemir/clustermir/pkg/command"
	"github.com/cachemir/clustermir/pkg/config"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/logger"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/route"
	"github.com/cachemir/clustermir/pkg/topology"
)

// Client routes commands across a slot cluster. It is safe for concurrent
// use by multiple goroutines.
type Client struct {
	cfg      *config.ClientConfig
	log      *slog.Logger
	metrics  Metrics
	seeds    topology.SeedProvider
	extra    []topology.SeedProvider
	picker   route.Picker
	resolver *route.Resolver
	topo     *topology.Map
	cursors  *cursorRegistry

	mu     sync.Mutex // protects pools and closed
	pools  map[string]*connPool
	closed bool

	zk     *topology.ZooKeeper
	nats   *topology.NATSWatcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. By default one is built from cfg.Log.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSeedProvider adds a seed provider consulted after the configured seeds.
func WithSeedProvider(p topology.SeedProvider) Option {
	return func(c *Client) { c.extra = append(c.extra, p) }
}

// WithPicker replaces the uniform random choice used for Random routes and
// replica selection.
func WithPicker(p route.Picker) Option {
	return func(c *Client) { c.picker = p }
}

// New creates a Client from cfg, which is validated first. No network call
// is made: the topology is fetched by the first command.
//
// When cfg.ZooKeeper is set the registered nodes are used as additional
// seeds and membership changes trigger a refresh. When cfg.NATS is set,
// every message on the subject triggers a refresh.
//
// Example:
//
//	c, err := client.New(&config.ClientConfig{...}, client.WithLogger(log))
func New(cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	c := &Client{
		cfg:     cfg,
		metrics: nopMetrics{},
		pools:   make(map[string]*connPool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.New(logger.Config{Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	}
	c.cursors = newCursorRegistry(c.metrics.ScanCursors())

	ropts := []route.Option{}
	if cfg.RandomPolicy == config.RandomAnyForReads {
		ropts = append(ropts, route.WithRandomPolicy(route.AnyNodeForReads))
	}
	if cfg.ReadFrom == config.ReadFromPreferReplica {
		ropts = append(ropts, route.WithReadFrom(route.ReadPreferReplica))
	}
	if c.picker != nil {
		ropts = append(ropts, route.WithPicker(c.picker))
	}
	c.resolver = route.NewResolver(ropts...)

	providers := topology.MultiSeeds{topology.StaticSeeds(cfg.Seeds)}
	if cfg.ZooKeeper.Enabled() {
		z, err := topology.DialZooKeeper(cfg.ZooKeeper.Servers, cfg.ZooKeeper.Root, c.log)
		if err != nil {
			return nil, err
		}
		c.zk = z
		providers = append(providers, z)
	}
	c.seeds = append(providers, c.extra...)

	c.topo = topology.NewMap(topology.SourceFunc(c.fetchTopology),
		topology.WithLogger(c.log),
		topology.WithRefreshInterval(cfg.RefreshInterval),
		topology.WithRefreshTimeout(cfg.RequestTimeout),
		topology.WithRefreshObserver(c.onRefresh),
	)

	if cfg.NATS.Enabled() {
		w, err := topology.WatchNATS(cfg.NATS.URL, cfg.NATS.Subject, c.topo, c.log)
		if err != nil {
			if c.zk != nil {
				c.zk.Close()
			}
			return nil, err
		}
		c.nats = w
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.topo.Run(ctx)
	}()
	if c.zk != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.zk.Watch(ctx, c.topo)
		}()
	}

	return c, nil
}

func (c *Client) onRefresh(snap *topology.Snapshot, err error) {
	c.metrics.TopologyRefresh(err == nil)
	if snap == nil {
		return
	}
	c.prunePools(func(addr string) bool {
		_, ok := snap.Node(addr)
		return ok
	})
}

// Close stops background refreshes, releases every live scan cursor and
// closes all connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = make(map[string]*connPool)
	c.mu.Unlock()

	c.cancel()
	c.cursors.closeAll()
	for _, p := range pools {
		p.Close()
	}

	var err error
	if c.nats != nil {
		err = c.nats.Close()
	}
	if c.zk != nil {
		c.zk.Close()
	}
	c.wg.Wait()
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Topology returns the current snapshot, or nil before the first fetch.
func (c *Client) Topology() *topology.Snapshot {
	return c.topo.Current()
}

// RefreshTopology fetches and installs a new snapshot now.
func (c *Client) RefreshTopology(ctx context.Context) (*topology.Snapshot, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.topo.Refresh(ctx)
}

// Do executes args with the route derived from the command descriptor.
func (c *Client) Do(ctx context.Context, args ...string) (*Result, error) {
	return c.Execute(ctx, args, nil)
}

// Execute runs one logical command.
//
// With a nil route the command's descriptor decides: keyed commands go to
// the owner of their slot (fan-out commands are split per slot), keyless
// ones to their default route. An explicit route is used as given; keys of
// the command are then not inspected.
//
// Local validation errors (cross-slot keys, bad or unknown addresses, a
// replica route without replicas) are returned before any request is sent.
// If ctx has no deadline, cfg.RequestTimeout applies. Blocking commands
// get the wait they ask for on top of it, and none at all when they block
// indefinitely.
func (c *Client) Execute(ctx context.Context, args []string, rt route.Route) (*Result, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	desc := command.Lookup(args)
	wait, blocking := desc.BlockFor(args)
	if blocking {
		ctx = withBlock(ctx, wait)
	}
	if _, ok := ctx.Deadline(); !ok && (!blocking || wait > 0) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout+wait)
		defer cancel()
	}
	if desc.Has(command.Admin) {
		c.log.Info("admin command",
			slog.String("command", desc.Name),
			slog.String("route", routeName(desc, rt)))
	}

	res, err := c.execute(ctx, desc, args, rt)
	if err != nil {
		c.metrics.CommandError(desc.Name, errorKind(err))
	}
	return res, err
}

func (c *Client) execute(ctx context.Context, desc *command.Descriptor, args []string, rt route.Route) (*Result, error) {
	snap, err := c.topo.Get(ctx)
	if err != nil {
		return nil, err
	}
	p, err := c.plan(desc, args, rt, snap)
	if err != nil {
		return nil, err
	}

	defer c.metrics.CommandDuration(desc.Name, p.shape.String()).ObserveDuration()
	outcomes := c.dispatch(ctx, p.calls)
	return aggregate(desc, p, outcomes)
}

// routeName names the route a command takes, its default one when rt is nil.
func routeName(desc *command.Descriptor, rt route.Route) string {
	if rt != nil {
		return rt.String()
	}
	return desc.Keyless.String()
}

type shape uint8

const (
	// shapeSingle is one sub-call whose reply is the result.
	shapeSingle shape = iota
	// shapeSplit is a keyed command split per slot and combined into one value.
	shapeSplit
	// shapeMulti is a multi-node route; results are keyed by node unless
	// the response policy combines them.
	shapeMulti
)

func (s shape) String() string {
	switch s {
	case shapeSplit:
		return "split"
	case shapeMulti:
		return "multi"
	default:
		return "single"
	}
}

type plan struct {
	shape shape
	calls []subcall
	nkeys int
}

func (c *Client) plan(desc *command.Descriptor, args []string, rt route.Route, snap *topology.Snapshot) (*plan, error) {
	write := desc.IsWrite()
	if rt != nil {
		return c.planRoute(args, rt, snap, write)
	}

	pos := desc.KeyPositions(args)
	if len(pos) == 0 {
		switch desc.Keyless {
		case command.RouteAllPrimaries:
			rt = route.AllPrimaries
		case command.RouteAllNodes:
			rt = route.AllNodes
		default:
			rt = route.Random
		}
		return c.planRoute(args, rt, snap, write)
	}

	keys := make([]string, len(pos))
	for i, at := range pos {
		keys[i] = args[at]
	}

	if desc.IsFanOut() {
		if groups := route.PartitionBySlot(keys); len(groups) > 1 {
			step := desc.Step()
			p := &plan{shape: shapeSplit, nkeys: len(keys)}
			for _, g := range groups {
				sub := []string{args[0]}
				for _, ki := range g.Indexes {
					end := pos[ki] + step
					if end > len(args) {
						end = len(args)
					}
					sub = append(sub, args[pos[ki]:end]...)
				}
				node := c.resolver.ResolveSlot(snap, g.Slot, write)
				p.calls = append(p.calls, subcall{
					node: node.Addr,
					cmd:  protocol.FromArgs(sub),
					slot: g.Slot,
					keys: g.Indexes,
				})
			}
			return p, nil
		}
	}

	slot, err := route.CheckSameSlot(desc.Name, keys)
	if err != nil {
		return nil, err
	}
	all := make([]int, len(keys))
	for i := range all {
		all[i] = i
	}
	node := c.resolver.ResolveSlot(snap, slot, write)
	return &plan{
		shape: shapeSingle,
		nkeys: len(keys),
		calls: []subcall{{node: node.Addr, cmd: protocol.FromArgs(args), slot: slot, keys: all}},
	}, nil
}

func (c *Client) planRoute(args []string, rt route.Route, snap *topology.Snapshot, write bool) (*plan, error) {
	nodes, err := c.resolver.Resolve(rt, snap, write)
	if err != nil {
		return nil, err
	}

	slot := -1
	switch rt := rt.(type) {
	case route.SlotKeyRoute:
		slot = hash.Slot(rt.Key)
	case route.SlotIDRoute:
		slot = rt.Slot
	case route.MultiSlotKeysRoute:
		slot = hash.Slot(rt.Keys[0])
	}

	p := &plan{shape: shapeSingle}
	if rt.IsMulti() && len(nodes) > 1 {
		p.shape = shapeMulti
	}
	for _, n := range nodes {
		p.calls = append(p.calls, subcall{node: n.Addr, cmd: protocol.FromArgs(args), slot: slot})
	}
	return p, nil
}
