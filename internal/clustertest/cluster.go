// Package clustertest boots an in-process slot cluster for tests.
//
//	c := clustertest.Start(t, clustertest.Options{Shards: 3, Replicas: 1})
//	cli, _ := client.New(&config.ClientConfig{Seeds: c.Seeds()})
package clustertest

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/cachemir/clustermir/internal/server"
	"github.com/cachemir/clustermir/pkg/cache"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/logger"
	"github.com/cachemir/clustermir/pkg/topology"
)

// Options configures Start.
type Options struct {
	Shards   int
	Replicas int
	Host     string
	Logger   *slog.Logger
}

// Cluster is a running set of nodes sharing one server.State.
type Cluster struct {
	State *server.State

	mu      sync.Mutex
	nodes   map[string]*server.Server
	order   []string
	stopped map[string]bool
	stores  []*cache.Cache
}

// Start launches Shards primaries with Replicas replicas each on free
// ports and splits the slots evenly. The cluster stops when t finishes.
func Start(t testing.TB, opts Options) *Cluster {
	t.Helper()

	c, err := New(opts)
	if err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// New launches a cluster without a testing.TB. Call Close when done.
func New(opts Options) (*Cluster, error) {
	if opts.Shards < 1 {
		opts.Shards = 3
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	c := &Cluster{
		State:   server.NewState(),
		nodes:   make(map[string]*server.Server),
		stopped: make(map[string]bool),
	}

	primaries := make([]string, opts.Shards)
	replicas := make([][]string, opts.Shards)
	for i := 0; i < opts.Shards; i++ {
		store := cache.NewWithJanitor(0)
		c.stores = append(c.stores, store)
		for r := 0; r <= opts.Replicas; r++ {
			node := server.New(server.Config{
				Host:   opts.Host,
				State:  c.State,
				Store:  store,
				Logger: opts.Logger,
			})
			if err := node.Listen(); err != nil {
				c.Close()
				return nil, err
			}
			c.add(node)
			if r == 0 {
				primaries[i] = node.Addr()
			} else {
				replicas[i] = append(replicas[i], node.Addr())
			}
		}
	}

	if err := c.State.Configure(topology.EvenSpecs(primaries, replicas)); err != nil {
		c.Close()
		return nil, err
	}
	for _, addr := range c.order {
		go func(n *server.Server) { _ = n.Serve() }(c.nodes[addr])
	}
	return c, nil
}

func (c *Cluster) add(node *server.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[node.Addr()] = node
	c.order = append(c.order, node.Addr())
}

// Close stops every node.
func (c *Cluster) Close() {
	c.mu.Lock()
	nodes := make([]*server.Server, 0, len(c.nodes))
	for addr, n := range c.nodes {
		if !c.stopped[addr] {
			nodes = append(nodes, n)
			c.stopped[addr] = true
		}
	}
	c.mu.Unlock()

	for _, n := range nodes {
		_ = n.Stop()
	}
	for _, s := range c.stores {
		s.Close()
	}
}

// Seeds returns the address of every node.
func (c *Cluster) Seeds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Primaries returns the current primary addresses in shard order.
func (c *Cluster) Primaries() []string {
	var out []string
	for _, n := range c.State.Snapshot().Primaries() {
		out = append(out, n.Addr)
	}
	return out
}

// Replicas returns the current replica addresses.
func (c *Cluster) Replicas() []string {
	snap := c.State.Snapshot()
	var out []string
	for _, n := range snap.Nodes()[len(snap.Shards()):] {
		out = append(out, n.Addr)
	}
	return out
}

// Node returns the node listening on addr.
func (c *Cluster) Node(addr string) *server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[addr]
}

// OwnerOf returns the primary serving key.
func (c *Cluster) OwnerOf(key string) string {
	return c.State.Snapshot().PrimaryForSlot(hash.Slot(key)).Addr
}

// OtherPrimary returns a primary that does not serve slot.
func (c *Cluster) OtherPrimary(slot int) string {
	owner := c.State.Snapshot().PrimaryForSlot(slot).Addr
	for _, p := range c.Primaries() {
		if p != owner {
			return p
		}
	}
	return ""
}

// BeginMigration marks slot as migrating to the primary to and moves its
// keys there. Until FinishMigration the old owner answers ASK for them.
func (c *Cluster) BeginMigration(slot int, to string) error {
	snap := c.State.Snapshot()
	from := snap.PrimaryForSlot(slot).Addr
	if err := c.State.BeginMigration(slot, to); err != nil {
		return err
	}
	src, dst := c.Node(from), c.Node(to)
	if src == nil || dst == nil {
		return fmt.Errorf("migrate slot %d: unknown node", slot)
	}
	dst.Store().Import(src.Store().Export(func(key string) bool {
		return hash.Slot(key) == slot
	}))
	return nil
}

// FinishMigration hands slot to its migration target.
func (c *Cluster) FinishMigration(slot int) error {
	to, ok := c.State.Migration(slot)
	if !ok {
		return fmt.Errorf("slot %d is not migrating", slot)
	}
	return c.State.Assign(slot, to)
}

// MigrateSlot moves slot and its keys to the primary to.
func (c *Cluster) MigrateSlot(slot int, to string) error {
	if err := c.BeginMigration(slot, to); err != nil {
		return err
	}
	return c.FinishMigration(slot)
}

// Failover promotes a replica of primary's shard and returns its address.
func (c *Cluster) Failover(primary string) (string, error) {
	return c.State.Failover(primary)
}

// StopNode stops one node; its address stays in the layout.
func (c *Cluster) StopNode(addr string) error {
	c.mu.Lock()
	n, ok := c.nodes[addr]
	if ok && c.stopped[addr] {
		ok = false
	}
	c.stopped[addr] = true
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("node %s is not running", addr)
	}
	return n.Stop()
}

// Calls sums the call counters of name across all nodes.
func (c *Cluster) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.nodes {
		total += n.Calls(name)
	}
	return total
}

// CallsOn returns the call counter of name on one node.
func (c *Cluster) CallsOn(addr, name string) int {
	if n := c.Node(addr); n != nil {
		return n.Calls(name)
	}
	return 0
}

// ResetCalls zeroes every call counter.
func (c *Cluster) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		n.ResetCalls()
	}
}

// Intercept installs fn on every node; nil removes it.
func (c *Cluster) Intercept(fn server.Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		n.SetInterceptor(fn)
	}
}

// KeyCount returns the number of distinct keys stored in the cluster.
func (c *Cluster) KeyCount() int {
	total := 0
	for _, s := range c.stores {
		total += s.DBSize()
	}
	return total
}
