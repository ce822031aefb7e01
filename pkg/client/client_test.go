package client_test

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/clustermir/internal/clustertest"
	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/config"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/logger"
	"github.com/cachemir/clustermir/pkg/metrics"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/route"
)

func newClient(t *testing.T, c *clustertest.Cluster, opts ...func(*config.ClientConfig)) *client.Client {
	t.Helper()
	return newClientWith(t, c, opts, nil)
}

func newClientWith(t *testing.T, c *clustertest.Cluster, mut []func(*config.ClientConfig), opts []client.Option) *client.Client {
	t.Helper()
	cfg := config.DefaultClientConfig()
	cfg.Seeds = c.Seeds()[:1]
	cfg.RequestTimeout = 3 * time.Second
	for _, m := range mut {
		m(cfg)
	}
	cli, err := client.New(cfg, append([]client.Option{client.WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	_, err = cli.RefreshTopology(context.Background())
	require.NoError(t, err)
	return cli
}

// prefix returns a unique key prefix so subtests never share keys.
func prefix() string { return uuid.NewString()[:8] + ":" }

// countCalls installs an interceptor counting every command the nodes receive.
func countCalls(c *clustertest.Cluster) *atomic.Int64 {
	var n atomic.Int64
	c.Intercept(func(string, *protocol.Command) *protocol.Response {
		n.Add(1)
		return nil
	})
	return &n
}

func TestCrossSlotFailsWithoutNetworkCalls(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	require.NotEqual(t, hash.Slot("foo"), hash.Slot("bar"))

	calls := countCalls(c)

	_, err := cli.Execute(ctx, []string{"GET", "foo"}, route.MultiSlotKeysRoute{Keys: []string{"foo", "bar"}})
	assert.ErrorIs(t, err, client.ErrCrossSlot)

	_, err = cli.Do(ctx, "RENAME", "foo", "bar")
	var cross *route.CrossSlotError
	require.ErrorAs(t, err, &cross)
	assert.Equal(t, "RENAME", cross.Command)
	assert.Len(t, cross.Slots, 2)

	_, err = cli.Do(ctx, "SINTERSTORE", "dst", "a", "b")
	assert.ErrorIs(t, err, client.ErrCrossSlot)

	assert.Zero(t, calls.Load())
}

func TestSameSlotMultiKeyGoesToOneNode(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	require.NoError(t, cli.MSet(ctx, map[string]string{"{u1}a": "1", "{u1}b": "2", "{u1}c": "3"}))
	c.ResetCalls()

	n, err := cli.Del(ctx, "{u1}a", "{u1}b", "{u1}missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, c.Calls("DEL"))
	assert.Equal(t, 1, c.CallsOn(c.OwnerOf("{u1}"), "DEL"))
}

func TestFanOutSplitsPerSlot(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	p := prefix()

	keys := make([]string, 20)
	pairs := make(map[string]string)
	slots := make(map[int]bool)
	for i := range keys {
		keys[i] = p + strconv.Itoa(i)
		pairs[keys[i]] = "v" + strconv.Itoa(i)
		slots[hash.Slot(keys[i])] = true
	}
	require.NoError(t, cli.MSet(ctx, pairs))
	assert.Equal(t, len(keys), c.KeyCount())

	withMissing := append([]string{p + "none"}, keys...)
	values, err := cli.MGet(ctx, withMissing...)
	require.NoError(t, err)
	require.Len(t, values, len(withMissing))
	assert.Equal(t, "", values[0])
	for i, k := range keys {
		assert.Equal(t, pairs[k], values[i+1], k)
	}

	n, err := cli.Exists(ctx, keys[0], keys[0], keys[1], p+"none")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	c.ResetCalls()
	n, err = cli.Del(ctx, withMissing...)
	require.NoError(t, err)
	assert.Equal(t, int64(len(keys)), n)
	assert.LessOrEqual(t, c.Calls("DEL"), len(slots)+1)
	assert.Zero(t, c.KeyCount())
}

func TestMGetMissingAndEmptyLookAlike(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	ctx := context.Background()
	p := prefix()

	require.NoError(t, cli.Set(ctx, p+"empty", "", 0))
	values, err := cli.MGet(ctx, p+"empty", p+"missing")
	require.NoError(t, err)
	assert.Equal(t, []string{"", ""}, values)

	n, err := cli.Exists(ctx, p+"empty", p+"missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = cli.Get(ctx, p+"missing")
	assert.ErrorIs(t, err, client.ErrNil)
}

func TestKeylessDefaultRoutes(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3, Replicas: 1})
	cli := newClient(t, c)
	ctx := context.Background()
	p := prefix()

	for i := 0; i < 30; i++ {
		require.NoError(t, cli.Set(ctx, p+strconv.Itoa(i), "v", 0))
	}

	size, err := cli.DBSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), size)

	res, err := cli.Do(ctx, "KEYS", p+"*")
	require.NoError(t, err)
	keys, err := res.Strings()
	require.NoError(t, err)
	assert.Len(t, keys, 30)

	c.ResetCalls()
	require.NoError(t, cli.Ping(ctx))
	assert.Equal(t, 3, c.Calls("PING"))
	for _, addr := range c.Replicas() {
		assert.Zero(t, c.CallsOn(addr, "PING"))
	}

	infos, err := cli.Info(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, infos, 3)
	for addr, text := range infos {
		assert.Contains(t, text, "tcp_addr:"+addr)
		assert.Contains(t, text, "role:master")
	}

	infos, err = cli.Info(ctx, route.AllNodes)
	require.NoError(t, err)
	assert.Len(t, infos, 6)

	require.NoError(t, cli.ConfigSet(ctx, "maxmemory", "1gb"))
	for _, addr := range c.Seeds() {
		assert.Equal(t, "1gb", c.Node(addr).Param("maxmemory"), addr)
	}

	require.NoError(t, cli.FlushAll(ctx))
	assert.Zero(t, c.KeyCount())

	ts, err := cli.Time(ctx, nil)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)

	echo, err := cli.Echo(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", echo)
}

func TestMultiRouteOnSingleNodeYieldsSingleResult(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 1})
	cli := newClient(t, c)

	res, err := cli.Execute(context.Background(), []string{"INFO"}, route.AllPrimaries)
	require.NoError(t, err)
	assert.False(t, res.IsMulti())
	require.NotNil(t, res.Value())
	assert.Contains(t, res.Value().Data, "role:master")

	mv := res.MultiValue()
	require.Len(t, mv, 1)
	assert.Contains(t, mv, c.Primaries()[0])
}

// keyOn returns a key with prefix p owned by addr.
func keyOn(c *clustertest.Cluster, addr, p string) string {
	for i := 0; ; i++ {
		if k := p + strconv.Itoa(i); c.OwnerOf(k) == addr {
			return k
		}
	}
}

func TestCombinedResultKeepsPerNodeValues(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	p := prefix()

	keys := make([]string, 0, 3)
	for i, addr := range c.Primaries() {
		k := keyOn(c, addr, p)
		keys = append(keys, k)
		for j := 0; j <= i; j++ {
			require.NoError(t, cli.Set(ctx, "{"+k+"}"+strconv.Itoa(j), "v", 0))
		}
	}

	res, err := cli.Execute(ctx, []string{"DBSIZE"}, route.AllPrimaries)
	require.NoError(t, err)
	assert.False(t, res.IsMulti())
	total, err := res.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	mv := res.MultiValue()
	require.Len(t, mv, 3)
	for i, addr := range c.Primaries() {
		require.Contains(t, mv, addr)
		assert.Equal(t, int64(i+1), mv[addr].Data, addr)
	}

	for _, k := range keys {
		require.NoError(t, cli.Set(ctx, k, "v", 0))
	}
	res, err = cli.Do(ctx, append([]string{"DEL"}, keys...)...)
	require.NoError(t, err)
	n, err := res.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mv = res.MultiValue()
	require.Len(t, mv, 3)
	for _, addr := range c.Primaries() {
		require.Contains(t, mv, addr)
		assert.Equal(t, int64(1), mv[addr].Data, addr)
	}
}

func TestRandomRoutePolicy(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 1, Replicas: 1})
	last := func(n int) int { return n - 1 }
	ctx := context.Background()
	primary, replica := c.Primaries()[0], c.Replicas()[0]

	t.Run("primaries only", func(t *testing.T) {
		cli := newClientWith(t, c, nil, []client.Option{client.WithPicker(last)})
		c.ResetCalls()
		_, err := cli.Echo(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, 1, c.CallsOn(primary, "ECHO"))
	})

	t.Run("any node for reads", func(t *testing.T) {
		cli := newClientWith(t, c, []func(*config.ClientConfig){
			func(cfg *config.ClientConfig) { cfg.RandomPolicy = config.RandomAnyForReads },
		}, []client.Option{client.WithPicker(last)})

		c.ResetCalls()
		_, err := cli.Echo(ctx, "x")
		require.NoError(t, err)
		assert.Equal(t, 1, c.CallsOn(replica, "ECHO"))

		// unknown commands count as writes
		_, err = cli.Do(ctx, "NOPE")
		var srv *client.ServerError
		require.ErrorAs(t, err, &srv)
		assert.Equal(t, "ERR", srv.Prefix())
		assert.Equal(t, primary, srv.Node)
	})
}

func TestReplicaRoutes(t *testing.T) {
	ctx := context.Background()

	t.Run("no replica", func(t *testing.T) {
		c := clustertest.Start(t, clustertest.Options{Shards: 2})
		cli := newClient(t, c)
		_, err := cli.Execute(ctx, []string{"GET", "k"}, route.ReplicaSlotKey("k"))
		assert.ErrorIs(t, err, route.ErrRoleUnavailable)
	})

	t.Run("explicit replica", func(t *testing.T) {
		c := clustertest.Start(t, clustertest.Options{Shards: 1, Replicas: 1})
		cli := newClient(t, c)
		require.NoError(t, cli.Set(ctx, "k", "v", 0))

		c.ResetCalls()
		res, err := cli.Execute(ctx, []string{"GET", "k"}, route.ReplicaSlotKey("k"))
		require.NoError(t, err)
		v, err := res.Text()
		require.NoError(t, err)
		assert.Equal(t, "v", v)
		assert.Equal(t, 1, c.CallsOn(c.Replicas()[0], "GET"))
	})

	t.Run("prefer replica for reads", func(t *testing.T) {
		c := clustertest.Start(t, clustertest.Options{Shards: 1, Replicas: 1})
		cli := newClient(t, c, func(cfg *config.ClientConfig) { cfg.ReadFrom = config.ReadFromPreferReplica })
		require.NoError(t, cli.Set(ctx, "k", "v", 0))

		c.ResetCalls()
		v, err := cli.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", v)
		assert.Equal(t, 1, c.CallsOn(c.Replicas()[0], "GET"))

		require.NoError(t, cli.Set(ctx, "k", "w", 0))
		assert.Equal(t, 1, c.CallsOn(c.Primaries()[0], "SET"))
	})
}

func TestByAddressRoute(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	ctx := context.Background()

	_, err := cli.Execute(ctx, []string{"PING"}, route.ByAddressRoute{Host: "127.0.0.1"})
	assert.ErrorIs(t, err, client.ErrInvalidAddress)

	_, err = cli.Execute(ctx, []string{"PING"}, route.ByAddress("127.0.0.1", 1))
	var unknown *route.UnknownAddressError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "127.0.0.1:1", unknown.Addr)

	target := c.Primaries()[1]
	infos, err := cli.Info(ctx, route.ByAddressRoute{Host: target})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Contains(t, infos[target], "tcp_addr:"+target)
}

func TestSlotIDRoute(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	slot := hash.Slot("foo")
	res, err := cli.Execute(ctx, []string{"CLUSTER", "COUNTKEYSINSLOT", strconv.Itoa(slot)}, route.SlotID(slot))
	require.NoError(t, err)
	n, err := res.Int()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, c.CallsOn(c.OwnerOf("foo"), "CLUSTER"))
	require.Len(t, res.Nodes(), 1)
	assert.Equal(t, slot, res.Nodes()[0].Slot)
}

func TestMovedRetriesOnceAndRefreshes(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	require.NoError(t, cli.Set(ctx, "foo", "bar", 0))
	slot := hash.Slot("foo")
	from := c.OwnerOf("foo")
	to := c.OtherPrimary(slot)
	epoch := cli.Topology().Epoch()

	require.NoError(t, c.MigrateSlot(slot, to))
	c.ResetCalls()

	v, err := cli.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)
	assert.Equal(t, 1, c.CallsOn(from, "GET"))
	assert.Equal(t, 1, c.CallsOn(to, "GET"))

	require.Eventually(t, func() bool {
		snap := cli.Topology()
		return snap.Epoch() > epoch && snap.PrimaryForSlot(slot).Addr == to
	}, 3*time.Second, 10*time.Millisecond)

	c.ResetCalls()
	_, err = cli.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Zero(t, c.CallsOn(from, "GET"))
}

func TestSecondRedirectionIsExhausted(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	slot := hash.Slot("foo")
	owner, other := c.OwnerOf("foo"), c.OtherPrimary(slot)

	c.Intercept(func(addr string, cmd *protocol.Command) *protocol.Response {
		if cmd.Name != "GET" {
			return nil
		}
		if addr == owner {
			return protocol.Moved(slot, other)
		}
		return protocol.Moved(slot, owner)
	})

	_, err := cli.Get(context.Background(), "foo")
	require.ErrorIs(t, err, client.ErrRedirectionExhausted)
	var exhausted *client.RedirectionExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, other, exhausted.First.Addr)
	assert.Equal(t, owner, exhausted.Second.Addr)
	assert.Equal(t, protocol.RedirectMoved, exhausted.Second.Kind)
	assert.Equal(t, 2, c.Calls("GET"))
}

func TestAskRedirectionDuringMigration(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	ctx := context.Background()

	require.NoError(t, cli.Set(ctx, "mig", "1", 0))
	slot := hash.Slot("mig")
	to := c.OtherPrimary(slot)
	epoch := cli.Topology().Epoch()

	require.NoError(t, c.BeginMigration(slot, to))
	c.ResetCalls()

	v, err := cli.Get(ctx, "mig")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, c.CallsOn(to, "ASKING"))
	assert.Equal(t, 1, c.CallsOn(to, "GET"))

	// ASK does not touch the topology
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, epoch, cli.Topology().Epoch())

	require.NoError(t, c.FinishMigration(slot))
	v, err = cli.Get(ctx, "mig")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestFailoverIsFollowed(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 1, Replicas: 1})
	cli := newClient(t, c)
	ctx := context.Background()
	old := c.Primaries()[0]

	promoted, err := c.Failover(old)
	require.NoError(t, err)

	require.NoError(t, cli.Set(ctx, "k", "v", 0))
	assert.Equal(t, 1, c.CallsOn(promoted, "SET"))

	require.Eventually(t, func() bool {
		return cli.Topology().Primaries()[0].Addr == promoted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSingleTargetErrorIsReturned(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	ctx := context.Background()

	require.NoError(t, cli.Set(ctx, "s", "v", 0))
	_, err := cli.Do(ctx, "LPUSH", "s", "x")
	var srv *client.ServerError
	require.ErrorAs(t, err, &srv)
	assert.Equal(t, "WRONGTYPE", srv.Prefix())
	assert.Equal(t, c.OwnerOf("s"), srv.Node)

	_, err = cli.Get(ctx, "missing")
	assert.ErrorIs(t, err, client.ErrNil)
}

func TestPartialFailureKeepsEveryOutcome(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	broken := c.Primaries()[1]

	c.Intercept(func(addr string, cmd *protocol.Command) *protocol.Response {
		if addr == broken && (cmd.Name == "DBSIZE" || cmd.Name == "INFO") {
			return protocol.Errorf("ERR injected")
		}
		return nil
	})

	_, err := cli.DBSize(ctx)
	var fan *client.FanOutError
	require.ErrorAs(t, err, &fan)
	assert.Equal(t, "DBSIZE", fan.Command)
	assert.Len(t, fan.Outcomes, 3)
	require.Len(t, fan.Failed(), 1)
	assert.Equal(t, broken, fan.Failed()[0].Node)
	var srv *client.ServerError
	assert.ErrorAs(t, err, &srv)

	res, err := cli.Execute(ctx, []string{"INFO"}, route.AllPrimaries)
	require.NoError(t, err)
	assert.True(t, res.IsMulti())
	assert.Len(t, res.MultiValue(), 2)
	nodes := res.Nodes()
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		if n.Node == broken {
			assert.Error(t, n.Err)
		} else {
			assert.NoError(t, n.Err)
		}
	}
}

func TestNodeDownSurfacesPerNode(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	down := c.Primaries()[2]
	require.NoError(t, c.StopNode(down))

	res, err := cli.Execute(context.Background(), []string{"INFO"}, route.AllPrimaries)
	require.NoError(t, err)
	var nodeErr *client.NodeError
	for _, n := range res.Nodes() {
		if n.Node == down {
			require.ErrorAs(t, n.Err, &nodeErr)
			assert.Equal(t, down, nodeErr.Node)
		}
	}
	require.NotNil(t, nodeErr)
}

func TestTopologyUnavailable(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 1})
	addr := c.Seeds()[0]
	require.NoError(t, c.StopNode(addr))

	cfg := config.DefaultClientConfig()
	cfg.Seeds = []string{addr}
	cfg.RequestTimeout = time.Second
	cli, err := client.New(cfg, client.WithLogger(logger.Discard()))
	require.NoError(t, err)
	defer cli.Close()

	_, err = cli.Get(context.Background(), "k")
	assert.ErrorIs(t, err, client.ErrTopologyUnavailable)
	assert.Nil(t, cli.Topology())
}

func TestClosedClient(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 1})
	cli := newClient(t, c)

	require.NoError(t, cli.Close())
	require.NoError(t, cli.Close())

	_, err := cli.Get(context.Background(), "k")
	assert.ErrorIs(t, err, client.ErrClosed)
	_, _, err = cli.Scan(context.Background(), cli.InitialCursor(), client.ScanOptions{})
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestConcurrentCallsShareSnapshot(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c, func(cfg *config.ClientConfig) { cfg.MaxConnsPerNode = 4 })
	ctx := context.Background()
	p := prefix()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := p + strconv.Itoa(i)
			if err := cli.Set(ctx, k, strconv.Itoa(i), 0); err != nil {
				errs <- err
				return
			}
			v, err := cli.Get(ctx, k)
			if err == nil && v != strconv.Itoa(i) {
				err = errors.New("wrong value for " + k)
			}
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 50, c.KeyCount())
}

func TestTypedHelpers(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	n, err := cli.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	isNew, err := cli.HSet(ctx, "h", "f", "v")
	require.NoError(t, err)
	assert.True(t, isNew)
	h, err := cli.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f": "v"}, h)

	added, err := cli.SAdd(ctx, "s", "a", "b", "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), added)
	members, err := cli.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, cli.Set(ctx, "ttl", "v", time.Minute))
	res, err := cli.Do(ctx, "TTL", "ttl")
	require.NoError(t, err)
	ttl, err := res.Int()
	require.NoError(t, err)
	assert.InDelta(t, 60, ttl, 2)

	n, err = cli.Unlink(ctx, "counter", "h")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = cli.Touch(ctx, "s", "ttl", "gone")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

type fakeMetrics struct {
	mu        sync.Mutex
	errors    map[string]int
	redirects map[string]int
	refreshes int
	cursors   fakeGauge
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{errors: make(map[string]int), redirects: make(map[string]int)}
}

func (m *fakeMetrics) CommandDuration(string, string) metrics.Timer { return metrics.NopTimer() }

func (m *fakeMetrics) CommandError(command, kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[command+"/"+kind]++
}

func (m *fakeMetrics) Redirection(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[kind]++
}

func (m *fakeMetrics) TopologyRefresh(bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
}

func (m *fakeMetrics) ScanCursors() metrics.Gauge { return &m.cursors }

func (m *fakeMetrics) count(table map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return table[key]
}

type fakeGauge struct {
	mu sync.Mutex
	v  float64
}

func (g *fakeGauge) Set(v float64) { g.mu.Lock(); g.v = v; g.mu.Unlock() }
func (g *fakeGauge) Inc()          { g.Add(1) }
func (g *fakeGauge) Dec()          { g.Add(-1) }
func (g *fakeGauge) Add(d float64) { g.mu.Lock(); g.v += d; g.mu.Unlock() }

func (g *fakeGauge) value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

func TestMetricsAreReported(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	m := newFakeMetrics()
	cli := newClientWith(t, c, nil, []client.Option{client.WithMetrics(m)})
	ctx := context.Background()

	_, err := cli.Do(ctx, "RENAME", "foo", "bar")
	require.Error(t, err)
	assert.Equal(t, 1, m.count(m.errors, "RENAME/local"))

	require.NoError(t, cli.Set(ctx, "foo", "1", 0))
	require.NoError(t, c.MigrateSlot(hash.Slot("foo"), c.OtherPrimary(hash.Slot("foo"))))
	_, err = cli.Get(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, 1, m.count(m.redirects, "moved"))

	m.mu.Lock()
	refreshes := m.refreshes
	m.mu.Unlock()
	assert.GreaterOrEqual(t, refreshes, 1)
}

func TestBlockingCommandsExtendDeadline(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 1})
	cli := newClient(t, c, func(cfg *config.ClientConfig) { cfg.RequestTimeout = 150 * time.Millisecond })
	ctx := context.Background()

	c.Intercept(func(_ string, cmd *protocol.Command) *protocol.Response {
		switch cmd.Name {
		case "BLPOP", "GET":
			time.Sleep(400 * time.Millisecond)
			return protocol.Nil()
		}
		return nil
	})

	res, err := cli.Do(ctx, "BLPOP", "queue", "1")
	require.NoError(t, err)
	assert.Equal(t, protocol.RespNil, res.Value().Type)

	res, err = cli.Do(ctx, "BLPOP", "queue", "0")
	require.NoError(t, err)
	assert.Equal(t, protocol.RespNil, res.Value().Type)

	_, err = cli.Do(ctx, "GET", "queue")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// a caller deadline still wins
	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = cli.Do(short, "BLPOP", "queue", "0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAdminCommandsAreLogged(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	var out lockedBuffer
	log := logger.New(logger.Config{Level: "info", Output: &out})
	cli := newClientWith(t, c, nil, []client.Option{client.WithLogger(log)})
	ctx := context.Background()

	require.NoError(t, cli.Set(ctx, "foo", "1", 0))
	assert.NotContains(t, out.String(), "admin command")

	require.NoError(t, cli.FlushAll(ctx))
	require.NoError(t, cli.ConfigSet(ctx, "maxmemory", "1gb"))

	logged := out.String()
	assert.Contains(t, logged, `msg="admin command" command=FLUSHALL route=all-primaries`)
	assert.Contains(t, logged, `msg="admin command" command="CONFIG SET" route=all-nodes`)
}

func TestFunctionStatsReachesEveryNode(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2, Replicas: 1})
	cli := newClient(t, c)

	c.Intercept(func(addr string, cmd *protocol.Command) *protocol.Response {
		if cmd.Name == "FUNCTION" {
			return protocol.String("stats of " + addr)
		}
		return nil
	})

	res, err := cli.Do(context.Background(), "FUNCTION", "STATS")
	require.NoError(t, err)
	require.True(t, res.IsMulti())
	mv := res.MultiValue()
	require.Len(t, mv, len(c.Seeds()))
	for _, addr := range c.Seeds() {
		require.Contains(t, mv, addr)
		assert.Equal(t, "stats of "+addr, mv[addr].Data)
	}
}
