package client_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/clustermir/internal/clustertest"
	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/route"
)

func TestExecRoutesToSlotOwner(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	c.ResetCalls()

	replies, err := cli.Exec(ctx, [][]string{
		{"SET", "{tx}a", "1"},
		{"INCR", "{tx}n"},
		{"GET", "{tx}a"},
		{"MGET", "{tx}a", "{tx}b"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, replies, 4)
	assert.Equal(t, protocol.RespOK, replies[0].Type)
	assert.Equal(t, int64(1), replies[1].Data)
	assert.Equal(t, "1", replies[2].Data)
	assert.Equal(t, []string{"1", ""}, replies[3].Data)

	owner := c.OwnerOf("{tx}")
	assert.Equal(t, 1, c.Calls("EXEC"))
	assert.Equal(t, 1, c.CallsOn(owner, "MULTI"))
	assert.Equal(t, 1, c.CallsOn(owner, "EXEC"))
}

func TestExecExplicitRoutes(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	target := c.Primaries()[1]

	c.ResetCalls()
	replies, err := cli.Exec(ctx, [][]string{{"PING"}, {"DBSIZE"}}, route.ByAddressRoute{Host: target})
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "PONG", replies[0].Data)
	assert.Equal(t, protocol.RespInt, replies[1].Type)
	assert.Equal(t, 1, c.Calls("EXEC"))
	assert.Equal(t, 1, c.CallsOn(target, "EXEC"))

	c.ResetCalls()
	_, err = cli.Exec(ctx, [][]string{{"SET", "{r}k", "v"}}, route.SlotKey("{r}"))
	require.NoError(t, err)
	assert.Equal(t, 1, c.CallsOn(c.OwnerOf("{r}"), "EXEC"))

	c.ResetCalls()
	_, err = cli.Exec(ctx, [][]string{{"ECHO", "x"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Calls("EXEC"))
	for _, addr := range c.Replicas() {
		assert.Zero(t, c.CallsOn(addr, "EXEC"))
	}
}

func TestExecRejectedLocally(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()
	require.NotEqual(t, hash.Slot("foo"), hash.Slot("bar"))

	calls := countCalls(c)

	_, err := cli.Exec(ctx, [][]string{{"SET", "foo", "1"}, {"SET", "bar", "2"}}, nil)
	require.ErrorIs(t, err, client.ErrCrossSlot)
	var cross *route.CrossSlotError
	require.ErrorAs(t, err, &cross)
	assert.Equal(t, "EXEC", cross.Command)

	_, err = cli.Exec(ctx, [][]string{{"GET", "foo"}, {"GET", "bar"}}, route.SlotKey("foo"))
	assert.ErrorIs(t, err, client.ErrCrossSlot)

	_, err = cli.Exec(ctx, [][]string{{"PING"}}, route.AllPrimaries)
	assert.ErrorIs(t, err, client.ErrTxRoute)

	_, err = cli.Exec(ctx, nil, nil)
	assert.Error(t, err)
	_, err = cli.Exec(ctx, [][]string{{"PING"}, {}}, nil)
	assert.Error(t, err)

	assert.Zero(t, calls.Load())
}

func TestExecFollowsMoved(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	require.NoError(t, cli.Set(ctx, "{mv}a", "1", 0))
	slot := hash.Slot("{mv}")
	from := c.OwnerOf("{mv}")
	to := c.OtherPrimary(slot)
	require.NoError(t, c.MigrateSlot(slot, to))
	c.ResetCalls()

	replies, err := cli.Exec(ctx, [][]string{{"GET", "{mv}a"}, {"INCR", "{mv}n"}}, nil)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, "1", replies[0].Data)
	assert.Equal(t, int64(1), replies[1].Data)
	assert.Equal(t, 1, c.CallsOn(from, "EXEC"))
	assert.Equal(t, 1, c.CallsOn(to, "EXEC"))
}

func TestExecFollowsAsk(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	ctx := context.Background()

	require.NoError(t, cli.Set(ctx, "{ask}a", "1", 0))
	slot := hash.Slot("{ask}")
	to := c.OtherPrimary(slot)
	require.NoError(t, c.BeginMigration(slot, to))
	c.ResetCalls()

	replies, err := cli.Exec(ctx, [][]string{{"GET", "{ask}a"}}, nil)
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.Equal(t, "1", replies[0].Data)
	assert.Equal(t, 1, c.CallsOn(to, "ASKING"))
	assert.Equal(t, 1, c.CallsOn(to, "EXEC"))
}

func TestExecSurfacesNodeErrors(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	cli := newClient(t, c)
	ctx := context.Background()

	_, err := cli.Exec(ctx, [][]string{{"SET", "{e}a", "1"}, {"NOSUCH", "{e}a"}}, nil)
	var srv *client.ServerError
	require.ErrorAs(t, err, &srv)
	assert.Contains(t, srv.Message, "unknown command")

	_, err = cli.Get(ctx, "{e}a")
	assert.ErrorIs(t, err, client.ErrNil, "discarded transactions write nothing")

	replies, err := cli.Exec(ctx, [][]string{{"SET", "{e}s", "v"}, {"LPUSH", "{e}s", "x"}, {"GET", "{e}s"}}, nil)
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.Equal(t, protocol.RespError, replies[1].Type)
	assert.Equal(t, "v", replies[2].Data)
}
