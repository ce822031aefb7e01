package client_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/clustermir/internal/clustertest"
	"github.com/cachemir/clustermir/pkg/client"
	"github.com/cachemir/clustermir/pkg/hash"
)

func fill(t *testing.T, cli *client.Client, keys []string) {
	t.Helper()
	ctx := context.Background()
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		pairs := make(map[string]string, end-start)
		for _, k := range keys[start:end] {
			pairs[k] = "v"
		}
		require.NoError(t, cli.MSet(ctx, pairs))
	}
}

func scanAll(t *testing.T, cli *client.Client, opts client.ScanOptions) []string {
	t.Helper()
	var got []string
	require.NoError(t, cli.ScanAll(context.Background(), opts, func(keys []string) error {
		got = append(got, keys...)
		return nil
	}))
	return got
}

func TestScanVisitsEveryKeyOnce(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3, Replicas: 1})
	cli := newClient(t, c)
	ctx := context.Background()

	for _, k := range []int{0, 5, 100, 2000} {
		t.Run(strconv.Itoa(k), func(t *testing.T) {
			require.NoError(t, cli.FlushAll(ctx))
			p := prefix()
			want := make([]string, k)
			for i := range want {
				want[i] = p + strconv.Itoa(i)
			}
			fill(t, cli, want)

			cur := cli.InitialCursor()
			var got []string
			for steps := 0; !cur.IsFinished(); steps++ {
				require.Less(t, steps, 10000, "scan does not terminate")
				next, keys, err := cli.Scan(ctx, cur, client.ScanOptions{Count: 50})
				require.NoError(t, err)
				got = append(got, keys...)
				cur = next
			}
			cur.Release()

			assert.ElementsMatch(t, want, got)
		})
	}
}

func TestScanTypeAndMatchFilters(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	var sets []string
	for i := 0; i < 40; i++ {
		require.NoError(t, cli.Set(ctx, "str:"+strconv.Itoa(i), "v", 0))
		k := "set:" + strconv.Itoa(i)
		_, err := cli.SAdd(ctx, k, "m")
		require.NoError(t, err)
		sets = append(sets, k)
	}

	got := scanAll(t, cli, client.ScanOptions{Type: "set"})
	assert.ElementsMatch(t, sets, got)

	got = scanAll(t, cli, client.ScanOptions{Match: "str:1*"})
	assert.ElementsMatch(t, []string{"str:1", "str:10", "str:11", "str:12", "str:13", "str:14",
		"str:15", "str:16", "str:17", "str:18", "str:19"}, got)

	assert.Empty(t, scanAll(t, cli, client.ScanOptions{Type: "hash"}))
}

func TestCursorCannotBeReused(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 2})
	m := newFakeMetrics()
	cli := newClientWith(t, c, nil, []client.Option{client.WithMetrics(m)})
	ctx := context.Background()

	cur := cli.InitialCursor()
	assert.NotEmpty(t, cur.ID())
	assert.Equal(t, float64(1), m.cursors.value())

	next, _, err := cli.Scan(ctx, cur, client.ScanOptions{Count: 1})
	require.NoError(t, err)
	require.False(t, next.IsFinished())
	assert.NotEqual(t, cur.ID(), next.ID())

	_, _, err = cli.Scan(ctx, cur, client.ScanOptions{})
	require.ErrorIs(t, err, client.ErrInvalidCursor)
	var invalid *client.InvalidCursorError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, cur.ID(), invalid.ID)

	next.Release()
	next.Release()
	assert.Equal(t, float64(0), m.cursors.value())

	_, _, err = cli.Scan(ctx, next, client.ScanOptions{})
	assert.ErrorIs(t, err, client.ErrInvalidCursor)

	_, _, err = cli.Scan(ctx, nil, client.ScanOptions{})
	assert.ErrorIs(t, err, client.ErrInvalidCursor)
}

func TestScanAllReleasesOnEarlyExit(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	m := newFakeMetrics()
	cli := newClientWith(t, c, nil, []client.Option{client.WithMetrics(m)})
	ctx := context.Background()

	p := prefix()
	keys := make([]string, 50)
	for i := range keys {
		keys[i] = p + strconv.Itoa(i)
	}
	fill(t, cli, keys)

	stop := errors.New("stop")
	err := cli.ScanAll(ctx, client.ScanOptions{Count: 5}, func([]string) error { return stop })
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, float64(0), m.cursors.value())

	cur := cli.InitialCursor()
	require.NoError(t, cli.Close())
	assert.Equal(t, float64(0), m.cursors.value())
	cur.Release()
}

func TestScanSurvivesResharding(t *testing.T) {
	c := clustertest.Start(t, clustertest.Options{Shards: 3})
	cli := newClient(t, c)
	ctx := context.Background()

	p := prefix()
	want := make([]string, 300)
	for i := range want {
		want[i] = p + strconv.Itoa(i)
	}
	fill(t, cli, want)

	// a key of the last shard, scanned after the first shard is done
	lastShard := c.State.Snapshot().Shards()[2]
	var moving string
	for _, k := range want {
		if lastShard.Ranges[0].Contains(hash.Slot(k)) {
			moving = k
			break
		}
	}
	require.NotEmpty(t, moving)
	first := c.Primaries()[0]

	cur := cli.InitialCursor()
	defer func() { cur.Release() }()
	seen := make(map[string]int)
	for steps := 0; !cur.IsFinished(); steps++ {
		require.Less(t, steps, 10000)
		next, keys, err := cli.Scan(ctx, cur, client.ScanOptions{Count: 20})
		require.NoError(t, err)
		for _, k := range keys {
			seen[k]++
		}
		cur = next
		if steps == 0 {
			require.NoError(t, c.MigrateSlot(hash.Slot(moving), first))
		}
	}

	for _, k := range want {
		assert.Contains(t, seen, k)
	}
	assert.Len(t, seen, len(want))
}
