package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/clustermir/pkg/logger"
)

func listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		accepted []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			_ = c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, conn)
			mu.Unlock()
		}
	}()
	return ln.Addr().String()
}

func TestConnPoolReusesConnections(t *testing.T) {
	p := newConnPool(listen(t), 2, 100*time.Millisecond, logger.Discard())
	defer p.Close()
	ctx := context.Background()

	c1, err := p.Get(ctx)
	require.NoError(t, err)
	p.Put(c1)

	c2, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	p.Put(c2)
}

func TestConnPoolLimit(t *testing.T) {
	p := newConnPool(listen(t), 2, 50*time.Millisecond, logger.Discard())
	defer p.Close()
	ctx := context.Background()

	c1, err := p.Get(ctx)
	require.NoError(t, err)
	c2, err := p.Get(ctx)
	require.NoError(t, err)

	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolTimeout)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = p.Get(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	p.Discard(c1)
	c3, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)

	p.Put(c2)
	p.Put(c3)
}

func TestConnPoolClose(t *testing.T) {
	p := newConnPool(listen(t), 1, 50*time.Millisecond, logger.Discard())
	ctx := context.Background()

	conn, err := p.Get(ctx)
	require.NoError(t, err)
	p.Close()

	// returned after close: closed, not pooled
	p.Put(conn)
	assert.Empty(t, p.conns)
	_, err = conn.Write([]byte("x"))
	assert.Error(t, err)

	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, errPoolClosed)
}

func TestConnPoolDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newConnPool(addr, 1, 50*time.Millisecond, logger.Discard())
	_, err = p.Get(context.Background())
	require.Error(t, err)
	assert.Zero(t, p.created)
}
