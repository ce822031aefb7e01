package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cachemir/clustermir/pkg/protocol"
)

// pool returns the connection pool of addr, creating it on first use.
// Redirection targets not yet in the snapshot get a pool as well.
func (c *Client) pool(addr string) (*connPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = newConnPool(addr, c.cfg.MaxConnsPerNode, c.cfg.ConnTimeout, c.log)
		c.pools[addr] = p
	}
	return p, nil
}

// prunePools closes the pools of nodes that are no longer in the topology.
func (c *Client) prunePools(keep func(addr string) bool) {
	c.mu.Lock()
	var stale []*connPool
	for addr, p := range c.pools {
		if !keep(addr) {
			stale = append(stale, p)
			delete(c.pools, addr)
		}
	}
	c.mu.Unlock()

	for _, p := range stale {
		c.log.Debug("closing pool of departed node", slog.String("node", p.address))
		p.Close()
	}
}

// roundTrip sends cmds to addr on one pooled connection and reads one reply
// per command. The connection is returned to its pool only after a clean
// exchange; on any error, or if ctx fired while it was in use, it is closed.
//
// Error replies are returned as responses, not as errors. The error result
// is a *NodeError for transport failures.
func (c *Client) roundTrip(ctx context.Context, addr string, cmds ...*protocol.Command) ([]*protocol.Response, error) {
	p, err := c.pool(addr)
	if err != nil {
		return nil, err
	}
	conn, err := p.Get(ctx)
	if err != nil {
		return nil, &NodeError{Node: addr, Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	resps, err := c.exchange(ctx, conn, cmds)
	interrupted := !stop()

	if err != nil || interrupted {
		p.Discard(conn)
	} else {
		p.Put(conn)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		} else if dl, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) && !time.Now().Before(dl) {
			// the socket deadline tracks ctx and may fire first
			err = context.DeadlineExceeded
		}
		c.log.Debug("node request failed",
			slog.String("node", addr),
			slog.String("command", cmds[0].Name),
			slog.Any("error", err))
		return nil, &NodeError{Node: addr, Err: err}
	}
	return resps, nil
}

// exchange pipelines cmds and then reads their replies.
func (c *Client) exchange(ctx context.Context, conn net.Conn, cmds []*protocol.Command) ([]*protocol.Response, error) {
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout)); err != nil {
			return nil, err
		}
		if err := protocol.WriteCommand(conn, cmd); err != nil {
			return nil, err
		}
	}

	resps := make([]*protocol.Response, 0, len(cmds))
	for range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.SetReadDeadline(c.readDeadline(ctx)); err != nil {
			return nil, err
		}
		resp, err := protocol.ReadResponse(conn)
		if err != nil {
			return nil, err
		}
		resps = append(resps, resp)
	}
	return resps, nil
}

type blockKey struct{}

// withBlock marks ctx as carrying a blocking command that may wait d
// server-side; zero waits indefinitely.
func withBlock(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, blockKey{}, d)
}

// readDeadline is the per-reply read deadline, stretched for blocking
// commands.
func (c *Client) readDeadline(ctx context.Context) time.Time {
	wait, ok := ctx.Value(blockKey{}).(time.Duration)
	if !ok {
		return deadline(ctx, c.cfg.ReadTimeout)
	}
	if wait == 0 {
		dl, _ := ctx.Deadline()
		return dl
	}
	return deadline(ctx, c.cfg.ReadTimeout+wait)
}

// deadline returns now+d, or the context deadline if that is earlier.
func deadline(ctx context.Context, d time.Duration) time.Time {
	t := time.Now().Add(d)
	if dl, ok := ctx.Deadline(); ok && dl.Before(t) {
		return dl
	}
	return t
}
