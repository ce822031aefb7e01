package client

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cachemir/clustermir/pkg/protocol"
)

// call sends one sub-command and follows at most one redirection.
//
// MOVED marks the topology stale and retries on the named node. ASK retries
// once on the importing node behind an ASKING, without touching the
// topology. A second redirection ends the sub-call with a
// *RedirectionExhaustedError.
func (c *Client) call(ctx context.Context, sc subcall) NodeValue {
	nv := NodeValue{Node: sc.node, Slot: sc.slot}
	resp, err := c.send(ctx, sc.node, false, sc.cmd)

	var first *protocol.Redirect
	for err == nil && resp.Type == protocol.RespError {
		r, ok := protocol.ParseRedirect(resp.Error)
		if !ok {
			break
		}
		c.metrics.Redirection(r.Kind.String())
		if first != nil {
			err = &RedirectionExhaustedError{Command: sc.cmd.Name, First: *first, Second: r}
			c.log.Warn("redirection limit exceeded",
				slog.String("command", sc.cmd.Name),
				slog.String("first", first.Error()),
				slog.String("second", r.Error()))
			break
		}
		first = &r

		c.log.Debug("redirected",
			slog.String("command", sc.cmd.Name),
			slog.String("kind", r.Kind.String()),
			slog.Int("slot", r.Slot),
			slog.String("from", nv.Node),
			slog.String("to", r.Addr))
		if r.Kind == protocol.RedirectMoved {
			c.topo.MarkStale()
		}
		nv.Node = r.Addr
		resp, err = c.send(ctx, r.Addr, r.Kind == protocol.RedirectAsk, sc.cmd)
	}

	switch {
	case err != nil:
		nv.Err = err
	case resp.Type == protocol.RespError:
		nv.Value = resp
		nv.Err = &ServerError{Node: nv.Node, Message: resp.Error}
	default:
		nv.Value = resp
	}
	return nv
}

// send performs one request, prefixed by ASKING when asking is set.
func (c *Client) send(ctx context.Context, addr string, asking bool, cmd *protocol.Command) (*protocol.Response, error) {
	resps, err := c.sendBatch(ctx, addr, asking, cmd)
	if err != nil {
		return nil, err
	}
	return resps[len(resps)-1], nil
}

// sendBatch pipelines cmds to addr, prefixed by ASKING when asking is set,
// and returns one reply per command. If ASKING itself is refused, its error
// is the only reply.
//
// A transport failure towards a node of the current snapshot marks the
// topology stale: the node may have been failed over.
func (c *Client) sendBatch(ctx context.Context, addr string, asking bool, cmds ...*protocol.Command) ([]*protocol.Response, error) {
	if asking {
		cmds = append([]*protocol.Command{protocol.NewCommand("ASKING")}, cmds...)
	}

	resps, err := c.roundTrip(ctx, addr, cmds...)
	if err != nil {
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) && ctx.Err() == nil {
			if snap := c.topo.Current(); snap != nil {
				if _, known := snap.Node(addr); known {
					c.topo.MarkStale()
				}
			}
		}
		return nil, err
	}
	if asking {
		if resps[0].Type == protocol.RespError {
			return resps[:1], nil
		}
		return resps[1:], nil
	}
	return resps, nil
}
