package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cachemir/clustermir/pkg/command"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/route"
	"github.com/cachemir/clustermir/pkg/topology"
)

// Exec runs batch as one MULTI/EXEC transaction on a single node and returns
// the reply of every command, in order. A command that fails while the
// transaction runs, e.g. with WRONGTYPE, shows up as an error reply in the
// slice; it does not fail the call.
//
// Every key of the batch must hash to one slot, otherwise a
// *route.CrossSlotError is returned before anything is sent. With a nil
// route the transaction goes to the node serving that slot, or to a random
// primary when the batch has no keys. An explicit route must name one node.
//
// A MOVED or ASK reply to a queued command is followed once, as for Execute.
// A transaction the node discarded is returned as a *ServerError carrying
// the first reason the node gave.
func (c *Client) Exec(ctx context.Context, batch [][]string, rt route.Route) ([]*protocol.Response, error) {
	if len(batch) == 0 {
		return nil, errors.New("empty transaction")
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	replies, err := c.exec(ctx, batch, rt)
	if err != nil {
		c.metrics.CommandError("EXEC", errorKind(err))
	}
	return replies, err
}

func (c *Client) exec(ctx context.Context, batch [][]string, rt route.Route) ([]*protocol.Response, error) {
	var (
		keys  []string
		write bool
		cmds  = make([]*protocol.Command, 0, len(batch)+2)
	)
	cmds = append(cmds, protocol.NewCommand("MULTI"))
	for i, argv := range batch {
		if len(argv) == 0 {
			return nil, fmt.Errorf("transaction command %d is empty", i)
		}
		desc := command.Lookup(argv)
		keys = append(keys, desc.Keys(argv)...)
		write = write || desc.IsWrite()
		cmds = append(cmds, protocol.FromArgs(argv))
	}
	cmds = append(cmds, protocol.NewCommand("EXEC"))

	slot, err := route.CheckSameSlot("EXEC", keys)
	if err != nil {
		return nil, err
	}
	if rt != nil && rt.IsMulti() {
		return nil, fmt.Errorf("%w: %s", ErrTxRoute, rt)
	}

	snap, err := c.topo.Get(ctx)
	if err != nil {
		return nil, err
	}
	node, err := c.txNode(snap, slot, write, rt)
	if err != nil {
		return nil, err
	}

	defer c.metrics.CommandDuration("EXEC", shapeSingle.String()).ObserveDuration()
	return c.runTx(ctx, node.Addr, cmds)
}

// txNode picks the node a transaction runs on.
func (c *Client) txNode(snap *topology.Snapshot, slot int, write bool, rt route.Route) (*topology.Node, error) {
	switch {
	case rt != nil:
		nodes, err := c.resolver.Resolve(rt, snap, write)
		if err != nil {
			return nil, err
		}
		return nodes[0], nil
	case slot >= 0:
		return c.resolver.ResolveSlot(snap, slot, write), nil
	default:
		nodes, err := c.resolver.Resolve(route.Random, snap, true)
		if err != nil {
			return nil, err
		}
		return nodes[0], nil
	}
}

// runTx pipelines MULTI, the queued commands and EXEC on one connection and
// follows at most one redirection of the whole transaction.
func (c *Client) runTx(ctx context.Context, addr string, cmds []*protocol.Command) ([]*protocol.Response, error) {
	var (
		first  *protocol.Redirect
		asking bool
	)
	for {
		resps, err := c.sendBatch(ctx, addr, asking, cmds...)
		if err != nil {
			return nil, err
		}
		r, redirected := txRedirect(resps)
		if !redirected {
			return txReplies(addr, resps)
		}

		c.metrics.Redirection(r.Kind.String())
		if first != nil {
			c.log.Warn("redirection limit exceeded",
				slog.String("command", "EXEC"),
				slog.String("first", first.Error()),
				slog.String("second", r.Error()))
			return nil, &RedirectionExhaustedError{Command: "EXEC", First: *first, Second: r}
		}
		first = &r

		c.log.Debug("transaction redirected",
			slog.String("kind", r.Kind.String()),
			slog.Int("slot", r.Slot),
			slog.String("from", addr),
			slog.String("to", r.Addr))
		if r.Kind == protocol.RedirectMoved {
			c.topo.MarkStale()
		}
		addr, asking = r.Addr, r.Kind == protocol.RedirectAsk
	}
}

// txRedirect returns the first redirection among the replies of a
// transaction.
func txRedirect(resps []*protocol.Response) (protocol.Redirect, bool) {
	for _, resp := range resps {
		if resp.Type != protocol.RespError {
			continue
		}
		if r, ok := protocol.ParseRedirect(resp.Error); ok {
			return r, true
		}
	}
	return protocol.Redirect{}, false
}

// txReplies unpacks the EXEC reply. resps holds the replies to MULTI, each
// queued command and EXEC, or a single refusal.
func txReplies(addr string, resps []*protocol.Response) ([]*protocol.Response, error) {
	last := resps[len(resps)-1]
	if last.Type == protocol.RespList {
		return last.Data.([]*protocol.Response), nil
	}
	for _, resp := range resps {
		if resp.Type == protocol.RespError {
			return nil, &ServerError{Node: addr, Message: resp.Error}
		}
	}
	return nil, fmt.Errorf("node %s: unexpected %s reply to EXEC", addr, last.Type)
}
