package client

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cachemir/clustermir/pkg/protocol"
)

// subcall is one command bound to one node.
type subcall struct {
	node string
	cmd  *protocol.Command
	slot int   // -1 when the command has no keys
	keys []int // positions of the command's keys in the caller's key list
}

// dispatch runs calls concurrently, at most MaxFanOut at a time, and waits
// for all of them. The outcome of calls[i] is stored at index i. A failing
// sub-call never cancels its siblings.
func (c *Client) dispatch(ctx context.Context, calls []subcall) []NodeValue {
	out := make([]NodeValue, len(calls))
	if len(calls) == 1 {
		out[0] = c.call(ctx, calls[0])
		return out
	}

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxFanOut)
	for i, sc := range calls {
		g.Go(func() error {
			out[i] = c.call(ctx, sc)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
