package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/topology"
)

var errNoSeeds = errors.New("no node or seed address to ask")

// fetchTopology fetches the layout with CLUSTER SLOTS, asking the nodes of
// the current snapshot first and the seeds after them.
func (c *Client) fetchTopology(ctx context.Context) ([]topology.ShardSpec, error) {
	var (
		candidates []string
		seen       = make(map[string]bool)
		errs       []error
	)
	add := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			candidates = append(candidates, addr)
		}
	}

	if snap := c.topo.Current(); snap != nil {
		for _, n := range snap.Nodes() {
			add(n.Addr)
		}
	}
	seeds, err := c.seeds.Seeds(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("seeds: %w", err))
	}
	for _, addr := range seeds {
		add(addr)
	}
	if len(candidates) == 0 {
		return nil, errors.Join(append(errs, errNoSeeds)...)
	}

	for _, addr := range candidates {
		specs, err := c.fetchSlots(ctx, addr)
		if err == nil {
			return specs, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

func (c *Client) fetchSlots(ctx context.Context, addr string) ([]topology.ShardSpec, error) {
	resps, err := c.roundTrip(ctx, addr, protocol.NewCommand("CLUSTER", "SLOTS"))
	if err != nil {
		return nil, err
	}
	resp := resps[0]
	switch resp.Type {
	case protocol.RespError:
		return nil, &ServerError{Node: addr, Message: resp.Error}
	case protocol.RespArray:
	default:
		return nil, fmt.Errorf("node %s: unexpected %s reply to CLUSTER SLOTS", addr, resp.Type)
	}

	specs, err := topology.ParseSlots(resp.Data.([]string))
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", addr, err)
	}
	// a node with a partial view is skipped in favour of the next one
	if _, err := topology.NewSnapshot(specs); err != nil {
		return nil, fmt.Errorf("node %s: %w", addr, err)
	}
	return specs, nil
}
