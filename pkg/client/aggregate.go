package client

import (
	"fmt"
	"strconv"

	"github.com/cachemir/clustermir/pkg/command"
	"github.com/cachemir/clustermir/pkg/protocol"
)

// aggregate turns the outcomes of p's sub-calls into the result of the
// logical call, following the descriptor's response policy.
//
// A single sub-call returns its reply or its error. Multi-node routes with
// PolicyNone keep one entry per node and fail only if every node failed.
// Every other policy needs all sub-calls to succeed (PolicyOneSucceeded:
// at least one) and reports the rest as a *FanOutError carrying every
// node's outcome.
func aggregate(desc *command.Descriptor, p *plan, outcomes []NodeValue) (*Result, error) {
	if p.shape == shapeSingle {
		o := outcomes[0]
		if o.Err != nil {
			return nil, o.Err
		}
		return &Result{value: o.Value, nodes: outcomes}, nil
	}

	policy := desc.Policy
	if p.shape == shapeMulti && policy == command.PolicyNone {
		res := &Result{multi: true, nodes: outcomes}
		if failed(outcomes) == len(outcomes) {
			return nil, &FanOutError{Command: desc.Name, Outcomes: outcomes}
		}
		return res, nil
	}

	if policy == command.PolicyOneSucceeded {
		for _, o := range outcomes {
			if o.Err == nil {
				return &Result{value: o.Value, nodes: outcomes}, nil
			}
		}
		return nil, &FanOutError{Command: desc.Name, Outcomes: outcomes}
	}
	if failed(outcomes) > 0 {
		return nil, &FanOutError{Command: desc.Name, Outcomes: outcomes}
	}

	v, err := combine(policy, p, outcomes)
	if err != nil {
		return nil, fmt.Errorf("%s: combine %s replies: %w", desc.Name, policy, err)
	}
	return &Result{value: v, nodes: outcomes}, nil
}

func failed(outcomes []NodeValue) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// combine merges successful replies.
func combine(policy command.ResponsePolicy, p *plan, outcomes []NodeValue) (*protocol.Response, error) {
	switch policy {
	case command.PolicyAggSum:
		var sum int64
		for _, o := range outcomes {
			n, err := intReply(o)
			if err != nil {
				return nil, err
			}
			sum += n
		}
		return protocol.Int(sum), nil

	case command.PolicyAggMin:
		var low int64
		for i, o := range outcomes {
			n, err := intReply(o)
			if err != nil {
				return nil, err
			}
			if i == 0 || n < low {
				low = n
			}
		}
		return protocol.Int(low), nil

	case command.PolicyAggLogicalAnd:
		return logicalAnd(outcomes)

	case command.PolicyCombineArrays:
		var all []string
		for _, o := range outcomes {
			items, err := arrayReply(o)
			if err != nil {
				return nil, err
			}
			all = append(all, items...)
		}
		return protocol.Array(all), nil

	case command.PolicyKeyOrdered:
		return keyOrdered(p, outcomes)

	default:
		// PolicyAllSucceeded, and PolicyNone for split commands.
		return outcomes[0].Value, nil
	}
}

// logicalAnd ands 0/1 replies: integers directly, arrays element-wise.
func logicalAnd(outcomes []NodeValue) (*protocol.Response, error) {
	if outcomes[0].Value.Type == protocol.RespInt {
		for _, o := range outcomes {
			n, err := intReply(o)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return protocol.Int(0), nil
			}
		}
		return protocol.Int(1), nil
	}

	var out []string
	for i, o := range outcomes {
		items, err := arrayReply(o)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			out = append([]string(nil), items...)
			continue
		}
		if len(items) != len(out) {
			return nil, fmt.Errorf("node %s replied %d flags, expected %d", o.Node, len(items), len(out))
		}
		for j, flag := range items {
			if flag != "1" {
				out[j] = "0"
			}
		}
	}
	return protocol.Array(out), nil
}

// keyOrdered places each slot's reply items at the positions of the keys
// that slot was asked for.
func keyOrdered(p *plan, outcomes []NodeValue) (*protocol.Response, error) {
	out := make([]string, p.nkeys)
	for i, o := range outcomes {
		items, err := arrayReply(o)
		if err != nil {
			return nil, err
		}
		keys := p.calls[i].keys
		if len(items) != len(keys) {
			return nil, fmt.Errorf("node %s replied %d items for %d keys", o.Node, len(items), len(keys))
		}
		for j, ki := range keys {
			out[ki] = items[j]
		}
	}
	return protocol.Array(out), nil
}

func intReply(o NodeValue) (int64, error) {
	switch o.Value.Type {
	case protocol.RespInt:
		return o.Value.Data.(int64), nil
	case protocol.RespString:
		n, err := strconv.ParseInt(o.Value.Data.(string), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("node %s: %w", o.Node, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("node %s: unexpected %s reply", o.Node, o.Value.Type)
	}
}

func arrayReply(o NodeValue) ([]string, error) {
	switch o.Value.Type {
	case protocol.RespArray:
		return o.Value.Data.([]string), nil
	case protocol.RespNil:
		return nil, nil
	default:
		return nil, fmt.Errorf("node %s: unexpected %s reply", o.Node, o.Value.Type)
	}
}
