package client

import (
	"fmt"
	"sort"

	"github.com/cachemir/clustermir/pkg/protocol"
)

// NodeValue is the outcome of one sub-call: the reply of Node or the error
// that prevented it. Slot is -1 for keyless sub-calls.
type NodeValue struct {
	Node  string
	Slot  int
	Value *protocol.Response
	Err   error
}

// Result is the aggregated reply of a logical call.
//
// A single result carries one value: the reply of the only node touched, or
// the combination of per-slot replies of a split multi-key command. A multi
// result carries one value per node; use MultiValue or Nodes.
type Result struct {
	multi bool
	value *protocol.Response
	nodes []NodeValue
}

// IsMulti reports whether the result is keyed by node.
func (r *Result) IsMulti() bool { return r.multi }

// Value returns the single value. For a multi result it returns nil.
func (r *Result) Value() *protocol.Response {
	if r.multi {
		return nil
	}
	return r.value
}

// MultiValue returns the successful replies keyed by node address. A single
// result from one node is returned as a one-entry map keyed by that node, so
// callers written for multi routes also work on single ones. A single result
// combined from several nodes, such as DBSIZE over all primaries or a split
// DEL, maps each node to its own partial reply; a node that served several
// slots keeps the reply of its last sub-call.
func (r *Result) MultiValue() map[string]*protocol.Response {
	out := make(map[string]*protocol.Response, len(r.nodes))
	if !r.multi && len(r.nodes) == 1 {
		out[r.nodes[0].Node] = r.value
		return out
	}
	for _, n := range r.nodes {
		if n.Err == nil {
			out[n.Node] = n.Value
		}
	}
	return out
}

// Nodes returns every sub-call outcome, failed ones included, ordered by
// node address.
func (r *Result) Nodes() []NodeValue {
	out := append([]NodeValue(nil), r.nodes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Node < out[j].Node })
	return out
}

// Text returns the single value as a string. Nil replies give ErrNil.
func (r *Result) Text() (string, error) {
	v, err := r.single()
	if err != nil {
		return "", err
	}
	switch v.Type {
	case protocol.RespString:
		return v.Data.(string), nil
	case protocol.RespOK:
		return "OK", nil
	case protocol.RespInt:
		return fmt.Sprint(v.Data), nil
	default:
		return "", fmt.Errorf("unexpected %s reply", v.Type)
	}
}

// Int returns the single value as an integer.
func (r *Result) Int() (int64, error) {
	v, err := r.single()
	if err != nil {
		return 0, err
	}
	if v.Type != protocol.RespInt {
		return 0, fmt.Errorf("unexpected %s reply", v.Type)
	}
	return v.Data.(int64), nil
}

// Strings returns the single value as a string slice.
func (r *Result) Strings() ([]string, error) {
	v, err := r.single()
	if err != nil {
		return nil, err
	}
	if v.Type != protocol.RespArray {
		return nil, fmt.Errorf("unexpected %s reply", v.Type)
	}
	return v.Data.([]string), nil
}

func (r *Result) single() (*protocol.Response, error) {
	if r.multi {
		return nil, fmt.Errorf("result is keyed by node (%d nodes)", len(r.nodes))
	}
	if r.value == nil || r.value.Type == protocol.RespNil {
		return nil, ErrNil
	}
	return r.value, nil
}
