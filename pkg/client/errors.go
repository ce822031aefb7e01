package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/route"
	"github.com/cachemir/clustermir/pkg/topology"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client is closed")
	// ErrNil is returned by the typed helpers when the node replied nil.
	ErrNil = errors.New("nil reply")
	// ErrRedirectionExhausted is returned when a sub-command is redirected
	// again after its one allowed retry.
	ErrRedirectionExhausted = errors.New("redirection limit exceeded")
	// ErrInvalidCursor is returned for a scan cursor that was released or
	// already advanced.
	ErrInvalidCursor = errors.New("invalid scan cursor")
	// ErrPoolTimeout is returned when no pooled connection became free in time.
	ErrPoolTimeout = errors.New("connection pool timeout")
	// ErrTxRoute is returned by Exec for a route that may reach several nodes.
	ErrTxRoute = errors.New("transaction route must target one node")
)

// Errors of other packages surfaced by the client, re-exported for callers
// that only import this package.
var (
	ErrCrossSlot           = route.ErrCrossSlot
	ErrUnknownAddress      = route.ErrUnknownAddress
	ErrInvalidAddress      = route.ErrInvalidAddress
	ErrTopologyUnavailable = topology.ErrTopologyUnavailable
)

// ServerError is an error reply of a node that is not a redirection.
type ServerError struct {
	Node    string
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// Prefix returns the error code, e.g. "ERR", "WRONGTYPE" or "CROSSSLOT".
func (e *ServerError) Prefix() string {
	code, _, _ := strings.Cut(e.Message, " ")
	return code
}

// NodeError is a transport failure talking to one node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

// RedirectionExhaustedError reports a sub-command that was redirected twice.
type RedirectionExhaustedError struct {
	Command string
	First   protocol.Redirect
	Second  protocol.Redirect
}

func (e *RedirectionExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s (%s, then %s)", e.Command, ErrRedirectionExhausted, e.First.Error(), e.Second.Error())
}

// Is matches ErrRedirectionExhausted.
func (e *RedirectionExhaustedError) Is(target error) bool { return target == ErrRedirectionExhausted }

// InvalidCursorError names the cursor that can no longer be used.
type InvalidCursorError struct {
	ID string
}

func (e *InvalidCursorError) Error() string { return fmt.Sprintf("%s: %s", ErrInvalidCursor, e.ID) }

// Is matches ErrInvalidCursor.
func (e *InvalidCursorError) Is(target error) bool { return target == ErrInvalidCursor }

// FanOutError is returned when a command whose replies are combined did
// not succeed on every node it was sent to. Outcomes holds every node's
// value or error, successful ones included.
type FanOutError struct {
	Command  string
	Outcomes []NodeValue
}

func (e *FanOutError) Error() string {
	failed := e.Failed()
	if len(failed) == 0 {
		return fmt.Sprintf("%s: replies could not be combined", e.Command)
	}
	return fmt.Sprintf("%s: failed on %d of %d nodes: %s: %v",
		e.Command, len(failed), len(e.Outcomes), failed[0].Node, failed[0].Err)
}

// Failed returns the outcomes that carry an error.
func (e *FanOutError) Failed() []NodeValue {
	var out []NodeValue
	for _, o := range e.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Unwrap exposes the per-node errors to errors.Is and errors.As.
func (e *FanOutError) Unwrap() []error {
	var errs []error
	for _, o := range e.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}

// errorKind classifies err for metrics.
func errorKind(err error) string {
	var (
		srv    *ServerError
		fanOut *FanOutError
	)
	switch {
	case errors.Is(err, route.ErrCrossSlot), errors.Is(err, route.ErrInvalidAddress),
		errors.Is(err, route.ErrUnknownAddress), errors.Is(err, route.ErrRoleUnavailable),
		errors.Is(err, ErrTxRoute):
		return "local"
	case errors.Is(err, topology.ErrTopologyUnavailable):
		return "topology"
	case errors.Is(err, ErrRedirectionExhausted):
		return "redirect"
	case errors.As(err, &fanOut):
		return "partial"
	case errors.As(err, &srv):
		return "server"
	default:
		return "node"
	}
}
