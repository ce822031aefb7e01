package route

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrCrossSlot is returned before any network call when a command that
	// must run on one slot names keys from several slots.
	ErrCrossSlot = errors.New("keys in request don't hash to the same slot")
	// ErrUnknownAddress is returned for a ByAddress route naming a node that
	// is not part of the current topology.
	ErrUnknownAddress = errors.New("unknown node address")
	// ErrInvalidAddress is returned for a ByAddress route without a usable port.
	ErrInvalidAddress = errors.New("invalid node address")
	// ErrRoleUnavailable is returned when a route asks for a replica of a
	// shard that has none.
	ErrRoleUnavailable = errors.New("no node with the requested role")
	// ErrNoNodes is returned when a route resolves to nothing.
	ErrNoNodes = errors.New("no nodes available")
)

// CrossSlotError reports the command and the distinct slots its keys map to.
type CrossSlotError struct {
	Command string
	Slots   []int
}

func (e *CrossSlotError) Error() string {
	slots := make([]string, len(e.Slots))
	for i, s := range e.Slots {
		slots[i] = strconv.Itoa(s)
	}
	cmd := e.Command
	if cmd == "" {
		cmd = "command"
	}
	return fmt.Sprintf("%s: %s (slots %s)", cmd, ErrCrossSlot, strings.Join(slots, ", "))
}

// Is matches ErrCrossSlot.
func (e *CrossSlotError) Is(target error) bool { return target == ErrCrossSlot }

// UnknownAddressError names the address that is not in the topology.
type UnknownAddressError struct {
	Addr string
}

func (e *UnknownAddressError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownAddress, e.Addr)
}

// Is matches ErrUnknownAddress.
func (e *UnknownAddressError) Is(target error) bool { return target == ErrUnknownAddress }
