package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// RedirectKind distinguishes durable from temporary slot redirections.
type RedirectKind uint8

const (
	// RedirectMoved means the slot is now permanently served by another node.
	RedirectMoved RedirectKind = iota + 1
	// RedirectAsk means the slot is being migrated and this one request
	// should be retried on the importing node after an ASKING.
	RedirectAsk
)

func (k RedirectKind) String() string {
	switch k {
	case RedirectMoved:
		return "moved"
	case RedirectAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// Redirect is a parsed MOVED or ASK error.
type Redirect struct {
	Kind RedirectKind
	Slot int
	Addr string
}

func (r Redirect) Error() string {
	return fmt.Sprintf("%s %d %s", strings.ToUpper(r.Kind.String()), r.Slot, r.Addr)
}

// Moved returns the error response a node sends for a slot it does not own.
func Moved(slot int, addr string) *Response {
	return Errorf("MOVED %d %s", slot, addr)
}

// Ask returns the error response a node sends for a key in a migrating slot
// that it no longer holds.
func Ask(slot int, addr string) *Response {
	return Errorf("ASK %d %s", slot, addr)
}

// ParseRedirect interprets an error message of the form
// "MOVED <slot> <host:port>" or "ASK <slot> <host:port>".
// The second return value is false for any other message.
func ParseRedirect(msg string) (Redirect, bool) {
	fields := strings.Fields(msg)
	if len(fields) != 3 {
		return Redirect{}, false
	}

	var kind RedirectKind
	switch fields[0] {
	case "MOVED":
		kind = RedirectMoved
	case "ASK":
		kind = RedirectAsk
	default:
		return Redirect{}, false
	}

	slot, err := strconv.Atoi(fields[1])
	if err != nil || slot < 0 {
		return Redirect{}, false
	}
	if !strings.Contains(fields[2], ":") {
		return Redirect{}, false
	}

	return Redirect{Kind: kind, Slot: slot, Addr: fields[2]}, true
}
