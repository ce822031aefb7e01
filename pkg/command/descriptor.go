// Package command describes how each command is routed and how per-node
// replies are combined.
//
// Every command the client knows is one Descriptor in a single table: where
// its keys are, whether it writes, whether its keys may be split across slots,
// where it goes when it has no keys, and how replies from several nodes become
// one value. The client consumes descriptors uniformly instead of having
// routing code per command.
package command

import (
	"strings"
	"time"
)

// Flags are capability bits of a command.
type Flags uint8

const (
	// Write marks commands that may modify data. They never go to replicas.
	Write Flags = 1 << iota
	// FanOut marks multi-key commands whose keys may be split per slot and
	// sent as independent sub-commands (DEL, MGET, MSET, ...).
	FanOut
	// Blocking marks commands that may legitimately wait server-side. The
	// client extends its deadlines by the wait the command asks for.
	Blocking
	// Admin marks server management commands. The client logs them.
	Admin
)

// KeylessRoute is where a command without keys goes by default.
type KeylessRoute uint8

const (
	RouteRandom KeylessRoute = iota
	RouteAllPrimaries
	RouteAllNodes
)

func (r KeylessRoute) String() string {
	switch r {
	case RouteAllPrimaries:
		return "all-primaries"
	case RouteAllNodes:
		return "all-nodes"
	default:
		return "random"
	}
}

// ResponsePolicy says how replies from several nodes are combined.
type ResponsePolicy uint8

const (
	// PolicyNone keeps one entry per node.
	PolicyNone ResponsePolicy = iota
	// PolicyAllSucceeded returns one reply if every node succeeded.
	PolicyAllSucceeded
	// PolicyOneSucceeded returns the first successful reply.
	PolicyOneSucceeded
	// PolicyAggSum sums integer replies.
	PolicyAggSum
	// PolicyAggMin returns the smallest integer reply.
	PolicyAggMin
	// PolicyAggLogicalAnd ands integer arrays element-wise (0/1 flags).
	PolicyAggLogicalAnd
	// PolicyCombineArrays concatenates array replies.
	PolicyCombineArrays
	// PolicyKeyOrdered reassembles per-slot array replies in the order of
	// the original keys.
	PolicyKeyOrdered
)

var policyNames = [...]string{
	PolicyNone:          "none",
	PolicyAllSucceeded:  "all_succeeded",
	PolicyOneSucceeded:  "one_succeeded",
	PolicyAggSum:        "agg_sum",
	PolicyAggMin:        "agg_min",
	PolicyAggLogicalAnd: "agg_logical_and",
	PolicyCombineArrays: "combine_arrays",
	PolicyKeyOrdered:    "key_ordered",
}

func (p ResponsePolicy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

// Descriptor describes one command.
//
// Key positions index the full argument vector, where argv[0] is the command
// name. LastKey may be negative to count from the end (-1 is the last
// argument). When Extract is set it replaces FirstKey/LastKey/KeyStep.
//
// Wait reads the server-side wait of a Blocking command from argv; ok is
// false when this invocation does not block.
type Descriptor struct {
	Name     string
	FirstKey int
	LastKey  int
	KeyStep  int
	Extract  func(argv []string) []int
	Wait     func(argv []string) (d time.Duration, ok bool)
	Flags    Flags
	Keyless  KeylessRoute
	Policy   ResponsePolicy
}

// Has reports whether all bits of f are set.
func (d *Descriptor) Has(f Flags) bool { return d.Flags&f == f }

// IsWrite reports whether the command may modify data.
func (d *Descriptor) IsWrite() bool { return d.Has(Write) }

// IsFanOut reports whether the command's keys may be split per slot.
func (d *Descriptor) IsFanOut() bool { return d.Has(FanOut) }

// BlockFor returns how long argv may wait server-side. ok is false for
// commands that do not block; a zero duration waits indefinitely.
func (d *Descriptor) BlockFor(argv []string) (time.Duration, bool) {
	if !d.Has(Blocking) || d.Wait == nil {
		return 0, false
	}
	return d.Wait(argv)
}

// Step returns the key step, at least 1.
func (d *Descriptor) Step() int {
	if d.KeyStep < 1 {
		return 1
	}
	return d.KeyStep
}

// KeyPositions returns the indexes of the keys in argv.
func (d *Descriptor) KeyPositions(argv []string) []int {
	if d.Extract != nil {
		return d.Extract(argv)
	}
	if d.FirstKey <= 0 || d.FirstKey >= len(argv) {
		return nil
	}
	last := d.LastKey
	if last < 0 {
		last = len(argv) + last
	}
	if last >= len(argv) {
		last = len(argv) - 1
	}
	var pos []int
	for i := d.FirstKey; i <= last; i += d.Step() {
		pos = append(pos, i)
	}
	return pos
}

// Keys returns the keys named in argv.
func (d *Descriptor) Keys(argv []string) []string {
	pos := d.KeyPositions(argv)
	if len(pos) == 0 {
		return nil
	}
	keys := make([]string, len(pos))
	for i, p := range pos {
		keys[i] = argv[p]
	}
	return keys
}

// Lookup returns the descriptor for argv. Two-word commands such as
// "CONFIG SET" are matched first; unknown commands are treated as keyless
// writes routed to a random primary.
func Lookup(argv []string) *Descriptor {
	if len(argv) == 0 {
		return nil
	}
	name := strings.ToUpper(argv[0])
	if len(argv) > 1 {
		if d, ok := table[name+" "+strings.ToUpper(argv[1])]; ok {
			return d
		}
	}
	if d, ok := table[name]; ok {
		return d
	}
	return &Descriptor{Name: name, Flags: Write, Keyless: RouteRandom}
}

// Known reports whether argv names a command in the table.
func Known(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	name := strings.ToUpper(argv[0])
	if len(argv) > 1 {
		if _, ok := table[name+" "+strings.ToUpper(argv[1])]; ok {
			return true
		}
	}
	_, ok := table[name]
	return ok
}
