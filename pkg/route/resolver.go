package route

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/topology"
)

// RandomPolicy decides which nodes a Random route may land on.
type RandomPolicy uint8

const (
	// PrimariesOnly sends every randomly routed command to a primary.
	PrimariesOnly RandomPolicy = iota
	// AnyNodeForReads allows replicas for read-only commands. Writes still
	// go to primaries.
	AnyNodeForReads
)

// ReadFrom decides where single-slot read-only commands go when the caller
// did not name a role.
type ReadFrom uint8

const (
	ReadPrimary ReadFrom = iota
	// ReadPreferReplica uses a replica of the owning shard when one exists.
	ReadPreferReplica
)

// Picker returns an index in [0, n). It must be safe for concurrent use.
type Picker func(n int) int

// Option configures a Resolver.
type Option func(*Resolver)

// WithRandomPolicy sets the Random route policy.
func WithRandomPolicy(p RandomPolicy) Option { return func(r *Resolver) { r.policy = p } }

// WithReadFrom sets the default role for read-only slot routes.
func WithReadFrom(rf ReadFrom) Option { return func(r *Resolver) { r.readFrom = rf } }

// WithPicker replaces the uniform random picker, e.g. with a deterministic
// one in tests.
func WithPicker(p Picker) Option { return func(r *Resolver) { r.pick = p } }

// Resolver turns a Route into concrete nodes of a snapshot. It holds no
// topology state of its own and is safe for concurrent use.
type Resolver struct {
	policy   RandomPolicy
	readFrom ReadFrom
	pick     Picker
}

// NewResolver creates a Resolver. By default Random routes use primaries only,
// reads go to primaries, and nodes are picked uniformly.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{pick: rand.IntN}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured Random policy.
func (r *Resolver) Policy() RandomPolicy { return r.policy }

// Resolve returns the nodes rt targets in snap. write reports whether the
// command may modify data; write-capable commands never resolve to a
// replica through Random or ReadFrom.
func (r *Resolver) Resolve(rt Route, snap *topology.Snapshot, write bool) ([]*topology.Node, error) {
	switch rt := rt.(type) {
	case SlotKeyRoute:
		return r.slotNode(snap, hash.Slot(rt.Key), rt.Role, write)
	case SlotIDRoute:
		if rt.Slot < 0 || rt.Slot > hash.MaxSlot {
			return nil, fmt.Errorf("slot %d out of range", rt.Slot)
		}
		return r.slotNode(snap, rt.Slot, rt.Role, write)
	case MultiSlotKeysRoute:
		if len(rt.Keys) == 0 {
			return nil, fmt.Errorf("%w: no keys", ErrNoNodes)
		}
		slot, err := CheckSameSlot("", rt.Keys)
		if err != nil {
			return nil, err
		}
		return r.slotNode(snap, slot, topology.RolePrimary, write)
	case AllNodesRoute:
		return snap.Nodes(), nil
	case AllPrimariesRoute:
		return snap.Primaries(), nil
	case RandomRoute:
		candidates := snap.Primaries()
		if !write && r.policy == AnyNodeForReads {
			candidates = snap.Nodes()
		}
		return []*topology.Node{candidates[r.pick(len(candidates))]}, nil
	case ByAddressRoute:
		addr, err := rt.Addr()
		if err != nil {
			return nil, err
		}
		n, ok := snap.Node(addr)
		if !ok {
			return nil, &UnknownAddressError{Addr: addr}
		}
		return []*topology.Node{n}, nil
	case nil:
		return nil, fmt.Errorf("%w: nil route", ErrNoNodes)
	default:
		return nil, fmt.Errorf("unsupported route %T", rt)
	}
}

// ResolveSlot returns the node serving slot for a command without an explicit
// role, applying the ReadFrom preference to read-only commands.
func (r *Resolver) ResolveSlot(snap *topology.Snapshot, slot int, write bool) *topology.Node {
	shard := snap.ShardForSlot(slot)
	if !write && r.readFrom == ReadPreferReplica && len(shard.Replicas) > 0 {
		return shard.Replicas[r.pick(len(shard.Replicas))]
	}
	return shard.Primary
}

func (r *Resolver) slotNode(snap *topology.Snapshot, slot int, role topology.Role, write bool) ([]*topology.Node, error) {
	if role == topology.RolePrimary {
		return []*topology.Node{r.ResolveSlot(snap, slot, write)}, nil
	}
	shard := snap.ShardForSlot(slot)
	if len(shard.Replicas) == 0 {
		return nil, fmt.Errorf("%w: shard of slot %d has no replica", ErrRoleUnavailable, slot)
	}
	return []*topology.Node{shard.Replicas[r.pick(len(shard.Replicas))]}, nil
}

// CheckSameSlot returns the common slot of keys, or a *CrossSlotError naming
// command and every distinct slot.
func CheckSameSlot(command string, keys []string) (int, error) {
	if len(keys) == 0 {
		return -1, nil
	}
	first := hash.Slot(keys[0])
	var slots map[int]bool
	for _, k := range keys[1:] {
		s := hash.Slot(k)
		if s == first {
			continue
		}
		if slots == nil {
			slots = map[int]bool{first: true}
		}
		slots[s] = true
	}
	if slots == nil {
		return first, nil
	}

	distinct := make([]int, 0, len(slots))
	for s := range slots {
		distinct = append(distinct, s)
	}
	sort.Ints(distinct)
	return -1, &CrossSlotError{Command: command, Slots: distinct}
}

// SlotGroup is the subset of a key list living in one slot.
type SlotGroup struct {
	Slot    int
	Indexes []int // positions in the original key list, ascending
}

// PartitionBySlot groups key positions by slot, in order of first appearance.
func PartitionBySlot(keys []string) []SlotGroup {
	var (
		groups []SlotGroup
		bySlot = make(map[int]int)
	)
	for i, k := range keys {
		s := hash.Slot(k)
		g, ok := bySlot[s]
		if !ok {
			g = len(groups)
			bySlot[s] = g
			groups = append(groups, SlotGroup{Slot: s})
		}
		groups[g].Indexes = append(groups[g].Indexes, i)
	}
	return groups
}
