// Package topology tracks which cluster node serves which slot.
//
// A Snapshot is an immutable view of the cluster: every slot is assigned to
// exactly one Shard, and every Shard has one primary and zero or more replicas.
// The Map publishes snapshots atomically, so readers never see a half-updated
// slot table and never need a lock:
//
//	m := topology.NewMap(source, topology.WithLogger(log))
//	snap, err := m.Get(ctx) // first call fetches the layout
//	owner := snap.PrimaryForSlot(hash.Slot("user:42"))
//
// Nodes report stale routing through MarkStale; the Map's Run loop turns those
// signals into refreshes.
package topology

import (
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/cachemir/clustermir/pkg/hash"
)

// Role is the replication role of a node.
type Role uint8

const (
	RolePrimary Role = iota
	RoleReplica
)

func (r Role) String() string {
	if r == RoleReplica {
		return "replica"
	}
	return "primary"
}

// SlotRange is an inclusive range of slots.
type SlotRange struct {
	Start int
	End   int
}

// Contains reports whether slot falls in the range.
func (r SlotRange) Contains(slot int) bool { return slot >= r.Start && slot <= r.End }

// Len returns the number of slots in the range.
func (r SlotRange) Len() int { return r.End - r.Start + 1 }

func (r SlotRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// ShardSpec is the raw description of one shard as reported by the cluster.
type ShardSpec struct {
	Primary  string
	Replicas []string
	Ranges   []SlotRange
}

// Node is one cluster member.
type Node struct {
	Addr  string
	Role  Role
	Shard int // index into Snapshot.Shards
}

func (n *Node) String() string { return n.Addr + "(" + n.Role.String() + ")" }

// IsPrimary reports whether the node is a primary.
func (n *Node) IsPrimary() bool { return n.Role == RolePrimary }

// Shard is a primary plus its replicas, owning a set of slot ranges.
type Shard struct {
	ID       int
	Primary  *Node
	Replicas []*Node
	Ranges   []SlotRange
}

// Nodes returns the primary followed by the replicas.
func (s *Shard) Nodes() []*Node {
	nodes := make([]*Node, 0, 1+len(s.Replicas))
	nodes = append(nodes, s.Primary)
	return append(nodes, s.Replicas...)
}

// SlotCount returns how many slots the shard owns.
func (s *Shard) SlotCount() int {
	n := 0
	for _, r := range s.Ranges {
		n += r.Len()
	}
	return n
}

// Snapshot is an immutable slot → shard → node assignment.
type Snapshot struct {
	epoch  uint64
	slots  []uint16
	shards []*Shard
	nodes  map[string]*Node
	all    []*Node
}

// NewSnapshot validates specs and builds a Snapshot with epoch 0. Every slot
// must be covered by exactly one range and every address must appear once.
func NewSnapshot(specs []ShardSpec) (*Snapshot, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no shards", ErrInvalidTopology)
	}

	specs = normalize(specs)

	s := &Snapshot{
		slots:  make([]uint16, hash.SlotCount),
		shards: make([]*Shard, 0, len(specs)),
		nodes:  make(map[string]*Node),
	}
	covered := make([]bool, hash.SlotCount)

	for id, spec := range specs {
		shard := &Shard{ID: id, Ranges: spec.Ranges}

		primary, err := s.addNode(spec.Primary, RolePrimary, id)
		if err != nil {
			return nil, err
		}
		shard.Primary = primary
		for _, addr := range spec.Replicas {
			replica, err := s.addNode(addr, RoleReplica, id)
			if err != nil {
				return nil, err
			}
			shard.Replicas = append(shard.Replicas, replica)
		}

		if len(spec.Ranges) == 0 {
			return nil, fmt.Errorf("%w: shard %s owns no slots", ErrInvalidTopology, spec.Primary)
		}
		for _, r := range spec.Ranges {
			if r.Start < 0 || r.End > hash.MaxSlot || r.Start > r.End {
				return nil, fmt.Errorf("%w: bad slot range %s", ErrInvalidTopology, r)
			}
			for slot := r.Start; slot <= r.End; slot++ {
				if covered[slot] {
					return nil, fmt.Errorf("%w: slot %d assigned twice", ErrInvalidTopology, slot)
				}
				covered[slot] = true
				s.slots[slot] = uint16(id)
			}
		}
		s.shards = append(s.shards, shard)
	}

	for slot, ok := range covered {
		if !ok {
			return nil, fmt.Errorf("%w: slot %d is not assigned", ErrInvalidTopology, slot)
		}
	}

	for _, shard := range s.shards {
		s.all = append(s.all, shard.Primary)
	}
	for _, shard := range s.shards {
		s.all = append(s.all, shard.Replicas...)
	}

	return s, nil
}

func (s *Snapshot) addNode(addr string, role Role, shard int) (*Node, error) {
	if err := checkAddr(addr); err != nil {
		return nil, err
	}
	if _, dup := s.nodes[addr]; dup {
		return nil, fmt.Errorf("%w: node %s listed twice", ErrInvalidTopology, addr)
	}
	n := &Node{Addr: addr, Role: role, Shard: shard}
	s.nodes[addr] = n
	return n, nil
}

func checkAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return fmt.Errorf("%w: bad node address %q", ErrInvalidTopology, addr)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w: bad node port %q", ErrInvalidTopology, addr)
	}
	return nil
}

// normalize copies specs with ranges sorted and shards ordered by their
// lowest slot, so equal layouts produce equal shard ids.
func normalize(specs []ShardSpec) []ShardSpec {
	out := make([]ShardSpec, len(specs))
	for i, spec := range specs {
		ranges := append([]SlotRange(nil), spec.Ranges...)
		sort.Slice(ranges, func(a, b int) bool { return ranges[a].Start < ranges[b].Start })
		out[i] = ShardSpec{
			Primary:  spec.Primary,
			Replicas: append([]string(nil), spec.Replicas...),
			Ranges:   ranges,
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return lowest(out[a]) < lowest(out[b])
	})
	return out
}

func lowest(spec ShardSpec) int {
	if len(spec.Ranges) == 0 {
		return hash.SlotCount
	}
	return spec.Ranges[0].Start
}

// Epoch returns the snapshot version. It increases with every install.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// Shards returns all shards ordered by their lowest slot.
func (s *Snapshot) Shards() []*Shard { return s.shards }

// Nodes returns every node: all primaries in shard order, then all replicas.
func (s *Snapshot) Nodes() []*Node { return s.all }

// Primaries returns the primary of every shard.
func (s *Snapshot) Primaries() []*Node { return s.all[:len(s.shards)] }

// Node looks up a node by address.
func (s *Snapshot) Node(addr string) (*Node, bool) {
	n, ok := s.nodes[addr]
	return n, ok
}

// ShardForSlot returns the shard owning slot.
func (s *Snapshot) ShardForSlot(slot int) *Shard {
	return s.shards[s.slots[slot]]
}

// PrimaryForSlot returns the primary of the shard owning slot.
func (s *Snapshot) PrimaryForSlot(slot int) *Node {
	return s.ShardForSlot(slot).Primary
}

// ShardOf returns the shard a node belongs to.
func (s *Snapshot) ShardOf(addr string) (*Shard, bool) {
	n, ok := s.nodes[addr]
	if !ok {
		return nil, false
	}
	return s.shards[n.Shard], true
}

// Serves reports whether the node at addr belongs to the shard owning slot.
func (s *Snapshot) Serves(addr string, slot int) bool {
	n, ok := s.nodes[addr]
	return ok && int(s.slots[slot]) == n.Shard
}

// Specs returns the layout in the form NewSnapshot accepts.
func (s *Snapshot) Specs() []ShardSpec {
	specs := make([]ShardSpec, 0, len(s.shards))
	for _, shard := range s.shards {
		spec := ShardSpec{
			Primary: shard.Primary.Addr,
			Ranges:  append([]SlotRange(nil), shard.Ranges...),
		}
		for _, r := range shard.Replicas {
			spec.Replicas = append(spec.Replicas, r.Addr)
		}
		specs = append(specs, spec)
	}
	return specs
}

// EvenSpecs splits the slot space evenly across the given primaries.
// replicas[i] lists the replicas of primaries[i]; it may be shorter than
// primaries.
func EvenSpecs(primaries []string, replicas [][]string) []ShardSpec {
	specs := make([]ShardSpec, len(primaries))
	n := len(primaries)
	for i, p := range primaries {
		specs[i] = ShardSpec{
			Primary: p,
			Ranges: []SlotRange{{
				Start: i * hash.SlotCount / n,
				End:   (i+1)*hash.SlotCount/n - 1,
			}},
		}
		if i < len(replicas) {
			specs[i].Replicas = append([]string(nil), replicas[i]...)
		}
	}
	return specs
}
