package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/topology"
)

var (
	// ErrNotConfigured is returned before the first Configure.
	ErrNotConfigured = errors.New("cluster state not configured")
	// ErrUnknownNode is returned for addresses the state does not know.
	ErrUnknownNode = errors.New("unknown node")
)

type shardNodes struct {
	primary  string
	replicas []string
}

// State is the slot layout shared by the nodes of one simulated cluster.
// Nodes consult it on every keyed command; tests and the harness mutate it
// to migrate slots and fail over shards.
type State struct {
	mu        sync.RWMutex
	shards    []shardNodes
	owner     []int
	migrating map[int]string
	snap      *topology.Snapshot
}

// NewState returns an unconfigured state. Until Configure is called every
// keyed command is answered with CLUSTERDOWN.
func NewState() *State {
	return &State{migrating: make(map[int]string)}
}

// Configure replaces the layout.
func (s *State) Configure(specs []topology.ShardSpec) error {
	snap, err := topology.NewSnapshot(specs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.shards = s.shards[:0]
	s.owner = make([]int, hash.SlotCount)
	for i, shard := range snap.Shards() {
		nodes := shardNodes{primary: shard.Primary.Addr}
		for _, r := range shard.Replicas {
			nodes.replicas = append(nodes.replicas, r.Addr)
		}
		s.shards = append(s.shards, nodes)
		for _, r := range shard.Ranges {
			for slot := r.Start; slot <= r.End; slot++ {
				s.owner[slot] = i
			}
		}
	}
	s.migrating = make(map[int]string)
	s.snap = snap
	return nil
}

// Snapshot returns the current layout, or nil before Configure.
func (s *State) Snapshot() *topology.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Specs returns the current layout as shard specs.
func (s *State) Specs() []topology.ShardSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return nil
	}
	return s.snap.Specs()
}

// Migration returns the primary that slot is being migrated to.
func (s *State) Migration(slot int) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	to, ok := s.migrating[slot]
	return to, ok
}

// BeginMigration marks slot as migrating to the shard whose primary is to.
// Ownership does not change until Assign.
func (s *State) BeginMigration(slot int, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return ErrNotConfigured
	}
	idx := s.shardIndex(to)
	if idx < 0 {
		return fmt.Errorf("%w: %s is not a primary", ErrUnknownNode, to)
	}
	if s.owner[slot] == idx {
		return fmt.Errorf("slot %d is already served by %s", slot, to)
	}
	s.migrating[slot] = to
	return nil
}

// Assign gives slot to the shard whose primary is to and ends any migration
// of it.
func (s *State) Assign(slot int, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return ErrNotConfigured
	}
	idx := s.shardIndex(to)
	if idx < 0 {
		return fmt.Errorf("%w: %s is not a primary", ErrUnknownNode, to)
	}
	prev := s.owner[slot]
	s.owner[slot] = idx
	if err := s.rebuild(); err != nil {
		s.owner[slot] = prev
		return err
	}
	delete(s.migrating, slot)
	return nil
}

// Failover promotes the first replica of the shard whose primary is
// primary. The old primary becomes a replica. It returns the new primary.
func (s *State) Failover(primary string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap == nil {
		return "", ErrNotConfigured
	}
	idx := s.shardIndex(primary)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s is not a primary", ErrUnknownNode, primary)
	}
	sh := &s.shards[idx]
	if len(sh.replicas) == 0 {
		return "", fmt.Errorf("shard of %s has no replica to promote", primary)
	}
	promoted := sh.replicas[0]
	sh.replicas = append(sh.replicas[1:], sh.primary)
	sh.primary = promoted
	for slot, to := range s.migrating {
		if to == primary {
			s.migrating[slot] = promoted
		}
	}
	return promoted, s.rebuild()
}

func (s *State) shardIndex(primary string) int {
	for i, sh := range s.shards {
		if sh.primary == primary {
			return i
		}
	}
	return -1
}

// rebuild derives a snapshot from owner. Shards left without slots are
// omitted. Callers hold s.mu.
func (s *State) rebuild() error {
	ranges := make([][]topology.SlotRange, len(s.shards))
	start := 0
	for slot := 1; slot <= hash.SlotCount; slot++ {
		if slot < hash.SlotCount && s.owner[slot] == s.owner[start] {
			continue
		}
		idx := s.owner[start]
		ranges[idx] = append(ranges[idx], topology.SlotRange{Start: start, End: slot - 1})
		start = slot
	}

	specs := make([]topology.ShardSpec, 0, len(s.shards))
	for i, sh := range s.shards {
		if len(ranges[i]) == 0 {
			continue
		}
		specs = append(specs, topology.ShardSpec{
			Primary:  sh.primary,
			Replicas: append([]string(nil), sh.replicas...),
			Ranges:   ranges[i],
		})
	}

	snap, err := topology.NewSnapshot(specs)
	if err != nil {
		return err
	}
	s.snap = snap
	return nil
}
