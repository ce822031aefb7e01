package client

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"strconv"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/metrics"
	"github.com/cachemir/clustermir/pkg/protocol"
	"github.com/cachemir/clustermir/pkg/topology"
)

// ScanOptions filter a cluster scan. They are applied by the nodes.
type ScanOptions struct {
	Match string // glob pattern, empty for all keys
	Type  string // string, hash, list or set; empty for all types
	Count int    // per-step hint, not a bound on the batch size
}

func (o ScanOptions) args(token string) []string {
	argv := []string{"SCAN", token}
	if o.Match != "" {
		argv = append(argv, "MATCH", o.Match)
	}
	if o.Count > 0 {
		argv = append(argv, "COUNT", strconv.Itoa(o.Count))
	}
	if o.Type != "" {
		argv = append(argv, "TYPE", o.Type)
	}
	return argv
}

// Cursor is a handle on a cluster scan in progress.
//
// A cursor can be advanced once: Scan consumes it and returns the next one.
// Cursors that are not scanned to the end must be released; Release is
// idempotent. Using a released or already advanced cursor fails with
// ErrInvalidCursor. A cursor must not be advanced concurrently.
type Cursor struct {
	id       string
	c        *Client
	finished bool
}

// ID returns the opaque handle id, empty once the scan finished.
func (cur *Cursor) ID() string { return cur.id }

// IsFinished reports whether every slot has been scanned.
func (cur *Cursor) IsFinished() bool { return cur.finished }

// Release frees the scan state behind cur. Releasing twice, or releasing a
// finished cursor, does nothing.
func (cur *Cursor) Release() {
	if cur == nil || cur.finished || cur.c == nil {
		return
	}
	cur.c.cursors.release(cur.id)
}

// InitialCursor starts a cluster scan. The returned cursor is passed to
// Scan and must eventually be released or scanned to the end.
func (c *Client) InitialCursor() *Cursor {
	return &Cursor{id: c.cursors.register(&scanState{}), c: c}
}

// Scan advances cur by one step and returns the next cursor and a batch of
// keys. A batch may be empty while the scan is not finished.
//
// Each step scans one shard's primary. A shard is complete when its node
// reports cursor 0; its slots are then checked against a fresh topology so
// slots that moved away during the visit are scanned again on their new
// owner. Keys are never lost to a reshard; a key of a migrating slot may be
// returned twice.
//
// If a step fails, the topology is refreshed and the step retried once. If
// that fails too, the error is returned and cur stays valid.
func (c *Client) Scan(ctx context.Context, cur *Cursor, opts ScanOptions) (*Cursor, []string, error) {
	if c.isClosed() {
		return nil, nil, ErrClosed
	}
	if cur == nil || cur.finished || cur.c != c {
		id := ""
		if cur != nil {
			id = cur.id
		}
		return nil, nil, &InvalidCursorError{ID: id}
	}

	st, err := c.cursors.take(cur.id)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	keys, err := c.scanStep(ctx, st, opts)
	if err != nil && ctx.Err() == nil {
		c.log.Debug("scan step failed, refreshing topology",
			slog.String("node", st.node),
			slog.Any("error", err))
		st.node, st.token = "", ""
		if _, rerr := c.topo.Refresh(ctx); rerr == nil {
			keys, err = c.scanStep(ctx, st, opts)
		}
	}
	if err != nil {
		c.cursors.restore(cur.id, st)
		return nil, nil, fmt.Errorf("scan: %w", err)
	}

	if st.covered.full() {
		return &Cursor{c: c, finished: true}, keys, nil
	}
	return &Cursor{id: c.cursors.register(st), c: c}, keys, nil
}

// ScanAll scans the whole keyspace and calls fn with every non-empty batch.
// The cursor is released on every exit path, including an error from fn.
func (c *Client) ScanAll(ctx context.Context, opts ScanOptions, fn func(keys []string) error) error {
	cur := c.InitialCursor()
	defer func() { cur.Release() }()

	for !cur.IsFinished() {
		next, keys, err := c.Scan(ctx, cur, opts)
		if err != nil {
			return err
		}
		cur = next
		if len(keys) == 0 {
			continue
		}
		if err := fn(keys); err != nil {
			return err
		}
	}
	return nil
}

// scanStep sends one SCAN to the node being visited, picking a new node
// first if needed. st is only modified when the step succeeds.
func (c *Client) scanStep(ctx context.Context, st *scanState, opts ScanOptions) ([]string, error) {
	snap, err := c.topo.Get(ctx)
	if err != nil {
		return nil, err
	}

	node, token, visiting := st.node, st.token, st.visiting
	if node == "" {
		slot := st.covered.firstMissing()
		shard := snap.ShardForSlot(slot)
		node, token, visiting = shard.Primary.Addr, "0", slotSet{}
		for _, r := range shard.Ranges {
			for s := r.Start; s <= r.End; s++ {
				if !st.covered.has(s) {
					visiting.add(s)
				}
			}
		}
	}

	nv := c.call(ctx, subcall{node: node, cmd: protocol.FromArgs(opts.args(token)), slot: -1})
	if nv.Err != nil {
		return nil, nv.Err
	}
	if nv.Value.Type != protocol.RespArray {
		return nil, fmt.Errorf("node %s: unexpected %s reply to SCAN", node, nv.Value.Type)
	}
	items := nv.Value.Data.([]string)
	if len(items) == 0 {
		return nil, fmt.Errorf("node %s: empty SCAN reply", node)
	}

	var keys []string
	for _, k := range items[1:] {
		if visiting.has(hash.Slot(k)) {
			keys = append(keys, k)
		}
	}

	st.node, st.token, st.visiting = node, items[0], visiting
	if st.token == "0" {
		st.complete(c.confirmOwner(ctx, snap))
	}
	return keys, nil
}

// confirmOwner returns a snapshot fresh enough to tell which of the visited
// slots the node still owned when it finished.
func (c *Client) confirmOwner(ctx context.Context, fallback *topology.Snapshot) *topology.Snapshot {
	snap, err := c.topo.Refresh(ctx)
	if err != nil {
		if cur := c.topo.Current(); cur != nil {
			return cur
		}
		return fallback
	}
	return snap
}

type scanState struct {
	covered  slotSet
	visiting slotSet
	node     string // primary being visited, empty between shards
	token    string
}

// complete marks the visited slots that node still serves in snap as
// covered and ends the visit.
func (st *scanState) complete(snap *topology.Snapshot) {
	for s := 0; s < hash.SlotCount; s++ {
		if st.visiting.has(s) && snap.Serves(st.node, s) {
			st.covered.add(s)
		}
	}
	st.node, st.token, st.visiting = "", "", slotSet{}
}

type slotSet [hash.SlotCount / 64]uint64

func (s *slotSet) add(slot int)      { s[slot/64] |= 1 << (slot % 64) }
func (s *slotSet) has(slot int) bool { return s[slot/64]&(1<<(slot%64)) != 0 }

func (s *slotSet) full() bool {
	for _, w := range s {
		if w != ^uint64(0) {
			return false
		}
	}
	return true
}

// firstMissing returns the lowest slot not in s, or -1.
func (s *slotSet) firstMissing() int {
	for i, w := range s {
		if w != ^uint64(0) {
			return i*64 + bits.TrailingZeros64(^w)
		}
	}
	return -1
}

// cursorRegistry owns the state of every live cursor. A state is removed
// while a step runs, so a handle can be advanced only once.
type cursorRegistry struct {
	mu     sync.Mutex
	states map[string]*scanState
	live   metrics.Gauge
}

func newCursorRegistry(live metrics.Gauge) *cursorRegistry {
	return &cursorRegistry{states: make(map[string]*scanState), live: live}
}

func (r *cursorRegistry) register(st *scanState) string {
	id := gonanoid.Must()
	r.mu.Lock()
	r.states[id] = st
	r.mu.Unlock()
	r.live.Inc()
	return id
}

func (r *cursorRegistry) take(id string) (*scanState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[id]
	if !ok {
		return nil, &InvalidCursorError{ID: id}
	}
	delete(r.states, id)
	r.live.Dec()
	return st, nil
}

func (r *cursorRegistry) restore(id string, st *scanState) {
	r.mu.Lock()
	r.states[id] = st
	r.mu.Unlock()
	r.live.Inc()
}

func (r *cursorRegistry) release(id string) {
	r.mu.Lock()
	_, ok := r.states[id]
	delete(r.states, id)
	r.mu.Unlock()
	if ok {
		r.live.Dec()
	}
}

func (r *cursorRegistry) closeAll() {
	r.mu.Lock()
	n := len(r.states)
	r.states = make(map[string]*scanState)
	r.mu.Unlock()
	r.live.Add(-float64(n))
}

func (r *cursorRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}
