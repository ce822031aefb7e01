package topology

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultRefreshTimeout = 5 * time.Second

// Source fetches the current cluster layout, typically by sending
// CLUSTER SLOTS to some reachable node.
type Source interface {
	FetchTopology(ctx context.Context) ([]ShardSpec, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]ShardSpec, error)

// FetchTopology calls f.
func (f SourceFunc) FetchTopology(ctx context.Context) ([]ShardSpec, error) { return f(ctx) }

// RefreshObserver is told about every refresh attempt. snap is nil when err
// is not.
type RefreshObserver func(snap *Snapshot, err error)

// MapOption configures a Map.
type MapOption func(*Map)

// WithLogger sets the logger used for refresh events.
func WithLogger(log *slog.Logger) MapOption {
	return func(m *Map) { m.log = log }
}

// WithRefreshInterval makes Run refresh periodically in addition to
// reacting to stale signals. Zero disables the ticker.
func WithRefreshInterval(d time.Duration) MapOption {
	return func(m *Map) { m.interval = d }
}

// WithRefreshTimeout bounds a single fetch from the Source.
func WithRefreshTimeout(d time.Duration) MapOption {
	return func(m *Map) { m.timeout = d }
}

// WithRefreshObserver registers a callback for refresh outcomes.
func WithRefreshObserver(fn RefreshObserver) MapOption {
	return func(m *Map) { m.observer = fn }
}

// Map holds the latest Snapshot and refreshes it lazily, on request, or when
// marked stale. Snapshots are published with a single atomic store.
type Map struct {
	src      Source
	log      *slog.Logger
	interval time.Duration
	timeout  time.Duration
	observer RefreshObserver

	current atomic.Pointer[Snapshot]
	epoch   atomic.Uint64
	install sync.Mutex // orders epoch assignment with publication
	sf      singleflight.Group
	stale   chan struct{}
}

// NewMap creates a Map backed by src. No network call is made until the
// first Get or Refresh.
func NewMap(src Source, opts ...MapOption) *Map {
	m := &Map{
		src:     src,
		log:     slog.Default(),
		timeout: defaultRefreshTimeout,
		stale:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the latest snapshot, or nil if none was installed yet.
// It never blocks.
func (m *Map) Current() *Snapshot {
	return m.current.Load()
}

// Get returns the latest snapshot, fetching the first one if needed.
func (m *Map) Get(ctx context.Context) (*Snapshot, error) {
	if snap := m.current.Load(); snap != nil {
		return snap, nil
	}
	return m.Refresh(ctx)
}

// Refresh fetches the layout and installs a new snapshot. Concurrent calls
// share one fetch. On failure the previous snapshot stays in effect and an
// error wrapping ErrTopologyUnavailable is returned.
func (m *Map) Refresh(ctx context.Context) (*Snapshot, error) {
	ch := m.sf.DoChan("refresh", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		return m.refresh(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Map) refresh(ctx context.Context) (*Snapshot, error) {
	specs, err := m.src.FetchTopology(ctx)
	if err == nil {
		var snap *Snapshot
		if snap, err = m.Install(specs); err == nil {
			return snap, nil
		}
	}

	err = fmt.Errorf("%w: %w", ErrTopologyUnavailable, err)
	attrs := []any{slog.Any("error", err)}
	if prev := m.current.Load(); prev != nil {
		attrs = append(attrs, slog.Uint64("kept_epoch", prev.Epoch()))
	}
	m.log.Warn("topology refresh failed", attrs...)
	if m.observer != nil {
		m.observer(nil, err)
	}
	return nil, err
}

// Install validates specs and publishes them as the new snapshot.
func (m *Map) Install(specs []ShardSpec) (*Snapshot, error) {
	snap, err := NewSnapshot(specs)
	if err != nil {
		return nil, err
	}
	m.install.Lock()
	snap.epoch = m.epoch.Add(1)
	m.current.Store(snap)
	m.install.Unlock()

	m.log.Debug("topology installed",
		slog.Uint64("epoch", snap.epoch),
		slog.Int("shards", len(snap.shards)),
		slog.Int("nodes", len(snap.all)))
	if m.observer != nil {
		m.observer(snap, nil)
	}
	return snap, nil
}

// MarkStale signals that the current snapshot may be outdated. It never
// blocks; signals raised while one is pending are merged.
func (m *Map) MarkStale() {
	select {
	case m.stale <- struct{}{}:
	default:
	}
}

// Run consumes stale signals (and the periodic ticker, if configured) and
// refreshes the snapshot until ctx is done.
func (m *Map) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stale:
		case <-tick:
		}
		// failures are logged by refresh and the old snapshot is kept
		_, _ = m.Refresh(ctx)
	}
}
