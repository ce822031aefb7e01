package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkConnectWait    = 10 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// ZooKeeper keeps cluster membership under <root>/nodes, one ephemeral znode
// per live node named after its address. Nodes announce themselves with
// Register; clients read the children as seeds and watch them for changes.
type ZooKeeper struct {
	conn *zk.Conn
	root string
	log  *slog.Logger
}

// DialZooKeeper connects to the ensemble.
//
// Example:
//
//	z, err := topology.DialZooKeeper([]string{"zk1:2181"}, "/clustermir", log)
//	if err != nil {
//		return err
//	}
//	defer z.Close()
func DialZooKeeper(servers []string, root string, log *slog.Logger) (*ZooKeeper, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout, zk.WithLogger(zkLogger{log}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if root == "" {
		root = "/"
	}
	return &ZooKeeper{conn: conn, root: root, log: log}, nil
}

// Close ends the session. Ephemeral registrations disappear with it.
func (z *ZooKeeper) Close() {
	z.conn.Close()
}

func (z *ZooKeeper) nodesPath() string {
	return path.Join(z.root, "nodes")
}

// Register creates the ephemeral znode announcing addr.
func (z *ZooKeeper) Register(ctx context.Context, addr string) error {
	if err := z.waitConnected(ctx); err != nil {
		return err
	}
	if err := z.ensurePath(z.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := path.Join(z.nodesPath(), addr)
	_, err := z.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	z.log.Info("registered node in zookeeper", slog.String("path", nodePath))
	return nil
}

// Seeds returns the addresses of all registered nodes.
func (z *ZooKeeper) Seeds(ctx context.Context) ([]string, error) {
	if err := z.waitConnected(ctx); err != nil {
		return nil, err
	}
	children, _, err := z.conn.Children(z.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return children, nil
}

// Watch marks m stale whenever the set of registered nodes changes, until
// ctx is done.
func (z *ZooKeeper) Watch(ctx context.Context, m *Map) {
	for {
		events, err := z.watchNodes()
		if err != nil {
			z.log.Warn("zk watch failed", slog.Any("error", err))
			select {
			case <-time.After(zkRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case ev := <-events:
			z.log.Debug("zk membership changed", slog.String("event", ev.Type.String()))
			m.MarkStale()
		case <-ctx.Done():
			return
		}
	}
}

func (z *ZooKeeper) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := z.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = z.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

func (z *ZooKeeper) waitConnected(ctx context.Context) error {
	deadline := time.Now().Add(zkConnectWait)
	for {
		st := z.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", zkConnectWait, st)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// zkLogger routes the zk library's printf logging into slog at debug level.
type zkLogger struct{ log *slog.Logger }

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...), slog.String("component", "zk"))
}

// watchNodes arms a watch on the registered node list. Until the nodes path
// exists, the watch is on its creation instead.
func (z *ZooKeeper) watchNodes() (<-chan zk.Event, error) {
	for {
		_, _, events, err := z.conn.ChildrenW(z.nodesPath())
		if !errors.Is(err, zk.ErrNoNode) {
			return events, err
		}
		exists, _, events, err := z.conn.ExistsW(z.nodesPath())
		if err != nil || !exists {
			return events, err
		}
	}
}
