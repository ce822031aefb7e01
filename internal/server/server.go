// Package server implements a cluster node speaking the clustermir wire
// protocol.
//
// A node owns a keyspace (pkg/cache) and answers commands for the hash slots
// its shard serves according to a State shared by every node of the
// simulated cluster. Requests for other slots get the same redirections a
// real slot cluster sends:
//   - MOVED when the slot belongs to another shard, or when a write reaches
//     a replica
//   - ASK when the slot is migrating away and the key is already gone
//   - CROSSSLOT when one command names keys of several slots
//   - READONLY when a keyless write reaches a replica
//
// MULTI/EXEC transactions are queued per connection and must stay on one
// slot; a redirection while queueing discards the transaction at EXEC.
//
// Example usage:
//
//	state := server.NewState()
//	node := server.New(server.Config{Host: "127.0.0.1", Port: 7000, State: state})
//	if err := node.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	_ = state.Configure(topology.EvenSpecs([]string{node.Addr()}, nil))
//	go node.Serve()
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cachemir/clustermir/pkg/cache"
	"github.com/cachemir/clustermir/pkg/command"
	"github.com/cachemir/clustermir/pkg/hash"
	"github.com/cachemir/clustermir/pkg/protocol"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Interceptor may answer a command before the node does. Returning nil lets
// the node handle it.
type Interceptor func(addr string, cmd *protocol.Command) *protocol.Response

// Config configures a Server. Port 0 picks a free port. Store is the
// node's keyspace; nodes of one shard share a store, which stands in for
// replication.
type Config struct {
	Host         string
	Port         int
	State        *State
	Store        *cache.Cache
	Logger       *slog.Logger
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is one cluster node.
type Server struct {
	cfg   Config
	log   *slog.Logger
	state *State
	store *cache.Cache
	runID string

	listener net.Listener
	addr     string

	handlers map[string]handlerFunc

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	calls  map[string]int
	params map[string]string
	closed bool

	intercept atomic.Pointer[Interceptor]
	wg        sync.WaitGroup
}

// New creates a node. It does not listen until Listen or Start.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.State == nil {
		cfg.State = NewState()
	}
	if cfg.Store == nil {
		cfg.Store = cache.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		state: cfg.State,
		store: cfg.Store,
		runID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		conns: make(map[net.Conn]struct{}),
		calls: make(map[string]int),
	}
	s.params = map[string]string{
		"maxmemory":            "0",
		"timeout":              "0",
		"cluster-enabled":      "yes",
		"cluster-node-timeout": "15000",
	}
	s.handlers = s.buildHandlers()
	return s
}

// Listen binds the listener. After it returns Addr is valid.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()
	s.log = s.log.With(slog.String("node", s.addr))
	return nil
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections until Stop. It returns nil after Stop.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	s.log.Info("node listening", slog.String("run_id", s.runID))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", slog.Any("err", err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// Stop closes the listener and every open connection and waits for the
// connection goroutines to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the advertised host:port.
func (s *Server) Addr() string { return s.addr }

// RunID returns the node id reported by CLUSTER MYID.
func (s *Server) RunID() string { return s.runID }

// Store returns the node's keyspace.
func (s *Server) Store() *cache.Cache { return s.store }

// SetInterceptor installs fn; nil removes it.
func (s *Server) SetInterceptor(fn Interceptor) {
	if fn == nil {
		s.intercept.Store(nil)
		return
	}
	s.intercept.Store(&fn)
}

// Calls returns how many times the node received a command by name.
func (s *Server) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(name)]
}

// ResetCalls zeroes the call counters.
func (s *Server) ResetCalls() {
	s.mu.Lock()
	s.calls = make(map[string]int)
	s.mu.Unlock()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// session is per-connection state.
type session struct {
	asking bool
	tx     *transaction // open MULTI, if any
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.untrack(conn)
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("error closing connection", slog.Any("err", err))
		}
	}()

	sess := &session{}
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}

		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			return
		}

		resp := s.execute(sess, cmd)

		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return
		}
		if err := protocol.WriteResponse(conn, resp); err != nil {
			s.log.Debug("failed to write response", slog.Any("err", err))
			return
		}
	}
}

// execute runs one command with cluster checks applied.
func (s *Server) execute(sess *session, cmd *protocol.Command) *protocol.Response {
	cmd.Name = strings.ToUpper(cmd.Name)

	s.mu.Lock()
	s.calls[cmd.Name]++
	s.mu.Unlock()

	if fn := s.intercept.Load(); fn != nil {
		if resp := (*fn)(s.addr, cmd); resp != nil {
			return resp
		}
	}

	if cmd.Name == "ASKING" {
		sess.asking = true
		return protocol.OK()
	}
	asking := sess.asking
	sess.asking = false

	switch cmd.Name {
	case "MULTI":
		return s.multi(sess, asking)
	case "EXEC":
		return s.exec(sess)
	case "DISCARD":
		return s.discard(sess)
	}
	if sess.tx != nil {
		return s.queue(sess.tx, cmd.Argv())
	}

	argv := cmd.Argv()
	desc := command.Lookup(argv)
	if resp := s.checkCluster(desc, argv, asking); resp != nil {
		return resp
	}

	handler, ok := s.handlers[cmd.Name]
	if !ok {
		return unknownCommand(cmd.Name)
	}
	return handler(argv)
}

func unknownCommand(name string) *protocol.Response {
	return protocol.Errorf("ERR unknown command '%s'", strings.ToLower(name))
}

// checkCluster returns the redirection or error a cluster node sends
// instead of executing argv, or nil when the node may execute it.
func (s *Server) checkCluster(desc *command.Descriptor, argv []string, asking bool) *protocol.Response {
	snap := s.state.Snapshot()
	keys := desc.Keys(argv)

	if len(keys) == 0 {
		if desc.IsWrite() && snap != nil {
			if n, ok := snap.Node(s.addr); ok && !n.IsPrimary() {
				return protocol.Errorf("READONLY You can't write against a read only replica.")
			}
		}
		return nil
	}

	if snap == nil {
		return protocol.Errorf("CLUSTERDOWN Hash slot not served")
	}

	if !hash.SameSlot(keys...) {
		return protocol.Errorf("CROSSSLOT Keys in request don't hash to the same slot")
	}
	slot := hash.Slot(keys[0])

	owner := snap.ShardForSlot(slot)
	migratingTo, migrating := s.state.Migration(slot)

	if !snap.Serves(s.addr, slot) {
		if migrating && migratingTo == s.addr && asking {
			return nil
		}
		return protocol.Moved(slot, owner.Primary.Addr)
	}

	if desc.IsWrite() && owner.Primary.Addr != s.addr {
		return protocol.Moved(slot, owner.Primary.Addr)
	}

	if migrating && owner.Primary.Addr == s.addr && s.store.Exists(keys...) < len(keys) {
		return protocol.Ask(slot, migratingTo)
	}
	return nil
}
