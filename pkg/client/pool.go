package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

var errPoolClosed = errors.New("connection pool closed")

// connPool manages the connections to a single node.
//
// Connections are created on demand up to maxConns and reused afterwards.
// A connection is used by one sub-call at a time: Get hands it out
// exclusively, Put returns it, Discard drops it after an I/O error.
type connPool struct {
	conns       chan net.Conn
	address     string
	connTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex // protects created and closed
	maxConns int
	created  int
	closed   bool
}

func newConnPool(address string, maxConns int, connTimeout time.Duration, log *slog.Logger) *connPool {
	return &connPool{
		conns:       make(chan net.Conn, maxConns),
		address:     address,
		connTimeout: connTimeout,
		log:         log,
		maxConns:    maxConns,
	}
}

// Get obtains a connection, dialing a new one while below the limit and
// otherwise waiting for one to be returned.
func (p *connPool) Get(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-p.conns:
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if p.created < p.maxConns {
		p.created++
		p.mu.Unlock()

		dialer := &net.Dialer{Timeout: p.connTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.address)
		if err != nil {
			p.release()
			return nil, err
		}
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.connTimeout)
	defer timer.Stop()
	select {
	case conn := <-p.conns:
		return conn, nil
	case <-timer.C:
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a healthy connection for reuse. Connections returned to a
// closed or full pool are closed.
func (p *connPool) Put(conn net.Conn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.Discard(conn)
		return
	}

	select {
	case p.conns <- conn:
	default:
		p.Discard(conn)
	}
}

// Discard closes conn and frees its slot.
func (p *connPool) Discard(conn net.Conn) {
	if err := conn.Close(); err != nil {
		p.log.Debug("close connection", slog.String("node", p.address), slog.Any("error", err))
	}
	p.release()
}

func (p *connPool) release() {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()
}

// Close closes every idle connection. Connections in use are closed when
// they are returned.
func (p *connPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case conn := <-p.conns:
			p.Discard(conn)
		default:
			return
		}
	}
}
