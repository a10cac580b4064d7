// Package connection keeps one shared gRPC client connection per remote
// bridge address, so every session opened by a process reuses the same
// HTTP/2 transport.
package connection

import (
	"errors"
	"fmt"
	"sync"

	"google.golang.org/grpc"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

// Dialer opens a client connection to address.
type Dialer func(address string, opts ...grpc.DialOption) (*grpc.ClientConn, error)

// ConnectionPoolManager manages one *grpc.ClientConn per address.
type ConnectionPoolManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	dial   Dialer
	opts   []grpc.DialOption
	closed bool
}

// NewConnectionPoolManager creates a manager that dials new addresses with
// grpc.NewClient and opts.
func NewConnectionPoolManager(opts ...grpc.DialOption) *ConnectionPoolManager {
	return NewConnectionPoolManagerWithDialer(grpc.NewClient, opts...)
}

func NewConnectionPoolManagerWithDialer(dial Dialer, opts ...grpc.DialOption) *ConnectionPoolManager {
	return &ConnectionPoolManager{
		conns: make(map[string]*grpc.ClientConn),
		dial:  dial,
		opts:  opts,
	}
}

// Get returns the connection for address, creating it on first use.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if m.closed {
		return nil, ErrPoolClosed
	}
	if conn, ok := m.conns[address]; ok {
		return conn, nil
	}
	conn, err := m.dial(address, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Evict closes and forgets the connection for address.
func (m *ConnectionPoolManager) Evict(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Len is the number of pooled connections.
func (m *ConnectionPoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close shuts down every pooled connection.
func (m *ConnectionPoolManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
	m.mu.Unlock()

	var errs []error
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
