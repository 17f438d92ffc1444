package backend

import (
	"fmt"
	"net"
	"sync"
)

// Backend represents an upstream TCP server with active connection tracking.
type Backend struct {
	address           string
	tcpAddr           *net.TCPAddr
	mutex             sync.Mutex
	activeConnections int
}

// New resolves address (host:port) and returns a Backend for it.
// Name resolution happens here so the event loop never blocks on DNS.
func New(address string) (*Backend, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve backend %q: %w", address, err)
	}

	if tcpAddr.Port == 0 {
		return nil, fmt.Errorf("resolve backend %q: port is required", address)
	}

	return &Backend{
		address: address,
		tcpAddr: tcpAddr,
	}, nil
}

// Address returns the configured host:port of the backend.
func (b *Backend) Address() string {
	return b.address
}

// TCPAddr returns the address resolved at construction time.
func (b *Backend) TCPAddr() *net.TCPAddr {
	return b.tcpAddr
}

// String implements fmt.Stringer.
func (b *Backend) String() string {
	return b.address
}

// IncrementConn increments the active connection count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the active connection count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the current number of active connections.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}
