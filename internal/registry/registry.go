package registry

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/angeloszaimis/sticky-lb/config"
	"github.com/angeloszaimis/sticky-lb/internal/backend"
	"github.com/angeloszaimis/sticky-lb/internal/strategy"
)

// ErrNoBackend signals that no backend is configured for a routing key.
var ErrNoBackend = errors.New("no backend available")

const (
	RouteByHost     = config.RouteByHost
	RouteByListener = config.RouteByListener
)

// Listener is a bind address together with the way its connections are routed.
type Listener struct {
	Address string
	RouteBy string
}

// PoolSizing describes the relay buffer pool.
type PoolSizing struct {
	Count int
	Size  int
}

type route struct {
	backends []*backend.Backend
	strategy strategy.Strategy
}

type Registry struct {
	mutex       sync.RWMutex
	routes      map[string]*route
	newStrategy strategy.Factory
	listeners   []Listener
	pool        PoolSizing
}

// New creates an empty registry. Every routing key gets its own strategy
// instance built by newStrategy; nil selects uniform random selection.
func New(newStrategy strategy.Factory) *Registry {
	if newStrategy == nil {
		newStrategy = strategy.NewRandomStrategy
	}

	return &Registry{
		routes:      make(map[string]*route),
		newStrategy: newStrategy,
	}
}

// Register adds b as a candidate for key. Registering the same address twice
// under one key is a no-op.
func (r *Registry) Register(key string, b *backend.Backend) {
	key = normalizeKey(key)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	rt, ok := r.routes[key]
	if !ok {
		rt = &route{strategy: r.newStrategy()}
		r.routes[key] = rt
	}

	for _, existing := range rt.backends {
		if existing.Address() == b.Address() {
			return
		}
	}

	rt.backends = append(rt.backends, b)
}

// Select picks a backend for key using the key's strategy.
func (r *Registry) Select(key string) (*backend.Backend, error) {
	key = normalizeKey(key)

	// held across selection: Register may grow the candidate slice
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rt, ok := r.routes[key]
	if !ok || len(rt.backends) == 0 {
		return nil, fmt.Errorf("route %q: %w", key, ErrNoBackend)
	}

	chosen := rt.strategy.SelectBackend(rt.backends)
	if chosen == nil {
		return nil, fmt.Errorf("route %q: strategy returned nil backend: %w", key, ErrNoBackend)
	}

	return chosen, nil
}

// Lookup returns the configured key matching key. A host:port key falls back
// to the bare host when only the host is configured.
func (r *Registry) Lookup(key string) (string, bool) {
	key = normalizeKey(key)

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if rt, ok := r.routes[key]; ok && len(rt.backends) > 0 {
		return key, true
	}

	host, _, err := net.SplitHostPort(key)
	if err != nil {
		return "", false
	}

	if rt, ok := r.routes[host]; ok && len(rt.backends) > 0 {
		return host, true
	}

	return "", false
}

// Backends returns a copy of the candidates registered for key.
func (r *Registry) Backends(key string) []*backend.Backend {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rt, ok := r.routes[normalizeKey(key)]
	if !ok {
		return nil
	}

	out := make([]*backend.Backend, len(rt.backends))
	copy(out, rt.backends)
	return out
}

// Keys returns the configured routing keys in sorted order.
func (r *Registry) Keys() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	keys := make([]string, 0, len(r.routes))
	for key := range r.routes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AddListener appends a listening address.
func (r *Registry) AddListener(l Listener) {
	if l.RouteBy == "" {
		l.RouteBy = RouteByHost
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.listeners = append(r.listeners, l)
}

// Listeners returns a copy of the listening addresses.
func (r *Registry) Listeners() []Listener {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Listener, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// SetPoolSizing records the buffer pool count and per-buffer size.
func (r *Registry) SetPoolSizing(count, size int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.pool = PoolSizing{Count: count, Size: size}
}

// PoolSizing returns the buffer pool count and per-buffer size.
func (r *Registry) PoolSizing() PoolSizing {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.pool
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
