package history

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
)

// Selector picks a candidate backend for a routing key on first contact.
type Selector interface {
	Select(key string) (*backend.Backend, error)
}

// Key identifies a history entry. Only the client IP takes part so that
// successive connections from one host stay on the same backend.
type Key struct {
	Client netip.Addr
	Route  string
}

type Options struct {
	Enabled    bool
	MaxEntries int
	Stripes    int
}

type stripe struct {
	mutex   sync.Mutex
	entries *simplelru.LRU
}

type History struct {
	selector Selector
	enabled  bool
	stripes  []*stripe
}

// New builds a routing history backed by selector.
func New(selector Selector, opts Options) (*History, error) {
	if opts.Stripes < 1 {
		opts.Stripes = 1
	}
	if opts.MaxEntries < opts.Stripes {
		opts.MaxEntries = opts.Stripes
	}

	h := &History{
		selector: selector,
		enabled:  opts.Enabled,
		stripes:  make([]*stripe, opts.Stripes),
	}

	perStripe := opts.MaxEntries / opts.Stripes
	for i := range h.stripes {
		entries, err := simplelru.NewLRU(perStripe, nil)
		if err != nil {
			return nil, fmt.Errorf("history stripe: %w", err)
		}
		h.stripes[i] = &stripe{entries: entries}
	}

	return h, nil
}

// Resolve returns the backend bound to (client, route), binding one chosen by
// the selector on first contact. Selection failures create no entry.
func (h *History) Resolve(client netip.Addr, route string) (*backend.Backend, error) {
	if !h.enabled {
		return h.selector.Select(route)
	}

	key := Key{Client: client.Unmap(), Route: route}
	s := h.stripeFor(key)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if v, ok := s.entries.Get(key); ok {
		return v.(*backend.Backend), nil
	}

	chosen, err := h.selector.Select(route)
	if err != nil {
		return nil, err
	}

	s.entries.Add(key, chosen)
	return chosen, nil
}

// Lookup returns the bound backend without creating an entry or touching
// recency.
func (h *History) Lookup(client netip.Addr, route string) (*backend.Backend, bool) {
	key := Key{Client: client.Unmap(), Route: route}
	s := h.stripeFor(key)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	v, ok := s.entries.Peek(key)
	if !ok {
		return nil, false
	}
	return v.(*backend.Backend), true
}

// Len returns the number of entries across all stripes.
func (h *History) Len() int {
	total := 0
	for _, s := range h.stripes {
		s.mutex.Lock()
		total += s.entries.Len()
		s.mutex.Unlock()
	}
	return total
}

// Enabled reports whether resolutions are recorded.
func (h *History) Enabled() bool {
	return h.enabled
}

func (h *History) stripeFor(key Key) *stripe {
	if len(h.stripes) == 1 {
		return h.stripes[0]
	}

	addr := key.Client.As16()
	sum := xxhash.Sum64(addr[:])
	sum ^= xxhash.Sum64String(key.Route) + 0x9e3779b97f4a7c15 + (sum << 6) + (sum >> 2)
	return h.stripes[sum%uint64(len(h.stripes))]
}
