package server

import (
	"net/netip"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
	"github.com/angeloszaimis/sticky-lb/internal/registry"
	"github.com/angeloszaimis/sticky-lb/internal/routekey"
)

const (
	defaultAcceptBatch = 64
	defaultMaxEvents   = 256
)

// Router resolves the backend for a client on a routing key.
type Router interface {
	Resolve(client netip.Addr, route string) (*backend.Backend, error)
}

// Routes maps a sniffed routing key to its configured form.
type Routes interface {
	Lookup(key string) (string, bool)
}

type Options struct {
	Listeners  []registry.Listener
	EventLoops int

	// Extractor finds the routing key in the first bytes of host-routed
	// connections. Defaults to the HTTP Host header.
	Extractor routekey.Extractor

	AcceptBatch int
	MaxEvents   int
}

func (o Options) withDefaults() Options {
	if o.EventLoops < 1 {
		o.EventLoops = 1
	}
	if o.Extractor == nil {
		o.Extractor = routekey.HTTPHost
	}
	if o.AcceptBatch < 1 {
		o.AcceptBatch = defaultAcceptBatch
	}
	if o.MaxEvents < 1 {
		o.MaxEvents = defaultMaxEvents
	}
	return o
}
