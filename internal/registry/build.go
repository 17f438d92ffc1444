package registry

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/angeloszaimis/sticky-lb/config"
	"github.com/angeloszaimis/sticky-lb/internal/backend"
	"github.com/angeloszaimis/sticky-lb/internal/strategy"
)

// FromConfig builds a registry from a validated configuration. Every backend
// address is resolved here; all resolution failures are reported together.
func FromConfig(cfg *config.Config) (*Registry, error) {
	factory, err := strategy.NewFactory(cfg.Strategy.Type)
	if err != nil {
		return nil, err
	}

	r := New(factory)
	r.SetPoolSizing(cfg.BufferPool.Count, cfg.BufferPool.Size)

	for _, l := range cfg.Server.Listeners {
		r.AddListener(Listener{Address: l.Address, RouteBy: l.RouteBy})
	}

	var errs error
	for _, rc := range cfg.Routes {
		for _, address := range rc.Backends {
			b, err := backend.New(address)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("route %q: %w", rc.Key, err))
				continue
			}
			r.Register(rc.Key, b)
		}
	}

	if errs != nil {
		return nil, errs
	}

	return r, nil
}
