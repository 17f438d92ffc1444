//go:build linux

package server

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/sticky-lb/internal/bufpool"
	"github.com/angeloszaimis/sticky-lb/internal/metrics"
)

type Server struct {
	routes    Routes
	router    Router
	pool      *bufpool.Pool
	collector *metrics.Collector
	logger    *slog.Logger
	opts      Options

	open  atomic.Int64
	ready chan struct{}

	mutex sync.RWMutex
	addrs []net.Addr
}

// New creates a relay server. collector may be nil.
func New(routes Routes, router Router, pool *bufpool.Pool, collector *metrics.Collector, logger *slog.Logger, opts Options) *Server {
	return &Server{
		routes:    routes,
		router:    router,
		pool:      pool,
		collector: collector,
		logger:    logger.With("component", "server"),
		opts:      opts.withDefaults(),
		ready:     make(chan struct{}),
	}
}

// Start binds every listener on every event loop and runs the loops until
// ctx is cancelled. Bind failures are returned before any loop runs.
func (s *Server) Start(ctx context.Context) error {
	loops, err := s.bind()
	if err != nil {
		return err
	}

	s.logger.Info("Relay server started",
		slog.Int("event_loops", len(loops)),
		slog.String("listeners", s.describeAddrs()),
		slog.Int("buffers", s.pool.Cap()),
		slog.Int("buffer_size", s.pool.Size()))
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range loops {
		g.Go(l.run)
	}

	g.Go(func() error {
		<-gctx.Done()
		for _, l := range loops {
			l.stop()
		}
		return nil
	})

	err = g.Wait()
	s.logger.Info("Relay server stopped")

	return err
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the bound address of each configured listener, in
// configuration order. Ports requested as 0 are resolved.
func (s *Server) Addrs() []net.Addr {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]net.Addr(nil), s.addrs...)
}

// Connections returns the number of connections currently held open.
func (s *Server) Connections() int64 {
	return s.open.Load()
}

func (s *Server) bind() ([]*loop, error) {
	if len(s.opts.Listeners) == 0 {
		return nil, ErrNoListeners
	}

	loops := make([]*loop, 0, s.opts.EventLoops)
	reusePort := s.opts.EventLoops > 1

	cleanup := func(err error) ([]*loop, error) {
		for _, l := range loops {
			for fd := range l.listeners {
				err = multierr.Append(err, unix.Close(fd))
			}
			err = multierr.Append(err, l.poller.close())
		}
		return nil, err
	}

	// loops after the first bind the address the first one resolved, so a
	// port of 0 is shared by all of them
	addresses := make([]string, len(s.opts.Listeners))
	for i, cfg := range s.opts.Listeners {
		addresses[i] = cfg.Address
	}
	bound := make([]net.Addr, len(s.opts.Listeners))

	for i := 0; i < s.opts.EventLoops; i++ {
		p, err := newPoller(s.opts.MaxEvents)
		if err != nil {
			return cleanup(err)
		}

		l := &loop{
			id:          i,
			poller:      p,
			listeners:   make(map[int]*listener),
			conns:       newTable(),
			closed:      make(map[int]struct{}),
			routes:      s.routes,
			router:      s.router,
			pool:        s.pool,
			extractor:   s.opts.Extractor,
			collector:   s.collector,
			logger:      s.logger.With("loop", i),
			open:        &s.open,
			acceptBatch: s.opts.AcceptBatch,
		}
		loops = append(loops, l)

		for j, cfg := range s.opts.Listeners {
			fd, addr, err := listenTCP(addresses[j], reusePort)
			if err != nil {
				return cleanup(err)
			}

			ln := &listener{
				fd:      fd,
				addr:    addr,
				name:    cfg.Address,
				routeBy: cfg.RouteBy,
			}
			if err := l.addListener(ln); err != nil {
				unix.Close(fd)
				return cleanup(err)
			}

			if i == 0 {
				addresses[j] = addr.String()
				bound[j] = addr
			}
		}
	}

	s.mutex.Lock()
	s.addrs = bound
	s.mutex.Unlock()

	return loops, nil
}

func (s *Server) describeAddrs() string {
	addrs := s.Addrs()
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

