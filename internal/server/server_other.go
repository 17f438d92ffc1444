//go:build !linux

package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/angeloszaimis/sticky-lb/internal/bufpool"
	"github.com/angeloszaimis/sticky-lb/internal/metrics"
)

type Server struct {
	ready chan struct{}
}

func New(routes Routes, router Router, pool *bufpool.Pool, collector *metrics.Collector, logger *slog.Logger, opts Options) *Server {
	return &Server{ready: make(chan struct{})}
}

// Start always fails: the relay engine is built on epoll.
func (s *Server) Start(ctx context.Context) error {
	return ErrUnsupportedPlatform
}

func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) Addrs() []net.Addr {
	return nil
}

func (s *Server) Connections() int64 {
	return 0
}
