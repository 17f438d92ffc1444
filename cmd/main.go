package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/sticky-lb/config"
	"github.com/angeloszaimis/sticky-lb/internal/bufpool"
	"github.com/angeloszaimis/sticky-lb/internal/history"
	"github.com/angeloszaimis/sticky-lb/internal/httpserver"
	"github.com/angeloszaimis/sticky-lb/internal/metrics"
	"github.com/angeloszaimis/sticky-lb/internal/registry"
	"github.com/angeloszaimis/sticky-lb/internal/server"
	"github.com/angeloszaimis/sticky-lb/pkg/logger"
)

const metricsBufferSize = 4096

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the config file (default: config.yaml in ./config or .)")
	pflag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize load balancer", slog.Any("err", err))
		os.Exit(1)
	}

	if err := a.run(ctx); err != nil {
		log.Error("Load balancer stopped with error", slog.Any("err", err))
		os.Exit(1)
	}

	log.Info("Shut down gracefully")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

type app struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *registry.Registry
	history   *history.History
	pool      *bufpool.Pool
	collector *metrics.Collector
	server    *server.Server
	admin     *httpserver.Server
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	sizing := reg.PoolSizing()
	pool, err := bufpool.New(sizing.Count, sizing.Size)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer pool: %w", err)
	}

	hist, err := history.New(reg, history.Options{
		Enabled:    cfg.History.Enabled,
		MaxEntries: cfg.History.MaxEntries,
		Stripes:    cfg.History.Stripes,
	})
	if err != nil {
		return nil, fmt.Errorf("create history: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := metrics.NewCollector(metricsBufferSize, log.With("component", "metrics"), promRegistry)

	srv := server.New(reg, hist, pool, collector, log, server.Options{
		Listeners:  reg.Listeners(),
		EventLoops: cfg.Server.EventLoops,
	})

	gauges := []struct {
		name, help string
		fn         func() float64
	}{
		{"buffers_in_use", "Relay buffers currently owned by connections", func() float64 { return float64(pool.InUse()) }},
		{"buffers_capacity", "Relay buffers in the pool", func() float64 { return float64(pool.Cap()) }},
		{"history_entries", "Client to backend assignments held in the routing history", func() float64 { return float64(hist.Len()) }},
		{"open_connections", "Client connections currently open", func() float64 { return float64(srv.Connections()) }},
	}
	for _, g := range gauges {
		if err := collector.RegisterGauge(g.name, g.help, g.fn); err != nil {
			return nil, fmt.Errorf("register gauge %s: %w", g.name, err)
		}
	}

	a := &app{
		cfg:       cfg,
		log:       log,
		registry:  reg,
		history:   hist,
		pool:      pool,
		collector: collector,
		server:    srv,
	}

	if cfg.Server.AdminAddress != "" {
		router := setupRouter(promRegistry, collector, cfg.Strategy.Type)
		admin, err := httpserver.New(cfg.Server.AdminAddress, router, log)
		if err != nil {
			return nil, fmt.Errorf("create admin server: %w", err)
		}
		if err := admin.Listen(); err != nil {
			return nil, err
		}
		a.admin = admin
	}

	log.Info("Load balancer configured",
		slog.Int("routes", len(reg.Keys())),
		slog.String("strategy", cfg.Strategy.Type),
		slog.Bool("history", hist.Enabled()),
		slog.Int("event_loops", cfg.Server.EventLoops))

	return a, nil
}

// run serves until ctx is cancelled or a component fails, then stops the
// rest.
func (a *app) run(ctx context.Context) error {
	a.collector.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start(gctx)
	})

	if a.admin != nil {
		g.Go(func() error {
			return a.admin.Run(gctx)
		})
	}

	return g.Wait()
}
