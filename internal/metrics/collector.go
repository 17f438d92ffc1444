package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventConnectionAccepted EventType = "connection_accepted"
	EventBackendSelected    EventType = "backend_selected"
	EventConnectionClosed   EventType = "connection_closed"
	EventRoutingFailed      EventType = "routing_failed"
	EventConnectFailed      EventType = "connect_failed"
	EventPoolExhausted      EventType = "pool_exhausted"
)

type MetricEvent struct {
	Type      EventType
	Timestamp time.Time
	Listener  string
	Route     string
	Backend   string
	Duration  time.Duration
	// BytesIn counts client to backend bytes, BytesOut backend to client.
	BytesIn  int64
	BytesOut int64
}

type Collector struct {
	eventCh  chan MetricEvent
	metrics  *Metrics
	exporter *exporter
	logger   *slog.Logger
	dropped  atomic.Int64
}

// NewCollector creates a collector whose Prometheus collectors are registered
// on reg. A nil reg keeps the JSON view only.
func NewCollector(bufferSize int, logger *slog.Logger, reg prometheus.Registerer) *Collector {
	c := &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}

	if reg != nil {
		c.exporter = newExporter(reg)
	}

	return c
}

// Emit queues event without blocking. Events are dropped when the queue is full.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventConnectionAccepted:
		c.metrics.IncrementAccepted()

	case EventBackendSelected:
		c.metrics.RecordBackendSelection(event.Backend)

	case EventConnectionClosed:
		c.metrics.RecordConnection(event.Backend, event.Duration, event.BytesIn, event.BytesOut)

	case EventRoutingFailed:
		c.metrics.IncrementRoutingFailures()

	case EventConnectFailed:
		c.metrics.RecordConnectFailure(event.Backend)

	case EventPoolExhausted:
		c.metrics.IncrementPoolExhausted()
	}

	if c.exporter != nil {
		c.exporter.observe(event)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

// RegisterGauge exposes fn as a Prometheus gauge sampled at scrape time.
func (c *Collector) RegisterGauge(name, help string, fn func() float64) error {
	if c.exporter == nil {
		return nil
	}
	return c.exporter.registerGauge(name, help, fn)
}

func (c *Collector) Snapshot(algorithm string) Snapshot {
	return c.metrics.Snapshot(algorithm)
}
