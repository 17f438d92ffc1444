//go:build linux

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/angeloszaimis/sticky-lb/internal/bufpool"
	"github.com/angeloszaimis/sticky-lb/internal/metrics"
	"github.com/angeloszaimis/sticky-lb/internal/registry"
	"github.com/angeloszaimis/sticky-lb/internal/routekey"
)

// resumeInterval bounds how long accepting stays paused when buffers are
// freed by another loop.
const resumeInterval = 10 * time.Millisecond

type loop struct {
	id        int
	poller    *poller
	listeners map[int]*listener
	conns     *table
	// closed holds descriptors released during the current batch; their
	// remaining events are stale even if the number was reused
	closed map[int]struct{}

	routes    Routes
	router    Router
	pool      *bufpool.Pool
	extractor routekey.Extractor
	collector *metrics.Collector
	logger    *slog.Logger
	open      *atomic.Int64

	acceptBatch int
	paused      bool

	stopping atomic.Bool
	mutex    sync.Mutex
	done     bool
}

func (l *loop) addListener(ln *listener) error {
	if err := l.poller.add(ln.fd, eventRead); err != nil {
		return fmt.Errorf("register listener %s: %w", ln.addr, err)
	}
	l.listeners[ln.fd] = ln
	return nil
}

// stop asks the loop to exit. Safe to call from any goroutine, any number
// of times.
func (l *loop) stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.done {
		return
	}
	l.stopping.Store(true)
	if err := l.poller.wake(); err != nil {
		l.logger.Warn("Failed to wake loop", slog.Any("err", err))
	}
}

func (l *loop) run() error {
	defer l.shutdown()

	l.logger.Debug("Event loop started", slog.Int("listeners", len(l.listeners)))

	for !l.stopping.Load() {
		timeout := -1
		if l.paused {
			timeout = int(resumeInterval / time.Millisecond)
		}

		events, err := l.poller.wait(timeout)
		if err != nil {
			return fmt.Errorf("loop %d: %w", l.id, err)
		}

		clear(l.closed)
		for _, ev := range events {
			fd := int(ev.Fd)
			if _, stale := l.closed[fd]; stale {
				continue
			}

			if fd == l.poller.wakeFd {
				l.poller.drainWake()
				continue
			}

			if ln, ok := l.listeners[fd]; ok {
				l.acceptable(ln)
				continue
			}

			c, s, ok := l.conns.lookup(fd)
			if !ok {
				continue
			}
			l.dispatch(c, s, ev.Events)
		}

		l.maybeResume()
	}

	return nil
}

// shutdown closes listeners and forcibly closes every in-flight connection.
func (l *loop) shutdown() {
	l.mutex.Lock()
	l.done = true
	l.mutex.Unlock()

	l.conns.each(func(c *connState) {
		l.closeConn(c, "shutdown")
	})

	for fd := range l.listeners {
		if err := unix.Close(fd); err != nil {
			l.logger.Warn("Failed to close listener", slog.Any("err", err))
		}
	}

	if err := l.poller.close(); err != nil {
		l.logger.Warn("Failed to close poller", slog.Any("err", err))
	}

	l.logger.Debug("Event loop stopped")
}

func (l *loop) dispatch(c *connState, s side, events uint32) {
	if s == sideBackend && c.phase == phaseConnecting {
		l.connectable(c)
		return
	}

	if events&eventRead != 0 {
		l.readable(c, s)
	}
	if c.phase == phaseClosed {
		return
	}

	if events&eventWrite != 0 {
		l.writable(c, s)
	}
	if c.phase == phaseClosed {
		return
	}

	if events&eventError != 0 {
		l.closeConn(c, "hangup")
	}
}

// acceptable drains the accept queue of ln. A buffer is reserved before
// each accept so a connection is never taken without room to relay it.
func (l *loop) acceptable(ln *listener) {
	for i := 0; i < l.acceptBatch; i++ {
		buf, ok := l.pool.Acquire()
		if !ok {
			l.pauseAccepting()
			return
		}

		fd, client, err := accept(ln.fd)
		if err != nil {
			l.release(buf)
			if isTemporary(err) {
				return
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			l.logger.Warn("Accept failed", slog.String("listener", ln.name), slog.Any("err", err))
			return
		}

		l.openConn(ln, fd, client, buf)
	}
}

func (l *loop) openConn(ln *listener, fd int, client netip.AddrPort, buf *bufpool.Buffer) {
	c := newConnState(fd, client, ln, buf)
	l.conns.insert(c)
	l.conns.bind(fd, c.id, sideClient)
	l.open.Add(1)

	l.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventConnectionAccepted,
		Listener: ln.name,
	})

	l.logger.Debug("Connection accepted",
		slog.Int("conn", c.id),
		slog.String("client", client.String()),
		slog.String("listener", ln.name))

	if err := l.poller.add(fd, 0); err != nil {
		l.logger.Warn("Failed to register client", slog.Any("err", err))
		l.closeConn(c, "register")
		return
	}

	c.phase = phaseAwaitingRoute

	if ln.routeBy == registry.RouteByListener {
		key, ok := l.routes.Lookup(ln.name)
		if !ok {
			l.routingFailure(c, fmt.Errorf("%w: %q", registry.ErrNoBackend, ln.name))
			return
		}
		l.route(c, key)
		return
	}

	l.updateInterest(c)
}

func (l *loop) readable(c *connState, s side) {
	switch c.phase {
	case phaseAwaitingRoute:
		if s == sideClient {
			l.readRouting(c)
		}
	case phaseRelaying:
		l.relayRead(c, s)
	}
}

// readRouting buffers client bytes until the routing key can be extracted.
func (l *loop) readRouting(c *connState) {
	n, err := unix.Read(c.clientFd, c.up.space())
	if err != nil {
		if !isTemporary(err) {
			l.closeConn(c, "read")
		}
		return
	}
	if n == 0 {
		l.closeConn(c, "eof before route")
		return
	}

	c.up.commit(n)
	c.bytesIn += int64(n)

	key, err := l.findHost(c)
	if errors.Is(err, routekey.ErrIncomplete) && !c.up.full() {
		return
	}
	if err != nil {
		l.routingFailure(c, err)
		return
	}

	l.route(c, key)
}

// findHost extracts the routing key from the buffered bytes and maps it to
// its configured form.
func (l *loop) findHost(c *connState) (string, error) {
	key, err := l.extractor.Extract(c.up.pending())
	if err != nil {
		return "", err
	}

	canonical, ok := l.routes.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %q", registry.ErrNoBackend, key)
	}

	return canonical, nil
}

func (l *loop) route(c *connState, key string) {
	b, err := l.router.Resolve(c.client.Addr(), key)
	if err != nil {
		l.routingFailure(c, err)
		return
	}

	c.route = key
	c.backend = b

	l.collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventBackendSelected,
		Route:   key,
		Backend: b.Address(),
	})

	fd, connected, err := dial(b.TCPAddr())
	if err != nil {
		l.connectFailure(c, err)
		return
	}

	c.backendFd = fd
	b.IncrementConn()
	l.conns.bind(fd, c.id, sideBackend)

	if err := l.poller.add(fd, 0); err != nil {
		l.logger.Warn("Failed to register backend", slog.Any("err", err))
		l.closeConn(c, "register")
		return
	}

	if connected {
		l.established(c)
		return
	}

	c.phase = phaseConnecting
	l.updateInterest(c)
}

func (l *loop) connectable(c *connState) {
	if err := socketError(c.backendFd); err != nil {
		l.connectFailure(c, err)
		return
	}
	l.established(c)
}

func (l *loop) established(c *connState) {
	c.phase = phaseRelaying

	l.logger.Debug("Backend connected",
		slog.Int("conn", c.id),
		slog.String("route", c.route),
		slog.String("backend", c.backend.Address()))

	// bytes read while routing are flushed right away
	l.flush(c, sideBackend)
	if c.phase == phaseClosed {
		return
	}
	l.settle(c)
}

func (l *loop) relayRead(c *connState, s side) {
	fd, p, eof := c.clientFd, &c.up, &c.clientEOF
	if s == sideBackend {
		fd, p, eof = c.backendFd, &c.down, &c.backendEOF
	}

	if *eof || p.full() {
		l.settle(c)
		return
	}

	n, err := unix.Read(fd, p.space())
	if err != nil {
		if !isTemporary(err) {
			l.closeConn(c, s.String()+" read")
		}
		return
	}

	if n == 0 {
		*eof = true
	} else {
		p.commit(n)
		if s == sideClient {
			c.bytesIn += int64(n)
		} else {
			c.bytesOut += int64(n)
		}
	}

	// write straight away instead of waiting for the next readiness round
	if s == sideClient {
		l.flush(c, sideBackend)
	} else {
		l.flush(c, sideClient)
	}
	if c.phase == phaseClosed {
		return
	}

	l.settle(c)
}

func (l *loop) writable(c *connState, s side) {
	if c.phase != phaseRelaying {
		return
	}

	l.flush(c, s)
	if c.phase == phaseClosed {
		return
	}

	l.settle(c)
}

// flush writes the bytes pending towards destination s.
func (l *loop) flush(c *connState, s side) {
	fd, p := c.backendFd, &c.up
	if s == sideClient {
		fd, p = c.clientFd, &c.down
	}

	for !p.empty() {
		n, err := unix.Write(fd, p.pending())
		if err != nil {
			if !isTemporary(err) {
				l.closeConn(c, s.String()+" write")
			}
			return
		}
		p.consume(n)
	}
}

// settle closes a connection whose finished side has nothing left to
// deliver and otherwise refreshes its readiness interests.
func (l *loop) settle(c *connState) {
	if (c.clientEOF && c.up.empty()) || (c.backendEOF && c.down.empty()) {
		l.closeConn(c, "eof")
		return
	}
	l.updateInterest(c)
}

func (l *loop) updateInterest(c *connState) {
	var client, upstream uint32

	switch c.phase {
	case phaseAwaitingRoute:
		client = eventRead
	case phaseConnecting:
		upstream = eventWrite
	case phaseRelaying:
		if !c.clientEOF && !c.up.full() {
			client |= eventRead
		}
		if !c.down.empty() {
			client |= eventWrite
		}
		if !c.backendEOF && !c.down.full() {
			upstream |= eventRead
		}
		if !c.up.empty() {
			upstream |= eventWrite
		}
	}

	if client != c.clientEvents {
		if err := l.poller.modify(c.clientFd, client); err != nil {
			l.logger.Warn("Failed to update client interest", slog.Any("err", err))
		}
		c.clientEvents = client
	}

	if c.backendFd >= 0 && upstream != c.backendEvents {
		if err := l.poller.modify(c.backendFd, upstream); err != nil {
			l.logger.Warn("Failed to update backend interest", slog.Any("err", err))
		}
		c.backendEvents = upstream
	}
}

func (l *loop) routingFailure(c *connState, cause error) {
	err := fmt.Errorf("%w: %w", ErrRouting, cause)

	l.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventRoutingFailed,
		Listener: c.listener.name,
	})

	l.logger.Debug("Routing failed",
		slog.Int("conn", c.id),
		slog.String("client", c.client.String()),
		slog.Any("err", err))

	l.closeConn(c, "routing")
}

func (l *loop) connectFailure(c *connState, err error) {
	l.collector.Emit(metrics.MetricEvent{
		Type:    metrics.EventConnectFailed,
		Route:   c.route,
		Backend: c.backend.Address(),
	})

	l.logger.Warn("Backend connect failed",
		slog.String("route", c.route),
		slog.String("backend", c.backend.Address()),
		slog.Any("err", err))

	l.closeConn(c, "connect")
}

func (l *loop) closeConn(c *connState, reason string) {
	if err := l.close(c); err != nil {
		l.logger.Debug("Close reported errors",
			slog.Int("conn", c.id),
			slog.String("reason", reason),
			slog.Any("err", err))
	}
}

// close tears a connection down. Calling it again is a no-op, so the
// buffer goes back to the pool exactly once.
func (l *loop) close(c *connState) error {
	if c.phase == phaseClosed {
		return nil
	}
	c.phase = phaseClosed

	var errs error

	for _, fd := range []int{c.clientFd, c.backendFd} {
		if fd < 0 {
			continue
		}
		errs = multierr.Append(errs, l.poller.remove(fd))
		errs = multierr.Append(errs, unix.Close(fd))
		l.conns.unbind(fd)
		if l.closed != nil {
			l.closed[fd] = struct{}{}
		}
	}

	if c.backendFd >= 0 {
		c.backend.DecrementConn()
	}
	c.clientFd, c.backendFd = -1, -1

	if c.buf != nil {
		errs = multierr.Append(errs, l.pool.Release(c.buf))
		c.buf = nil
	}

	l.conns.remove(c.id)
	l.open.Add(-1)

	event := metrics.MetricEvent{
		Type:     metrics.EventConnectionClosed,
		Listener: c.listener.name,
		Route:    c.route,
		Duration: time.Since(c.opened),
		BytesIn:  c.bytesIn,
		BytesOut: c.bytesOut,
	}
	if c.backend != nil {
		event.Backend = c.backend.Address()
	}
	l.collector.Emit(event)

	l.maybeResume()

	return errs
}

func (l *loop) release(buf *bufpool.Buffer) {
	if err := l.pool.Release(buf); err != nil {
		l.logger.Error("Buffer release failed", slog.Any("err", err))
	}
}

// pauseAccepting stops watching the listeners until a buffer frees up.
func (l *loop) pauseAccepting() {
	if l.paused {
		return
	}
	l.paused = true

	for fd := range l.listeners {
		if err := l.poller.modify(fd, 0); err != nil {
			l.logger.Warn("Failed to pause listener", slog.Any("err", err))
		}
	}

	l.collector.Emit(metrics.MetricEvent{Type: metrics.EventPoolExhausted})
	l.logger.Debug("Buffer pool exhausted, accepting paused", slog.Int("in_use", l.pool.InUse()))
}

func (l *loop) maybeResume() {
	if !l.paused || l.pool.Available() == 0 || l.stopping.Load() {
		return
	}
	l.paused = false

	for fd := range l.listeners {
		if err := l.poller.modify(fd, eventRead); err != nil {
			l.logger.Warn("Failed to resume listener", slog.Any("err", err))
		}
	}

	l.logger.Debug("Accepting resumed", slog.Int("available", l.pool.Available()))
}
