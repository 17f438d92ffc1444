package server

import (
	"net"
	"net/netip"
	"time"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
	"github.com/angeloszaimis/sticky-lb/internal/bufpool"
)

type phase uint8

const (
	phaseAccepted phase = iota
	phaseAwaitingRoute
	phaseConnecting
	phaseRelaying
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phaseAccepted:
		return "accepted"
	case phaseAwaitingRoute:
		return "awaiting_route"
	case phaseConnecting:
		return "connecting_backend"
	case phaseRelaying:
		return "relaying"
	case phaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// listener is a bound listening socket owned by one loop. name is the
// configured address, which is also the routing key in listener mode.
type listener struct {
	fd      int
	addr    *net.TCPAddr
	name    string
	routeBy string
}

type side uint8

const (
	sideClient side = iota
	sideBackend
)

func (s side) String() string {
	if s == sideClient {
		return "client"
	}
	return "backend"
}

// pipe is one direction of a relay: bytes in buf[start:end] are waiting to
// be written to the destination socket.
type pipe struct {
	buf        []byte
	start, end int
}

func newPipe(buf []byte) pipe {
	return pipe{buf: buf}
}

// space returns the writable tail, compacting pending bytes to the front
// when the tail is exhausted.
func (p *pipe) space() []byte {
	if p.start == p.end {
		p.start, p.end = 0, 0
	}
	if p.end == len(p.buf) && p.start > 0 {
		p.end = copy(p.buf, p.buf[p.start:p.end])
		p.start = 0
	}
	return p.buf[p.end:]
}

func (p *pipe) commit(n int) {
	p.end += n
}

func (p *pipe) pending() []byte {
	return p.buf[p.start:p.end]
}

func (p *pipe) consume(n int) {
	p.start += n
	if p.start == p.end {
		p.start, p.end = 0, 0
	}
}

func (p *pipe) empty() bool {
	return p.start == p.end
}

func (p *pipe) full() bool {
	return p.end-p.start == len(p.buf)
}

// connState is everything a loop knows about one client connection.
type connState struct {
	id        int
	clientFd  int
	backendFd int
	client    netip.AddrPort
	listener  *listener

	buf *bufpool.Buffer
	// up carries client bytes to the backend, down the reverse.
	up   pipe
	down pipe

	phase   phase
	route   string
	backend *backend.Backend

	clientEOF  bool
	backendEOF bool

	clientEvents  uint32
	backendEvents uint32

	bytesIn  int64
	bytesOut int64
	opened   time.Time
}

func newConnState(fd int, client netip.AddrPort, ln *listener, buf *bufpool.Buffer) *connState {
	data := buf.Bytes()
	half := len(data) / 2

	return &connState{
		clientFd:  fd,
		backendFd: -1,
		client:    client,
		listener:  ln,
		buf:       buf,
		up:        newPipe(data[:half:half]),
		down:      newPipe(data[half:]),
		phase:     phaseAccepted,
		opened:    time.Now(),
	}
}

type fdRef struct {
	id   int
	side side
}

// table is an arena of connection states addressed by slot id, with an
// index from socket descriptor to owning slot.
type table struct {
	slots []*connState
	free  []int
	byFd  map[int]fdRef
	count int
}

func newTable() *table {
	return &table{byFd: make(map[int]fdRef)}
}

func (t *table) insert(c *connState) int {
	var id int
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[id] = c
	} else {
		id = len(t.slots)
		t.slots = append(t.slots, c)
	}

	c.id = id
	t.count++
	return id
}

func (t *table) get(id int) *connState {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

func (t *table) remove(id int) {
	if t.get(id) == nil {
		return
	}
	t.slots[id] = nil
	t.free = append(t.free, id)
	t.count--
}

func (t *table) bind(fd, id int, s side) {
	t.byFd[fd] = fdRef{id: id, side: s}
}

func (t *table) unbind(fd int) {
	delete(t.byFd, fd)
}

func (t *table) lookup(fd int) (*connState, side, bool) {
	ref, ok := t.byFd[fd]
	if !ok {
		return nil, 0, false
	}
	c := t.get(ref.id)
	if c == nil {
		return nil, 0, false
	}
	return c, ref.side, true
}

func (t *table) len() int {
	return t.count
}

// each visits live connections. fn may remove the visited connection.
func (t *table) each(fn func(*connState)) {
	for _, c := range t.slots {
		if c != nil {
			fn(c)
		}
	}
}
