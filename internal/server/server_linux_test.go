//go:build linux

package server_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
	"github.com/angeloszaimis/sticky-lb/internal/bufpool"
	"github.com/angeloszaimis/sticky-lb/internal/history"
	"github.com/angeloszaimis/sticky-lb/internal/registry"
	"github.com/angeloszaimis/sticky-lb/internal/server"
	"github.com/angeloszaimis/sticky-lb/pkg/logger"
)

type echoBackend struct {
	ln       net.Listener
	accepted atomic.Int64
}

func startEcho() *echoBackend {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	e := &echoBackend{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			e.accepted.Add(1)
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()

	DeferCleanup(func() { ln.Close() })
	return e
}

func (e *echoBackend) backend() *backend.Backend {
	b, err := backend.New(e.ln.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	return b
}

type harness struct {
	srv  *server.Server
	done chan struct{}
	err  error
	stop context.CancelFunc
}

func startServer(reg *registry.Registry, pool *bufpool.Pool, opts server.Options) *harness {
	hist, err := history.New(reg, history.Options{Enabled: true, MaxEntries: 1024, Stripes: 4})
	Expect(err).NotTo(HaveOccurred())

	srv := server.New(reg, hist, pool, nil, logger.Discard(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{srv: srv, done: make(chan struct{}), stop: cancel}

	go func() {
		h.err = srv.Start(ctx)
		close(h.done)
	}()

	Eventually(srv.Ready()).Should(BeClosed())
	DeferCleanup(func() {
		cancel()
		Eventually(h.done, 5*time.Second).Should(BeClosed())
	})

	return h
}

func (h *harness) dial(i int) net.Conn {
	conn, err := net.DialTimeout("tcp", h.srv.Addrs()[i].String(), 2*time.Second)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { conn.Close() })
	return conn
}

func request(host, body string) []byte {
	return []byte("POST /echo HTTP/1.1\r\nHost: " + host + "\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body)
}

func roundTrip(conn net.Conn, payload []byte) []byte {
	_, err := conn.Write(payload)
	Expect(err).NotTo(HaveOccurred())

	Expect(conn.SetReadDeadline(time.Now().Add(3 * time.Second))).To(Succeed())
	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	Expect(err).NotTo(HaveOccurred())
	return got
}

func expectClosed(conn net.Conn) {
	Expect(conn.SetReadDeadline(time.Now().Add(3 * time.Second))).To(Succeed())
	_, err := io.ReadAll(conn)

	var netErr net.Error
	if errors.As(err, &netErr) {
		Expect(netErr.Timeout()).To(BeFalse(), "connection was left open")
	}
}

func hostListener() []registry.Listener {
	return []registry.Listener{{Address: "127.0.0.1:0", RouteBy: registry.RouteByHost}}
}

var _ = Describe("Server", func() {
	var (
		reg  *registry.Registry
		pool *bufpool.Pool
		a, b *echoBackend
	)

	BeforeEach(func() {
		a = startEcho()
		b = startEcho()

		reg = registry.New(nil)
		reg.Register("svc", a.backend())
		reg.Register("svc", b.backend())

		var err error
		pool, err = bufpool.New(16, 8192)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("relaying", func() {
		It("should keep a client on one backend across connections", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})

			for i := 0; i < 3; i++ {
				conn := h.dial(0)
				payload := request("svc", "hello sticky world")
				Expect(roundTrip(conn, payload)).To(Equal(payload))
				conn.Close()
			}

			Eventually(func() int64 {
				return a.accepted.Load() + b.accepted.Load()
			}).Should(Equal(int64(3)))
			Expect([]int64{a.accepted.Load(), b.accepted.Load()}).To(ContainElement(int64(3)))
		})

		It("should relay payloads larger than a pipe unmodified", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			body := make([]byte, 64*1024)
			for i := range body {
				body[i] = byte(i % 251)
			}
			payload := request("svc", string(body))

			go func() {
				defer GinkgoRecover()
				_, err := conn.Write(payload)
				Expect(err).NotTo(HaveOccurred())
			}()

			Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
			got := make([]byte, len(payload))
			_, err := io.ReadFull(conn, got)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(payload))
		})

		It("should match the host case-insensitively and ignore its port", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			payload := request("SVC:8080", "ping")
			Expect(roundTrip(conn, payload)).To(Equal(payload))
		})

		It("should accept a header block split across writes", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			payload := request("svc", "split")
			_, err := conn.Write(payload[:10])
			Expect(err).NotTo(HaveOccurred())
			time.Sleep(20 * time.Millisecond)

			_, err = conn.Write(payload[10:])
			Expect(err).NotTo(HaveOccurred())

			Expect(conn.SetReadDeadline(time.Now().Add(3 * time.Second))).To(Succeed())
			got := make([]byte, len(payload))
			_, err = io.ReadFull(conn, got)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(payload))
		})

		It("should close once a half-closed client's bytes reach the backend", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			_, err := conn.Write(request("svc", "half"))
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.(*net.TCPConn).CloseWrite()).To(Succeed())

			// end of stream from either side ends the relay; the reply may be cut short
			expectClosed(conn)
			Eventually(func() int64 {
				return a.accepted.Load() + b.accepted.Load()
			}).Should(Equal(int64(1)))
			Eventually(pool.InUse).Should(BeZero())
			Eventually(h.srv.Connections).Should(BeZero())
		})

		It("should route requests that end lines with a bare LF", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			payload := []byte("GET / HTTP/1.1\nHost: svc\n\n")
			Expect(roundTrip(conn, payload)).To(Equal(payload))
		})
	})

	Describe("routing failures", func() {
		It("should close connections for an unknown host", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			_, err := conn.Write(request("unknown.example", "x"))
			Expect(err).NotTo(HaveOccurred())
			expectClosed(conn)
			Expect(a.accepted.Load() + b.accepted.Load()).To(BeZero())
		})

		It("should close connections that do not speak HTTP", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			_, err := conn.Write([]byte{0x16, 0x03, 0x01, 0x00, 0xa5, 0x01, 0x00})
			Expect(err).NotTo(HaveOccurred())
			expectClosed(conn)
		})

		It("should close connections whose backend refuses", func() {
			dead, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			deadBackend, err := backend.New(dead.Addr().String())
			Expect(err).NotTo(HaveOccurred())
			dead.Close()

			reg.Register("dead", deadBackend)
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)

			_, err = conn.Write(request("dead", "x"))
			Expect(err).NotTo(HaveOccurred())
			expectClosed(conn)
			Eventually(pool.InUse).Should(BeZero())
		})
	})

	Describe("listener routing", func() {
		It("should route raw bytes by the listener address", func() {
			reg.Register("127.0.0.1:0", a.backend())
			h := startServer(reg, pool, server.Options{
				Listeners: []registry.Listener{{Address: "127.0.0.1:0", RouteBy: registry.RouteByListener}},
			})
			conn := h.dial(0)

			payload := []byte("not http at all\n")
			Expect(roundTrip(conn, payload)).To(Equal(payload))
			Expect(a.accepted.Load()).To(Equal(int64(1)))
		})
	})

	Describe("buffer pool backpressure", func() {
		It("should defer accepting until a buffer is released", func() {
			small, err := bufpool.New(1, 4096)
			Expect(err).NotTo(HaveOccurred())
			h := startServer(reg, small, server.Options{Listeners: hostListener()})

			first := h.dial(0)
			payload := request("svc", "first")
			Expect(roundTrip(first, payload)).To(Equal(payload))
			Expect(small.InUse()).To(Equal(1))

			second := h.dial(0)
			waiting := request("svc", "second")
			_, err = second.Write(waiting)
			Expect(err).NotTo(HaveOccurred())

			Expect(second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))).To(Succeed())
			_, err = second.Read(make([]byte, 1))
			var netErr net.Error
			Expect(errors.As(err, &netErr) && netErr.Timeout()).To(BeTrue())
			Expect(small.InUse()).To(Equal(1))

			first.Close()

			Expect(second.SetReadDeadline(time.Now().Add(3 * time.Second))).To(Succeed())
			got := make([]byte, len(waiting))
			_, err = io.ReadFull(second, got)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(waiting))
		})
	})

	Describe("event loops", func() {
		It("should serve one port from several loops", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener(), EventLoops: 3})

			for i := 0; i < 6; i++ {
				conn := h.dial(0)
				payload := request("svc", "loop")
				Expect(roundTrip(conn, payload)).To(Equal(payload))
			}
			Expect(h.srv.Connections()).To(BeNumerically("<=", 6))
		})
	})

	Describe("lifecycle", func() {
		It("should close in-flight connections on stop", func() {
			h := startServer(reg, pool, server.Options{Listeners: hostListener()})
			conn := h.dial(0)
			payload := request("svc", "open")
			Expect(roundTrip(conn, payload)).To(Equal(payload))
			Eventually(h.srv.Connections).Should(Equal(int64(1)))

			h.stop()
			Eventually(h.done, 5*time.Second).Should(BeClosed())
			Expect(h.err).NotTo(HaveOccurred())
			expectClosed(conn)
			Expect(pool.InUse()).To(BeZero())
			Expect(h.srv.Connections()).To(BeZero())
		})

		It("should fail to start when the address is taken", func() {
			taken, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer taken.Close()

			hist, err := history.New(reg, history.Options{Enabled: true, MaxEntries: 16, Stripes: 1})
			Expect(err).NotTo(HaveOccurred())
			srv := server.New(reg, hist, pool, nil, logger.Discard(), server.Options{
				Listeners: []registry.Listener{{Address: taken.Addr().String(), RouteBy: registry.RouteByHost}},
			})

			Expect(srv.Start(context.Background())).To(HaveOccurred())
		})

		It("should refuse to start without listeners", func() {
			hist, err := history.New(reg, history.Options{Stripes: 1})
			Expect(err).NotTo(HaveOccurred())
			srv := server.New(reg, hist, pool, nil, logger.Discard(), server.Options{})

			Expect(srv.Start(context.Background())).To(MatchError(server.ErrNoListeners))
		})
	})
})
