package backend_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
)

var _ = Describe("Backend", func() {
	var b *backend.Backend

	BeforeEach(func() {
		var err error
		b, err = backend.New("127.0.0.1:9001")
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("New", func() {
		It("should resolve the address once", func() {
			Expect(b.Address()).To(Equal("127.0.0.1:9001"))
			Expect(b.TCPAddr().Port).To(Equal(9001))
			Expect(b.TCPAddr().IP.String()).To(Equal("127.0.0.1"))
		})

		It("should use the address as its string form", func() {
			Expect(b.String()).To(Equal("127.0.0.1:9001"))
		})

		It("should have zero active connections", func() {
			Expect(b.ActiveConnections()).To(Equal(0))
		})

		DescribeTable("should reject invalid addresses",
			func(address string) {
				_, err := backend.New(address)
				Expect(err).To(HaveOccurred())
			},
			Entry("missing port", "127.0.0.1"),
			Entry("zero port", "127.0.0.1:0"),
			Entry("bad port", "127.0.0.1:http-alt-nope"),
			Entry("too many colons", "1:2:3"),
		)
	})

	Describe("Connection Tracking", func() {
		It("should increase and decrease the count", func() {
			b.IncrementConn()
			b.IncrementConn()
			b.IncrementConn()
			Expect(b.ActiveConnections()).To(Equal(3))

			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(2))
		})

		It("should not go below zero", func() {
			b.DecrementConn()
			b.DecrementConn()
			Expect(b.ActiveConnections()).To(Equal(0))
		})

		It("should be thread-safe", func() {
			var wg sync.WaitGroup
			for i := 0; i < 100; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					b.IncrementConn()
				}()
			}
			wg.Wait()
			Expect(b.ActiveConnections()).To(Equal(100))
		})
	})
})
