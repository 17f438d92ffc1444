package strategy_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
	"github.com/angeloszaimis/sticky-lb/internal/strategy"
)

var _ = Describe("Strategies", func() {
	var backends []*backend.Backend

	BeforeEach(func() {
		backends = []*backend.Backend{
			mustBackend("127.0.0.1:8081"),
			mustBackend("127.0.0.1:8082"),
			mustBackend("127.0.0.1:8083"),
		}
	})

	DescribeTable("NewFactory builds every known strategy",
		func(name string) {
			factory, err := strategy.NewFactory(name)
			Expect(err).NotTo(HaveOccurred())

			selected := factory().SelectBackend(backends)
			Expect(backends).To(ContainElement(selected))
		},
		Entry("Random", strategy.TypeRandom),
		Entry("Round Robin", strategy.TypeRoundRobin),
		Entry("Least Connections", strategy.TypeLeastConn),
	)

	DescribeTable("All strategies return nil without candidates",
		func(factory strategy.Factory) {
			Expect(factory().SelectBackend(nil)).To(BeNil())
		},
		Entry("Random", strategy.Factory(strategy.NewRandomStrategy)),
		Entry("Round Robin", strategy.Factory(strategy.NewRoundRobinStrategy)),
		Entry("Least Connections", strategy.Factory(strategy.NewLeastConnStrategy)),
	)

	It("should reject unknown strategy names", func() {
		_, err := strategy.NewFactory("consistent_hash")
		Expect(err).To(MatchError(ContainSubstring("unknown strategy")))
	})

	Describe("Random", func() {
		It("should spread selections roughly uniformly", func() {
			strat := strategy.NewRandomStrategy()
			counts := make(map[string]int)
			for i := 0; i < 3000; i++ {
				counts[strat.SelectBackend(backends).Address()]++
			}

			for _, b := range backends {
				Expect(counts[b.Address()]).To(BeNumerically("~", 1000, 150))
			}
		})
	})

	Describe("Round Robin", func() {
		It("should cycle through backends in order", func() {
			strat := strategy.NewRoundRobinStrategy()
			Expect(strat.SelectBackend(backends)).To(Equal(backends[0]))
			Expect(strat.SelectBackend(backends)).To(Equal(backends[1]))
			Expect(strat.SelectBackend(backends)).To(Equal(backends[2]))
			Expect(strat.SelectBackend(backends)).To(Equal(backends[0]))
		})
	})

	Describe("Least Connections", func() {
		It("should select backend with fewest connections", func() {
			backends[0].IncrementConn()
			backends[0].IncrementConn()
			backends[1].IncrementConn()

			Expect(strategy.NewLeastConnStrategy().SelectBackend(backends)).To(Equal(backends[2]))
		})

		It("should spread ties across idle backends", func() {
			strat := strategy.NewLeastConnStrategy()
			seen := make(map[string]bool)
			for i := 0; i < 300; i++ {
				seen[strat.SelectBackend(backends).Address()] = true
			}
			Expect(seen).To(HaveLen(len(backends)))
		})

		It("should only consider the least loaded backends", func() {
			backends[0].IncrementConn()
			strat := strategy.NewLeastConnStrategy()
			for i := 0; i < 100; i++ {
				Expect(strat.SelectBackend(backends)).NotTo(Equal(backends[0]))
			}
		})
	})
})

func mustBackend(address string) *backend.Backend {
	b, err := backend.New(address)
	if err != nil {
		panic(err)
	}
	return b
}
