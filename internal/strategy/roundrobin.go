package strategy

import (
	"sync/atomic"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
)

// roundRobinStrategy cycles through the candidates of one routing key.
type roundRobinStrategy struct {
	next atomic.Uint64
}

func (rr *roundRobinStrategy) SelectBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}

	turn := rr.next.Add(1) - 1
	return backends[turn%uint64(len(backends))]
}

func NewRoundRobinStrategy() Strategy {
	return &roundRobinStrategy{}
}
