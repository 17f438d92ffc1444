package strategy

import (
	"math/rand/v2"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
)

// leastConnStrategy picks the backend relaying the fewest connections.
// Ties are broken uniformly at random so idle backends share new clients
// evenly.
type leastConnStrategy struct{}

func (l *leastConnStrategy) SelectBackend(backends []*backend.Backend) *backend.Backend {
	if len(backends) == 0 {
		return nil
	}

	var (
		chosen *backend.Backend
		fewest int
		ties   int
	)

	for _, b := range backends {
		active := b.ActiveConnections()

		switch {
		case chosen == nil || active < fewest:
			chosen, fewest, ties = b, active, 1
		case active == fewest:
			// reservoir sampling over the tied candidates
			ties++
			if rand.IntN(ties) == 0 {
				chosen = b
			}
		}
	}

	return chosen
}

func NewLeastConnStrategy() Strategy {
	return &leastConnStrategy{}
}
