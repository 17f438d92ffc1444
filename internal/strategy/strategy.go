package strategy

import (
	"fmt"

	"github.com/angeloszaimis/sticky-lb/internal/backend"
)

const (
	TypeRandom     = "random"
	TypeRoundRobin = "round-robin"
	TypeLeastConn  = "least-conn"
)

type Strategy interface {
	SelectBackend(backends []*backend.Backend) *backend.Backend
}

// Factory builds a fresh strategy. Each routing key owns its own instance so
// that stateful strategies do not interleave across keys.
type Factory func() Strategy

// NewFactory returns the Factory for the named strategy type.
func NewFactory(strategyType string) (Factory, error) {
	switch strategyType {
	case TypeRandom:
		return NewRandomStrategy, nil
	case TypeRoundRobin:
		return NewRoundRobinStrategy, nil
	case TypeLeastConn:
		return NewLeastConnStrategy, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategyType)
	}
}
