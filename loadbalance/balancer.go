// Package loadbalance picks one of the instances a registry returned for a
// service.
//
// Four strategies are implemented:
//   - Random:         the default, no state shared between picks
//   - RoundRobin:     equal-capacity instances, even spread
//   - WeightedRandom: heterogeneous instances, by ServiceInstance.Weight
//   - ConsistentHash: the same key keeps landing on the same instance
package loadbalance

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/studio-ousia/mprpc/registry"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick each time it opens a connection to a service.
type Balancer interface {
	// Pick selects one instance from the available list. It must be safe
	// for concurrent use and fails with registry.ErrNoInstances on an
	// empty list.
	Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error)

	// Name returns the strategy name, for logging.
	Name() string
}

// Strategy names accepted by New.
const (
	StrategyRandom         = "random"
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// New returns the balancer for a strategy name. An empty name selects
// random. key is only used by consistent hashing.
func New(strategy, key string) (Balancer, error) {
	switch strategy {
	case "", StrategyRandom:
		return NewRandom(nil), nil
	case StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return NewWeightedRandom(nil), nil
	case StrategyConsistentHash:
		return NewConsistentHash(key), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", strategy)
}

// lockedRand serializes access to a *rand.Rand, which is not safe for
// concurrent use. A nil source falls back to the global generator.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) intN(n int) int {
	if l.r == nil {
		return rand.IntN(n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.IntN(n)
}
