package loadbalance

import (
	"math/rand/v2"

	"github.com/studio-ousia/mprpc/registry"
)

// RandomBalancer picks uniformly at random.
type RandomBalancer struct {
	rand lockedRand
}

// NewRandom returns a RandomBalancer drawing from r, or from the global
// generator when r is nil.
func NewRandom(r *rand.Rand) *RandomBalancer {
	return &RandomBalancer{rand: lockedRand{r: r}}
}

func (b *RandomBalancer) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, registry.ErrNoInstances
	}
	return instances[b.rand.intN(len(instances))], nil
}

func (b *RandomBalancer) Name() string {
	return "Random"
}
