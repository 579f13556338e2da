package loadbalance

import (
	"math/rand/v2"
	"sort"

	"github.com/studio-ousia/mprpc/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its Weight. Instances without a positive weight count as weight 1.
type WeightedRandomBalancer struct {
	rand lockedRand
}

func NewWeightedRandom(r *rand.Rand) *WeightedRandomBalancer {
	return &WeightedRandomBalancer{rand: lockedRand{r: r}}
}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, registry.ErrNoInstances
	}

	// bounds[i] is the sum of the weights up to and including instance i.
	bounds := make([]int, len(instances))
	total := 0
	for i, inst := range instances {
		total += weight(inst)
		bounds[i] = total
	}

	x := b.rand.intN(total) + 1
	return instances[sort.SearchInts(bounds, x)], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weight(inst registry.ServiceInstance) int {
	if inst.Weight <= 0 {
		return 1
	}
	return inst.Weight
}
