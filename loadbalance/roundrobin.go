package loadbalance

import (
	"sync/atomic"

	"github.com/studio-ousia/mprpc/registry"
)

// RoundRobinBalancer distributes picks evenly across all instances in order.
// The counter is atomic, so Pick takes no lock.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, registry.ErrNoInstances
	}
	n := b.counter.Add(1) - 1
	return instances[n%uint64(len(instances))], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
