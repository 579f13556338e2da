package loadbalance

import (
	"sync"

	"stathat.com/c/consistent"

	"github.com/studio-ousia/mprpc/registry"
)

// DefaultReplicas is the number of virtual nodes per instance on the ring.
const DefaultReplicas = 100

// ConsistentHashBalancer maps a key to an instance on a hash ring. The same
// key keeps mapping to the same instance until that instance leaves, and
// only the keys of a departed instance move.
//
// Pick uses the key given to NewConsistentHash, which gives one client
// affinity to one server. PickKey hashes a key per call.
type ConsistentHashBalancer struct {
	key string

	mu      sync.Mutex
	ring    *consistent.Consistent
	members map[string]registry.ServiceInstance
}

func NewConsistentHash(key string) *ConsistentHashBalancer {
	ring := consistent.New()
	ring.NumberOfReplicas = DefaultReplicas
	return &ConsistentHashBalancer{
		key:     key,
		ring:    ring,
		members: make(map[string]registry.ServiceInstance),
	}
}

func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance) (registry.ServiceInstance, error) {
	return b.PickKey(instances, b.key)
}

// PickKey returns the instance responsible for key among instances. The
// ring is updated to the given list first.
func (b *ConsistentHashBalancer) PickKey(instances []registry.ServiceInstance, key string) (registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return registry.ServiceInstance{}, registry.ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.update(instances)
	name, err := b.ring.Get(key)
	if err != nil {
		return registry.ServiceInstance{}, registry.ErrNoInstances
	}
	return b.members[name], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// update syncs the ring with instances. The ring is rebuilt only when the
// membership changed.
func (b *ConsistentHashBalancer) update(instances []registry.ServiceInstance) {
	changed := len(instances) != len(b.members)
	for _, inst := range instances {
		if _, ok := b.members[inst.Target().String()]; !ok {
			changed = true
			break
		}
	}
	if !changed {
		return
	}

	clear(b.members)
	names := make([]string, 0, len(instances))
	for _, inst := range instances {
		name := inst.Target().String()
		b.members[name] = inst
		names = append(names, name)
	}
	b.ring.Set(names)
}
