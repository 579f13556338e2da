package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process Registry for tests and single-host setups.
// TTLs are honoured lazily: expired entries are dropped on Discover.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]memoryEntry // service → addr → entry
	now       func() time.Time
}

type memoryEntry struct {
	instance ServiceInstance
	expires  time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string]map[string]memoryEntry),
		now:       time.Now,
	}
}

func (m *MemoryRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.instances[serviceName]
	if !ok {
		entries = make(map[string]memoryEntry)
		m.instances[serviceName] = entries
	}
	entry := memoryEntry{instance: instance}
	if ttl > 0 {
		entry.expires = m.now().Add(time.Duration(ttl) * time.Second)
	}
	entries[instance.Addr] = entry
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances[serviceName], addr)
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	entries := m.instances[serviceName]
	instances := make([]ServiceInstance, 0, len(entries))
	for addr, e := range entries {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(entries, addr)
			continue
		}
		instances = append(instances, e.instance)
	}
	// Same order as the etcd registry, which lists keys sorted.
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr < instances[j].Addr
	})
	return instances, nil
}
