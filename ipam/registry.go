// Package ipam implements the subnet allocation engine: the authoritative
// per-scope registry of allocated CIDR blocks and the deterministic
// allocator that carves conflict-free blocks from a scope's parent range.
package ipam

import (
	"fmt"
	"sort"
	"sync"

	"github.com/edgesec-org/trustplane/interfaces"
)

// Registry is the in-memory address space registry. Mutations for a given
// scope are serialized by a per-scope lock; scopes mutate in parallel.
type Registry struct {
	mu    sync.RWMutex
	pools map[interfaces.Scope]*scopePool
}

type scopePool struct {
	mu       sync.Mutex
	byDevice map[string]interfaces.SubnetAllocation
	allocs   []interfaces.SubnetAllocation
}

// NewRegistry creates an empty address space registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[interfaces.Scope]*scopePool)}
}

func (r *Registry) pool(scope interfaces.Scope) *scopePool {
	r.mu.RLock()
	p, ok := r.pools[scope]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.pools[scope]; ok {
		return p
	}
	p = &scopePool{byDevice: make(map[string]interfaces.SubnetAllocation)}
	r.pools[scope] = p
	return p
}

// Reserve records an allocation. The overlap check and the insert are atomic
// with respect to concurrent callers on the same scope. Fails with
// ErrConflict if the CIDR overlaps an existing allocation or the device
// already holds one.
func (r *Registry) Reserve(scope interfaces.Scope, alloc interfaces.SubnetAllocation) error {
	if !alloc.CIDR.IsValid() {
		return fmt.Errorf("%w: invalid CIDR", interfaces.ErrValidation)
	}

	p := r.pool(scope)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byDevice[alloc.DeviceID]; ok {
		return fmt.Errorf("%w: device %s already holds an allocation in scope %s",
			interfaces.ErrConflict, alloc.DeviceID, scope)
	}
	for _, existing := range p.allocs {
		if existing.CIDR.Overlaps(alloc.CIDR) {
			return fmt.Errorf("%w: %s overlaps %s in scope %s",
				interfaces.ErrConflict, alloc.CIDR, existing.CIDR, scope)
		}
	}

	p.byDevice[alloc.DeviceID] = alloc
	idx := sort.Search(len(p.allocs), func(i int) bool {
		return p.allocs[i].CIDR.Addr().Compare(alloc.CIDR.Addr()) >= 0
	})
	p.allocs = append(p.allocs, interfaces.SubnetAllocation{})
	copy(p.allocs[idx+1:], p.allocs[idx:])
	p.allocs[idx] = alloc
	return nil
}

// Allocations lists the scope's allocations in ascending CIDR order.
func (r *Registry) Allocations(scope interfaces.Scope) []interfaces.SubnetAllocation {
	p := r.pool(scope)
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]interfaces.SubnetAllocation, len(p.allocs))
	copy(out, p.allocs)
	return out
}

// AllocationFor returns the allocation held by a device in a scope.
func (r *Registry) AllocationFor(scope interfaces.Scope, deviceID string) (interfaces.SubnetAllocation, error) {
	p := r.pool(scope)
	p.mu.Lock()
	defer p.mu.Unlock()

	alloc, ok := p.byDevice[deviceID]
	if !ok {
		return interfaces.SubnetAllocation{}, fmt.Errorf("%w: no allocation for device %s in scope %s",
			interfaces.ErrNotFound, deviceID, scope)
	}
	return alloc, nil
}

// Release drops a device's reservation.
func (r *Registry) Release(scope interfaces.Scope, deviceID string) error {
	p := r.pool(scope)
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byDevice[deviceID]; !ok {
		return fmt.Errorf("%w: no allocation for device %s in scope %s",
			interfaces.ErrNotFound, deviceID, scope)
	}
	delete(p.byDevice, deviceID)
	for i := range p.allocs {
		if p.allocs[i].DeviceID == deviceID {
			p.allocs = append(p.allocs[:i], p.allocs[i+1:]...)
			break
		}
	}
	return nil
}
