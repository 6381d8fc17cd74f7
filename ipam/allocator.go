package ipam

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/edgesec-org/trustplane/metrics"
)

// Allocation reason strings, stored on the allocation so repeated requests
// for the same device return the identical reason.
const (
	ReasonEmptyPool     = "allocated from empty pool"
	ReasonNextFreeBlock = "allocated next free block"
)

// Allocator selects the next non-conflicting CIDR block for a scope. It
// walks candidate blocks of the policy-derived size in ascending address
// order within the scope's parent range and delegates the atomic
// check-and-insert to the registry, so a race on the last free blocks is
// resolved by Reserve rather than by a read-then-write in the allocator.
//
// Allocator implements interfaces.AddressRegistrar.
type Allocator struct {
	registry interfaces.AddressSpaceRegistry
	policy   *SizingPolicy
	parents  *ParentRanges
	log      *slog.Logger
}

// NewAllocator creates a subnet allocator over the given registry.
func NewAllocator(registry interfaces.AddressSpaceRegistry, policy *SizingPolicy, parents *ParentRanges, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{registry: registry, policy: policy, parents: parents, log: log}
}

// AllocateSubnet returns the smallest unused block of sufficient size for
// the scope's purpose, or the device's existing allocation unchanged if one
// exists. Fails with ErrExhaustedAddressSpace when the parent range has no
// free block of the requested size left.
func (a *Allocator) AllocateSubnet(ctx context.Context, scope interfaces.Scope, deviceID string, metadata map[string]any) (interfaces.SubnetAllocation, error) {
	if err := scope.Validate(); err != nil {
		return interfaces.SubnetAllocation{}, err
	}
	if deviceID == "" {
		return interfaces.SubnetAllocation{}, fmt.Errorf("%w: missing device_id", interfaces.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return interfaces.SubnetAllocation{}, err
	}

	// Re-allocation for a known device returns the original block.
	if existing, err := a.registry.AllocationFor(scope, deviceID); err == nil {
		a.log.Debug("Returning existing allocation",
			slog.String("scope", scope.String()),
			slog.String("device_id", deviceID),
			slog.String("cidr", existing.CIDR.String()))
		return existing, nil
	}

	hosts := a.policy.HostsFor(scope.Purpose)
	prefixLen, err := prefixLenForHosts(hosts)
	if err != nil {
		return interfaces.SubnetAllocation{}, err
	}

	parent := a.parents.For(scope.Site)
	if prefixLen < parent.Bits() {
		metrics.SubnetAllocationsTotal.WithLabelValues("exhausted").Inc()
		return interfaces.SubnetAllocation{}, fmt.Errorf("%w: a /%d does not fit in parent range %s",
			interfaces.ErrExhaustedAddressSpace, prefixLen, parent)
	}

	reason := ReasonNextFreeBlock
	if len(a.registry.Allocations(scope)) == 0 {
		reason = ReasonEmptyPool
	}

	base := binary.BigEndian.Uint32(parent.Addr().AsSlice())
	step := uint64(1) << (32 - prefixLen)
	candidates := uint64(1) << (prefixLen - parent.Bits())

	for i := uint64(0); i < candidates; i++ {
		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], uint32(uint64(base)+i*step))
		candidate := netip.PrefixFrom(netip.AddrFrom4(raw), prefixLen)

		alloc := interfaces.SubnetAllocation{
			Scope:        scope,
			DeviceID:     deviceID,
			CIDR:         candidate,
			AvailableIPs: usableHosts(candidate),
			Reason:       reason,
			AllocatedAt:  time.Now().UTC(),
		}

		err := a.registry.Reserve(scope, alloc)
		if err == nil {
			a.log.Info("Allocated subnet",
				slog.String("scope", scope.String()),
				slog.String("device_id", deviceID),
				slog.String("cidr", candidate.String()),
				slog.Int("available_ips", alloc.AvailableIPs))
			metrics.SubnetAllocationsTotal.WithLabelValues("allocated").Inc()
			return alloc, nil
		}
		if !errors.Is(err, interfaces.ErrConflict) {
			return interfaces.SubnetAllocation{}, err
		}

		// A concurrent request for the same device may have won the race.
		if existing, lookupErr := a.registry.AllocationFor(scope, deviceID); lookupErr == nil {
			return existing, nil
		}
	}

	metrics.SubnetAllocationsTotal.WithLabelValues("exhausted").Inc()
	a.log.Warn("Address space exhausted",
		slog.String("scope", scope.String()),
		slog.String("parent", parent.String()),
		slog.Int("prefix_len", prefixLen))
	return interfaces.SubnetAllocation{}, fmt.Errorf("%w: no free /%d remains in %s for scope %s",
		interfaces.ErrExhaustedAddressSpace, prefixLen, parent, scope)
}

// ReleaseSubnet drops the device's reservation. Releasing an absent
// reservation is a no-op so compensation stays idempotent.
func (a *Allocator) ReleaseSubnet(ctx context.Context, scope interfaces.Scope, deviceID string) error {
	err := a.registry.Release(scope, deviceID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err == nil {
		a.log.Info("Released subnet reservation",
			slog.String("scope", scope.String()),
			slog.String("device_id", deviceID))
	}
	return err
}
