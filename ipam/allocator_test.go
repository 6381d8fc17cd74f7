package ipam

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/netip"
	"testing"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAllocator(t *testing.T, parent string) (*Allocator, *Registry) {
	t.Helper()
	reg := NewRegistry()
	parents := NewParentRanges(netip.MustParsePrefix(parent), nil)
	policy := NewSizingPolicy(nil, 0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAllocator(reg, policy, parents, log), reg
}

func TestAllocateFromEmptyPool(t *testing.T) {
	alloc, _ := testAllocator(t, "10.0.0.0/8")
	scope := interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"}

	got, err := alloc.AllocateSubnet(context.Background(), scope, "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/28", got.CIDR.String())
	assert.Equal(t, 14, got.AvailableIPs)
	assert.Equal(t, ReasonEmptyPool, got.Reason)
}

func TestAllocateIdempotentPerDevice(t *testing.T) {
	alloc, _ := testAllocator(t, "10.0.0.0/8")
	scope := interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"}

	first, err := alloc.AllocateSubnet(context.Background(), scope, "dev-1", nil)
	require.NoError(t, err)

	second, err := alloc.AllocateSubnet(context.Background(), scope, "dev-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.CIDR, second.CIDR)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, first.AllocatedAt, second.AllocatedAt)
}

func TestAllocateAscendingOrder(t *testing.T) {
	alloc, _ := testAllocator(t, "10.0.0.0/8")
	scope := interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"}

	want := []string{"10.0.0.0/28", "10.0.0.16/28", "10.0.0.32/28"}
	for i, cidr := range want {
		got, err := alloc.AllocateSubnet(context.Background(), scope, fmt.Sprintf("dev-%d", i), nil)
		require.NoError(t, err)
		assert.Equal(t, cidr, got.CIDR.String())
	}
}

func TestAllocateFillsReleasedGap(t *testing.T) {
	alloc, _ := testAllocator(t, "10.0.0.0/8")
	scope := interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"}

	for i := 0; i < 3; i++ {
		_, err := alloc.AllocateSubnet(context.Background(), scope, fmt.Sprintf("dev-%d", i), nil)
		require.NoError(t, err)
	}
	require.NoError(t, alloc.ReleaseSubnet(context.Background(), scope, "dev-1"))

	// The lowest free block is reused.
	got, err := alloc.AllocateSubnet(context.Background(), scope, "dev-9", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.16/28", got.CIDR.String())
}

func TestAllocateSizingPolicy(t *testing.T) {
	alloc, _ := testAllocator(t, "10.0.0.0/8")
	ctx := context.Background()

	server, err := alloc.AllocateSubnet(ctx, interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "server"}, "srv-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/24", server.CIDR.String())
	assert.Equal(t, 254, server.AvailableIPs)

	other, err := alloc.AllocateSubnet(ctx, interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "camera"}, "cam-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/26", other.CIDR.String())
	assert.Equal(t, 62, other.AvailableIPs)
}

func TestAllocateExhaustion(t *testing.T) {
	// Parent sized for exactly four /28 blocks.
	alloc, _ := testAllocator(t, "10.1.2.0/26")
	scope := interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := alloc.AllocateSubnet(ctx, scope, fmt.Sprintf("dev-%d", i), nil)
		require.NoError(t, err)
	}

	_, err := alloc.AllocateSubnet(ctx, scope, "dev-5", nil)
	require.ErrorIs(t, err, interfaces.ErrExhaustedAddressSpace)

	// Existing devices still resolve after exhaustion.
	got, err := alloc.AllocateSubnet(ctx, scope, "dev-0", nil)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.0/28", got.CIDR.String())
}

func TestAllocateParentTooSmall(t *testing.T) {
	alloc, _ := testAllocator(t, "10.1.2.0/28")
	scope := interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "server"}

	_, err := alloc.AllocateSubnet(context.Background(), scope, "dev-1", nil)
	require.ErrorIs(t, err, interfaces.ErrExhaustedAddressSpace)
}

func TestParentRangesIgnoreNonIPv4Prefixes(t *testing.T) {
	parents := NewParentRanges(netip.MustParsePrefix("fd00::/8"), map[string]netip.Prefix{
		"fra1": netip.MustParsePrefix("10.1.0.0/16"),
		"ams1": netip.MustParsePrefix("2001:db8::/32"),
	})

	assert.Equal(t, DefaultParentRange, parents.For("hq"))
	assert.Equal(t, "10.1.0.0/16", parents.For("fra1").String())
	// An IPv6 site entry is dropped rather than handed to the allocator.
	assert.Equal(t, DefaultParentRange, parents.For("ams1"))
}

func TestAllocateValidation(t *testing.T) {
	alloc, _ := testAllocator(t, "10.0.0.0/8")
	ctx := context.Background()

	_, err := alloc.AllocateSubnet(ctx, interfaces.Scope{TenantID: "acme", Purpose: "iot"}, "dev-1", nil)
	require.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = alloc.AllocateSubnet(ctx, interfaces.Scope{Site: "hq", TenantID: "acme", Purpose: "iot"}, "", nil)
	require.ErrorIs(t, err, interfaces.ErrValidation)
}

// Random allocation sequences across scopes must never produce an overlap
// within any single scope.
func TestAllocateNeverOverlaps(t *testing.T) {
	alloc, reg := testAllocator(t, "10.0.0.0/16")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	scopes := []interfaces.Scope{
		{Site: "hq", TenantID: "acme", Purpose: "iot"},
		{Site: "hq", TenantID: "acme", Purpose: "server"},
		{Site: "dc-1", TenantID: "globex", Purpose: "camera"},
	}

	for i := 0; i < 200; i++ {
		scope := scopes[rng.Intn(len(scopes))]
		deviceID := fmt.Sprintf("dev-%d", rng.Intn(100))
		if _, err := alloc.AllocateSubnet(ctx, scope, deviceID, nil); err != nil {
			require.ErrorIs(t, err, interfaces.ErrExhaustedAddressSpace)
		}
		if rng.Intn(4) == 0 {
			_ = alloc.ReleaseSubnet(ctx, scope, fmt.Sprintf("dev-%d", rng.Intn(100)))
		}
	}

	for _, scope := range scopes {
		allocs := reg.Allocations(scope)
		for i := range allocs {
			for j := i + 1; j < len(allocs); j++ {
				assert.False(t, allocs[i].CIDR.Overlaps(allocs[j].CIDR),
					"scope %s: %s overlaps %s", scope, allocs[i].CIDR, allocs[j].CIDR)
			}
		}
	}
}
