package ipam

import (
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/edgesec-org/trustplane/interfaces"
)

// DefaultHostCount is used for purposes without an explicit sizing entry.
const DefaultHostCount = 64

// defaultSizing maps well-known purposes to required host counts.
var defaultSizing = map[string]int{
	"iot":    16,
	"server": 256,
}

// SizingPolicy maps a purpose to the host count its subnets must fit.
type SizingPolicy struct {
	hosts        map[string]int
	defaultHosts int
}

// NewSizingPolicy builds a policy from per-purpose overrides. Entries in
// overrides shadow the built-in defaults; a defaultHosts of zero keeps
// DefaultHostCount.
func NewSizingPolicy(overrides map[string]int, defaultHosts int) *SizingPolicy {
	if defaultHosts <= 0 {
		defaultHosts = DefaultHostCount
	}
	hosts := make(map[string]int, len(defaultSizing)+len(overrides))
	for purpose, n := range defaultSizing {
		hosts[purpose] = n
	}
	for purpose, n := range overrides {
		if n > 0 {
			hosts[purpose] = n
		}
	}
	return &SizingPolicy{hosts: hosts, defaultHosts: defaultHosts}
}

// HostsFor returns the required host count for a purpose.
func (p *SizingPolicy) HostsFor(purpose string) int {
	if n, ok := p.hosts[purpose]; ok {
		return n
	}
	return p.defaultHosts
}

// prefixLenForHosts returns the prefix length of the smallest block whose
// address count covers the requested hosts. Blocks smaller than /30 are
// never produced.
func prefixLenForHosts(hosts int) (int, error) {
	if hosts <= 0 {
		return 0, fmt.Errorf("%w: host count must be positive", interfaces.ErrValidation)
	}
	if hosts > 1<<24 {
		return 0, fmt.Errorf("%w: host count %d exceeds the largest supported block", interfaces.ErrValidation, hosts)
	}

	size := 4
	for size < hosts {
		size <<= 1
	}
	return 32 - bits.TrailingZeros(uint(size)), nil
}

// usableHosts returns the host addresses in a block minus the network and
// broadcast reservations.
func usableHosts(prefix netip.Prefix) int {
	hostBits := 32 - prefix.Bits()
	if hostBits < 2 {
		return 0
	}
	return (1 << hostBits) - 2
}

// ParentRanges resolves the parent address range a scope draws from, keyed
// by site with a global default.
type ParentRanges struct {
	def    netip.Prefix
	bySite map[string]netip.Prefix
}

// DefaultParentRange is used when no range is configured for a site.
var DefaultParentRange = netip.MustParsePrefix("10.0.0.0/8")

// NewParentRanges creates a resolver. The allocator carves IPv4 space, so
// anything that is not a valid IPv4 prefix falls back to DefaultParentRange
// (for def) or is dropped (for site entries).
func NewParentRanges(def netip.Prefix, bySite map[string]netip.Prefix) *ParentRanges {
	if !def.IsValid() || !def.Addr().Is4() {
		def = DefaultParentRange
	}
	ranges := make(map[string]netip.Prefix, len(bySite))
	for site, prefix := range bySite {
		if !prefix.IsValid() || !prefix.Addr().Is4() {
			continue
		}
		ranges[site] = prefix.Masked()
	}
	return &ParentRanges{def: def.Masked(), bySite: ranges}
}

// For returns the parent range for a site.
func (p *ParentRanges) For(site string) netip.Prefix {
	if prefix, ok := p.bySite[site]; ok {
		return prefix
	}
	return p.def
}
