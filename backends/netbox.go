package backends

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
)

const ipamBackend = "ipam-mirror"

// MirroringRegistrar decorates an address registrar with a best-effort
// mirror into a NetBox-style IPAM inventory. The local registrar stays
// authoritative: mirror failures are logged but never fail or roll back an
// allocation, so a degraded inventory cannot block enrollment.
type MirroringRegistrar struct {
	inner    interfaces.AddressRegistrar
	registry interfaces.AddressSpaceRegistry
	baseURL  string
	token    string
	client   *http.Client
	log      *slog.Logger
}

// NewMirroringRegistrar wraps inner with a NetBox mirror. The registry is
// consulted on release to recover the CIDR being dropped.
func NewMirroringRegistrar(inner interfaces.AddressRegistrar, registry interfaces.AddressSpaceRegistry, baseURL, token string, timeout time.Duration, log *slog.Logger) *MirroringRegistrar {
	return &MirroringRegistrar{
		inner:    inner,
		registry: registry,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		client:   newHTTPClient(timeout),
		log:      log,
	}
}

type netboxPrefix struct {
	ID           int            `json:"id,omitempty"`
	Prefix       string         `json:"prefix"`
	Status       string         `json:"status,omitempty"`
	Description  string         `json:"description,omitempty"`
	CustomFields map[string]any `json:"custom_fields,omitempty"`
}

type netboxPrefixList struct {
	Count   int            `json:"count"`
	Results []netboxPrefix `json:"results"`
}

// AllocateSubnet delegates to the local registrar and mirrors the resulting
// prefix into the inventory.
func (r *MirroringRegistrar) AllocateSubnet(ctx context.Context, scope interfaces.Scope, deviceID string, metadata map[string]any) (interfaces.SubnetAllocation, error) {
	alloc, err := r.inner.AllocateSubnet(ctx, scope, deviceID, metadata)
	if err != nil {
		return alloc, err
	}

	payload := netboxPrefix{
		Prefix:      alloc.CIDR.String(),
		Status:      "active",
		Description: "device " + deviceID,
		CustomFields: map[string]any{
			"site":      scope.Site,
			"tenant_id": scope.TenantID,
			"purpose":   scope.Purpose,
			"device_id": deviceID,
		},
	}
	err = doJSON(ctx, r.client, ipamBackend, http.MethodPost,
		r.baseURL+"/api/ipam/prefixes/", "Token "+r.token, payload, nil,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		r.log.Warn("Failed to mirror subnet to IPAM inventory",
			slog.String("device_id", deviceID),
			slog.String("cidr", alloc.CIDR.String()), "err", err)
	}
	return alloc, nil
}

// ReleaseSubnet removes the mirrored prefix, looked up by CIDR since the
// inventory assigns its own identifiers, then releases locally.
func (r *MirroringRegistrar) ReleaseSubnet(ctx context.Context, scope interfaces.Scope, deviceID string) error {
	if alloc, err := r.registry.AllocationFor(scope, deviceID); err == nil {
		r.unmirror(ctx, deviceID, alloc.CIDR.String())
	}
	return r.inner.ReleaseSubnet(ctx, scope, deviceID)
}

func (r *MirroringRegistrar) unmirror(ctx context.Context, deviceID, cidr string) {
	listURL := fmt.Sprintf("%s/api/ipam/prefixes/?prefix=%s", r.baseURL, url.QueryEscape(cidr))
	var list netboxPrefixList
	err := doJSON(ctx, r.client, ipamBackend, http.MethodGet,
		listURL, "Token "+r.token, nil, &list, http.StatusOK)
	if err != nil {
		r.log.Warn("Failed to look up mirrored prefix",
			slog.String("device_id", deviceID), slog.String("cidr", cidr), "err", err)
		return
	}

	for _, p := range list.Results {
		err := doJSON(ctx, r.client, ipamBackend, http.MethodDelete,
			fmt.Sprintf("%s/api/ipam/prefixes/%d/", r.baseURL, p.ID), "Token "+r.token, nil, nil,
			http.StatusNoContent, http.StatusNotFound)
		if err != nil {
			r.log.Warn("Failed to remove mirrored prefix",
				slog.String("device_id", deviceID), slog.String("cidr", cidr), "err", err)
		}
	}
}
