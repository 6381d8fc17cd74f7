package interfaces

import "context"

// The TrustBackendPort capability interfaces. Each backend exposes a forward
// operation producing an opaque artifact reference and a compensating
// operation addressed by device ID and that reference. Errors must be
// classified retryable or non-retryable by the adapter via BackendError.

// IdentityIssuer registers device identities with the identity provider.
type IdentityIssuer interface {
	RegisterIdentity(ctx context.Context, deviceID string, metadata map[string]any) (ArtifactRef, error)
	RevokeIdentity(ctx context.Context, deviceID string, ref ArtifactRef) error
}

// CertificateIssuer issues short-lived device certificates from the CA.
type CertificateIssuer interface {
	IssueCertificate(ctx context.Context, deviceID string, scope Scope) (ArtifactRef, error)
	RevokeCertificate(ctx context.Context, deviceID string, ref ArtifactRef) error
}

// NetworkAccessProvisioner provisions network-access credentials on the
// network access control server.
type NetworkAccessProvisioner interface {
	ProvisionAccess(ctx context.Context, deviceID string, scope Scope) (ArtifactRef, error)
	DeprovisionAccess(ctx context.Context, deviceID string, ref ArtifactRef) error
}

// AddressRegistrar allocates an exclusive subnet for a device within a scope
// and releases the reservation on compensation.
type AddressRegistrar interface {
	AllocateSubnet(ctx context.Context, scope Scope, deviceID string, metadata map[string]any) (SubnetAllocation, error)
	ReleaseSubnet(ctx context.Context, scope Scope, deviceID string) error
}

// SecretStore stores issued credentials in the secret backend.
type SecretStore interface {
	PutSecret(ctx context.Context, path string, data map[string]any) error
	GetSecret(ctx context.Context, path string) (map[string]any, error)
	DeleteSecret(ctx context.Context, path string) error
}

// AddressSpaceRegistry holds the authoritative record of allocated subnets
// per scope. Reserve must be atomic with respect to concurrent callers on
// the same scope; implementations hold no network I/O on this path.
type AddressSpaceRegistry interface {
	// Reserve records an allocation, failing with ErrConflict if its CIDR
	// overlaps any existing allocation in the same scope.
	Reserve(scope Scope, alloc SubnetAllocation) error

	// Allocations lists all allocations in a scope in ascending CIDR order.
	Allocations(scope Scope) []SubnetAllocation

	// AllocationFor returns the allocation held by a device in a scope, or
	// ErrNotFound.
	AllocationFor(scope Scope, deviceID string) (SubnetAllocation, error)

	// Release drops a device's reservation. Releasing an absent reservation
	// returns ErrNotFound.
	Release(scope Scope, deviceID string) error
}

// IdempotencyLedger is the durable mapping from an idempotency key to the
// last known enrollment outcome.
type IdempotencyLedger interface {
	// Lookup returns the recorded entry for a key, or ErrNotFound.
	Lookup(ctx context.Context, key string) (*EnrollmentRecord, error)

	// Record stores a snapshot of the record under the key.
	Record(ctx context.Context, key string, rec *EnrollmentRecord) error
}
