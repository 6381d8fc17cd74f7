// Package interfaces defines the core types and contracts of the trust
// provisioning control plane. It provides the boundary between the
// enrollment orchestrator, the subnet allocation engine, and the backend
// adapters without implementation details.
package interfaces

import (
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// Scope identifies one independent address pool and trust domain.
// A scope is immutable once created.
type Scope struct {
	Site     string `json:"site"`
	TenantID string `json:"tenant_id"`
	Purpose  string `json:"purpose"`
}

// NewScope creates a scope with validation.
func NewScope(site, tenantID, purpose string) (Scope, error) {
	s := Scope{Site: site, TenantID: tenantID, Purpose: purpose}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate checks that all scope components are present.
func (s Scope) Validate() error {
	if s.Site == "" {
		return fmt.Errorf("%w: missing site", ErrValidation)
	}
	if s.TenantID == "" {
		return fmt.Errorf("%w: missing tenant_id", ErrValidation)
	}
	if s.Purpose == "" {
		return fmt.Errorf("%w: missing purpose", ErrValidation)
	}
	return nil
}

// String returns the site/tenant/purpose triple as a path-like identifier.
func (s Scope) String() string {
	return s.Site + "/" + s.TenantID + "/" + s.Purpose
}

// SubnetAllocation is the authoritative record of one allocated CIDR block.
// It is created once by the allocator and never mutated afterwards.
type SubnetAllocation struct {
	Scope        Scope        `json:"scope"`
	DeviceID     string       `json:"device_id"`
	CIDR         netip.Prefix `json:"cidr"`
	AvailableIPs int          `json:"available_ips"`
	Reason       string       `json:"reason"`
	AllocatedAt  time.Time    `json:"allocated_at"`
}

// EnrollmentState is the saga state of a device enrollment.
type EnrollmentState string

const (
	StatePending            EnrollmentState = "pending"
	StateSubnetAllocated    EnrollmentState = "subnet_allocated"
	StateIdentityIssued     EnrollmentState = "identity_issued"
	StateCertificateIssued  EnrollmentState = "certificate_issued"
	StateNetworkProvisioned EnrollmentState = "network_provisioned"
	StateComplete           EnrollmentState = "complete"
	StateFailed             EnrollmentState = "failed"
	StateCompensated        EnrollmentState = "compensated"
)

// Terminal reports whether no further transitions are possible.
func (s EnrollmentState) Terminal() bool {
	return s == StateComplete || s == StateCompensated
}

// StepKind tags one forward step of the enrollment saga.
type StepKind string

const (
	StepSubnetAllocated    StepKind = "subnet_allocated"
	StepIdentityIssued     StepKind = "identity_issued"
	StepCertificateIssued  StepKind = "certificate_issued"
	StepNetworkProvisioned StepKind = "network_provisioned"
)

// ArtifactRef is an opaque handle to a trust artifact held by a backend.
type ArtifactRef string

// StepResult records one completed forward step. The same list is walked
// forward for the response bundle and backward for compensation.
type StepResult struct {
	Kind     StepKind    `json:"step_kind"`
	Artifact ArtifactRef `json:"artifact_ref"`
	IssuedAt time.Time   `json:"issued_at"`
}

// ErrorInfo captures the terminal failure of an enrollment, plus any
// compensation failures that occurred during rollback.
type ErrorInfo struct {
	Step               StepKind `json:"step,omitempty"`
	Message            string   `json:"message"`
	CompensationErrors []string `json:"compensation_errors,omitempty"`
}

// EnrollmentRequest is a request to provision a device into a scope.
type EnrollmentRequest struct {
	DeviceID       string         `json:"device_id"`
	Site           string         `json:"site"`
	TenantID       string         `json:"tenant_id"`
	Purpose        string         `json:"purpose"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Validate checks the required request fields.
func (r EnrollmentRequest) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: missing device_id", ErrValidation)
	}
	return r.Scope().Validate()
}

// Scope returns the address pool scope the request targets.
func (r EnrollmentRequest) Scope() Scope {
	return Scope{Site: r.Site, TenantID: r.TenantID, Purpose: r.Purpose}
}

// Key returns the idempotency key: the explicit key if supplied, the
// device ID otherwise.
func (r EnrollmentRequest) Key() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return r.DeviceID
}

// EnrollmentRecord is the persisted state of one enrollment saga. It is
// written after every state transition so a crash can resume or compensate.
type EnrollmentRecord struct {
	DeviceID            string          `json:"device_id"`
	Scope               Scope           `json:"scope"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	State               EnrollmentState `json:"state"`
	CompletedSteps      []StepResult    `json:"completed_steps"`
	PartialCompensation bool            `json:"partial_compensation,omitempty"`
	Error               *ErrorInfo      `json:"error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ArtifactFor returns the artifact reference recorded for a step kind.
func (r *EnrollmentRecord) ArtifactFor(kind StepKind) (ArtifactRef, bool) {
	for _, step := range r.CompletedSteps {
		if step.Kind == kind {
			return step.Artifact, true
		}
	}
	return "", false
}

// LedgerEntry is one idempotency ledger entry: a snapshot of the record
// keyed by the request's idempotency key, expiring after the retention
// window.
type LedgerEntry struct {
	Key     string            `json:"key"`
	Record  *EnrollmentRecord `json:"record"`
	Expires time.Time         `json:"expires"`
}

// ErrUnknownStepKind is returned when a persisted record references a step
// this build does not know how to compensate.
var ErrUnknownStepKind = errors.New("unknown step kind")
