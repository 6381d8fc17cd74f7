// Package enrollment implements the saga-style enrollment orchestrator. It
// sequences the trust backends behind their capability interfaces, persists
// progress after every state transition, retries transient failures with
// bounded backoff, and compensates completed steps in reverse order when a
// step fails terminally.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/edgesec-org/trustplane/metrics"
)

// ErrEnrollmentFailed wraps the terminal failure of an enrollment saga. The
// record returned alongside carries the full ErrorInfo.
var ErrEnrollmentFailed = errors.New("enrollment failed")

// DefaultStepTimeout bounds a single backend call attempt.
const DefaultStepTimeout = 30 * time.Second

// DefaultCompensationTimeout bounds a single compensation call.
const DefaultCompensationTimeout = 30 * time.Second

// RecordPersister persists enrollment records after every state transition
// so a crash can resume or compensate.
type RecordPersister interface {
	SaveEnrollment(ctx context.Context, rec *interfaces.EnrollmentRecord) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Registrar interfaces.AddressRegistrar
	Identity  interfaces.IdentityIssuer
	Certs     interfaces.CertificateIssuer
	Network   interfaces.NetworkAccessProvisioner
	Ledger    interfaces.IdempotencyLedger
	Records   RecordPersister

	Retry               RetryPolicy
	StepTimeout         time.Duration
	CompensationTimeout time.Duration

	Log *slog.Logger
}

// Orchestrator drives multi-backend device provisioning. Each enrollment is
// an independent unit of work; the only shared mutable state between
// distinct device workflows is the address space registry and the
// idempotency ledger.
type Orchestrator struct {
	registrar interfaces.AddressRegistrar
	identity  interfaces.IdentityIssuer
	certs     interfaces.CertificateIssuer
	network   interfaces.NetworkAccessProvisioner
	ledger    interfaces.IdempotencyLedger
	records   RecordPersister

	retry       RetryPolicy
	stepTimeout time.Duration
	compTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an orchestrator. All collaborators except Records are
// required; a nil Records disables durable record persistence.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registrar == nil {
		return nil, errors.New("enrollment: address registrar is required")
	}
	if cfg.Identity == nil {
		return nil, errors.New("enrollment: identity issuer is required")
	}
	if cfg.Certs == nil {
		return nil, errors.New("enrollment: certificate issuer is required")
	}
	if cfg.Network == nil {
		return nil, errors.New("enrollment: network access provisioner is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("enrollment: idempotency ledger is required")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = DefaultCompensationTimeout
	}

	return &Orchestrator{
		registrar:   cfg.Registrar,
		identity:    cfg.Identity,
		certs:       cfg.Certs,
		network:     cfg.Network,
		ledger:      cfg.Ledger,
		records:     cfg.Records,
		retry:       cfg.Retry.normalized(),
		stepTimeout: cfg.StepTimeout,
		compTimeout: cfg.CompensationTimeout,
		log:         cfg.Log,
		inflight:    make(map[string]struct{}),
	}, nil
}

// sagaStep pairs one forward backend operation with its compensation. The
// saga walks the same table forward on execution and backward on rollback,
// so adding a backend means adding a row, not control flow.
type sagaStep struct {
	kind       interfaces.StepKind
	state      interfaces.EnrollmentState
	run        func(ctx context.Context, rec *interfaces.EnrollmentRecord) (interfaces.ArtifactRef, error)
	compensate func(ctx context.Context, rec *interfaces.EnrollmentRecord, res interfaces.StepResult) error
}

func (o *Orchestrator) steps() []sagaStep {
	return []sagaStep{
		{
			kind:  interfaces.StepSubnetAllocated,
			state: interfaces.StateSubnetAllocated,
			run: func(ctx context.Context, rec *interfaces.EnrollmentRecord) (interfaces.ArtifactRef, error) {
				alloc, err := o.registrar.AllocateSubnet(ctx, rec.Scope, rec.DeviceID, rec.Metadata)
				if err != nil {
					return "", err
				}
				return interfaces.ArtifactRef(alloc.CIDR.String()), nil
			},
			compensate: func(ctx context.Context, rec *interfaces.EnrollmentRecord, res interfaces.StepResult) error {
				return o.registrar.ReleaseSubnet(ctx, rec.Scope, rec.DeviceID)
			},
		},
		{
			kind:  interfaces.StepIdentityIssued,
			state: interfaces.StateIdentityIssued,
			run: func(ctx context.Context, rec *interfaces.EnrollmentRecord) (interfaces.ArtifactRef, error) {
				return o.identity.RegisterIdentity(ctx, rec.DeviceID, rec.Metadata)
			},
			compensate: func(ctx context.Context, rec *interfaces.EnrollmentRecord, res interfaces.StepResult) error {
				return o.identity.RevokeIdentity(ctx, rec.DeviceID, res.Artifact)
			},
		},
		{
			kind:  interfaces.StepCertificateIssued,
			state: interfaces.StateCertificateIssued,
			run: func(ctx context.Context, rec *interfaces.EnrollmentRecord) (interfaces.ArtifactRef, error) {
				return o.certs.IssueCertificate(ctx, rec.DeviceID, rec.Scope)
			},
			compensate: func(ctx context.Context, rec *interfaces.EnrollmentRecord, res interfaces.StepResult) error {
				return o.certs.RevokeCertificate(ctx, rec.DeviceID, res.Artifact)
			},
		},
		{
			kind:  interfaces.StepNetworkProvisioned,
			state: interfaces.StateNetworkProvisioned,
			run: func(ctx context.Context, rec *interfaces.EnrollmentRecord) (interfaces.ArtifactRef, error) {
				return o.network.ProvisionAccess(ctx, rec.DeviceID, rec.Scope)
			},
			compensate: func(ctx context.Context, rec *interfaces.EnrollmentRecord, res interfaces.StepResult) error {
				return o.network.DeprovisionAccess(ctx, rec.DeviceID, res.Artifact)
			},
		},
	}
}

// Enroll runs the enrollment saga for a request. A stored terminal outcome
// for the same idempotency key is returned without touching any backend; a
// stored mid-saga record resumes from its last persisted state. A second
// concurrent request for the same key is rejected with ErrConflict.
func (o *Orchestrator) Enroll(ctx context.Context, req interfaces.EnrollmentRequest) (*interfaces.EnrollmentRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := req.Key()

	if !o.acquire(key) {
		return nil, fmt.Errorf("%w: enrollment for key %s already in flight", interfaces.ErrConflict, key)
	}
	defer o.release(key)

	rec, err := o.ledger.Lookup(ctx, key)
	switch {
	case err == nil && rec.State.Terminal():
		o.log.Debug("Returning stored enrollment outcome",
			slog.String("key", key), slog.String("state", string(rec.State)))
		return rec, o.terminalErr(rec)
	case err == nil && rec.State == interfaces.StateFailed:
		// The previous process crashed between the Failed persist and the
		// Compensated persist. It may already have revoked artifacts it
		// never recorded, so the only safe move is to finish the rollback,
		// never to re-run forward steps.
		o.log.Info("Resuming rollback of failed enrollment",
			slog.String("key", key),
			slog.Int("completed_steps", len(rec.CompletedSteps)))
		return o.settle(ctx, key, rec)
	case err == nil:
		o.log.Info("Resuming interrupted enrollment",
			slog.String("key", key),
			slog.String("state", string(rec.State)),
			slog.Int("completed_steps", len(rec.CompletedSteps)))
	case errors.Is(err, interfaces.ErrNotFound):
		now := time.Now().UTC()
		rec = &interfaces.EnrollmentRecord{
			DeviceID:  req.DeviceID,
			Scope:     req.Scope(),
			Metadata:  req.Metadata,
			State:     interfaces.StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		o.persist(ctx, key, rec)
	default:
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	return o.run(ctx, key, rec)
}

func (o *Orchestrator) run(ctx context.Context, key string, rec *interfaces.EnrollmentRecord) (*interfaces.EnrollmentRecord, error) {
	steps := o.steps()
	for i := len(rec.CompletedSteps); i < len(steps); i++ {
		step := steps[i]

		var ref interfaces.ArtifactRef
		err := o.retry.do(ctx, o.log, string(step.kind), func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
			defer cancel()

			var err error
			ref, err = step.run(attemptCtx, rec)
			return err
		})
		if err != nil {
			metrics.StepsTotal.WithLabelValues(string(step.kind), "error").Inc()
			return o.fail(ctx, key, rec, step.kind, err)
		}
		metrics.StepsTotal.WithLabelValues(string(step.kind), "ok").Inc()

		rec.CompletedSteps = append(rec.CompletedSteps, interfaces.StepResult{
			Kind:     step.kind,
			Artifact: ref,
			IssuedAt: time.Now().UTC(),
		})
		rec.State = step.state
		o.persist(ctx, key, rec)
	}

	rec.State = interfaces.StateComplete
	o.persist(ctx, key, rec)
	metrics.EnrollmentsTotal.WithLabelValues(string(interfaces.StateComplete)).Inc()
	o.log.Info("Enrollment complete",
		slog.String("device_id", rec.DeviceID),
		slog.String("scope", rec.Scope.String()))
	return rec, nil
}

// fail transitions to Failed, compensates every completed step in reverse
// order, and lands in Compensated. The caller never sees a half-applied
// artifact bundle.
func (o *Orchestrator) fail(ctx context.Context, key string, rec *interfaces.EnrollmentRecord, kind interfaces.StepKind, cause error) (*interfaces.EnrollmentRecord, error) {
	o.log.Error("Enrollment step failed",
		slog.String("device_id", rec.DeviceID),
		slog.String("step", string(kind)),
		"err", cause)

	rec.State = interfaces.StateFailed
	rec.Error = &interfaces.ErrorInfo{Step: kind, Message: cause.Error()}
	o.persist(ctx, key, rec)

	return o.settle(ctx, key, rec)
}

// settle finishes the rollback of a record in Failed: it compensates every
// completed step in reverse order and persists the Compensated terminal
// state. Both a fresh step failure and a Failed record found on resume end
// here; Failed never transitions anywhere else.
func (o *Orchestrator) settle(ctx context.Context, key string, rec *interfaces.EnrollmentRecord) (*interfaces.EnrollmentRecord, error) {
	if rec.Error == nil {
		rec.Error = &interfaces.ErrorInfo{Message: "unknown failure"}
	}

	o.compensate(ctx, rec)

	rec.State = interfaces.StateCompensated
	o.persist(ctx, key, rec)
	metrics.EnrollmentsTotal.WithLabelValues(string(interfaces.StateCompensated)).Inc()

	return rec, o.terminalErr(rec)
}

// compensate walks the completed steps backward. Compensation is
// best-effort: a failed compensation is recorded on the record and marks it
// for operator follow-up, but does not block reaching Compensated. It runs
// detached from the caller's cancellation so a deadline that aborted the
// saga cannot also abort the rollback.
func (o *Orchestrator) compensate(ctx context.Context, rec *interfaces.EnrollmentRecord) {
	detached := context.WithoutCancel(ctx)

	byKind := make(map[interfaces.StepKind]sagaStep)
	for _, step := range o.steps() {
		byKind[step.kind] = step
	}

	for i := len(rec.CompletedSteps) - 1; i >= 0; i-- {
		res := rec.CompletedSteps[i]
		step, ok := byKind[res.Kind]
		if !ok {
			rec.PartialCompensation = true
			rec.Error.CompensationErrors = append(rec.Error.CompensationErrors,
				fmt.Sprintf("%s: %v", res.Kind, interfaces.ErrUnknownStepKind))
			continue
		}

		callCtx, cancel := context.WithTimeout(detached, o.compTimeout)
		err := step.compensate(callCtx, rec, res)
		cancel()

		if err != nil {
			metrics.CompensationsTotal.WithLabelValues(string(res.Kind), "error").Inc()
			rec.PartialCompensation = true
			rec.Error.CompensationErrors = append(rec.Error.CompensationErrors,
				fmt.Sprintf("%s: %v", res.Kind, err))
			o.log.Error("Compensation failed",
				slog.String("device_id", rec.DeviceID),
				slog.String("step", string(res.Kind)),
				"err", err)
			continue
		}
		metrics.CompensationsTotal.WithLabelValues(string(res.Kind), "ok").Inc()
		o.log.Info("Compensated step",
			slog.String("device_id", rec.DeviceID),
			slog.String("step", string(res.Kind)))
	}
}

// persist writes the record through the record store and the ledger.
// Persistence failures are logged, not escalated: losing durability must
// not wedge an otherwise healthy saga.
func (o *Orchestrator) persist(ctx context.Context, key string, rec *interfaces.EnrollmentRecord) {
	rec.UpdatedAt = time.Now().UTC()

	if o.records != nil {
		if err := o.records.SaveEnrollment(ctx, rec); err != nil {
			o.log.Error("Failed to persist enrollment record",
				slog.String("device_id", rec.DeviceID), "err", err)
		}
	}
	if err := o.ledger.Record(ctx, key, rec); err != nil {
		o.log.Error("Failed to record ledger entry",
			slog.String("key", key), "err", err)
	}
}

func (o *Orchestrator) terminalErr(rec *interfaces.EnrollmentRecord) error {
	if rec.State == interfaces.StateComplete {
		return nil
	}
	if rec.Error == nil {
		return fmt.Errorf("%w: unknown failure", ErrEnrollmentFailed)
	}
	if rec.Error.Step != "" {
		return fmt.Errorf("%w: step %s: %s", ErrEnrollmentFailed, rec.Error.Step, rec.Error.Message)
	}
	return fmt.Errorf("%w: %s", ErrEnrollmentFailed, rec.Error.Message)
}

func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[key]; ok {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}
