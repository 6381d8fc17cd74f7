package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edgesec-org/trustplane/interfaces"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Enroller runs the enrollment saga for a request.
type Enroller interface {
	Enroll(ctx context.Context, req interfaces.EnrollmentRequest) (*interfaces.EnrollmentRecord, error)
}

// EnrollmentReader looks up the stored enrollment record for a device.
type EnrollmentReader interface {
	GetEnrollment(ctx context.Context, deviceID string) (*interfaces.EnrollmentRecord, error)
}

// Handler processes HTTP requests for the trust provisioning control plane.
type Handler struct {
	registrar interfaces.AddressRegistrar
	enroller  Enroller
	records   EnrollmentReader
	log       *slog.Logger
}

// NewHandler creates an HTTP request handler. records may be nil, in which
// case enrollment status lookups answer 404.
func NewHandler(registrar interfaces.AddressRegistrar, enroller Enroller, records EnrollmentReader, log *slog.Logger) *Handler {
	return &Handler{
		registrar: registrar,
		enroller:  enroller,
		records:   records,
		log:       log,
	}
}

type recommendSubnetRequest struct {
	Site     string         `json:"site"`
	TenantID string         `json:"tenant_id"`
	Purpose  string         `json:"purpose"`
	DeviceID string         `json:"device_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type recommendSubnetResponse struct {
	Subnet       string         `json:"subnet"`
	Site         string         `json:"site"`
	TenantID     string         `json:"tenant_id"`
	Purpose      string         `json:"purpose"`
	DeviceID     string         `json:"device_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Reason       string         `json:"reason"`
	AvailableIPs int            `json:"available_ips"`
}

type errorResponse struct {
	Error        string `json:"error"`
	AvailableIPs *int   `json:"available_ips,omitempty"`
}

// HandleRecommendSubnet allocates (or returns the existing) subnet for a
// device within its site/tenant/purpose scope.
//
// URL format: POST /api/v1/sdn/recommend/subnet
func (h *Handler) HandleRecommendSubnet(w http.ResponseWriter, r *http.Request) {
	var req recommendSubnetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	scope := interfaces.Scope{Site: req.Site, TenantID: req.TenantID, Purpose: req.Purpose}
	alloc, err := h.registrar.AllocateSubnet(r.Context(), scope, req.DeviceID, req.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, interfaces.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, interfaces.ErrExhaustedAddressSpace):
			zero := 0
			writeError(w, http.StatusConflict, err.Error(), &zero)
		default:
			h.log.Error("Subnet recommendation failed", "err", err,
				slog.String("device_id", req.DeviceID))
			writeError(w, http.StatusInternalServerError, "subnet allocation failed", nil)
		}
		return
	}

	writeJSON(w, http.StatusOK, recommendSubnetResponse{
		Subnet:       alloc.CIDR.String(),
		Site:         req.Site,
		TenantID:     req.TenantID,
		Purpose:      req.Purpose,
		DeviceID:     req.DeviceID,
		Metadata:     req.Metadata,
		Reason:       alloc.Reason,
		AvailableIPs: alloc.AvailableIPs,
	})
}

type enrollRequest struct {
	DeviceID       string         `json:"device_id"`
	Site           string         `json:"site"`
	TenantID       string         `json:"tenant_id"`
	Purpose        string         `json:"purpose"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type enrollResponse struct {
	DeviceID            string                  `json:"device_id"`
	State               string                  `json:"state"`
	Success             bool                    `json:"success"`
	Steps               []interfaces.StepResult `json:"steps,omitempty"`
	PartialCompensation bool                    `json:"partial_compensation,omitempty"`
	Error               *interfaces.ErrorInfo   `json:"error,omitempty"`
}

// HandleEnroll runs the full enrollment saga for a device and reports the
// terminal outcome.
//
// URL format: POST /api/v1/devices/enroll
func (h *Handler) HandleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	rec, err := h.enroller.Enroll(r.Context(), interfaces.EnrollmentRequest{
		DeviceID:       req.DeviceID,
		Site:           req.Site,
		TenantID:       req.TenantID,
		Purpose:        req.Purpose,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil && rec == nil {
		switch {
		case errors.Is(err, interfaces.ErrValidation):
			writeError(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, interfaces.ErrConflict):
			writeError(w, http.StatusConflict, err.Error(), nil)
		default:
			h.log.Error("Enrollment failed before the saga started", "err", err,
				slog.String("device_id", req.DeviceID))
			writeError(w, http.StatusInternalServerError, "enrollment failed", nil)
		}
		return
	}

	resp := enrollResponse{
		DeviceID:            rec.DeviceID,
		State:               string(rec.State),
		Success:             rec.State == interfaces.StateComplete,
		Steps:               rec.CompletedSteps,
		PartialCompensation: rec.PartialCompensation,
		Error:               rec.Error,
	}
	status := http.StatusOK
	if !resp.Success {
		// The saga ran and rolled back; the outcome is a resource state,
		// not a transport failure.
		status = http.StatusConflict
	}
	writeJSON(w, status, resp)
}

// HandleEnrollmentStatus returns the stored enrollment record for a device.
//
// URL format: GET /api/v1/devices/{device_id}/enrollment
func (h *Handler) HandleEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "missing device_id", nil)
		return
	}

	if h.records == nil {
		writeError(w, http.StatusNotFound, "no enrollment record", nil)
		return
	}

	rec, err := h.records.GetEnrollment(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRecordNotFound) || errors.Is(err, interfaces.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no enrollment record", nil)
			return
		}
		h.log.Error("Enrollment status lookup failed", "err", err,
			slog.String("device_id", deviceID))
		writeError(w, http.StatusInternalServerError, "record lookup failed", nil)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, availableIPs *int) {
	writeJSON(w, status, errorResponse{Error: msg, AvailableIPs: availableIPs})
}
