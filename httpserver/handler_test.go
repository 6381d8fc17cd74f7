package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/edgesec-org/trustplane/ipam"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEnroller struct {
	rec *interfaces.EnrollmentRecord
	err error
}

func (f *fakeEnroller) Enroll(ctx context.Context, req interfaces.EnrollmentRequest) (*interfaces.EnrollmentRecord, error) {
	return f.rec, f.err
}

type fakeRecords struct {
	recs map[string]*interfaces.EnrollmentRecord
}

func (f *fakeRecords) GetEnrollment(ctx context.Context, deviceID string) (*interfaces.EnrollmentRecord, error) {
	rec, ok := f.recs[deviceID]
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	return rec, nil
}

func newTestRouter(h *Handler) http.Handler {
	mux := chi.NewRouter()
	mux.Post("/api/v1/sdn/recommend/subnet", h.HandleRecommendSubnet)
	mux.Post("/api/v1/devices/enroll", h.HandleEnroll)
	mux.Get("/api/v1/devices/{device_id}/enrollment", h.HandleEnrollmentStatus)
	return mux
}

func newRecommendHandler(t *testing.T, parent string) *Handler {
	t.Helper()
	registry := ipam.NewRegistry()
	def := netip.Prefix{}
	if parent != "" {
		def = netip.MustParsePrefix(parent)
	}
	allocator := ipam.NewAllocator(registry, ipam.NewSizingPolicy(nil, 0), ipam.NewParentRanges(def, nil), testLogger())
	return NewHandler(allocator, &fakeEnroller{}, nil, testLogger())
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRecommendSubnetEmptyPool(t *testing.T) {
	router := newTestRouter(newRecommendHandler(t, ""))

	rr := postJSON(t, router, "/api/v1/sdn/recommend/subnet", map[string]any{
		"site": "hq", "tenant_id": "acme", "purpose": "iot", "device_id": "dev-1",
		"metadata": map[string]any{"rack": "r12"},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp recommendSubnetResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "10.0.0.0/28", resp.Subnet)
	assert.Equal(t, 14, resp.AvailableIPs)
	assert.Equal(t, "allocated from empty pool", resp.Reason)
	assert.Equal(t, "hq", resp.Site)
	assert.Equal(t, "acme", resp.TenantID)
	assert.Equal(t, "iot", resp.Purpose)
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.Equal(t, "r12", resp.Metadata["rack"])
}

func TestRecommendSubnetIdempotent(t *testing.T) {
	router := newTestRouter(newRecommendHandler(t, ""))
	body := map[string]any{"site": "hq", "tenant_id": "acme", "purpose": "iot", "device_id": "dev-1"}

	first := postJSON(t, router, "/api/v1/sdn/recommend/subnet", body)
	second := postJSON(t, router, "/api/v1/sdn/recommend/subnet", body)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b recommendSubnetResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.Subnet, b.Subnet)
	assert.Equal(t, a.Reason, b.Reason)
}

func TestRecommendSubnetValidation(t *testing.T) {
	router := newTestRouter(newRecommendHandler(t, ""))

	for _, body := range []map[string]any{
		{"tenant_id": "acme", "purpose": "iot", "device_id": "dev-1"},
		{"site": "hq", "purpose": "iot", "device_id": "dev-1"},
		{"site": "hq", "tenant_id": "acme", "device_id": "dev-1"},
		{"site": "hq", "tenant_id": "acme", "purpose": "iot"},
	} {
		rr := postJSON(t, router, "/api/v1/sdn/recommend/subnet", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "body %v", body)
	}
}

func TestRecommendSubnetExhausted(t *testing.T) {
	// A /26 parent holds exactly four /28 iot blocks.
	router := newTestRouter(newRecommendHandler(t, "10.0.0.0/26"))

	for i := 0; i < 4; i++ {
		rr := postJSON(t, router, "/api/v1/sdn/recommend/subnet", map[string]any{
			"site": "hq", "tenant_id": "acme", "purpose": "iot",
			"device_id": fmt.Sprintf("dev-%d", i),
		})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := postJSON(t, router, "/api/v1/sdn/recommend/subnet", map[string]any{
		"site": "hq", "tenant_id": "acme", "purpose": "iot", "device_id": "dev-overflow",
	})
	require.Equal(t, http.StatusConflict, rr.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.AvailableIPs)
	assert.Equal(t, 0, *resp.AvailableIPs)
	assert.NotEmpty(t, resp.Error)
}

func TestEnrollSuccess(t *testing.T) {
	rec := &interfaces.EnrollmentRecord{
		DeviceID: "dev-1",
		State:    interfaces.StateComplete,
		CompletedSteps: []interfaces.StepResult{
			{Kind: interfaces.StepSubnetAllocated, Artifact: "10.0.0.0/28"},
			{Kind: interfaces.StepIdentityIssued, Artifact: "idp:user:1"},
			{Kind: interfaces.StepCertificateIssued, Artifact: "ca:serial:9"},
			{Kind: interfaces.StepNetworkProvisioned, Artifact: "nac:credential:7"},
		},
	}
	h := NewHandler(nil, &fakeEnroller{rec: rec}, nil, testLogger())
	router := newTestRouter(h)

	rr := postJSON(t, router, "/api/v1/devices/enroll", map[string]any{
		"device_id": "dev-1", "site": "hq", "tenant_id": "acme", "purpose": "iot",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp enrollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, string(interfaces.StateComplete), resp.State)
	assert.Len(t, resp.Steps, 4)
}

func TestEnrollCompensatedOutcome(t *testing.T) {
	rec := &interfaces.EnrollmentRecord{
		DeviceID: "dev-2",
		State:    interfaces.StateCompensated,
		Error:    &interfaces.ErrorInfo{Step: interfaces.StepCertificateIssued, Message: "ca said no"},
	}
	h := NewHandler(nil, &fakeEnroller{rec: rec, err: fmt.Errorf("enrollment failed")}, nil, testLogger())
	router := newTestRouter(h)

	rr := postJSON(t, router, "/api/v1/devices/enroll", map[string]any{
		"device_id": "dev-2", "site": "hq", "tenant_id": "acme", "purpose": "iot",
	})
	require.Equal(t, http.StatusConflict, rr.Code)

	var resp enrollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, string(interfaces.StateCompensated), resp.State)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ca said no", resp.Error.Message)
}

func TestEnrollValidationAndConflict(t *testing.T) {
	h := NewHandler(nil, &fakeEnroller{err: fmt.Errorf("%w: missing site", interfaces.ErrValidation)}, nil, testLogger())
	rr := postJSON(t, newTestRouter(h), "/api/v1/devices/enroll", map[string]any{"device_id": "dev-1"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	h = NewHandler(nil, &fakeEnroller{err: fmt.Errorf("%w: enrollment in flight", interfaces.ErrConflict)}, nil, testLogger())
	rr = postJSON(t, newTestRouter(h), "/api/v1/devices/enroll", map[string]any{
		"device_id": "dev-1", "site": "hq", "tenant_id": "acme", "purpose": "iot",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestEnrollmentStatus(t *testing.T) {
	records := &fakeRecords{recs: map[string]*interfaces.EnrollmentRecord{
		"dev-1": {DeviceID: "dev-1", State: interfaces.StateComplete},
	}}
	h := NewHandler(nil, &fakeEnroller{}, records, testLogger())
	router := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices/dev-1/enrollment", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var rec interfaces.EnrollmentRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.Equal(t, interfaces.StateComplete, rec.State)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices/unknown/enrollment", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
