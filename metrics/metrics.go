// Package metrics exposes Prometheus metrics for the trust provisioning
// control plane on a dedicated listen address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnrollmentsTotal counts finished enrollment sagas by terminal state.
	EnrollmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_enrollments_total",
		Help: "Finished enrollment sagas by terminal state.",
	}, []string{"state"})

	// StepsTotal counts forward saga steps by step kind and result.
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_enrollment_steps_total",
		Help: "Forward enrollment steps by kind and result.",
	}, []string{"step", "result"})

	// CompensationsTotal counts compensation calls by step kind and result.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_compensations_total",
		Help: "Compensation calls by step kind and result.",
	}, []string{"step", "result"})

	// SubnetAllocationsTotal counts subnet allocation attempts by result.
	SubnetAllocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustplane_subnet_allocations_total",
		Help: "Subnet allocation attempts by result.",
	}, []string{"result"})
)

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given service on the given address.
func New(service, listenAddr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
