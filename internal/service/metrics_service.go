package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation. Beyond the
// usual HTTP collectors it counts admission outcomes, compensations and
// detected invariant violations, which is what operators page on.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	admissionTotal      *prometheus.CounterVec
	compensationTotal   prometheus.Counter
	inconsistencyTotal  prometheus.Counter
	ambiguousReserve    prometheus.Counter
	reconcileQueueDepth prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	admissionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admissions_total",
		Help: "Enrollment admission attempts by outcome",
	}, []string{"outcome"})

	compensationTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seat_compensations_total",
		Help: "Seat reservations rolled back after a failed enrollment insert",
	})

	inconsistencyTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_inconsistencies_total",
		Help: "Invariant violations requiring out-of-band reconciliation",
	})

	ambiguousReserve := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_ambiguous_reserves_total",
		Help: "Seat reservations abandoned with unknown outcome",
	})

	reconcileQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seat_reconcile_queue_depth",
		Help: "Pending seat-release reconciliation jobs",
	})

	registry.MustRegister(requestDuration, requestTotal, admissionTotal,
		compensationTotal, inconsistencyTotal, ambiguousReserve, reconcileQueueDepth)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		admissionTotal:      admissionTotal,
		compensationTotal:   compensationTotal,
		inconsistencyTotal:  inconsistencyTotal,
		ambiguousReserve:    ambiguousReserve,
		reconcileQueueDepth: reconcileQueueDepth,
	}
}

// Handler exposes the /metrics endpoint.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one handled request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	s.requestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	s.requestTotal.WithLabelValues(method, path, code).Inc()
}

// ObserveAdmission records an admission attempt outcome.
func (s *MetricsService) ObserveAdmission(outcome string) {
	s.admissionTotal.WithLabelValues(outcome).Inc()
}

// ObserveCompensation records a successful seat rollback.
func (s *MetricsService) ObserveCompensation() {
	s.compensationTotal.Inc()
}

// ObserveInconsistency records an invariant violation.
func (s *MetricsService) ObserveInconsistency() {
	s.inconsistencyTotal.Inc()
}

// ObserveAmbiguousReserve records a reserve call with unknown outcome.
func (s *MetricsService) ObserveAmbiguousReserve() {
	s.ambiguousReserve.Inc()
}

// SetReconcileQueueDepth tracks outstanding reconciliation work.
func (s *MetricsService) SetReconcileQueueDepth(n int) {
	s.reconcileQueueDepth.Set(float64(n))
}
