// Package metrics 暴露 tranche 账本的 Prometheus 指标。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// OutcomeOK labels a successful refresh.
const OutcomeOK = "ok"

var legs = [2]string{"senior", "junior"}

// Metrics holds the collectors on a private registry. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	refreshes        *prometheus.CounterVec
	refreshDuration  *prometheus.HistogramVec
	feeAccrued       *prometheus.CounterVec
	depositedQty     *prometheus.GaugeVec
	reserveFairValue *prometheus.GaugeVec
	trancheFairValue *prometheus.GaugeVec
	lastUpdateTick   *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every collector under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "trancheledger"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "attempts_total",
			Help:      "Fair value refresh attempts by tranche and outcome.",
		}, []string{"tranche", "outcome"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of fair value refreshes in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tranche"}),
		feeAccrued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "fee_accrued_total",
			Help:      "Reserve quantity booked as fee by payoff evaluations.",
		}, []string{"tranche"}),
		depositedQty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "deposited_quantity",
			Help:      "Reserve quantity attributed to each tranche leg.",
		}, []string{"tranche", "leg"}),
		reserveFairValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "reserve_fair_value",
			Help:      "Last committed reserve fair value component.",
		}, []string{"tranche", "index"}),
		trancheFairValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "fair_value",
			Help:      "Reserve quantity per tranche token.",
		}, []string{"tranche", "leg"}),
		lastUpdateTick: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tranche",
			Name:      "last_update_tick",
			Help:      "Tick of the last committed tranche fair value.",
		}, []string{"tranche"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total HTTP requests served.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		m.refreshes,
		m.refreshDuration,
		m.feeAccrued,
		m.depositedQty,
		m.reserveFairValue,
		m.trancheFairValue,
		m.lastUpdateTick,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRefresh counts one refresh attempt. outcome is OutcomeOK or an errcode.
func (m *Metrics) ObserveRefresh(trancheID, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(trancheID, outcome).Inc()
	m.refreshDuration.WithLabelValues(trancheID).Observe(elapsed.Seconds())
}

// AddFee accrues fee reserve quantity.
func (m *Metrics) AddFee(trancheID string, fee uint64) {
	if m == nil || fee == 0 {
		return
	}
	m.feeAccrued.WithLabelValues(trancheID).Add(float64(fee))
}

// RecordState publishes the committed state of a tranche.
func (m *Metrics) RecordState(trancheID string, data tranche.Data) {
	if m == nil {
		return
	}
	for i, leg := range legs {
		m.depositedQty.WithLabelValues(trancheID, leg).Set(float64(data.DepositedQuantity[i]))
		m.trancheFairValue.WithLabelValues(trancheID, leg).Set(data.TrancheFairValue.Value[i].InexactFloat64())
	}
	for i, v := range data.ReserveFairValue.Value {
		if v.IsZero() {
			continue
		}
		m.reserveFairValue.WithLabelValues(trancheID, strconv.Itoa(i)).Set(v.InexactFloat64())
	}
	m.lastUpdateTick.WithLabelValues(trancheID).Set(float64(data.TrancheFairValue.Tracking.LastUpdate))
}

// Forget drops every series of a closed tranche.
func (m *Metrics) Forget(trancheID string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"tranche": trancheID}
	m.refreshes.DeletePartialMatch(labels)
	m.refreshDuration.DeletePartialMatch(labels)
	m.feeAccrued.DeletePartialMatch(labels)
	m.depositedQty.DeletePartialMatch(labels)
	m.reserveFairValue.DeletePartialMatch(labels)
	m.trancheFairValue.DeletePartialMatch(labels)
	m.lastUpdateTick.DeletePartialMatch(labels)
}

// Middleware records request counts and latency under route.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
