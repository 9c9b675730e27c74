// Package metrics exposes Prometheus collectors for contract transitions,
// settlement writes and HTTP traffic.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agencyflow/apperr"
)

const namespace = "agencyflow"

var (
	ContractTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "contract_transitions_total",
		Help:      "Contract lifecycle operations by operation and outcome.",
	}, []string{"operation", "result"})

	SettlementWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_writes_total",
		Help:      "Settlement ledger mutations by operation and outcome.",
	}, []string{"operation", "result"})

	// AllocationsWritten grows with every detail set written, including
	// reallocations. It is not the ledger balance; use the summary for that.
	AllocationsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlement_allocations_written_minor_units_total",
		Help:      "Minor currency units written as settlement details, counting each reallocation in full.",
	})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route pattern and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Register adds the collectors, plus Go and process collectors, to reg.
func Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		ContractTransitions,
		SettlementWrites,
		AllocationsWritten,
		HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.Kind(err)
}

// ObserveTransition counts one lifecycle operation outcome.
func ObserveTransition(op string, err error) {
	ContractTransitions.WithLabelValues(op, result(err)).Inc()
}

// ObserveSettlementWrite counts one ledger mutation outcome.
func ObserveSettlementWrite(op string, err error) {
	SettlementWrites.WithLabelValues(op, result(err)).Inc()
}

// ObserveAllocationWritten records a detail set written for total.
func ObserveAllocationWritten(total int64) {
	if total > 0 {
		AllocationsWritten.Add(float64(total))
	}
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
