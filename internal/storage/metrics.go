// Defines Prometheus metrics for store operations.

package storage

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dberrors "github.com/maruel/fsdb/internal/errors"
)

// Metrics holds the Prometheus metrics of a Store. A nil *Metrics records
// nothing.
type Metrics struct {
	Operations   *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	CacheLookups *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// creates unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsdb_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"collection", "op", "result"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fsdb_operation_duration_seconds",
				Help:    "Duration of store operations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"op"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fsdb_cache_lookups_total",
				Help: "Record cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// observe is meant to be deferred with a pointer to the named error result.
func (m *Metrics) observe(collection, op string, start time.Time, err *error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(collection, op, resultOf(*err)).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, dberrors.ErrNotFound):
		return "not_found"
	case errors.Is(err, dberrors.ErrConflict):
		return "conflict"
	case errors.Is(err, dberrors.ErrValidationFailed),
		errors.Is(err, dberrors.ErrSecurity),
		errors.Is(err, dberrors.ErrPropertyProtected):
		return "rejected"
	default:
		return "error"
	}
}
