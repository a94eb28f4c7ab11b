// Package metrics exposes Prometheus collectors for transactions, migrations
// and integrity sweeps.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mmynk/splitkeeper/internal/migration"
	"github.com/mmynk/splitkeeper/internal/txn"
)

const namespace = "splitkeeper"

// Metrics implements txn.Observer and migration.Observer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	transactions        *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	migrations          *prometheus.CounterVec
	migrationDuration   prometheus.Histogram
	sweeps              *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
	orphans             prometheus.Gauge
	debtCycles          prometheus.Gauge
}

var (
	_ txn.Observer       = (*Metrics)(nil)
	_ migration.Observer = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg. A nil reg returns
// nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "transactions_total",
			Help:      "Transactions finished, by outcome",
		}, []string{"outcome"}),

		transactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Time from begin to commit or rollback",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"outcome"}),

		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "runs_total",
			Help:      "Migration runs, by outcome",
		}, []string{"outcome"}),

		migrationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "duration_seconds",
			Help:      "Wall time of migration runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),

		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Integrity sweeps, by result",
		}, []string{"result"}),

		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of integrity sweeps",
			Buckets:   prometheus.DefBuckets,
		}),

		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "orphans",
			Help:      "Orphaned references found by the last sweep",
		}),

		debtCycles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "debt_cycles",
			Help:      "Circular debt chains found by the last sweep",
		}),
	}

	reg.MustRegister(
		m.transactions,
		m.transactionDuration,
		m.migrations,
		m.migrationDuration,
		m.sweeps,
		m.sweepDuration,
		m.orphans,
		m.debtCycles,
	)

	return m
}

// ObserveTransaction records a finished transaction.
func (m *Metrics) ObserveTransaction(outcome txn.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(string(outcome)).Inc()
	m.transactionDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

// ObserveMigration records a finished migration run.
func (m *Metrics) ObserveMigration(outcome migration.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(string(outcome)).Inc()
	if outcome != migration.OutcomeRejected {
		m.migrationDuration.Observe(d.Seconds())
	}
}

// ObserveSweep records an integrity sweep. The gauges keep their previous
// values when the sweep failed.
func (m *Metrics) ObserveSweep(orphans, cycles int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	if err != nil {
		m.sweeps.WithLabelValues("error").Inc()
		return
	}
	m.sweeps.WithLabelValues("ok").Inc()
	m.orphans.Set(float64(orphans))
	m.debtCycles.Set(float64(cycles))
}
