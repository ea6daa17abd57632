// Package metrics defines the prometheus collectors of the lottery service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tokenlottery"

type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	TicketsSold       prometheus.Counter
	PaidOut           prometheus.Counter
	OracleRequests    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lottery operations executed, by operation and result.",
		}, []string{"operation", "result"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent executing lottery operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		TicketsSold: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_sold_total",
			Help:      "Tickets issued across all lotteries.",
		}),
		PaidOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paid_out_total",
			Help:      "Amount of the payment asset paid to winners.",
		}),
		OracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_instructions_total",
			Help:      "Local oracle actions, by kind and result.",
		}, []string{"kind", "result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Operations,
			m.OperationDuration,
			m.TicketsSold,
			m.PaidOut,
			m.OracleRequests,
		)
	}
	return m
}

// ObserveOperation records one executed operation. result is "ok" for
// success and an error kind otherwise.
func (m *Metrics) ObserveOperation(op, result string, started time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveOracle records one local oracle action.
func (m *Metrics) ObserveOracle(kind, result string) {
	if m == nil {
		return
	}
	m.OracleRequests.WithLabelValues(kind, result).Inc()
}
