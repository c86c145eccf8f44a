package shim

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "shim"

// Metrics groups the series the handler reports.
type Metrics struct {
	FramesReceived      metrics.Counter
	FramesSent          metrics.Counter
	Transactions        metrics.Counter
	TransactionDuration metrics.Histogram
	PendingRequests     metrics.Gauge
}

// NewMetrics registers the handler series with reg. A nil registerer yields
// metrics that are discarded.
func NewMetrics(reg prom.Registerer) *Metrics {
	if reg == nil {
		return disabledMetrics()
	}

	received := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frames_received_total",
		Help:      "Frames received from the peer, by type.",
	}, []string{"type"})
	sent := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "frames_sent_total",
		Help:      "Frames written to the peer, by type.",
	}, []string{"type"})
	txs := prom.NewCounterVec(prom.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "transactions_total",
		Help:      "Init and invoke executions, by action and result.",
	}, []string{"action", "result"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "transaction_duration_seconds",
		Help:      "Time spent executing init and invoke.",
		Buckets:   prom.DefBuckets,
	}, []string{"action"})
	pending := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_requests",
		Help:      "Requests queued or in flight towards the peer.",
	}, []string{})

	reg.MustRegister(received, sent, txs, duration, pending)

	return &Metrics{
		FramesReceived:      kitprometheus.NewCounter(received),
		FramesSent:          kitprometheus.NewCounter(sent),
		Transactions:        kitprometheus.NewCounter(txs),
		TransactionDuration: kitprometheus.NewHistogram(duration),
		PendingRequests:     kitprometheus.NewGauge(pending),
	}
}

func disabledMetrics() *Metrics {
	return &Metrics{
		FramesReceived:      discard.NewCounter(),
		FramesSent:          discard.NewCounter(),
		Transactions:        discard.NewCounter(),
		TransactionDuration: discard.NewHistogram(),
		PendingRequests:     discard.NewGauge(),
	}
}
