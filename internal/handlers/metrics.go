package handlers

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's custom Prometheus metrics, registered by
// main against the shared collector.
type Metrics struct {
	RuleOperations    *prometheus.CounterVec
	MandateOperations *prometheus.CounterVec
	DebitsSettled     *prometheus.CounterVec

	DBQueries     *prometheus.CounterVec
	DBDuration    *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec
}

var metrics *Metrics

// SetMetrics wires the custom metrics. Handlers no-op when unset, so
// tests don't need a registry.
func SetMetrics(m *Metrics) {
	metrics = m
}

func countRuleOp(operation, status string) {
	if metrics == nil || metrics.RuleOperations == nil {
		return
	}
	metrics.RuleOperations.WithLabelValues(operation, status).Inc()
}

func countMandateOp(operation, status string) {
	if metrics == nil || metrics.MandateOperations == nil {
		return
	}
	metrics.MandateOperations.WithLabelValues(operation, status).Inc()
}

func countSettlement(status string) {
	if metrics == nil || metrics.DebitsSettled == nil {
		return
	}
	metrics.DebitsSettled.WithLabelValues(status).Inc()
}
