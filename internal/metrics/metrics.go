// Package metrics holds the Prometheus collectors of the control loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "flowguard"

// Metrics groups every collector exported on /metrics. Each instance owns
// its registry so tests can create as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	DevicesConnected prometheus.Gauge
	PollCycles       prometheus.Counter
	StatsRequests    *prometheus.CounterVec
	StaleReplies     *prometheus.CounterVec
	RepliesDropped   prometheus.Counter
	RepliesHandled   prometheus.Counter
	FlowsExtracted   prometheus.Counter
	InvalidRecords   prometheus.Counter
	Predictions      *prometheus.CounterVec
	PredictSkipped   *prometheus.CounterVec
	Mitigations      *prometheus.CounterVec
	DatasetRows      *prometheus.CounterVec
	DatasetErrors    prometheus.Counter
	ModelReady       prometheus.Gauge
	ModelAccuracy    prometheus.Gauge
	TrainingDuration prometheus.Histogram
	ReplyDuration    prometheus.Histogram
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		DevicesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "devices_connected", Help: "Number of devices in the registry.",
		}),
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "cycles_total", Help: "Polling cycles started.",
		}),
		StatsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "requests_total", Help: "Flow counter requests by result.",
		}, []string{"result"}),
		StaleReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "stale_replies_total", Help: "Replies discarded or requests expired, by reason.",
		}, []string{"reason"}),
		RepliesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "replies_dropped_total", Help: "Replies dropped because the reply channel was full.",
		}),
		RepliesHandled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "replies_handled_total", Help: "Replies processed by the workers.",
		}),
		FlowsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "flows_extracted_total", Help: "Flow records extracted from replies.",
		}),
		InvalidRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "invalid_records_total", Help: "Flow records skipped for malformed addresses.",
		}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "predictions_total", Help: "Predictions by label.",
		}, []string{"label"}),
		PredictSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "skipped_total", Help: "Flows not classified, by reason.",
		}, []string{"reason"}),
		Mitigations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mitigation", Name: "events_total", Help: "Mitigation events by outcome.",
		}, []string{"outcome"}),
		DatasetRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dataset", Name: "rows_total", Help: "Rows recorded in collect mode, by label.",
		}, []string{"label"}),
		DatasetErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dataset", Name: "write_errors_total", Help: "Failed dataset writes.",
		}),
		ModelReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "ready", Help: "1 when a model is loaded.",
		}),
		ModelAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "accuracy", Help: "Hold-out accuracy of the current model.",
		}),
		TrainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "classifier", Name: "training_seconds", Help: "Duration of training runs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ReplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "reply_seconds", Help: "Time to extract, classify and mitigate one reply.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DevicesConnected,
		m.PollCycles,
		m.StatsRequests,
		m.StaleReplies,
		m.RepliesDropped,
		m.RepliesHandled,
		m.FlowsExtracted,
		m.InvalidRecords,
		m.Predictions,
		m.PredictSkipped,
		m.Mitigations,
		m.DatasetRows,
		m.DatasetErrors,
		m.ModelReady,
		m.ModelAccuracy,
		m.TrainingDuration,
		m.ReplyDuration,
	)
	return m
}

// SetModelReady mirrors the classifier readiness.
func (m *Metrics) SetModelReady(ready bool) {
	if ready {
		m.ModelReady.Set(1)
	} else {
		m.ModelReady.Set(0)
	}
}

// ObserveTraining records a finished training run.
func (m *Metrics) ObserveTraining(accuracy float64, took time.Duration) {
	m.ModelAccuracy.Set(accuracy)
	m.TrainingDuration.Observe(took.Seconds())
}
