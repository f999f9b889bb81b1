package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roundtable"

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	Turns            prometheus.Counter
	ToolCalls        *prometheus.CounterVec
	BackendRetries   *prometheus.CounterVec
	BackendLatency   *prometheus.HistogramVec
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide metrics registered on the default registry.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

// New builds a metric set and registers it on reg. A nil reg skips
// registration, which tests use to avoid collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Total session jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Total session jobs processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Total session jobs failed during processing",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total conversation sessions started",
		}),
		SessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total conversation sessions by terminal state",
		}, []string{"state"}),
		Turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total participant turns completed",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),
		BackendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_retries_total",
			Help:      "Total retried backend calls by participant",
		}, []string{"participant"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_seconds",
			Help:      "Backend call latency including retries",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"participant"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EnqueuedJobs, m.ProcessedJobs, m.FailedJobs, m.UpdatesTotal,
			m.SessionsStarted, m.SessionsFinished, m.Turns, m.ToolCalls, m.BackendRetries, m.BackendLatency,
		)
	}
	return m
}
