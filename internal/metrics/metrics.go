package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

// Metrics wraps Prometheus metrics for the saga orchestrator.
type Metrics struct {
	registry           *prometheus.Registry
	sagaStarted        *prometheus.CounterVec
	sagaFinished       *prometheus.CounterVec
	sagaTransitions    *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	stepErrors         *prometheus.CounterVec
	commandsDispatched *prometheus.CounterVec
	duplicateResponses prometheus.Counter
	sagasExpired       prometheus.Counter

	streamPending *prometheus.GaugeVec
	streamErrors  *prometheus.CounterVec
	streamDLQ     *prometheus.CounterVec
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	}, []string{"type"})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of sagas that reached a terminal status.",
	}, []string{"type", "status"})

	sagaTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_transition_total",
		Help: "Total number of persisted saga transitions.",
	}, []string{"type", "from", "to"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Execution time of saga steps in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type", "kind"})

	stepErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_errors_total",
		Help: "Total number of failed step executions.",
	}, []string{"type", "kind"})

	commandsDispatched := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_command_dispatched_total",
		Help: "Total number of commands sent to participants.",
	}, []string{"name"})

	duplicateResponses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_duplicate_response_total",
		Help: "Total number of ignored duplicate or late command responses.",
	})

	sagasExpired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_expired_total",
		Help: "Total number of stuck sagas expired by the reaper.",
	})

	streamPending := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redis_stream_pending",
		Help: "Number of pending messages in Redis Streams consumer groups.",
	}, []string{"stream", "group"})

	streamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_handler_errors_total",
		Help: "Total number of stream handler errors.",
	}, []string{"stream", "group"})

	streamDLQ := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redis_stream_dlq_total",
		Help: "Total number of messages moved to Redis Stream DLQ.",
	}, []string{"stream", "group"})

	registry.MustRegister(sagaStarted, sagaFinished, sagaTransitions, stepDuration, stepErrors,
		commandsDispatched, duplicateResponses, sagasExpired, streamPending, streamErrors, streamDLQ)

	return &Metrics{
		registry:           registry,
		sagaStarted:        sagaStarted,
		sagaFinished:       sagaFinished,
		sagaTransitions:    sagaTransitions,
		stepDuration:       stepDuration,
		stepErrors:         stepErrors,
		commandsDispatched: commandsDispatched,
		duplicateResponses: duplicateResponses,
		sagasExpired:       sagasExpired,
		streamPending:      streamPending,
		streamErrors:       streamErrors,
		streamDLQ:          streamDLQ,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Events returns manager hooks that feed the saga metrics.
func (m *Metrics) Events() *saga.Events {
	return &saga.Events{
		OnSagaStarted: func(_, sagaType string) {
			m.sagaStarted.WithLabelValues(sagaType).Inc()
		},
		OnSagaFinished: func(_, sagaType string, status saga.Status) {
			m.sagaFinished.WithLabelValues(sagaType, string(status)).Inc()
		},
		OnStepExecuted: func(_, sagaType string, _ int, kind saga.StepKind, _ bool, d time.Duration, err error) {
			m.stepDuration.WithLabelValues(sagaType, kind.String()).Observe(d.Seconds())
			if err != nil {
				m.stepErrors.WithLabelValues(sagaType, kind.String()).Inc()
			}
		},
		OnCommandDispatched: func(cmd saga.Command) {
			m.commandsDispatched.WithLabelValues(cmd.Name).Inc()
		},
		OnTransition: func(t saga.Transition) {
			m.sagaTransitions.WithLabelValues(t.SagaType, string(t.From), string(t.To)).Inc()
		},
		OnDuplicateResponse: func(saga.CommandResponse) {
			m.duplicateResponses.Inc()
		},
	}
}

// IncExpired increments the expired saga counter.
func (m *Metrics) IncExpired() {
	if m == nil {
		return
	}
	m.sagasExpired.Inc()
}

func (m *Metrics) SetStreamPending(stream, group string, pending int64) {
	if m == nil {
		return
	}
	m.streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func (m *Metrics) IncStreamError(stream, group string) {
	if m == nil {
		return
	}
	m.streamErrors.WithLabelValues(stream, group).Inc()
}

func (m *Metrics) IncStreamDLQ(stream, group string) {
	if m == nil {
		return
	}
	m.streamDLQ.WithLabelValues(stream, group).Inc()
}
