package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func counterValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	family := findMetric(t, families, name)
	if family == nil {
		t.Fatalf("expected %s metric", name)
	}
	var total float64
	for _, metric := range family.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func TestEventsFeedCounters(t *testing.T) {
	m := New()
	ev := m.Events()

	ev.OnSagaStarted("s-1", "CreateOrder")
	ev.OnStepExecuted("s-1", "CreateOrder", 0, saga.LocalStep, false, 20*time.Millisecond, nil)
	ev.OnStepExecuted("s-1", "CreateOrder", 1, saga.ParticipantStep, false, time.Millisecond, errors.New("publish"))
	ev.OnCommandDispatched(saga.Command{Name: "create_payment"})
	ev.OnTransition(saga.Transition{SagaType: "CreateOrder", From: saga.StatusPending, To: saga.StatusProcessing})
	ev.OnTransition(saga.Transition{SagaType: "CreateOrder", From: saga.StatusProcessing, To: saga.StatusDone})
	ev.OnSagaFinished("s-1", "CreateOrder", saga.StatusDone)
	ev.OnDuplicateResponse(saga.CommandResponse{})
	m.IncExpired()

	tests := map[string]float64{
		"saga_started_total":            1,
		"saga_finished_total":           1,
		"saga_transition_total":         2,
		"saga_step_errors_total":        1,
		"saga_command_dispatched_total": 1,
		"saga_duplicate_response_total": 1,
		"saga_expired_total":            1,
	}
	for name, want := range tests {
		if got := counterValue(t, m, name); got != want {
			t.Fatalf("expected %s=%v, got %v", name, want, got)
		}
	}

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	steps := findMetric(t, families, "saga_step_duration_seconds")
	if steps == nil || len(steps.GetMetric()) != 2 {
		t.Fatalf("expected step duration per kind, got %v", steps)
	}
	finished := findMetric(t, families, "saga_finished_total")
	labels := finished.GetMetric()[0].GetLabel()
	if len(labels) != 2 || labels[0].GetName() != "status" || labels[0].GetValue() != "done" {
		t.Fatalf("expected status label, got %v", labels)
	}
}

func TestStreamMetrics(t *testing.T) {
	m := New()
	m.SetStreamPending("saga.command_response", "orchestrator", 7)
	m.IncStreamError("saga.command_response", "orchestrator")
	m.IncStreamDLQ("saga.command_response", "orchestrator")

	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	pending := findMetric(t, families, "redis_stream_pending")
	if pending == nil || pending.GetMetric()[0].GetGauge().GetValue() != 7 {
		t.Fatalf("expected redis_stream_pending=7")
	}
	if got := counterValue(t, m, "redis_stream_handler_errors_total"); got != 1 {
		t.Fatalf("expected redis_stream_handler_errors_total=1, got %v", got)
	}
	if got := counterValue(t, m, "redis_stream_dlq_total"); got != 1 {
		t.Fatalf("expected redis_stream_dlq_total=1, got %v", got)
	}

	var nilMetrics *Metrics
	nilMetrics.IncStreamError("s", "g")
	nilMetrics.IncExpired()
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Events().OnSagaStarted("s-1", "CreateOrder")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `saga_started_total{type="CreateOrder"} 1`) {
		t.Fatalf("expected saga_started_total in body")
	}
}
