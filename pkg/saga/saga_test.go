package saga

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	for _, st := range []Status{StatusPending, StatusProcessing, StatusCompensation, StatusCompensating, StatusFailed, StatusDone} {
		got, err := ParseStatus(string(st))
		if err != nil || got != st {
			t.Fatalf("ParseStatus(%s) = %s, %v", st, got, err)
		}
	}
	if _, err := ParseStatus("running"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	if !StatusPending.SelfDriving() || !StatusCompensation.SelfDriving() || StatusProcessing.SelfDriving() {
		t.Fatal("unexpected SelfDriving classification")
	}
	if !StatusProcessing.AwaitingResponse() || !StatusCompensating.AwaitingResponse() || StatusPending.AwaitingResponse() {
		t.Fatal("unexpected AwaitingResponse classification")
	}
	if !StatusDone.IsTerminal() || !StatusFailed.IsTerminal() || StatusCompensating.IsTerminal() {
		t.Fatal("unexpected IsTerminal classification")
	}
}

func TestNewSaga(t *testing.T) {
	s := New(plan("T", "LP"), "s-1", nil)
	if s.CurrentStep() != 0 || s.Status() != StatusPending || s.Data() == nil {
		t.Fatalf("unexpected initial saga: step=%d status=%s data=%v", s.CurrentStep(), s.Status(), s.Data())
	}
	if !s.IsFirstStep() || s.IsLastStep() || !s.IsLocalStep() || s.IsParticipantStep() {
		t.Fatal("unexpected step classification at step 0")
	}
	s.IncrementStep()
	if !s.IsLastStep() || !s.IsParticipantStep() || s.CurrentStepDefinition().Name() != "step-1" {
		t.Fatal("unexpected step classification at step 1")
	}
}

func TestRestore(t *testing.T) {
	def := plan("T", "LP")

	if _, err := Restore(def, &Record{ID: "s-1", Type: "Other", Status: StatusPending}); !errors.Is(err, ErrUnknownSagaType) {
		t.Fatalf("expected ErrUnknownSagaType, got %v", err)
	}
	if _, err := Restore(def, &Record{ID: "s-1", Type: "T", Status: "bogus"}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := Restore(def, &Record{ID: "s-1", Type: "T", Status: StatusPending, CurrentStep: 2}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	s, err := Restore(def, &Record{ID: "s-1", Type: "T", Status: StatusProcessing, CurrentStep: 1, Version: 7, Data: Data{"x": 1.0}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s.ID() != "s-1" || s.Version() != 7 || s.Data()["x"] != 1.0 {
		t.Fatalf("unexpected restored saga: %+v", s.Record())
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
	}{
		{"nil", nil},
		{"no name", &Definition{Steps: plan("x", "L").Steps}},
		{"no steps", &Definition{Name: "T"}},
		{"local without action", &Definition{Name: "T", Steps: []StepDefinition{Local("a", nil, noopLocal)}}},
		{"participant without command", &Definition{Name: "T", Steps: []StepDefinition{Participant("a", nil, nil)}}},
		{"zero value step", &Definition{Name: "T", Steps: []StepDefinition{{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.def.Validate(); !errors.Is(err, ErrInvalidDefinition) {
				t.Fatalf("expected ErrInvalidDefinition, got %v", err)
			}
		})
	}
	if err := plan("T", "LPp").Validate(); err != nil {
		t.Fatalf("expected valid plan, got %v", err)
	}
}

func TestStepDefinitionHasCompensation(t *testing.T) {
	def := plan("T", "LPp")
	if !def.Steps[0].HasCompensation() || !def.Steps[1].HasCompensation() || def.Steps[2].HasCompensation() {
		t.Fatal("unexpected HasCompensation results")
	}
	if Local("x", noopLocal, nil).HasCompensation() {
		t.Fatal("local step without compensation reported one")
	}
	if LocalStep.String() != "local" || ParticipantStep.String() != "participant" {
		t.Fatal("unexpected StepKind names")
	}
}

func TestNewCommandAndResponseFor(t *testing.T) {
	cmd := NewCommand("reserve", "s-1", nil)
	if cmd.Payload == nil {
		t.Fatal("expected empty payload map")
	}
	cmd.Step = 3
	resp := ResponseFor(cmd, true)
	if resp.Step == nil || *resp.Step != 3 || !resp.OK || resp.SagaID != "s-1" || resp.Name != "reserve" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestStepErrorIs(t *testing.T) {
	err := &StepError{SagaID: "s-1", Step: 0, StepName: "a", Err: errBoom}
	if !errors.Is(err, ErrLocalStep) || !errors.Is(err, errBoom) {
		t.Fatalf("expected StepError to match ErrLocalStep and cause: %v", err)
	}
}
