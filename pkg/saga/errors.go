package saga

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support
var (
	ErrNotFound          = errors.New("saga not found")
	ErrConflict          = errors.New("saga version conflict")
	ErrUnknownSagaType   = errors.New("unknown saga type")
	ErrInvalidStatus     = errors.New("invalid saga status")
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrDuplicateResponse = errors.New("duplicate command response")
	ErrLocalStep         = errors.New("local step failed")
	ErrSagaLocked        = errors.New("saga locked")
	ErrSagaChanged       = errors.New("saga changed since it was read")
	ErrInvalidDefinition = errors.New("invalid saga definition")
)

// StepError wraps an error returned by a Local step action or compensation.
type StepError struct {
	SagaID       string
	SagaType     string
	Step         int
	StepName     string
	Compensation bool
	Err          error
}

func (e *StepError) Error() string {
	phase := "action"
	if e.Compensation {
		phase = "compensation"
	}
	return fmt.Sprintf("saga %s (%s) step %d %q %s: %v", e.SagaID, e.SagaType, e.Step, e.StepName, phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return target == ErrLocalStep
}

// TransitionError is raised (as a panic value) when a step index would leave the plan.
type TransitionError struct {
	SagaID string
	Step   int
	Steps  int
	Op     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s at step %d of %d (saga %s)", ErrInvalidTransition, e.Op, e.Step, e.Steps, e.SagaID)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// DuplicateResponseError describes a response that does not match what the saga is waiting for.
type DuplicateResponseError struct {
	SagaID       string
	Status       Status
	CurrentStep  int
	ResponseStep *int
	Name         string
}

func (e *DuplicateResponseError) Error() string {
	if e.ResponseStep != nil {
		return fmt.Sprintf("%s: saga %s %q for step %d, saga is %s at step %d",
			ErrDuplicateResponse, e.SagaID, e.Name, *e.ResponseStep, e.Status, e.CurrentStep)
	}
	return fmt.Sprintf("%s: saga %s %q, saga is %s at step %d",
		ErrDuplicateResponse, e.SagaID, e.Name, e.Status, e.CurrentStep)
}

func (e *DuplicateResponseError) Unwrap() error {
	return ErrDuplicateResponse
}
