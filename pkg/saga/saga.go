// Package saga implements an orchestrated saga engine.
//
// A saga type is a fixed plan of steps. Local steps run side effects inside
// the orchestrator; participant steps emit a Command and wait for the
// participant's CommandResponse. When a step fails, the steps completed
// before it are compensated in reverse order. Every change of a saga is
// persisted through a Store before the next step runs, so a crashed
// orchestrator resumes from the last record.
package saga

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a saga.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompensation Status = "compensation"
	StatusCompensating Status = "compensating"
	StatusFailed       Status = "failed"
	StatusDone         Status = "done"
)

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompensation, StatusCompensating, StatusFailed, StatusDone:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// IsTerminal reports whether no further transition can happen.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusDone
}

// SelfDriving reports whether the manager keeps executing steps without
// waiting for an external event.
func (s Status) SelfDriving() bool {
	return s == StatusPending || s == StatusCompensation
}

// AwaitingResponse reports whether a participant command is outstanding.
func (s Status) AwaitingResponse() bool {
	return s == StatusProcessing || s == StatusCompensating
}

// Data is the payload carried across steps.
type Data map[string]any

// DecodeData parses a JSON object into Data. Numbers are kept as
// json.Number so integer ids beyond 2^53 survive a round trip.
func DecodeData(raw []byte) (Data, error) {
	data := Data{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// Record is the persisted form of a saga.
type Record struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Data        Data      `json:"data"`
	CurrentStep int       `json:"currentStep"`
	Status      Status    `json:"status"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Saga is one instance of a transaction. It is not safe for concurrent use;
// the manager is its only driver.
type Saga struct {
	id          string
	def         *Definition
	data        Data
	currentStep int
	status      Status
	version     int64
	createdAt   time.Time
	updatedAt   time.Time
}

// New creates a saga at the first step of def with status pending.
func New(def *Definition, id string, data Data) *Saga {
	if data == nil {
		data = Data{}
	}
	return &Saga{
		id:     id,
		def:    def,
		data:   data,
		status: StatusPending,
	}
}

// Restore rebuilds a saga from its persisted record.
func Restore(def *Definition, rec *Record) (*Saga, error) {
	if rec == nil {
		return nil, ErrNotFound
	}
	if def == nil || def.Name != rec.Type {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSagaType, rec.Type)
	}
	status, err := ParseStatus(string(rec.Status))
	if err != nil {
		return nil, err
	}
	if !status.IsTerminal() && (rec.CurrentStep < 0 || rec.CurrentStep >= len(def.Steps)) {
		return nil, &TransitionError{SagaID: rec.ID, Step: rec.CurrentStep, Steps: len(def.Steps), Op: "restore"}
	}
	data := rec.Data
	if data == nil {
		data = Data{}
	}
	return &Saga{
		id:          rec.ID,
		def:         def,
		data:        data,
		currentStep: rec.CurrentStep,
		status:      status,
		version:     rec.Version,
		createdAt:   rec.CreatedAt,
		updatedAt:   rec.UpdatedAt,
	}, nil
}

// Record snapshots the persisted columns.
func (s *Saga) Record() *Record {
	return &Record{
		ID:          s.id,
		Type:        s.def.Name,
		Data:        s.data,
		CurrentStep: s.currentStep,
		Status:      s.status,
		Version:     s.version,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
}

// apply copies store-assigned fields back after a write.
func (s *Saga) apply(rec *Record) {
	s.id = rec.ID
	s.version = rec.Version
	s.createdAt = rec.CreatedAt
	s.updatedAt = rec.UpdatedAt
}

func (s *Saga) ID() string { return s.id }
func (s *Saga) Type() string { return s.def.Name }
func (s *Saga) Data() Data { return s.data }
func (s *Saga) CurrentStep() int { return s.currentStep }
func (s *Saga) Status() Status { return s.status }
func (s *Saga) Version() int64 { return s.version }
func (s *Saga) CreatedAt() time.Time { return s.createdAt }
func (s *Saga) UpdatedAt() time.Time { return s.updatedAt }
func (s *Saga) Definition() *Definition { return s.def }

// CurrentStepDefinition returns the plan entry at the current step.
func (s *Saga) CurrentStepDefinition() StepDefinition {
	return s.def.Steps[s.currentStep]
}

func (s *Saga) IsLocalStep() bool {
	return s.CurrentStepDefinition().kind == LocalStep
}

func (s *Saga) IsParticipantStep() bool {
	return s.CurrentStepDefinition().kind == ParticipantStep
}

func (s *Saga) IsFirstStep() bool {
	return s.currentStep == 0
}

func (s *Saga) IsLastStep() bool {
	return s.currentStep == len(s.def.Steps)-1
}

// IncrementStep moves to the next step. Callers check IsLastStep first;
// moving past the end of the plan panics with a *TransitionError.
func (s *Saga) IncrementStep() {
	if s.IsLastStep() {
		panic(&TransitionError{SagaID: s.id, Step: s.currentStep, Steps: len(s.def.Steps), Op: "increment"})
	}
	s.currentStep++
}

// DecrementStep moves to the previous step. Callers check IsFirstStep first;
// moving before step 0 panics with a *TransitionError.
func (s *Saga) DecrementStep() {
	if s.IsFirstStep() {
		panic(&TransitionError{SagaID: s.id, Step: s.currentStep, Steps: len(s.def.Steps), Op: "decrement"})
	}
	s.currentStep--
}
