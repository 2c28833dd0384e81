package saga

import (
	"context"
	"fmt"
)

// StepKind tags a StepDefinition.
type StepKind int

const (
	LocalStep StepKind = iota + 1
	ParticipantStep
)

func (k StepKind) String() string {
	switch k {
	case LocalStep:
		return "local"
	case ParticipantStep:
		return "participant"
	default:
		return fmt.Sprintf("StepKind(%d)", int(k))
	}
}

// LocalFunc runs a side effect inside the orchestrator. It may mutate s.Data().
type LocalFunc func(ctx context.Context, s *Saga) error

// CommandFunc produces the command a participant has to perform.
type CommandFunc func(s *Saga) Command

// StepDefinition is one unit of saga work: either a pair of local side effects
// or a pair of command producers.
type StepDefinition struct {
	kind StepKind
	name string

	action       LocalFunc
	compensation LocalFunc

	command             CommandFunc
	compensationCommand CommandFunc
}

// Local defines a step executed in-process. compensation may be nil.
func Local(name string, action, compensation LocalFunc) StepDefinition {
	return StepDefinition{
		kind:         LocalStep,
		name:         name,
		action:       action,
		compensation: compensation,
	}
}

// Participant defines a step delegated to a remote participant. compensation may be nil.
func Participant(name string, action, compensation CommandFunc) StepDefinition {
	return StepDefinition{
		kind:                ParticipantStep,
		name:                name,
		command:             action,
		compensationCommand: compensation,
	}
}

func (d StepDefinition) Kind() StepKind { return d.kind }

func (d StepDefinition) Name() string { return d.name }

// HasCompensation reports whether the step declares a compensation.
func (d StepDefinition) HasCompensation() bool {
	switch d.kind {
	case LocalStep:
		return d.compensation != nil
	case ParticipantStep:
		return d.compensationCommand != nil
	default:
		return false
	}
}

func (d StepDefinition) validate(index int) error {
	switch d.kind {
	case LocalStep:
		if d.action == nil {
			return fmt.Errorf("%w: step %d %q has no local action", ErrInvalidDefinition, index, d.name)
		}
	case ParticipantStep:
		if d.command == nil {
			return fmt.Errorf("%w: step %d %q has no command", ErrInvalidDefinition, index, d.name)
		}
	default:
		return fmt.Errorf("%w: step %d %q has unknown kind %v", ErrInvalidDefinition, index, d.name, d.kind)
	}
	return nil
}

// Definition is the fixed, ordered plan of a saga type. It is configuration
// shared by every instance and is never persisted.
type Definition struct {
	Name  string
	Steps []StepDefinition
	// CommandTopic overrides the manager's command topic for this saga type.
	CommandTopic string
}

// Validate checks the plan can be driven by the manager.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil definition", ErrInvalidDefinition)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, d.Name)
	}
	for i, step := range d.Steps {
		if err := step.validate(i); err != nil {
			return err
		}
	}
	return nil
}
