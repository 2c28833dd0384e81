package saga

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/exchange/saga-orchestrator/pkg/logger"
	"github.com/exchange/saga-orchestrator/pkg/tracing"
)

// CommandPublisher dispatches a participant command. Delivery is
// fire-and-forget from the manager's point of view.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, topic string, cmd Command) error
}

// Option configures a Manager.
type Option func(*Manager)

func WithLocker(l Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithEvents(e *Events) Option {
	return func(m *Manager) { m.events = e }
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

func WithCommandTopic(topic string) Option {
	return func(m *Manager) {
		if topic != "" {
			m.commandTopic = topic
		}
	}
}

// Manager drives sagas: it executes steps, applies transitions, dispatches
// commands and persists every change before the next step begins.
type Manager struct {
	store        Store
	registry     *Registry
	publisher    CommandPublisher
	locker       Locker
	log          *logger.Logger
	events       *Events
	newID        func() string
	now          func() time.Time
	commandTopic string
}

func NewManager(store Store, registry *Registry, publisher CommandPublisher, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		registry:     registry,
		publisher:    publisher,
		locker:       NewKeyedMutex(),
		log:          logger.New("saga", io.Discard),
		newID:        uuid.NewString,
		now:          time.Now,
		commandTopic: DefaultCommandTopic,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSaga creates a saga of the registered type, persists its initial
// pending record and drives it until it waits for a participant or ends.
func (m *Manager) StartSaga(ctx context.Context, typeName string, data Data) (_ *Saga, err error) {
	ctx, span := tracing.StartSagaSpan(ctx, "start", "", tracing.AttrSagaType.String(typeName))
	defer func() { tracing.EndSpan(ctx, span, err) }()

	def, err := m.registry.Lookup(typeName)
	if err != nil {
		return nil, err
	}

	s := New(def, m.newID(), data)
	unlock, err := m.locker.Lock(ctx, s.ID())
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := m.save(ctx, s); err != nil {
		return nil, fmt.Errorf("persist new saga: %w", err)
	}
	span.SetAttributes(tracing.AttrSagaID.String(s.ID()))
	emitEvent(m.events, func() {
		if m.events.OnSagaStarted != nil {
			m.events.OnSagaStarted(s.ID(), s.Type())
		}
	})
	m.log.WithContext(ctx).Infof("saga started", map[string]interface{}{
		"sagaId":   s.ID(),
		"sagaType": s.Type(),
	})

	if err := m.drive(ctx, s); err != nil {
		return s, err
	}
	return s, nil
}

// RunSaga drives s under its lock. The caller's instance is updated in place.
func (m *Manager) RunSaga(ctx context.Context, s *Saga) error {
	unlock, err := m.locker.Lock(ctx, s.ID())
	if err != nil {
		return err
	}
	defer unlock()
	return m.drive(ctx, s)
}

// HandleCommandResponse applies a participant verdict to the saga it targets
// and continues driving it when the transition makes it self-driving again.
// Responses the saga is not waiting for fail with ErrDuplicateResponse and
// leave the saga untouched.
func (m *Manager) HandleCommandResponse(ctx context.Context, resp CommandResponse) (s *Saga, err error) {
	ctx, span := tracing.StartSagaSpan(ctx, "response", resp.SagaID,
		tracing.AttrCommand.String(resp.Name),
		attribute.Bool("command.ok", resp.OK),
	)
	defer func() { tracing.EndSpan(ctx, span, err, ErrDuplicateResponse) }()

	trigger := "response:ok"
	if !resp.OK {
		trigger = "response:failed"
	}
	return m.applyResponse(ctx, resp.SagaID, resp.OK, trigger, &resp, 0)
}

// Expire treats the outstanding command of a stuck saga as failed. Sagas that
// are no longer waiting for a response are returned unchanged.
//
// A positive version is the Version the caller observed when it decided the
// saga was stuck. If the saga was written since, Expire leaves it alone and
// returns ErrSagaChanged.
func (m *Manager) Expire(ctx context.Context, id string, version int64) (s *Saga, err error) {
	ctx, span := tracing.StartSagaSpan(ctx, "expire", id)
	defer func() { tracing.EndSpan(ctx, span, err, ErrSagaLocked, ErrSagaChanged) }()

	return m.applyResponse(ctx, id, false, "expire", nil, version)
}

// Resume re-enters the execution loop of a persisted saga. It is a no-op for
// sagas that wait for a response or have ended.
func (m *Manager) Resume(ctx context.Context, id string) (s *Saga, err error) {
	ctx, span := tracing.StartSagaSpan(ctx, "resume", id)
	defer func() { tracing.EndSpan(ctx, span, err) }()

	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if s, err = m.load(ctx, id); err != nil {
		return nil, err
	}
	return s, m.drive(ctx, s)
}

// Get loads a saga without taking its lock.
func (m *Manager) Get(ctx context.Context, id string) (*Saga, error) {
	return m.load(ctx, id)
}

func (m *Manager) applyResponse(ctx context.Context, id string, ok bool, trigger string, resp *CommandResponse, version int64) (*Saga, error) {
	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if version > 0 && s.Version() != version {
		return s, fmt.Errorf("saga %s at version %d, expected %d: %w", id, s.Version(), version, ErrSagaChanged)
	}

	if resp != nil {
		if dup := duplicateOf(s, *resp); dup != nil {
			emitEvent(m.events, func() {
				if m.events.OnDuplicateResponse != nil {
					m.events.OnDuplicateResponse(*resp)
				}
			})
			m.log.WithContext(ctx).Warnf("duplicate command response ignored", map[string]interface{}{
				"sagaId":      s.ID(),
				"command":     resp.Name,
				"status":      string(s.Status()),
				"currentStep": s.CurrentStep(),
			})
			return s, dup
		}
	} else if !s.Status().AwaitingResponse() {
		return s, nil
	}

	fromStep, fromStatus := s.currentStep, s.status
	s.TickOnCommandResponse(ok)
	if err := m.update(ctx, s); err != nil {
		return s, err
	}
	m.transitioned(ctx, s, fromStep, fromStatus, trigger)

	if s.Status().SelfDriving() {
		if err := m.drive(ctx, s); err != nil {
			return s, err
		}
	}
	return s, nil
}

// duplicateOf reports why resp cannot be applied to s, if it cannot.
// A response must target the current step and, when it names its command,
// the command the saga is waiting for in its current direction.
func duplicateOf(s *Saga, resp CommandResponse) error {
	if s.Status().AwaitingResponse() &&
		(resp.Step == nil || *resp.Step == s.CurrentStep()) &&
		(resp.Name == "" || resp.Name == expectedCommand(s)) {
		return nil
	}
	return &DuplicateResponseError{
		SagaID:       s.ID(),
		Status:       s.Status(),
		CurrentStep:  s.CurrentStep(),
		ResponseStep: resp.Step,
		Name:         resp.Name,
	}
}

// expectedCommand rebuilds the name of the command the saga dispatched for
// its current step. Data is unchanged between dispatch and response, so the
// producer yields the same command. Empty when nothing is outstanding.
func expectedCommand(s *Saga) string {
	if !s.IsParticipantStep() {
		return ""
	}
	step := s.CurrentStepDefinition()
	produce := step.command
	if s.Status() == StatusCompensating {
		produce = step.compensationCommand
	}
	if produce == nil {
		return ""
	}
	return produce(s).Name
}

// drive runs the execution loop while the saga does not depend on an
// external event. The caller holds the saga lock.
func (m *Manager) drive(ctx context.Context, s *Saga) error {
	for s.Status().SelfDriving() {
		if err := ctx.Err(); err != nil {
			return err
		}

		fromStep, fromStatus := s.currentStep, s.status
		dispatched, err := m.runSagaStep(ctx, s)
		if err != nil {
			return err
		}

		s.Tick()
		// A participant step without compensation has nothing to wait for.
		if s.Status() == StatusCompensating && !dispatched {
			s.TickOnCommandResponse(true)
		}

		if err := m.persist(ctx, s); err != nil {
			return fmt.Errorf("persist saga %s: %w", s.ID(), err)
		}
		m.transitioned(ctx, s, fromStep, fromStatus, "tick")
	}
	return nil
}

// runSagaStep executes the current step in the direction given by the
// status. It reports whether a command was dispatched.
func (m *Manager) runSagaStep(ctx context.Context, s *Saga) (bool, error) {
	step := s.CurrentStepDefinition()
	compensating := s.Status() == StatusCompensation
	start := m.now()

	var (
		dispatched bool
		err        error
	)
	switch step.kind {
	case LocalStep:
		fn := step.action
		if compensating {
			fn = step.compensation
		}
		if fn != nil {
			if stepErr := fn(ctx, s); stepErr != nil {
				err = &StepError{
					SagaID:       s.ID(),
					SagaType:     s.Type(),
					Step:         s.CurrentStep(),
					StepName:     step.name,
					Compensation: compensating,
					Err:          stepErr,
				}
			}
		}
	case ParticipantStep:
		produce := step.command
		if compensating {
			produce = step.compensationCommand
		}
		if produce != nil {
			err = m.dispatch(ctx, s, produce(s))
			dispatched = err == nil
		}
	}

	elapsed := m.now().Sub(start)
	emitEvent(m.events, func() {
		if m.events.OnStepExecuted != nil {
			m.events.OnStepExecuted(s.ID(), s.Type(), s.CurrentStep(), step.kind, compensating, elapsed, err)
		}
	})
	if err != nil {
		m.log.WithContext(ctx).WithError(err).Errorf("saga step failed", map[string]interface{}{
			"sagaId":       s.ID(),
			"step":         s.CurrentStep(),
			"stepName":     step.name,
			"compensation": compensating,
		})
	}
	return dispatched, err
}

func (m *Manager) dispatch(ctx context.Context, s *Saga, cmd Command) error {
	if cmd.SagaID == "" {
		cmd.SagaID = s.ID()
	}
	cmd.Step = s.CurrentStep()
	if cmd.Payload == nil {
		cmd.Payload = map[string]any{}
	}
	topic := m.commandTopic
	if s.def.CommandTopic != "" {
		topic = s.def.CommandTopic
	}
	if err := m.publisher.PublishCommand(ctx, topic, cmd); err != nil {
		return fmt.Errorf("dispatch %s for saga %s: %w", cmd.Name, s.ID(), err)
	}
	emitEvent(m.events, func() {
		if m.events.OnCommandDispatched != nil {
			m.events.OnCommandDispatched(cmd)
		}
	})
	tracing.AddEvent(ctx, "command.dispatched", tracing.AttrCommand.String(cmd.Name), tracing.AttrStep.Int(cmd.Step))
	return nil
}

func (m *Manager) transitioned(ctx context.Context, s *Saga, fromStep int, from Status, trigger string) {
	t := Transition{
		SagaID:   s.ID(),
		SagaType: s.Type(),
		FromStep: fromStep,
		ToStep:   s.CurrentStep(),
		From:     from,
		To:       s.Status(),
		Trigger:  trigger,
		Data:     s.Data(),
		At:       m.now(),
		TraceID:  tracing.TraceIDFromContext(ctx),
	}
	emitEvent(m.events, func() {
		if m.events.OnTransition != nil {
			m.events.OnTransition(t)
		}
	})
	if from != t.To && t.To.IsTerminal() {
		emitEvent(m.events, func() {
			if m.events.OnSagaFinished != nil {
				m.events.OnSagaFinished(s.ID(), s.Type(), t.To)
			}
		})
		m.log.WithContext(ctx).Infof("saga finished", map[string]interface{}{
			"sagaId":   s.ID(),
			"sagaType": s.Type(),
			"status":   string(t.To),
		})
	}
}

func (m *Manager) load(ctx context.Context, id string) (*Saga, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := m.registry.Lookup(rec.Type)
	if err != nil {
		return nil, err
	}
	return Restore(def, rec)
}

func (m *Manager) save(ctx context.Context, s *Saga) error {
	rec := s.Record()
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

// persist inserts a saga that was never stored and otherwise writes it
// through the version check.
func (m *Manager) persist(ctx context.Context, s *Saga) error {
	if s.Version() == 0 {
		return m.save(ctx, s)
	}
	return m.update(ctx, s)
}

func (m *Manager) update(ctx context.Context, s *Saga) error {
	rec := s.Record()
	if err := m.store.Update(ctx, rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}
