package saga

import "time"

// Transition describes one persisted change of a saga.
type Transition struct {
	SagaID   string
	SagaType string
	FromStep int
	ToStep   int
	From     Status
	To       Status
	Trigger  string
	Data     Data
	At       time.Time
	TraceID  string
}

// Events provides hooks for observability. All callbacks are optional.
// Handlers run synchronously; a panicking handler is recovered and never
// breaks the saga flow.
type Events struct {
	OnSagaStarted       func(sagaID, sagaType string)
	OnSagaFinished      func(sagaID, sagaType string, status Status)
	OnStepExecuted      func(sagaID, sagaType string, step int, kind StepKind, compensation bool, d time.Duration, err error)
	OnCommandDispatched func(cmd Command)
	OnTransition        func(t Transition)
	OnDuplicateResponse func(resp CommandResponse)
}

// CombineEvents fans every hook out to each non-nil set.
func CombineEvents(sets ...*Events) *Events {
	var live []*Events
	for _, e := range sets {
		if e != nil {
			live = append(live, e)
		}
	}
	if len(live) == 0 {
		return nil
	}
	if len(live) == 1 {
		return live[0]
	}
	return &Events{
		OnSagaStarted: func(sagaID, sagaType string) {
			for _, e := range live {
				if e.OnSagaStarted != nil {
					emitEvent(e, func() { e.OnSagaStarted(sagaID, sagaType) })
				}
			}
		},
		OnSagaFinished: func(sagaID, sagaType string, status Status) {
			for _, e := range live {
				if e.OnSagaFinished != nil {
					emitEvent(e, func() { e.OnSagaFinished(sagaID, sagaType, status) })
				}
			}
		},
		OnStepExecuted: func(sagaID, sagaType string, step int, kind StepKind, compensation bool, d time.Duration, err error) {
			for _, e := range live {
				if e.OnStepExecuted != nil {
					emitEvent(e, func() { e.OnStepExecuted(sagaID, sagaType, step, kind, compensation, d, err) })
				}
			}
		},
		OnCommandDispatched: func(cmd Command) {
			for _, e := range live {
				if e.OnCommandDispatched != nil {
					emitEvent(e, func() { e.OnCommandDispatched(cmd) })
				}
			}
		},
		OnTransition: func(t Transition) {
			for _, e := range live {
				if e.OnTransition != nil {
					emitEvent(e, func() { e.OnTransition(t) })
				}
			}
		},
		OnDuplicateResponse: func(resp CommandResponse) {
			for _, e := range live {
				if e.OnDuplicateResponse != nil {
					emitEvent(e, func() { e.OnDuplicateResponse(resp) })
				}
			}
		},
	}
}

// emitEvent calls handler, swallowing any panic.
func emitEvent(events *Events, handler func()) {
	if events == nil || handler == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	handler()
}
