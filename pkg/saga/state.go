package saga

// Tick advances the saga after the current step has been executed by the
// manager. Only pending, processing and compensation react to it.
func (s *Saga) Tick() {
	switch s.status {
	case StatusPending:
		switch {
		case s.IsParticipantStep():
			s.setStatus(StatusProcessing)
		case s.IsLastStep():
			s.setStatus(StatusDone)
		default:
			s.IncrementStep()
		}
	case StatusProcessing:
		if s.IsLastStep() {
			s.setStatus(StatusDone)
			return
		}
		s.IncrementStep()
		s.setStatus(StatusPending)
	case StatusCompensation:
		if s.IsFirstStep() {
			s.setStatus(StatusFailed)
			return
		}
		if s.IsLocalStep() {
			s.DecrementStep()
			return
		}
		s.setStatus(StatusCompensating)
	case StatusCompensating, StatusFailed, StatusDone:
	}
}

// TickOnCommandResponse applies a participant verdict. Only processing and
// compensating react to it.
func (s *Saga) TickOnCommandResponse(ok bool) {
	switch s.status {
	case StatusProcessing:
		if ok {
			if s.IsLastStep() {
				s.setStatus(StatusDone)
				return
			}
			s.IncrementStep()
			s.setStatus(StatusPending)
			return
		}
		s.compensateFrom()
	case StatusCompensating:
		if ok && s.IsFirstStep() {
			s.setStatus(StatusDone)
			return
		}
		s.compensateFrom()
	case StatusPending, StatusCompensation, StatusFailed, StatusDone:
	}
}

// compensateFrom steps back to the previous step and enters compensation,
// or fails when there is nothing left to undo.
func (s *Saga) compensateFrom() {
	if s.IsFirstStep() {
		s.setStatus(StatusFailed)
		return
	}
	s.DecrementStep()
	s.setStatus(StatusCompensation)
}

func (s *Saga) setStatus(status Status) {
	if s.status != status {
		s.status = status
	}
}
