package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

func noopLocal(context.Context, *Saga) error { return nil }

func commandNamed(name string) CommandFunc {
	return func(s *Saga) Command { return NewCommand(name, s.ID(), nil) }
}

// plan builds a definition from a shape such as "LPL": L is a local step,
// P a participant step, p a participant step without compensation.
func plan(name, shape string) *Definition {
	def := &Definition{Name: name}
	for i, c := range shape {
		stepName := fmt.Sprintf("step-%d", i)
		switch c {
		case 'L':
			def.Steps = append(def.Steps, Local(stepName, noopLocal, noopLocal))
		case 'P':
			def.Steps = append(def.Steps, Participant(stepName, commandNamed(stepName), commandNamed("undo-"+stepName)))
		case 'p':
			def.Steps = append(def.Steps, Participant(stepName, commandNamed(stepName), nil))
		}
	}
	return def
}

func restoreAt(def *Definition, step int, status Status) *Saga {
	s, err := Restore(def, &Record{ID: "s-1", Type: def.Name, CurrentStep: step, Status: status})
	if err != nil {
		panic(err)
	}
	return s
}

type fakePublisher struct {
	mu       sync.Mutex
	commands []Command
	topics   []string
	err      error
}

func (p *fakePublisher) PublishCommand(_ context.Context, topic string, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.commands = append(p.commands, cmd)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakePublisher) sent() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.commands...)
}

func (p *fakePublisher) last() Command {
	cmds := p.sent()
	if len(cmds) == 0 {
		return Command{}
	}
	return cmds[len(cmds)-1]
}

var errBoom = errors.New("boom")
