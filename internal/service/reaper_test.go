package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

type nopPublisher struct{}

func (nopPublisher) PublishCommand(context.Context, string, saga.Command) error { return nil }

func newManager(t *testing.T) (*saga.Manager, *saga.MemoryStore) {
	t.Helper()
	def := &saga.Definition{Name: "T", Steps: []saga.StepDefinition{
		saga.Local("create", func(context.Context, *saga.Saga) error { return nil }, nil),
		saga.Participant("reserve", func(s *saga.Saga) saga.Command {
			return saga.NewCommand("reserve", s.ID(), nil)
		}, nil),
	}}
	reg, err := saga.NewRegistry(def)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := saga.NewMemoryStore()
	return saga.NewManager(store, reg, nopPublisher{}), store
}

func TestNewReaperValidates(t *testing.T) {
	m, store := newManager(t)
	if _, err := NewReaper(store, m, ReaperConfig{}); err == nil {
		t.Fatal("expected error for missing stuck deadline")
	}
	if _, err := NewReaper(store, m, ReaperConfig{StuckAfter: time.Minute, Schedule: "not a cron"}); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if _, err := NewReaper(store, m, ReaperConfig{StuckAfter: time.Minute, Schedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
}

func TestRunOnceExpiresStuckSagas(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	stuck, err := m.StartSaga(ctx, "T", nil)
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	finished, err := m.StartSaga(ctx, "T", nil)
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if _, err := m.HandleCommandResponse(ctx, saga.CommandResponse{Name: "reserve", SagaID: finished.ID(), OK: true}); err != nil {
		t.Fatalf("HandleCommandResponse: %v", err)
	}

	var expiredIDs []string
	later := time.Now().Add(time.Hour)
	r, err := NewReaper(store, m, ReaperConfig{
		StuckAfter: 10 * time.Minute,
		Now:        func() time.Time { return later },
		OnExpired:  func(id string) { expiredIDs = append(expiredIDs, id) },
	})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}

	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 || len(expiredIDs) != 1 || expiredIDs[0] != stuck.ID() {
		t.Fatalf("expected only %s expired, got n=%d ids=%v", stuck.ID(), n, expiredIDs)
	}
	rec, err := store.Get(ctx, stuck.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != saga.StatusFailed || rec.CurrentStep != 0 {
		t.Fatalf("expected failed at step 0, got %s at %d", rec.Status, rec.CurrentStep)
	}

	n, err = r.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second run: n=%d err=%v", n, err)
	}
}

func TestRunOnceSkipsFreshSagas(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	if _, err := m.StartSaga(ctx, "T", nil); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	r, err := NewReaper(store, m, ReaperConfig{StuckAfter: 10 * time.Minute})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	if n, err := r.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing expired, got n=%d err=%v", n, err)
	}
}

type stubLister struct{ recs []*saga.Record }

func (s stubLister) ListStale(context.Context, []saga.Status, time.Time, int) ([]*saga.Record, error) {
	return s.recs, nil
}

type expirerFunc func(ctx context.Context, id string) (*saga.Saga, error)

func (f expirerFunc) Expire(ctx context.Context, id string, _ int64) (*saga.Saga, error) {
	return f(ctx, id)
}

func TestRunOnceCollectsErrors(t *testing.T) {
	lister := stubLister{recs: []*saga.Record{{ID: "locked"}, {ID: "broken"}}}
	boom := errors.New("boom")
	r, err := NewReaper(lister, expirerFunc(func(_ context.Context, id string) (*saga.Saga, error) {
		if id == "locked" {
			return nil, saga.ErrSagaLocked
		}
		return nil, boom
	}), ReaperConfig{StuckAfter: time.Minute})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	n, err := r.RunOnce(context.Background())
	if n != 0 || !errors.Is(err, boom) {
		t.Fatalf("expected joined boom error, got n=%d err=%v", n, err)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	m, store := newManager(t)
	r, err := NewReaper(store, m, ReaperConfig{StuckAfter: time.Minute})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

type capturePublisher struct{ cmds []saga.Command }

func (p *capturePublisher) PublishCommand(_ context.Context, _ string, cmd saga.Command) error {
	p.cmds = append(p.cmds, cmd)
	return nil
}

func TestRunOnceLeavesSagaThatMovedSinceListing(t *testing.T) {
	reserve := func(name string) saga.CommandFunc {
		return func(s *saga.Saga) saga.Command { return saga.NewCommand(name, s.ID(), nil) }
	}
	def := &saga.Definition{Name: "T", Steps: []saga.StepDefinition{
		saga.Participant("reserve", reserve("reserve"), reserve("release")),
		saga.Participant("charge", reserve("charge"), nil),
	}}
	reg, err := saga.NewRegistry(def)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	store := saga.NewMemoryStore()
	pub := &capturePublisher{}
	m := saga.NewManager(store, reg, pub)
	ctx := context.Background()

	s, err := m.StartSaga(ctx, "T", nil)
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	listed, err := store.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The reserve ack lands after the sweep read the saga; charge is now in flight.
	if _, err := m.HandleCommandResponse(ctx, saga.ResponseFor(pub.cmds[0], true)); err != nil {
		t.Fatalf("HandleCommandResponse: %v", err)
	}

	r, err := NewReaper(stubLister{recs: []*saga.Record{listed}}, m, ReaperConfig{StuckAfter: time.Minute})
	if err != nil {
		t.Fatalf("NewReaper: %v", err)
	}
	n, err := r.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing expired, got n=%d err=%v", n, err)
	}
	rec, err := store.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != saga.StatusProcessing || rec.CurrentStep != 1 {
		t.Fatalf("expected processing at step 1, got %s at %d", rec.Status, rec.CurrentStep)
	}
	if len(pub.cmds) != 2 {
		t.Fatalf("expected no compensation dispatched, got %+v", pub.cmds)
	}
}
