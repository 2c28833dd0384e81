package ordersaga

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	cmds   []saga.Command
}

func (p *recordingPublisher) PublishCommand(_ context.Context, topic string, cmd saga.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.cmds = append(p.cmds, cmd)
	return nil
}

func (p *recordingPublisher) last() saga.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmds[len(p.cmds)-1]
}

func setup(t *testing.T) (*saga.Manager, *MemoryOrders, *recordingPublisher) {
	t.Helper()
	orders := NewMemoryOrders()
	reg, err := saga.NewRegistry(NewDefinition(orders))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	pub := &recordingPublisher{}
	return saga.NewManager(saga.NewMemoryStore(), reg, pub), orders, pub
}

func TestOrderCompleted(t *testing.T) {
	m, orders, pub := setup(t)
	ctx := context.Background()

	s, err := m.StartSaga(ctx, Name, saga.Data{"orderId": "o-1", "amount": 99.5})
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if s.CurrentStep() != 1 || s.Status() != saga.StatusProcessing {
		t.Fatalf("expected payment in flight, got %d/%s", s.CurrentStep(), s.Status())
	}
	payment := pub.last()
	if payment.Name != CmdCreatePayment || payment.Payload["orderId"] != "o-1" || pub.topics[0] != CommandTopic {
		t.Fatalf("unexpected payment command %+v on %s", payment, pub.topics[0])
	}

	if _, err := m.HandleCommandResponse(ctx, saga.ResponseFor(payment, true)); err != nil {
		t.Fatalf("payment response: %v", err)
	}
	booking := pub.last()
	if booking.Name != CmdCreateBooking || booking.Step != 2 {
		t.Fatalf("unexpected booking command %+v", booking)
	}

	s, err = m.HandleCommandResponse(ctx, saga.ResponseFor(booking, true))
	if err != nil {
		t.Fatalf("booking response: %v", err)
	}
	if s.Status() != saga.StatusDone || s.CurrentStep() != 3 {
		t.Fatalf("expected done at step 3, got %d/%s", s.CurrentStep(), s.Status())
	}
	if st, _ := orders.Status("o-1"); st != OrderCompleted {
		t.Fatalf("expected completed order, got %s", st)
	}
	if s.Data()["orderStatus"] != OrderCompleted {
		t.Fatalf("expected order status in saga data, got %v", s.Data()["orderStatus"])
	}
}

func TestBookingFailureCancelsPaymentAndOrder(t *testing.T) {
	m, orders, pub := setup(t)
	ctx := context.Background()

	if _, err := m.StartSaga(ctx, Name, saga.Data{"orderId": "o-2"}); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	if _, err := m.HandleCommandResponse(ctx, saga.ResponseFor(pub.last(), true)); err != nil {
		t.Fatalf("payment response: %v", err)
	}
	s, err := m.HandleCommandResponse(ctx, saga.ResponseFor(pub.last(), false))
	if err != nil {
		t.Fatalf("booking response: %v", err)
	}
	cancel := pub.last()
	if cancel.Name != CmdCancelPayment || cancel.Step != 1 || s.Status() != saga.StatusCompensating {
		t.Fatalf("expected cancel_payment in flight, got %+v (%s)", cancel, s.Status())
	}

	s, err = m.HandleCommandResponse(ctx, saga.ResponseFor(cancel, true))
	if err != nil {
		t.Fatalf("cancel response: %v", err)
	}
	if s.Status() != saga.StatusFailed || s.CurrentStep() != 0 {
		t.Fatalf("expected failed at step 0, got %d/%s", s.CurrentStep(), s.Status())
	}
	if st, _ := orders.Status("o-2"); st != OrderCanceled {
		t.Fatalf("expected canceled order, got %s", st)
	}
}

func TestPaymentFailureCancelsOrder(t *testing.T) {
	m, orders, pub := setup(t)
	ctx := context.Background()

	if _, err := m.StartSaga(ctx, Name, saga.Data{"orderId": "o-3"}); err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	s, err := m.HandleCommandResponse(ctx, saga.ResponseFor(pub.last(), false))
	if err != nil {
		t.Fatalf("payment response: %v", err)
	}
	if s.Status() != saga.StatusFailed {
		t.Fatalf("expected failed, got %s", s.Status())
	}
	if st, _ := orders.Status("o-3"); st != OrderCanceled {
		t.Fatalf("expected canceled order, got %s", st)
	}
	if len(pub.cmds) != 1 {
		t.Fatalf("expected no cancel_payment for a failed payment, got %+v", pub.cmds)
	}
}

func TestMissingOrderID(t *testing.T) {
	m, _, _ := setup(t)
	_, err := m.StartSaga(context.Background(), Name, nil)
	if !errors.Is(err, ErrMissingOrderID) || !errors.Is(err, saga.ErrLocalStep) {
		t.Fatalf("expected missing order id step error, got %v", err)
	}
}
