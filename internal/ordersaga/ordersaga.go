// Package ordersaga 下单 saga：创建订单、支付、预订，失败时按序补偿
package ordersaga

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/exchange/saga-orchestrator/pkg/saga"
)

const (
	// Name saga 类型名
	Name = "CreateOrderSaga"
	// CommandTopic 参与者订阅的命令 stream
	CommandTopic = "orders"
)

// 订单状态
const (
	OrderPending   = "pending"
	OrderCanceled  = "canceled"
	OrderCompleted = "completed"
)

// 参与者命令
const (
	CmdCreatePayment = "create_payment"
	CmdCancelPayment = "cancel_payment"
	CmdCreateBooking = "create_booking"
)

var ErrMissingOrderID = errors.New("orderId is required")

// Orders 订单状态落地
type Orders interface {
	Create(ctx context.Context, orderID string) error
	SetStatus(ctx context.Context, orderID, status string) error
}

// NewDefinition 构建 saga 计划
func NewDefinition(orders Orders) *saga.Definition {
	return &saga.Definition{
		Name:         Name,
		CommandTopic: CommandTopic,
		Steps: []saga.StepDefinition{
			saga.Local("create_order", createOrder(orders), setStatus(orders, OrderCanceled)),
			saga.Participant("payment", command(CmdCreatePayment), command(CmdCancelPayment)),
			saga.Participant("booking", command(CmdCreateBooking), nil),
			saga.Local("complete_order", setStatus(orders, OrderCompleted), nil),
		},
	}
}

func orderID(s *saga.Saga) (string, error) {
	id, _ := s.Data()["orderId"].(string)
	if id == "" {
		return "", ErrMissingOrderID
	}
	return id, nil
}

func createOrder(orders Orders) saga.LocalFunc {
	return func(ctx context.Context, s *saga.Saga) error {
		id, err := orderID(s)
		if err != nil {
			return err
		}
		if err := orders.Create(ctx, id); err != nil {
			return fmt.Errorf("create order %s: %w", id, err)
		}
		s.Data()["orderStatus"] = OrderPending
		return nil
	}
}

func setStatus(orders Orders, status string) saga.LocalFunc {
	return func(ctx context.Context, s *saga.Saga) error {
		id, err := orderID(s)
		if err != nil {
			return err
		}
		if err := orders.SetStatus(ctx, id, status); err != nil {
			return fmt.Errorf("set order %s %s: %w", id, status, err)
		}
		s.Data()["orderStatus"] = status
		return nil
	}
}

// command 将整个 saga data 作为 payload 发给参与者
func command(name string) saga.CommandFunc {
	return func(s *saga.Saga) saga.Command {
		payload := make(map[string]any, len(s.Data()))
		for k, v := range s.Data() {
			payload[k] = v
		}
		return saga.NewCommand(name, s.ID(), payload)
	}
}

// MemoryOrders 进程内订单表
type MemoryOrders struct {
	mu     sync.RWMutex
	status map[string]string
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{status: make(map[string]string)}
}

func (o *MemoryOrders) Create(_ context.Context, orderID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	// 重放 create_order 时保持幂等
	if _, ok := o.status[orderID]; !ok {
		o.status[orderID] = OrderPending
	}
	return nil
}

func (o *MemoryOrders) SetStatus(_ context.Context, orderID, status string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.status[orderID]; !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	o.status[orderID] = status
	return nil
}

// Status 查询订单状态
func (o *MemoryOrders) Status(orderID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	st, ok := o.status[orderID]
	return st, ok
}
