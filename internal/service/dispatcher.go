package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

// SettlementKind сочетание типа продукта и типа заказа, по которому выбирается обработчик.
type SettlementKind int

const (
	SettlementUnknown SettlementKind = iota
	SettlementMembershipPurchase
	SettlementMembershipRenew
	SettlementMembershipUpgrade
	SettlementPointsPurchase
)

func (k SettlementKind) String() string {
	switch k {
	case SettlementMembershipPurchase:
		return "membership_purchase"
	case SettlementMembershipRenew:
		return "membership_renew"
	case SettlementMembershipUpgrade:
		return "membership_upgrade"
	case SettlementPointsPurchase:
		return "points_purchase"
	}
	return "unknown"
}

// KindOf определяет вид расчёта для заказа на продукт.
func KindOf(p *model.Product, o *model.Order) SettlementKind {
	switch p.Type {
	case model.ProductTypeMembership:
		switch o.OrderType {
		case model.OrderTypePurchase:
			return SettlementMembershipPurchase
		case model.OrderTypeRenew:
			return SettlementMembershipRenew
		case model.OrderTypeUpgrade:
			return SettlementMembershipUpgrade
		}
	case model.ProductTypePoints:
		if o.OrderType == model.OrderTypePurchase {
			return SettlementPointsPurchase
		}
	}
	return SettlementUnknown
}

// Settlement данные, передаваемые обработчику расчёта.
type Settlement struct {
	Kind        SettlementKind
	Order       *model.Order
	Product     *model.Product
	Transaction *model.PaymentTransaction
	Now         time.Time
}

// SettlementHandler применяет успешную оплату к бизнес-состоянию.
type SettlementHandler interface {
	Name() string
	CanHandle(kind SettlementKind) bool
	Handle(ctx context.Context, st *Settlement) error
}

// Dispatcher выбирает первый подходящий обработчик в порядке приоритета.
type Dispatcher struct {
	repo     Repository
	handlers []SettlementHandler
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher создаёт диспетчер. Более специфичные обработчики передаются первыми.
func NewDispatcher(repo Repository, logger *zap.Logger, handlers ...SettlementHandler) *Dispatcher {
	return &Dispatcher{repo: repo, handlers: handlers, logger: logger, now: time.Now}
}

// Dispatch запускает ровно один обработчик для оплаченного заказа и возвращает его имя.
// Если подходящего обработчика нет, это не ошибка.
func (d *Dispatcher) Dispatch(ctx context.Context, order *model.Order, t *model.PaymentTransaction) (string, error) {
	product, err := d.repo.GetProduct(ctx, order.ProductID)
	if err != nil {
		return "", fmt.Errorf("load product for settlement: %w", err)
	}

	st := &Settlement{
		Kind:        KindOf(product, order),
		Order:       order,
		Product:     product,
		Transaction: t,
		Now:         d.now(),
	}

	for _, h := range d.handlers {
		if !h.CanHandle(st.Kind) {
			continue
		}
		if err := h.Handle(ctx, st); err != nil {
			return h.Name(), fmt.Errorf("%s: %w", h.Name(), err)
		}
		return h.Name(), nil
	}

	d.logger.Info("no settlement handler matched",
		zap.String("order_no", order.OrderNo),
		zap.String("product_type", string(product.Type)),
		zap.String("order_type", string(order.OrderType)))
	return "", nil
}
