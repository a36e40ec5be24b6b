package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
)

// CreateOrderInput параметры создания заказа.
type CreateOrderInput struct {
	UserID       int64
	ProductID    int64
	Duration     int
	DurationUnit model.DurationUnit
	OrderType    model.OrderType
	// CustomAmount заранее рассчитанная сумма (для повышения уровня).
	CustomAmount *decimal.Decimal
	Context      *model.OrderContext
	Remark       string
}

// CreateOrder создаёт заказ в статусе pending со сроком оплаты OrderTTL.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*model.Order, error) {
	if in.UserID <= 0 || in.Duration <= 0 {
		return nil, fmt.Errorf("%w: user and positive duration are required", ErrInvalidArgument)
	}
	if in.OrderType == "" {
		in.OrderType = model.OrderTypePurchase
	}
	if !in.OrderType.Valid() {
		return nil, fmt.Errorf("%w: order type %q", ErrInvalidArgument, in.OrderType)
	}

	product, err := s.repo.GetProduct(ctx, in.ProductID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: product %d", ErrProductUnavailable, in.ProductID)
		}
		return nil, err
	}
	if !product.IsOnSale() {
		return nil, fmt.Errorf("%w: product %d is off sale", ErrProductUnavailable, product.ID)
	}

	if in.DurationUnit == "" {
		in.DurationUnit = product.DurationUnit
	}
	if in.DurationUnit != product.DurationUnit {
		return nil, fmt.Errorf("%w: product is priced per %s", ErrInvalidArgument, product.DurationUnit)
	}

	amount := product.UnitPrice.Mul(decimal.NewFromInt(int64(in.Duration)))
	if in.CustomAmount != nil {
		amount = *in.CustomAmount
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidArgument)
	}

	now := s.now()
	order := &model.Order{
		UserID:       in.UserID,
		ProductID:    product.ID,
		Amount:       amount.Round(2),
		Duration:     in.Duration,
		DurationUnit: in.DurationUnit,
		OrderType:    in.OrderType,
		Status:       model.OrderStatusPending,
		ExpiredAt:    now.Add(OrderTTL),
		Context:      in.Context,
		Remark:       in.Remark,
	}

	err = withUniqueNumber(orderNoPrefix, now, func(number string) error {
		order.OrderNo = number
		return s.repo.CreateOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	s.logger.Info("order created",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", order.UserID),
		zap.String("order_type", string(order.OrderType)),
		zap.String("amount", order.Amount.StringFixed(2)))
	return order, nil
}

// GetOrder возвращает заказ пользователя по номеру.
func (s *Service) GetOrder(ctx context.Context, userID int64, orderNo string) (*model.Order, error) {
	order, err := s.repo.GetOrderByNo(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// CancelOrder отменяет заказ пользователя. Допустимо только из pending.
// Открытая платёжная попытка истекает вместе с заказом и закрывается в шлюзе.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID int64) error {
	var open *model.PaymentTransaction

	err := s.repo.InTx(ctx, func(ctx context.Context) error {
		open = nil

		order, err := s.repo.LockOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.UserID != userID {
			return ErrForbidden
		}
		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: status %s", ErrOrderNotCancellable, order.Status)
		}

		ok, err := s.repo.CancelOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrOrderNotCancellable
		}

		t, err := s.repo.FindOpenTransaction(ctx, order.ID, s.now())
		switch {
		case err == nil:
			if _, err := s.repo.ExpireTransaction(ctx, t.ID); err != nil {
				return err
			}
			open = t
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("order cancelled", zap.Int64("order_id", orderID), zap.Int64("user_id", userID))
	if open != nil {
		s.closeAtGateway(ctx, open)
	}
	return nil
}

// IsPayable сообщает, можно ли оплатить заказ сейчас.
func (s *Service) IsPayable(o *model.Order) bool {
	return o.IsPayable(s.now())
}

// SweepExpiredOrders отменяет просроченные заказы и возвращает их количество.
// Повторный запуск не затрагивает уже отменённые заказы.
func (s *Service) SweepExpiredOrders(ctx context.Context) (int64, error) {
	n, err := s.repo.CancelExpiredOrders(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired orders: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired orders cancelled", zap.Int64("count", n))
	}
	return n, nil
}
