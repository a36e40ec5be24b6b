package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

const orderColumns = `id, order_no, user_id, product_id, amount, duration, duration_unit, order_type,
	status, expired_at, paid_at, context, remark, created_at, updated_at, deleted_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o      model.Order
		rawCtx []byte
		unit   string
		typ    string
		status string
	)
	err := row.Scan(&o.ID, &o.OrderNo, &o.UserID, &o.ProductID, &o.Amount, &o.Duration, &unit, &typ,
		&status, &o.ExpiredAt, &o.PaidAt, &rawCtx, &o.Remark, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt)
	if err != nil {
		return nil, err
	}
	o.DurationUnit = model.DurationUnit(unit)
	o.OrderType = model.OrderType(typ)
	o.Status = model.OrderStatus(status)
	o.Context = model.ParseOrderContext(rawCtx)
	return &o, nil
}

// CreateOrder сохраняет новый заказ и заполняет ID и отметки времени.
// Занятый номер заказа возвращает ErrConflict.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	var rawCtx []byte
	if o.Context != nil {
		b, err := json.Marshal(o.Context)
		if err != nil {
			return fmt.Errorf("encode order context: %w", err)
		}
		rawCtx = b
	}

	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO orders (order_no, user_id, product_id, amount, duration, duration_unit, order_type,
			status, expired_at, context, remark)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (order_no) DO NOTHING
		 RETURNING id, created_at, updated_at`,
		o.OrderNo, o.UserID, o.ProductID, o.Amount, o.Duration, string(o.DurationUnit), string(o.OrderType),
		string(o.Status), o.ExpiredAt, rawCtx, o.Remark,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("%w: order number %s", ErrConflict, o.OrderNo)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.q(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND deleted_at IS NULL`, id))
	if err != nil {
		return nil, notFound(err, "order")
	}
	return o, nil
}

// GetOrderByNo возвращает заказ по номеру.
func (r *PostgresRepository) GetOrderByNo(ctx context.Context, orderNo string) (*model.Order, error) {
	o, err := scanOrder(r.q(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_no = $1 AND deleted_at IS NULL`, orderNo))
	if err != nil {
		return nil, notFound(err, "order")
	}
	return o, nil
}

// LockOrder читает заказ с блокировкой строки до конца транзакции.
func (r *PostgresRepository) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	o, err := scanOrder(r.q(ctx).QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "order")
	}
	return o, nil
}

// CancelOrder переводит заказ из pending в cancelled. Возвращает false, если заказ уже не pending.
func (r *PostgresRepository) CancelOrder(ctx context.Context, id int64) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, string(model.OrderStatusCancelled), string(model.OrderStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkOrderPaid переводит заказ из pending в paid. Возвращает false, если заказ уже не pending.
func (r *PostgresRepository) MarkOrderPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders SET status = $2, paid_at = $3, updated_at = NOW() WHERE id = $1 AND status = $4`,
		id, string(model.OrderStatusPaid), paidAt, string(model.OrderStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark order paid: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelExpiredOrders отменяет все просроченные заказы в статусе pending и возвращает их количество.
func (r *PostgresRepository) CancelExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE status = $2 AND expired_at <= $3 AND deleted_at IS NULL`,
		string(model.OrderStatusCancelled), string(model.OrderStatusPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel expired orders: %w", err)
	}
	return tag.RowsAffected(), nil
}
