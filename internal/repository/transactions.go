package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

const transactionColumns = `id, transaction_no, order_id, user_id, amount, channel, method, prepay_id, out_trade_no,
	channel_transaction_id, pay_params, status, expired_at, paid_at, raw_callback, error_message, created_at, updated_at`

func scanTransaction(row pgx.Row) (*model.PaymentTransaction, error) {
	var (
		t       model.PaymentTransaction
		channel string
		method  string
		status  string
	)
	err := row.Scan(&t.ID, &t.TransactionNo, &t.OrderID, &t.UserID, &t.Amount, &channel, &method, &t.PrepayID,
		&t.OutTradeNo, &t.ChannelTransactionID, &t.PayParams, &status, &t.ExpiredAt, &t.PaidAt, &t.RawCallback,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Channel = model.PaymentChannel(channel)
	t.Method = model.PaymentMethod(method)
	t.Status = model.TransactionStatus(status)
	return &t, nil
}

// CreateTransaction сохраняет новую платёжную попытку.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, t *model.PaymentTransaction) error {
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO payment_transactions (transaction_no, order_id, user_id, amount, amount_fen, channel, method,
			status, expired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (transaction_no) DO NOTHING
		 RETURNING id, created_at, updated_at`,
		t.TransactionNo, t.OrderID, t.UserID, t.Amount, t.AmountFen(), string(t.Channel), string(t.Method),
		string(t.Status), t.ExpiredAt,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("%w: transaction number %s", ErrConflict, t.TransactionNo)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetTransactionByNo возвращает платёжную попытку по номеру.
func (r *PostgresRepository) GetTransactionByNo(ctx context.Context, transactionNo string) (*model.PaymentTransaction, error) {
	t, err := scanTransaction(r.q(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_no = $1`, transactionNo))
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	return t, nil
}

// LockTransactionByNo читает платёжную попытку с блокировкой строки.
func (r *PostgresRepository) LockTransactionByNo(ctx context.Context, transactionNo string) (*model.PaymentTransaction, error) {
	t, err := scanTransaction(r.q(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions WHERE transaction_no = $1 FOR UPDATE`, transactionNo))
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	return t, nil
}

// FindOpenTransaction возвращает последнюю неистёкшую попытку заказа в статусе pending.
func (r *PostgresRepository) FindOpenTransaction(ctx context.Context, orderID int64, now time.Time) (*model.PaymentTransaction, error) {
	t, err := scanTransaction(r.q(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE order_id = $1 AND status = $2 AND expired_at > $3
		 ORDER BY id DESC
		 LIMIT 1
		 FOR UPDATE`,
		orderID, string(model.TransactionStatusPending), now))
	if err != nil {
		return nil, notFound(err, "open transaction")
	}
	return t, nil
}

// SaveTransactionPrepared сохраняет идентификаторы шлюза и данные для клиента.
func (r *PostgresRepository) SaveTransactionPrepared(ctx context.Context, id int64, prepayID, outTradeNo string, params map[string]string) error {
	_, err := r.q(ctx).Exec(ctx,
		`UPDATE payment_transactions SET prepay_id = $2, out_trade_no = $3, pay_params = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, prepayID, outTradeNo, params,
	)
	if err != nil {
		return fmt.Errorf("save prepared transaction: %w", err)
	}
	return nil
}

// MarkTransactionFailed переводит pending-попытку в failed с текстом ошибки.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id int64, message string) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE payment_transactions SET status = $2, error_message = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, string(model.TransactionStatusFailed), message, string(model.TransactionStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark transaction failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireTransaction переводит pending-попытку в expired.
func (r *PostgresRepository) ExpireTransaction(ctx context.Context, id int64) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE payment_transactions SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, string(model.TransactionStatusExpired), string(model.TransactionStatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("expire transaction: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionSuccess фиксирует успешную оплату. Срабатывает ровно один раз:
// попытка, уже находящаяся в success, не изменяется и возвращается false.
func (r *PostgresRepository) MarkTransactionSuccess(ctx context.Context, id int64, channelTxID string, paidAt time.Time, raw string) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE payment_transactions
		 SET status = $2, channel_transaction_id = $3, paid_at = $4, raw_callback = $5, error_message = '', updated_at = NOW()
		 WHERE id = $1 AND status IN ($6, $7, $8)`,
		id, string(model.TransactionStatusSuccess), channelTxID, paidAt, raw,
		string(model.TransactionStatusPending), string(model.TransactionStatusFailed), string(model.TransactionStatusExpired),
	)
	if err != nil {
		return false, fmt.Errorf("mark transaction success: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireTransactions переводит все просроченные pending-попытки в expired.
func (r *PostgresRepository) ExpireTransactions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE payment_transactions SET status = $1, updated_at = NOW() WHERE status = $2 AND expired_at <= $3`,
		string(model.TransactionStatusExpired), string(model.TransactionStatusPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPendingTransactions возвращает неистёкшие pending-попытки, созданные до createdBefore.
func (r *PostgresRepository) ListPendingTransactions(ctx context.Context, createdBefore, now time.Time, limit int) ([]model.PaymentTransaction, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		 WHERE status = $1 AND created_at <= $2 AND expired_at > $3 AND out_trade_no <> ''
		 ORDER BY created_at
		 LIMIT $4`,
		string(model.TransactionStatusPending), createdBefore, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending transactions: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
