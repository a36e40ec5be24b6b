package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

const pointColumns = `id, user_id, point_amount, used, remaining, source_type, source_id, user_membership_id,
	effective_at, expired_at, status, created_at`

func scanPointRecord(row pgx.Row) (*model.PointRecord, error) {
	var (
		p      model.PointRecord
		source string
		status string
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PointAmount, &p.Used, &p.Remaining, &source, &p.SourceID,
		&p.UserMembershipID, &p.EffectiveAt, &p.ExpiredAt, &status, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.SourceType = model.PointSource(source)
	p.Status = model.PointStatus(status)
	return &p, nil
}

func collectPointRecords(rows pgx.Rows) ([]model.PointRecord, error) {
	defer rows.Close()

	var res []model.PointRecord
	for rows.Next() {
		p, err := scanPointRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan point record: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreatePointRecord сохраняет начисление баллов.
func (r *PostgresRepository) CreatePointRecord(ctx context.Context, p *model.PointRecord) error {
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO point_records (user_id, point_amount, used, remaining, source_type, source_id,
			user_membership_id, effective_at, expired_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		p.UserID, p.PointAmount, p.Used, p.Remaining, string(p.SourceType), p.SourceID,
		p.UserMembershipID, p.EffectiveAt, p.ExpiredAt, string(p.Status),
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert point record: %w", err)
	}
	return nil
}

// SumAvailablePoints возвращает сумму остатков действующих неистёкших начислений.
func (r *PostgresRepository) SumAvailablePoints(ctx context.Context, userID int64, now time.Time) (int64, error) {
	var total int64
	err := r.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining), 0)
		 FROM point_records
		 WHERE user_id = $1 AND status = $2 AND remaining > 0 AND expired_at > $3 AND deleted_at IS NULL`,
		userID, string(model.PointStatusValid), now,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum points: %w", err)
	}
	return total, nil
}

// LockConsumablePoints блокирует доступные для списания начисления пользователя
// в порядке истечения срока (при равенстве по id).
func (r *PostgresRepository) LockConsumablePoints(ctx context.Context, userID int64, now time.Time) ([]model.PointRecord, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+pointColumns+` FROM point_records
		 WHERE user_id = $1 AND status = $2 AND remaining > 0 AND expired_at > $3 AND deleted_at IS NULL
		 ORDER BY expired_at, id
		 FOR UPDATE`,
		userID, string(model.PointStatusValid), now,
	)
	if err != nil {
		return nil, fmt.Errorf("lock point records: %w", err)
	}
	return collectPointRecords(rows)
}

// ConsumePointRecord списывает amount с остатка записи. Если остатка не хватает, возвращает ErrConflict.
func (r *PostgresRepository) ConsumePointRecord(ctx context.Context, id, amount int64) error {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE point_records SET used = used + $2, remaining = remaining - $2
		 WHERE id = $1 AND remaining >= $2`,
		id, amount,
	)
	if err != nil {
		return fmt.Errorf("consume point record: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: point record %d has less than %d remaining", ErrConflict, id, amount)
	}
	return nil
}

// CreatePointConsumption сохраняет факт списания.
func (r *PostgresRepository) CreatePointConsumption(ctx context.Context, c *model.PointConsumption) error {
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO point_consumptions (user_id, point_record_id, amount, reason, related_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		c.UserID, c.PointRecordID, c.Amount, c.Reason, c.RelatedID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert point consumption: %w", err)
	}
	return nil
}

// TransferPointRecords переносит привязку начислений с одного членства на другое.
func (r *PostgresRepository) TransferPointRecords(ctx context.Context, fromMembershipID, toMembershipID int64) (int64, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE point_records SET user_membership_id = $2 WHERE user_membership_id = $1`,
		fromMembershipID, toMembershipID,
	)
	if err != nil {
		return 0, fmt.Errorf("transfer point records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPointRecords возвращает начисления пользователя, новые первыми.
func (r *PostgresRepository) ListPointRecords(ctx context.Context, userID int64, limit, offset int) ([]model.PointRecord, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+pointColumns+` FROM point_records
		 WHERE user_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("select point records: %w", err)
	}
	return collectPointRecords(rows)
}

// SettleExpiredPoints помечает истёкшие действующие начисления как settled.
func (r *PostgresRepository) SettleExpiredPoints(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE point_records SET status = $1 WHERE status = $2 AND expired_at <= $3`,
		string(model.PointStatusSettled), string(model.PointStatusValid), now,
	)
	if err != nil {
		return 0, fmt.Errorf("settle expired points: %w", err)
	}
	return tag.RowsAffected(), nil
}
