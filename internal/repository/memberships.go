package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

const membershipColumns = `id, user_id, level_id, start_date, end_date, status, source_type, source_id,
	settled_at, created_at, updated_at`

func scanMembership(row pgx.Row) (*model.UserMembership, error) {
	var (
		m      model.UserMembership
		status string
		source string
	)
	err := row.Scan(&m.ID, &m.UserID, &m.LevelID, &m.StartDate, &m.EndDate, &status, &source, &m.SourceID,
		&m.SettledAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = model.MembershipStatus(status)
	m.SourceType = model.MembershipSource(source)
	return &m, nil
}

// GetProduct возвращает продукт каталога.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var (
		p      model.Product
		typ    string
		unit   string
		status string
	)
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, name, type, unit_price, duration_unit, status, level_id, gift_points, point_amount, point_validity_days
		 FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &typ, &p.UnitPrice, &unit, &status, &p.LevelID, &p.GiftPoints, &p.PointAmount, &p.PointValidityDays)
	if err != nil {
		return nil, notFound(err, "product")
	}
	p.Type = model.ProductType(typ)
	p.DurationUnit = model.DurationUnit(unit)
	p.Status = model.ProductStatus(status)
	return &p, nil
}

// GetMembershipLevel возвращает уровень членства.
func (r *PostgresRepository) GetMembershipLevel(ctx context.Context, id int64) (*model.MembershipLevel, error) {
	var l model.MembershipLevel
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id, name, sort_order FROM membership_levels WHERE id = $1`, id,
	).Scan(&l.ID, &l.Name, &l.SortOrder)
	if err != nil {
		return nil, notFound(err, "membership level")
	}
	return &l, nil
}

// FindMembershipProduct возвращает продаваемый продукт членства для уровня.
func (r *PostgresRepository) FindMembershipProduct(ctx context.Context, levelID int64) (*model.Product, error) {
	var id int64
	err := r.q(ctx).QueryRow(ctx,
		`SELECT id FROM products WHERE type = $1 AND level_id = $2 AND status = $3 ORDER BY id LIMIT 1`,
		string(model.ProductTypeMembership), levelID, string(model.ProductStatusOnSale),
	).Scan(&id)
	if err != nil {
		return nil, notFound(err, "membership product")
	}
	return r.GetProduct(ctx, id)
}

// GetLatestMembership возвращает последнее членство пользователя независимо от статуса.
func (r *PostgresRepository) GetLatestMembership(ctx context.Context, userID int64) (*model.UserMembership, error) {
	m, err := scanMembership(r.q(ctx).QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM user_memberships
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, userID))
	if err != nil {
		return nil, notFound(err, "membership")
	}
	return m, nil
}

// GetActiveMembership возвращает действующее членство пользователя с самой поздней датой окончания.
func (r *PostgresRepository) GetActiveMembership(ctx context.Context, userID int64, now time.Time) (*model.UserMembership, error) {
	m, err := scanMembership(r.q(ctx).QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM user_memberships
		 WHERE user_id = $1 AND status = $2 AND end_date > $3
		 ORDER BY end_date DESC, id DESC
		 LIMIT 1`, userID, string(model.MembershipStatusActive), now))
	if err != nil {
		return nil, notFound(err, "active membership")
	}
	return m, nil
}

// GetCurrentMembership возвращает членство, действующее в момент now. Продления,
// которые начнутся позже, не учитываются.
func (r *PostgresRepository) GetCurrentMembership(ctx context.Context, userID int64, now time.Time) (*model.UserMembership, error) {
	m, err := scanMembership(r.q(ctx).QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM user_memberships
		 WHERE user_id = $1 AND status = $2 AND start_date <= $3 AND end_date > $3
		 ORDER BY end_date DESC, id DESC
		 LIMIT 1`, userID, string(model.MembershipStatusActive), now))
	if err != nil {
		return nil, notFound(err, "current membership")
	}
	return m, nil
}

// LockMembership читает членство с блокировкой строки.
func (r *PostgresRepository) LockMembership(ctx context.Context, id int64) (*model.UserMembership, error) {
	m, err := scanMembership(r.q(ctx).QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM user_memberships WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "membership")
	}
	return m, nil
}

// CreateMembership сохраняет новое членство.
func (r *PostgresRepository) CreateMembership(ctx context.Context, m *model.UserMembership) error {
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO user_memberships (user_id, level_id, start_date, end_date, status, source_type, source_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		m.UserID, m.LevelID, m.StartDate, m.EndDate, string(m.Status), string(m.SourceType), m.SourceID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// SettleMembership деактивирует действующее членство и отмечает его закрытым.
func (r *PostgresRepository) SettleMembership(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := r.q(ctx).Exec(ctx,
		`UPDATE user_memberships SET status = $2, settled_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $4`,
		id, string(model.MembershipStatusInactive), now, string(model.MembershipStatusActive),
	)
	if err != nil {
		return false, fmt.Errorf("settle membership: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateUpgradeRecord сохраняет запись истории повышения уровня.
func (r *PostgresRepository) CreateUpgradeRecord(ctx context.Context, u *model.UpgradeRecord) error {
	err := r.q(ctx).QueryRow(ctx,
		`INSERT INTO membership_upgrade_records (user_id, from_membership_id, to_membership_id, order_id,
			upgrade_price, point_compensation)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		u.UserID, u.FromMembershipID, u.ToMembershipID, u.OrderID, u.UpgradePrice, u.PointCompensation,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert upgrade record: %w", err)
	}
	return nil
}
