package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

const defaultRecordsLimit = 50

// PointsLedger журнал начислений баллов со сроком действия и списанием по порядку истечения.
type PointsLedger struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// GrantInput параметры начисления баллов.
type GrantInput struct {
	UserID       int64
	Amount       int64
	SourceType   model.PointSource
	SourceID     int64
	EffectiveAt  time.Time
	ExpiredAt    time.Time
	MembershipID *int64
}

// Grant создаёт запись начисления с used=0 и remaining=amount.
func (l *PointsLedger) Grant(ctx context.Context, in GrantInput) (*model.PointRecord, error) {
	if in.UserID <= 0 || in.Amount <= 0 {
		return nil, fmt.Errorf("%w: user and positive amount are required", ErrInvalidArgument)
	}
	if in.EffectiveAt.IsZero() {
		in.EffectiveAt = l.now()
	}
	if !in.ExpiredAt.After(in.EffectiveAt) {
		return nil, fmt.Errorf("%w: points expire before they take effect", ErrInvalidArgument)
	}

	rec := &model.PointRecord{
		UserID:           in.UserID,
		PointAmount:      in.Amount,
		Remaining:        in.Amount,
		SourceType:       in.SourceType,
		SourceID:         in.SourceID,
		UserMembershipID: in.MembershipID,
		EffectiveAt:      in.EffectiveAt,
		ExpiredAt:        in.ExpiredAt,
		Status:           model.PointStatusValid,
	}
	if err := l.repo.CreatePointRecord(ctx, rec); err != nil {
		return nil, err
	}

	l.logger.Info("points granted",
		zap.Int64("user_id", rec.UserID),
		zap.Int64("amount", rec.PointAmount),
		zap.String("source_type", string(rec.SourceType)),
		zap.Int64("source_id", rec.SourceID))
	return rec, nil
}

// AvailableBalance возвращает сумму остатков действующих неистёкших начислений.
func (l *PointsLedger) AvailableBalance(ctx context.Context, userID int64) (int64, error) {
	return l.repo.SumAvailablePoints(ctx, userID, l.now())
}

// ConsumeInput параметры списания баллов.
type ConsumeInput struct {
	UserID    int64
	Amount    int64
	Reason    string
	RelatedID string
}

// Consume списывает баллы начиная с записей, истекающих раньше (при равенстве с меньшим id).
// При нехватке возвращает ErrInsufficientPoints и ничего не меняет. Записи блокируются,
// поэтому параллельные списания одного пользователя выполняются последовательно.
func (l *PointsLedger) Consume(ctx context.Context, in ConsumeInput) ([]model.PointConsumption, error) {
	if in.UserID <= 0 || in.Amount <= 0 {
		return nil, fmt.Errorf("%w: user and positive amount are required", ErrInvalidArgument)
	}

	var out []model.PointConsumption
	err := l.repo.InTx(ctx, func(ctx context.Context) error {
		out = nil

		records, err := l.repo.LockConsumablePoints(ctx, in.UserID, l.now())
		if err != nil {
			return err
		}

		var total int64
		for _, r := range records {
			total += r.Remaining
		}
		if total < in.Amount {
			return fmt.Errorf("%w: need %d, available %d", ErrInsufficientPoints, in.Amount, total)
		}

		need := in.Amount
		for _, r := range records {
			if need == 0 {
				break
			}
			take := min(r.Remaining, need)

			if err := l.repo.ConsumePointRecord(ctx, r.ID, take); err != nil {
				return err
			}
			c := model.PointConsumption{
				UserID:        in.UserID,
				PointRecordID: r.ID,
				Amount:        take,
				Reason:        in.Reason,
				RelatedID:     in.RelatedID,
			}
			if err := l.repo.CreatePointConsumption(ctx, &c); err != nil {
				return err
			}
			out = append(out, c)
			need -= take
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("points consumed",
		zap.Int64("user_id", in.UserID),
		zap.Int64("amount", in.Amount),
		zap.Int("records", len(out)))
	return out, nil
}

// TransferToMembership переносит привязку начислений на новое членство. Остатки не меняются.
func (l *PointsLedger) TransferToMembership(ctx context.Context, fromMembershipID, toMembershipID int64) (int64, error) {
	return l.repo.TransferPointRecords(ctx, fromMembershipID, toMembershipID)
}

// ListRecords возвращает начисления пользователя.
func (l *PointsLedger) ListRecords(ctx context.Context, userID int64, limit, offset int) ([]model.PointRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultRecordsLimit
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.ListPointRecords(ctx, userID, limit, offset)
}

// SettleExpired помечает истёкшие начисления как settled; остатки не трогает.
func (l *PointsLedger) SettleExpired(ctx context.Context) (int64, error) {
	n, err := l.repo.SettleExpiredPoints(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("settle expired points: %w", err)
	}
	if n > 0 {
		l.logger.Info("expired point records settled", zap.Int64("count", n))
	}
	return n, nil
}
