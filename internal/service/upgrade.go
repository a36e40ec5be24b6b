package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
)

const (
	daysPerYear            = 365
	compensationMultiplier = 10
)

var (
	decDaysPerYear = decimal.NewFromInt(daysPerYear)
	decMultiplier  = decimal.NewFromInt(compensationMultiplier)
)

// UpgradePrice результат расчёта доплаты за повышение уровня.
type UpgradePrice struct {
	RemainingDays          int64
	OriginalRemainingValue decimal.Decimal
	TargetRemainingValue   decimal.Decimal
	UpgradePrice           decimal.Decimal
	PointCompensation      int64
}

// RemainingDays возвращает количество оставшихся дней членства, округлённое вверх.
func RemainingDays(endDate, now time.Time) int64 {
	left := endDate.Sub(now)
	if left <= 0 {
		return 0
	}
	days := int64(left / (24 * time.Hour))
	if left%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// CalculateUpgradePrice рассчитывает доплату по годовым ценам уровней и оставшимся дням.
// Стоимость остатка округляется до копеек, доплата не бывает отрицательной,
// компенсация баллами равна доплате ×10 с округлением до целого.
func CalculateUpgradePrice(currentYearly, targetYearly decimal.Decimal, remainingDays int64) UpgradePrice {
	days := decimal.NewFromInt(remainingDays)
	original := currentYearly.Mul(days).Div(decDaysPerYear).Round(2)
	target := targetYearly.Mul(days).Div(decDaysPerYear).Round(2)

	price := target.Sub(original).Round(2)
	if price.IsNegative() {
		price = decimal.Zero
	}

	return UpgradePrice{
		RemainingDays:          remainingDays,
		OriginalRemainingValue: original,
		TargetRemainingValue:   target,
		UpgradePrice:           price,
		PointCompensation:      compensationFor(price),
	}
}

func compensationFor(price decimal.Decimal) int64 {
	return price.Mul(decMultiplier).Round(0).IntPart()
}

// UpgradeCalculator считает и выполняет повышение уровня членства.
type UpgradeCalculator struct {
	repo   Repository
	points *PointsLedger
	logger *zap.Logger
	now    func() time.Time
}

// UpgradeCheck итог проверки возможности повышения.
type UpgradeCheck struct {
	Membership   *model.UserMembership
	CurrentLevel *model.MembershipLevel
	TargetLevel  *model.MembershipLevel
}

// CanUpgrade проверяет, можно ли повысить членство пользователя до уровня targetLevelID.
// fromMembershipID, если задан, заменяет действующее сейчас членство пользователя.
// Отказы по приоритету: нет членства, срок истёк, членство неактивно, уровень не выше текущего.
// Оплаченные продления, которые ещё не начались, не повышаются: они начнутся после
// окончания повышенного срока.
func (u *UpgradeCalculator) CanUpgrade(ctx context.Context, userID, targetLevelID int64, fromMembershipID *int64) (*UpgradeCheck, error) {
	var (
		m   *model.UserMembership
		err error
	)
	if fromMembershipID != nil {
		m, err = u.repo.LockMembership(ctx, *fromMembershipID)
		if err == nil && m.UserID != userID {
			err = repository.ErrNotFound
		}
	} else {
		m, err = u.currentMembership(ctx, userID)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, upgradeNotAllowed(UpgradeReasonNoActiveMembership)
		}
		return nil, err
	}

	now := u.now()
	if m.IsExpired(now) {
		return nil, upgradeNotAllowed(UpgradeReasonExpired)
	}
	if m.Status != model.MembershipStatusActive {
		return nil, upgradeNotAllowed(UpgradeReasonInactive)
	}
	if m.StartDate.After(now) {
		return nil, upgradeNotAllowed(UpgradeReasonNoActiveMembership)
	}

	current, err := u.repo.GetMembershipLevel(ctx, m.LevelID)
	if err != nil {
		return nil, fmt.Errorf("load current level: %w", err)
	}
	target, err := u.repo.GetMembershipLevel(ctx, targetLevelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: membership level %d", ErrInvalidArgument, targetLevelID)
		}
		return nil, err
	}
	if !target.RanksAbove(current) {
		return nil, upgradeNotAllowed(UpgradeReasonLevelNotHigher)
	}

	return &UpgradeCheck{Membership: m, CurrentLevel: current, TargetLevel: target}, nil
}

// currentMembership возвращает членство, действующее сейчас. Если такого нет,
// возвращает последнее членство пользователя, чтобы отказ назвал причину.
func (u *UpgradeCalculator) currentMembership(ctx context.Context, userID int64) (*model.UserMembership, error) {
	m, err := u.repo.GetCurrentMembership(ctx, userID, u.now())
	if !errors.Is(err, repository.ErrNotFound) {
		return m, err
	}
	return u.repo.GetLatestMembership(ctx, userID)
}

// UpgradeQuote предложение повышения: проверка, целевой продукт и цена.
type UpgradeQuote struct {
	UpgradeCheck
	TargetProduct *model.Product
	Price         UpgradePrice
}

// Quote рассчитывает стоимость повышения до уровня targetLevelID.
func (u *UpgradeCalculator) Quote(ctx context.Context, userID, targetLevelID int64) (*UpgradeQuote, error) {
	check, err := u.CanUpgrade(ctx, userID, targetLevelID, nil)
	if err != nil {
		return nil, err
	}

	currentProduct, err := u.membershipProduct(ctx, check.CurrentLevel.ID)
	if err != nil {
		return nil, err
	}
	targetProduct, err := u.membershipProduct(ctx, check.TargetLevel.ID)
	if err != nil {
		return nil, err
	}

	price := CalculateUpgradePrice(currentProduct.YearlyPrice(), targetProduct.YearlyPrice(),
		RemainingDays(check.Membership.EndDate, u.now()))
	return &UpgradeQuote{UpgradeCheck: *check, TargetProduct: targetProduct, Price: price}, nil
}

func (u *UpgradeCalculator) membershipProduct(ctx context.Context, levelID int64) (*model.Product, error) {
	p, err := u.repo.FindMembershipProduct(ctx, levelID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: no membership product for level %d", ErrProductUnavailable, levelID)
		}
		return nil, err
	}
	return p, nil
}

// ExecuteUpgradeInput параметры выполнения повышения.
type ExecuteUpgradeInput struct {
	UserID           int64
	FromMembershipID *int64
	TargetLevelID    int64
	OrderID          *int64
	Price            decimal.Decimal
	Compensation     int64
}

// ExecuteUpgrade атомарно закрывает текущее членство, создаёт новое с той же датой окончания,
// переносит на него начисления баллов и записывает историю повышения.
func (u *UpgradeCalculator) ExecuteUpgrade(ctx context.Context, in ExecuteUpgradeInput) (*model.UserMembership, error) {
	var created *model.UserMembership

	err := u.repo.InTx(ctx, func(ctx context.Context) error {
		created = nil

		check, err := u.CanUpgrade(ctx, in.UserID, in.TargetLevelID, in.FromMembershipID)
		if err != nil {
			return err
		}
		old := check.Membership
		// действующее членство читается без блокировки, поэтому берём её отдельно
		if in.FromMembershipID == nil {
			if old, err = u.repo.LockMembership(ctx, old.ID); err != nil {
				return err
			}
		}

		now := u.now()
		ok, err := u.repo.SettleMembership(ctx, old.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			return upgradeNotAllowed(UpgradeReasonInactive)
		}

		sourceID := old.ID
		if in.OrderID != nil {
			sourceID = *in.OrderID
		}
		m := &model.UserMembership{
			UserID:     in.UserID,
			LevelID:    check.TargetLevel.ID,
			StartDate:  now,
			EndDate:    old.EndDate,
			Status:     model.MembershipStatusActive,
			SourceType: model.MembershipSourceUpgrade,
			SourceID:   sourceID,
		}
		if err := u.repo.CreateMembership(ctx, m); err != nil {
			return err
		}

		moved, err := u.points.TransferToMembership(ctx, old.ID, m.ID)
		if err != nil {
			return err
		}

		rec := &model.UpgradeRecord{
			UserID:            in.UserID,
			FromMembershipID:  old.ID,
			ToMembershipID:    m.ID,
			OrderID:           in.OrderID,
			UpgradePrice:      in.Price,
			PointCompensation: in.Compensation,
		}
		if err := u.repo.CreateUpgradeRecord(ctx, rec); err != nil {
			return err
		}

		u.logger.Info("membership upgraded",
			zap.Int64("user_id", in.UserID),
			zap.Int64("from_membership_id", old.ID),
			zap.Int64("to_membership_id", m.ID),
			zap.Int64("point_records_moved", moved),
			zap.String("price", in.Price.StringFixed(2)))
		created = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpgradeRequest итог запроса на повышение: либо заказ на доплату, либо сразу новое членство.
type UpgradeRequest struct {
	Quote      *UpgradeQuote
	Order      *model.Order
	Membership *model.UserMembership
}

// RequestUpgrade начинает повышение уровня. Нулевая доплата выполняет повышение сразу,
// иначе создаётся заказ типа upgrade на сумму доплаты с типизированным контекстом.
func (s *Service) RequestUpgrade(ctx context.Context, userID, targetLevelID int64) (*UpgradeRequest, error) {
	quote, err := s.upgrades.Quote(ctx, userID, targetLevelID)
	if err != nil {
		return nil, err
	}
	fromID := quote.Membership.ID
	levelID := quote.TargetLevel.ID

	if quote.Price.UpgradePrice.IsZero() {
		m, err := s.upgrades.ExecuteUpgrade(ctx, ExecuteUpgradeInput{
			UserID:           userID,
			FromMembershipID: &fromID,
			TargetLevelID:    levelID,
			Price:            decimal.Zero,
		})
		if err != nil {
			return nil, err
		}
		return &UpgradeRequest{Quote: quote, Membership: m}, nil
	}

	amount := quote.Price.UpgradePrice
	order, err := s.CreateOrder(ctx, CreateOrderInput{
		UserID:       userID,
		ProductID:    quote.TargetProduct.ID,
		Duration:     1,
		DurationUnit: quote.TargetProduct.DurationUnit,
		OrderType:    model.OrderTypeUpgrade,
		CustomAmount: &amount,
		Context:      &model.OrderContext{FromMembershipID: &fromID, TargetLevelID: &levelID},
	})
	if err != nil {
		return nil, err
	}
	return &UpgradeRequest{Quote: quote, Order: order}, nil
}

// QuoteUpgrade рассчитывает стоимость повышения для пользователя.
func (s *Service) QuoteUpgrade(ctx context.Context, userID, targetLevelID int64) (*UpgradeQuote, error) {
	return s.upgrades.Quote(ctx, userID, targetLevelID)
}
