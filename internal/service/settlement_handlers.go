package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
)

const defaultPointValidityDays = 365

// membershipUpgradeHandler выполняет оплаченное повышение уровня и начисляет компенсацию.
type membershipUpgradeHandler struct {
	upgrades *UpgradeCalculator
	points   *PointsLedger
}

func (h *membershipUpgradeHandler) Name() string { return "membership_upgrade" }

func (h *membershipUpgradeHandler) CanHandle(kind SettlementKind) bool {
	return kind == SettlementMembershipUpgrade
}

func (h *membershipUpgradeHandler) Handle(ctx context.Context, st *Settlement) error {
	var fromID, targetLevelID *int64
	if st.Order.Context != nil {
		fromID = st.Order.Context.FromMembershipID
		targetLevelID = st.Order.Context.TargetLevelID
	}
	if targetLevelID == nil {
		targetLevelID = st.Product.LevelID
	}
	if targetLevelID == nil {
		return fmt.Errorf("upgrade order %s has no target level", st.Order.OrderNo)
	}

	orderID := st.Order.ID
	compensation := compensationFor(st.Order.Amount)
	m, err := h.upgrades.ExecuteUpgrade(ctx, ExecuteUpgradeInput{
		UserID:           st.Order.UserID,
		FromMembershipID: fromID,
		TargetLevelID:    *targetLevelID,
		OrderID:          &orderID,
		Price:            st.Order.Amount,
		Compensation:     compensation,
	})
	if err != nil {
		return err
	}

	if compensation <= 0 || !m.EndDate.After(st.Now) {
		return nil
	}
	_, err = h.points.Grant(ctx, GrantInput{
		UserID:       st.Order.UserID,
		Amount:       compensation,
		SourceType:   model.PointSourceUpgradeCompensation,
		SourceID:     st.Order.ID,
		EffectiveAt:  st.Now,
		ExpiredAt:    m.EndDate,
		MembershipID: &m.ID,
	})
	return err
}

// membershipPurchaseHandler создаёт или продлевает членство и начисляет подарочные баллы.
// Подходит для любого заказа на членство, поэтому стоит после обработчика повышения.
type membershipPurchaseHandler struct {
	repo   Repository
	points *PointsLedger
}

func (h *membershipPurchaseHandler) Name() string { return "membership_purchase" }

func (h *membershipPurchaseHandler) CanHandle(kind SettlementKind) bool {
	switch kind {
	case SettlementMembershipPurchase, SettlementMembershipRenew, SettlementMembershipUpgrade:
		return true
	}
	return false
}

func (h *membershipPurchaseHandler) Handle(ctx context.Context, st *Settlement) error {
	if st.Product.LevelID == nil {
		return fmt.Errorf("membership product %d has no level", st.Product.ID)
	}

	start := st.Now
	source := model.MembershipSourcePurchase
	if st.Kind == SettlementMembershipRenew {
		source = model.MembershipSourceRenew
		active, err := h.repo.GetActiveMembership(ctx, st.Order.UserID, st.Now)
		switch {
		case err == nil:
			start = active.EndDate
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}
	}

	m := &model.UserMembership{
		UserID:     st.Order.UserID,
		LevelID:    *st.Product.LevelID,
		StartDate:  start,
		EndDate:    st.Order.DurationUnit.AddTo(start, st.Order.Duration),
		Status:     model.MembershipStatusActive,
		SourceType: source,
		SourceID:   st.Order.ID,
	}
	if err := h.repo.CreateMembership(ctx, m); err != nil {
		return err
	}

	if st.Product.GiftPoints <= 0 {
		return nil
	}
	_, err := h.points.Grant(ctx, GrantInput{
		UserID:       st.Order.UserID,
		Amount:       st.Product.GiftPoints,
		SourceType:   model.PointSourceMembershipPurchase,
		SourceID:     st.Order.ID,
		EffectiveAt:  st.Now,
		ExpiredAt:    m.EndDate,
		MembershipID: &m.ID,
	})
	return err
}

// pointsPurchaseHandler начисляет купленные баллы.
type pointsPurchaseHandler struct {
	points *PointsLedger
}

func (h *pointsPurchaseHandler) Name() string { return "points_purchase" }

func (h *pointsPurchaseHandler) CanHandle(kind SettlementKind) bool {
	return kind == SettlementPointsPurchase
}

func (h *pointsPurchaseHandler) Handle(ctx context.Context, st *Settlement) error {
	amount := st.Product.PointAmount * int64(st.Order.Duration)
	if amount <= 0 {
		return fmt.Errorf("points product %d grants no points", st.Product.ID)
	}
	days := st.Product.PointValidityDays
	if days <= 0 {
		days = defaultPointValidityDays
	}

	_, err := h.points.Grant(ctx, GrantInput{
		UserID:      st.Order.UserID,
		Amount:      amount,
		SourceType:  model.PointSourcePointsPurchase,
		SourceID:    st.Order.ID,
		EffectiveAt: st.Now,
		ExpiredAt:   st.Now.AddDate(0, 0, days),
	})
	return err
}
