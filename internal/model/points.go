package model

import "time"

// PointStatus статус записи начисления баллов.
type PointStatus string

const (
	PointStatusValid     PointStatus = "valid"
	PointStatusCancelled PointStatus = "cancelled"
	PointStatusSettled   PointStatus = "settled"
)

// PointSource источник начисления баллов.
type PointSource string

const (
	PointSourceMembershipPurchase  PointSource = "membership_purchase"
	PointSourcePointsPurchase      PointSource = "points_purchase"
	PointSourceUpgradeCompensation PointSource = "upgrade_compensation"
	PointSourceGift                PointSource = "gift"
)

// PointRecord запись начисления баллов со своим сроком действия и остатком.
type PointRecord struct {
	ID               int64
	UserID           int64
	PointAmount      int64
	Used             int64
	Remaining        int64
	SourceType       PointSource
	SourceID         int64
	UserMembershipID *int64
	EffectiveAt      time.Time
	ExpiredAt        time.Time
	Status           PointStatus
	CreatedAt        time.Time
}

// IsConsumable сообщает, можно ли списывать баллы с записи в момент now.
func (r *PointRecord) IsConsumable(now time.Time) bool {
	return r.Status == PointStatusValid && r.Remaining > 0 && r.ExpiredAt.After(now)
}

// PointConsumption факт списания баллов с одной записи.
type PointConsumption struct {
	ID            int64
	UserID        int64
	PointRecordID int64
	Amount        int64
	Reason        string
	RelatedID     string
	CreatedAt     time.Time
}
