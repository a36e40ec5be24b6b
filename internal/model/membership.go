package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductType вид продукта каталога.
type ProductType string

const (
	ProductTypeMembership ProductType = "membership"
	ProductTypePoints     ProductType = "points"
)

// ProductStatus статус продажи продукта.
type ProductStatus string

const (
	ProductStatusOnSale  ProductStatus = "on_sale"
	ProductStatusOffSale ProductStatus = "off_sale"
)

// Product описывает продукт каталога (только чтение).
type Product struct {
	ID                int64
	Name              string
	Type              ProductType
	UnitPrice         decimal.Decimal
	DurationUnit      DurationUnit
	Status            ProductStatus
	LevelID           *int64
	GiftPoints        int64
	PointAmount       int64
	PointValidityDays int
}

// IsOnSale сообщает, доступен ли продукт для покупки.
func (p *Product) IsOnSale() bool {
	return p.Status == ProductStatusOnSale
}

// YearlyPrice приводит цену за единицу срока к цене за год.
func (p *Product) YearlyPrice() decimal.Decimal {
	return p.UnitPrice.Mul(decimal.NewFromInt(p.DurationUnit.PerYear()))
}

// MembershipLevel уровень членства. Меньший SortOrder означает более высокий ранг.
type MembershipLevel struct {
	ID        int64
	Name      string
	SortOrder int
}

// RanksAbove сообщает, выше ли уровень l уровня other.
func (l *MembershipLevel) RanksAbove(other *MembershipLevel) bool {
	return l.SortOrder < other.SortOrder
}

// MembershipStatus статус членства пользователя.
type MembershipStatus string

const (
	MembershipStatusActive   MembershipStatus = "active"
	MembershipStatusInactive MembershipStatus = "inactive"
)

// MembershipSource источник появления членства.
type MembershipSource string

const (
	MembershipSourcePurchase MembershipSource = "purchase"
	MembershipSourceRenew    MembershipSource = "renew"
	MembershipSourceUpgrade  MembershipSource = "upgrade"
)

// UserMembership членство пользователя на уровне LevelID.
type UserMembership struct {
	ID         int64
	UserID     int64
	LevelID    int64
	StartDate  time.Time
	EndDate    time.Time
	Status     MembershipStatus
	SourceType MembershipSource
	SourceID   int64
	SettledAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsExpired сообщает, закончился ли срок членства.
func (m *UserMembership) IsExpired(now time.Time) bool {
	return !m.EndDate.After(now)
}

// UpgradeRecord запись истории повышения уровня членства.
type UpgradeRecord struct {
	ID                int64
	UserID            int64
	FromMembershipID  int64
	ToMembershipID    int64
	OrderID           *int64
	UpgradePrice      decimal.Decimal
	PointCompensation int64
	CreatedAt         time.Time
}
