// Package model содержит доменные сущности движка расчётов по платежам.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// OrderType описывает назначение заказа.
type OrderType string

const (
	OrderTypePurchase OrderType = "purchase"
	OrderTypeUpgrade  OrderType = "upgrade"
	OrderTypeRenew    OrderType = "renew"
)

// Valid сообщает, известен ли тип заказа.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypePurchase, OrderTypeUpgrade, OrderTypeRenew:
		return true
	}
	return false
}

// DurationUnit единица срока действия продукта.
type DurationUnit string

const (
	DurationUnitDay   DurationUnit = "day"
	DurationUnitMonth DurationUnit = "month"
	DurationUnitYear  DurationUnit = "year"
)

// Valid сообщает, известна ли единица срока.
func (u DurationUnit) Valid() bool {
	switch u {
	case DurationUnitDay, DurationUnitMonth, DurationUnitYear:
		return true
	}
	return false
}

// AddTo прибавляет n единиц срока к моменту t.
func (u DurationUnit) AddTo(t time.Time, n int) time.Time {
	switch u {
	case DurationUnitDay:
		return t.AddDate(0, 0, n)
	case DurationUnitMonth:
		return t.AddDate(0, n, 0)
	default:
		return t.AddDate(n, 0, 0)
	}
}

// PerYear возвращает количество единиц срока в году.
func (u DurationUnit) PerYear() int64 {
	switch u {
	case DurationUnitDay:
		return 365
	case DurationUnitMonth:
		return 12
	default:
		return 1
	}
}

// OrderContext типизированный контекст заказа (например, для повышения уровня членства).
type OrderContext struct {
	FromMembershipID *int64 `json:"fromMembershipId,omitempty"`
	TargetLevelID    *int64 `json:"targetLevelId,omitempty"`
}

// ParseOrderContext разбирает сохранённый контекст заказа.
// Пустой или повреждённый JSON означает отсутствие контекста.
func ParseOrderContext(raw []byte) *OrderContext {
	if len(raw) == 0 {
		return nil
	}
	var c OrderContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	if c.FromMembershipID == nil && c.TargetLevelID == nil {
		return nil
	}
	return &c
}

// Order описывает намерение пользователя купить продукт на указанный срок.
type Order struct {
	ID           int64
	OrderNo      string
	UserID       int64
	ProductID    int64
	Amount       decimal.Decimal
	Duration     int
	DurationUnit DurationUnit
	OrderType    OrderType
	Status       OrderStatus
	ExpiredAt    time.Time
	PaidAt       *time.Time
	Context      *OrderContext
	Remark       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DeletedAt    *time.Time
}

// IsPayable сообщает, можно ли ещё оплатить заказ.
func (o *Order) IsPayable(now time.Time) bool {
	return o.Status == OrderStatusPending && now.Before(o.ExpiredAt)
}

// PaymentChannel платёжный канал (семейство протокола шлюза).
type PaymentChannel string

const (
	PaymentChannelWechat PaymentChannel = "wechat"
)

// PaymentMethod способ оплаты внутри канала.
type PaymentMethod string

const (
	PaymentMethodNative PaymentMethod = "native"
	PaymentMethodH5     PaymentMethod = "h5"
	PaymentMethodJSAPI  PaymentMethod = "jsapi"
	PaymentMethodMini   PaymentMethod = "mini"
	PaymentMethodApp    PaymentMethod = "app"
)

// TransactionStatus статус платёжной попытки.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusSuccess  TransactionStatus = "success"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusExpired  TransactionStatus = "expired"
	TransactionStatusRefunded TransactionStatus = "refunded"
)

// PaymentTransaction описывает одну попытку оплаты заказа через канал.
type PaymentTransaction struct {
	ID                   int64
	TransactionNo        string
	OrderID              int64
	UserID               int64
	Amount               decimal.Decimal
	Channel              PaymentChannel
	Method               PaymentMethod
	PrepayID             string
	OutTradeNo           string
	ChannelTransactionID string
	PayParams            map[string]string
	Status               TransactionStatus
	ExpiredAt            time.Time
	PaidAt               *time.Time
	RawCallback          string
	ErrorMessage         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsOpen сообщает, ожидает ли попытка оплаты и не истекла ли она.
func (t *PaymentTransaction) IsOpen(now time.Time) bool {
	return t.Status == TransactionStatusPending && now.Before(t.ExpiredAt)
}

// AmountFen возвращает сумму попытки в минимальных единицах (фэнях).
func (t *PaymentTransaction) AmountFen() int64 {
	return ToFen(t.Amount)
}

// ToFen переводит сумму в юанях в фэни.
func ToFen(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromFen переводит сумму в фэнях в юани.
func FromFen(fen int64) decimal.Decimal {
	return decimal.New(fen, -2)
}
