// Package service реализует движок расчётов по платежам: заказы, платёжные попытки,
// применение успешной оплаты, журнал баллов и повышение уровня членства.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/gateway"
	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
)

const (
	// OrderTTL срок, в течение которого заказ можно оплатить.
	OrderTTL = 30 * time.Minute
	// TransactionTTL срок жизни платёжной попытки, независимый от срока заказа.
	TransactionTTL = 30 * time.Minute

	orderNoPrefix       = "LS"
	transactionNoPrefix = "PT"
	numberLayout        = "20060102150405"
	numberAttempts      = 3
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// InTx выполняет fn в одной транзакции; методы, вызванные с полученным ctx, работают внутри неё.
type Repository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	FindMembershipProduct(ctx context.Context, levelID int64) (*model.Product, error)
	GetMembershipLevel(ctx context.Context, id int64) (*model.MembershipLevel, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByNo(ctx context.Context, orderNo string) (*model.Order, error)
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	CancelOrder(ctx context.Context, id int64) (bool, error)
	MarkOrderPaid(ctx context.Context, id int64, paidAt time.Time) (bool, error)
	CancelExpiredOrders(ctx context.Context, now time.Time) (int64, error)

	CreateTransaction(ctx context.Context, t *model.PaymentTransaction) error
	GetTransactionByNo(ctx context.Context, transactionNo string) (*model.PaymentTransaction, error)
	LockTransactionByNo(ctx context.Context, transactionNo string) (*model.PaymentTransaction, error)
	FindOpenTransaction(ctx context.Context, orderID int64, now time.Time) (*model.PaymentTransaction, error)
	SaveTransactionPrepared(ctx context.Context, id int64, prepayID, outTradeNo string, params map[string]string) error
	MarkTransactionFailed(ctx context.Context, id int64, message string) (bool, error)
	ExpireTransaction(ctx context.Context, id int64) (bool, error)
	MarkTransactionSuccess(ctx context.Context, id int64, channelTxID string, paidAt time.Time, raw string) (bool, error)
	ExpireTransactions(ctx context.Context, now time.Time) (int64, error)
	ListPendingTransactions(ctx context.Context, createdBefore, now time.Time, limit int) ([]model.PaymentTransaction, error)

	GetLatestMembership(ctx context.Context, userID int64) (*model.UserMembership, error)
	GetActiveMembership(ctx context.Context, userID int64, now time.Time) (*model.UserMembership, error)
	GetCurrentMembership(ctx context.Context, userID int64, now time.Time) (*model.UserMembership, error)
	LockMembership(ctx context.Context, id int64) (*model.UserMembership, error)
	CreateMembership(ctx context.Context, m *model.UserMembership) error
	SettleMembership(ctx context.Context, id int64, now time.Time) (bool, error)
	CreateUpgradeRecord(ctx context.Context, u *model.UpgradeRecord) error

	CreatePointRecord(ctx context.Context, p *model.PointRecord) error
	SumAvailablePoints(ctx context.Context, userID int64, now time.Time) (int64, error)
	LockConsumablePoints(ctx context.Context, userID int64, now time.Time) ([]model.PointRecord, error)
	ConsumePointRecord(ctx context.Context, id, amount int64) error
	CreatePointConsumption(ctx context.Context, c *model.PointConsumption) error
	TransferPointRecords(ctx context.Context, fromMembershipID, toMembershipID int64) (int64, error)
	ListPointRecords(ctx context.Context, userID int64, limit, offset int) ([]model.PointRecord, error)
	SettleExpiredPoints(ctx context.Context, now time.Time) (int64, error)
}

// Options параметры сервиса.
type Options struct {
	// NotifyURL адрес уведомлений по умолчанию для платежей.
	NotifyURL string
}

// Service содержит бизнес-логику движка расчётов.
type Service struct {
	repo       Repository
	registry   *gateway.Registry
	dispatcher *Dispatcher
	points     *PointsLedger
	upgrades   *UpgradeCalculator
	opts       Options
	logger     *zap.Logger
	audit      *zap.Logger
	now        func() time.Time
}

// NewService создаёт сервис с репозиторием и реестром платёжных каналов.
func NewService(repo Repository, registry *gateway.Registry, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = gateway.NewRegistry()
	}

	s := &Service{
		repo:     repo,
		registry: registry,
		opts:     opts,
		logger:   logger,
		audit:    logger.Named("audit"),
		now:      time.Now,
	}
	s.points = &PointsLedger{repo: repo, logger: logger, now: s.clock}
	s.upgrades = &UpgradeCalculator{repo: repo, points: s.points, logger: logger, now: s.clock}
	s.dispatcher = NewDispatcher(repo, logger,
		&membershipUpgradeHandler{upgrades: s.upgrades, points: s.points},
		&membershipPurchaseHandler{repo: repo, points: s.points},
		&pointsPurchaseHandler{points: s.points},
	)
	s.dispatcher.now = s.clock
	return s
}

func (s *Service) clock() time.Time {
	return s.now()
}

// Points возвращает журнал баллов.
func (s *Service) Points() *PointsLedger {
	return s.points
}

// Upgrades возвращает калькулятор повышения уровня членства.
func (s *Service) Upgrades() *UpgradeCalculator {
	return s.upgrades
}

func newNumber(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%s%06d", prefix, now.UTC().Format(numberLayout), rand.IntN(1_000_000))
}

// withUniqueNumber повторяет create с новым номером, пока номер занят.
func withUniqueNumber(prefix string, now time.Time, create func(number string) error) error {
	var err error
	for range numberAttempts {
		err = create(newNumber(prefix, now))
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
	}
	return err
}
