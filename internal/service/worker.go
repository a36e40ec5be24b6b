package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	pollBatchSize = 100
	// pollMinAge даёт уведомлению шлюза шанс прийти раньше активного запроса.
	pollMinAge = time.Minute

	// DefaultPollInterval период активного опроса шлюза по умолчанию.
	DefaultPollInterval = 30 * time.Second
	// DefaultSweepSchedule расписание очистки просроченных записей по умолчанию.
	DefaultSweepSchedule = "@every 1m"
)

// StartPaymentPolling запускает фоновый опрос шлюза по зависшим pending-попыткам.
// Блокируется до отмены ctx.
func (s *Service) StartPaymentPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processPendingBatch(ctx)
		}
	}
}

func (s *Service) processPendingBatch(ctx context.Context) int {
	now := s.now()
	pending, err := s.repo.ListPendingTransactions(ctx, now.Add(-pollMinAge), now, pollBatchSize)
	if err != nil {
		s.logger.Error("load pending transactions", zap.Error(err))
		return 0
	}

	settled := 0
	for _, t := range pending {
		if ctx.Err() != nil {
			return settled
		}
		res, err := s.QueryAndSettle(ctx, t.TransactionNo)
		if err != nil {
			s.logger.Warn("poll transaction", zap.String("transaction_no", t.TransactionNo), zap.Error(err))
			continue
		}
		if res.Status != t.Status {
			settled++
		}
	}
	return settled
}

// SweepExpired выполняет все очистки: заказы, платёжные попытки, начисления баллов.
func (s *Service) SweepExpired(ctx context.Context) error {
	if _, err := s.SweepExpiredOrders(ctx); err != nil {
		return err
	}
	if _, err := s.SweepExpiredTransactions(ctx); err != nil {
		return err
	}
	if _, err := s.points.SettleExpired(ctx); err != nil {
		return err
	}
	return nil
}

// Sweeper запускает очистки по расписанию cron.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper создаёт планировщик очисток. Пересекающиеся запуски пропускаются.
func NewSweeper(svc *Service, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	cl := cronLogger{l: logger.Named("cron")}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := svc.SweepExpired(ctx); err != nil {
			logger.Error("sweep expired records", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{cron: c}, nil
}

// Run запускает планировщик и ждёт отмены ctx, затем дожидается текущих задач.
func (w *Sweeper) Run(ctx context.Context) {
	w.cron.Start()
	<-ctx.Done()
	<-w.cron.Stop().Done()
}

// cronLogger адаптирует zap к cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
