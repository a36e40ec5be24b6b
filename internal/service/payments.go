package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/gateway"
	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
)

// CreatePaymentInput параметры создания платежа по заказу.
type CreatePaymentInput struct {
	UserID    int64
	OrderID   int64
	Channel   model.PaymentChannel
	Method    model.PaymentMethod
	PayerID   string
	ClientIP  string
	NotifyURL string
}

// PaymentResult данные созданной (или повторно запрошенной) платёжной попытки.
type PaymentResult struct {
	TransactionNo string
	OrderNo       string
	Amount        decimal.Decimal
	Channel       model.PaymentChannel
	Method        model.PaymentMethod
	ExpiredAt     time.Time
	Payload       map[string]string
	Reused        bool
}

func resultFrom(t *model.PaymentTransaction, orderNo string, reused bool) *PaymentResult {
	return &PaymentResult{
		TransactionNo: t.TransactionNo,
		OrderNo:       orderNo,
		Amount:        t.Amount,
		Channel:       t.Channel,
		Method:        t.Method,
		ExpiredAt:     t.ExpiredAt,
		Payload:       t.PayParams,
		Reused:        reused,
	}
}

// CreatePaymentForOrder создаёт платёжную попытку и платёж в шлюзе.
// Неистёкшая попытка с тем же каналом и способом возвращается без изменений;
// попытка с другим каналом или способом истекает и закрывается в шлюзе.
func (s *Service) CreatePaymentForOrder(ctx context.Context, in CreatePaymentInput) (*PaymentResult, error) {
	adapter, err := s.registry.Get(in.Channel)
	if err != nil {
		return nil, err
	}
	notifyURL := in.NotifyURL
	if notifyURL == "" {
		notifyURL = s.opts.NotifyURL
	}

	var (
		order      *model.Order
		product    *model.Product
		tx         *model.PaymentTransaction
		superseded *model.PaymentTransaction
		reused     bool
	)

	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		tx, superseded, reused = nil, nil, false
		now := s.now()

		var err error
		order, err = s.repo.LockOrder(ctx, in.OrderID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}
		if order.UserID != in.UserID {
			return ErrForbidden
		}
		if !order.IsPayable(now) {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.OrderNo, order.Status)
		}
		if !order.Amount.IsPositive() {
			return fmt.Errorf("%w: order %s has no amount to pay", ErrInvalidArgument, order.OrderNo)
		}

		product, err = s.repo.GetProduct(ctx, order.ProductID)
		if err != nil {
			return err
		}

		open, err := s.repo.FindOpenTransaction(ctx, order.ID, now)
		switch {
		case err == nil:
			if open.Channel == in.Channel && open.Method == in.Method && open.PayParams != nil {
				tx, reused = open, true
				return nil
			}
			if _, err := s.repo.ExpireTransaction(ctx, open.ID); err != nil {
				return err
			}
			superseded = open
		case !errors.Is(err, repository.ErrNotFound):
			return err
		}

		tx = &model.PaymentTransaction{
			OrderID:   order.ID,
			UserID:    order.UserID,
			Amount:    order.Amount,
			Channel:   in.Channel,
			Method:    in.Method,
			Status:    model.TransactionStatusPending,
			ExpiredAt: now.Add(TransactionTTL),
		}
		return withUniqueNumber(transactionNoPrefix, now, func(number string) error {
			tx.TransactionNo = number
			return s.repo.CreateTransaction(ctx, tx)
		})
	})
	if err != nil {
		return nil, err
	}

	if superseded != nil {
		s.closeAtGateway(ctx, superseded)
	}
	if reused {
		return resultFrom(tx, order.OrderNo, true), nil
	}

	res := adapter.CreatePayment(ctx, gateway.CreatePaymentRequest{
		OutTradeNo:    tx.TransactionNo,
		AmountFen:     tx.AmountFen(),
		Description:   product.Name,
		Method:        in.Method,
		PayerID:       in.PayerID,
		ClientIP:      in.ClientIP,
		NotifyURL:     notifyURL,
		ExpireMinutes: int(TransactionTTL / time.Minute),
		Attach:        order.OrderNo,
	})
	if !res.Success {
		if _, err := s.repo.MarkTransactionFailed(ctx, tx.ID, res.ErrorMessage); err != nil {
			s.logger.Error("mark transaction failed", zap.String("transaction_no", tx.TransactionNo), zap.Error(err))
		}
		s.logger.Warn("gateway rejected payment",
			zap.String("transaction_no", tx.TransactionNo),
			zap.String("channel", string(in.Channel)),
			zap.String("method", string(in.Method)),
			zap.String("error", res.ErrorMessage))
		return nil, fmt.Errorf("%w: %w", ErrPaymentFailed, res.Err)
	}

	payload := res.Payload()
	if err := s.repo.SaveTransactionPrepared(ctx, tx.ID, res.PrepayID, tx.TransactionNo, payload); err != nil {
		return nil, err
	}
	tx.PrepayID = res.PrepayID
	tx.OutTradeNo = tx.TransactionNo
	tx.PayParams = payload

	s.logger.Info("payment created",
		zap.String("transaction_no", tx.TransactionNo),
		zap.String("order_no", order.OrderNo),
		zap.String("method", string(in.Method)))
	return resultFrom(tx, order.OrderNo, false), nil
}

// closeAtGateway закрывает сделку в шлюзе. Ошибка только логируется.
func (s *Service) closeAtGateway(ctx context.Context, t *model.PaymentTransaction) {
	if t.OutTradeNo == "" {
		return
	}
	adapter, err := s.registry.Get(t.Channel)
	if err != nil {
		s.logger.Warn("close superseded payment", zap.String("transaction_no", t.TransactionNo), zap.Error(err))
		return
	}
	if res := adapter.CloseOrder(ctx, t.OutTradeNo); !res.Success {
		s.logger.Warn("close superseded payment",
			zap.String("transaction_no", t.TransactionNo),
			zap.String("error", res.ErrorMessage))
	}
}

// paymentEvent подтверждённый факт оплаты из уведомления или активного запроса.
type paymentEvent struct {
	source        string
	transactionNo string
	channelTxID   string
	amountFen     int64
	paidAt        time.Time
	raw           string
}

// HandleCallback обрабатывает асинхронное уведомление шлюза. Повторное уведомление по уже
// успешной попытке подтверждается без повторного применения.
func (s *Service) HandleCallback(ctx context.Context, channel model.PaymentChannel, n gateway.Notification) error {
	adapter, err := s.registry.Get(channel)
	if err != nil {
		return err
	}

	res := adapter.VerifyCallback(ctx, n)
	if !res.Success {
		if errors.Is(res.Err, gateway.ErrTradeNotSuccess) {
			s.logger.Info("callback for unsuccessful trade acknowledged",
				zap.String("transaction_no", res.OutTradeNo),
				zap.String("trade_state", string(res.TradeState)))
			return nil
		}
		s.audit.Warn("callback rejected",
			zap.String("channel", string(channel)),
			zap.String("serial", n.Serial),
			zap.String("error", res.ErrorMessage))
		return fmt.Errorf("%w: %w", ErrCallbackVerificationFailed, res.Err)
	}
	if !res.Verified {
		s.audit.Warn("settling callback without signature verification",
			zap.String("channel", string(channel)),
			zap.String("transaction_no", res.OutTradeNo))
	}

	return s.settle(ctx, paymentEvent{
		source:        "callback",
		transactionNo: res.OutTradeNo,
		channelTxID:   res.ChannelTransactionID,
		amountFen:     res.AmountFen,
		paidAt:        res.PaidAt,
		raw:           string(n.Body),
	})
}

// QueryAndSettle активно запрашивает статус попытки в шлюзе и применяет результат.
// Безопасен при гонке с HandleCallback: терминальное изменение выполняет только один путь.
func (s *Service) QueryAndSettle(ctx context.Context, transactionNo string) (*model.PaymentTransaction, error) {
	t, err := s.repo.GetTransactionByNo(ctx, transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if t.Status == model.TransactionStatusSuccess {
		return t, nil
	}

	adapter, err := s.registry.Get(t.Channel)
	if err != nil {
		return nil, err
	}

	q := adapter.QueryOrder(ctx, gateway.QueryRequest{OutTradeNo: t.TransactionNo})
	if !q.Success {
		return t, fmt.Errorf("%w: %s", ErrGatewayUnavailable, q.ErrorMessage)
	}

	switch q.TradeState.TransactionStatus() {
	case model.TransactionStatusSuccess:
		paidAt := s.now()
		if q.PaidAt != nil {
			paidAt = *q.PaidAt
		}
		raw, _ := json.Marshal(map[string]any{
			"source":         "query",
			"trade_state":    q.TradeState,
			"transaction_id": q.ChannelTransactionID,
			"amount_fen":     q.AmountFen,
		})
		err = s.settle(ctx, paymentEvent{
			source:        "query",
			transactionNo: t.TransactionNo,
			channelTxID:   q.ChannelTransactionID,
			amountFen:     q.AmountFen,
			paidAt:        paidAt,
			raw:           string(raw),
		})
	case model.TransactionStatusExpired:
		_, err = s.repo.ExpireTransaction(ctx, t.ID)
	case model.TransactionStatusFailed:
		_, err = s.repo.MarkTransactionFailed(ctx, t.ID, "trade state "+string(q.TradeState))
	}
	if err != nil {
		return nil, err
	}

	return s.repo.GetTransactionByNo(ctx, transactionNo)
}

// settle применяет успешную оплату: попытка → success, заказ → paid, затем обработчик
// расчёта. Всё выполняется одной транзакцией; ошибка обработчика откатывает всё.
func (s *Service) settle(ctx context.Context, ev paymentEvent) error {
	log := s.logger.With(zap.String("transaction_no", ev.transactionNo), zap.String("source", ev.source))

	t, err := s.repo.GetTransactionByNo(ctx, ev.transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.audit.Warn("payment for unknown transaction",
				zap.String("transaction_no", ev.transactionNo), zap.String("source", ev.source))
			return ErrTransactionNotFound
		}
		return err
	}
	if t.Status == model.TransactionStatusSuccess {
		log.Info("transaction already settled")
		return nil
	}
	if t.AmountFen() != ev.amountFen {
		s.audit.Error("payment amount mismatch",
			zap.String("transaction_no", t.TransactionNo),
			zap.String("source", ev.source),
			zap.Int64("expected_fen", t.AmountFen()),
			zap.Int64("actual_fen", ev.amountFen))
		return fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, t.AmountFen(), ev.amountFen)
	}

	var handler string
	applied := false
	err = s.repo.InTx(ctx, func(ctx context.Context) error {
		handler, applied = "", false

		// порядок блокировок: заказ, затем попытка
		order, err := s.repo.LockOrder(ctx, t.OrderID)
		if err != nil {
			return err
		}
		locked, err := s.repo.LockTransactionByNo(ctx, ev.transactionNo)
		if err != nil {
			return err
		}
		if locked.Status == model.TransactionStatusSuccess {
			return nil
		}

		ok, err := s.repo.MarkTransactionSuccess(ctx, locked.ID, ev.channelTxID, ev.paidAt, ev.raw)
		if err != nil || !ok {
			return err
		}
		applied = true

		switch order.Status {
		case model.OrderStatusPending:
			if _, err := s.repo.MarkOrderPaid(ctx, order.ID, ev.paidAt); err != nil {
				return err
			}
			order.Status = model.OrderStatusPaid
			order.PaidAt = &ev.paidAt

			locked.Status = model.TransactionStatusSuccess
			handler, err = s.dispatcher.Dispatch(ctx, order, locked)
			if err != nil {
				s.audit.Error("settlement handler failed",
					zap.String("transaction_no", locked.TransactionNo),
					zap.String("order_no", order.OrderNo),
					zap.Error(err))
				return err
			}
		case model.OrderStatusPaid:
			s.audit.Error("order already paid by another transaction, refund required",
				zap.String("transaction_no", locked.TransactionNo),
				zap.String("order_no", order.OrderNo))
		default:
			s.audit.Error("payment received for closed order, refund required",
				zap.String("transaction_no", locked.TransactionNo),
				zap.String("order_no", order.OrderNo),
				zap.String("order_status", string(order.Status)))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		log.Info("payment settled", zap.String("handler", handler))
	} else {
		log.Info("transaction already settled")
	}
	return nil
}

// GetTransaction возвращает платёжную попытку пользователя. При sync для попытки
// в статусе pending сначала выполняется активный запрос в шлюз.
func (s *Service) GetTransaction(ctx context.Context, userID int64, transactionNo string, sync bool) (*model.PaymentTransaction, error) {
	t, err := s.repo.GetTransactionByNo(ctx, transactionNo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrTransactionNotFound
	}
	if !sync || t.Status != model.TransactionStatusPending {
		return t, nil
	}

	synced, err := s.QueryAndSettle(ctx, transactionNo)
	if err != nil {
		s.logger.Warn("sync transaction status", zap.String("transaction_no", transactionNo), zap.Error(err))
		return t, nil
	}
	return synced, nil
}

// SweepExpiredTransactions переводит просроченные pending-попытки в expired.
func (s *Service) SweepExpiredTransactions(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireTransactions(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired transactions: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired transactions closed", zap.Int64("count", n))
	}
	return n, nil
}
