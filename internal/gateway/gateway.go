// Package gateway реализует адаптеры протоколов платёжных шлюзов: подпись запросов,
// разбор ответов, проверку и расшифровку асинхронных уведомлений.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

var (
	// ErrConfiguration возвращается конструктором адаптера при неполной конфигурации.
	ErrConfiguration = errors.New("gateway configuration error")
	// ErrMethodNotSupported возвращается для способа оплаты, не поддерживаемого каналом.
	ErrMethodNotSupported = errors.New("payment method not supported")
	// ErrChannelNotSupported возвращается реестром для неизвестного канала.
	ErrChannelNotSupported = errors.New("payment channel not supported")
	// ErrMissingParams возвращается, если в уведомлении нет подписи, времени или nonce.
	ErrMissingParams = errors.New("missing callback parameters")
	// ErrInvalidParams возвращается при некорректных параметрах вызова.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrSignatureVerification возвращается при неверной подписи уведомления.
	ErrSignatureVerification = errors.New("signature verification failed")
	// ErrDecrypt возвращается, если ресурс уведомления не удалось расшифровать.
	ErrDecrypt = errors.New("resource decryption failed")
	// ErrTradeNotSuccess возвращается для подлинных уведомлений о неуспешной оплате.
	ErrTradeNotSuccess = errors.New("trade is not successful")
	// ErrNetwork оборачивает сетевые ошибки обращения к шлюзу.
	ErrNetwork = errors.New("gateway network error")
	// ErrGateway возвращается, если шлюз ответил ошибкой.
	ErrGateway = errors.New("gateway rejected request")
)

// TradeState состояние сделки на стороне шлюза.
type TradeState string

const (
	TradeStateSuccess    TradeState = "SUCCESS"
	TradeStateRefund     TradeState = "REFUND"
	TradeStateNotPay     TradeState = "NOTPAY"
	TradeStateClosed     TradeState = "CLOSED"
	TradeStateRevoked    TradeState = "REVOKED"
	TradeStateUserPaying TradeState = "USERPAYING"
	TradeStatePayError   TradeState = "PAYERROR"
)

// TransactionStatus отображает состояние сделки шлюза на статус платёжной попытки.
func (s TradeState) TransactionStatus() model.TransactionStatus {
	switch s {
	case TradeStateSuccess, TradeStateRefund:
		return model.TransactionStatusSuccess
	case TradeStateClosed, TradeStateRevoked:
		return model.TransactionStatusExpired
	case TradeStatePayError:
		return model.TransactionStatusFailed
	default:
		return model.TransactionStatusPending
	}
}

// Outcome общий итог вызова адаптера. Ошибки не выходят за границу адаптера,
// а возвращаются в поле Err с текстом в ErrorMessage.
type Outcome struct {
	Success      bool
	ErrorMessage string
	Err          error
}

func failed(err error, format string, args ...any) Outcome {
	msg := fmt.Sprintf(format, args...)
	return Outcome{ErrorMessage: msg, Err: fmt.Errorf("%w: %s", err, msg)}
}

// CreatePaymentRequest параметры создания платежа в шлюзе.
type CreatePaymentRequest struct {
	OutTradeNo    string
	AmountFen     int64
	Description   string
	Method        model.PaymentMethod
	PayerID       string
	ClientIP      string
	NotifyURL     string
	ExpireMinutes int
	Attach        string
}

// CreatePaymentResult итог создания платежа: данные для клиента зависят от способа оплаты.
type CreatePaymentResult struct {
	Outcome
	PrepayID     string
	CodeURL      string
	H5URL        string
	ClientParams map[string]string
}

// Payload возвращает данные для клиента в виде плоского словаря.
func (r *CreatePaymentResult) Payload() map[string]string {
	out := make(map[string]string, len(r.ClientParams)+3)
	for k, v := range r.ClientParams {
		out[k] = v
	}
	if r.CodeURL != "" {
		out["codeUrl"] = r.CodeURL
	}
	if r.H5URL != "" {
		out["h5Url"] = r.H5URL
	}
	if r.PrepayID != "" {
		out["prepayId"] = r.PrepayID
	}
	return out
}

// Notification сырое асинхронное уведомление шлюза: заголовки и тело.
type Notification struct {
	Signature string
	Timestamp string
	Nonce     string
	Serial    string
	Body      []byte
}

// CallbackResult расшифрованное и проверенное уведомление об оплате.
type CallbackResult struct {
	Outcome
	OutTradeNo           string
	ChannelTransactionID string
	TradeState           TradeState
	AmountFen            int64
	PaidAt               time.Time
	PayerID              string
	Attach               string
	Verified             bool
}

// QueryRequest идентификаторы для активного запроса статуса.
type QueryRequest struct {
	OutTradeNo    string
	TransactionID string
}

// QueryResult итог активного запроса статуса сделки.
type QueryResult struct {
	Outcome
	OutTradeNo           string
	ChannelTransactionID string
	TradeState           TradeState
	AmountFen            int64
	PaidAt               *time.Time
	PayerID              string
}

// CloseResult итог закрытия сделки в шлюзе.
type CloseResult struct {
	Outcome
}

// Adapter протокол одного платёжного канала.
type Adapter interface {
	Channel() model.PaymentChannel
	CreatePayment(ctx context.Context, req CreatePaymentRequest) *CreatePaymentResult
	VerifyCallback(ctx context.Context, n Notification) *CallbackResult
	QueryOrder(ctx context.Context, req QueryRequest) *QueryResult
	CloseOrder(ctx context.Context, outTradeNo string) *CloseResult
}

// Registry реестр адаптеров по каналам. Создаётся один раз при старте.
type Registry struct {
	adapters map[model.PaymentChannel]Adapter
}

// NewRegistry создаёт реестр из переданных адаптеров.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.PaymentChannel]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Channel()] = a
	}
	return r
}

// Get возвращает адаптер канала.
func (r *Registry) Get(channel model.PaymentChannel) (Adapter, error) {
	a, ok := r.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotSupported, channel)
	}
	return a, nil
}

// Channels возвращает зарегистрированные каналы в порядке сортировки.
func (r *Registry) Channels() []string {
	out := make([]string, 0, len(r.adapters))
	for ch := range r.adapters {
		out = append(out, string(ch))
	}
	slices.Sort(out)
	return out
}
