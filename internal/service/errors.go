package service

import (
	"errors"
	"fmt"

	"github.com/daixin877889/lexseek-settlement/internal/gateway"
)

var (
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPayable возвращается для заказа не в статусе pending или с истёкшим сроком.
	ErrOrderNotPayable = errors.New("order is not payable")
	// ErrOrderNotCancellable возвращается при отмене заказа не в статусе pending.
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	// ErrTransactionNotFound возвращается, если платёжная попытка не найдена.
	ErrTransactionNotFound = errors.New("payment transaction not found")
	// ErrAmountMismatch возвращается, если сумма уведомления не совпадает с суммой попытки.
	ErrAmountMismatch = errors.New("payment amount mismatch")
	// ErrCallbackVerificationFailed возвращается при непрошедшей проверке уведомления шлюза.
	ErrCallbackVerificationFailed = errors.New("callback verification failed")
	// ErrPaymentFailed возвращается, если шлюз не создал платёж.
	ErrPaymentFailed = errors.New("payment creation failed")
	// ErrGatewayUnavailable возвращается, если активный запрос статуса в шлюз не удался.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrInsufficientPoints возвращается, если доступных баллов меньше запрошенного.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrProductUnavailable возвращается для несуществующего или снятого с продажи продукта.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrForbidden возвращается при обращении к чужому заказу или платежу.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidArgument возвращается при некорректных входных данных.
	ErrInvalidArgument = errors.New("invalid argument")
)

// UpgradeReason причина отказа в повышении уровня членства.
type UpgradeReason string

const (
	UpgradeReasonNoActiveMembership UpgradeReason = "no_active_membership"
	UpgradeReasonExpired            UpgradeReason = "membership_expired"
	UpgradeReasonInactive           UpgradeReason = "membership_inactive"
	UpgradeReasonLevelNotHigher     UpgradeReason = "level_not_higher"
)

// UpgradeNotAllowedError отказ в повышении уровня с причиной.
type UpgradeNotAllowedError struct {
	Reason UpgradeReason
}

func (e *UpgradeNotAllowedError) Error() string {
	return fmt.Sprintf("upgrade not allowed: %s", e.Reason)
}

func upgradeNotAllowed(reason UpgradeReason) error {
	return &UpgradeNotAllowedError{Reason: reason}
}

type errorInfo struct {
	target  error
	code    string
	message string
}

var errorTable = []errorInfo{
	{ErrOrderNotFound, "ORDER_NOT_FOUND", "order not found"},
	{ErrOrderNotPayable, "ORDER_NOT_PAYABLE", "order is not payable"},
	{ErrOrderNotCancellable, "ORDER_NOT_CANCELLABLE", "order cannot be cancelled"},
	{ErrTransactionNotFound, "TRANSACTION_NOT_FOUND", "payment transaction not found"},
	{ErrAmountMismatch, "AMOUNT_MISMATCH", "payment amount mismatch"},
	{ErrCallbackVerificationFailed, "CALLBACK_VERIFICATION_FAILED", "callback verification failed"},
	{gateway.ErrMethodNotSupported, "METHOD_NOT_SUPPORTED", "payment method not supported"},
	{gateway.ErrChannelNotSupported, "CHANNEL_NOT_SUPPORTED", "payment channel not supported"},
	{ErrPaymentFailed, "PAYMENT_FAILED", "payment could not be created, try again later"},
	{ErrGatewayUnavailable, "GATEWAY_UNAVAILABLE", "payment gateway unavailable"},
	{ErrInsufficientPoints, "INSUFFICIENT_POINTS", "insufficient points"},
	{ErrProductUnavailable, "PRODUCT_UNAVAILABLE", "product unavailable"},
	{ErrForbidden, "FORBIDDEN", "access denied"},
	{ErrInvalidArgument, "INVALID_ARGUMENT", "invalid request"},
}

// ErrorCode возвращает стабильный машинный код ошибки и безопасное для пользователя сообщение.
// Неизвестные ошибки превращаются в INTERNAL_ERROR без подробностей.
func ErrorCode(err error) (code, message string) {
	if err == nil {
		return "OK", ""
	}

	var upgradeErr *UpgradeNotAllowedError
	if errors.As(err, &upgradeErr) {
		return "UPGRADE_NOT_ALLOWED", string(upgradeErr.Reason)
	}

	// METHOD_NOT_SUPPORTED важнее обёртки PAYMENT_FAILED
	for _, e := range errorTable {
		if errors.Is(err, e.target) {
			return e.code, e.message
		}
	}
	return "INTERNAL_ERROR", "internal error"
}
