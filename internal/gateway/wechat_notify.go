package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

const resourceAlgorithm = "AEAD_AES_256_GCM"

type wxNotifyResource struct {
	Algorithm      string `json:"algorithm"`
	Ciphertext     string `json:"ciphertext"`
	AssociatedData string `json:"associated_data"`
	OriginalType   string `json:"original_type"`
	Nonce          string `json:"nonce"`
}

type wxNotify struct {
	ID           string           `json:"id"`
	CreateTime   string           `json:"create_time"`
	EventType    string           `json:"event_type"`
	ResourceType string           `json:"resource_type"`
	Summary      string           `json:"summary"`
	Resource     wxNotifyResource `json:"resource"`
}

// VerifyCallback проверяет подпись уведомления и расшифровывает его ресурс.
// Success выставляется только для сделки в состоянии SUCCESS; для прочих подлинных
// уведомлений поля заполнены, а Err равен ErrTradeNotSuccess.
func (a *WechatAdapter) VerifyCallback(_ context.Context, n Notification) *CallbackResult {
	if n.Signature == "" || n.Timestamp == "" || n.Nonce == "" {
		a.audit.Warn("callback rejected: missing signature headers", zap.String("serial", n.Serial))
		return &CallbackResult{Outcome: failed(ErrMissingParams, "signature, timestamp and nonce are required")}
	}

	verified := false
	if a.cfg.PlatformKey != nil {
		if err := VerifySignature(a.cfg.PlatformKey, n.Timestamp, n.Nonce, n.Body, n.Signature); err != nil {
			a.audit.Error("callback signature verification failed",
				zap.String("serial", n.Serial), zap.String("timestamp", n.Timestamp), zap.Error(err))
			return &CallbackResult{Outcome: Outcome{ErrorMessage: "signature verification failed", Err: err}}
		}
		verified = true
	} else {
		a.audit.Warn("callback accepted without signature verification", zap.String("serial", n.Serial))
	}

	var env wxNotify
	if err := json.Unmarshal(n.Body, &env); err != nil {
		return &CallbackResult{Outcome: failed(ErrInvalidParams, "decode notification: %v", err), Verified: verified}
	}
	if env.Resource.Algorithm != resourceAlgorithm {
		return &CallbackResult{Outcome: failed(ErrDecrypt, "unsupported algorithm %q", env.Resource.Algorithm), Verified: verified}
	}

	plain, err := DecryptResource([]byte(a.cfg.APIv3Key), env.Resource.Nonce, env.Resource.AssociatedData, env.Resource.Ciphertext)
	if err != nil {
		a.audit.Error("callback resource decryption failed", zap.String("notify_id", env.ID), zap.Error(err))
		return &CallbackResult{Outcome: Outcome{ErrorMessage: "resource decryption failed", Err: err}, Verified: verified}
	}

	var tx wxTransaction
	if err := json.Unmarshal(plain, &tx); err != nil {
		return &CallbackResult{Outcome: failed(ErrDecrypt, "decode resource: %v", err), Verified: verified}
	}

	res := &CallbackResult{
		OutTradeNo:           tx.OutTradeNo,
		ChannelTransactionID: tx.TransactionID,
		TradeState:           TradeState(tx.TradeState),
		AmountFen:            tx.Amount.Total,
		PayerID:              tx.Payer.OpenID,
		Attach:               tx.Attach,
		Verified:             verified,
	}
	if paidAt := tx.paidAt(); paidAt != nil {
		res.PaidAt = *paidAt
	} else {
		res.PaidAt = a.api.now()
	}

	if res.TradeState != TradeStateSuccess {
		res.Outcome = failed(ErrTradeNotSuccess, "trade state %s", tx.TradeState)
		return res
	}
	if res.OutTradeNo == "" {
		res.Outcome = failed(ErrInvalidParams, "out_trade_no missing in resource")
		return res
	}
	res.Success = true
	return res
}
