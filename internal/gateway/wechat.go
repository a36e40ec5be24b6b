package gateway

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/model"
)

// DefaultWechatBaseURL адрес API шлюза по умолчанию.
const DefaultWechatBaseURL = "https://api.mch.weixin.qq.com"

const apiV3KeyLen = 32

// WechatConfig параметры мерчанта для канала wechat.
type WechatConfig struct {
	MchID      string
	AppID      string
	SerialNo   string
	PrivateKey *rsa.PrivateKey
	APIv3Key   string
	// PlatformKey открытый ключ платформы для проверки уведомлений.
	PlatformKey *rsa.PublicKey
	// AllowUnverified явно разрешает принимать уведомления без проверки подписи,
	// если PlatformKey не задан.
	AllowUnverified bool
	BaseURL         string
	RetryMax        int
	Timeout         time.Duration
}

// WechatAdapter адаптер протокола v3 канала wechat.
type WechatAdapter struct {
	cfg    WechatConfig
	signer *Signer
	api    *apiClient
	logger *zap.Logger
	audit  *zap.Logger
}

// NewWechatAdapter проверяет конфигурацию и создаёт адаптер.
// Неполные учётные данные приводят к ErrConfiguration.
func NewWechatAdapter(cfg WechatConfig, logger *zap.Logger) (*WechatAdapter, error) {
	switch {
	case cfg.MchID == "":
		return nil, fmt.Errorf("%w: merchant id is required", ErrConfiguration)
	case cfg.AppID == "":
		return nil, fmt.Errorf("%w: app id is required", ErrConfiguration)
	case cfg.SerialNo == "":
		return nil, fmt.Errorf("%w: certificate serial number is required", ErrConfiguration)
	case cfg.PrivateKey == nil:
		return nil, fmt.Errorf("%w: merchant private key is required", ErrConfiguration)
	case len(cfg.APIv3Key) != apiV3KeyLen:
		return nil, fmt.Errorf("%w: api v3 key must be %d bytes", ErrConfiguration, apiV3KeyLen)
	case cfg.PlatformKey == nil && !cfg.AllowUnverified:
		return nil, fmt.Errorf("%w: platform certificate is required unless unverified callbacks are allowed", ErrConfiguration)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWechatBaseURL
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("channel", string(model.PaymentChannelWechat)))

	if cfg.PlatformKey == nil {
		logger.Warn("platform certificate not configured, callback signatures will NOT be verified")
	}

	signer := NewSigner(cfg.MchID, cfg.SerialNo, cfg.PrivateKey)
	return &WechatAdapter{
		cfg:    cfg,
		signer: signer,
		api:    newAPIClient(cfg.BaseURL, signer, cfg.RetryMax, cfg.Timeout, logger),
		logger: logger,
		audit:  logger.Named("audit"),
	}, nil
}

// Channel возвращает канал адаптера.
func (a *WechatAdapter) Channel() model.PaymentChannel {
	return model.PaymentChannelWechat
}

type wxAmount struct {
	Total    int64  `json:"total"`
	Currency string `json:"currency,omitempty"`
}

type wxPayer struct {
	OpenID string `json:"openid"`
}

type wxH5Info struct {
	Type string `json:"type"`
}

type wxSceneInfo struct {
	PayerClientIP string    `json:"payer_client_ip"`
	H5Info        *wxH5Info `json:"h5_info,omitempty"`
}

type wxCreateRequest struct {
	AppID       string       `json:"appid"`
	MchID       string       `json:"mchid"`
	Description string       `json:"description"`
	OutTradeNo  string       `json:"out_trade_no"`
	TimeExpire  string       `json:"time_expire,omitempty"`
	Attach      string       `json:"attach,omitempty"`
	NotifyURL   string       `json:"notify_url"`
	Amount      wxAmount     `json:"amount"`
	Payer       *wxPayer     `json:"payer,omitempty"`
	SceneInfo   *wxSceneInfo `json:"scene_info,omitempty"`
}

type wxCreateResponse struct {
	CodeURL  string `json:"code_url"`
	H5URL    string `json:"h5_url"`
	PrepayID string `json:"prepay_id"`
}

// wxTransaction состояние сделки: тело ответа на запрос и расшифрованный ресурс уведомления.
type wxTransaction struct {
	AppID          string   `json:"appid"`
	MchID          string   `json:"mchid"`
	OutTradeNo     string   `json:"out_trade_no"`
	TransactionID  string   `json:"transaction_id"`
	TradeState     string   `json:"trade_state"`
	TradeStateDesc string   `json:"trade_state_desc"`
	SuccessTime    string   `json:"success_time"`
	Attach         string   `json:"attach"`
	Payer          wxPayer  `json:"payer"`
	Amount         wxAmount `json:"amount"`
}

func (t *wxTransaction) paidAt() *time.Time {
	if t.SuccessTime == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, t.SuccessTime)
	if err != nil {
		return nil
	}
	return &ts
}

// endpoint возвращает путь создания платежа для способа оплаты.
func endpoint(method model.PaymentMethod) (string, bool) {
	switch method {
	case model.PaymentMethodNative:
		return "/v3/pay/transactions/native", true
	case model.PaymentMethodH5:
		return "/v3/pay/transactions/h5", true
	case model.PaymentMethodJSAPI, model.PaymentMethodMini:
		return "/v3/pay/transactions/jsapi", true
	case model.PaymentMethodApp:
		return "/v3/pay/transactions/app", true
	}
	return "", false
}

// CreatePayment создаёт сделку в шлюзе и возвращает данные для клиента.
func (a *WechatAdapter) CreatePayment(ctx context.Context, req CreatePaymentRequest) *CreatePaymentResult {
	path, ok := endpoint(req.Method)
	if !ok {
		return &CreatePaymentResult{Outcome: failed(ErrMethodNotSupported, "method %q", req.Method)}
	}
	if req.OutTradeNo == "" || req.AmountFen <= 0 {
		return &CreatePaymentResult{Outcome: failed(ErrInvalidParams, "out trade no and positive amount are required")}
	}
	if req.NotifyURL == "" {
		return &CreatePaymentResult{Outcome: failed(ErrInvalidParams, "notify url is required")}
	}

	body := wxCreateRequest{
		AppID:       a.cfg.AppID,
		MchID:       a.cfg.MchID,
		Description: TruncateDescription(req.Description),
		OutTradeNo:  req.OutTradeNo,
		Attach:      req.Attach,
		NotifyURL:   req.NotifyURL,
		Amount:      wxAmount{Total: req.AmountFen, Currency: "CNY"},
	}
	if req.ExpireMinutes > 0 {
		body.TimeExpire = FormatExpireTime(a.api.now().Add(time.Duration(req.ExpireMinutes) * time.Minute))
	}

	switch req.Method {
	case model.PaymentMethodJSAPI, model.PaymentMethodMini:
		if req.PayerID == "" {
			return &CreatePaymentResult{Outcome: failed(ErrInvalidParams, "payer id is required for %s", req.Method)}
		}
		body.Payer = &wxPayer{OpenID: req.PayerID}
	case model.PaymentMethodH5:
		if req.ClientIP == "" {
			return &CreatePaymentResult{Outcome: failed(ErrInvalidParams, "client ip is required for h5")}
		}
		body.SceneInfo = &wxSceneInfo{PayerClientIP: req.ClientIP, H5Info: &wxH5Info{Type: "Wap"}}
	}

	resp, err := a.api.do(ctx, http.MethodPost, path, body)
	if err != nil {
		a.logger.Warn("create payment request failed", zap.String("out_trade_no", req.OutTradeNo), zap.Error(err))
		return &CreatePaymentResult{Outcome: Outcome{ErrorMessage: err.Error(), Err: err}}
	}
	if !resp.ok() {
		a.logger.Warn("create payment rejected", zap.String("out_trade_no", req.OutTradeNo), zap.Int("status", resp.StatusCode))
		return &CreatePaymentResult{Outcome: failed(ErrGateway, "%s", resp.describe())}
	}

	var out wxCreateResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return &CreatePaymentResult{Outcome: failed(ErrGateway, "decode response: %v", err)}
	}

	result := &CreatePaymentResult{
		Outcome:  Outcome{Success: true},
		PrepayID: out.PrepayID,
		CodeURL:  out.CodeURL,
		H5URL:    out.H5URL,
	}
	switch req.Method {
	case model.PaymentMethodNative:
		if out.CodeURL == "" {
			return &CreatePaymentResult{Outcome: failed(ErrGateway, "code_url missing in response")}
		}
	case model.PaymentMethodH5:
		if out.H5URL == "" {
			return &CreatePaymentResult{Outcome: failed(ErrGateway, "h5_url missing in response")}
		}
	default:
		if out.PrepayID == "" {
			return &CreatePaymentResult{Outcome: failed(ErrGateway, "prepay_id missing in response")}
		}
		params, err := a.clientParams(req.Method, out.PrepayID)
		if err != nil {
			return &CreatePaymentResult{Outcome: Outcome{ErrorMessage: err.Error(), Err: err}}
		}
		result.ClientParams = params
	}
	return result
}

// clientParams подписывает параметры вызова клиентского SDK.
func (a *WechatAdapter) clientParams(method model.PaymentMethod, prepayID string) (map[string]string, error) {
	ts := strconv.FormatInt(a.api.now().Unix(), 10)
	nonce := a.api.nonce()

	if method == model.PaymentMethodApp {
		sign, err := a.signer.Sign(BuildSignMessage(a.cfg.AppID, ts, nonce, prepayID))
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"appid":     a.cfg.AppID,
			"partnerid": a.cfg.MchID,
			"prepayid":  prepayID,
			"package":   "Sign=WXPay",
			"noncestr":  nonce,
			"timestamp": ts,
			"sign":      sign,
		}, nil
	}

	pkg := "prepay_id=" + prepayID
	sign, err := a.signer.Sign(BuildSignMessage(a.cfg.AppID, ts, nonce, pkg))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"appId":     a.cfg.AppID,
		"timeStamp": ts,
		"nonceStr":  nonce,
		"package":   pkg,
		"signType":  "RSA",
		"paySign":   sign,
	}, nil
}

// QueryOrder запрашивает состояние сделки по номеру мерчанта или номеру шлюза.
func (a *WechatAdapter) QueryOrder(ctx context.Context, req QueryRequest) *QueryResult {
	var path string
	switch {
	case req.TransactionID != "":
		path = "/v3/pay/transactions/id/" + url.PathEscape(req.TransactionID)
	case req.OutTradeNo != "":
		path = "/v3/pay/transactions/out-trade-no/" + url.PathEscape(req.OutTradeNo)
	default:
		return &QueryResult{Outcome: failed(ErrInvalidParams, "out trade no or transaction id is required")}
	}
	path += "?mchid=" + url.QueryEscape(a.cfg.MchID)

	resp, err := a.api.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return &QueryResult{Outcome: Outcome{ErrorMessage: err.Error(), Err: err}}
	}
	if !resp.ok() {
		return &QueryResult{Outcome: failed(ErrGateway, "%s", resp.describe())}
	}

	var tx wxTransaction
	if err := json.Unmarshal(resp.Body, &tx); err != nil {
		return &QueryResult{Outcome: failed(ErrGateway, "decode response: %v", err)}
	}
	return &QueryResult{
		Outcome:              Outcome{Success: true},
		OutTradeNo:           tx.OutTradeNo,
		ChannelTransactionID: tx.TransactionID,
		TradeState:           TradeState(tx.TradeState),
		AmountFen:            tx.Amount.Total,
		PaidAt:               tx.paidAt(),
		PayerID:              tx.Payer.OpenID,
	}
}

// CloseOrder закрывает неоплаченную сделку в шлюзе.
func (a *WechatAdapter) CloseOrder(ctx context.Context, outTradeNo string) *CloseResult {
	if outTradeNo == "" {
		return &CloseResult{Outcome: failed(ErrInvalidParams, "out trade no is required")}
	}
	path := "/v3/pay/transactions/out-trade-no/" + url.PathEscape(outTradeNo) + "/close"

	resp, err := a.api.do(ctx, http.MethodPost, path, map[string]string{"mchid": a.cfg.MchID})
	if err != nil {
		return &CloseResult{Outcome: Outcome{ErrorMessage: err.Error(), Err: err}}
	}
	if !resp.ok() {
		return &CloseResult{Outcome: failed(ErrGateway, "%s", resp.describe())}
	}
	return &CloseResult{Outcome: Outcome{Success: true}}
}
