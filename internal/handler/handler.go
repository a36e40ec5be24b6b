// Package handler содержит HTTP-обработчики API сервиса расчётов.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/gateway"
	"github.com/daixin877889/lexseek-settlement/internal/middleware"
	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/service"
	"github.com/daixin877889/lexseek-settlement/internal/validation"
)

const maxNotifyBodySize = 64 << 10

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (*model.Order, error)
	GetOrder(ctx context.Context, userID int64, orderNo string) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID, userID int64) error
	CreatePaymentForOrder(ctx context.Context, in service.CreatePaymentInput) (*service.PaymentResult, error)
	GetTransaction(ctx context.Context, userID int64, transactionNo string, sync bool) (*model.PaymentTransaction, error)
	HandleCallback(ctx context.Context, channel model.PaymentChannel, n gateway.Notification) error
	QuoteUpgrade(ctx context.Context, userID, targetLevelID int64) (*service.UpgradeQuote, error)
	RequestUpgrade(ctx context.Context, userID, targetLevelID int64) (*service.UpgradeRequest, error)
}

// Points определяет операции журнала баллов, доступные через API.
type Points interface {
	AvailableBalance(ctx context.Context, userID int64) (int64, error)
	ListRecords(ctx context.Context, userID int64, limit, offset int) ([]model.PointRecord, error)
	Consume(ctx context.Context, in service.ConsumeInput) ([]model.PointConsumption, error)
}

// Handler реализует HTTP-обработчики API сервиса расчётов.
type Handler struct {
	service        Service
	points         Points
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, p Points, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		points:         p,
		logger:         logger,
		authMiddleware: auth,
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Data    any    `json:"data,omitempty"`
}

var statusByCode = map[string]int{
	"ORDER_NOT_FOUND":              http.StatusNotFound,
	"TRANSACTION_NOT_FOUND":        http.StatusNotFound,
	"ORDER_NOT_PAYABLE":            http.StatusConflict,
	"ORDER_NOT_CANCELLABLE":        http.StatusConflict,
	"UPGRADE_NOT_ALLOWED":          http.StatusConflict,
	"PRODUCT_UNAVAILABLE":          http.StatusConflict,
	"AMOUNT_MISMATCH":              http.StatusConflict,
	"INSUFFICIENT_POINTS":          http.StatusPaymentRequired,
	"FORBIDDEN":                    http.StatusForbidden,
	"INVALID_ARGUMENT":             http.StatusBadRequest,
	"METHOD_NOT_SUPPORTED":         http.StatusBadRequest,
	"CHANNEL_NOT_SUPPORTED":        http.StatusBadRequest,
	"CALLBACK_VERIFICATION_FAILED": http.StatusBadRequest,
	"PAYMENT_FAILED":               http.StatusBadGateway,
	"GATEWAY_UNAVAILABLE":          http.StatusBadGateway,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Message: "OK", Code: "OK", Data: data})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, envelope{Message: message, Code: "INVALID_ARGUMENT"})
}

// writeError отвечает стабильным кодом ошибки. Подробности попадают только в лог.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, message := service.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	fields := []zap.Field{
		zap.Error(err),
		zap.String("code", code),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(op, fields...)
	} else {
		h.logger.Info(op, fields...)
	}

	writeJSON(w, status, envelope{Message: message, Code: code})
}

func userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, envelope{Message: "authentication required", Code: "UNAUTHORIZED"})
	}
	return id, ok
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

type createOrderRequest struct {
	ProductID    int64  `json:"productId"`
	Duration     int    `json:"duration"`
	DurationUnit string `json:"durationUnit"`
	OrderType    string `json:"orderType"`
	Remark       string `json:"remark"`
}

type orderResponse struct {
	ID           int64  `json:"id"`
	OrderNo      string `json:"orderNo"`
	ProductID    int64  `json:"productId"`
	Amount       string `json:"amount"`
	Duration     int    `json:"duration"`
	DurationUnit string `json:"durationUnit"`
	OrderType    string `json:"orderType"`
	Status       string `json:"status"`
	ExpiredAt    string `json:"expiredAt"`
	PaidAt       string `json:"paidAt,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func toOrderResponse(o *model.Order) orderResponse {
	return orderResponse{
		ID:           o.ID,
		OrderNo:      o.OrderNo,
		ProductID:    o.ProductID,
		Amount:       o.Amount.StringFixed(2),
		Duration:     o.Duration,
		DurationUnit: string(o.DurationUnit),
		OrderType:    string(o.OrderType),
		Status:       string(o.Status),
		ExpiredAt:    o.ExpiredAt.Format(time.RFC3339),
		PaidAt:       formatTime(o.PaidAt),
		CreatedAt:    o.CreatedAt.Format(time.RFC3339),
	}
}

// CreateOrder создаёт заказ текущего пользователя. Заказы на повышение уровня
// создаются только через RequestUpgrade, где сумма рассчитывается на сервере.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}

	orderType := model.OrderType(req.OrderType)
	if orderType == model.OrderTypeUpgrade {
		writeBadRequest(w, "use the membership upgrade endpoint")
		return
	}

	o, err := h.service.CreateOrder(r.Context(), service.CreateOrderInput{
		UserID:       uid,
		ProductID:    req.ProductID,
		Duration:     req.Duration,
		DurationUnit: model.DurationUnit(req.DurationUnit),
		OrderType:    orderType,
		Remark:       req.Remark,
	})
	if err != nil {
		h.writeError(w, r, "create order", err)
		return
	}

	writeOK(w, http.StatusCreated, toOrderResponse(o))
}

// GetOrder возвращает заказ текущего пользователя по номеру.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	orderNo := chi.URLParam(r, "orderNo")
	if !validation.IsValidOrderNumber(orderNo) {
		writeBadRequest(w, "invalid order number")
		return
	}

	o, err := h.service.GetOrder(r.Context(), uid, orderNo)
	if err != nil {
		h.writeError(w, r, "get order", err)
		return
	}

	writeOK(w, http.StatusOK, toOrderResponse(o))
}

// CancelOrder отменяет заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		writeBadRequest(w, "invalid order id")
		return
	}

	if err := h.service.CancelOrder(r.Context(), orderID, uid); err != nil {
		h.writeError(w, r, "cancel order", err)
		return
	}

	writeOK(w, http.StatusOK, nil)
}

type createPaymentRequest struct {
	OrderID int64  `json:"orderId"`
	Channel string `json:"channel"`
	Method  string `json:"method"`
	OpenID  string `json:"openId"`
}

type paymentResponse struct {
	TransactionNo string            `json:"transactionNo"`
	OrderNo       string            `json:"orderNo"`
	Amount        string            `json:"amount"`
	Channel       string            `json:"channel"`
	Method        string            `json:"method"`
	ExpiredAt     string            `json:"expiredAt"`
	PayParams     map[string]string `json:"payParams"`
	Reused        bool              `json:"reused"`
}

// CreatePayment создаёт платёж по заказу текущего пользователя.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}
	if req.OrderID <= 0 || req.Method == "" {
		writeBadRequest(w, "orderId and method are required")
		return
	}
	if req.Channel == "" {
		req.Channel = string(model.PaymentChannelWechat)
	}

	res, err := h.service.CreatePaymentForOrder(r.Context(), service.CreatePaymentInput{
		UserID:   uid,
		OrderID:  req.OrderID,
		Channel:  model.PaymentChannel(req.Channel),
		Method:   model.PaymentMethod(req.Method),
		PayerID:  req.OpenID,
		ClientIP: clientIP(r),
	})
	if err != nil {
		h.writeError(w, r, "create payment", err)
		return
	}

	writeOK(w, http.StatusOK, paymentResponse{
		TransactionNo: res.TransactionNo,
		OrderNo:       res.OrderNo,
		Amount:        res.Amount.StringFixed(2),
		Channel:       string(res.Channel),
		Method:        string(res.Method),
		ExpiredAt:     res.ExpiredAt.Format(time.RFC3339),
		PayParams:     res.Payload,
		Reused:        res.Reused,
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type transactionResponse struct {
	TransactionNo string `json:"transactionNo"`
	OrderID       int64  `json:"orderId"`
	Amount        string `json:"amount"`
	Channel       string `json:"channel"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	ExpiredAt     string `json:"expiredAt"`
	PaidAt        string `json:"paidAt,omitempty"`
}

// GetTransaction возвращает статус платёжной попытки. sync=true запрашивает статус в шлюзе.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	transactionNo := chi.URLParam(r, "transactionNo")
	if !validation.IsValidTransactionNumber(transactionNo) {
		writeBadRequest(w, "invalid transaction number")
		return
	}
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))

	t, err := h.service.GetTransaction(r.Context(), uid, transactionNo, sync)
	if err != nil {
		h.writeError(w, r, "get transaction", err)
		return
	}

	writeOK(w, http.StatusOK, transactionResponse{
		TransactionNo: t.TransactionNo,
		OrderID:       t.OrderID,
		Amount:        t.Amount.StringFixed(2),
		Channel:       string(t.Channel),
		Method:        string(t.Method),
		Status:        string(t.Status),
		ExpiredAt:     t.ExpiredAt.Format(time.RFC3339),
		PaidAt:        formatTime(t.PaidAt),
	})
}

type notifyReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaymentNotify принимает асинхронное уведомление шлюза. Отвечает в формате шлюза:
// 200 и SUCCESS при успехе, 500 и FAIL, чтобы шлюз повторил доставку.
func (h *Handler) PaymentNotify(w http.ResponseWriter, r *http.Request) {
	channel := model.PaymentChannel(chi.URLParam(r, "channel"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotifyBodySize))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, notifyReply{Code: "FAIL", Message: "read body"})
		return
	}

	n := gateway.Notification{
		Signature: r.Header.Get("Wechatpay-Signature"),
		Timestamp: r.Header.Get("Wechatpay-Timestamp"),
		Nonce:     r.Header.Get("Wechatpay-Nonce"),
		Serial:    r.Header.Get("Wechatpay-Serial"),
		Body:      body,
	}

	if err := h.service.HandleCallback(r.Context(), channel, n); err != nil {
		code, message := service.ErrorCode(err)
		h.logger.Warn("payment notification failed",
			zap.String("channel", string(channel)),
			zap.String("code", code),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, notifyReply{Code: "FAIL", Message: message})
		return
	}

	writeJSON(w, http.StatusOK, notifyReply{Code: "SUCCESS", Message: "OK"})
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

// GetPointsBalance возвращает доступный баланс баллов.
func (h *Handler) GetPointsBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	balance, err := h.points.AvailableBalance(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, "get points balance", err)
		return
	}

	writeOK(w, http.StatusOK, balanceResponse{Balance: balance})
}

type pointRecordResponse struct {
	ID          int64  `json:"id"`
	PointAmount int64  `json:"pointAmount"`
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"`
	SourceType  string `json:"sourceType"`
	Status      string `json:"status"`
	EffectiveAt string `json:"effectiveAt"`
	ExpiredAt   string `json:"expiredAt"`
}

// GetPointRecords возвращает начисления баллов текущего пользователя.
func (h *Handler) GetPointRecords(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	records, err := h.points.ListRecords(r.Context(), uid, limit, offset)
	if err != nil {
		h.writeError(w, r, "list point records", err)
		return
	}

	resp := make([]pointRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, pointRecordResponse{
			ID:          rec.ID,
			PointAmount: rec.PointAmount,
			Used:        rec.Used,
			Remaining:   rec.Remaining,
			SourceType:  string(rec.SourceType),
			Status:      string(rec.Status),
			EffectiveAt: rec.EffectiveAt.Format(time.RFC3339),
			ExpiredAt:   rec.ExpiredAt.Format(time.RFC3339),
		})
	}

	writeOK(w, http.StatusOK, resp)
}

type consumeRequest struct {
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	RelatedID string `json:"relatedId"`
}

type consumptionResponse struct {
	PointRecordID int64 `json:"pointRecordId"`
	Amount        int64 `json:"amount"`
}

// ConsumePoints списывает баллы текущего пользователя.
func (h *Handler) ConsumePoints(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed request body")
		return
	}

	out, err := h.points.Consume(r.Context(), service.ConsumeInput{
		UserID:    uid,
		Amount:    req.Amount,
		Reason:    req.Reason,
		RelatedID: req.RelatedID,
	})
	if err != nil {
		h.writeError(w, r, "consume points", err)
		return
	}

	resp := make([]consumptionResponse, 0, len(out))
	for _, c := range out {
		resp = append(resp, consumptionResponse{PointRecordID: c.PointRecordID, Amount: c.Amount})
	}
	writeOK(w, http.StatusOK, resp)
}

type quoteResponse struct {
	MembershipID           int64  `json:"membershipId"`
	CurrentLevelID         int64  `json:"currentLevelId"`
	TargetLevelID          int64  `json:"targetLevelId"`
	TargetProductID        int64  `json:"targetProductId"`
	RemainingDays          int64  `json:"remainingDays"`
	OriginalRemainingValue string `json:"originalRemainingValue"`
	TargetRemainingValue   string `json:"targetRemainingValue"`
	UpgradePrice           string `json:"upgradePrice"`
	PointCompensation      int64  `json:"pointCompensation"`
}

func toQuoteResponse(q *service.UpgradeQuote) quoteResponse {
	return quoteResponse{
		MembershipID:           q.Membership.ID,
		CurrentLevelID:         q.CurrentLevel.ID,
		TargetLevelID:          q.TargetLevel.ID,
		TargetProductID:        q.TargetProduct.ID,
		RemainingDays:          q.Price.RemainingDays,
		OriginalRemainingValue: q.Price.OriginalRemainingValue.StringFixed(2),
		TargetRemainingValue:   q.Price.TargetRemainingValue.StringFixed(2),
		UpgradePrice:           q.Price.UpgradePrice.StringFixed(2),
		PointCompensation:      q.Price.PointCompensation,
	}
}

// QuoteUpgrade рассчитывает стоимость повышения уровня до targetLevelId.
func (h *Handler) QuoteUpgrade(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	target, err := strconv.ParseInt(r.URL.Query().Get("targetLevelId"), 10, 64)
	if err != nil || target <= 0 {
		writeBadRequest(w, "targetLevelId is required")
		return
	}

	q, err := h.service.QuoteUpgrade(r.Context(), uid, target)
	if err != nil {
		h.writeError(w, r, "quote upgrade", err)
		return
	}

	writeOK(w, http.StatusOK, toQuoteResponse(q))
}

type upgradeRequest struct {
	TargetLevelID int64 `json:"targetLevelId"`
}

type upgradeResponse struct {
	Quote        quoteResponse  `json:"quote"`
	Order        *orderResponse `json:"order,omitempty"`
	MembershipID int64          `json:"membershipId,omitempty"`
}

// RequestUpgrade начинает повышение уровня: возвращает заказ на доплату
// либо новое членство, если доплата нулевая.
func (h *Handler) RequestUpgrade(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetLevelID <= 0 {
		writeBadRequest(w, "targetLevelId is required")
		return
	}

	res, err := h.service.RequestUpgrade(r.Context(), uid, req.TargetLevelID)
	if err != nil {
		h.writeError(w, r, "request upgrade", err)
		return
	}

	resp := upgradeResponse{Quote: toQuoteResponse(res.Quote)}
	if res.Order != nil {
		o := toOrderResponse(res.Order)
		resp.Order = &o
	}
	if res.Membership != nil {
		resp.MembershipID = res.Membership.ID
	}
	writeOK(w, http.StatusOK, resp)
}
