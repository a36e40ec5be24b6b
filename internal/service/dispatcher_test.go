package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daixin877889/lexseek-settlement/internal/gateway"
	"github.com/daixin877889/lexseek-settlement/internal/model"
)

type recordingHandler struct {
	name  string
	kinds []SettlementKind
	err   error
	calls *[]string
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) CanHandle(kind SettlementKind) bool {
	for _, k := range h.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (h *recordingHandler) Handle(_ context.Context, st *Settlement) error {
	*h.calls = append(*h.calls, fmt.Sprintf("%s:%s", h.name, st.Kind))
	return h.err
}

func TestKindOf(t *testing.T) {
	membership := &model.Product{Type: model.ProductTypeMembership}
	points := &model.Product{Type: model.ProductTypePoints}

	tests := []struct {
		product *model.Product
		order   model.OrderType
		want    SettlementKind
	}{
		{membership, model.OrderTypePurchase, SettlementMembershipPurchase},
		{membership, model.OrderTypeRenew, SettlementMembershipRenew},
		{membership, model.OrderTypeUpgrade, SettlementMembershipUpgrade},
		{points, model.OrderTypePurchase, SettlementPointsPurchase},
		{points, model.OrderTypeUpgrade, SettlementUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.product, &model.Order{OrderType: tt.order}))
		})
	}
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	f := newFixture(t)
	var calls []string
	d := NewDispatcher(f.repo, zap.NewNop(),
		&recordingHandler{name: "upgrade", kinds: []SettlementKind{SettlementMembershipUpgrade}, calls: &calls},
		&recordingHandler{name: "purchase", kinds: []SettlementKind{
			SettlementMembershipPurchase, SettlementMembershipRenew, SettlementMembershipUpgrade,
		}, calls: &calls},
	)

	name, err := d.Dispatch(context.Background(), &model.Order{ProductID: proProduct, OrderType: model.OrderTypeUpgrade}, nil)
	require.NoError(t, err)
	assert.Equal(t, "upgrade", name)

	name, err = d.Dispatch(context.Background(), &model.Order{ProductID: proProduct, OrderType: model.OrderTypePurchase}, nil)
	require.NoError(t, err)
	assert.Equal(t, "purchase", name)

	assert.Equal(t, []string{"upgrade:membership_upgrade", "purchase:membership_purchase"}, calls)
}

func TestDispatch_NoMatchIsNoop(t *testing.T) {
	f := newFixture(t)
	var calls []string
	d := NewDispatcher(f.repo, zap.NewNop(),
		&recordingHandler{name: "points", kinds: []SettlementKind{SettlementPointsPurchase}, calls: &calls})

	name, err := d.Dispatch(context.Background(), &model.Order{ProductID: basicProduct, OrderType: model.OrderTypeRenew}, nil)
	require.NoError(t, err)
	assert.Empty(t, name)
	assert.Empty(t, calls)
}

func TestDispatch_HandlerError(t *testing.T) {
	f := newFixture(t)
	var calls []string
	boom := errors.New("boom")
	d := NewDispatcher(f.repo, zap.NewNop(),
		&recordingHandler{name: "points", kinds: []SettlementKind{SettlementPointsPurchase}, err: boom, calls: &calls})

	name, err := d.Dispatch(context.Background(), &model.Order{ProductID: pointsProduct, OrderType: model.OrderTypePurchase}, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "points", name)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{nil, "OK"},
		{ErrOrderNotFound, "ORDER_NOT_FOUND"},
		{fmt.Errorf("%w: order LS1 is paid", ErrOrderNotPayable), "ORDER_NOT_PAYABLE"},
		{fmt.Errorf("%w: %w", ErrPaymentFailed, gateway.ErrGateway), "PAYMENT_FAILED"},
		{fmt.Errorf("%w: %w", ErrPaymentFailed, gateway.ErrMethodNotSupported), "METHOD_NOT_SUPPORTED"},
		{fmt.Errorf("%w: alipay", gateway.ErrChannelNotSupported), "CHANNEL_NOT_SUPPORTED"},
		{ErrInsufficientPoints, "INSUFFICIENT_POINTS"},
		{upgradeNotAllowed(UpgradeReasonExpired), "UPGRADE_NOT_ALLOWED"},
		{errors.New("pq: connection reset"), "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			code, msg := ErrorCode(tt.err)
			assert.Equal(t, tt.code, code)
			if tt.code == "INTERNAL_ERROR" {
				assert.Equal(t, "internal error", msg, "internal details must not leak")
			}
		})
	}
}
