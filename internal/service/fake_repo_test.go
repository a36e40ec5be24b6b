package service

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/daixin877889/lexseek-settlement/internal/gateway"
	"github.com/daixin877889/lexseek-settlement/internal/model"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
)

// memState снимок данных in-memory репозитория.
type memState struct {
	nextID       int64
	products     map[int64]model.Product
	levels       map[int64]model.MembershipLevel
	orders       map[int64]model.Order
	txs          map[int64]model.PaymentTransaction
	memberships  map[int64]model.UserMembership
	points       map[int64]model.PointRecord
	consumptions []model.PointConsumption
	upgrades     []model.UpgradeRecord
}

func (s *memState) clone() *memState {
	return &memState{
		nextID:       s.nextID,
		products:     maps.Clone(s.products),
		levels:       maps.Clone(s.levels),
		orders:       maps.Clone(s.orders),
		txs:          maps.Clone(s.txs),
		memberships:  maps.Clone(s.memberships),
		points:       maps.Clone(s.points),
		consumptions: append([]model.PointConsumption(nil), s.consumptions...),
		upgrades:     append([]model.UpgradeRecord(nil), s.upgrades...),
	}
}

type memTxKey struct{}

// memRepo in-memory реализация Repository. InTx сериализует единицы работы
// глобальным мьютексом и откатывает снимок при ошибке.
type memRepo struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *memState
	errs map[string]error
	now  func() time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		st: &memState{
			products:    map[int64]model.Product{},
			levels:      map[int64]model.MembershipLevel{},
			orders:      map[int64]model.Order{},
			txs:         map[int64]model.PaymentTransaction{},
			memberships: map[int64]model.UserMembership{},
			points:      map[int64]model.PointRecord{},
		},
		errs: map[string]error{},
		now:  time.Now,
	}
}

func (r *memRepo) failOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, method)
		return
	}
	r.errs[method] = err
}

// lock захватывает данные и возвращает ошибку, внедрённую для метода.
func (r *memRepo) lock(method string) error {
	r.mu.Lock()
	return r.errs[method]
}

func (r *memRepo) id() int64 {
	r.st.nextID++
	return r.st.nextID
}

func (r *memRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	snap := r.st.clone()
	r.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		r.mu.Lock()
		r.st = snap
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *memRepo) addProduct(p model.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.products[p.ID] = p
}

func (r *memRepo) addLevel(l model.MembershipLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.levels[l.ID] = l
}

func (r *memRepo) snapshot() *memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.clone()
}

func (r *memRepo) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetProduct"); err != nil {
		return nil, err
	}
	p, ok := r.st.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) FindMembershipProduct(_ context.Context, levelID int64) (*model.Product, error) {
	defer r.mu.Unlock()
	if err := r.lock("FindMembershipProduct"); err != nil {
		return nil, err
	}
	var found *model.Product
	for _, p := range r.st.products {
		if p.Type == model.ProductTypeMembership && p.LevelID != nil && *p.LevelID == levelID && p.IsOnSale() {
			if found == nil || p.ID < found.ID {
				found = &p
			}
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *memRepo) GetMembershipLevel(_ context.Context, id int64) (*model.MembershipLevel, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetMembershipLevel"); err != nil {
		return nil, err
	}
	l, ok := r.st.levels[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &l, nil
}

func (r *memRepo) CreateOrder(_ context.Context, o *model.Order) error {
	defer r.mu.Unlock()
	if err := r.lock("CreateOrder"); err != nil {
		return err
	}
	for _, existing := range r.st.orders {
		if existing.OrderNo == o.OrderNo {
			return repository.ErrConflict
		}
	}
	o.ID = r.id()
	o.CreatedAt = r.now()
	r.st.orders[o.ID] = *o
	return nil
}

func (r *memRepo) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetOrder"); err != nil {
		return nil, err
	}
	o, ok := r.st.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &o, nil
}

func (r *memRepo) GetOrderByNo(_ context.Context, orderNo string) (*model.Order, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetOrderByNo"); err != nil {
		return nil, err
	}
	for _, o := range r.st.orders {
		if o.OrderNo == orderNo {
			return &o, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memRepo) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	return r.GetOrder(ctx, id)
}

func (r *memRepo) setOrderStatus(id int64, from, to model.OrderStatus, paidAt *time.Time) bool {
	o, ok := r.st.orders[id]
	if !ok || o.Status != from {
		return false
	}
	o.Status = to
	if paidAt != nil {
		o.PaidAt = paidAt
	}
	r.st.orders[id] = o
	return true
}

func (r *memRepo) CancelOrder(_ context.Context, id int64) (bool, error) {
	defer r.mu.Unlock()
	if err := r.lock("CancelOrder"); err != nil {
		return false, err
	}
	return r.setOrderStatus(id, model.OrderStatusPending, model.OrderStatusCancelled, nil), nil
}

func (r *memRepo) MarkOrderPaid(_ context.Context, id int64, paidAt time.Time) (bool, error) {
	defer r.mu.Unlock()
	if err := r.lock("MarkOrderPaid"); err != nil {
		return false, err
	}
	return r.setOrderStatus(id, model.OrderStatusPending, model.OrderStatusPaid, &paidAt), nil
}

func (r *memRepo) CancelExpiredOrders(_ context.Context, now time.Time) (int64, error) {
	defer r.mu.Unlock()
	if err := r.lock("CancelExpiredOrders"); err != nil {
		return 0, err
	}
	var n int64
	for id, o := range r.st.orders {
		if o.Status == model.OrderStatusPending && !o.ExpiredAt.After(now) {
			o.Status = model.OrderStatusCancelled
			r.st.orders[id] = o
			n++
		}
	}
	return n, nil
}

func (r *memRepo) CreateTransaction(_ context.Context, t *model.PaymentTransaction) error {
	defer r.mu.Unlock()
	if err := r.lock("CreateTransaction"); err != nil {
		return err
	}
	for _, existing := range r.st.txs {
		if existing.TransactionNo == t.TransactionNo {
			return repository.ErrConflict
		}
	}
	t.ID = r.id()
	t.CreatedAt = r.now()
	r.st.txs[t.ID] = *t
	return nil
}

func (r *memRepo) GetTransactionByNo(_ context.Context, transactionNo string) (*model.PaymentTransaction, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetTransactionByNo"); err != nil {
		return nil, err
	}
	for _, t := range r.st.txs {
		if t.TransactionNo == transactionNo {
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memRepo) LockTransactionByNo(ctx context.Context, transactionNo string) (*model.PaymentTransaction, error) {
	return r.GetTransactionByNo(ctx, transactionNo)
}

func (r *memRepo) FindOpenTransaction(_ context.Context, orderID int64, now time.Time) (*model.PaymentTransaction, error) {
	defer r.mu.Unlock()
	if err := r.lock("FindOpenTransaction"); err != nil {
		return nil, err
	}
	var found *model.PaymentTransaction
	for _, t := range r.st.txs {
		if t.OrderID == orderID && t.IsOpen(now) && (found == nil || t.ID > found.ID) {
			found = &t
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *memRepo) SaveTransactionPrepared(_ context.Context, id int64, prepayID, outTradeNo string, params map[string]string) error {
	defer r.mu.Unlock()
	if err := r.lock("SaveTransactionPrepared"); err != nil {
		return err
	}
	t := r.st.txs[id]
	t.PrepayID, t.OutTradeNo, t.PayParams = prepayID, outTradeNo, maps.Clone(params)
	r.st.txs[id] = t
	return nil
}

func (r *memRepo) setTxStatus(id int64, to model.TransactionStatus, from ...model.TransactionStatus) (model.PaymentTransaction, bool) {
	t, ok := r.st.txs[id]
	if !ok {
		return t, false
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			return t, true
		}
	}
	return t, false
}

func (r *memRepo) MarkTransactionFailed(_ context.Context, id int64, message string) (bool, error) {
	defer r.mu.Unlock()
	if err := r.lock("MarkTransactionFailed"); err != nil {
		return false, err
	}
	t, ok := r.setTxStatus(id, model.TransactionStatusFailed, model.TransactionStatusPending)
	if ok {
		t.ErrorMessage = message
		r.st.txs[id] = t
	}
	return ok, nil
}

func (r *memRepo) ExpireTransaction(_ context.Context, id int64) (bool, error) {
	defer r.mu.Unlock()
	if err := r.lock("ExpireTransaction"); err != nil {
		return false, err
	}
	t, ok := r.setTxStatus(id, model.TransactionStatusExpired, model.TransactionStatusPending)
	if ok {
		r.st.txs[id] = t
	}
	return ok, nil
}

func (r *memRepo) MarkTransactionSuccess(_ context.Context, id int64, channelTxID string, paidAt time.Time, raw string) (bool, error) {
	defer r.mu.Unlock()
	if err := r.lock("MarkTransactionSuccess"); err != nil {
		return false, err
	}
	t, ok := r.setTxStatus(id, model.TransactionStatusSuccess,
		model.TransactionStatusPending, model.TransactionStatusFailed, model.TransactionStatusExpired)
	if ok {
		t.ChannelTransactionID, t.PaidAt, t.RawCallback, t.ErrorMessage = channelTxID, &paidAt, raw, ""
		r.st.txs[id] = t
	}
	return ok, nil
}

func (r *memRepo) ExpireTransactions(_ context.Context, now time.Time) (int64, error) {
	defer r.mu.Unlock()
	if err := r.lock("ExpireTransactions"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range r.st.txs {
		if t.Status == model.TransactionStatusPending && !t.ExpiredAt.After(now) {
			t.Status = model.TransactionStatusExpired
			r.st.txs[id] = t
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListPendingTransactions(_ context.Context, createdBefore, now time.Time, limit int) ([]model.PaymentTransaction, error) {
	defer r.mu.Unlock()
	if err := r.lock("ListPendingTransactions"); err != nil {
		return nil, err
	}
	var res []model.PaymentTransaction
	for _, t := range r.st.txs {
		if t.IsOpen(now) && !t.CreatedAt.After(createdBefore) && t.OutTradeNo != "" {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *memRepo) GetLatestMembership(_ context.Context, userID int64) (*model.UserMembership, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetLatestMembership"); err != nil {
		return nil, err
	}
	var found *model.UserMembership
	for _, m := range r.st.memberships {
		if m.UserID == userID && (found == nil || m.ID > found.ID) {
			found = &m
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *memRepo) GetActiveMembership(_ context.Context, userID int64, now time.Time) (*model.UserMembership, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetActiveMembership"); err != nil {
		return nil, err
	}
	var found *model.UserMembership
	for _, m := range r.st.memberships {
		if m.UserID != userID || m.Status != model.MembershipStatusActive || m.IsExpired(now) {
			continue
		}
		if found == nil || m.EndDate.After(found.EndDate) {
			found = &m
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *memRepo) GetCurrentMembership(_ context.Context, userID int64, now time.Time) (*model.UserMembership, error) {
	defer r.mu.Unlock()
	if err := r.lock("GetCurrentMembership"); err != nil {
		return nil, err
	}
	var found *model.UserMembership
	for _, m := range r.st.memberships {
		if m.UserID != userID || m.Status != model.MembershipStatusActive || m.StartDate.After(now) || m.IsExpired(now) {
			continue
		}
		if found == nil || m.EndDate.After(found.EndDate) {
			found = &m
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r *memRepo) LockMembership(_ context.Context, id int64) (*model.UserMembership, error) {
	defer r.mu.Unlock()
	if err := r.lock("LockMembership"); err != nil {
		return nil, err
	}
	m, ok := r.st.memberships[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

func (r *memRepo) CreateMembership(_ context.Context, m *model.UserMembership) error {
	defer r.mu.Unlock()
	if err := r.lock("CreateMembership"); err != nil {
		return err
	}
	m.ID = r.id()
	r.st.memberships[m.ID] = *m
	return nil
}

func (r *memRepo) SettleMembership(_ context.Context, id int64, now time.Time) (bool, error) {
	defer r.mu.Unlock()
	if err := r.lock("SettleMembership"); err != nil {
		return false, err
	}
	m, ok := r.st.memberships[id]
	if !ok || m.Status != model.MembershipStatusActive {
		return false, nil
	}
	m.Status = model.MembershipStatusInactive
	m.SettledAt = &now
	r.st.memberships[id] = m
	return true, nil
}

func (r *memRepo) CreateUpgradeRecord(_ context.Context, u *model.UpgradeRecord) error {
	defer r.mu.Unlock()
	if err := r.lock("CreateUpgradeRecord"); err != nil {
		return err
	}
	u.ID = r.id()
	r.st.upgrades = append(r.st.upgrades, *u)
	return nil
}

func (r *memRepo) CreatePointRecord(_ context.Context, p *model.PointRecord) error {
	defer r.mu.Unlock()
	if err := r.lock("CreatePointRecord"); err != nil {
		return err
	}
	p.ID = r.id()
	r.st.points[p.ID] = *p
	return nil
}

func (r *memRepo) consumable(userID int64, now time.Time) []model.PointRecord {
	var res []model.PointRecord
	for _, p := range r.st.points {
		if p.UserID == userID && p.IsConsumable(now) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].ExpiredAt.Equal(res[j].ExpiredAt) {
			return res[i].ExpiredAt.Before(res[j].ExpiredAt)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (r *memRepo) SumAvailablePoints(_ context.Context, userID int64, now time.Time) (int64, error) {
	defer r.mu.Unlock()
	if err := r.lock("SumAvailablePoints"); err != nil {
		return 0, err
	}
	var total int64
	for _, p := range r.consumable(userID, now) {
		total += p.Remaining
	}
	return total, nil
}

func (r *memRepo) LockConsumablePoints(_ context.Context, userID int64, now time.Time) ([]model.PointRecord, error) {
	defer r.mu.Unlock()
	if err := r.lock("LockConsumablePoints"); err != nil {
		return nil, err
	}
	return r.consumable(userID, now), nil
}

func (r *memRepo) ConsumePointRecord(_ context.Context, id, amount int64) error {
	defer r.mu.Unlock()
	if err := r.lock("ConsumePointRecord"); err != nil {
		return err
	}
	p, ok := r.st.points[id]
	if !ok || p.Remaining < amount {
		return fmt.Errorf("%w: point record %d", repository.ErrConflict, id)
	}
	p.Used += amount
	p.Remaining -= amount
	r.st.points[id] = p
	return nil
}

func (r *memRepo) CreatePointConsumption(_ context.Context, c *model.PointConsumption) error {
	defer r.mu.Unlock()
	if err := r.lock("CreatePointConsumption"); err != nil {
		return err
	}
	c.ID = r.id()
	r.st.consumptions = append(r.st.consumptions, *c)
	return nil
}

func (r *memRepo) TransferPointRecords(_ context.Context, fromMembershipID, toMembershipID int64) (int64, error) {
	defer r.mu.Unlock()
	if err := r.lock("TransferPointRecords"); err != nil {
		return 0, err
	}
	var n int64
	for id, p := range r.st.points {
		if p.UserMembershipID != nil && *p.UserMembershipID == fromMembershipID {
			to := toMembershipID
			p.UserMembershipID = &to
			r.st.points[id] = p
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListPointRecords(_ context.Context, userID int64, limit, offset int) ([]model.PointRecord, error) {
	defer r.mu.Unlock()
	if err := r.lock("ListPointRecords"); err != nil {
		return nil, err
	}
	var res []model.PointRecord
	for _, p := range r.st.points {
		if p.UserID == userID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	if offset >= len(res) {
		return nil, nil
	}
	res = res[offset:]
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *memRepo) SettleExpiredPoints(_ context.Context, now time.Time) (int64, error) {
	defer r.mu.Unlock()
	if err := r.lock("SettleExpiredPoints"); err != nil {
		return 0, err
	}
	var n int64
	for id, p := range r.st.points {
		if p.Status == model.PointStatusValid && !p.ExpiredAt.After(now) {
			p.Status = model.PointStatusSettled
			r.st.points[id] = p
			n++
		}
	}
	return n, nil
}

// stubAdapter управляемый адаптер платёжного канала.
type stubAdapter struct {
	mu        sync.Mutex
	create    gateway.CreatePaymentResult
	callback  gateway.CallbackResult
	query     gateway.QueryResult
	creates   int
	queries   int
	closedNos []string
	lastReq   gateway.CreatePaymentRequest
}

func (a *stubAdapter) Channel() model.PaymentChannel { return model.PaymentChannelWechat }

func (a *stubAdapter) CreatePayment(_ context.Context, req gateway.CreatePaymentRequest) *gateway.CreatePaymentResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creates++
	a.lastReq = req
	res := a.create
	return &res
}

func (a *stubAdapter) VerifyCallback(_ context.Context, _ gateway.Notification) *gateway.CallbackResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.callback
	return &res
}

func (a *stubAdapter) QueryOrder(_ context.Context, _ gateway.QueryRequest) *gateway.QueryResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queries++
	res := a.query
	return &res
}

func (a *stubAdapter) CloseOrder(_ context.Context, outTradeNo string) *gateway.CloseResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closedNos = append(a.closedNos, outTradeNo)
	return &gateway.CloseResult{Outcome: gateway.Outcome{Success: true}}
}
