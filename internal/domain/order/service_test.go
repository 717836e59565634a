package order

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/coupon"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
	"github.com/kapcdam/shop-api/internal/pesapal"
)

type mockCartRepo struct {
	cart       *cart.Cart
	getErr     error
	clearedFor string
	clearErr   error
}

func (m *mockCartRepo) GetByUser(_ context.Context, userID string) (*cart.Cart, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.cart == nil || m.cart.UserID != userID {
		return nil, cart.ErrNotFound
	}
	return m.cart, nil
}

func (m *mockCartRepo) Save(context.Context, *cart.Cart) error { return nil }

func (m *mockCartRepo) ClearLines(_ context.Context, userID string) error {
	if m.clearErr != nil {
		return m.clearErr
	}
	m.clearedFor = userID
	return nil
}

type mockCatalogRepo struct {
	entries map[catalog.Ref]catalog.Entry
	deltas  []catalog.StockDelta
	adjErr  error
}

func (m *mockCatalogRepo) GetEntries(_ context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Entry, error) {
	out := make(map[catalog.Ref]catalog.Entry, len(refs))
	for _, r := range refs {
		if e, ok := m.entries[r]; ok {
			out[r] = e
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) AdjustStock(_ context.Context, deltas []catalog.StockDelta) error {
	if m.adjErr != nil {
		return m.adjErr
	}
	m.deltas = append(m.deltas, deltas...)
	return nil
}

type mockZoneRepo struct {
	zones map[string]*delivery.Zone
}

func (m *mockZoneRepo) GetZone(_ context.Context, id string) (*delivery.Zone, error) {
	z, ok := m.zones[id]
	if !ok {
		return nil, delivery.ErrZoneNotFound
	}
	return z, nil
}

type mockCoupons struct {
	rule        *coupon.Rule
	validateErr error
	applyErr    error
	applied     []string
}

func (m *mockCoupons) Validate(_ context.Context, code string, _ int64) (*coupon.Rule, error) {
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	if m.rule == nil || m.rule.Code != code {
		return nil, coupon.ErrInvalidCoupon
	}
	return m.rule, nil
}

func (m *mockCoupons) Apply(_ context.Context, code, orderID string, _ int64) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.applied = append(m.applied, code+":"+orderID)
	return nil
}

type mockOrderRepo struct {
	created        *CreateParams
	createErrs     []error // popped per attempt; nil entry means success
	superseded     []string
	orders         map[string]*Order
	byTracking     map[string]*Order
	items          map[string][]Item
	history        map[string][]HistoryEntry
	updates        []StatusUpdate
	updateErr      error
	payments       []PaymentStatus
	trackingSet    string
	refunds        map[string]*Refund
	refundStatuses []RefundStatus
	markedRefunded bool
	swept          int
}

func (m *mockOrderRepo) Create(_ context.Context, p CreateParams) ([]string, error) {
	if len(m.createErrs) > 0 {
		err := m.createErrs[0]
		m.createErrs = m.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	cp := p
	m.created = &cp
	return m.superseded, nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByTrackingID(_ context.Context, trackingID string) (*Order, error) {
	o, ok := m.byTracking[trackingID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetItems(_ context.Context, orderID string) ([]Item, error) {
	return m.items[orderID], nil
}

func (m *mockOrderRepo) History(_ context.Context, orderID string) ([]HistoryEntry, error) {
	return m.history[orderID], nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, orderID string, u StatusUpdate) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, u)
	if o, ok := m.orders[orderID]; ok {
		o.Status = u.Status
	}
	return nil
}

func (m *mockOrderRepo) SetPaymentResult(_ context.Context, orderID string, status PaymentStatus, code string) error {
	m.payments = append(m.payments, status)
	if o, ok := m.orders[orderID]; ok {
		o.PaymentStatus = status
		o.ConfirmationCode = code
	}
	return nil
}

func (m *mockOrderRepo) SetTrackingID(_ context.Context, _, trackingID string) error {
	m.trackingSet = trackingID
	return nil
}

func (m *mockOrderRepo) CreateRefund(_ context.Context, r *Refund, markOrderRefunded bool) error {
	if m.refunds == nil {
		m.refunds = map[string]*Refund{}
	}
	cp := *r
	m.refunds[r.ID] = &cp
	m.markedRefunded = markOrderRefunded
	return nil
}

func (m *mockOrderRepo) GetRefund(_ context.Context, refundID string) (*Refund, error) {
	r, ok := m.refunds[refundID]
	if !ok {
		return nil, ErrRefundNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockOrderRepo) UpdateRefundStatus(_ context.Context, refundID string, status RefundStatus) error {
	m.refundStatuses = append(m.refundStatuses, status)
	if r, ok := m.refunds[refundID]; ok {
		r.Status = status
	}
	return nil
}

func (m *mockOrderRepo) SweepIncomplete(_ context.Context, _ time.Time, _ HistoryEntry) (int, error) {
	return m.swept, nil
}

type mockGateway struct {
	submit    *pesapal.SubmitResult
	submitErr error
	status    *pesapal.StatusResult
	statusErr error
	refundErr error
	refunded  []pesapal.RefundRequest
}

func (m *mockGateway) RegisterIPN(context.Context, string) (string, error) { return "ipn-1", nil }

func (m *mockGateway) SubmitOrder(context.Context, pesapal.SubmitRequest) (*pesapal.SubmitResult, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.submit, nil
}

func (m *mockGateway) GetTransactionStatus(context.Context, string) (*pesapal.StatusResult, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.status, nil
}

func (m *mockGateway) Refund(_ context.Context, req pesapal.RefundRequest) error {
	if m.refundErr != nil {
		return m.refundErr
	}
	m.refunded = append(m.refunded, req)
	return nil
}

func productEntry(id string, price int64, discountPct int) catalog.Entry {
	var d *catalog.Discount
	if discountPct > 0 {
		d = &catalog.Discount{Percent: discountPct, Active: true}
	}
	return catalog.Entry{
		Kind:    catalog.KindProduct,
		Product: &catalog.Product{ID: id, Title: "Handmade " + id, Price: price, Discount: d},
	}
}

type serviceFixture struct {
	svc     *Service
	carts   *mockCartRepo
	catalog *mockCatalogRepo
	coupons *mockCoupons
	orders  *mockOrderRepo
	gateway *mockGateway
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		carts: &mockCartRepo{cart: &cart.Cart{
			ID:     "cart-1",
			UserID: "user-1",
			Lines: []cart.Line{
				{ID: "line-1", Kind: catalog.KindProduct, Ref: "p1", Quantity: 3},
			},
		}},
		catalog: &mockCatalogRepo{entries: map[catalog.Ref]catalog.Entry{
			{Kind: catalog.KindProduct, ID: "p1"}: productEntry("p1", 10000, 10),
		}},
		coupons: &mockCoupons{},
		orders:  &mockOrderRepo{},
		gateway: &mockGateway{},
	}
	f.svc = NewService(
		ServiceConfig{StageTimeout: time.Second, CallbackURL: "https://shop.kapcdam.org/payment/callback"},
		f.carts, f.catalog,
		&mockZoneRepo{zones: map[string]*delivery.Zone{
			"zone-kla": {ID: "zone-kla", Name: "Kampala", Fee: 5000},
		}},
		f.coupons, f.coupons, f.orders, f.gateway, cache.Noop{},
	)
	return f
}

func TestService_Create_CODConsumesStockAtCreation(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
	})
	require.NoError(t, err)

	require.NotNil(t, f.orders.created)
	assert.True(t, f.orders.created.DecrementStock)
	assert.False(t, res.PaymentRequired)
	assert.Equal(t, int64(27000), res.Total)
	assert.Regexp(t, `^KAPC-\d{4}-`, res.OrderNumber)
}

func TestService_Create_PesapalDefersStock(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentPesapal,
	})
	require.NoError(t, err)

	assert.False(t, f.orders.created.DecrementStock)
	assert.True(t, res.PaymentRequired)
}

func TestService_Create_SnapshotsCatalogNotClient(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
	})
	require.NoError(t, err)

	require.Len(t, f.orders.created.Items, 1)
	it := f.orders.created.Items[0]
	assert.Equal(t, "Handmade p1", it.Snapshot.Title)
	assert.Equal(t, int64(10000), it.OriginalPrice)
	assert.Equal(t, int64(3000), it.DiscountApplied)
	assert.Equal(t, int64(27000), it.LineTotal)
	// LineTotal stays authoritative over the derived per-unit figure.
	assert.Equal(t, it.OriginalPrice*int64(it.Quantity)-it.DiscountApplied, it.LineTotal)
}

func TestService_Create_LocalDeliveryNeedsZone(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:        "user-1",
		DeliveryMethod:    delivery.MethodLocal,
		ShippingAddressID: "addr-1",
		PaymentMethod:     PaymentCOD,
	})
	assert.ErrorIs(t, err, delivery.ErrZoneRequired)

	res, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:        "user-1",
		DeliveryMethod:    delivery.MethodLocal,
		DeliveryZoneID:    "zone-kla",
		ShippingAddressID: "addr-1",
		PaymentMethod:     PaymentCOD,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(32000), res.Total)
	assert.Equal(t, int64(5000), f.orders.created.Order.Shipping)
}

func TestService_Create_EmptyCart(t *testing.T) {
	f := newFixture(t)
	f.carts.cart.Lines = nil

	_, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
	})
	assert.ErrorIs(t, err, ErrCartEmpty)
	assert.Nil(t, f.orders.created)
}

func TestService_Create_CouponRecordedAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.coupons.rule = &coupon.Rule{Code: "KAPC10", Percent: decimal.NewFromInt(10)}

	res, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
		CouponCode:     "KAPC10",
	})
	require.NoError(t, err)

	// 30000 - 3000 item discount - 10% coupon on 27000.
	assert.Equal(t, int64(24300), res.Total)
	require.Len(t, f.coupons.applied, 1)
	assert.Equal(t, "KAPC10:"+res.OrderID, f.coupons.applied[0])
}

func TestService_Create_CouponBookkeepingFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.coupons.rule = &coupon.Rule{Code: "KAPC10", Percent: decimal.NewFromInt(10)}
	f.coupons.applyErr = errors.New("usage table unavailable")

	res, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
		CouponCode:     "KAPC10",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
}

func TestService_Create_CartClearFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.carts.clearErr = errors.New("cart store down")

	_, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
	})
	require.NoError(t, err)
}

func TestService_Create_RetriesNumberConflict(t *testing.T) {
	f := newFixture(t)
	f.orders.createErrs = []error{ErrNumberConflict, ErrNumberConflict, nil}

	res, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderNumber)
}

func TestService_Create_InsufficientStockAborts(t *testing.T) {
	f := newFixture(t)
	f.orders.createErrs = []error{catalog.ErrInsufficientStock}

	_, err := f.svc.Create(context.Background(), CreateRequest{
		CustomerID:     "user-1",
		DeliveryMethod: delivery.MethodPickup,
		PaymentMethod:  PaymentCOD,
	})
	assert.ErrorIs(t, err, catalog.ErrInsufficientStock)
}

func TestService_ProcessPayment(t *testing.T) {
	f := newFixture(t)
	f.orders.orders = map[string]*Order{"o1": {
		ID: "o1", Number: "KAPC-2026-ABC234", CustomerID: "user-1",
		Total: 27000, Currency: Currency,
		PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPending,
		Status: StatusPendingPayment,
	}}
	f.gateway.submit = &pesapal.SubmitResult{RedirectURL: "https://pay.pesapal.com/x", TrackingID: "trk-1"}

	url, err := f.svc.ProcessPayment(context.Background(), "user-1", "o1")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.pesapal.com/x", url)
	assert.Equal(t, "trk-1", f.orders.trackingSet)
}

func TestService_ProcessPayment_OwnershipAndState(t *testing.T) {
	f := newFixture(t)
	f.orders.orders = map[string]*Order{
		"o1": {ID: "o1", CustomerID: "user-2", PaymentMethod: PaymentPesapal, Status: StatusPendingPayment, Total: 1000},
		"o2": {ID: "o2", CustomerID: "user-1", PaymentMethod: PaymentCOD, Status: StatusPendingPayment, Total: 1000},
	}

	_, err := f.svc.ProcessPayment(context.Background(), "user-1", "o1")
	assert.ErrorIs(t, err, ErrNotFound, "another customer's order must look missing")

	_, err = f.svc.ProcessPayment(context.Background(), "user-1", "o2")
	assert.ErrorIs(t, err, ErrPaymentNotPending)
}

func TestService_HandlePaymentNotification_FirstPaidConsumesStock(t *testing.T) {
	f := newFixture(t)
	o := &Order{
		ID: "o1", CustomerID: "user-1", TrackingID: "trk-1",
		PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPending,
		Status: StatusPendingPayment,
	}
	f.orders.orders = map[string]*Order{"o1": o}
	f.orders.byTracking = map[string]*Order{"trk-1": o}
	f.orders.items = map[string][]Item{"o1": {
		{Kind: catalog.KindProduct, Ref: "p1", Quantity: 3, Snapshot: Snapshot{VariantSKU: "p1-s"}},
		{Kind: catalog.KindCourse, Ref: "c1", Quantity: 1},
	}}
	f.gateway.status = &pesapal.StatusResult{Status: pesapal.TxCompleted, ConfirmationCode: "CONF-1"}

	require.NoError(t, f.svc.HandlePaymentNotification(context.Background(), "trk-1"))

	require.Len(t, f.orders.payments, 1)
	assert.Equal(t, PaymentPaid, f.orders.payments[0])
	// Only the product line touches inventory; courses have no stock.
	require.Len(t, f.catalog.deltas, 1)
	assert.Equal(t, catalog.StockDelta{ProductID: "p1", VariantSKU: "p1-s", Delta: -3}, f.catalog.deltas[0])
}

func TestService_HandlePaymentNotification_Idempotent(t *testing.T) {
	f := newFixture(t)
	o := &Order{
		ID: "o1", TrackingID: "trk-1",
		PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPaid,
		Status: StatusProcessing,
	}
	f.orders.orders = map[string]*Order{"o1": o}
	f.orders.byTracking = map[string]*Order{"trk-1": o}
	f.gateway.status = &pesapal.StatusResult{Status: pesapal.TxCompleted, ConfirmationCode: "CONF-1"}

	require.NoError(t, f.svc.HandlePaymentNotification(context.Background(), "trk-1"))

	assert.Empty(t, f.orders.payments, "redelivered webhook must not re-record")
	assert.Empty(t, f.catalog.deltas, "redelivered webhook must not touch stock again")
}

func TestService_HandlePaymentNotification_PaidAfterCancelSkipsStock(t *testing.T) {
	f := newFixture(t)
	o := &Order{
		ID: "o1", CustomerID: "user-1", TrackingID: "trk-1",
		PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPending,
		Status: StatusCancelledByUser,
	}
	f.orders.orders = map[string]*Order{"o1": o}
	f.orders.byTracking = map[string]*Order{"trk-1": o}
	f.orders.items = map[string][]Item{"o1": {
		{Kind: catalog.KindProduct, Ref: "p1", Quantity: 3, Snapshot: Snapshot{VariantSKU: "p1-s"}},
	}}
	f.gateway.status = &pesapal.StatusResult{Status: pesapal.TxCompleted, ConfirmationCode: "CONF-1"}

	require.NoError(t, f.svc.HandlePaymentNotification(context.Background(), "trk-1"))

	// The payment is recorded so the order is refundable, but a cancelled
	// order never ships and must not consume inventory.
	require.Len(t, f.orders.payments, 1)
	assert.Equal(t, PaymentPaid, f.orders.payments[0])
	assert.Empty(t, f.catalog.deltas, "cancelled order must not consume stock")
}

func TestService_HandlePaymentNotification_PendingIsNoop(t *testing.T) {
	f := newFixture(t)
	o := &Order{ID: "o1", TrackingID: "trk-1", PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPending}
	f.orders.byTracking = map[string]*Order{"trk-1": o}
	f.gateway.status = &pesapal.StatusResult{Status: pesapal.TxPending}

	require.NoError(t, f.svc.HandlePaymentNotification(context.Background(), "trk-1"))
	assert.Empty(t, f.orders.payments)
}

func TestService_Cancel_StockRestoration(t *testing.T) {
	tests := []struct {
		name    string
		pm      PaymentMethod
		ps      PaymentStatus
		restore bool
	}{
		{"cod always restores", PaymentCOD, PaymentPending, true},
		{"unpaid pesapal never consumed", PaymentPesapal, PaymentPending, false},
		{"paid pesapal restores", PaymentPesapal, PaymentPaid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.orders.orders = map[string]*Order{"o1": {
				ID: "o1", CustomerID: "user-1",
				PaymentMethod: tt.pm, PaymentStatus: tt.ps,
				Status: StatusPendingPayment,
			}}

			err := f.svc.Cancel(context.Background(), "admin-1", "o1", StatusCancelledByAdmin, ReasonOutOfStock, "")
			require.NoError(t, err)

			require.Len(t, f.orders.updates, 1)
			u := f.orders.updates[0]
			assert.Equal(t, tt.restore, u.RestoreStock)
			assert.True(t, u.SetCancelledAt)
			assert.Equal(t, ReasonOutOfStock, u.Entry.Reason)
		})
	}
}

func TestService_CancelByUser_OwnOrdersOnly(t *testing.T) {
	f := newFixture(t)
	f.orders.orders = map[string]*Order{"o1": {
		ID: "o1", CustomerID: "user-2",
		PaymentMethod: PaymentCOD, Status: StatusPendingPayment,
	}}

	err := f.svc.CancelByUser(context.Background(), "user-1", "o1", ReasonCustomerRequest, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Reactivate(t *testing.T) {
	f := newFixture(t)
	f.orders.orders = map[string]*Order{"o1": {
		ID: "o1", PaymentMethod: PaymentCOD, Status: StatusCancelledByAdmin,
	}}
	f.orders.history = map[string][]HistoryEntry{"o1": {
		{Status: StatusPendingPayment},
		{Status: StatusProcessing},
		{Status: StatusCancelledByAdmin, Reason: ReasonOther},
	}}

	require.NoError(t, f.svc.Reactivate(context.Background(), "admin-1", "o1"))

	require.Len(t, f.orders.updates, 1)
	u := f.orders.updates[0]
	assert.Equal(t, StatusProcessing, u.Status)
	assert.True(t, u.ClearCancelledAt)
	assert.False(t, u.RestoreStock)
}

func TestService_Reactivate_NotCancelled(t *testing.T) {
	f := newFixture(t)
	f.orders.orders = map[string]*Order{"o1": {ID: "o1", Status: StatusProcessing}}

	err := f.svc.Reactivate(context.Background(), "admin-1", "o1")
	var terr *TransitionError
	assert.ErrorAs(t, err, &terr)
}

func TestService_InitiateRefund(t *testing.T) {
	paid := func() *Order {
		return &Order{
			ID: "o1", Total: 50000,
			PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPaid,
			ConfirmationCode: "CONF-1", Status: StatusProcessing,
		}
	}

	t.Run("full refund uses order total and flips payment status", func(t *testing.T) {
		f := newFixture(t)
		f.orders.orders = map[string]*Order{"o1": paid()}

		r, err := f.svc.InitiateRefund(context.Background(), "admin-1", "o1", RefundFull, 0, "damaged goods")
		require.NoError(t, err)
		assert.Equal(t, int64(50000), r.Amount)
		assert.Equal(t, RefundInitiated, r.Status)
		assert.True(t, f.orders.markedRefunded)
	})

	t.Run("partial refund keeps payment status", func(t *testing.T) {
		f := newFixture(t)
		f.orders.orders = map[string]*Order{"o1": paid()}

		r, err := f.svc.InitiateRefund(context.Background(), "admin-1", "o1", RefundPartial, 20000, "one item returned")
		require.NoError(t, err)
		assert.Equal(t, int64(20000), r.Amount)
		assert.False(t, f.orders.markedRefunded)
	})

	t.Run("partial amount bounds", func(t *testing.T) {
		f := newFixture(t)
		f.orders.orders = map[string]*Order{"o1": paid()}

		_, err := f.svc.InitiateRefund(context.Background(), "admin-1", "o1", RefundPartial, 0, "")
		assert.ErrorIs(t, err, ErrInvalidRefundAmount)

		_, err = f.svc.InitiateRefund(context.Background(), "admin-1", "o1", RefundPartial, 60000, "")
		assert.ErrorIs(t, err, ErrInvalidRefundAmount)
	})

	t.Run("cod orders are not refundable here", func(t *testing.T) {
		f := newFixture(t)
		o := paid()
		o.PaymentMethod = PaymentCOD
		f.orders.orders = map[string]*Order{"o1": o}

		_, err := f.svc.InitiateRefund(context.Background(), "admin-1", "o1", RefundFull, 0, "")
		assert.ErrorIs(t, err, ErrNotRefundable)
	})

	t.Run("unpaid orders are not refundable", func(t *testing.T) {
		f := newFixture(t)
		o := paid()
		o.PaymentStatus = PaymentPending
		f.orders.orders = map[string]*Order{"o1": o}

		_, err := f.svc.InitiateRefund(context.Background(), "admin-1", "o1", RefundFull, 0, "")
		assert.ErrorIs(t, err, ErrNotRefundable)
	})
}

func TestService_SettleRefund(t *testing.T) {
	setup := func(f *serviceFixture) {
		f.orders.orders = map[string]*Order{"o1": {
			ID: "o1", Total: 50000,
			PaymentMethod: PaymentPesapal, PaymentStatus: PaymentPaid,
			ConfirmationCode: "CONF-1",
		}}
		f.orders.refunds = map[string]*Refund{"r1": {
			ID: "r1", OrderID: "o1", Type: RefundFull, Amount: 50000,
			Status: RefundInitiated, InitiatedBy: "admin-1", Reason: "damaged goods",
		}}
	}

	t.Run("completes after gateway confirms", func(t *testing.T) {
		f := newFixture(t)
		setup(f)

		require.NoError(t, f.svc.SettleRefund(context.Background(), "r1"))

		assert.Equal(t, []RefundStatus{RefundProcessing, RefundCompleted}, f.orders.refundStatuses)
		require.Len(t, f.gateway.refunded, 1)
		assert.Equal(t, "CONF-1", f.gateway.refunded[0].ConfirmationCode)
		assert.Equal(t, int64(50000), f.gateway.refunded[0].Amount)
	})

	t.Run("gateway failure leaves refund processing", func(t *testing.T) {
		f := newFixture(t)
		setup(f)
		f.gateway.refundErr = errors.Wrap(pesapal.ErrGateway, "refund rejected")

		err := f.svc.SettleRefund(context.Background(), "r1")
		require.Error(t, err)
		assert.Equal(t, []RefundStatus{RefundProcessing}, f.orders.refundStatuses)
		assert.Equal(t, RefundProcessing, f.orders.refunds["r1"].Status)
	})

	t.Run("completed refund is not settleable again", func(t *testing.T) {
		f := newFixture(t)
		setup(f)
		f.orders.refunds["r1"].Status = RefundCompleted

		assert.Error(t, f.svc.SettleRefund(context.Background(), "r1"))
	})
}

func TestService_SweepIncomplete(t *testing.T) {
	f := newFixture(t)
	f.orders.swept = 2

	n, err := f.svc.SweepIncomplete(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
