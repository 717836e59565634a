package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/coupon"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
	"github.com/kapcdam/shop-api/internal/domain/order"
	"github.com/kapcdam/shop-api/internal/pesapal"
	"github.com/kapcdam/shop-api/pkg/health"
)

const testPepper = "test-pepper"

type memCartRepo struct {
	carts map[string]*cart.Cart
}

func (m *memCartRepo) GetByUser(_ context.Context, userID string) (*cart.Cart, error) {
	c, ok := m.carts[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return c, nil
}

func (m *memCartRepo) Save(_ context.Context, c *cart.Cart) error {
	m.carts[c.UserID] = c
	return nil
}

func (m *memCartRepo) ClearLines(_ context.Context, userID string) error {
	if c, ok := m.carts[userID]; ok {
		c.Lines = nil
	}
	return nil
}

type memCatalog struct {
	entries map[catalog.Ref]catalog.Entry
}

func (m *memCatalog) GetEntries(_ context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Entry, error) {
	out := make(map[catalog.Ref]catalog.Entry)
	for _, r := range refs {
		if e, ok := m.entries[r]; ok {
			out[r] = e
		}
	}
	return out, nil
}

func (m *memCatalog) AdjustStock(context.Context, []catalog.StockDelta) error { return nil }

type memOrderRepo struct {
	orders map[string]*order.Order
}

func (m *memOrderRepo) Create(_ context.Context, p order.CreateParams) ([]string, error) {
	m.orders[p.Order.ID] = p.Order
	return nil, nil
}

func (m *memOrderRepo) GetByID(_ context.Context, id string) (*order.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

func (m *memOrderRepo) GetByTrackingID(context.Context, string) (*order.Order, error) {
	return nil, order.ErrNotFound
}

func (m *memOrderRepo) GetItems(context.Context, string) ([]order.Item, error) { return nil, nil }

func (m *memOrderRepo) History(context.Context, string) ([]order.HistoryEntry, error) {
	return nil, nil
}

func (m *memOrderRepo) UpdateStatus(_ context.Context, orderID string, u order.StatusUpdate) error {
	if o, ok := m.orders[orderID]; ok {
		o.Status = u.Status
	}
	return nil
}

func (m *memOrderRepo) SetPaymentResult(context.Context, string, order.PaymentStatus, string) error {
	return nil
}

func (m *memOrderRepo) SetTrackingID(context.Context, string, string) error { return nil }

func (m *memOrderRepo) CreateRefund(context.Context, *order.Refund, bool) error { return nil }

func (m *memOrderRepo) GetRefund(context.Context, string) (*order.Refund, error) {
	return nil, order.ErrRefundNotFound
}

func (m *memOrderRepo) UpdateRefundStatus(context.Context, string, order.RefundStatus) error {
	return nil
}

func (m *memOrderRepo) SweepIncomplete(context.Context, time.Time, order.HistoryEntry) (int, error) {
	return 0, nil
}

type memZones struct{}

func (memZones) GetZone(_ context.Context, id string) (*delivery.Zone, error) {
	if id == "zone-kla" {
		return &delivery.Zone{ID: id, Name: "Kampala", Fee: 5000}, nil
	}
	return nil, delivery.ErrZoneNotFound
}

type noCoupons struct{}

func (noCoupons) Validate(context.Context, string, int64) (*coupon.Rule, error) {
	return nil, coupon.ErrInvalidCoupon
}

func (noCoupons) Apply(context.Context, string, string, int64) error { return nil }

type fakeGateway struct{}

func (fakeGateway) RegisterIPN(context.Context, string) (string, error) { return "ipn-1", nil }

func (fakeGateway) SubmitOrder(context.Context, pesapal.SubmitRequest) (*pesapal.SubmitResult, error) {
	return &pesapal.SubmitResult{RedirectURL: "https://pay.pesapal.com/x", TrackingID: "trk-1"}, nil
}

func (fakeGateway) GetTransactionStatus(context.Context, string) (*pesapal.StatusResult, error) {
	return &pesapal.StatusResult{Status: pesapal.TxPending}, nil
}

func (fakeGateway) Refund(context.Context, pesapal.RefundRequest) error { return nil }

type memTokens struct {
	tokens map[string]*auth.TokenInfo
}

func (m *memTokens) FindByHash(_ context.Context, hash string) (*auth.TokenInfo, error) {
	t, ok := m.tokens[hash]
	if !ok {
		return nil, auth.ErrUnauthenticated
	}
	return t, nil
}

func tokenHash(token string) string {
	mac := hmac.New(sha256.New, []byte(testPepper))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cat := &memCatalog{entries: map[catalog.Ref]catalog.Entry{
		{Kind: catalog.KindProduct, ID: "p1"}: {
			Kind:    catalog.KindProduct,
			Product: &catalog.Product{ID: "p1", Title: "Beaded necklace", Price: 12000},
		},
	}}
	carts := cart.NewService(&memCartRepo{carts: map[string]*cart.Cart{}}, cat, cache.Noop{})
	orders := order.NewService(
		order.ServiceConfig{StageTimeout: time.Second},
		&memCartRepo{carts: map[string]*cart.Cart{}}, cat, memZones{},
		noCoupons{}, noCoupons{},
		&memOrderRepo{orders: map[string]*order.Order{}},
		fakeGateway{}, cache.Noop{},
	)
	authn := auth.NewAuthenticator(&memTokens{tokens: map[string]*auth.TokenInfo{
		tokenHash("tok-customer"): {TokenHash: tokenHash("tok-customer"), UserID: "user-1", Role: auth.RoleCustomer},
		tokenHash("tok-admin"):    {TokenHash: tokenHash("tok-admin"), UserID: "admin-1", Role: auth.RoleAdmin},
	}}, []byte(testPepper))

	hlth := health.New()
	hlth.SetReady(true)

	h := New(carts, orders, cat, authn, cache.Noop{}, hlth)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, token, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	} else {
		buf.WriteString("{}")
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func errorCodeOf(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestRoutes_Authentication(t *testing.T) {
	srv := newTestServer(t)

	t.Run("missing token", func(t *testing.T) {
		resp, body := call(t, srv, "", "/rpc/cart.get", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCodeOf(body))
	})

	t.Run("unknown token", func(t *testing.T) {
		resp, body := call(t, srv, "tok-bogus", "/rpc/cart.get", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHENTICATED", errorCodeOf(body))
	})

	t.Run("customer blocked from admin surface", func(t *testing.T) {
		resp, body := call(t, srv, "tok-customer", "/rpc/adminOrders.reactivate", map[string]string{"orderId": "o1"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "FORBIDDEN", errorCodeOf(body))
	})
}

func TestRoutes_Cart(t *testing.T) {
	srv := newTestServer(t)

	t.Run("add then get", func(t *testing.T) {
		resp, body := call(t, srv, "tok-customer", "/rpc/cart.add", map[string]any{
			"kind": "product", "ref": "p1", "quantity": 2,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 24000, body["subtotal"])
		assert.EqualValues(t, 2, body["itemCount"])

		resp, body = call(t, srv, "tok-customer", "/rpc/cart.get", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.EqualValues(t, 2, body["itemCount"])
	})

	t.Run("unknown product", func(t *testing.T) {
		resp, body := call(t, srv, "tok-customer", "/rpc/cart.add", map[string]any{
			"kind": "product", "ref": "ghost", "quantity": 1,
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", errorCodeOf(body))
	})

	t.Run("invalid quantity", func(t *testing.T) {
		resp, body := call(t, srv, "tok-customer", "/rpc/cart.add", map[string]any{
			"kind": "product", "ref": "p1", "quantity": -1,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_QUANTITY", errorCodeOf(body))
	})

	t.Run("update item without a cart", func(t *testing.T) {
		// tok-admin never added anything, so no cart row exists yet.
		resp, body := call(t, srv, "tok-admin", "/rpc/cart.updateItem", map[string]any{
			"lineId": "ghost", "quantity": 1,
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", errorCodeOf(body))
	})
}

func TestRoutes_Orders(t *testing.T) {
	srv := newTestServer(t)

	t.Run("create with empty cart", func(t *testing.T) {
		resp, body := call(t, srv, "tok-customer", "/rpc/orders.create", map[string]any{
			"deliveryMethod": "pickup", "paymentMethod": "cod",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "CART_EMPTY", errorCodeOf(body))
	})

	t.Run("customer status change limited to self-cancel", func(t *testing.T) {
		resp, body := call(t, srv, "tok-customer", "/rpc/orders.updateStatus", map[string]any{
			"orderId": "o1", "status": "processing",
		})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, "FORBIDDEN", errorCodeOf(body))
	})
}

func TestRoutes_Webhook(t *testing.T) {
	srv := newTestServer(t)

	t.Run("missing tracking id", func(t *testing.T) {
		resp, body := call(t, srv, "", "/webhooks/pesapal", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION", errorCodeOf(body))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		resp, body := call(t, srv, "", "/webhooks/pesapal", map[string]string{
			"OrderTrackingId": "trk-unknown",
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "NOT_FOUND", errorCodeOf(body))
	})
}

func TestRoutes_Health(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
