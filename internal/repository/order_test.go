package repository

import (
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/order"
)

// Supersession is a cancellation: a superseded order that consumed stock must
// have it returned in the same transaction, or inventory leaks on every
// repeated COD checkout.
func TestPendingOrder_ConsumedStock(t *testing.T) {
	tests := []struct {
		name    string
		pm      order.PaymentMethod
		ps      order.PaymentStatus
		restore bool
	}{
		{"cod holds stock from creation", order.PaymentCOD, order.PaymentPending, true},
		{"unpaid pesapal never touched stock", order.PaymentPesapal, order.PaymentPending, false},
		{"paid pesapal holds stock", order.PaymentPesapal, order.PaymentPaid, true},
		{"failed pesapal never touched stock", order.PaymentPesapal, order.PaymentFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pendingOrder{id: "o1", paymentMethod: tt.pm, paymentStatus: tt.ps}
			assert.Equal(t, tt.restore, p.consumedStock())
		})
	}
}

func TestPendingOrderIDs(t *testing.T) {
	assert.Nil(t, pendingOrderIDs(nil))

	ids := pendingOrderIDs([]pendingOrder{
		{id: "o1", paymentMethod: order.PaymentCOD},
		{id: "o2", paymentMethod: order.PaymentPesapal},
	})
	assert.Equal(t, []string{"o1", "o2"}, ids)
}

func TestStockDeltas(t *testing.T) {
	items := []order.Item{
		{Kind: catalog.KindProduct, Ref: "p1", Quantity: 3, Snapshot: order.Snapshot{VariantSKU: "p1-s"}},
		{Kind: catalog.KindCourse, Ref: "c1", Quantity: 1},
		{Kind: catalog.KindProduct, Ref: "p2", Quantity: 2},
	}

	restore := stockDeltas(items, +1)
	require.Len(t, restore, 2, "courses have no stock")
	assert.Equal(t, catalog.StockDelta{ProductID: "p1", VariantSKU: "p1-s", Delta: 3}, restore[0])
	assert.Equal(t, catalog.StockDelta{ProductID: "p2", Delta: 2}, restore[1])

	consume := stockDeltas(items, -1)
	assert.Equal(t, -3, consume[0].Delta)
	assert.Equal(t, -2, consume[1].Delta)
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "orders_number_key"}
	assert.True(t, isUniqueViolation(err, "orders_number_key"))
	assert.False(t, isUniqueViolation(err, "orders_pkey"))
	assert.False(t, isUniqueViolation(assert.AnError, "orders_number_key"))
}
