package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/order"
)

const (
	// FOR UPDATE serializes concurrent checkouts of the same customer: the
	// second transaction blocks here until the first commits, then sees its
	// order and supersedes it. Payment columns decide whether the superseded
	// order's stock must be returned.
	lockPendingOrdersSQL = `SELECT id, payment_method, payment_status FROM orders
		WHERE customer_id = $1 AND status = 'pending_payment' AND id <> $2
		FOR UPDATE`

	cancelSupersededSQL = `UPDATE orders
		SET status = 'cancelled_by_admin', cancelled_at = now()
		WHERE id = ANY($1)`

	insertOrderSQL = `INSERT INTO orders (
			id, number, order_date, customer_id,
			subtotal, item_discount, order_discount, shipping, total, currency, coupon_code,
			payment_method, payment_status, status,
			delivery_method, delivery_zone_id, shipping_address_id, notes
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, NULLIF($16, ''), NULLIF($17, ''), $18
		)`

	insertOrderItemSQL = `INSERT INTO order_items (
			id, order_id, kind, ref, quantity,
			original_price, discount_applied, final_price, line_total,
			snapshot_title, snapshot_variant_sku, snapshot_course_start
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	insertHistorySQL = `INSERT INTO order_history (order_id, status, changed_at, actor_id, reason, notes)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`

	orderColumns = `id, number, order_date, customer_id,
		subtotal, item_discount, order_discount, shipping, total, currency,
		COALESCE(coupon_code, ''),
		payment_method, payment_status, COALESCE(tracking_id, ''), COALESCE(confirmation_code, ''),
		status, delivery_method, COALESCE(delivery_zone_id, ''), COALESCE(shipping_address_id, ''),
		notes, delivered_at, cancelled_at`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByTrackingIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE tracking_id = $1`

	getOrderItemsSQL = `SELECT id, order_id, kind, ref, quantity,
			original_price, discount_applied, final_price, line_total,
			snapshot_title, COALESCE(snapshot_variant_sku, ''), snapshot_course_start
		FROM order_items WHERE order_id = $1 ORDER BY id`

	getHistorySQL = `SELECT status, changed_at, COALESCE(actor_id, ''), COALESCE(reason, ''), COALESCE(notes, '')
		FROM order_history WHERE order_id = $1 ORDER BY changed_at, id`

	updateOrderStatusSQL = `UPDATE orders SET
			status = $2,
			delivered_at = CASE WHEN $3 THEN now() ELSE delivered_at END,
			cancelled_at = CASE WHEN $4 THEN now() WHEN $5 THEN NULL ELSE cancelled_at END
		WHERE id = $1`

	setPaymentResultSQL = `UPDATE orders SET
			payment_status = $2,
			confirmation_code = COALESCE(NULLIF($3, ''), confirmation_code)
		WHERE id = $1`

	setTrackingIDSQL = `UPDATE orders SET tracking_id = $2 WHERE id = $1`

	insertRefundSQL = `INSERT INTO refunds (id, order_id, type, amount, reason, status, initiated_at, initiated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	markOrderRefundedSQL = `UPDATE orders SET payment_status = 'refunded' WHERE id = $1`

	markOrderPartialSQL = `UPDATE orders SET payment_status = 'partial' WHERE id = $1`

	getRefundSQL = `SELECT id, order_id, type, amount, reason, status, initiated_at, initiated_by
		FROM refunds WHERE id = $1`

	updateRefundStatusSQL = `UPDATE refunds SET status = $2 WHERE id = $1`

	// Orders with zero items are the one unsafe partial state of creation.
	sweepIncompleteSQL = `UPDATE orders SET status = $2, cancelled_at = now()
		WHERE order_date < $1
		  AND status = 'pending_payment'
		  AND NOT EXISTS (SELECT 1 FROM order_items oi WHERE oi.order_id = orders.id)
		RETURNING id`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists the order, items, and initial history entry in one
// serializable transaction. Any other pending order of the same customer is
// cancelled in the same transaction, returning whatever stock it had
// consumed, and cash-on-delivery stock for the new order is consumed here
// too, so no observer ever sees half an order.
func (r *OrderRepository) Create(ctx context.Context, p order.CreateParams) (superseded []string, err error) {
	err = pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		o := p.Order

		rows, err := tx.Query(ctx, lockPendingOrdersSQL, o.CustomerID, o.ID)
		if err != nil {
			return fmt.Errorf("locking pending orders: %w", err)
		}
		locked, err := pgx.CollectRows(rows, scanPendingOrder)
		if err != nil {
			return fmt.Errorf("collecting pending orders: %w", err)
		}
		superseded = pendingOrderIDs(locked)

		if len(superseded) > 0 {
			if _, err := tx.Exec(ctx, cancelSupersededSQL, superseded); err != nil {
				return fmt.Errorf("cancelling superseded orders: %w", err)
			}
			for _, po := range locked {
				err := insertHistoryTx(ctx, tx, po.id, order.HistoryEntry{
					Status:  order.StatusCancelledByAdmin,
					At:      p.Entry.At,
					ActorID: "system",
					Reason:  order.ReasonSuperseded,
					Notes:   "superseded by order " + o.ID,
				})
				if err != nil {
					return err
				}

				// Supersession is a cancellation: an order that consumed
				// stock (COD at creation, PesaPal once paid) returns it here,
				// before the new order takes its own.
				if !po.consumedStock() {
					continue
				}
				items, err := getItemsTx(ctx, tx, po.id)
				if err != nil {
					return err
				}
				if err := adjustStockTx(ctx, tx, stockDeltas(items, +1)); err != nil {
					return err
				}
			}
		}

		_, err = tx.Exec(ctx, insertOrderSQL,
			o.ID, o.Number, o.Date, o.CustomerID,
			o.Subtotal, o.ItemDiscount, o.OrderDiscount, o.Shipping, o.Total, o.Currency, nullIfEmpty(o.CouponCode),
			o.PaymentMethod, o.PaymentStatus, o.Status,
			o.DeliveryMethod, o.DeliveryZoneID, o.ShippingAddressID, o.Notes,
		)
		if err != nil {
			if isUniqueViolation(err, "orders_number_key") {
				return order.ErrNumberConflict
			}
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		for _, it := range p.Items {
			_, err := tx.Exec(ctx, insertOrderItemSQL,
				it.ID, it.OrderID, it.Kind, it.Ref, it.Quantity,
				it.OriginalPrice, it.DiscountApplied, it.FinalPrice, it.LineTotal,
				it.Snapshot.Title, nullIfEmpty(it.Snapshot.VariantSKU), it.Snapshot.CourseStartDate,
			)
			if err != nil {
				return fmt.Errorf("creating order item %q: %w", it.ID, err)
			}
		}

		if err := insertHistoryTx(ctx, tx, o.ID, p.Entry); err != nil {
			return err
		}

		if p.DecrementStock {
			if err := adjustStockTx(ctx, tx, stockDeltas(p.Items, -1)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return superseded, nil
}

// GetByID returns a single order.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// GetByTrackingID returns the order associated with a gateway tracking id.
func (r *OrderRepository) GetByTrackingID(ctx context.Context, trackingID string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderByTrackingIDSQL, trackingID)
	if err != nil {
		return nil, fmt.Errorf("getting order by tracking id: %w", err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order by tracking id: %w", err)
	}
	return &o, nil
}

// GetItems returns the order's snapshot line items.
func (r *OrderRepository) GetItems(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := r.pool.Query(ctx, getOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order items: %w", err)
	}
	return pgx.CollectRows(rows, scanOrderItem)
}

// History returns the append-only status history, oldest first.
func (r *OrderRepository) History(ctx context.Context, orderID string) ([]order.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, getHistorySQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order history: %w", err)
	}
	return pgx.CollectRows(rows, scanHistoryEntry)
}

// UpdateStatus applies a transition, appends exactly one history entry, and
// restores stock in the same transaction when requested.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, u order.StatusUpdate) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateOrderStatusSQL,
			orderID, u.Status, u.SetDeliveredAt, u.SetCancelledAt, u.ClearCancelledAt)
		if err != nil {
			return fmt.Errorf("updating order status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return order.ErrNotFound
		}

		if err := insertHistoryTx(ctx, tx, orderID, u.Entry); err != nil {
			return err
		}

		if u.RestoreStock {
			items, err := getItemsTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if err := adjustStockTx(ctx, tx, stockDeltas(items, 1)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetPaymentResult records a gateway outcome. The confirmation code is kept
// once set; later webhooks with an empty code do not erase it.
func (r *OrderRepository) SetPaymentResult(ctx context.Context, orderID string, status order.PaymentStatus, confirmationCode string) error {
	tag, err := r.pool.Exec(ctx, setPaymentResultSQL, orderID, status, confirmationCode)
	if err != nil {
		return fmt.Errorf("setting payment result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// SetTrackingID stores the gateway tracking id after order submission.
func (r *OrderRepository) SetTrackingID(ctx context.Context, orderID, trackingID string) error {
	tag, err := r.pool.Exec(ctx, setTrackingIDSQL, orderID, trackingID)
	if err != nil {
		return fmt.Errorf("setting tracking id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// CreateRefund inserts the refund record and, for full refunds, flips the
// order's payment status in the same transaction.
func (r *OrderRepository) CreateRefund(ctx context.Context, ref *order.Refund, markOrderRefunded bool) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertRefundSQL,
			ref.ID, ref.OrderID, ref.Type, ref.Amount, ref.Reason, ref.Status, ref.InitiatedAt, ref.InitiatedBy)
		if err != nil {
			return fmt.Errorf("creating refund: %w", err)
		}

		sql := markOrderPartialSQL
		if markOrderRefunded {
			sql = markOrderRefundedSQL
		}
		if _, err := tx.Exec(ctx, sql, ref.OrderID); err != nil {
			return fmt.Errorf("updating order payment status: %w", err)
		}
		return nil
	})
}

// GetRefund returns a single refund record.
func (r *OrderRepository) GetRefund(ctx context.Context, refundID string) (*order.Refund, error) {
	var ref order.Refund
	err := r.pool.QueryRow(ctx, getRefundSQL, refundID).Scan(
		&ref.ID, &ref.OrderID, &ref.Type, &ref.Amount, &ref.Reason, &ref.Status, &ref.InitiatedAt, &ref.InitiatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrRefundNotFound
		}
		return nil, fmt.Errorf("getting refund %q: %w", refundID, err)
	}
	return &ref, nil
}

// UpdateRefundStatus advances a refund through its settlement states.
func (r *OrderRepository) UpdateRefundStatus(ctx context.Context, refundID string, status order.RefundStatus) error {
	tag, err := r.pool.Exec(ctx, updateRefundStatusSQL, refundID, status)
	if err != nil {
		return fmt.Errorf("updating refund status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrRefundNotFound
	}
	return nil
}

// SweepIncomplete cancels zero-item pending orders older than the cutoff and
// records a history entry for each.
func (r *OrderRepository) SweepIncomplete(ctx context.Context, olderThan time.Time, entry order.HistoryEntry) (int, error) {
	var swept []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sweepIncompleteSQL, olderThan, entry.Status)
		if err != nil {
			return fmt.Errorf("sweeping incomplete orders: %w", err)
		}
		swept, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("collecting swept orders: %w", err)
		}
		for _, id := range swept {
			if err := insertHistoryTx(ctx, tx, id, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(swept), nil
}

func insertHistoryTx(ctx context.Context, tx pgx.Tx, orderID string, e order.HistoryEntry) error {
	_, err := tx.Exec(ctx, insertHistorySQL, orderID, e.Status, e.At, e.ActorID, string(e.Reason), e.Notes)
	if err != nil {
		return fmt.Errorf("inserting history for order %q: %w", orderID, err)
	}
	return nil
}

func getItemsTx(ctx context.Context, tx pgx.Tx, orderID string) ([]order.Item, error) {
	rows, err := tx.Query(ctx, getOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting order items: %w", err)
	}
	return pgx.CollectRows(rows, scanOrderItem)
}

// stockDeltas maps product items to stock adjustments. Courses have no stock.
func stockDeltas(items []order.Item, sign int) []catalog.StockDelta {
	deltas := make([]catalog.StockDelta, 0, len(items))
	for _, it := range items {
		if it.Kind != catalog.KindProduct {
			continue
		}
		deltas = append(deltas, catalog.StockDelta{
			ProductID:  it.Ref,
			VariantSKU: it.Snapshot.VariantSKU,
			Delta:      sign * it.Quantity,
		})
	}
	return deltas
}

// pendingOrder is the slice of a locked order needed to decide whether its
// supersession must return inventory.
type pendingOrder struct {
	id            string
	paymentMethod order.PaymentMethod
	paymentStatus order.PaymentStatus
}

// consumedStock applies the aggregate's rule to a locked row: COD orders hold
// stock from creation, PesaPal orders only once paid.
func (p pendingOrder) consumedStock() bool {
	o := order.Order{PaymentMethod: p.paymentMethod, PaymentStatus: p.paymentStatus}
	return o.ConsumedStock()
}

func scanPendingOrder(row pgx.CollectableRow) (pendingOrder, error) {
	var p pendingOrder
	err := row.Scan(&p.id, &p.paymentMethod, &p.paymentStatus)
	return p, err
}

func pendingOrderIDs(locked []pendingOrder) []string {
	if len(locked) == 0 {
		return nil
	}
	ids := make([]string, len(locked))
	for i, p := range locked {
		ids[i] = p.id
	}
	return ids
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var o order.Order
	err := row.Scan(
		&o.ID, &o.Number, &o.Date, &o.CustomerID,
		&o.Subtotal, &o.ItemDiscount, &o.OrderDiscount, &o.Shipping, &o.Total, &o.Currency,
		&o.CouponCode,
		&o.PaymentMethod, &o.PaymentStatus, &o.TrackingID, &o.ConfirmationCode,
		&o.Status, &o.DeliveryMethod, &o.DeliveryZoneID, &o.ShippingAddressID,
		&o.Notes, &o.DeliveredAt, &o.CancelledAt,
	)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(
		&it.ID, &it.OrderID, &it.Kind, &it.Ref, &it.Quantity,
		&it.OriginalPrice, &it.DiscountApplied, &it.FinalPrice, &it.LineTotal,
		&it.Snapshot.Title, &it.Snapshot.VariantSKU, &it.Snapshot.CourseStartDate,
	)
	return it, err
}

func scanHistoryEntry(row pgx.CollectableRow) (order.HistoryEntry, error) {
	var (
		e      order.HistoryEntry
		reason string
	)
	err := row.Scan(&e.Status, &e.At, &e.ActorID, &reason, &e.Notes)
	e.Reason = order.CancelReason(reason)
	return e, err
}
