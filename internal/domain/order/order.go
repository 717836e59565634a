package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
)

// Currency is the only currency this store trades in. Whole shillings; UGX
// has no minor unit.
const Currency = "UGX"

// PaymentMethod is how the customer pays.
type PaymentMethod string

const (
	PaymentPesapal PaymentMethod = "pesapal"
	PaymentCOD     PaymentMethod = "cod"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentPesapal || m == PaymentCOD
}

// PaymentStatus tracks gateway-side money movement, updated asynchronously by
// the PesaPal webhook.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentPartial  PaymentStatus = "partial"
)

// CancelReason is the structured reason code attached to a cancellation.
// Free-text notes accompany it; the code is the source of truth.
type CancelReason string

const (
	ReasonCustomerRequest CancelReason = "customer_request"
	ReasonOutOfStock      CancelReason = "out_of_stock"
	ReasonPaymentTimeout  CancelReason = "payment_timeout"
	ReasonSuperseded      CancelReason = "superseded"
	ReasonIncomplete      CancelReason = "incomplete"
	ReasonOther           CancelReason = "other"
)

// HistoryEntry is one append-only record of a status transition. History is
// never pruned: reactivation derives the pre-cancellation status from it.
type HistoryEntry struct {
	Status  Status
	At      time.Time
	ActorID string
	Reason  CancelReason
	Notes   string
}

// Snapshot is the write-once copy of catalog data captured at order time.
// Later catalog edits never alter it.
type Snapshot struct {
	Title           string
	VariantSKU      string
	CourseStartDate *time.Time
}

// Item is one priced, snapshot line within an order.
//
// DiscountApplied is the whole-line discount; FinalPrice is the derived
// per-unit figure and is only consistent at line level. LineTotal is
// authoritative: LineTotal = OriginalPrice*Quantity - DiscountApplied.
type Item struct {
	ID              string
	OrderID         string
	Kind            catalog.Kind
	Ref             string
	Quantity        int
	OriginalPrice   int64
	DiscountApplied int64
	FinalPrice      int64
	LineTotal       int64
	Snapshot        Snapshot
}

// Order is the immutable financial record produced from a cart. After
// creation only status, payment fields, notes, history, and the
// delivery/cancellation timestamps may change.
type Order struct {
	ID     string
	Number string
	Date   time.Time

	CustomerID string

	Subtotal      int64
	ItemDiscount  int64
	OrderDiscount int64
	Shipping      int64
	Total         int64
	Currency      string
	CouponCode    string

	PaymentMethod    PaymentMethod
	PaymentStatus    PaymentStatus
	TrackingID       string
	ConfirmationCode string

	Status Status

	DeliveryMethod    delivery.Method
	DeliveryZoneID    string
	ShippingAddressID string
	Notes             string

	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// PaymentRequired reports whether the customer still needs to complete a
// gateway payment for this order.
func (o *Order) PaymentRequired() bool {
	return o.PaymentMethod == PaymentPesapal && o.Total > 0 && o.PaymentStatus != PaymentPaid
}

// ConsumedStock reports whether this order has taken inventory: COD orders
// decrement stock optimistically at creation, PesaPal orders only once paid.
// Unpaid PesaPal orders are considered never to have touched inventory.
func (o *Order) ConsumedStock() bool {
	switch o.PaymentMethod {
	case PaymentCOD:
		return true
	case PaymentPesapal:
		return o.PaymentStatus == PaymentPaid
	}
	return false
}

// RefundType distinguishes full from partial refunds.
type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// RefundStatus tracks a refund from initiation to gateway settlement. A
// refund never reaches completed without explicit gateway confirmation.
type RefundStatus string

const (
	RefundInitiated  RefundStatus = "initiated"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
)

// Refund records a refund action against an order.
type Refund struct {
	ID          string
	OrderID     string
	Type        RefundType
	Amount      int64
	Reason      string
	Status      RefundStatus
	InitiatedAt time.Time
	InitiatedBy string
}

var (
	// ErrNotFound is returned when an order does not exist or is not visible
	// to the caller.
	ErrNotFound = errors.New("order not found")
	// ErrRefundNotFound is returned when a refund record does not exist.
	ErrRefundNotFound = errors.New("refund not found")
	// ErrCartEmpty is returned when order creation finds no cart lines.
	ErrCartEmpty = errors.New("cart is empty")
	// ErrNotRefundable is returned when an order's payment method or status
	// does not support refunds.
	ErrNotRefundable = errors.New("order is not refundable")
	// ErrInvalidRefundAmount is returned when a partial refund amount is
	// missing, non-positive, or exceeds the order total.
	ErrInvalidRefundAmount = errors.New("invalid refund amount")
	// ErrPaymentNotPending is returned when payment processing is requested
	// for an order that no longer awaits payment.
	ErrPaymentNotPending = errors.New("order is not awaiting payment")
)

// StatusUpdate describes one state-machine transition to persist: the new
// status, its history entry, and the side effects that must commit with it.
type StatusUpdate struct {
	Status Status
	Entry  HistoryEntry

	// RestoreStock re-increments product stock from the order's items in the
	// same transaction. Only set when ConsumedStock() held before the update.
	RestoreStock bool

	SetDeliveredAt   bool
	SetCancelledAt   bool
	ClearCancelledAt bool
}

// CreateParams is the unit of work for persisting a new order.
type CreateParams struct {
	Order *Order
	Items []Item
	Entry HistoryEntry

	// DecrementStock consumes product stock inside the creation transaction
	// (COD orders). The store fails with catalog.ErrInsufficientStock rather
	// than going negative.
	DecrementStock bool
}

// Repository persists orders. Create supersedes any other PENDING_PAYMENT
// order of the same customer inside one transaction using the store's row
// locks, so two concurrent checkouts cannot leave two live pending orders.
type Repository interface {
	// Create persists the order, its items, and the initial history entry,
	// cancelling (never deleting) the customer's other pending orders and
	// re-incrementing stock those orders had consumed, all atomically. It
	// returns the IDs of the superseded orders.
	Create(ctx context.Context, p CreateParams) (superseded []string, err error)

	GetByID(ctx context.Context, id string) (*Order, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*Order, error)
	GetItems(ctx context.Context, orderID string) ([]Item, error)
	History(ctx context.Context, orderID string) ([]HistoryEntry, error)

	// UpdateStatus applies a transition and appends exactly one history
	// entry, atomically with any stock restoration.
	UpdateStatus(ctx context.Context, orderID string, u StatusUpdate) error

	// SetPaymentResult records the gateway outcome. Idempotent: re-delivered
	// webhooks with the same status are no-ops at the caller's discretion.
	SetPaymentResult(ctx context.Context, orderID string, status PaymentStatus, confirmationCode string) error
	SetTrackingID(ctx context.Context, orderID, trackingID string) error

	CreateRefund(ctx context.Context, r *Refund, markOrderRefunded bool) error
	GetRefund(ctx context.Context, refundID string) (*Refund, error)
	UpdateRefundStatus(ctx context.Context, refundID string, status RefundStatus) error

	// SweepIncomplete cancels orders that have no items and are older than
	// the cutoff: the one unsafe partial state of creation, reconciled here.
	SweepIncomplete(ctx context.Context, olderThan time.Time, entry HistoryEntry) (int, error)
}
