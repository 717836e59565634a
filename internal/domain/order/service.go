package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/coupon"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
	"github.com/kapcdam/shop-api/internal/domain/pricing"
	"github.com/kapcdam/shop-api/internal/pesapal"
)

// ErrNumberConflict is returned by the repository when an order number
// collides with an existing one. Creation retries with a fresh number.
var ErrNumberConflict = errors.New("order number already exists")

// ErrUpstreamTimeout marks a creation stage that exceeded its deadline. The
// caller should treat it as retryable, never as success.
var ErrUpstreamTimeout = errors.New("upstream call timed out")

const createNumberRetries = 3

// CreateRequest is the input for turning a cart into an order.
type CreateRequest struct {
	CustomerID        string
	DeliveryMethod    delivery.Method
	DeliveryZoneID    string
	ShippingAddressID string
	PaymentMethod     PaymentMethod
	CouponCode        string
	Notes             string
}

// CreateResult is the customer-visible outcome of order creation.
type CreateResult struct {
	OrderID         string
	OrderNumber     string
	Total           int64
	PaymentRequired bool
}

// ServiceConfig tunes the lifecycle controller.
type ServiceConfig struct {
	// StageTimeout bounds each fallible stage of order creation. External
	// calls carry no inherent timeout guarantee, so the controller imposes
	// one.
	StageTimeout time.Duration
	// CallbackURL is where PesaPal redirects customers after payment.
	CallbackURL string
	// NotificationID is the registered IPN id sent with every submission.
	NotificationID string
}

// Service is the order lifecycle controller: it orchestrates the multi-step
// creation transaction, owns all state machine transitions, and coordinates
// inventory and refund side effects. All collaborators are injected.
type Service struct {
	cfg     ServiceConfig
	carts   cart.Repository
	catalog catalog.Repository
	zones   delivery.Repository
	coupons coupon.Validator
	applier coupon.Applier
	orders  Repository
	gateway pesapal.API
	cache   cache.Store
	numbers *NumberGenerator

	tracer  trace.Tracer
	created metric.Int64Counter
	now     func() time.Time
}

// NewService creates the lifecycle controller.
func NewService(
	cfg ServiceConfig,
	carts cart.Repository,
	cat catalog.Repository,
	zones delivery.Repository,
	coupons coupon.Validator,
	applier coupon.Applier,
	orders Repository,
	gateway pesapal.API,
	store cache.Store,
) *Service {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 5 * time.Second
	}
	meter := otel.Meter("kapcdam.shop/order")
	created, _ := meter.Int64Counter("orders_created_total",
		metric.WithDescription("Orders created, by payment method"))

	return &Service{
		cfg:     cfg,
		carts:   carts,
		catalog: cat,
		zones:   zones,
		coupons: coupons,
		applier: applier,
		orders:  orders,
		gateway: gateway,
		cache:   store,
		numbers: NewNumberGenerator(),
		tracer:  otel.Tracer("kapcdam.shop/order"),
		created: created,
		now:     time.Now,
	}
}

// stage runs one fallible step of a lifecycle flow under its own span and
// deadline. Deadline overruns are classified as upstream timeouts so the
// handler can tell the user to retry.
func (s *Service) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, name)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.Wrapf(ErrUpstreamTimeout, "%s: %s", name, err)
		}
		return errors.Wrap(err, name)
	}
	return nil
}

// Create turns the customer's cart into an order. Stages before persistence
// abort cleanly; once the order transaction commits, the remaining
// bookkeeping (cart clear, coupon usage, cache invalidation) is best-effort
// and never makes the order vanish.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	lg := zctx.From(ctx)

	if !req.PaymentMethod.Valid() {
		return nil, errors.New("unknown payment method")
	}
	if !req.DeliveryMethod.Valid() {
		return nil, delivery.ErrUnknownMethod
	}
	if req.ShippingAddressID == "" && req.DeliveryMethod == delivery.MethodLocal {
		return nil, errors.New("shipping address required for local delivery")
	}

	// Stage 1: re-fetch the cart; never trust a client-side copy.
	var userCart *cart.Cart
	if err := s.stage(ctx, "order.create.fetch_cart", func(ctx context.Context) error {
		c, err := s.carts.GetByUser(ctx, req.CustomerID)
		if err != nil {
			if errors.Is(err, cart.ErrNotFound) {
				return ErrCartEmpty
			}
			return err
		}
		if len(c.Lines) == 0 {
			return ErrCartEmpty
		}
		userCart = c
		return nil
	}); err != nil {
		return nil, err
	}

	// Stage 2: point-in-time catalog snapshot, products and courses fetched
	// concurrently. Client-supplied prices are never consulted.
	entries := make(map[catalog.Ref]catalog.Entry)
	if err := s.stage(ctx, "order.create.fetch_catalog", func(ctx context.Context) error {
		var productRefs, courseRefs []catalog.Ref
		for _, l := range userCart.Lines {
			if l.Kind == catalog.KindCourse {
				courseRefs = append(courseRefs, l.CatalogRef())
			} else {
				productRefs = append(productRefs, l.CatalogRef())
			}
		}

		var productEntries, courseEntries map[catalog.Ref]catalog.Entry
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			productEntries, err = s.catalog.GetEntries(gctx, productRefs)
			return err
		})
		g.Go(func() (err error) {
			courseEntries, err = s.catalog.GetEntries(gctx, courseRefs)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		for ref, e := range productEntries {
			entries[ref] = e
		}
		for ref, e := range courseEntries {
			entries[ref] = e
		}
		return nil
	}); err != nil {
		return nil, err
	}

	// Stage 3: price the cart. Shipping needs an explicit zone here; the
	// display fallback fee must never reach a persisted order.
	var (
		priced []pricing.PricedLine
		totals pricing.Totals
		rule   *coupon.Rule
	)
	if err := s.stage(ctx, "order.create.price", func(ctx context.Context) error {
		priced = make([]pricing.PricedLine, 0, len(userCart.Lines))
		for _, l := range userCart.Lines {
			e, ok := entries[l.CatalogRef()]
			if !ok {
				return errors.Wrapf(catalog.ErrNotFound, "%s %s", l.Kind, l.Ref)
			}
			pl, err := pricing.PriceLine(l, e)
			if err != nil {
				return err
			}
			priced = append(priced, pl)
		}

		var shipping int64
		if req.DeliveryMethod == delivery.MethodLocal {
			if req.DeliveryZoneID == "" {
				return delivery.ErrZoneRequired
			}
			zone, err := s.zones.GetZone(ctx, req.DeliveryZoneID)
			if err != nil {
				return err
			}
			shipping = zone.Fee
		}

		if req.CouponCode != "" {
			discounted := int64(0)
			for _, pl := range priced {
				discounted += pl.LineTotal()
			}
			r, err := s.coupons.Validate(ctx, req.CouponCode, discounted)
			if err != nil {
				return err
			}
			rule = r
		}

		t, err := pricing.ComputeTotals(priced, rule, shipping)
		if err != nil {
			return err
		}
		totals = t
		return nil
	}); err != nil {
		return nil, err
	}

	couponCode := ""
	if totals.CouponApplied {
		couponCode = req.CouponCode
	}

	now := s.now()
	o := &Order{
		ID:                uuid.New().String(),
		Date:              now,
		CustomerID:        req.CustomerID,
		Subtotal:          totals.Subtotal,
		ItemDiscount:      totals.ItemDiscount,
		OrderDiscount:     totals.OrderDiscount,
		Shipping:          totals.Shipping,
		Total:             totals.Total,
		Currency:          Currency,
		CouponCode:        couponCode,
		PaymentMethod:     req.PaymentMethod,
		PaymentStatus:     PaymentPending,
		Status:            StatusPendingPayment,
		DeliveryMethod:    req.DeliveryMethod,
		DeliveryZoneID:    req.DeliveryZoneID,
		ShippingAddressID: req.ShippingAddressID,
		Notes:             req.Notes,
	}

	items := make([]Item, len(priced))
	for i, pl := range priced {
		items[i] = Item{
			ID:              uuid.New().String(),
			OrderID:         o.ID,
			Kind:            pl.Line.Kind,
			Ref:             pl.Line.Ref,
			Quantity:        pl.Line.Quantity,
			OriginalPrice:   pl.UnitPrice,
			DiscountApplied: pl.LineDiscount,
			FinalPrice:      pl.FinalUnitPrice(),
			LineTotal:       pl.LineTotal(),
			Snapshot: Snapshot{
				Title:           pl.Title,
				VariantSKU:      pl.VariantSKU,
				CourseStartDate: pl.Line.PreferredStartDate,
			},
		}
	}

	// Stages 4-6: supersede any other pending order and persist order +
	// items + initial history as one transaction. COD consumes stock here;
	// PesaPal orders touch inventory only once paid. Number collisions are
	// tolerable: retry with a fresh number instead of overwriting.
	var superseded []string
	if err := s.stage(ctx, "order.create.persist", func(ctx context.Context) error {
		for attempt := 0; ; attempt++ {
			o.Number = s.numbers.Next()
			ids, err := s.orders.Create(ctx, CreateParams{
				Order:          o,
				Items:          items,
				DecrementStock: req.PaymentMethod == PaymentCOD,
				Entry: HistoryEntry{
					Status:  StatusPendingPayment,
					At:      now,
					ActorID: req.CustomerID,
					Notes:   "order placed",
				},
			})
			if errors.Is(err, ErrNumberConflict) && attempt < createNumberRetries {
				continue
			}
			if err != nil {
				return err
			}
			superseded = ids
			return nil
		}
	}); err != nil {
		return nil, err
	}

	for _, id := range superseded {
		lg.Info("Superseded pending order",
			zap.String("order_id", id),
			zap.String("replaced_by", o.ID))
	}

	// Stage 7: clear the cart lines (the cart document stays). An uncleared
	// cart is a safe partial state; log and move on.
	if err := s.stage(ctx, "order.create.clear_cart", func(ctx context.Context) error {
		return s.carts.ClearLines(ctx, req.CustomerID)
	}); err != nil {
		lg.Warn("Cart not cleared after order creation", zap.String("order_id", o.ID), zap.Error(err))
	}

	// Stage 8: coupon bookkeeping. An order must not vanish because usage
	// accounting failed.
	if couponCode != "" {
		if err := s.stage(ctx, "order.create.apply_coupon", func(ctx context.Context) error {
			return s.applier.Apply(ctx, couponCode, o.ID, totals.OrderDiscount)
		}); err != nil {
			lg.Error("Coupon usage not recorded",
				zap.String("order_id", o.ID),
				zap.String("coupon", couponCode),
				zap.Error(err))
		}
	}

	// Stage 9: invalidate read caches, strictly after the commit above.
	if err := s.cache.Delete(ctx, cache.CartKey(req.CustomerID), cache.OrdersKey(req.CustomerID)); err != nil {
		lg.Warn("Cache invalidation failed", zap.String("order_id", o.ID), zap.Error(err))
	}

	s.created.Add(ctx, 1, metric.WithAttributes(
		attribute.String("payment_method", string(o.PaymentMethod))))

	return &CreateResult{
		OrderID:         o.ID,
		OrderNumber:     o.Number,
		Total:           o.Total,
		PaymentRequired: o.PaymentRequired(),
	}, nil
}

// getOwned fetches an order and enforces ownership: an order belonging to
// another customer is indistinguishable from a missing one.
func (s *Service) getOwned(ctx context.Context, customerID, orderID string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.CustomerID != customerID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ProcessPayment submits a pending PesaPal order to the gateway and returns
// the redirect URL for the customer to complete payment.
func (s *Service) ProcessPayment(ctx context.Context, customerID, orderID string) (string, error) {
	o, err := s.getOwned(ctx, customerID, orderID)
	if err != nil {
		return "", err
	}
	if o.Status != StatusPendingPayment || !o.PaymentRequired() {
		return "", ErrPaymentNotPending
	}

	var result *pesapal.SubmitResult
	if err := s.stage(ctx, "order.payment.submit", func(ctx context.Context) error {
		r, err := s.gateway.SubmitOrder(ctx, pesapal.SubmitRequest{
			MerchantReference: o.Number,
			Amount:            o.Total,
			Currency:          o.Currency,
			Description:       "KAPCDAM order " + o.Number,
			CallbackURL:       s.cfg.CallbackURL,
			NotificationID:    s.cfg.NotificationID,
		})
		if err != nil {
			return err
		}
		result = r
		return nil
	}); err != nil {
		return "", err
	}

	if err := s.orders.SetTrackingID(ctx, o.ID, result.TrackingID); err != nil {
		return "", errors.Wrap(err, "save tracking id")
	}
	return result.RedirectURL, nil
}

// HandlePaymentNotification processes a PesaPal IPN callback. It re-queries
// the gateway for the authoritative status rather than trusting the
// callback payload, and is idempotent: the webhook may arrive before, after,
// or interleaved with admin status changes.
func (s *Service) HandlePaymentNotification(ctx context.Context, trackingID string) error {
	lg := zctx.From(ctx)

	o, err := s.orders.GetByTrackingID(ctx, trackingID)
	if err != nil {
		return err
	}

	var status *pesapal.StatusResult
	if err := s.stage(ctx, "order.payment.status", func(ctx context.Context) error {
		st, err := s.gateway.GetTransactionStatus(ctx, trackingID)
		if err != nil {
			return err
		}
		status = st
		return nil
	}); err != nil {
		return err
	}

	var ps PaymentStatus
	switch status.Status {
	case pesapal.TxCompleted:
		ps = PaymentPaid
	case pesapal.TxFailed, pesapal.TxInvalid:
		ps = PaymentFailed
	case pesapal.TxReversed:
		ps = PaymentRefunded
	default:
		// Still pending at the gateway; nothing to record yet.
		return nil
	}

	if o.PaymentStatus == ps {
		return nil
	}

	if err := s.orders.SetPaymentResult(ctx, o.ID, ps, status.ConfirmationCode); err != nil {
		return errors.Wrap(err, "record payment result")
	}

	// First confirmation of payment consumes inventory: PesaPal orders only
	// touch stock once money has actually moved. A cancelled order will never
	// ship, so a late confirmation must not consume stock; the recorded
	// payment makes the order refundable.
	if ps == PaymentPaid && o.PaymentStatus != PaymentPaid {
		if o.Status.Cancelled() {
			lg.Warn("Payment confirmed for a cancelled order; stock untouched, refund required",
				zap.String("order_id", o.ID))
		} else if err := s.adjustStockFromItems(ctx, o.ID, -1); err != nil {
			lg.Error("Stock not decremented after payment confirmation",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	lg.Info("Payment status updated",
		zap.String("order_id", o.ID),
		zap.String("payment_status", string(ps)))
	return nil
}

// adjustStockFromItems applies sign*quantity for every product item of the
// order via the store's atomic increment.
func (s *Service) adjustStockFromItems(ctx context.Context, orderID string, sign int) error {
	items, err := s.orders.GetItems(ctx, orderID)
	if err != nil {
		return err
	}
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
	if len(deltas) == 0 {
		return nil
	}
	return s.catalog.AdjustStock(ctx, deltas)
}

// UpdateStatus applies a state machine transition on behalf of an admin and
// appends the corresponding history entry.
func (s *Service) UpdateStatus(ctx context.Context, actorID, orderID string, to Status, notes string) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if to.Cancelled() {
		return errors.New("use Cancel for cancellation transitions")
	}
	if err := CanTransition(o.Status, to, o.PaymentMethod, o.PaymentStatus); err != nil {
		return err
	}

	return s.orders.UpdateStatus(ctx, o.ID, StatusUpdate{
		Status: to,
		Entry: HistoryEntry{
			Status:  to,
			At:      s.now(),
			ActorID: actorID,
			Notes:   notes,
		},
		SetDeliveredAt: to == StatusDelivered,
	})
}

// Cancel moves an order to a cancelled state, restoring stock only when the
// order had actually consumed it: COD always, PesaPal only when paid.
func (s *Service) Cancel(ctx context.Context, actorID, orderID string, to Status, reason CancelReason, notes string) error {
	if !to.Cancelled() {
		return errors.New("cancel requires a cancellation status")
	}
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if err := CanTransition(o.Status, to, o.PaymentMethod, o.PaymentStatus); err != nil {
		return err
	}

	return s.orders.UpdateStatus(ctx, o.ID, StatusUpdate{
		Status: to,
		Entry: HistoryEntry{
			Status:  to,
			At:      s.now(),
			ActorID: actorID,
			Reason:  reason,
			Notes:   notes,
		},
		RestoreStock:   o.ConsumedStock(),
		SetCancelledAt: true,
	})
}

// CancelByUser cancels the customer's own pending order.
func (s *Service) CancelByUser(ctx context.Context, customerID, orderID string, reason CancelReason, notes string) error {
	if _, err := s.getOwned(ctx, customerID, orderID); err != nil {
		return err
	}
	return s.Cancel(ctx, customerID, orderID, StatusCancelledByUser, reason, notes)
}

// Reactivate reverses a cancellation, restoring the status recorded
// immediately before it in the order history.
func (s *Service) Reactivate(ctx context.Context, actorID, orderID string) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Cancelled() {
		return &TransitionError{From: o.Status, To: o.Status, Reason: "order is not cancelled"}
	}

	history, err := s.orders.History(ctx, orderID)
	if err != nil {
		return err
	}
	prev, err := PreviousStatus(history)
	if err != nil {
		return err
	}

	return s.orders.UpdateStatus(ctx, o.ID, StatusUpdate{
		Status: prev,
		Entry: HistoryEntry{
			Status:  prev,
			At:      s.now(),
			ActorID: actorID,
			Notes:   "order reactivated",
		},
		ClearCancelledAt: true,
	})
}

// InitiateRefund records a refund. Two-phase by design: the record is
// created (and for full refunds the payment status flipped) immediately; the
// gateway call happens later in SettleRefund, so initiation never blocks on
// gateway latency.
func (s *Service) InitiateRefund(ctx context.Context, actorID, orderID string, typ RefundType, amount int64, reason string) (*Refund, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if o.PaymentMethod != PaymentPesapal {
		return nil, errors.Wrap(ErrNotRefundable, "cash orders are settled offline")
	}
	if o.PaymentStatus != PaymentPaid && o.PaymentStatus != PaymentPartial {
		return nil, errors.Wrap(ErrNotRefundable, "no captured payment")
	}
	if o.ConfirmationCode == "" {
		return nil, errors.Wrap(ErrNotRefundable, "missing gateway confirmation")
	}

	switch typ {
	case RefundFull:
		amount = o.Total
	case RefundPartial:
		if amount <= 0 || amount > o.Total {
			return nil, ErrInvalidRefundAmount
		}
	default:
		return nil, errors.Errorf("unknown refund type %q", typ)
	}

	r := &Refund{
		ID:          uuid.New().String(),
		OrderID:     o.ID,
		Type:        typ,
		Amount:      amount,
		Reason:      reason,
		Status:      RefundInitiated,
		InitiatedAt: s.now(),
		InitiatedBy: actorID,
	}
	if err := s.orders.CreateRefund(ctx, r, typ == RefundFull); err != nil {
		return nil, errors.Wrap(err, "create refund")
	}
	return r, nil
}

// SettleRefund performs the actual gateway refund for an initiated record.
// Gateway failures leave the record in PROCESSING; it is never marked
// completed without explicit gateway confirmation.
func (s *Service) SettleRefund(ctx context.Context, refundID string) error {
	r, err := s.orders.GetRefund(ctx, refundID)
	if err != nil {
		return err
	}
	if r.Status != RefundInitiated && r.Status != RefundProcessing {
		return errors.Errorf("refund %s is %s, not settleable", r.ID, r.Status)
	}

	o, err := s.orders.GetByID(ctx, r.OrderID)
	if err != nil {
		return err
	}

	if err := s.orders.UpdateRefundStatus(ctx, r.ID, RefundProcessing); err != nil {
		return errors.Wrap(err, "mark refund processing")
	}

	if err := s.stage(ctx, "order.refund.settle", func(ctx context.Context) error {
		return s.gateway.Refund(ctx, pesapal.RefundRequest{
			ConfirmationCode: o.ConfirmationCode,
			Amount:           r.Amount,
			Reason:           r.Reason,
			Username:         r.InitiatedBy,
		})
	}); err != nil {
		return err
	}

	return s.orders.UpdateRefundStatus(ctx, r.ID, RefundCompleted)
}

// SweepIncomplete reconciles the one unsafe partial state of creation:
// orders persisted with zero items. Anything older than the grace period is
// cancelled.
func (s *Service) SweepIncomplete(ctx context.Context, grace time.Duration) (int, error) {
	now := s.now()
	return s.orders.SweepIncomplete(ctx, now.Add(-grace), HistoryEntry{
		Status:  StatusCancelledByAdmin,
		At:      now,
		ActorID: "system",
		Reason:  ReasonIncomplete,
		Notes:   "order had no items after grace period",
	})
}
