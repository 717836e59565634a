package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/coupon"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
	"github.com/kapcdam/shop-api/internal/domain/order"
	"github.com/kapcdam/shop-api/internal/domain/pricing"
	"github.com/kapcdam/shop-api/internal/pesapal"
)

// errorResponse is the stable error envelope. Code is machine-readable and
// part of the API contract; Message is for humans and may change.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorCode maps a domain error to its HTTP status and stable code.
func errorCode(err error) (int, string) {
	var terr *order.TransitionError

	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"

	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrRefundNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, delivery.ErrZoneNotFound),
		errors.Is(err, cart.ErrNotFound),
		errors.Is(err, cart.ErrLineNotFound):
		return http.StatusNotFound, "NOT_FOUND"

	case errors.Is(err, cart.ErrVariantNotFound), errors.Is(err, pricing.ErrVariantNotFound):
		return http.StatusNotFound, "VARIANT_NOT_FOUND"

	case errors.Is(err, cart.ErrInvalidQuantity):
		return http.StatusBadRequest, "INVALID_QUANTITY"

	case errors.Is(err, order.ErrCartEmpty):
		return http.StatusBadRequest, "CART_EMPTY"

	case errors.Is(err, catalog.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"

	case errors.Is(err, order.ErrOrderAlreadyCancelled):
		return http.StatusConflict, "ORDER_ALREADY_CANCELLED"

	case errors.Is(err, order.ErrNoPreviousStatus):
		return http.StatusConflict, "NO_PREVIOUS_STATUS"

	case errors.Is(err, order.ErrOrderDelivered),
		errors.Is(err, order.ErrPaymentNotPending),
		errors.As(err, &terr):
		return http.StatusConflict, "CONFLICT"

	case errors.Is(err, cart.ErrVariantRequired),
		errors.Is(err, pricing.ErrVariantRequired),
		errors.Is(err, order.ErrNotRefundable),
		errors.Is(err, order.ErrInvalidRefundAmount),
		errors.Is(err, delivery.ErrZoneRequired),
		errors.Is(err, delivery.ErrUnknownMethod),
		errors.Is(err, coupon.ErrInvalidCoupon),
		errors.Is(err, coupon.ErrCouponExpired),
		errors.Is(err, coupon.ErrUsageLimitReached),
		errors.Is(err, coupon.ErrMinOrderNotMet):
		return http.StatusBadRequest, "VALIDATION"

	case errors.Is(err, order.ErrUpstreamTimeout), errors.Is(err, pesapal.ErrGateway):
		return http.StatusBadGateway, "UPSTREAM_FAILURE"
	}

	return http.StatusInternalServerError, "INTERNAL"
}

// writeError maps err to the envelope. Internal errors are logged with full
// detail and answered with a generic message so nothing internal leaks.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorCode(err)

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

// decode reads a JSON request body into v, limited to 1 MiB.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}

// badRequest answers a malformed request body.
func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorBody{
		Code:    "VALIDATION",
		Message: err.Error(),
	}})
}
