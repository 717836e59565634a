package handler

import (
	"net/http"

	"github.com/go-faster/errors"

	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/order"
)

var errInvalidCancelReason = errors.New("unknown cancellation reason code")

type adminUpdateStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Notes   string `json:"notes"`
}

func (h *Handler) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req adminUpdateStatusRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	to := order.Status(req.Status)
	if to.Cancelled() {
		// Cancellation needs a structured reason; use adminOrders.cancelWithNotes.
		writeError(w, r, &order.TransitionError{To: to, Reason: "cancellation requires a reason code"})
		return
	}

	if err := h.orders.UpdateStatus(r.Context(), id.UserID, req.OrderID, to, req.Notes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

type adminCancelRequest struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
	Notes   string `json:"notes"`
}

var validCancelReasons = map[order.CancelReason]bool{
	order.ReasonCustomerRequest: true,
	order.ReasonOutOfStock:      true,
	order.ReasonPaymentTimeout:  true,
	order.ReasonOther:           true,
}

func (h *Handler) adminCancelWithNotes(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req adminCancelRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	reason := order.CancelReason(req.Reason)
	if !validCancelReasons[reason] {
		badRequest(w, errInvalidCancelReason)
		return
	}

	if err := h.orders.Cancel(r.Context(), id.UserID, req.OrderID, order.StatusCancelledByAdmin, reason, req.Notes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(order.StatusCancelledByAdmin)})
}

type adminReactivateRequest struct {
	OrderID string `json:"orderId"`
}

func (h *Handler) adminReactivate(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req adminReactivateRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	if err := h.orders.Reactivate(r.Context(), id.UserID, req.OrderID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reactivated": true})
}

type initiateRefundRequest struct {
	OrderID string `json:"orderId"`
	Type    string `json:"type"`
	Amount  int64  `json:"amount"`
	Reason  string `json:"reason"`
}

type refundResponse struct {
	RefundID string `json:"refundId"`
	OrderID  string `json:"orderId"`
	Type     string `json:"type"`
	Amount   int64  `json:"amount"`
	Status   string `json:"status"`
}

func (h *Handler) adminInitiateRefund(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req initiateRefundRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	ref, err := h.orders.InitiateRefund(r.Context(), id.UserID, req.OrderID,
		order.RefundType(req.Type), req.Amount, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, refundResponse{
		RefundID: ref.ID,
		OrderID:  ref.OrderID,
		Type:     string(ref.Type),
		Amount:   ref.Amount,
		Status:   string(ref.Status),
	})
}
