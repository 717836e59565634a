package handler

import (
	"net/http"

	"github.com/kapcdam/shop-api/internal/domain/auth"
	"github.com/kapcdam/shop-api/internal/domain/delivery"
	"github.com/kapcdam/shop-api/internal/domain/order"
)

type ordersCreateRequest struct {
	DeliveryMethod    string `json:"deliveryMethod"`
	DeliveryZoneID    string `json:"deliveryZoneId"`
	ShippingAddressID string `json:"shippingAddressId"`
	PaymentMethod     string `json:"paymentMethod"`
	CouponCode        string `json:"couponCode"`
	Notes             string `json:"notes"`
}

type ordersCreateResponse struct {
	OrderID         string `json:"orderId"`
	OrderNumber     string `json:"orderNumber"`
	Total           int64  `json:"total"`
	Currency        string `json:"currency"`
	PaymentRequired bool   `json:"paymentRequired"`
}

func (h *Handler) ordersCreate(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req ordersCreateRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	res, err := h.orders.Create(r.Context(), order.CreateRequest{
		CustomerID:        id.UserID,
		DeliveryMethod:    delivery.Method(req.DeliveryMethod),
		DeliveryZoneID:    req.DeliveryZoneID,
		ShippingAddressID: req.ShippingAddressID,
		PaymentMethod:     order.PaymentMethod(req.PaymentMethod),
		CouponCode:        req.CouponCode,
		Notes:             req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ordersCreateResponse{
		OrderID:         res.OrderID,
		OrderNumber:     res.OrderNumber,
		Total:           res.Total,
		Currency:        order.Currency,
		PaymentRequired: res.PaymentRequired,
	})
}

type processPaymentRequest struct {
	OrderID string `json:"orderId"`
}

func (h *Handler) ordersProcessPayment(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req processPaymentRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	redirectURL, err := h.orders.ProcessPayment(r.Context(), id.UserID, req.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirectUrl": redirectURL})
}

type ordersUpdateStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Notes   string `json:"notes"`
}

// ordersUpdateStatus is the customer-side status operation. Customers may
// only cancel their own orders; every other transition belongs to the admin
// surface.
func (h *Handler) ordersUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req ordersUpdateStatusRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	if order.Status(req.Status) != order.StatusCancelledByUser {
		writeError(w, r, auth.ErrForbidden)
		return
	}

	if err := h.orders.CancelByUser(r.Context(), id.UserID, req.OrderID, order.ReasonCustomerRequest, req.Notes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(order.StatusCancelledByUser)})
}

type cancelPendingRequest struct {
	OrderID string `json:"orderId"`
	Notes   string `json:"notes"`
}

func (h *Handler) ordersCancelPending(w http.ResponseWriter, r *http.Request) {
	id, err := auth.IdentityFrom(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req cancelPendingRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	if err := h.orders.CancelByUser(r.Context(), id.UserID, req.OrderID, order.ReasonCustomerRequest, req.Notes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(order.StatusCancelledByUser)})
}
