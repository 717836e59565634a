package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

type pesapalIPNRequest struct {
	OrderTrackingID   string `json:"OrderTrackingId"`
	OrderMerchantRef  string `json:"OrderMerchantReference"`
	NotificationType  string `json:"OrderNotificationType"`
}

// pesapalWebhook handles IPN callbacks. The payload is only used to learn
// which transaction changed; the authoritative status is re-queried from the
// gateway. PesaPal retries on non-200, so transient failures answer 500.
func (h *Handler) pesapalWebhook(w http.ResponseWriter, r *http.Request) {
	// Lenient decode: PesaPal adds fields to the IPN payload over time.
	var req pesapalIPNRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(&req); err != nil {
		badRequest(w, errors.Wrap(err, "decode notification"))
		return
	}
	if req.OrderTrackingID == "" {
		badRequest(w, errors.New("missing OrderTrackingId"))
		return
	}

	lg := zctx.From(r.Context()).With(zap.String("tracking_id", req.OrderTrackingID))

	if err := h.orders.HandlePaymentNotification(r.Context(), req.OrderTrackingID); err != nil {
		lg.Error("Payment notification failed", zap.Error(err))
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orderNotificationType": req.NotificationType,
		"orderTrackingId":       req.OrderTrackingID,
		"status":                200,
	})
}
