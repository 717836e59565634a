// Package pesapal is a minimal client for the PesaPal v3 API: authentication,
// IPN registration, order submission, transaction status, and refunds. The
// order lifecycle depends only on the API interface; the HTTP client is
// injected at wiring time so tests use fakes.
package pesapal

import (
	"context"

	"github.com/go-faster/errors"
)

// TransactionStatus is the gateway-side view of one payment attempt.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
	TxInvalid   TransactionStatus = "INVALID"
	TxReversed  TransactionStatus = "REVERSED"
	TxPending   TransactionStatus = "PENDING"
)

// SubmitRequest describes one payment to collect.
type SubmitRequest struct {
	// MerchantReference is our order number; PesaPal echoes it back in
	// callbacks.
	MerchantReference string
	// Amount in whole UGX.
	Amount         int64
	Currency       string
	Description    string
	CallbackURL    string
	NotificationID string
	CustomerEmail  string
	CustomerPhone  string
}

// SubmitResult is the gateway's answer to an order submission.
type SubmitResult struct {
	// RedirectURL is where the customer completes payment.
	RedirectURL string
	// TrackingID identifies the transaction in later status queries.
	TrackingID string
}

// StatusResult is the current state of a submitted transaction.
type StatusResult struct {
	Status TransactionStatus
	// ConfirmationCode is the gateway's settlement reference, required for
	// refunds.
	ConfirmationCode string
	PaymentMethod    string
}

// RefundRequest asks the gateway to return money for a settled transaction.
type RefundRequest struct {
	ConfirmationCode string
	Amount           int64
	Reason           string
	Username         string
}

// ErrGateway wraps any failure reported by the PesaPal API itself (as
// opposed to transport errors).
var ErrGateway = errors.New("pesapal gateway error")

// API is the narrow seam the order lifecycle uses.
type API interface {
	RegisterIPN(ctx context.Context, callbackURL string) (notificationID string, err error)
	SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	GetTransactionStatus(ctx context.Context, trackingID string) (*StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}
