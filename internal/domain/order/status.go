package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Status is the order lifecycle state. The transition rules in this file are
// the single server-side source of truth; UI-side checks are a convenience,
// never authoritative.
type Status string

const (
	StatusPendingPayment   Status = "pending_payment"
	StatusProcessing       Status = "processing"
	StatusReadyForDelivery Status = "ready_for_delivery"
	StatusOutForDelivery   Status = "out_for_delivery"
	StatusDelivered        Status = "delivered"
	StatusCancelledByUser  Status = "cancelled_by_user"
	StatusCancelledByAdmin Status = "cancelled_by_admin"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusProcessing, StatusReadyForDelivery,
		StatusOutForDelivery, StatusDelivered,
		StatusCancelledByUser, StatusCancelledByAdmin:
		return true
	}
	return false
}

// Cancelled reports whether s is one of the cancellation states.
func (s Status) Cancelled() bool {
	return s == StatusCancelledByUser || s == StatusCancelledByAdmin
}

// Terminal reports whether s permits no further forward transitions.
// Cancelled states are terminal for the forward flow but may be reversed via
// reactivation.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s.Cancelled()
}

var (
	// ErrOrderAlreadyCancelled is returned when cancelling a cancelled order.
	ErrOrderAlreadyCancelled = errors.New("order already cancelled")
	// ErrOrderDelivered is returned when mutating a delivered order.
	ErrOrderDelivered = errors.New("order already delivered")
	// ErrNoPreviousStatus is returned when reactivation finds no
	// pre-cancellation entry in the order history.
	ErrNoPreviousStatus = errors.New("no previous status in order history")
)

// TransitionError indicates a state machine transition that is not permitted.
type TransitionError struct {
	From, To Status
	Reason   string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot transition order from %s to %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

// forward lists the permitted forward edges of the lifecycle.
var forward = map[Status][]Status{
	StatusPendingPayment:   {StatusProcessing},
	StatusProcessing:       {StatusReadyForDelivery},
	StatusReadyForDelivery: {StatusOutForDelivery, StatusDelivered},
	StatusOutForDelivery:   {StatusDelivered},
}

// CanTransition checks whether an order may move from its current status to
// the requested one, given its payment method and payment status.
//
// The one load-bearing guard: PENDING_PAYMENT → PROCESSING requires either
// cash on delivery, or a PesaPal payment already confirmed PAID. Cash orders
// proceed on trust; gateway orders never ship unpaid.
func CanTransition(from, to Status, pm PaymentMethod, ps PaymentStatus) error {
	if !to.Valid() {
		return &TransitionError{From: from, To: to, Reason: "unknown status"}
	}

	if to.Cancelled() {
		if from.Cancelled() {
			return ErrOrderAlreadyCancelled
		}
		if from == StatusDelivered {
			return ErrOrderDelivered
		}
		return nil
	}

	if from.Cancelled() {
		// Leaving a cancelled state is reactivation, which restores the
		// pre-cancellation status from history. Validated separately.
		return &TransitionError{From: from, To: to, Reason: "order is cancelled; use reactivation"}
	}
	if from == StatusDelivered {
		return ErrOrderDelivered
	}

	allowed := false
	for _, next := range forward[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &TransitionError{From: from, To: to}
	}

	if from == StatusPendingPayment && to == StatusProcessing {
		if pm == PaymentPesapal && ps != PaymentPaid {
			return &TransitionError{From: from, To: to, Reason: "pesapal payment not confirmed"}
		}
	}

	return nil
}

// PreviousStatus returns the status an order held immediately before its
// cancellation, scanning history from newest to oldest past any cancellation
// entries. History is append-only and never pruned, so this is authoritative.
func PreviousStatus(history []HistoryEntry) (Status, error) {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].Status.Cancelled() {
			return history[i].Status, nil
		}
	}
	return "", ErrNoPreviousStatus
}
