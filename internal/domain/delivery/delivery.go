package delivery

import (
	"context"

	"github.com/go-faster/errors"
)

// Method is how an order reaches the customer.
type Method string

const (
	MethodPickup Method = "pickup"
	MethodLocal  Method = "local_delivery"
)

// FallbackLocalFee is the display-only shipping estimate used while no zone
// is selected yet. Order creation rejects local delivery without an explicit
// zone, so this value never reaches a persisted order.
const FallbackLocalFee int64 = 5000

var (
	// ErrZoneNotFound is returned when a referenced delivery zone does not exist.
	ErrZoneNotFound = errors.New("delivery zone not found")
	// ErrZoneRequired is returned when local delivery is requested without a zone.
	ErrZoneRequired = errors.New("delivery zone required for local delivery")
	// ErrUnknownMethod is returned for an unrecognized delivery method.
	ErrUnknownMethod = errors.New("unknown delivery method")
)

// Zone is a local delivery area with a flat fee in whole UGX.
type Zone struct {
	ID   string
	Name string
	Fee  int64
}

// Repository provides delivery zone lookups.
type Repository interface {
	GetZone(ctx context.Context, id string) (*Zone, error)
}

// Valid reports whether m is a known delivery method.
func (m Method) Valid() bool {
	return m == MethodPickup || m == MethodLocal
}
