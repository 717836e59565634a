package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidCoupon is returned when a coupon code is unknown or inactive.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExpired is returned when a coupon is outside its validity window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrUsageLimitReached is returned when a coupon has exhausted its uses.
	ErrUsageLimitReached = errors.New("coupon usage limit reached")
	// ErrMinOrderNotMet is returned when the order subtotal is below the
	// coupon's minimum order amount.
	ErrMinOrderNotMet = errors.New("order subtotal below coupon minimum")
)

// Rule is a whole-order percentage discount with eligibility constraints.
// MinOrderAmount is whole UGX; Percent is a NUMERIC percentage (e.g. 12.5).
type Rule struct {
	Code           string
	Percent        decimal.Decimal
	MinOrderAmount int64
	Description    string
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	MaxUses        int
	Uses           int
}

// Repository provides lookup and usage accounting for coupon rules. Usage
// increments are atomic at the store layer.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Rule, error)
	RecordUsage(ctx context.Context, code, orderID string, amount int64) error
}

// Validator resolves a coupon code into an applicable rule, given the order
// subtotal after item-level discounts.
type Validator interface {
	Validate(ctx context.Context, code string, subtotal int64) (*Rule, error)
}

// Applier records that a coupon was consumed by an order. It is the narrow
// seam the order lifecycle depends on; failures after an order is committed
// are logged by the caller, never rolled back.
type Applier interface {
	Apply(ctx context.Context, code, orderID string, amount int64) error
}

// RepoValidator implements Validator and Applier against a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate looks up the rule for code and checks its validity window, usage
// limit, and minimum order amount against the given subtotal.
func (v *RepoValidator) Validate(ctx context.Context, code string, subtotal int64) (*Rule, error) {
	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := v.now()

	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return nil, ErrCouponExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return nil, ErrCouponExpired
	}

	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return nil, ErrUsageLimitReached
	}

	if subtotal < rule.MinOrderAmount {
		return nil, ErrMinOrderNotMet
	}

	return rule, nil
}

// Apply records coupon usage for a committed order.
func (v *RepoValidator) Apply(ctx context.Context, code, orderID string, amount int64) error {
	if err := v.repo.RecordUsage(ctx, code, orderID, amount); err != nil {
		return errors.Wrap(err, "record coupon usage")
	}
	return nil
}
