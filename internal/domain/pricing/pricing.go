// Package pricing computes line and order totals from cart snapshots and
// point-in-time catalog data. All functions are pure; amounts are whole UGX
// held as int64, with decimal arithmetic only for percentage math so no
// floating point ever touches a total.
package pricing

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/kapcdam/shop-api/internal/domain/cart"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
	"github.com/kapcdam/shop-api/internal/domain/coupon"
)

var (
	// ErrVariantNotFound is returned when a line selects a variant SKU the
	// product does not have. There is no fallback to the base price.
	ErrVariantNotFound = errors.New("product variant not found")
	// ErrVariantRequired is returned when a product has variants but the
	// line selects none.
	ErrVariantRequired = errors.New("product requires a variant selection")
	// ErrKindMismatch is returned when a line references a catalog entry of
	// a different kind.
	ErrKindMismatch = errors.New("cart line kind does not match catalog entry")
	// ErrNegativeAmount signals an arithmetic invariant violation: an
	// intermediate amount went negative. Totals are non-negative by
	// construction, so callers must treat this as an assertion failure,
	// not a recoverable input error.
	ErrNegativeAmount = errors.New("negative amount in pricing computation")
)

var hundred = decimal.NewFromInt(100)

// PricedLine is a cart line enriched with point-in-time catalog data. Title
// and SKU are carried along so the order can snapshot them.
type PricedLine struct {
	Line cart.Line

	Title           string
	VariantSKU      string
	UnitPrice       int64
	DiscountPercent int
	LineSubtotal    int64
	LineDiscount    int64
}

// FinalUnitPrice returns the per-unit price after the item discount is spread
// over the line. Consistent only at line level: LineTotal() uses the exact
// line discount, not a rounded per-unit value.
func (p PricedLine) FinalUnitPrice() int64 {
	if p.Line.Quantity == 0 {
		return p.UnitPrice
	}
	return (p.LineSubtotal - p.LineDiscount) / int64(p.Line.Quantity)
}

// LineTotal returns the line amount after the item discount.
func (p PricedLine) LineTotal() int64 {
	return p.LineSubtotal - p.LineDiscount
}

// Totals is the financial summary of an order.
type Totals struct {
	Subtotal      int64 // sum of line subtotals before any discount
	ItemDiscount  int64 // sum of per-line discounts
	OrderDiscount int64 // coupon amount, re-derived from the current subtotal
	Shipping      int64
	Total         int64

	// CouponApplied reports whether the supplied coupon survived
	// re-validation against the current subtotal.
	CouponApplied bool
}

// PriceLine enriches one cart line with the catalog entry it references.
// Variant prices override the base product price; a missing variant is an
// error, never a silent fallback.
func PriceLine(line cart.Line, entry catalog.Entry) (PricedLine, error) {
	if err := entry.Validate(); err != nil {
		return PricedLine{}, err
	}
	if line.Kind != entry.Kind {
		return PricedLine{}, ErrKindMismatch
	}
	if line.Quantity <= 0 {
		return PricedLine{}, cart.ErrInvalidQuantity
	}

	var (
		unitPrice int64
		discount  *catalog.Discount
		title     string
		sku       string
	)

	switch entry.Kind {
	case catalog.KindProduct:
		p := entry.Product
		title = p.Title
		unitPrice = p.Price
		discount = p.Discount

		switch {
		case line.VariantSKU != "":
			v := p.Variant(line.VariantSKU)
			if v == nil {
				return PricedLine{}, ErrVariantNotFound
			}
			unitPrice = v.Price
			sku = v.SKU
		case p.HasVariants():
			return PricedLine{}, ErrVariantRequired
		}

	case catalog.KindCourse:
		c := entry.Course
		title = c.Title
		unitPrice = c.Price
		discount = c.Discount
	}

	pl := PricedLine{
		Line:         line,
		Title:        title,
		VariantSKU:   sku,
		UnitPrice:    unitPrice,
		LineSubtotal: unitPrice * int64(line.Quantity),
	}

	if discount != nil && discount.Active {
		pl.DiscountPercent = discount.Percent
		// Percentage is applied to the whole line, then rounded once, so
		// rounding does not drift with quantity.
		pl.LineDiscount = percentOf(pl.LineSubtotal, decimal.NewFromInt(int64(discount.Percent)))
	}

	if pl.LineDiscount > pl.LineSubtotal || pl.LineDiscount < 0 {
		return PricedLine{}, errors.Wrapf(ErrNegativeAmount,
			"line discount %d exceeds subtotal %d", pl.LineDiscount, pl.LineSubtotal)
	}

	return pl, nil
}

// ComputeTotals folds priced lines, an optional coupon rule, and a shipping
// cost into order totals. The coupon amount is re-derived from the
// post-item-discount subtotal on every call; a coupon whose minimum order
// amount is no longer met, or whose base subtotal is zero, is dropped rather
// than applied.
func ComputeTotals(lines []PricedLine, rule *coupon.Rule, shipping int64) (Totals, error) {
	if shipping < 0 {
		return Totals{}, errors.Wrap(ErrNegativeAmount, "shipping")
	}

	t := Totals{Shipping: shipping}
	for _, l := range lines {
		if l.LineSubtotal < 0 || l.LineDiscount < 0 || l.LineDiscount > l.LineSubtotal {
			return Totals{}, errors.Wrapf(ErrNegativeAmount, "line %s", l.Line.ID)
		}
		t.Subtotal += l.LineSubtotal
		t.ItemDiscount += l.LineDiscount
	}

	discounted := t.Subtotal - t.ItemDiscount
	if discounted < 0 {
		return Totals{}, errors.Wrap(ErrNegativeAmount, "discounted subtotal")
	}

	if rule != nil && discounted > 0 && discounted >= rule.MinOrderAmount {
		t.OrderDiscount = percentOf(discounted, rule.Percent)
		if t.OrderDiscount > discounted {
			t.OrderDiscount = discounted
		}
		t.CouponApplied = true
	}

	t.Total = discounted + t.Shipping - t.OrderDiscount
	if t.Total < 0 {
		return Totals{}, errors.Wrap(ErrNegativeAmount, "total")
	}

	return t, nil
}

// percentOf returns pct% of amount, rounded to the nearest whole unit.
func percentOf(amount int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(pct).Div(hundred).Round(0).IntPart()
}

// ShippingCost resolves the shipping fee for a delivery method and an
// optional zone fee. It exists so cart views and order creation share one
// rule: pickup is free, local delivery costs the zone fee, and the fallback
// estimate is only for carts that have not selected a zone yet.
func ShippingCost(pickup bool, zoneFee *int64, fallback int64) int64 {
	if pickup {
		return 0
	}
	if zoneFee != nil {
		return *zoneFee
	}
	return fallback
}
