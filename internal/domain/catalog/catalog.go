package catalog

import (
	"context"

	"github.com/go-faster/errors"
)

// Kind discriminates the two purchasable entity types.
type Kind string

const (
	KindProduct Kind = "product"
	KindCourse  Kind = "course"
)

var (
	// ErrNotFound is returned when a referenced catalog entry does not exist.
	ErrNotFound = errors.New("catalog entry not found")
	// ErrInsufficientStock is returned when an atomic stock decrement would
	// take the available quantity below zero.
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Ref identifies one catalog entry.
type Ref struct {
	Kind Kind
	ID   string
}

// Discount is an item-level percentage discount. It only affects pricing
// while Active is true.
type Discount struct {
	Percent int
	Active  bool
}

// Variant is a purchasable variation of a product. Its price overrides the
// product's base price when selected.
type Variant struct {
	SKU   string
	Price int64
	Stock int
}

// Product is a physical catalog item. Prices are whole UGX.
type Product struct {
	ID       string
	Title    string
	Price    int64
	Stock    int
	Discount *Discount
	Variants []Variant
}

// HasVariants reports whether purchases of this product must select a variant.
func (p *Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// Variant returns the variant with the given SKU, or nil.
func (p *Product) Variant(sku string) *Variant {
	for i := range p.Variants {
		if p.Variants[i].SKU == sku {
			return &p.Variants[i]
		}
	}
	return nil
}

// Course is a bookable training course. Courses have no stock.
type Course struct {
	ID       string
	Title    string
	Price    int64
	Discount *Discount
}

// Entry is the tagged union handed to the pricing calculator. Exactly one of
// Product and Course is set, matching Kind. Untyped store documents never
// cross this boundary; the repository validates rows into Entry values.
type Entry struct {
	Kind    Kind
	Product *Product
	Course  *Course
}

// Validate checks the tag/payload agreement of the union.
func (e Entry) Validate() error {
	switch e.Kind {
	case KindProduct:
		if e.Product == nil || e.Course != nil {
			return errors.New("product entry must carry exactly a product payload")
		}
	case KindCourse:
		if e.Course == nil || e.Product != nil {
			return errors.New("course entry must carry exactly a course payload")
		}
	default:
		return errors.Errorf("unknown catalog kind %q", e.Kind)
	}
	return nil
}

// Title returns the display title of the underlying entity.
func (e Entry) Title() string {
	if e.Kind == KindCourse {
		return e.Course.Title
	}
	return e.Product.Title
}

// StockDelta is one atomic stock adjustment. Positive Delta restores stock,
// negative consumes it.
type StockDelta struct {
	ProductID  string
	VariantSKU string
	Delta      int
}

// Repository provides point-in-time catalog reads and atomic stock
// adjustments. Stock writes are single UPDATE statements at the store layer,
// never read-modify-write.
type Repository interface {
	GetEntries(ctx context.Context, refs []Ref) (map[Ref]Entry, error)
	AdjustStock(ctx context.Context, deltas []StockDelta) error
}
