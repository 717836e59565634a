package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/kapcdam/shop-api/internal/domain/catalog"
)

var (
	// ErrInvalidQuantity is returned when a quantity is negative, or zero
	// where zero is not a removal.
	ErrInvalidQuantity = errors.New("quantity must not be negative")
	// ErrLineNotFound is returned when a referenced cart line does not exist.
	ErrLineNotFound = errors.New("cart line not found")
	// ErrNotFound is returned when a user has no cart yet.
	ErrNotFound = errors.New("cart not found")
	// ErrVariantNotFound is returned when a line selects a variant SKU the
	// product does not have.
	ErrVariantNotFound = errors.New("product variant not found")
	// ErrVariantRequired is returned when a product has variants but the line
	// selects none.
	ErrVariantRequired = errors.New("product requires a variant selection")
)

// Key identifies a line within a cart. A cart holds at most one line per key;
// adding a duplicate key merges quantities instead of appending.
type Key struct {
	Kind       catalog.Kind
	Ref        string
	VariantSKU string
}

// Line is one purchasable unit in a cart.
type Line struct {
	ID         string
	Kind       catalog.Kind
	Ref        string
	VariantSKU string
	Quantity   int
	AddedAt    time.Time

	// PreferredStartDate is only meaningful for course lines.
	PreferredStartDate *time.Time
}

// Key returns the merge identity of the line.
func (l Line) Key() Key {
	return Key{Kind: l.Kind, Ref: l.Ref, VariantSKU: l.VariantSKU}
}

// CatalogRef returns the catalog reference of the line.
func (l Line) CatalogRef() catalog.Ref {
	return catalog.Ref{Kind: l.Kind, ID: l.Ref}
}

// Cart is the mutable pre-order container owned by one user. Derived values
// (item count) are always recomputed from the lines.
type Cart struct {
	ID        string
	UserID    string
	Lines     []Line
	UpdatedAt time.Time
}

// ItemCount returns the total quantity across all lines.
func (c *Cart) ItemCount() int {
	n := 0
	for _, l := range c.Lines {
		n += l.Quantity
	}
	return n
}

// Find returns the line with the given ID, or nil.
func (c *Cart) Find(lineID string) *Line {
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			return &c.Lines[i]
		}
	}
	return nil
}

func (c *Cart) findByKey(k Key) *Line {
	for i := range c.Lines {
		if c.Lines[i].Key() == k {
			return &c.Lines[i]
		}
	}
	return nil
}

// AddLine adds quantity of the given catalog reference to the cart. When a
// line with the same (kind, ref, variant) already exists its quantity is
// incremented; otherwise a new line is appended. Stock is not checked here;
// checkout re-validates against the catalog.
func (c *Cart) AddLine(l Line) error {
	if l.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if existing := c.findByKey(l.Key()); existing != nil {
		existing.Quantity += l.Quantity
		if l.PreferredStartDate != nil {
			existing.PreferredStartDate = l.PreferredStartDate
		}
		return nil
	}
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.AddedAt.IsZero() {
		l.AddedAt = time.Now()
	}
	c.Lines = append(c.Lines, l)
	return nil
}

// UpdateQuantity sets the quantity of an existing line. Zero removes the
// line; negative quantities are rejected.
func (c *Cart) UpdateQuantity(lineID string, quantity int) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}
	if quantity == 0 {
		return c.RemoveLine(lineID)
	}
	l := c.Find(lineID)
	if l == nil {
		return ErrLineNotFound
	}
	l.Quantity = quantity
	return nil
}

// RemoveLine deletes the line with the given ID.
func (c *Cart) RemoveLine(lineID string) error {
	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
			return nil
		}
	}
	return ErrLineNotFound
}

// MergeFrom folds the lines of an anonymous cart into this one: quantities of
// matching (kind, ref, variant) lines are summed, the rest are appended. The
// caller must discard the source after a successful merge; merging the same
// source twice double-counts quantities by design of the sum semantics.
func (c *Cart) MergeFrom(lines []Line) error {
	for _, l := range lines {
		if l.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if err := c.AddLine(l); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes all lines, keeping the cart itself.
func (c *Cart) Clear() {
	c.Lines = nil
}

// Repository persists carts keyed by owning user.
type Repository interface {
	// GetByUser returns the user's cart, or ErrNotFound.
	GetByUser(ctx context.Context, userID string) (*Cart, error)
	// Save upserts the cart and replaces its full line set.
	Save(ctx context.Context, c *Cart) error
	// ClearLines deletes all lines of the user's cart without deleting the
	// cart itself.
	ClearLines(ctx context.Context, userID string) error
}
