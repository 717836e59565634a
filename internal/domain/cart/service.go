package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapcdam/shop-api/internal/cache"
	"github.com/kapcdam/shop-api/internal/domain/catalog"
)

// Service owns cart mutations. Every write re-validates the referenced
// catalog entry so a cart can only ever point at things that exist; prices
// are still re-resolved at checkout, never trusted from the cart.
type Service struct {
	carts   Repository
	catalog catalog.Repository
	cache   cache.Store
}

// NewService creates a cart service.
func NewService(carts Repository, cat catalog.Repository, store cache.Store) *Service {
	return &Service{carts: carts, catalog: cat, cache: store}
}

// Get returns the user's cart. A user without a cart gets a fresh empty one;
// absence is not an error at this surface.
func (s *Service) Get(ctx context.Context, userID string) (*Cart, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Cart{ID: uuid.New().String(), UserID: userID, UpdatedAt: time.Now()}, nil
		}
		return nil, err
	}
	return c, nil
}

// Add validates the catalog reference and merges the line into the cart.
func (s *Service) Add(ctx context.Context, userID string, line Line) (*Cart, error) {
	if line.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	entries, err := s.catalog.GetEntries(ctx, []catalog.Ref{line.CatalogRef()})
	if err != nil {
		return nil, errors.Wrap(err, "fetch catalog entry")
	}
	entry, ok := entries[line.CatalogRef()]
	if !ok {
		return nil, errors.Wrapf(catalog.ErrNotFound, "%s %s", line.Kind, line.Ref)
	}
	if err := validateLineAgainst(line, entry); err != nil {
		return nil, err
	}

	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.AddLine(line); err != nil {
		return nil, err
	}
	return c, s.save(ctx, c)
}

// UpdateItem sets the quantity of an existing line; zero removes it.
func (s *Service) UpdateItem(ctx context.Context, userID, lineID string, quantity int) (*Cart, error) {
	c, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.UpdateQuantity(lineID, quantity); err != nil {
		return nil, err
	}
	return c, s.save(ctx, c)
}

// Clear removes all lines from the user's cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.carts.ClearLines(ctx, userID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// Sync folds a batch of client-held lines (an anonymous pre-login cart) into
// the user's server cart. Each line is validated against the catalog first;
// unknown references fail the whole sync so the client can surface them.
func (s *Service) Sync(ctx context.Context, userID string, lines []Line) (*Cart, error) {
	if len(lines) == 0 {
		return s.Get(ctx, userID)
	}

	refs := make([]catalog.Ref, 0, len(lines))
	for _, l := range lines {
		refs = append(refs, l.CatalogRef())
	}
	entries, err := s.catalog.GetEntries(ctx, refs)
	if err != nil {
		return nil, errors.Wrap(err, "fetch catalog entries")
	}
	for _, l := range lines {
		entry, ok := entries[l.CatalogRef()]
		if !ok {
			return nil, errors.Wrapf(catalog.ErrNotFound, "%s %s", l.Kind, l.Ref)
		}
		if err := validateLineAgainst(l, entry); err != nil {
			return nil, err
		}
	}

	c, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.MergeFrom(lines); err != nil {
		return nil, err
	}
	return c, s.save(ctx, c)
}

func (s *Service) save(ctx context.Context, c *Cart) error {
	c.UpdatedAt = time.Now()
	if err := s.carts.Save(ctx, c); err != nil {
		return err
	}
	s.invalidate(ctx, c.UserID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, cache.CartKey(userID)); err != nil {
		zctx.From(ctx).Warn("Cart cache invalidation failed",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// validateLineAgainst checks kind and variant agreement between a cart line
// and its catalog entry.
func validateLineAgainst(l Line, entry catalog.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if l.Kind != entry.Kind {
		return errors.Errorf("cart line kind %s does not match catalog entry %s", l.Kind, entry.Kind)
	}
	if entry.Kind != catalog.KindProduct {
		return nil
	}

	p := entry.Product
	switch {
	case l.VariantSKU != "":
		if p.Variant(l.VariantSKU) == nil {
			return errors.Wrapf(ErrVariantNotFound, "product %s variant %q", p.ID, l.VariantSKU)
		}
	case p.HasVariants():
		return errors.Wrapf(ErrVariantRequired, "product %s", p.ID)
	}
	return nil
}
