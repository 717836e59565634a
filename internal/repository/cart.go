package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kapcdam/shop-api/internal/domain/cart"
)

const (
	getCartByUserSQL = `SELECT id, user_id, updated_at FROM carts WHERE user_id = $1`

	getCartLinesSQL = `SELECT id, kind, ref, variant_sku, quantity, preferred_start_date, added_at
		FROM cart_lines WHERE cart_id = $1 ORDER BY added_at, id`

	upsertCartSQL = `INSERT INTO carts (id, user_id, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
		RETURNING id`

	deleteCartLinesSQL = `DELETE FROM cart_lines WHERE cart_id = $1`

	insertCartLineSQL = `INSERT INTO cart_lines (id, cart_id, kind, ref, variant_sku, quantity, preferred_start_date, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	clearCartLinesByUserSQL = `DELETE FROM cart_lines
		WHERE cart_id = (SELECT id FROM carts WHERE user_id = $1)`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// GetByUser returns the user's cart with all its lines.
func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	var c cart.Cart
	err := r.pool.QueryRow(ctx, getCartByUserSQL, userID).Scan(&c.ID, &c.UserID, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart for user %q: %w", userID, err)
	}

	rows, err := r.pool.Query(ctx, getCartLinesSQL, c.ID)
	if err != nil {
		return nil, fmt.Errorf("getting cart lines: %w", err)
	}
	c.Lines, err = pgx.CollectRows(rows, scanCartLine)
	if err != nil {
		return nil, fmt.Errorf("scanning cart lines: %w", err)
	}
	return &c, nil
}

// Save upserts the cart row and replaces its full line set atomically.
func (r *CartRepository) Save(ctx context.Context, c *cart.Cart) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var cartID string
		err := tx.QueryRow(ctx, upsertCartSQL, c.ID, c.UserID).Scan(&cartID)
		if err != nil {
			return fmt.Errorf("upserting cart for user %q: %w", c.UserID, err)
		}

		if _, err := tx.Exec(ctx, deleteCartLinesSQL, cartID); err != nil {
			return fmt.Errorf("clearing cart lines: %w", err)
		}

		for _, l := range c.Lines {
			_, err := tx.Exec(ctx, insertCartLineSQL,
				l.ID, cartID, l.Kind, l.Ref, l.VariantSKU, l.Quantity, l.PreferredStartDate, l.AddedAt,
			)
			if err != nil {
				return fmt.Errorf("inserting cart line %q: %w", l.ID, err)
			}
		}
		return nil
	})
}

// ClearLines removes all lines of the user's cart, keeping the cart row.
func (r *CartRepository) ClearLines(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx, clearCartLinesByUserSQL, userID); err != nil {
		return fmt.Errorf("clearing cart for user %q: %w", userID, err)
	}
	return nil
}

func scanCartLine(row pgx.CollectableRow) (cart.Line, error) {
	var l cart.Line
	err := row.Scan(&l.ID, &l.Kind, &l.Ref, &l.VariantSKU, &l.Quantity, &l.PreferredStartDate, &l.AddedAt)
	return l, err
}
