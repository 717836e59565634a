package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kapcdam/shop-api/internal/domain/catalog"
)

const (
	getProductsByIDsSQL = `SELECT id, title, price, stock, discount_percent, discount_active
		FROM products WHERE id = ANY($1)`

	getVariantsByProductIDsSQL = `SELECT product_id, sku, price, stock
		FROM product_variants WHERE product_id = ANY($1) ORDER BY sku`

	getCoursesByIDsSQL = `SELECT id, title, price, discount_percent, discount_active
		FROM courses WHERE id = ANY($1)`

	// The stock guard lives in the WHERE clause so a decrement past zero
	// affects no rows instead of going negative.
	adjustVariantStockSQL = `UPDATE product_variants SET stock = stock + $3
		WHERE product_id = $1 AND sku = $2 AND stock + $3 >= 0`

	adjustProductStockSQL = `UPDATE products SET stock = stock + $2
		WHERE id = $1 AND stock + $2 >= 0`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetEntries fetches the catalog entries for the given refs. Missing refs are
// simply absent from the result map; callers decide whether that is an error.
func (r *CatalogRepository) GetEntries(ctx context.Context, refs []catalog.Ref) (map[catalog.Ref]catalog.Entry, error) {
	var productIDs, courseIDs []string
	for _, ref := range refs {
		switch ref.Kind {
		case catalog.KindProduct:
			productIDs = append(productIDs, ref.ID)
		case catalog.KindCourse:
			courseIDs = append(courseIDs, ref.ID)
		}
	}

	entries := make(map[catalog.Ref]catalog.Entry, len(refs))

	if len(productIDs) > 0 {
		products, err := r.getProducts(ctx, productIDs)
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			entries[catalog.Ref{Kind: catalog.KindProduct, ID: p.ID}] = catalog.Entry{
				Kind:    catalog.KindProduct,
				Product: p,
			}
		}
	}

	if len(courseIDs) > 0 {
		rows, err := r.pool.Query(ctx, getCoursesByIDsSQL, courseIDs)
		if err != nil {
			return nil, fmt.Errorf("getting courses: %w", err)
		}
		courses, err := pgx.CollectRows(rows, scanCourse)
		if err != nil {
			return nil, fmt.Errorf("scanning courses: %w", err)
		}
		for i := range courses {
			entries[catalog.Ref{Kind: catalog.KindCourse, ID: courses[i].ID}] = catalog.Entry{
				Kind:   catalog.KindCourse,
				Course: &courses[i],
			}
		}
	}

	return entries, nil
}

func (r *CatalogRepository) getProducts(ctx context.Context, ids []string) ([]*catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("scanning products: %w", err)
	}

	byID := make(map[string]*catalog.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	vrows, err := r.pool.Query(ctx, getVariantsByProductIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting product variants: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var (
			productID string
			v         catalog.Variant
		)
		if err := vrows.Scan(&productID, &v.SKU, &v.Price, &v.Stock); err != nil {
			return nil, fmt.Errorf("scanning product variant: %w", err)
		}
		if p, ok := byID[productID]; ok {
			p.Variants = append(p.Variants, v)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, fmt.Errorf("reading product variants: %w", err)
	}

	return products, nil
}

// AdjustStock applies each delta as a single conditional UPDATE. A delta that
// would take stock below zero affects no rows and fails the whole call with
// catalog.ErrInsufficientStock.
func (r *CatalogRepository) AdjustStock(ctx context.Context, deltas []catalog.StockDelta) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return adjustStockTx(ctx, tx, deltas)
	})
}

// adjustStockTx is shared with the order repository so stock movement can
// join an order transaction.
func adjustStockTx(ctx context.Context, tx pgx.Tx, deltas []catalog.StockDelta) error {
	for _, d := range deltas {
		var (
			tag interface{ RowsAffected() int64 }
			err error
		)
		if d.VariantSKU != "" {
			tag, err = tx.Exec(ctx, adjustVariantStockSQL, d.ProductID, d.VariantSKU, d.Delta)
		} else {
			tag, err = tx.Exec(ctx, adjustProductStockSQL, d.ProductID, d.Delta)
		}
		if err != nil {
			return fmt.Errorf("adjusting stock for %q: %w", d.ProductID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("adjusting stock for %q: %w", d.ProductID, catalog.ErrInsufficientStock)
		}
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (*catalog.Product, error) {
	var (
		p               catalog.Product
		discountPercent int
		discountActive  bool
	)
	err := row.Scan(&p.ID, &p.Title, &p.Price, &p.Stock, &discountPercent, &discountActive)
	if discountPercent > 0 {
		p.Discount = &catalog.Discount{Percent: discountPercent, Active: discountActive}
	}
	return &p, err
}

func scanCourse(row pgx.CollectableRow) (catalog.Course, error) {
	var (
		c               catalog.Course
		discountPercent int
		discountActive  bool
	)
	err := row.Scan(&c.ID, &c.Title, &c.Price, &discountPercent, &discountActive)
	if discountPercent > 0 {
		c.Discount = &catalog.Discount{Percent: discountPercent, Active: discountActive}
	}
	return c, err
}
