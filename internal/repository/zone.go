package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kapcdam/shop-api/internal/domain/delivery"
)

const getZoneByIDSQL = `SELECT id, name, fee FROM delivery_zones WHERE id = $1 AND active = TRUE`

var _ delivery.Repository = (*ZoneRepository)(nil)

// ZoneRepository implements delivery.Repository backed by PostgreSQL.
type ZoneRepository struct {
	pool *pgxpool.Pool
}

// NewZoneRepository returns a ZoneRepository that uses the given pool.
func NewZoneRepository(pool *pgxpool.Pool) *ZoneRepository {
	return &ZoneRepository{pool: pool}
}

// GetZone returns an active delivery zone by id.
func (r *ZoneRepository) GetZone(ctx context.Context, id string) (*delivery.Zone, error) {
	var z delivery.Zone
	err := r.pool.QueryRow(ctx, getZoneByIDSQL, id).Scan(&z.ID, &z.Name, &z.Fee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrZoneNotFound
		}
		return nil, fmt.Errorf("getting delivery zone %q: %w", id, err)
	}
	return &z, nil
}
