// README: Courier store backed by PostgreSQL (profiles, availability, route history).
package courier

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ifarma/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const courierColumns = `id, name, is_active, is_online, current_order_id, last_lat, last_lng, last_seen_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Courier, error) {
	row := s.db.QueryRow(ctx, `SELECT `+courierColumns+` FROM couriers WHERE id = $1`, string(id))
	c, err := scanCourier(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListIdle returns active, online couriers without a current order.
func (s *Store) ListIdle(ctx context.Context, limit int) ([]*Courier, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+courierColumns+`
		FROM couriers
		WHERE is_active AND is_online AND current_order_id IS NULL
		ORDER BY last_seen_at DESC NULLS LAST
		LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Courier
	for rows.Next() {
		c, err := scanCourier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SavePosition stores the last known position and appends a route_history row.
func (s *Store) SavePosition(ctx context.Context, id types.ID, p types.Point, at time.Time, orderID *types.ID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE couriers SET last_lat = $1, last_lng = $2, last_seen_at = $3
		WHERE id = $4`, p.Lat, p.Lng, at, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	var order *string
	if orderID != nil {
		v := string(*orderID)
		order = &v
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO route_history (courier_id, order_id, latitude, longitude, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`, string(id), order, p.Lat, p.Lng, at); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) SetOnline(ctx context.Context, id types.ID, online bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE couriers SET is_online = $1 WHERE id = $2`, online, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrNotFound
	}
	return nil
}

func scanCourier(row pgx.Row) (*Courier, error) {
	var c Courier
	var current sql.NullString
	var lat, lng sql.NullFloat64
	var seen sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.IsActive, &c.IsOnline, &current, &lat, &lng, &seen); err != nil {
		return nil, err
	}
	if current.Valid {
		id := types.ID(current.String)
		c.CurrentOrderID = &id
	}
	if lat.Valid && lng.Valid {
		c.Position = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if seen.Valid {
		t := seen.Time
		c.LastSeenAt = &t
	}
	return &c, nil
}
