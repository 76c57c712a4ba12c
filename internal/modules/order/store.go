// README: Order store backed by PostgreSQL; status and courier writes are conditional.
package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ifarma/internal/maps"
	"ifarma/internal/types"
)

const pgForeignKeyViolation = "23503"

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Create(ctx context.Context, o *Order, items []LineItem) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var dropLat, dropLng *float64
	if o.Dropoff != nil {
		dropLat, dropLng = &o.Dropoff.Lat, &o.Dropoff.Lng
	}
	var routePolyline, routeDistText, routeDurText *string
	var routeKm *float64
	if o.Route != nil {
		routePolyline, routeDistText, routeDurText = &o.Route.Polyline, &o.Route.DistanceText, &o.Route.DurationText
		routeKm = &o.Route.DistanceKm
	}
	var changeFor decimal.NullDecimal
	if o.ChangeFor != nil {
		changeFor = decimal.NewNullDecimal(*o.ChangeFor)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (
			id, customer_id, pharmacy_id, courier_id, status, status_version,
			subtotal, delivery_fee, total_price, payment_method, change_for,
			address, pickup_lat, pickup_lng, latitude, longitude,
			route_polyline, route_distance_text, route_duration_text, route_distance_km,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22
		)`,
		string(o.ID), string(o.CustomerID), string(o.PharmacyID), toStringPtr(o.CourierID), string(o.Status), o.StatusVersion,
		o.Subtotal, o.DeliveryFee, o.TotalPrice, string(o.PaymentMethod), changeFor,
		o.Address, o.Pickup.Lat, o.Pickup.Lng, dropLat, dropLng,
		routePolyline, routeDistText, routeDurText, routeKm,
		o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`INSERT INTO order_items (order_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)`,
			string(o.ID), string(it.ProductID), it.Quantity, it.UnitPrice)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, customer_id, pharmacy_id, courier_id, status, status_version,
		       subtotal, delivery_fee, total_price, payment_method, change_for,
		       address, COALESCE(pickup_lat, 0), COALESCE(pickup_lng, 0), latitude, longitude,
		       route_polyline, route_distance_text, route_duration_text, route_distance_km,
		       created_at, updated_at, delivered_at, cancelled_at, cancellation_reason
		FROM orders
		WHERE id = $1`, string(id),
	)

	var o Order
	var courierID sql.NullString
	var changeFor decimal.NullDecimal
	var lat, lng, routeKm sql.NullFloat64
	var polyline, distText, durText sql.NullString
	var deliveredAt, cancelledAt sql.NullTime
	var reason sql.NullString

	err := row.Scan(
		&o.ID, &o.CustomerID, &o.PharmacyID, &courierID, &o.Status, &o.StatusVersion,
		&o.Subtotal, &o.DeliveryFee, &o.TotalPrice, &o.PaymentMethod, &changeFor,
		&o.Address, &o.Pickup.Lat, &o.Pickup.Lng, &lat, &lng,
		&polyline, &distText, &durText, &routeKm,
		&o.CreatedAt, &o.UpdatedAt, &deliveredAt, &cancelledAt, &reason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if courierID.Valid {
		c := types.ID(courierID.String)
		o.CourierID = &c
	}
	if changeFor.Valid {
		v := changeFor.Decimal
		o.ChangeFor = &v
	}
	if lat.Valid && lng.Valid {
		o.Dropoff = &types.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	if routeKm.Valid {
		o.Route = &maps.Route{
			DistanceKm:   routeKm.Float64,
			DistanceText: distText.String,
			DurationText: durText.String,
			Polyline:     polyline.String,
		}
	}
	o.DeliveredAt = toTimePtr(deliveredAt)
	o.CancelledAt = toTimePtr(cancelledAt)
	if reason.Valid {
		o.CancellationReason = &reason.String
	}
	return &o, nil
}

func (s *Store) Items(ctx context.Context, id types.ID) ([]LineItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT product_id, quantity, unit_price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// UpdateStatus applies the transition if the row still has the expected
// status and version. Terminal statuses clear the courier on both sides in
// the same transaction.
func (s *Store) UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1::text,
		    status_version = status_version + 1,
		    updated_at = $2,
		    delivered_at = CASE WHEN $1::text = 'entregue' THEN $2 ELSE delivered_at END,
		    cancelled_at = CASE WHEN $1::text = 'cancelado' THEN $2 ELSE cancelled_at END,
		    cancellation_reason = CASE WHEN $1::text = 'cancelado' THEN $3::text ELSE cancellation_reason END,
		    courier_id = CASE WHEN $1::text IN ('entregue', 'cancelado') THEN NULL ELSE courier_id END
		WHERE id = $4 AND status = $5 AND status_version = $6`,
		string(u.To),
		u.At,
		u.Reason,
		string(u.OrderID),
		string(u.From),
		u.Version,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if u.To.Terminal() {
		if _, err := tx.Exec(ctx, `UPDATE couriers SET current_order_id = NULL WHERE current_order_id = $1`, string(u.OrderID)); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Assign binds the courier with two conditional writes in one transaction:
// the order row first (same lock order as UpdateStatus), then the courier's
// free/busy pointer.
func (s *Store) Assign(ctx context.Context, a Assignment) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET courier_id = $1,
		    status = $2,
		    status_version = status_version + 1,
		    updated_at = $3
		WHERE id = $4 AND status = $5 AND status_version = $6 AND courier_id IS NULL`,
		string(a.CourierID),
		string(a.To),
		a.At,
		string(a.OrderID),
		string(a.From),
		a.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrCourierUnavailable
		}
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	tag, err = tx.Exec(ctx, `
		UPDATE couriers
		SET current_order_id = $1
		WHERE id = $2 AND is_active AND current_order_id IS NULL`,
		string(a.OrderID),
		string(a.CourierID),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrCourierUnavailable
	}
	return tx.Commit(ctx)
}

func (s *Store) SaveRoute(ctx context.Context, id types.ID, r maps.Route) error {
	_, err := s.db.Exec(ctx, `
		UPDATE orders
		SET route_polyline = $1, route_distance_text = $2, route_duration_text = $3, route_distance_km = $4
		WHERE id = $5`,
		r.Polyline, r.DistanceText, r.DurationText, r.DistanceKm, string(id),
	)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO order_state_events (
			order_id, from_status, to_status, actor_type, actor_id, courier_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		toStringPtr(e.CourierID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

func (s *Store) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, order_id, from_status, to_status, actor_type, actor_id, courier_id, reason, created_at
		FROM order_state_events
		WHERE order_id = $1
		ORDER BY id`, string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var actorID, courierID, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &courierID, &reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ActorID = toIDPtr(actorID)
		e.CourierID = toIDPtr(courierID)
		if reason.Valid {
			e.Reason = &reason.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE status IN ('pendente', 'preparando', 'em_rota')`,
	).Scan(&n)
	return n, err
}

// Prices returns active catalog prices for the pharmacy's products.
func (s *Store) Prices(ctx context.Context, pharmacyID types.ID, productIDs []types.ID) (map[types.ID]decimal.Decimal, error) {
	ids := make([]string, len(productIDs))
	for i, id := range productIDs {
		ids[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, price FROM products
		WHERE pharmacy_id = $1 AND is_active AND id = ANY($2)`,
		string(pharmacyID), ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prices := make(map[types.ID]decimal.Decimal, len(ids))
	for rows.Next() {
		var id types.ID
		var price decimal.Decimal
		if err := rows.Scan(&id, &price); err != nil {
			return nil, err
		}
		prices[id] = price
	}
	return prices, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIDPtr(v sql.NullString) *types.ID {
	if !v.Valid {
		return nil
	}
	id := types.ID(v.String)
	return &id
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
