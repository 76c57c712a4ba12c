// README: Pharmacy and delivery policy store backed by PostgreSQL.
package pricing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ifarma/internal/types"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPharmacy(ctx context.Context, id types.ID) (*Pharmacy, error) {
	row := s.db.QueryRow(ctx, `
		SELECT p.id, p.name, p.owner_id, p.latitude, p.longitude,
		       COALESCE(d.fee_model, 'fixed'), COALESCE(d.fixed_fee, 0), COALESCE(d.per_km_rate, 0),
		       COALESCE(d.fee_ranges, '[]'::jsonb), d.free_above_value, d.free_within_km,
		       d.max_distance_km, COALESCE(d.min_order_value, 0)
		FROM pharmacies p
		LEFT JOIN pharmacy_delivery_policies d ON d.pharmacy_id = p.id
		WHERE p.id = $1`, string(id),
	)

	var ph Pharmacy
	var model string
	var ranges []byte
	var freeAbove decimal.NullDecimal
	var freeWithin, maxDistance sql.NullFloat64

	err := row.Scan(
		&ph.ID, &ph.Name, &ph.OwnerID, &ph.Location.Lat, &ph.Location.Lng,
		&model, &ph.Policy.FixedFee, &ph.Policy.PerKmRate,
		&ranges, &freeAbove, &freeWithin,
		&maxDistance, &ph.Policy.MinOrderValue,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pharmacy %s: %w", id, err)
	}

	ph.Policy.PharmacyID = ph.ID
	ph.Policy.Model = FeeModel(model)
	if err := json.Unmarshal(ranges, &ph.Policy.Ranges); err != nil {
		return nil, fmt.Errorf("decode fee ranges for %s: %w", id, err)
	}
	if freeAbove.Valid {
		v := freeAbove.Decimal
		ph.Policy.FreeAboveValue = &v
	}
	ph.Policy.FreeWithinKm = toFloatPtr(freeWithin)
	ph.Policy.MaxDistanceKm = toFloatPtr(maxDistance)
	return &ph, nil
}

// SavePolicy upserts a pharmacy's delivery policy.
func (s *PostgresStore) SavePolicy(ctx context.Context, p Policy) error {
	if p.Ranges == nil {
		p.Ranges = []FeeRange{}
	}
	ranges, err := json.Marshal(p.Ranges)
	if err != nil {
		return err
	}
	var freeAbove decimal.NullDecimal
	if p.FreeAboveValue != nil {
		freeAbove = decimal.NewNullDecimal(*p.FreeAboveValue)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pharmacy_delivery_policies (
			pharmacy_id, fee_model, fixed_fee, per_km_rate, fee_ranges,
			free_above_value, free_within_km, max_distance_km, min_order_value
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (pharmacy_id) DO UPDATE SET
			fee_model = EXCLUDED.fee_model,
			fixed_fee = EXCLUDED.fixed_fee,
			per_km_rate = EXCLUDED.per_km_rate,
			fee_ranges = EXCLUDED.fee_ranges,
			free_above_value = EXCLUDED.free_above_value,
			free_within_km = EXCLUDED.free_within_km,
			max_distance_km = EXCLUDED.max_distance_km,
			min_order_value = EXCLUDED.min_order_value`,
		string(p.PharmacyID), string(p.Model), p.FixedFee, p.PerKmRate, ranges,
		freeAbove, p.FreeWithinKm, p.MaxDistanceKm, p.MinOrderValue,
	)
	return err
}

func toFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
