// README: Notification inbox backed by PostgreSQL (device_tokens, notifications).
package notify

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"ifarma/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Pharmacy messages belong to the pharmacy owner's account.
const recipientUser = `
	SELECT CASE WHEN $1::text = 'pharmacy'
	            THEN (SELECT owner_id FROM pharmacies WHERE id = $2::text)
	            ELSE $2::text END`

func (s *Store) Save(ctx context.Context, m Message) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO notifications (user_id, order_id, kind, title, body, dedupe_key, created_at)
		SELECT u.user_id, $3, $4, $5, $6, $7, $8
		FROM (`+recipientUser+` AS user_id) u
		WHERE u.user_id IS NOT NULL
		ON CONFLICT (user_id, dedupe_key) DO NOTHING`,
		string(m.Audience), string(m.RecipientID), nullableID(m.OrderID), m.Kind, m.Title, m.Body, m.DedupeKey, m.At,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Tokens(ctx context.Context, a Audience, recipient types.ID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT token FROM device_tokens
		WHERE user_id = (`+recipientUser+`)`,
		string(a), string(recipient),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *Store) RegisterToken(ctx context.Context, userID types.ID, token, platform string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_tokens (user_id, token, platform, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, token) DO UPDATE SET platform = EXCLUDED.platform, updated_at = NOW()`,
		string(userID), token, platform,
	)
	return err
}

func nullableID(id types.ID) *string {
	if id == "" {
		return nil
	}
	v := string(id)
	return &v
}
