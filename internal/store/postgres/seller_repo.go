package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avtolov/avtolov/internal/model"
)

type sellerRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *sellerRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Seller, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s model.Seller
	err := sqlx.GetContext(ctx, r.ext, &s, `
		SELECT id, phone_hash, name, contact_count, blacklisted, created_at, updated_at
		FROM sellers WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get seller", err)
	}
	return &s, nil
}

// UpsertByPhoneHash creates the seller on first observation; repeat
// observations bump contact_count and keep the earliest non-null name.
func (r *sellerRepo) UpsertByPhoneHash(ctx context.Context, phoneHash string, name *string) (*model.Seller, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s model.Seller
	err := sqlx.GetContext(ctx, r.ext, &s, `
		INSERT INTO sellers (id, phone_hash, name, contact_count, blacklisted, created_at, updated_at)
		VALUES ($1, $2, $3, 1, false, now(), now())
		ON CONFLICT (phone_hash) DO UPDATE SET
			contact_count = sellers.contact_count + 1,
			name = COALESCE(sellers.name, EXCLUDED.name),
			updated_at = now()
		RETURNING id, phone_hash, name, contact_count, blacklisted, created_at, updated_at`,
		uuid.New(), phoneHash, name)
	if err != nil {
		return nil, classify("upsert seller", err)
	}
	return &s, nil
}
