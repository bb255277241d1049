package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avtolov/avtolov/internal/model"
)

type duplicateLogRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *duplicateLogRepo) Append(ctx context.Context, d model.DuplicateDecision) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO duplicates_log (id, listing_id, duplicate_of, method, score, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.ListingID, d.DuplicateOf, d.Method, d.Score, d.DecidedAt)
	if err != nil {
		return classify("append duplicate decision", err)
	}
	return nil
}

func (r *duplicateLogRepo) ListByListing(ctx context.Context, listingID uuid.UUID) ([]model.DuplicateDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.DuplicateDecision
	err := sqlx.SelectContext(ctx, r.ext, &out, `
		SELECT id, listing_id, duplicate_of, method, score, decided_at
		FROM duplicates_log WHERE listing_id = $1
		ORDER BY decided_at`, listingID)
	if err != nil {
		return nil, classify("list duplicate decisions", err)
	}
	return out, nil
}
