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

type priceRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

// Append records a price observation only when it differs from the latest one,
// keeping the log an actual change history rather than a crawl history.
func (r *priceRepo) Append(ctx context.Context, listingID uuid.UUID, priceBGN float64, seenAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO prices_history (id, listing_id, price_bgn, seen_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM prices_history
			WHERE listing_id = $2 AND price_bgn = $3
				AND seen_at = (SELECT max(seen_at) FROM prices_history WHERE listing_id = $2)
		)`, uuid.New(), listingID, priceBGN, seenAt)
	if err != nil {
		return classify("append price point", err)
	}
	return nil
}

func (r *priceRepo) Latest(ctx context.Context, listingID uuid.UUID) (*model.PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var p model.PricePoint
	err := sqlx.GetContext(ctx, r.ext, &p, `
		SELECT id, listing_id, price_bgn, seen_at
		FROM prices_history WHERE listing_id = $1
		ORDER BY seen_at DESC LIMIT 1`, listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get latest price", err)
	}
	return &p, nil
}

func (r *priceRepo) History(ctx context.Context, listingID uuid.UUID, limit int) ([]model.PricePoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.PricePoint
	err := sqlx.SelectContext(ctx, r.ext, &out, `
		SELECT id, listing_id, price_bgn, seen_at
		FROM prices_history WHERE listing_id = $1
		ORDER BY seen_at DESC LIMIT $2`, listingID, limit)
	if err != nil {
		return nil, classify("get price history", err)
	}
	return out, nil
}
