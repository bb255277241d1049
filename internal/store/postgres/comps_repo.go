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

type compsRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const compsColumns = `id, listing_id, sample_size, mean, std_dev, p10, p25, p50,
	p75, p90, discount_pct, confidence, position, subject_price, model_version,
	computed_at`

func (r *compsRepo) Upsert(ctx context.Context, c model.Comparables) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ComputedAt.IsZero() {
		c.ComputedAt = time.Now().UTC()
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO comps_cache
			(id, listing_id, sample_size, mean, std_dev, p10, p25, p50, p75, p90,
			 discount_pct, confidence, position, subject_price, model_version, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (listing_id) DO UPDATE SET
			sample_size = EXCLUDED.sample_size,
			mean = EXCLUDED.mean,
			std_dev = EXCLUDED.std_dev,
			p10 = EXCLUDED.p10,
			p25 = EXCLUDED.p25,
			p50 = EXCLUDED.p50,
			p75 = EXCLUDED.p75,
			p90 = EXCLUDED.p90,
			discount_pct = EXCLUDED.discount_pct,
			confidence = EXCLUDED.confidence,
			position = EXCLUDED.position,
			subject_price = EXCLUDED.subject_price,
			model_version = EXCLUDED.model_version,
			computed_at = EXCLUDED.computed_at`,
		c.ID, c.ListingID, c.SampleSize, c.Mean, c.StdDev, c.P10, c.P25, c.P50,
		c.P75, c.P90, c.DiscountPct, c.Confidence, c.Position, c.SubjectPrice,
		c.ModelVersion, c.ComputedAt)
	if err != nil {
		return classify("upsert comparables", err)
	}
	return nil
}

func (r *compsRepo) GetByListing(ctx context.Context, listingID uuid.UUID) (*model.Comparables, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var c model.Comparables
	err := sqlx.GetContext(ctx, r.ext, &c,
		`SELECT `+compsColumns+` FROM comps_cache WHERE listing_id = $1`, listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get comparables", err)
	}
	return &c, nil
}
