package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avtolov/avtolov/internal/model"
)

type brandModelRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const brandModelColumns = `id, brand, model, aliases, locale, normalized_brand,
	normalized_model, active, created_at`

func (r *brandModelRepo) ListActive(ctx context.Context) ([]model.BrandModelMapping, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.BrandModelMapping
	err := sqlx.SelectContext(ctx, r.ext, &out,
		`SELECT `+brandModelColumns+` FROM brand_models WHERE active ORDER BY brand, model`)
	if err != nil {
		return nil, classify("list brand models", err)
	}
	for i := range out {
		if len(out[i].AliasesJSON) > 0 {
			if err := json.Unmarshal(out[i].AliasesJSON, &out[i].Aliases); err != nil {
				return nil, fmt.Errorf("decode brand model aliases: %w", err)
			}
		}
	}
	return out, nil
}

func (r *brandModelRepo) Upsert(ctx context.Context, m model.BrandModelMapping) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.AliasesJSON == nil {
		encoded, err := json.Marshal(m.Aliases)
		if err != nil {
			return fmt.Errorf("encode brand model aliases: %w", err)
		}
		m.AliasesJSON = encoded
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO brand_models
			(id, brand, model, aliases, locale, normalized_brand,
			 normalized_model, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (brand, model, locale) DO UPDATE SET
			aliases = EXCLUDED.aliases,
			normalized_brand = EXCLUDED.normalized_brand,
			normalized_model = EXCLUDED.normalized_model,
			active = EXCLUDED.active`,
		m.ID, m.Brand, m.Model, m.AliasesJSON, m.Locale, m.NormalizedBrand,
		m.NormalizedModel, m.Active)
	if err != nil {
		return classify("upsert brand model", err)
	}
	return nil
}
