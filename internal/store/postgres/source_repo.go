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

type sourceRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

func (r *sourceRepo) GetByName(ctx context.Context, name string) (*model.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var src model.Source
	err := sqlx.GetContext(ctx, r.ext, &src, `
		SELECT id, name, base_url, enabled, crawl_interval_s, created_at, updated_at
		FROM sources WHERE name = $1`, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get source by name", err)
	}
	return &src, nil
}

func (r *sourceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var src model.Source
	err := sqlx.GetContext(ctx, r.ext, &src, `
		SELECT id, name, base_url, enabled, crawl_interval_s, created_at, updated_at
		FROM sources WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get source by id", err)
	}
	return &src, nil
}

func (r *sourceRepo) Upsert(ctx context.Context, src model.Source) (*model.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	err := sqlx.GetContext(ctx, r.ext, &src, `
		INSERT INTO sources (id, name, base_url, enabled, crawl_interval_s, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (name) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			enabled = EXCLUDED.enabled,
			crawl_interval_s = EXCLUDED.crawl_interval_s,
			updated_at = now()
		RETURNING id, name, base_url, enabled, crawl_interval_s, created_at, updated_at`,
		src.ID, src.Name, src.BaseURL, src.Enabled, src.CrawlIntervalS)
	if err != nil {
		return nil, classify("upsert source", err)
	}
	return &src, nil
}

func (r *sourceRepo) ListEnabled(ctx context.Context) ([]model.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.Source
	err := sqlx.SelectContext(ctx, r.ext, &out, `
		SELECT id, name, base_url, enabled, crawl_interval_s, created_at, updated_at
		FROM sources WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, classify("list enabled sources", err)
	}
	return out, nil
}
