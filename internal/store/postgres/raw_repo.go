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

type rawRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const rawColumns = `id, source_id, site_ad_id, url, raw_html, parsed_data,
	first_seen_at, last_seen_at, is_active, http_status, etag, last_modified,
	parse_errors, created_at, updated_at`

func (r *rawRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.RawListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var raw model.RawListing
	err := sqlx.GetContext(ctx, r.ext, &raw,
		`SELECT `+rawColumns+` FROM listings_raw WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get raw listing", err)
	}
	return &raw, nil
}

func (r *rawRepo) GetBySiteAd(ctx context.Context, sourceID uuid.UUID, siteAdID string) (*model.RawListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var raw model.RawListing
	err := sqlx.GetContext(ctx, r.ext, &raw,
		`SELECT `+rawColumns+` FROM listings_raw WHERE source_id = $1 AND site_ad_id = $2`,
		sourceID, siteAdID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get raw by site ad", err)
	}
	return &raw, nil
}

func (r *rawRepo) Insert(ctx context.Context, raw model.RawListing) (*model.RawListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if raw.ID == uuid.Nil {
		raw.ID = uuid.New()
	}
	err := sqlx.GetContext(ctx, r.ext, &raw, `
		INSERT INTO listings_raw
			(id, source_id, site_ad_id, url, raw_html, parsed_data,
			 first_seen_at, last_seen_at, is_active, http_status, etag,
			 last_modified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $10, $11, now(), now())
		RETURNING `+rawColumns,
		raw.ID, raw.SourceID, raw.SiteAdID, raw.URL, raw.RawHTML, raw.ParsedData,
		raw.FirstSeenAt, raw.LastSeenAt, raw.HTTPStatus, raw.ETag, raw.LastModified)
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent first observation; the caller re-reads and treats
			// this as the existing-row path.
			return nil, &model.InvariantError{
				Invariant: "raw_unique",
				Detail:    "concurrent insert for (source, site_ad_id)",
			}
		}
		return nil, classify("insert raw listing", err)
	}
	return &raw, nil
}

func (r *rawRepo) TouchSeen(ctx context.Context, id uuid.UUID, seenAt time.Time, httpStatus *int, etag, lastModified *string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx, `
		UPDATE listings_raw SET
			last_seen_at = GREATEST(last_seen_at, $2),
			is_active = true,
			http_status = COALESCE($3, http_status),
			etag = COALESCE($4, etag),
			last_modified = COALESCE($5, last_modified),
			updated_at = now()
		WHERE id = $1`, id, seenAt, httpStatus, etag, lastModified)
	if err != nil {
		return classify("touch raw listing", err)
	}
	return nil
}

func (r *rawRepo) SetRawHTML(ctx context.Context, id uuid.UUID, html string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx,
		`UPDATE listings_raw SET raw_html = $2, parse_errors = NULL, updated_at = now() WHERE id = $1`,
		id, html)
	if err != nil {
		return classify("set raw html", err)
	}
	return nil
}

func (r *rawRepo) SetParsedData(ctx context.Context, id uuid.UUID, parsed []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx,
		`UPDATE listings_raw SET parsed_data = $2, updated_at = now() WHERE id = $1`,
		id, parsed)
	if err != nil {
		return classify("set parsed data", err)
	}
	return nil
}

func (r *rawRepo) SetParseErrors(ctx context.Context, id uuid.UUID, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx,
		`UPDATE listings_raw SET parse_errors = $2, updated_at = now() WHERE id = $1`,
		id, msg)
	if err != nil {
		return classify("set parse errors", err)
	}
	return nil
}

func (r *rawRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.ext.ExecContext(ctx,
		`UPDATE listings_raw SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return classify("deactivate raw listing", err)
	}
	return nil
}
