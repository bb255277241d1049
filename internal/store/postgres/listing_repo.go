package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

type listingRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const listingColumns = `id, raw_id, brand, model, year, mileage_km, fuel, gearbox,
	body, price_bgn, currency, region, title, description, description_hash,
	first_image_hash, image_count, listing_version, is_duplicate, duplicate_of,
	seller_id, created_at, updated_at`

func (r *listingRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.NormalizedListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var l model.NormalizedListing
	err := sqlx.GetContext(ctx, r.ext, &l,
		`SELECT `+listingColumns+` FROM listings_normalized WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get listing", err)
	}
	return &l, nil
}

func (r *listingRepo) GetByRawID(ctx context.Context, rawID uuid.UUID) (*model.NormalizedListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var l model.NormalizedListing
	err := sqlx.GetContext(ctx, r.ext, &l,
		`SELECT `+listingColumns+` FROM listings_normalized WHERE raw_id = $1`, rawID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get listing by raw id", err)
	}
	return &l, nil
}

// Upsert writes the normalized listing keyed by raw_id. The row is locked for
// the comparison so racing monitor and pipeline writers serialize; the
// version counter increments only when a normalized field changed.
func (r *listingRepo) Upsert(ctx context.Context, l model.NormalizedListing) (*model.NormalizedListing, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var existing model.NormalizedListing
	err := sqlx.GetContext(ctx, r.ext, &existing,
		`SELECT `+listingColumns+` FROM listings_normalized WHERE raw_id = $1 FOR UPDATE`,
		l.RawID)
	if errors.Is(err, sql.ErrNoRows) {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.ListingVersion = 1
		err := sqlx.GetContext(ctx, r.ext, &l, `
			INSERT INTO listings_normalized
				(id, raw_id, brand, model, year, mileage_km, fuel, gearbox, body,
				 price_bgn, currency, region, title, description, description_hash,
				 first_image_hash, image_count, listing_version, is_duplicate,
				 seller_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
				$15, $16, $17, 1, false, $18, now(), now())
			RETURNING `+listingColumns,
			l.ID, l.RawID, l.Brand, l.Model, l.Year, l.MileageKm, l.Fuel, l.Gearbox,
			l.Body, l.PriceBGN, l.Currency, l.Region, l.Title, l.Description,
			l.DescriptionHash, l.FirstImageHash, l.ImageCount, l.SellerID)
		if err != nil {
			return nil, false, classify("insert listing", err)
		}
		return &l, true, nil
	}
	if err != nil {
		return nil, false, classify("lock listing for upsert", err)
	}

	// The image hash is written by the dedupe stage; normalize resubmissions
	// never carry it and must not null it out.
	if l.FirstImageHash == nil {
		l.FirstImageHash = existing.FirstImageHash
	}

	if !normalizedFieldsChanged(existing, l) {
		return &existing, false, nil
	}

	l.ID = existing.ID
	l.ListingVersion = existing.ListingVersion + 1
	err = sqlx.GetContext(ctx, r.ext, &l, `
		UPDATE listings_normalized SET
			brand = $2, model = $3, year = $4, mileage_km = $5, fuel = $6,
			gearbox = $7, body = $8, price_bgn = $9, currency = $10, region = $11,
			title = $12, description = $13, description_hash = $14,
			first_image_hash = $15, image_count = $16, seller_id = $17,
			listing_version = $18, updated_at = now()
		WHERE id = $1
		RETURNING `+listingColumns,
		l.ID, l.Brand, l.Model, l.Year, l.MileageKm, l.Fuel, l.Gearbox, l.Body,
		l.PriceBGN, l.Currency, l.Region, l.Title, l.Description, l.DescriptionHash,
		l.FirstImageHash, l.ImageCount, l.SellerID, l.ListingVersion)
	if err != nil {
		return nil, false, classify("update listing", err)
	}
	return &l, false, nil
}

func normalizedFieldsChanged(a, b model.NormalizedListing) bool {
	return !strPtrEq(a.Brand, b.Brand) || !strPtrEq(a.Model, b.Model) ||
		!intPtrEq(a.Year, b.Year) || !intPtrEq(a.MileageKm, b.MileageKm) ||
		!strPtrEq(a.Fuel, b.Fuel) || !strPtrEq(a.Gearbox, b.Gearbox) ||
		!strPtrEq(a.Body, b.Body) || !floatPtrEq(a.PriceBGN, b.PriceBGN) ||
		!strPtrEq(a.Currency, b.Currency) || !strPtrEq(a.Region, b.Region) ||
		a.Title != b.Title || a.DescriptionHash != b.DescriptionHash ||
		a.ImageCount != b.ImageCount || !phashPtrEq(a.FirstImageHash, b.FirstImageHash) ||
		!uuidPtrEq(a.SellerID, b.SellerID)
}

func (r *listingRepo) SetFirstImageHash(ctx context.Context, id uuid.UUID, hash model.PHash) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.ext.ExecContext(ctx, `
		UPDATE listings_normalized
		SET first_image_hash = $2, updated_at = now()
		WHERE id = $1`, id, hash)
	if err != nil {
		return classify("set first image hash", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MarkDuplicate points id at canonicalOf under row locks. The target must be
// an older, non-duplicate listing in the same source. Children of id are
// re-pointed to the new canonical so observable chains stay at length one.
func (r *listingRepo) MarkDuplicate(ctx context.Context, id, canonicalOf uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if id == canonicalOf {
		return &model.InvariantError{Invariant: "dup_acyclic", Detail: "listing cannot duplicate itself"}
	}

	var rows []struct {
		ID          uuid.UUID  `db:"id"`
		SourceID    uuid.UUID  `db:"source_id"`
		IsDuplicate bool       `db:"is_duplicate"`
		DuplicateOf *uuid.UUID `db:"duplicate_of"`
		CreatedAt   time.Time  `db:"created_at"`
	}
	err := sqlx.SelectContext(ctx, r.ext, &rows, `
		SELECT ln.id, lr.source_id, ln.is_duplicate, ln.duplicate_of, ln.created_at
		FROM listings_normalized ln
		JOIN listings_raw lr ON lr.id = ln.raw_id
		WHERE ln.id IN ($1, $2)
		ORDER BY ln.created_at
		FOR UPDATE OF ln`, id, canonicalOf)
	if err != nil {
		return classify("lock listings for dedupe", err)
	}
	if len(rows) != 2 {
		return model.ErrNotFound
	}

	var subject, target *struct {
		ID          uuid.UUID  `db:"id"`
		SourceID    uuid.UUID  `db:"source_id"`
		IsDuplicate bool       `db:"is_duplicate"`
		DuplicateOf *uuid.UUID `db:"duplicate_of"`
		CreatedAt   time.Time  `db:"created_at"`
	}
	for i := range rows {
		switch rows[i].ID {
		case id:
			subject = &rows[i]
		case canonicalOf:
			target = &rows[i]
		}
	}
	if subject == nil || target == nil {
		return model.ErrNotFound
	}

	if target.IsDuplicate {
		return &model.InvariantError{Invariant: "dup_canonical_root", Detail: "canonical target is itself a duplicate"}
	}
	if target.DuplicateOf != nil && *target.DuplicateOf == id {
		return &model.InvariantError{Invariant: "dup_acyclic", Detail: "target already points at subject"}
	}
	if subject.SourceID != target.SourceID {
		return &model.InvariantError{Invariant: "dup_same_source", Detail: "canonical target in different source"}
	}
	if !target.CreatedAt.Before(subject.CreatedAt) {
		return &model.InvariantError{Invariant: "dup_older_canonical", Detail: "canonical target is younger than subject"}
	}

	if _, err := r.ext.ExecContext(ctx, `
		UPDATE listings_normalized
		SET is_duplicate = true, duplicate_of = $2, updated_at = now()
		WHERE id = $1`, id, canonicalOf); err != nil {
		return classify("mark duplicate", err)
	}

	// Path compression: anything that pointed at the subject follows it to
	// the root so no chain of length > 1 is observable.
	if _, err := r.ext.ExecContext(ctx, `
		UPDATE listings_normalized
		SET duplicate_of = $2, updated_at = now()
		WHERE duplicate_of = $1`, id, canonicalOf); err != nil {
		return classify("compress duplicate chain", err)
	}
	return nil
}

func (r *listingRepo) DedupeCandidates(ctx context.Context, sourceID uuid.UUID, brand, mdl string, exclude uuid.UUID) ([]store.DedupeCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.ext.QueryxContext(ctx, `
		SELECT `+prefixedListingColumns("ln")+`,
			ds.id AS sig_id, ds.title_norm, ds.title_minhash, ds.desc_minhash,
			ds.first_image_phash, ds.embedding, ds.created_at AS sig_created_at
		FROM listings_normalized ln
		JOIN listings_raw lr ON lr.id = ln.raw_id
		LEFT JOIN dedupe_signatures ds ON ds.listing_id = ln.id
		WHERE lr.source_id = $1
			AND ln.brand = $2 AND ln.model = $3
			AND NOT ln.is_duplicate
			AND ln.id <> $4
		ORDER BY ln.created_at`, sourceID, brand, mdl, exclude)
	if err != nil {
		return nil, classify("query dedupe candidates", err)
	}
	defer rows.Close()

	var out []store.DedupeCandidate
	for rows.Next() {
		c, err := scanDedupeCandidate(rows)
		if err != nil {
			return nil, classify("scan dedupe candidate", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate dedupe candidates", err)
	}
	return out, nil
}

func (r *listingRepo) CandidatesBySeller(ctx context.Context, sellerID uuid.UUID, exclude uuid.UUID) ([]model.NormalizedListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.NormalizedListing
	err := sqlx.SelectContext(ctx, r.ext, &out, `
		SELECT `+listingColumns+`
		FROM listings_normalized
		WHERE seller_id = $1 AND NOT is_duplicate AND id <> $2
		ORDER BY created_at`, sellerID, exclude)
	if err != nil {
		return nil, classify("query seller candidates", err)
	}
	return out, nil
}

func (r *listingRepo) SelectPeers(ctx context.Context, f store.PeerFilter) ([]store.Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, price_bgn, year, mileage_km, created_at
		FROM listings_normalized
		WHERE brand = :brand AND model = :model
			AND NOT is_duplicate
			AND price_bgn IS NOT NULL
			AND price_bgn > :min_peer_price
			AND price_bgn BETWEEN :price_min AND :price_max
			AND year BETWEEN :year_min AND :year_max
			AND created_at >= :created_after
			AND id <> :exclude_id`
	args := map[string]any{
		"brand":          f.Brand,
		"model":          f.Model,
		"min_peer_price": f.MinPeerPrice,
		"price_min":      f.PriceMin,
		"price_max":      f.PriceMax,
		"year_min":       f.YearMin,
		"year_max":       f.YearMax,
		"created_after":  f.CreatedAfter,
		"exclude_id":     f.ExcludeID,
	}
	if f.MileageMin != nil && f.MileageMax != nil {
		query += ` AND mileage_km BETWEEN :mileage_min AND :mileage_max`
		args["mileage_min"] = *f.MileageMin
		args["mileage_max"] = *f.MileageMax
	}
	if f.Fuel != nil {
		query += ` AND fuel = :fuel`
		args["fuel"] = *f.Fuel
	}
	if f.Gearbox != nil {
		query += ` AND gearbox = :gearbox`
		args["gearbox"] = *f.Gearbox
	}
	query += ` ORDER BY created_at DESC`

	bound, boundArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, classify("bind peer query", err)
	}
	bound = r.ext.Rebind(bound)

	var out []store.Peer
	if err := sqlx.SelectContext(ctx, r.ext, &out, bound, boundArgs...); err != nil {
		return nil, classify("query peers", err)
	}
	return out, nil
}

func (r *listingRepo) RecentlyActive(ctx context.Context, since time.Time, firstSeenAfter time.Time) ([]model.NormalizedListing, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []model.NormalizedListing
	err := sqlx.SelectContext(ctx, r.ext, &out, `
		SELECT `+prefixedListingColumns("ln")+`
		FROM listings_normalized ln
		JOIN listings_raw lr ON lr.id = ln.raw_id
		WHERE lr.is_active
			AND NOT ln.is_duplicate
			AND lr.first_seen_at >= $2
			AND (lr.last_seen_at >= $1
				OR EXISTS (
					SELECT 1 FROM prices_history ph
					WHERE ph.listing_id = ln.id AND ph.seen_at >= $1))
		ORDER BY lr.first_seen_at DESC`, since, firstSeenAfter)
	if err != nil {
		return nil, classify("query recently active", err)
	}
	return out, nil
}

func (r *listingRepo) StaleApproved(ctx context.Context, scoredBefore time.Time, createdAfter time.Time) ([]uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []uuid.UUID
	err := sqlx.SelectContext(ctx, r.ext, &out, `
		SELECT ln.id
		FROM listings_normalized ln
		JOIN scores s ON s.listing_id = ln.id
		WHERE s.final_state = 'approved'
			AND s.scored_at < $1
			AND ln.created_at > $2
		ORDER BY s.scored_at`, scoredBefore, createdAfter)
	if err != nil {
		return nil, classify("query stale approved", err)
	}
	return out, nil
}

func prefixedListingColumns(alias string) string {
	return alias + `.id, ` + alias + `.raw_id, ` + alias + `.brand, ` + alias + `.model, ` +
		alias + `.year, ` + alias + `.mileage_km, ` + alias + `.fuel, ` + alias + `.gearbox, ` +
		alias + `.body, ` + alias + `.price_bgn, ` + alias + `.currency, ` + alias + `.region, ` +
		alias + `.title, ` + alias + `.description, ` + alias + `.description_hash, ` +
		alias + `.first_image_hash, ` + alias + `.image_count, ` + alias + `.listing_version, ` +
		alias + `.is_duplicate, ` + alias + `.duplicate_of, ` + alias + `.seller_id, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func scanDedupeCandidate(rows *sqlx.Rows) (*store.DedupeCandidate, error) {
	var l model.NormalizedListing
	var sigID *uuid.UUID
	var titleNorm *string
	var titleMinhash, descMinhash []byte
	var phash *int64
	var embedding []byte
	var sigCreated *time.Time

	err := rows.Scan(
		&l.ID, &l.RawID, &l.Brand, &l.Model, &l.Year, &l.MileageKm, &l.Fuel,
		&l.Gearbox, &l.Body, &l.PriceBGN, &l.Currency, &l.Region, &l.Title,
		&l.Description, &l.DescriptionHash, &l.FirstImageHash, &l.ImageCount,
		&l.ListingVersion, &l.IsDuplicate, &l.DuplicateOf, &l.SellerID,
		&l.CreatedAt, &l.UpdatedAt,
		&sigID, &titleNorm, &titleMinhash, &descMinhash, &phash, &embedding, &sigCreated)
	if err != nil {
		return nil, err
	}

	c := store.DedupeCandidate{Listing: l}
	if sigID != nil {
		sig := model.DedupeSignature{
			ID:           *sigID,
			ListingID:    l.ID,
			TitleMinhash: titleMinhash,
			DescMinhash:  descMinhash,
		}
		if titleNorm != nil {
			sig.TitleNorm = *titleNorm
		}
		if phash != nil {
			u := uint64(*phash)
			sig.FirstImagePHash = &u
		}
		if len(embedding) > 0 {
			sig.Embedding = decodeFloats(embedding)
		}
		if sigCreated != nil {
			sig.CreatedAt = *sigCreated
		}
		c.Signature = &sig
	}
	return &c, nil
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatPtrEq(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func phashPtrEq(a, b *model.PHash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func uuidPtrEq(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
