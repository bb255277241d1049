package postgres

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avtolov/avtolov/internal/model"
)

type signatureRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

// sigRow mirrors the dedupe_signatures table. The perceptual hash is stored
// as BIGINT (bit-cast), the embedding as packed big-endian float64 bytes.
type sigRow struct {
	ID              uuid.UUID `db:"id"`
	ListingID       uuid.UUID `db:"listing_id"`
	TitleNorm       string    `db:"title_norm"`
	TitleMinhash    []byte    `db:"title_minhash"`
	DescMinhash     []byte    `db:"desc_minhash"`
	FirstImagePHash *int64    `db:"first_image_phash"`
	Embedding       []byte    `db:"embedding"`
	CreatedAt       time.Time `db:"created_at"`
}

func (row sigRow) toModel() *model.DedupeSignature {
	sig := &model.DedupeSignature{
		ID:           row.ID,
		ListingID:    row.ListingID,
		TitleNorm:    row.TitleNorm,
		TitleMinhash: row.TitleMinhash,
		DescMinhash:  row.DescMinhash,
		CreatedAt:    row.CreatedAt,
	}
	if row.FirstImagePHash != nil {
		u := uint64(*row.FirstImagePHash)
		sig.FirstImagePHash = &u
	}
	if len(row.Embedding) > 0 {
		sig.Embedding = decodeFloats(row.Embedding)
	}
	return sig
}

func (r *signatureRepo) Upsert(ctx context.Context, sig model.DedupeSignature) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	var phash *int64
	if sig.FirstImagePHash != nil {
		v := int64(*sig.FirstImagePHash)
		phash = &v
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO dedupe_signatures
			(id, listing_id, title_norm, title_minhash, desc_minhash,
			 first_image_phash, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (listing_id) DO UPDATE SET
			title_norm = EXCLUDED.title_norm,
			title_minhash = EXCLUDED.title_minhash,
			desc_minhash = EXCLUDED.desc_minhash,
			first_image_phash = EXCLUDED.first_image_phash,
			embedding = EXCLUDED.embedding`,
		sig.ID, sig.ListingID, sig.TitleNorm, sig.TitleMinhash, sig.DescMinhash,
		phash, encodeFloats(sig.Embedding))
	if err != nil {
		return classify("upsert signature", err)
	}
	return nil
}

func (r *signatureRepo) GetByListing(ctx context.Context, listingID uuid.UUID) (*model.DedupeSignature, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row sigRow
	err := sqlx.GetContext(ctx, r.ext, &row, `
		SELECT id, listing_id, title_norm, title_minhash, desc_minhash,
			first_image_phash, embedding, created_at
		FROM dedupe_signatures WHERE listing_id = $1`, listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get signature", err)
	}
	return row.toModel(), nil
}

func encodeFloats(vals []float64) []byte {
	if len(vals) == 0 {
		return nil
	}
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func decodeFloats(b []byte) []float64 {
	n := len(b) / 8
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
	}
	return out
}
