package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/avtolov/avtolov/internal/model"
)

type scoreRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const scoreColumns = `id, listing_id, score, reasons, freshness_bonus,
	liquidity, risk_penalty, final_state, scored_at`

func (r *scoreRepo) Upsert(ctx context.Context, s model.Score) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.ScoredAt.IsZero() {
		s.ScoredAt = time.Now().UTC()
	}
	if s.ReasonsJSON == nil {
		encoded, err := json.Marshal(s.Reasons)
		if err != nil {
			return fmt.Errorf("encode score reasons: %w", err)
		}
		s.ReasonsJSON = encoded
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO scores
			(id, listing_id, score, reasons, freshness_bonus, liquidity,
			 risk_penalty, final_state, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (listing_id) DO UPDATE SET
			score = EXCLUDED.score,
			reasons = EXCLUDED.reasons,
			freshness_bonus = EXCLUDED.freshness_bonus,
			liquidity = EXCLUDED.liquidity,
			risk_penalty = EXCLUDED.risk_penalty,
			final_state = EXCLUDED.final_state,
			scored_at = EXCLUDED.scored_at`,
		s.ID, s.ListingID, s.Score, s.ReasonsJSON, s.FreshnessBonus,
		s.Liquidity, s.RiskPenalty, s.FinalState, s.ScoredAt)
	if err != nil {
		return classify("upsert score", err)
	}
	return nil
}

func (r *scoreRepo) GetByListing(ctx context.Context, listingID uuid.UUID) (*model.Score, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s model.Score
	err := sqlx.GetContext(ctx, r.ext, &s,
		`SELECT `+scoreColumns+` FROM scores WHERE listing_id = $1`, listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get score", err)
	}
	if len(s.ReasonsJSON) > 0 {
		if err := json.Unmarshal(s.ReasonsJSON, &s.Reasons); err != nil {
			return nil, fmt.Errorf("decode score reasons: %w", err)
		}
	}
	return &s, nil
}
