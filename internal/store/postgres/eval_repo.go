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

type evalRepo struct {
	ext     sqlx.ExtContext
	timeout time.Duration
}

const evalColumns = `id, listing_id, flags, risk_level, llm_summary,
	rule_confidence, llm_confidence, model_versions, evaluated_at`

func (r *evalRepo) Upsert(ctx context.Context, e model.Evaluation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.EvaluatedAt.IsZero() {
		e.EvaluatedAt = time.Now().UTC()
	}
	_, err := r.ext.ExecContext(ctx, `
		INSERT INTO evaluations
			(id, listing_id, flags, risk_level, llm_summary, rule_confidence,
			 llm_confidence, model_versions, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (listing_id) DO UPDATE SET
			flags = EXCLUDED.flags,
			risk_level = EXCLUDED.risk_level,
			llm_summary = EXCLUDED.llm_summary,
			rule_confidence = EXCLUDED.rule_confidence,
			llm_confidence = EXCLUDED.llm_confidence,
			model_versions = EXCLUDED.model_versions,
			evaluated_at = EXCLUDED.evaluated_at`,
		e.ID, e.ListingID, e.Flags, e.RiskLevel, e.LLMSummary, e.RuleConfidence,
		e.LLMConfidence, e.ModelVersions, e.EvaluatedAt)
	if err != nil {
		return classify("upsert evaluation", err)
	}
	return nil
}

func (r *evalRepo) GetByListing(ctx context.Context, listingID uuid.UUID) (*model.Evaluation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var e model.Evaluation
	err := sqlx.GetContext(ctx, r.ext, &e,
		`SELECT `+evalColumns+` FROM evaluations WHERE listing_id = $1`, listingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, classify("get evaluation", err)
	}
	return &e, nil
}
