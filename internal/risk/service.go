package risk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

// Service produces and persists one Evaluation per listing: rule pass
// always, LLM only when the rules are uncertain and the evaluator is
// enabled. LLM failure degrades to the rule verdict.
type Service struct {
	store *store.Store
	llm   *Evaluator
	cfg   config.LLMConfig
}

func NewService(st *store.Store, llm *Evaluator, cfg config.LLMConfig) *Service {
	return &Service{store: st, llm: llm, cfg: cfg}
}

// Evaluate classifies the listing and upserts its Evaluation row.
func (s *Service) Evaluate(ctx context.Context, l model.NormalizedListing, comps *model.Comparables) (*model.Evaluation, error) {
	rules := Classify(l.Title, l.Description)

	eval := model.Evaluation{
		ListingID:      l.ID,
		RiskLevel:      rules.RiskLevel,
		RuleConfidence: rules.Confidence,
		EvaluatedAt:    time.Now().UTC(),
	}

	flags, err := json.Marshal(struct {
		RedFlags      []Flag `json:"red_flags"`
		PositiveFlags []Flag `json:"positive_flags"`
	}{rules.RedFlags, rules.PositiveFlags})
	if err != nil {
		return nil, err
	}
	eval.Flags = flags

	versions := map[string]string{"rules": "risk-rules-v1"}

	if s.cfg.Enabled && s.llm != nil && rules.NeedsLLM(s.cfg.MinConfidence) {
		in := LLMInput{
			Title:           l.Title,
			Description:     l.Description,
			DescriptionHash: l.DescriptionHash,
			Rules:           rules,
		}
		if l.PriceBGN != nil {
			in.PriceBGN = *l.PriceBGN
		}
		if comps != nil {
			in.MedianBGN = comps.P50
			in.DiscountPct = comps.DiscountPct
		}
		if verdict, err := s.llm.Evaluate(ctx, in); err == nil {
			eval.RiskLevel = verdict.RiskLevel
			eval.LLMSummary = &verdict.Summary
			eval.LLMConfidence = &verdict.Confidence
			versions["llm"] = verdict.ModelVersion
		} else {
			log.Warn().Str("listing_id", l.ID.String()).Err(err).Msg("llm evaluation unavailable, keeping rule verdict")
		}
	}

	if encoded, err := json.Marshal(versions); err == nil {
		eval.ModelVersions = encoded
	}

	if err := s.store.Evals.Upsert(ctx, eval); err != nil {
		return nil, err
	}
	return &eval, nil
}
