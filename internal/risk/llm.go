package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
)

// LLMResult is the evaluator's normalized response.
type LLMResult struct {
	RiskLevel    model.RiskLevel `json:"risk_level"`
	Summary      string          `json:"summary"`
	Reasons      []string        `json:"reasons"`
	BuyerNotes   string          `json:"buyer_notes"`
	Confidence   float64         `json:"confidence"`
	ModelVersion string          `json:"model_version"`
}

// LLMInput is the context passed to the evaluator.
type LLMInput struct {
	Title           string
	Description     string
	DescriptionHash string
	PriceBGN        float64
	MedianBGN       float64
	DiscountPct     float64
	Rules           RuleResult
}

// Evaluator calls the Anthropic API for uncertain verdicts. Responses are
// cached in redis by description hash: rescoring a listing whose text is
// unchanged never pays for a second call.
type Evaluator struct {
	client anthropic.Client
	cache  *redis.Client
	cfg    config.LLMConfig
}

func NewEvaluator(cfg config.LLMConfig, cache *redis.Client) *Evaluator {
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Evaluator{client: client, cache: cache, cfg: cfg}
}

func cacheKey(descriptionHash string) string {
	return "risk:llm:" + descriptionHash
}

// Evaluate returns the LLM verdict for a listing, from cache when the
// description is unchanged. Failures surface as ExternalServiceError so
// the caller can continue with the rule verdict alone.
func (e *Evaluator) Evaluate(ctx context.Context, in LLMInput) (*LLMResult, error) {
	if e.cache != nil {
		if raw, err := e.cache.Get(ctx, cacheKey(in.DescriptionHash)).Result(); err == nil {
			var cached LLMResult
			if json.Unmarshal([]byte(raw), &cached) == nil {
				return &cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("llm cache read failed")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: 500,
		System: []anthropic.TextBlockParam{
			{Text: "You are an expert at evaluating used car listings in Bulgaria. " +
				"Analyze the listing and identify potential risks or red flags."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(in))),
		},
	})
	if err != nil {
		return nil, &model.ExternalServiceError{Service: "anthropic", Err: err}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	result, err := parseResult(text.String())
	if err != nil {
		return nil, &model.ExternalServiceError{Service: "anthropic", Err: err}
	}
	result.ModelVersion = e.cfg.Model

	if e.cache != nil {
		if encoded, err := json.Marshal(result); err == nil {
			if err := e.cache.Set(ctx, cacheKey(in.DescriptionHash), encoded, e.cfg.CacheTTL).Err(); err != nil {
				log.Warn().Err(err).Msg("llm cache write failed")
			}
		}
	}
	return result, nil
}

func buildPrompt(in LLMInput) string {
	return fmt.Sprintf(`Analyze this Bulgarian used car listing:

**Title:** %s

**Description:**
%s

**Pricing:**
- Asking Price: %.0f BGN
- Market Estimate: %.0f BGN
- Discount: %.1f%%

**Initial Flags:**
- Red Flags: %d
- Positive Flags: %d

Evaluate this listing and provide your assessment in JSON format:

{
  "risk_level": "low|medium|high",
  "confidence": 0.0-1.0,
  "summary": "2-3 sentence summary in Bulgarian",
  "reasons": ["reason 1", "reason 2", "reason 3"],
  "buyer_notes": "Important notes for potential buyers"
}

Consider:
1. Signs of accident damage or salvage title
2. Mileage authenticity concerns
3. Import history red flags
4. Maintenance and ownership claims
5. Pricing relative to market (why such discount?)
6. Urgency or pressure tactics
7. Overly positive language (too good to be true)

Focus on Bulgarian-specific patterns and scams.`,
		in.Title, in.Description, in.PriceBGN, in.MedianBGN, in.DiscountPct,
		len(in.Rules.RedFlags), len(in.Rules.PositiveFlags))
}

// parseResult extracts the JSON object from the completion, tolerating
// prose around it.
func parseResult(text string) (*LLMResult, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in completion")
	}
	var result LLMResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	switch result.RiskLevel {
	case model.RiskLow, model.RiskMedium, model.RiskHigh:
	default:
		result.RiskLevel = model.RiskMedium
	}
	if result.Confidence == 0 {
		result.Confidence = 0.7
	}
	return &result, nil
}
