package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtolov/avtolov/internal/config"
)

func TestNewEvaluator(t *testing.T) {
	ev := NewEvaluator(config.LLMConfig{
		APIKey:   "test-key",
		Model:    "claude-3-5-haiku-latest",
		Timeout:  10 * time.Second,
		CacheTTL: 24 * time.Hour,
	}, nil)

	require.NotNil(t, ev)
	assert.Nil(t, ev.cache)
}

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(LLMInput{
		Title:       "VW Golf 2.0 TDI",
		Description: "Нов внос от Германия.",
		PriceBGN:    19_000,
		MedianBGN:   24_000,
		DiscountPct: 20.8,
		Rules:       Classify("VW Golf 2.0 TDI", "Нов внос от Германия."),
	})

	assert.Contains(t, prompt, "VW Golf 2.0 TDI")
	assert.Contains(t, prompt, "Нов внос от Германия.")
	assert.Contains(t, prompt, "19000 BGN")
	assert.Contains(t, prompt, "Discount: 20.8%")
	assert.True(t, strings.Contains(prompt, `"risk_level"`))
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "risk:llm:abc", cacheKey("abc"))
}
