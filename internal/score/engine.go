// Package score is the market-aware rating engine: red-flag gates, price
// brackets, component scoring and the final approve/draft/reject decision.
package score

import (
	"fmt"
	"math"
	"time"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
)

// Input carries everything one rating needs. Comparables is nil when the
// analysis was not computable at all; Insufficient marks a sample below
// the minimum.
type Input struct {
	Listing           model.NormalizedListing
	Comparables       *model.Comparables
	Insufficient      bool
	SellerBlacklisted bool
	RiskLevel         model.RiskLevel
	FirstSeenAt       time.Time
}

// Result is the full rating outcome.
type Result struct {
	Score          float64
	State          model.FinalState
	Reasons        []string
	RedFlags       []string
	Components     Components
	FreshnessBonus float64
	Liquidity      float64
	RiskPenalty    float64
}

// Components are the weighted score parts, summing to at most 10.
type Components struct {
	Price      float64
	Age        float64
	Mileage    float64
	Confidence float64
	Quality    float64
}

func (c Components) total() float64 {
	return c.Price + c.Age + c.Mileage + c.Confidence + c.Quality
}

// Engine rates listings. Pure: identical inputs produce identical output.
type Engine struct {
	cfg config.ScoringConfig
}

func NewEngine(cfg config.ScoringConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Rate runs the full decision sequence: red-flag gate, market-data gate,
// component scoring, decision.
func (e *Engine) Rate(in Input, now time.Time) Result {
	l := in.Listing

	if l.PriceBGN == nil || *l.PriceBGN <= 0 {
		return Result{State: model.StateRejected, Reasons: []string{"invalid price"}}
	}
	price := *l.PriceBGN

	year := 0
	if l.Year != nil {
		year = *l.Year
	}
	flags := RedFlags(RedFlagInput{
		Title:             l.Title,
		Description:       l.Description,
		PriceBGN:          price,
		Year:              year,
		SellerBlacklisted: in.SellerBlacklisted,
	}, now)
	if len(flags) > 0 {
		return Result{
			State:    model.StateRejected,
			RedFlags: flags,
			Reasons:  []string{flags[0]},
		}
	}

	sampleOK := in.Comparables != nil && !in.Insufficient
	if !sampleOK && !e.cfg.AllowWithoutComparables {
		n := 0
		if in.Comparables != nil {
			n = in.Comparables.SampleSize
		}
		return Result{
			State:   model.StateRejected,
			Reasons: []string{fmt.Sprintf("insufficient market data (%d comparables)", n)},
		}
	}

	comps := comparablesOrZero(in.Comparables)
	parts := e.components(l, price, year, comps, in.FirstSeenAt, now)
	total := round2(clamp(parts.total(), 0, 10))

	riskPenalty := riskPenalty(in.RiskLevel)
	total = round2(clamp(total-riskPenalty, 0, 10))

	state := e.decide(total, comps, sampleOK)
	reasons := e.reasons(parts, comps, l, price, year)
	if !sampleOK {
		reasons = append([]string{"no market sample: held as draft regardless of total"}, reasons...)
	}

	return Result{
		Score:          total,
		State:          state,
		Reasons:        reasons,
		Components:     parts,
		FreshnessBonus: freshness(in.FirstSeenAt, now),
		Liquidity:      parts.Confidence,
		RiskPenalty:    riskPenalty,
	}
}

func (e *Engine) decide(total float64, comps model.Comparables, sampleOK bool) model.FinalState {
	// No market sample: always a low-confidence draft, never approved and
	// never rejected by the floor. The draft floor applies only when the
	// comparables gate passed.
	if !sampleOK {
		return model.StateDraft
	}
	switch {
	case total >= e.cfg.ApprovalThreshold && sampleOK && comps.DiscountPct >= e.cfg.MinDiscountPct:
		return model.StateApproved
	case total < e.cfg.DraftFloor:
		return model.StateRejected
	default:
		return model.StateDraft
	}
}

func (e *Engine) components(l model.NormalizedListing, price float64, year int, comps model.Comparables, firstSeen time.Time, now time.Time) Components {
	var parts Components

	t := Thresholds(price)
	discount := comps.DiscountPct
	switch {
	case discount >= t.Excellent:
		parts.Price = 4.0
	case discount >= t.Good:
		parts.Price = 3.5
	case discount >= t.Fair:
		parts.Price = 2.5
	case discount >= 5:
		parts.Price = 1.5
	case discount >= 0:
		parts.Price = 0.5
	}

	age := now.Year() - year
	switch {
	case age <= 2:
		parts.Age = 2.0
	case age <= 4:
		parts.Age = 1.8
	case age <= 6:
		parts.Age = 1.5
	case age <= 8:
		parts.Age = 1.2
	default:
		parts.Age = 0.8
	}

	if l.MileageKm != nil && age > 0 {
		expected := float64(age) * 15_000
		ratio := float64(*l.MileageKm) / expected
		var ms float64
		switch {
		case ratio < 0.5:
			ms = 2.0
		case ratio < 0.8:
			ms = 1.7
		case ratio < 1.2:
			ms = 1.3
		case ratio < 1.5:
			ms = 0.8
		default:
			ms = 0.3
		}
		parts.Mileage = math.Min(2.0, ms*(MileageWeight(price)/2.0))
	} else {
		parts.Mileage = 1.0
	}

	switch n := comps.SampleSize; {
	case n >= 30:
		parts.Confidence = 1.0
	case n >= 20:
		parts.Confidence = 0.8
	case n >= 10:
		parts.Confidence = 0.6
	case n >= 5:
		parts.Confidence = 0.4
	default:
		parts.Confidence = 0.2
	}

	quality := 0.0
	switch dl := len(l.Description); {
	case dl > 500:
		quality += 0.3
	case dl > 200:
		quality += 0.2
	case dl > 50:
		quality += 0.1
	}
	switch {
	case l.ImageCount >= 10:
		quality += 0.3
	case l.ImageCount >= 5:
		quality += 0.2
	case l.ImageCount >= 2:
		quality += 0.1
	}
	quality += freshness(firstSeen, now)
	parts.Quality = math.Min(1.0, quality)

	return parts
}

func (e *Engine) reasons(parts Components, comps model.Comparables, l model.NormalizedListing, price float64, year int) []string {
	var reasons []string

	discount := comps.DiscountPct
	median := comps.P50
	switch {
	case discount >= 25:
		reasons = append(reasons, fmt.Sprintf("excellent price: %.0f%% below market (median %.0f BGN)", discount, median))
	case discount >= 15:
		reasons = append(reasons, fmt.Sprintf("great price: %.0f%% below market (median %.0f BGN)", discount, median))
	case discount >= 10:
		reasons = append(reasons, fmt.Sprintf("good price: %.0f%% below market (median %.0f BGN)", discount, median))
	case discount > 0:
		reasons = append(reasons, fmt.Sprintf("%.0f%% below market (median %.0f BGN)", discount, median))
	}

	switch comps.Position {
	case "very_cheap":
		reasons = append(reasons, fmt.Sprintf("bottom 10%% of market (%d comparables)", comps.SampleSize))
	case "cheap":
		reasons = append(reasons, fmt.Sprintf("bottom 25%% of market (%d comparables)", comps.SampleSize))
	}

	if parts.Age >= 1.8 && year > 0 {
		reasons = append(reasons, fmt.Sprintf("recent year: %d", year))
	}
	if parts.Mileage >= 1.7 && l.MileageKm != nil {
		reasons = append(reasons, fmt.Sprintf("low mileage: %d km", *l.MileageKm))
	}
	if parts.Quality >= 0.8 {
		reasons = append(reasons, "well-documented listing")
	}
	if Bracket(price) == BracketSweetSpot {
		reasons = append(reasons, "sweet spot price range (10-30k)")
	}
	return reasons
}

func freshness(firstSeen, now time.Time) float64 {
	if firstSeen.IsZero() {
		return 0
	}
	ageHours := now.Sub(firstSeen).Hours()
	switch {
	case ageHours <= 6:
		return 0.4
	case ageHours <= 24:
		return 0.2
	default:
		return 0
	}
}

func riskPenalty(level model.RiskLevel) float64 {
	switch level {
	case model.RiskHigh:
		return 1.5
	case model.RiskMedium:
		return 0.5
	default:
		return 0
	}
}

func comparablesOrZero(c *model.Comparables) model.Comparables {
	if c == nil {
		return model.Comparables{}
	}
	return *c
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
