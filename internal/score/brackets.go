package score

// Price brackets of the Bulgarian used-car market. Discount expectations
// differ by bracket: a 10% cut on a luxury car means more than on a budget
// one.
const (
	BracketTooCheap     = "too_cheap"
	BracketBudget       = "budget"
	BracketSweetSpot    = "sweet_spot"
	BracketPremium      = "premium"
	BracketLuxury       = "luxury"
	BracketTooExpensive = "too_expensive"
)

// Bracket classifies a BGN price.
func Bracket(price float64) string {
	switch {
	case price < 5_000:
		return BracketTooCheap
	case price <= 10_000:
		return BracketBudget
	case price <= 30_000:
		return BracketSweetSpot
	case price <= 60_000:
		return BracketPremium
	case price <= 150_000:
		return BracketLuxury
	default:
		return BracketTooExpensive
	}
}

// DiscountThresholds are the bracket-specific cutoffs for the price
// component.
type DiscountThresholds struct {
	Excellent float64
	Good      float64
	Fair      float64
}

var bracketThresholds = map[string]DiscountThresholds{
	BracketBudget:    {Excellent: 20, Good: 15, Fair: 10},
	BracketSweetSpot: {Excellent: 25, Good: 20, Fair: 15},
	BracketPremium:   {Excellent: 15, Good: 12, Fair: 8},
	BracketLuxury:    {Excellent: 10, Good: 8, Fair: 5},
}

var defaultThresholds = DiscountThresholds{Excellent: 15, Good: 10, Fair: 5}

// Thresholds returns the discount cutoffs for a price.
func Thresholds(price float64) DiscountThresholds {
	if t, ok := bracketThresholds[Bracket(price)]; ok {
		return t
	}
	return defaultThresholds
}

// MileageWeight scales the mileage component by bracket: condition and
// mileage dominate at the cheap end and fade toward luxury.
func MileageWeight(price float64) float64 {
	switch Bracket(price) {
	case BracketBudget, BracketTooCheap:
		return 2.5
	case BracketSweetSpot:
		return 2.0
	case BracketPremium:
		return 1.5
	default:
		return 1.0
	}
}
