// Package comps computes the market comparables analysis a score depends
// on: peer statistics, the discount against the median and a sample-driven
// confidence. Results are cached in the store and recomputed on expiry or
// price change.
package comps

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

const modelVersion = "comps-v2"

// Engine computes and caches comparables analyses. One writer per listing;
// the orchestrator serializes computations through the comps stage.
type Engine struct {
	store *store.Store
	cfg   config.CompsConfig
}

func NewEngine(st *store.Store, cfg config.CompsConfig) *Engine {
	return &Engine{store: st, cfg: cfg}
}

// Compute returns the comparables analysis for a listing, reusing the
// cached row while it is fresh and the subject price is unchanged. A
// sample below the minimum returns model.ErrInsufficient alongside the
// stored row so scoring can degrade instead of fail.
func (e *Engine) Compute(ctx context.Context, l model.NormalizedListing, now time.Time) (*model.Comparables, error) {
	if l.Brand == nil || l.Model == nil || l.Year == nil || l.PriceBGN == nil || *l.PriceBGN <= 0 {
		return nil, model.ErrInsufficient
	}
	price := *l.PriceBGN

	cached, err := e.store.Comps.GetByListing(ctx, l.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if cached != nil && now.Sub(cached.ComputedAt) < e.cfg.CacheTTL && cached.SubjectPrice == price {
		if cached.SampleSize < e.cfg.MinSample {
			return cached, model.ErrInsufficient
		}
		return cached, nil
	}

	peers, err := e.selectPeers(ctx, l, price, now)
	if err != nil {
		return nil, err
	}

	result := e.analyze(l, price, peers, now)
	if err := e.store.Comps.Upsert(ctx, *result); err != nil {
		return nil, err
	}

	log.Debug().
		Str("listing_id", l.ID.String()).
		Int("sample_size", result.SampleSize).
		Float64("discount_pct", result.DiscountPct).
		Str("position", result.Position).
		Msg("comparables computed")

	if result.SampleSize < e.cfg.MinSample {
		return result, model.ErrInsufficient
	}
	return result, nil
}

// selectPeers queries the peer set: same canonical vehicle, year ±2, price
// within ±50%, fresh within the horizon. Mileage ±30% applies when the
// subject has mileage; fuel and gearbox refinements are dropped when they
// push the sample under the minimum.
func (e *Engine) selectPeers(ctx context.Context, l model.NormalizedListing, price float64, now time.Time) ([]store.Peer, error) {
	filter := store.PeerFilter{
		Brand:        *l.Brand,
		Model:        *l.Model,
		YearMin:      *l.Year - 2,
		YearMax:      *l.Year + 2,
		PriceMin:     price * 0.5,
		PriceMax:     price * 1.5,
		MinPeerPrice: e.cfg.MinPeerPrice,
		CreatedAfter: now.AddDate(0, 0, -e.cfg.FreshnessDays),
		ExcludeID:    l.ID,
		Fuel:         l.Fuel,
		Gearbox:      l.Gearbox,
	}
	if l.MileageKm != nil {
		lo := int(float64(*l.MileageKm) * 0.7)
		hi := int(float64(*l.MileageKm) * 1.3)
		filter.MileageMin = &lo
		filter.MileageMax = &hi
	}

	peers, err := e.store.Listings.SelectPeers(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(peers) >= e.cfg.MinSample || (filter.Fuel == nil && filter.Gearbox == nil) {
		return peers, nil
	}

	// Too narrow. Retry without the optional refinements.
	filter.Fuel = nil
	filter.Gearbox = nil
	return e.store.Listings.SelectPeers(ctx, filter)
}

func (e *Engine) analyze(l model.NormalizedListing, price float64, peers []store.Peer, now time.Time) *model.Comparables {
	out := &model.Comparables{
		ListingID:    l.ID,
		SampleSize:   len(peers),
		SubjectPrice: price,
		Position:     "unknown",
		ModelVersion: modelVersion,
		ComputedAt:   now,
	}
	if len(peers) == 0 {
		return out
	}

	prices := make([]float64, len(peers))
	for i, p := range peers {
		prices[i] = p.PriceBGN
	}
	sort.Float64s(prices)

	var sum float64
	for _, p := range prices {
		sum += p
	}
	mean := sum / float64(len(prices))
	var variance float64
	for _, p := range prices {
		variance += (p - mean) * (p - mean)
	}
	stddev := math.Sqrt(variance / float64(len(prices)))

	out.Mean = mean
	out.StdDev = stddev
	out.P10 = percentile(prices, 0.10)
	out.P25 = percentile(prices, 0.25)
	out.P50 = percentile(prices, 0.50)
	out.P75 = percentile(prices, 0.75)
	out.P90 = percentile(prices, 0.90)

	if out.P50 > 0 {
		out.DiscountPct = (out.P50 - price) / out.P50 * 100
	}
	out.Position = position(price, out)
	out.Confidence = confidence(len(prices), mean, stddev, e.cfg.FullConfidence)
	return out
}

// confidence grows with sample size up to the full-confidence count, then
// is damped by price dispersion: a high coefficient of variation halves it
// at most.
func confidence(n int, mean, stddev float64, fullAt int) float64 {
	sample := math.Min(1, float64(n)/float64(fullAt))
	spread := 1.0
	if mean > 0 {
		spread = math.Max(0.5, 1-stddev/mean)
	}
	return sample * spread
}

func position(price float64, c *model.Comparables) string {
	switch {
	case price < c.P10:
		return "very_cheap"
	case price < c.P25:
		return "cheap"
	case price < c.P75:
		return "average"
	default:
		return "expensive"
	}
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
