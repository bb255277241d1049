// Package monitor is the fast loop over recently active listings: rescore
// what just changed and surface the best fresh deals without waiting for
// the full pipeline cadence.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/pipeline"
	"github.com/avtolov/avtolov/internal/score"
	"github.com/avtolov/avtolov/internal/store"
)

// Monitor polls the store for listings re-seen or re-priced inside the
// window and scores them synchronously. Notifications are capped per run
// so a burst of price drops cannot flood the collaborator.
type Monitor struct {
	store *store.Store
	orch  *pipeline.Orchestrator
	cfg   config.MonitorConfig
}

func New(st *store.Store, orch *pipeline.Orchestrator, cfg config.MonitorConfig) *Monitor {
	return &Monitor{store: st, orch: orch, cfg: cfg}
}

type scored struct {
	id     model.NormalizedListing
	result score.Result
}

// Run executes one monitor pass.
func (m *Monitor) Run(ctx context.Context) error {
	now := time.Now().UTC()
	candidates, err := m.store.Listings.RecentlyActive(ctx, now.Add(-m.cfg.Window), now.Add(-m.cfg.MaxListingAge))
	if err != nil {
		return err
	}

	var approved []scored
	var hist [4]int // <3, 3-6, 6-7.5, >=7.5
	examined := 0

	for _, l := range candidates {
		if !m.eligible(l) {
			continue
		}
		examined++

		result, err := m.orch.ScoreListing(ctx, l.ID)
		if err != nil {
			log.Warn().Str("listing_id", l.ID.String()).Err(err).Msg("monitor scoring failed")
			continue
		}
		if result == nil {
			continue
		}

		hist[bucket(result.Score)]++
		if result.State == model.StateApproved {
			approved = append(approved, scored{id: l, result: *result})
		}
	}

	// Best deals first, capped per run.
	sort.Slice(approved, func(i, j int) bool {
		return approved[i].result.Score > approved[j].result.Score
	})
	posted := 0
	for _, s := range approved {
		if posted >= m.cfg.MaxPostsPerRun {
			break
		}
		if err := m.orch.NotifyListing(ctx, s.id.ID); err != nil {
			log.Warn().Str("listing_id", s.id.ID.String()).Err(err).Msg("monitor notify failed")
			continue
		}
		posted++
	}

	log.Info().
		Int("candidates", len(candidates)).
		Int("examined", examined).
		Int("approved", len(approved)).
		Int("posted", posted).
		Ints("score_histogram", hist[:]).
		Msg("monitor pass complete")
	return nil
}

// eligible applies the cheap prefilter: identified, priced, and not an
// obviously worn-out car.
func (m *Monitor) eligible(l model.NormalizedListing) bool {
	if l.Brand == nil || l.Model == nil || l.Year == nil {
		return false
	}
	if l.PriceBGN == nil || *l.PriceBGN <= 0 {
		return false
	}
	if l.MileageKm == nil || *l.MileageKm > m.cfg.MaxMileageKm {
		return false
	}
	return true
}

func bucket(s float64) int {
	switch {
	case s < 3:
		return 0
	case s < 6:
		return 1
	case s < 7.5:
		return 2
	default:
		return 3
	}
}
