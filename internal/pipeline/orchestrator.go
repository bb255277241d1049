package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/comps"
	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/dedupe"
	"github.com/avtolov/avtolov/internal/extract"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/normalize"
	"github.com/avtolov/avtolov/internal/notify"
	"github.com/avtolov/avtolov/internal/risk"
	"github.com/avtolov/avtolov/internal/score"
	"github.com/avtolov/avtolov/internal/store"
	"github.com/avtolov/avtolov/internal/telemetry"
)

// Orchestrator owns the stage handlers. Each handler is idempotent and
// re-emits its fan-out even when its output already existed, so a crash
// between write and enqueue is recovered by redelivery.
type Orchestrator struct {
	store      *store.Store
	broker     Broker
	registry   *extract.Registry
	normalizer *normalize.Normalizer
	sigBuilder *dedupe.SignatureBuilder
	detector   *dedupe.Detector
	comps      *comps.Engine
	scorer     *score.Engine
	risk       *risk.Service
	notifier   *notify.Client
	metrics    *telemetry.MetricsRegistry
	cfg        config.PipelineConfig
}

type OrchestratorDeps struct {
	Store      *store.Store
	Broker     Broker
	Registry   *extract.Registry
	Normalizer *normalize.Normalizer
	SigBuilder *dedupe.SignatureBuilder
	Detector   *dedupe.Detector
	Comps      *comps.Engine
	Scorer     *score.Engine
	Risk       *risk.Service
	Notifier   *notify.Client
	Metrics    *telemetry.MetricsRegistry
	Config     config.PipelineConfig
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		store:      deps.Store,
		broker:     deps.Broker,
		registry:   deps.Registry,
		normalizer: deps.Normalizer,
		sigBuilder: deps.SigBuilder,
		detector:   deps.Detector,
		comps:      deps.Comps,
		scorer:     deps.Scorer,
		risk:       deps.Risk,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		cfg:        deps.Config,
	}
}

// Handle dispatches one job to its stage handler.
func (o *Orchestrator) Handle(ctx context.Context, job Job) error {
	switch job.Stage {
	case StageExtract:
		return o.handleExtract(ctx, job.EntityID)
	case StageNormalize:
		return o.handleNormalize(ctx, job.EntityID)
	case StageDedupe:
		return o.handleDedupe(ctx, job.EntityID)
	case StageScore:
		return o.handleScore(ctx, job.EntityID)
	case StageNotify:
		return o.handleNotify(ctx, job.EntityID)
	default:
		return fmt.Errorf("unknown stage %q", job.Stage)
	}
}

// handleExtract turns a raw capture into the fixed field schema and stores
// it back on the raw row. ExtractError is recorded, never retried.
func (o *Orchestrator) handleExtract(ctx context.Context, rawID uuid.UUID) error {
	raw, err := o.store.Raw.GetByID(ctx, rawID)
	if err != nil {
		return err
	}
	src, err := o.store.Sources.GetByID(ctx, raw.SourceID)
	if err != nil {
		return err
	}

	fields, err := extract.Run(o.registry, src.Name, raw.ParsedData, raw.RawHTML, time.Now().UTC())
	if err != nil {
		var xe *model.ExtractError
		if errors.As(err, &xe) {
			log.Warn().Str("raw_id", rawID.String()).Str("source", src.Name).Str("reason", xe.Reason).Msg("extraction failed")
			if recErr := o.store.Raw.SetParseErrors(ctx, rawID, xe.Reason); recErr != nil {
				return recErr
			}
			return nil
		}
		return err
	}

	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode field map: %w", err)
	}
	if err := o.store.Raw.SetParsedData(ctx, rawID, encoded); err != nil {
		return err
	}
	return o.broker.Enqueue(ctx, NewJob(StageNormalize, rawID))
}

// handleNormalize canonicalizes the extracted fields into the normalized
// listing. First creation hands off to dedupe; a listing that already went
// through dedupe skips forward to scoring.
func (o *Orchestrator) handleNormalize(ctx context.Context, rawID uuid.UUID) error {
	raw, err := o.store.Raw.GetByID(ctx, rawID)
	if err != nil {
		return err
	}
	if len(raw.ParsedData) == 0 {
		// Extractor has not produced output yet; redelivery will find it.
		return model.Transient("normalize", errors.New("field map not yet extracted"))
	}
	fields, err := extract.DecodeParsed(raw.ParsedData)
	if err != nil {
		return o.store.Raw.SetParseErrors(ctx, rawID, "stored field map unreadable")
	}

	if (fields.Brand == nil && fields.Model == nil) || fields.Price == nil || *fields.Price <= 0 {
		log.Debug().Str("raw_id", rawID.String()).Msg("listing lacks identity or price, parked")
		return o.store.Raw.SetParseErrors(ctx, rawID, "missing brand/model or positive price")
	}

	now := time.Now().UTC()
	listing := o.normalizer.Apply(fields, *raw, now)

	if fields.Phone != nil && *fields.Phone != "" {
		seller, err := o.store.Sellers.UpsertByPhoneHash(ctx, normalize.HashPhone(*fields.Phone), nil)
		if err != nil {
			return err
		}
		listing.SellerID = &seller.ID
	}

	var saved *model.NormalizedListing
	var created bool
	err = o.store.InTx(ctx, func(ctx context.Context, tx *store.Store) error {
		var err error
		saved, created, err = tx.Listings.Upsert(ctx, listing)
		if err != nil {
			return err
		}
		// Append is a no-op when the latest history row already carries this
		// price, so replays and unchanged resubmissions add nothing.
		if saved.PriceBGN != nil {
			return tx.Prices.Append(ctx, saved.ID, *saved.PriceBGN, raw.LastSeenAt)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if saved.IsDuplicate {
		// Duplicates are never scored.
		return nil
	}
	if !created {
		// Replays and updates skip forward when dedupe already ran.
		if _, err := o.store.Signatures.GetByListing(ctx, saved.ID); err == nil {
			return o.broker.Enqueue(ctx, NewJob(StageScore, saved.ID))
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	return o.broker.Enqueue(ctx, NewJob(StageDedupe, saved.ID))
}

// handleDedupe builds the signature and runs the tiered detector.
// Duplicates stop here; canonical listings advance to scoring.
func (o *Orchestrator) handleDedupe(ctx context.Context, listingID uuid.UUID) error {
	listing, err := o.store.Listings.GetByID(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.IsDuplicate {
		return nil
	}
	raw, err := o.store.Raw.GetByID(ctx, listing.RawID)
	if err != nil {
		return err
	}

	firstImage := ""
	if len(raw.ParsedData) > 0 {
		if fields, err := extract.DecodeParsed(raw.ParsedData); err == nil && len(fields.ImageURLs) > 0 {
			firstImage = fields.ImageURLs[0]
		}
	}

	sig := o.sigBuilder.Build(ctx, *listing, firstImage)
	if err := o.store.Signatures.Upsert(ctx, sig); err != nil {
		return err
	}
	if sig.FirstImagePHash != nil {
		if err := o.store.Listings.SetFirstImageHash(ctx, listingID, model.PHash(*sig.FirstImagePHash)); err != nil {
			return err
		}
	}

	verdict, err := o.detector.Detect(ctx, *listing, sig, raw.SourceID)
	if err != nil {
		return err
	}
	if verdict.IsDuplicate {
		if err := o.detector.Apply(ctx, listingID, *verdict); err != nil {
			return err
		}
		if o.metrics != nil {
			o.metrics.DuplicatesFound.WithLabelValues(string(verdict.Method)).Inc()
		}
		log.Info().
			Str("listing_id", listingID.String()).
			Str("canonical_of", verdict.CanonicalOf.String()).
			Str("method", string(verdict.Method)).
			Float64("confidence", verdict.Confidence).
			Msg("duplicate detected")
		return nil
	}
	return o.broker.Enqueue(ctx, NewJob(StageScore, listingID))
}

// handleScore rates the listing and fans out to notify on approval.
func (o *Orchestrator) handleScore(ctx context.Context, listingID uuid.UUID) error {
	result, err := o.ScoreListing(ctx, listingID)
	if err != nil {
		return err
	}
	if result != nil && result.State == model.StateApproved {
		return o.broker.Enqueue(ctx, NewJob(StageNotify, listingID))
	}
	return nil
}

// ScoreListing runs comparables, risk evaluation and the rating engine,
// then upserts the Score. Duplicates are skipped with a nil result. The
// monitor pass calls this directly so it can cap its own notifications.
func (o *Orchestrator) ScoreListing(ctx context.Context, listingID uuid.UUID) (*score.Result, error) {
	listing, err := o.store.Listings.GetByID(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.IsDuplicate {
		return nil, nil
	}
	raw, err := o.store.Raw.GetByID(ctx, listing.RawID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	analysis, compsErr := o.comps.Compute(ctx, *listing, now)
	insufficient := errors.Is(compsErr, model.ErrInsufficient)
	if compsErr != nil && !insufficient {
		return nil, compsErr
	}

	in := score.Input{
		Listing:      *listing,
		Comparables:  analysis,
		Insufficient: insufficient,
		FirstSeenAt:  raw.FirstSeenAt,
	}

	if listing.SellerID != nil {
		seller, err := o.store.Sellers.GetByID(ctx, *listing.SellerID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
		if seller != nil {
			in.SellerBlacklisted = seller.Blacklisted
		}
	}

	if o.risk != nil {
		eval, err := o.risk.Evaluate(ctx, *listing, analysis)
		if err != nil {
			return nil, err
		}
		in.RiskLevel = eval.RiskLevel
	}

	result := o.scorer.Rate(in, now)

	existing, err := o.store.Scores.GetByListing(ctx, listingID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	unchanged := existing != nil &&
		existing.Score == result.Score &&
		existing.FinalState == result.State

	if !unchanged {
		if err := o.store.Scores.Upsert(ctx, model.Score{
			ListingID:      listingID,
			Score:          result.Score,
			Reasons:        result.Reasons,
			FreshnessBonus: result.FreshnessBonus,
			Liquidity:      result.Liquidity,
			RiskPenalty:    result.RiskPenalty,
			FinalState:     result.State,
			ScoredAt:       now,
		}); err != nil {
			return nil, err
		}
	}

	if o.metrics != nil {
		o.metrics.ScoreDistribution.Observe(result.Score)
		o.metrics.Decisions.WithLabelValues(string(result.State)).Inc()
	}
	log.Info().
		Str("listing_id", listingID.String()).
		Float64("score", result.Score).
		Str("state", string(result.State)).
		Strs("reasons", result.Reasons).
		Msg("listing scored")
	return &result, nil
}

func (o *Orchestrator) handleNotify(ctx context.Context, listingID uuid.UUID) error {
	return o.NotifyListing(ctx, listingID)
}

// NotifyListing posts one approved deal to the collaborator. The
// idempotency key pins delivery to this score revision, so redelivery
// after a crash cannot double-post.
func (o *Orchestrator) NotifyListing(ctx context.Context, listingID uuid.UUID) error {
	sc, err := o.store.Scores.GetByListing(ctx, listingID)
	if err != nil {
		return err
	}
	if sc.FinalState != model.StateApproved {
		return nil
	}
	listing, err := o.store.Listings.GetByID(ctx, listingID)
	if err != nil {
		return err
	}
	raw, err := o.store.Raw.GetByID(ctx, listing.RawID)
	if err != nil {
		return err
	}

	deal := notify.Deal{
		ListingID: listingID,
		URL:       raw.URL,
		Title:     listing.Title,
		Score:     sc.Score,
		Reasons:   sc.Reasons,
	}
	if listing.PriceBGN != nil {
		deal.PriceBGN = *listing.PriceBGN
	}
	if analysis, err := o.store.Comps.GetByListing(ctx, listingID); err == nil {
		deal.MedianBGN = analysis.P50
		deal.DiscountPct = analysis.DiscountPct
	}

	key := notify.IdempotencyKey(listingID, sc.Score, sc.ScoredAt)
	if err := o.notifier.Post(ctx, deal, key); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.NotificationsSent.Inc()
	}
	return nil
}
