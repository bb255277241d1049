// Package ingest accepts raw listing submissions from the scraping
// front-ends. Idempotent on (source, site_ad_id): repeat submissions only
// advance last_seen and the price history.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/extract"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/pipeline"
	"github.com/avtolov/avtolov/internal/store"
	"github.com/avtolov/avtolov/internal/telemetry"
)

// Submission is one scraper observation of a marketplace ad.
type Submission struct {
	SourceName   string          `json:"source_name"`
	SiteAdID     string          `json:"site_ad_id"`
	URL          string          `json:"url"`
	RawHTML      *string         `json:"raw_html,omitempty"`
	ParsedMap    json.RawMessage `json:"parsed_map,omitempty"`
	FirstSeenAt  time.Time       `json:"first_seen_at"`
	HTTPStatus   *int            `json:"http_status,omitempty"`
	ETag         *string         `json:"etag,omitempty"`
	LastModified *string         `json:"last_modified,omitempty"`
}

// Ingestor upserts raw listings and fans out to the extract stage.
type Ingestor struct {
	store   *store.Store
	broker  pipeline.Broker
	fx      config.FXConfig
	metrics *telemetry.MetricsRegistry
}

func NewIngestor(st *store.Store, broker pipeline.Broker, fx config.FXConfig, metrics *telemetry.MetricsRegistry) *Ingestor {
	return &Ingestor{store: st, broker: broker, fx: fx, metrics: metrics}
}

// Submit records one observation and returns the raw listing id. New ads
// are created and queued for extraction; known ads get last_seen advanced,
// richer content merged in and a price point appended when the scraped
// price moved.
func (i *Ingestor) Submit(ctx context.Context, sub Submission) (uuid.UUID, error) {
	if sub.SourceName == "" || sub.SiteAdID == "" {
		return uuid.Nil, &model.InvariantError{Invariant: "raw_identity", Detail: "source_name and site_ad_id are required"}
	}

	src, err := i.store.Sources.GetByName(ctx, sub.SourceName)
	if err != nil {
		return uuid.Nil, err
	}

	seenAt := sub.FirstSeenAt
	if seenAt.IsZero() {
		seenAt = time.Now().UTC()
	}

	existing, err := i.store.Raw.GetBySiteAd(ctx, src.ID, sub.SiteAdID)
	if errors.Is(err, model.ErrNotFound) {
		raw, err := i.create(ctx, src.ID, sub, seenAt)
		if err != nil {
			var ie *model.InvariantError
			if errors.As(err, &ie) && ie.Invariant == "raw_unique" {
				// Lost the insert race; fall through to the update path.
				existing, err = i.store.Raw.GetBySiteAd(ctx, src.ID, sub.SiteAdID)
				if err != nil {
					return uuid.Nil, err
				}
				return i.update(ctx, src, existing, sub, seenAt)
			}
			return uuid.Nil, err
		}
		i.count(sub.SourceName, "created")
		if err := i.broker.Enqueue(ctx, pipeline.NewJob(pipeline.StageExtract, raw.ID)); err != nil {
			return uuid.Nil, err
		}
		return raw.ID, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return i.update(ctx, src, existing, sub, seenAt)
}

func (i *Ingestor) create(ctx context.Context, sourceID uuid.UUID, sub Submission, seenAt time.Time) (*model.RawListing, error) {
	return i.store.Raw.Insert(ctx, model.RawListing{
		SourceID:     sourceID,
		SiteAdID:     sub.SiteAdID,
		URL:          sub.URL,
		RawHTML:      sub.RawHTML,
		ParsedData:   sub.ParsedMap,
		FirstSeenAt:  seenAt,
		LastSeenAt:   seenAt,
		HTTPStatus:   sub.HTTPStatus,
		ETag:         sub.ETag,
		LastModified: sub.LastModified,
	})
}

func (i *Ingestor) update(ctx context.Context, src *model.Source, raw *model.RawListing, sub Submission, seenAt time.Time) (uuid.UUID, error) {
	if err := i.store.Raw.TouchSeen(ctx, raw.ID, seenAt, sub.HTTPStatus, sub.ETag, sub.LastModified); err != nil {
		return uuid.Nil, err
	}

	contentChanged := false
	if sub.RawHTML != nil && richerHTML(raw.RawHTML, *sub.RawHTML) {
		if err := i.store.Raw.SetRawHTML(ctx, raw.ID, *sub.RawHTML); err != nil {
			return uuid.Nil, err
		}
		contentChanged = true
	}
	if len(sub.ParsedMap) > 0 {
		if err := i.store.Raw.SetParsedData(ctx, raw.ID, sub.ParsedMap); err != nil {
			return uuid.Nil, err
		}
		contentChanged = true
	}

	if err := i.recordPriceChange(ctx, raw.ID, sub, seenAt); err != nil {
		return uuid.Nil, err
	}

	i.count(sub.SourceName, "seen")
	if contentChanged {
		if err := i.broker.Enqueue(ctx, pipeline.NewJob(pipeline.StageExtract, raw.ID)); err != nil {
			return uuid.Nil, err
		}
	}
	return raw.ID, nil
}

// recordPriceChange appends a price point when the scraped price differs
// from the normalized listing's current one. This is the signal the
// monitor pass consumes.
func (i *Ingestor) recordPriceChange(ctx context.Context, rawID uuid.UUID, sub Submission, seenAt time.Time) error {
	scraped := i.scrapedPriceBGN(sub)
	if scraped == nil {
		return nil
	}

	listing, err := i.store.Listings.GetByRawID(ctx, rawID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if listing.PriceBGN != nil && *listing.PriceBGN == *scraped {
		return nil
	}

	log.Info().
		Str("listing_id", listing.ID.String()).
		Float64("price_bgn", *scraped).
		Msg("price change observed")
	return i.store.Prices.Append(ctx, listing.ID, *scraped, seenAt)
}

func (i *Ingestor) scrapedPriceBGN(sub Submission) *float64 {
	if len(sub.ParsedMap) == 0 {
		return nil
	}
	f, err := extract.DecodeParsed(sub.ParsedMap)
	if err != nil || f.Price == nil || *f.Price <= 0 {
		return nil
	}
	currency := "BGN"
	if f.Currency != nil {
		currency = *f.Currency
	}
	rate, ok := i.fx.Rates[currency]
	if !ok {
		rate = 1.0
	}
	v := *f.Price * rate
	return &v
}

// richerHTML reports whether the new capture is worth keeping: raw_html is
// never overwritten unless the content grew non-trivially.
func richerHTML(old *string, candidate string) bool {
	if candidate == "" {
		return false
	}
	if old == nil || *old == "" {
		return true
	}
	return len(candidate) > len(*old)+len(*old)/10
}

func (i *Ingestor) count(source, outcome string) {
	if i.metrics != nil {
		i.metrics.IngestedListings.WithLabelValues(source, outcome).Inc()
	}
}
