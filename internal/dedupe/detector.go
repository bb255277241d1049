package dedupe

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

// Verdict is the outcome of duplicate detection for one listing.
type Verdict struct {
	IsDuplicate bool
	CanonicalOf uuid.UUID
	Method      model.DedupeMethod
	Confidence  float64
}

// Tier confidences mirror signal reliability, not similarity magnitude.
const (
	confSellerPhone = 0.95
	confImagePHash  = 0.90
	confEmbedding   = 0.80
	confTitle       = 0.75
)

// Detector runs the tiered duplicate check and records decisions. All
// writes happen in one transaction with the duplicate marking.
type Detector struct {
	store *store.Store
	cfg   config.DedupeConfig
}

func NewDetector(st *store.Store, cfg config.DedupeConfig) *Detector {
	return &Detector{store: st, cfg: cfg}
}

// Detect evaluates the listing against non-duplicate candidates in its
// source. Tiers run in reliability order and the first hit wins. Among
// multiple hits inside a tier the oldest candidate becomes canonical; a
// listing is never marked duplicate of a younger one.
func (d *Detector) Detect(ctx context.Context, l model.NormalizedListing, sig model.DedupeSignature, sourceID uuid.UUID) (*Verdict, error) {
	if l.Brand == nil || l.Model == nil {
		return &Verdict{}, nil
	}

	// Tier 1: same seller phone, same vehicle, price within tolerance.
	if l.SellerID != nil {
		peers, err := d.store.Listings.CandidatesBySeller(ctx, *l.SellerID, l.ID)
		if err != nil {
			return nil, err
		}
		for _, cand := range peers {
			if !sameVehicle(l, cand) || !cand.CreatedAt.Before(l.CreatedAt) {
				continue
			}
			if !priceWithinPct(l.PriceBGN, cand.PriceBGN, d.cfg.PriceTolerancePct) {
				continue
			}
			return &Verdict{IsDuplicate: true, CanonicalOf: cand.ID, Method: model.DedupeBySeller, Confidence: confSellerPhone}, nil
		}
	}

	candidates, err := d.store.Listings.DedupeCandidates(ctx, sourceID, *l.Brand, *l.Model, l.ID)
	if err != nil {
		return nil, err
	}

	// Tier 2: identical or near-identical first image.
	if sig.FirstImagePHash != nil {
		for _, cand := range candidates {
			if cand.Signature == nil || cand.Signature.FirstImagePHash == nil {
				continue
			}
			if !cand.Listing.CreatedAt.Before(l.CreatedAt) {
				continue
			}
			if HammingDistance(*sig.FirstImagePHash, *cand.Signature.FirstImagePHash) <= 4 {
				return &Verdict{IsDuplicate: true, CanonicalOf: cand.Listing.ID, Method: model.DedupeByImage, Confidence: confImagePHash}, nil
			}
		}
	}

	// Tier 3: title trigram similarity with matching vehicle attributes.
	for _, cand := range candidates {
		if !cand.Listing.CreatedAt.Before(l.CreatedAt) || !sameVehicle(l, cand.Listing) {
			continue
		}
		candTitle := ""
		if cand.Signature != nil {
			candTitle = cand.Signature.TitleNorm
		}
		if TrigramSimilarity(sig.TitleNorm, candTitle) >= d.cfg.TextSimilarityThreshold {
			return &Verdict{IsDuplicate: true, CanonicalOf: cand.Listing.ID, Method: model.DedupeByTitle, Confidence: confTitle}, nil
		}
	}

	// Tier 4: description embedding similarity.
	if len(sig.Embedding) > 0 {
		for _, cand := range candidates {
			if cand.Signature == nil || len(cand.Signature.Embedding) == 0 {
				continue
			}
			if !cand.Listing.CreatedAt.Before(l.CreatedAt) {
				continue
			}
			if CosineSimilarity(sig.Embedding, cand.Signature.Embedding) >= d.cfg.EmbeddingThreshold {
				return &Verdict{IsDuplicate: true, CanonicalOf: cand.Listing.ID, Method: model.DedupeByEmbedding, Confidence: confEmbedding}, nil
			}
		}
	}

	return &Verdict{}, nil
}

// Apply persists a duplicate verdict: resolves the canonical root, marks
// the listing and appends the audit entry, all in one transaction. A
// canonical that became a duplicate since detection is followed to its
// root before writing.
func (d *Detector) Apply(ctx context.Context, listingID uuid.UUID, v Verdict) error {
	if !v.IsDuplicate {
		return nil
	}
	return d.store.InTx(ctx, func(ctx context.Context, tx *store.Store) error {
		root, err := resolveRoot(ctx, tx, v.CanonicalOf, listingID)
		if err != nil {
			return err
		}
		if err := tx.Listings.MarkDuplicate(ctx, listingID, root); err != nil {
			var ie *model.InvariantError
			if errors.As(err, &ie) {
				log.Warn().
					Str("listing_id", listingID.String()).
					Str("canonical_of", root.String()).
					Str("invariant", ie.Invariant).
					Msg("duplicate verdict dropped")
				return nil
			}
			return err
		}
		return tx.DupLog.Append(ctx, model.DuplicateDecision{
			ListingID:   listingID,
			DuplicateOf: root,
			Method:      v.Method,
			Score:       v.Confidence,
			DecidedAt:   time.Now().UTC(),
		})
	})
}

// resolveRoot follows canonical pointers to the non-duplicate root,
// refusing paths that loop back to the subject.
func resolveRoot(ctx context.Context, tx *store.Store, start, subject uuid.UUID) (uuid.UUID, error) {
	cur := start
	for hops := 0; hops < 16; hops++ {
		if cur == subject {
			return uuid.Nil, &model.InvariantError{Invariant: "dup_acyclic", Detail: "canonical chain loops back to subject"}
		}
		l, err := tx.Listings.GetByID(ctx, cur)
		if err != nil {
			return uuid.Nil, err
		}
		if !l.IsDuplicate || l.DuplicateOf == nil {
			return cur, nil
		}
		cur = *l.DuplicateOf
	}
	return uuid.Nil, &model.InvariantError{Invariant: "dup_acyclic", Detail: "canonical chain too deep"}
}

func sameVehicle(a, b model.NormalizedListing) bool {
	if a.Brand == nil || b.Brand == nil || a.Model == nil || b.Model == nil {
		return false
	}
	if *a.Brand != *b.Brand || *a.Model != *b.Model {
		return false
	}
	if a.Year != nil && b.Year != nil && *a.Year != *b.Year {
		return false
	}
	return true
}

func priceWithinPct(a, b *float64, pct float64) bool {
	if a == nil || b == nil {
		return true
	}
	base := math.Max(*a, *b)
	if base == 0 {
		return true
	}
	return math.Abs(*a-*b)/base*100 <= pct
}
