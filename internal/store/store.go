package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/avtolov/avtolov/internal/model"
)

// PeerFilter narrows the comparables peer query. Fuel and Gearbox are
// optional refinements that the engine drops when the sample gets too small.
type PeerFilter struct {
	Brand        string
	Model        string
	YearMin      int
	YearMax      int
	MileageMin   *int
	MileageMax   *int
	Fuel         *string
	Gearbox      *string
	PriceMin     float64
	PriceMax     float64
	MinPeerPrice float64
	CreatedAfter time.Time
	ExcludeID    uuid.UUID
}

// Peer is one comparable listing row returned by the peer query.
type Peer struct {
	ID        uuid.UUID `db:"id"`
	PriceBGN  float64   `db:"price_bgn"`
	Year      int       `db:"year"`
	MileageKm *int      `db:"mileage_km"`
	CreatedAt time.Time `db:"created_at"`
}

// DedupeCandidate is a non-duplicate listing in the same source considered
// during duplicate detection, joined with its signature when present.
type DedupeCandidate struct {
	Listing   model.NormalizedListing
	Signature *model.DedupeSignature
}

// SourceRepo manages marketplace sources.
type SourceRepo interface {
	GetByName(ctx context.Context, name string) (*model.Source, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Source, error)
	Upsert(ctx context.Context, src model.Source) (*model.Source, error)
	ListEnabled(ctx context.Context) ([]model.Source, error)
}

// RawRepo manages captured documents. Rows are never deleted.
type RawRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.RawListing, error)
	GetBySiteAd(ctx context.Context, sourceID uuid.UUID, siteAdID string) (*model.RawListing, error)
	Insert(ctx context.Context, raw model.RawListing) (*model.RawListing, error)
	// TouchSeen updates last_seen, merges HTTP metadata and reactivates an
	// inactive row. Idempotent at the data level.
	TouchSeen(ctx context.Context, id uuid.UUID, seenAt time.Time, httpStatus *int, etag, lastModified *string) error
	SetRawHTML(ctx context.Context, id uuid.UUID, html string) error
	SetParsedData(ctx context.Context, id uuid.UUID, parsed []byte) error
	SetParseErrors(ctx context.Context, id uuid.UUID, msg string) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// ListingRepo manages normalized listings and the duplicate graph.
type ListingRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.NormalizedListing, error)
	GetByRawID(ctx context.Context, rawID uuid.UUID) (*model.NormalizedListing, error)
	// Upsert writes the listing keyed by raw_id. The version counter
	// increments only when a normalized field actually changed; the bool
	// result reports whether this call created the row.
	Upsert(ctx context.Context, l model.NormalizedListing) (*model.NormalizedListing, bool, error)
	// SetFirstImageHash records the perceptual hash of the first listing
	// image. Written by the dedupe stage after signature computation.
	SetFirstImageHash(ctx context.Context, id uuid.UUID, hash model.PHash) error
	// MarkDuplicate sets is_duplicate and the canonical pointer under a row
	// lock. The target must be a non-duplicate listing in the same source;
	// violations return an InvariantError.
	MarkDuplicate(ctx context.Context, id, canonicalOf uuid.UUID) error
	// DedupeCandidates returns non-duplicate listings in the same source
	// sharing the canonical brand/model, oldest first.
	DedupeCandidates(ctx context.Context, sourceID uuid.UUID, brand, model string, exclude uuid.UUID) ([]DedupeCandidate, error)
	// CandidatesBySeller returns non-duplicate listings by the same seller.
	CandidatesBySeller(ctx context.Context, sellerID uuid.UUID, exclude uuid.UUID) ([]model.NormalizedListing, error)
	SelectPeers(ctx context.Context, f PeerFilter) ([]Peer, error)
	// RecentlyActive returns fresh listings whose raw row was re-seen or
	// whose price changed inside the window. Used by the monitor pass.
	RecentlyActive(ctx context.Context, since time.Time, firstSeenAfter time.Time) ([]model.NormalizedListing, error)
	// StaleApproved returns approved listings scored before cutoff whose
	// normalized row is younger than maxAge.
	StaleApproved(ctx context.Context, scoredBefore time.Time, createdAfter time.Time) ([]uuid.UUID, error)
}

// SellerRepo aggregates sellers by hashed phone.
type SellerRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Seller, error)
	// UpsertByPhoneHash creates the seller on first observation and
	// increments contact_count on every subsequent one.
	UpsertByPhoneHash(ctx context.Context, phoneHash string, name *string) (*model.Seller, error)
}

// PriceRepo is the append-only price history log.
type PriceRepo interface {
	Append(ctx context.Context, listingID uuid.UUID, priceBGN float64, seenAt time.Time) error
	Latest(ctx context.Context, listingID uuid.UUID) (*model.PricePoint, error)
	History(ctx context.Context, listingID uuid.UUID, limit int) ([]model.PricePoint, error)
}

// SignatureRepo manages per-listing dedupe signatures.
type SignatureRepo interface {
	Upsert(ctx context.Context, sig model.DedupeSignature) error
	GetByListing(ctx context.Context, listingID uuid.UUID) (*model.DedupeSignature, error)
}

// DuplicateLogRepo is the append-only duplicate decision audit.
type DuplicateLogRepo interface {
	Append(ctx context.Context, d model.DuplicateDecision) error
	ListByListing(ctx context.Context, listingID uuid.UUID) ([]model.DuplicateDecision, error)
}

// CompsRepo caches comparables analyses, single writer per listing.
type CompsRepo interface {
	Upsert(ctx context.Context, c model.Comparables) error
	GetByListing(ctx context.Context, listingID uuid.UUID) (*model.Comparables, error)
}

// EvalRepo manages risk evaluations, one row per listing.
type EvalRepo interface {
	Upsert(ctx context.Context, e model.Evaluation) error
	GetByListing(ctx context.Context, listingID uuid.UUID) (*model.Evaluation, error)
}

// ScoreRepo manages final scores, one row per listing, replaced in place.
type ScoreRepo interface {
	Upsert(ctx context.Context, s model.Score) error
	GetByListing(ctx context.Context, listingID uuid.UUID) (*model.Score, error)
}

// BrandModelRepo is the read-mostly canonical brand/model lookup.
type BrandModelRepo interface {
	ListActive(ctx context.Context) ([]model.BrandModelMapping, error)
	Upsert(ctx context.Context, m model.BrandModelMapping) error
}

// Store aggregates all repositories behind one gateway.
type Store struct {
	Sources    SourceRepo
	Raw        RawRepo
	Listings   ListingRepo
	Sellers    SellerRepo
	Prices     PriceRepo
	Signatures SignatureRepo
	DupLog     DuplicateLogRepo
	Comps      CompsRepo
	Evals      EvalRepo
	Scores     ScoreRepo
	BrandModel BrandModelRepo

	tx TxRunner
}

// TxRunner executes fn inside one transaction; the transactional Store view
// passed to fn shares the connection. Release is guaranteed on all paths.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error
}

// NewStore wires a Store from its repositories.
func NewStore(tx TxRunner, sources SourceRepo, raw RawRepo, listings ListingRepo,
	sellers SellerRepo, prices PriceRepo, sigs SignatureRepo, dupLog DuplicateLogRepo,
	comps CompsRepo, evals EvalRepo, scores ScoreRepo, bm BrandModelRepo) *Store {
	return &Store{
		Sources:    sources,
		Raw:        raw,
		Listings:   listings,
		Sellers:    sellers,
		Prices:     prices,
		Signatures: sigs,
		DupLog:     dupLog,
		Comps:      comps,
		Evals:      evals,
		Scores:     scores,
		BrandModel: bm,
		tx:         tx,
	}
}

// InTx runs fn in a transaction when a runner is configured, otherwise
// directly against the base store.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	if s.tx == nil {
		return fn(ctx, s)
	}
	return s.tx.InTx(ctx, fn)
}
