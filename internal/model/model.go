package model

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PHash is a 64-bit perceptual image hash. The database column is a signed
// BIGINT, so values round-trip through a bit cast.
type PHash uint64

func (h *PHash) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("scan PHash: unsupported type %T", src)
	}
	*h = PHash(uint64(v))
	return nil
}

func (h PHash) Value() (driver.Value, error) {
	return int64(h), nil
}

// FinalState is the terminal decision attached to a Score.
type FinalState string

const (
	StateDraft    FinalState = "draft"
	StateApproved FinalState = "approved"
	StateRejected FinalState = "rejected"
)

// RiskLevel classifies a listing's risk from rule and LLM evaluation.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// DedupeMethod identifies which detection tier decided a duplicate.
type DedupeMethod string

const (
	DedupeBySeller    DedupeMethod = "seller_phone"
	DedupeByImage     DedupeMethod = "image_phash"
	DedupeByTitle     DedupeMethod = "title_trigram"
	DedupeByEmbedding DedupeMethod = "embedding"
)

// Source is a marketplace listings are crawled from.
type Source struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	BaseURL        string    `json:"base_url" db:"base_url"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	CrawlIntervalS int       `json:"crawl_interval_s" db:"crawl_interval_s"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// RawListing is a captured marketplace document. (source_id, site_ad_id) is
// unique; rows are soft-deactivated, never deleted.
type RawListing struct {
	ID           uuid.UUID `json:"id" db:"id"`
	SourceID     uuid.UUID `json:"source_id" db:"source_id"`
	SiteAdID     string    `json:"site_ad_id" db:"site_ad_id"`
	URL          string    `json:"url" db:"url"`
	RawHTML      *string   `json:"raw_html,omitempty" db:"raw_html"`
	ParsedData   []byte    `json:"parsed_data,omitempty" db:"parsed_data"`
	FirstSeenAt  time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	HTTPStatus   *int      `json:"http_status,omitempty" db:"http_status"`
	ETag         *string   `json:"etag,omitempty" db:"etag"`
	LastModified *string   `json:"last_modified,omitempty" db:"last_modified"`
	ParseErrors  *string   `json:"parse_errors,omitempty" db:"parse_errors"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// NormalizedListing is the canonical record owned 1:1 by a RawListing.
type NormalizedListing struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	RawID           uuid.UUID  `json:"raw_id" db:"raw_id"`
	Brand           *string    `json:"brand,omitempty" db:"brand"`
	Model           *string    `json:"model,omitempty" db:"model"`
	Year            *int       `json:"year,omitempty" db:"year"`
	MileageKm       *int       `json:"mileage_km,omitempty" db:"mileage_km"`
	Fuel            *string    `json:"fuel,omitempty" db:"fuel"`
	Gearbox         *string    `json:"gearbox,omitempty" db:"gearbox"`
	Body            *string    `json:"body,omitempty" db:"body"`
	PriceBGN        *float64   `json:"price_bgn,omitempty" db:"price_bgn"`
	Currency        *string    `json:"currency,omitempty" db:"currency"`
	Region          *string    `json:"region,omitempty" db:"region"`
	Title           string     `json:"title" db:"title"`
	Description     string     `json:"description" db:"description"`
	DescriptionHash string     `json:"description_hash" db:"description_hash"`
	FirstImageHash  *PHash     `json:"first_image_hash,omitempty" db:"first_image_hash"`
	ImageCount      int        `json:"image_count" db:"image_count"`
	ListingVersion  int        `json:"listing_version" db:"listing_version"`
	IsDuplicate     bool       `json:"is_duplicate" db:"is_duplicate"`
	DuplicateOf     *uuid.UUID `json:"duplicate_of,omitempty" db:"duplicate_of"`
	SellerID        *uuid.UUID `json:"seller_id,omitempty" db:"seller_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// Seller is an identity aggregated by hashed phone number.
type Seller struct {
	ID           uuid.UUID `json:"id" db:"id"`
	PhoneHash    string    `json:"phone_hash" db:"phone_hash"`
	Name         *string   `json:"name,omitempty" db:"name"`
	ContactCount int       `json:"contact_count" db:"contact_count"`
	Blacklisted  bool      `json:"blacklisted" db:"blacklisted"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// PricePoint is one append-only price observation.
type PricePoint struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ListingID uuid.UUID `json:"listing_id" db:"listing_id"`
	PriceBGN  float64   `json:"price_bgn" db:"price_bgn"`
	SeenAt    time.Time `json:"seen_at" db:"seen_at"`
}

// DedupeSignature holds the per-listing similarity signals.
type DedupeSignature struct {
	ID              uuid.UUID `json:"id" db:"id"`
	ListingID       uuid.UUID `json:"listing_id" db:"listing_id"`
	TitleNorm       string    `json:"title_norm" db:"title_norm"`
	TitleMinhash    []byte    `json:"title_minhash" db:"title_minhash"`
	DescMinhash     []byte    `json:"desc_minhash" db:"desc_minhash"`
	FirstImagePHash *uint64   `json:"first_image_phash,omitempty" db:"first_image_phash"`
	Embedding       []float64 `json:"embedding,omitempty" db:"embedding"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// DuplicateDecision is one append-only audit entry per duplicate verdict.
type DuplicateDecision struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	ListingID   uuid.UUID    `json:"listing_id" db:"listing_id"`
	DuplicateOf uuid.UUID    `json:"duplicate_of" db:"duplicate_of"`
	Method      DedupeMethod `json:"method" db:"method"`
	Score       float64      `json:"score" db:"score"`
	DecidedAt   time.Time    `json:"decided_at" db:"decided_at"`
}

// Comparables is the cached pricing analysis for one listing.
type Comparables struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ListingID    uuid.UUID `json:"listing_id" db:"listing_id"`
	SampleSize   int       `json:"sample_size" db:"sample_size"`
	Mean         float64   `json:"mean" db:"mean"`
	StdDev       float64   `json:"std_dev" db:"std_dev"`
	P10          float64   `json:"p10" db:"p10"`
	P25          float64   `json:"p25" db:"p25"`
	P50          float64   `json:"p50" db:"p50"`
	P75          float64   `json:"p75" db:"p75"`
	P90          float64   `json:"p90" db:"p90"`
	DiscountPct  float64   `json:"discount_pct" db:"discount_pct"`
	Confidence   float64   `json:"confidence" db:"confidence"`
	Position     string    `json:"position" db:"position"`
	SubjectPrice float64   `json:"subject_price" db:"subject_price"`
	ModelVersion string    `json:"model_version" db:"model_version"`
	ComputedAt   time.Time `json:"computed_at" db:"computed_at"`
}

// Evaluation is the risk classification for one listing.
type Evaluation struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ListingID      uuid.UUID `json:"listing_id" db:"listing_id"`
	Flags          []byte    `json:"flags" db:"flags"`
	RiskLevel      RiskLevel `json:"risk_level" db:"risk_level"`
	LLMSummary     *string   `json:"llm_summary,omitempty" db:"llm_summary"`
	RuleConfidence float64   `json:"rule_confidence" db:"rule_confidence"`
	LLMConfidence  *float64  `json:"llm_confidence,omitempty" db:"llm_confidence"`
	ModelVersions  []byte    `json:"model_versions,omitempty" db:"model_versions"`
	EvaluatedAt    time.Time `json:"evaluated_at" db:"evaluated_at"`
}

// Score is the final rating; at most one row per listing, replaced in place.
type Score struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	ListingID      uuid.UUID  `json:"listing_id" db:"listing_id"`
	Score          float64    `json:"score" db:"score"`
	Reasons        []string   `json:"reasons" db:"-"`
	ReasonsJSON    []byte     `json:"-" db:"reasons"`
	FreshnessBonus float64    `json:"freshness_bonus" db:"freshness_bonus"`
	Liquidity      float64    `json:"liquidity" db:"liquidity"`
	RiskPenalty    float64    `json:"risk_penalty" db:"risk_penalty"`
	FinalState     FinalState `json:"final_state" db:"final_state"`
	ScoredAt       time.Time  `json:"scored_at" db:"scored_at"`
}

// BrandModelMapping maps a raw (brand, model, locale) tuple to its canonical
// pair, with alternative spellings.
type BrandModelMapping struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Brand           string    `json:"brand" db:"brand"`
	Model           string    `json:"model" db:"model"`
	Aliases         []string  `json:"aliases" db:"-"`
	AliasesJSON     []byte    `json:"-" db:"aliases"`
	Locale          string    `json:"locale" db:"locale"`
	NormalizedBrand string    `json:"normalized_brand" db:"normalized_brand"`
	NormalizedModel string    `json:"normalized_model" db:"normalized_model"`
	Active          bool      `json:"active" db:"active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
