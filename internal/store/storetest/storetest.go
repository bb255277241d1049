// Package storetest provides an in-memory Store for package tests. It
// honors the repository contracts close enough for pipeline logic tests:
// not-found sentinels, upsert semantics, duplicate invariants.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

// Fixture owns the backing maps and exposes a wired *store.Store.
type Fixture struct {
	mu sync.Mutex

	SourceRows    map[uuid.UUID]model.Source
	RawRows       map[uuid.UUID]model.RawListing
	ListingRows   map[uuid.UUID]model.NormalizedListing
	SellerRows    map[uuid.UUID]model.Seller
	PriceRows     []model.PricePoint
	SignatureRows map[uuid.UUID]model.DedupeSignature
	DupLogRows    []model.DuplicateDecision
	CompsRows     map[uuid.UUID]model.Comparables
	EvalRows      map[uuid.UUID]model.Evaluation
	ScoreRows     map[uuid.UUID]model.Score
	BrandModels   []model.BrandModelMapping

	// Peers is returned verbatim by SelectPeers; tests preload it.
	Peers []store.Peer
	// PeerFilters records every filter SelectPeers saw.
	PeerFilters []store.PeerFilter
}

func NewFixture() *Fixture {
	return &Fixture{
		SourceRows:    make(map[uuid.UUID]model.Source),
		RawRows:       make(map[uuid.UUID]model.RawListing),
		ListingRows:   make(map[uuid.UUID]model.NormalizedListing),
		SellerRows:    make(map[uuid.UUID]model.Seller),
		SignatureRows: make(map[uuid.UUID]model.DedupeSignature),
		CompsRows:     make(map[uuid.UUID]model.Comparables),
		EvalRows:      make(map[uuid.UUID]model.Evaluation),
		ScoreRows:     make(map[uuid.UUID]model.Score),
	}
}

// Store returns the aggregate backed by this fixture.
func (f *Fixture) Store() *store.Store {
	return store.NewStore(fakeTx{f},
		&sourceRepo{f}, &rawRepo{f}, &listingRepo{f}, &sellerRepo{f},
		&priceRepo{f}, &signatureRepo{f}, &dupLogRepo{f}, &compsRepo{f},
		&evalRepo{f}, &scoreRepo{f}, &brandModelRepo{f})
}

// AddSource inserts a source and returns it.
func (f *Fixture) AddSource(name string) model.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := model.Source{ID: uuid.New(), Name: name, Enabled: true}
	f.SourceRows[src.ID] = src
	return src
}

// AddRaw inserts a raw row owned by src.
func (f *Fixture) AddRaw(src model.Source, siteAdID string, firstSeen time.Time) model.RawListing {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := model.RawListing{
		ID: uuid.New(), SourceID: src.ID, SiteAdID: siteAdID,
		URL: "https://" + src.Name + "/" + siteAdID, IsActive: true,
		FirstSeenAt: firstSeen, LastSeenAt: firstSeen,
	}
	f.RawRows[raw.ID] = raw
	return raw
}

// AddListing inserts a normalized listing.
func (f *Fixture) AddListing(l model.NormalizedListing) model.NormalizedListing {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	f.ListingRows[l.ID] = l
	return l
}

// fakeTx runs the function against the same fixture; there is no isolation.
type fakeTx struct{ f *Fixture }

func (t fakeTx) InTx(ctx context.Context, fn func(ctx context.Context, tx *store.Store) error) error {
	return fn(ctx, t.f.Store())
}

type sourceRepo struct{ f *Fixture }

func (r *sourceRepo) GetByName(_ context.Context, name string) (*model.Source, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, s := range r.f.SourceRows {
		if s.Name == name {
			s := s
			return &s, nil
		}
	}
	return nil, model.ErrNotFound
}

func (r *sourceRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Source, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if s, ok := r.f.SourceRows[id]; ok {
		return &s, nil
	}
	return nil, model.ErrNotFound
}

func (r *sourceRepo) Upsert(_ context.Context, src model.Source) (*model.Source, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	r.f.SourceRows[src.ID] = src
	return &src, nil
}

func (r *sourceRepo) ListEnabled(_ context.Context) ([]model.Source, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []model.Source
	for _, s := range r.f.SourceRows {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}

type rawRepo struct{ f *Fixture }

func (r *rawRepo) GetByID(_ context.Context, id uuid.UUID) (*model.RawListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if raw, ok := r.f.RawRows[id]; ok {
		return &raw, nil
	}
	return nil, model.ErrNotFound
}

func (r *rawRepo) GetBySiteAd(_ context.Context, sourceID uuid.UUID, siteAdID string) (*model.RawListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, raw := range r.f.RawRows {
		if raw.SourceID == sourceID && raw.SiteAdID == siteAdID {
			raw := raw
			return &raw, nil
		}
	}
	return nil, model.ErrNotFound
}

func (r *rawRepo) Insert(_ context.Context, raw model.RawListing) (*model.RawListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, existing := range r.f.RawRows {
		if existing.SourceID == raw.SourceID && existing.SiteAdID == raw.SiteAdID {
			return nil, &model.InvariantError{Invariant: "raw_unique", Detail: "duplicate (source, site_ad_id)"}
		}
	}
	raw.ID = uuid.New()
	raw.IsActive = true
	r.f.RawRows[raw.ID] = raw
	return &raw, nil
}

func (r *rawRepo) TouchSeen(_ context.Context, id uuid.UUID, seenAt time.Time, httpStatus *int, etag, lastModified *string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	raw, ok := r.f.RawRows[id]
	if !ok {
		return model.ErrNotFound
	}
	raw.LastSeenAt = seenAt
	raw.IsActive = true
	if httpStatus != nil {
		raw.HTTPStatus = httpStatus
	}
	if etag != nil {
		raw.ETag = etag
	}
	if lastModified != nil {
		raw.LastModified = lastModified
	}
	r.f.RawRows[id] = raw
	return nil
}

func (r *rawRepo) SetRawHTML(_ context.Context, id uuid.UUID, html string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	raw, ok := r.f.RawRows[id]
	if !ok {
		return model.ErrNotFound
	}
	raw.RawHTML = &html
	r.f.RawRows[id] = raw
	return nil
}

func (r *rawRepo) SetParsedData(_ context.Context, id uuid.UUID, parsed []byte) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	raw, ok := r.f.RawRows[id]
	if !ok {
		return model.ErrNotFound
	}
	raw.ParsedData = parsed
	r.f.RawRows[id] = raw
	return nil
}

func (r *rawRepo) SetParseErrors(_ context.Context, id uuid.UUID, msg string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	raw, ok := r.f.RawRows[id]
	if !ok {
		return model.ErrNotFound
	}
	raw.ParseErrors = &msg
	r.f.RawRows[id] = raw
	return nil
}

func (r *rawRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	raw, ok := r.f.RawRows[id]
	if !ok {
		return model.ErrNotFound
	}
	raw.IsActive = false
	r.f.RawRows[id] = raw
	return nil
}

type listingRepo struct{ f *Fixture }

func (r *listingRepo) GetByID(_ context.Context, id uuid.UUID) (*model.NormalizedListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if l, ok := r.f.ListingRows[id]; ok {
		return &l, nil
	}
	return nil, model.ErrNotFound
}

func (r *listingRepo) GetByRawID(_ context.Context, rawID uuid.UUID) (*model.NormalizedListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for _, l := range r.f.ListingRows {
		if l.RawID == rawID {
			l := l
			return &l, nil
		}
	}
	return nil, model.ErrNotFound
}

func (r *listingRepo) Upsert(_ context.Context, l model.NormalizedListing) (*model.NormalizedListing, bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for id, existing := range r.f.ListingRows {
		if existing.RawID == l.RawID {
			l.ID = id
			l.IsDuplicate = existing.IsDuplicate
			l.DuplicateOf = existing.DuplicateOf
			l.CreatedAt = existing.CreatedAt
			if l.FirstImageHash == nil {
				l.FirstImageHash = existing.FirstImageHash
			}
			l.ListingVersion = existing.ListingVersion + 1
			r.f.ListingRows[id] = l
			return &l, false, nil
		}
	}
	l.ID = uuid.New()
	l.ListingVersion = 1
	r.f.ListingRows[l.ID] = l
	return &l, true, nil
}

func (r *listingRepo) SetFirstImageHash(_ context.Context, id uuid.UUID, hash model.PHash) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	l, ok := r.f.ListingRows[id]
	if !ok {
		return model.ErrNotFound
	}
	l.FirstImageHash = &hash
	r.f.ListingRows[id] = l
	return nil
}

func (r *listingRepo) MarkDuplicate(_ context.Context, id, canonicalOf uuid.UUID) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	l, ok := r.f.ListingRows[id]
	if !ok {
		return model.ErrNotFound
	}
	canonical, ok := r.f.ListingRows[canonicalOf]
	if !ok {
		return model.ErrNotFound
	}
	if canonical.IsDuplicate {
		return &model.InvariantError{Invariant: "dup_canonical_root", Detail: "canonical target is itself a duplicate"}
	}
	if id == canonicalOf {
		return &model.InvariantError{Invariant: "dup_acyclic", Detail: "listing cannot duplicate itself"}
	}
	l.IsDuplicate = true
	l.DuplicateOf = &canonicalOf
	r.f.ListingRows[id] = l
	for cid, child := range r.f.ListingRows {
		if child.DuplicateOf != nil && *child.DuplicateOf == id {
			child.DuplicateOf = &canonicalOf
			r.f.ListingRows[cid] = child
		}
	}
	return nil
}

func (r *listingRepo) DedupeCandidates(_ context.Context, sourceID uuid.UUID, brand, mdl string, exclude uuid.UUID) ([]store.DedupeCandidate, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []store.DedupeCandidate
	for _, l := range r.f.ListingRows {
		if l.ID == exclude || l.IsDuplicate {
			continue
		}
		raw, ok := r.f.RawRows[l.RawID]
		if !ok || raw.SourceID != sourceID {
			continue
		}
		if l.Brand == nil || l.Model == nil || *l.Brand != brand || *l.Model != mdl {
			continue
		}
		c := store.DedupeCandidate{Listing: l}
		if sig, ok := r.f.SignatureRows[l.ID]; ok {
			sig := sig
			c.Signature = &sig
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *listingRepo) CandidatesBySeller(_ context.Context, sellerID uuid.UUID, exclude uuid.UUID) ([]model.NormalizedListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []model.NormalizedListing
	for _, l := range r.f.ListingRows {
		if l.ID == exclude || l.IsDuplicate || l.SellerID == nil || *l.SellerID != sellerID {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *listingRepo) SelectPeers(_ context.Context, f store.PeerFilter) ([]store.Peer, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	r.f.PeerFilters = append(r.f.PeerFilters, f)
	return r.f.Peers, nil
}

func (r *listingRepo) RecentlyActive(_ context.Context, since time.Time, firstSeenAfter time.Time) ([]model.NormalizedListing, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []model.NormalizedListing
	for _, l := range r.f.ListingRows {
		if l.IsDuplicate {
			continue
		}
		raw, ok := r.f.RawRows[l.RawID]
		if !ok || !raw.IsActive {
			continue
		}
		if raw.LastSeenAt.Before(since) || raw.FirstSeenAt.Before(firstSeenAfter) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (r *listingRepo) StaleApproved(_ context.Context, scoredBefore time.Time, createdAfter time.Time) ([]uuid.UUID, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []uuid.UUID
	for id, sc := range r.f.ScoreRows {
		if sc.FinalState != model.StateApproved || !sc.ScoredAt.Before(scoredBefore) {
			continue
		}
		l, ok := r.f.ListingRows[id]
		if !ok || l.CreatedAt.Before(createdAfter) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

type sellerRepo struct{ f *Fixture }

func (r *sellerRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Seller, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if s, ok := r.f.SellerRows[id]; ok {
		return &s, nil
	}
	return nil, model.ErrNotFound
}

func (r *sellerRepo) UpsertByPhoneHash(_ context.Context, phoneHash string, name *string) (*model.Seller, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for id, s := range r.f.SellerRows {
		if s.PhoneHash == phoneHash {
			s.ContactCount++
			if s.Name == nil {
				s.Name = name
			}
			r.f.SellerRows[id] = s
			return &s, nil
		}
	}
	s := model.Seller{ID: uuid.New(), PhoneHash: phoneHash, Name: name, ContactCount: 1}
	r.f.SellerRows[s.ID] = s
	return &s, nil
}

type priceRepo struct{ f *Fixture }

func (r *priceRepo) Append(_ context.Context, listingID uuid.UUID, priceBGN float64, seenAt time.Time) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for i := len(r.f.PriceRows) - 1; i >= 0; i-- {
		if r.f.PriceRows[i].ListingID != listingID {
			continue
		}
		if r.f.PriceRows[i].PriceBGN == priceBGN {
			return nil
		}
		break
	}
	r.f.PriceRows = append(r.f.PriceRows, model.PricePoint{
		ID: uuid.New(), ListingID: listingID, PriceBGN: priceBGN, SeenAt: seenAt,
	})
	return nil
}

func (r *priceRepo) Latest(_ context.Context, listingID uuid.UUID) (*model.PricePoint, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	for i := len(r.f.PriceRows) - 1; i >= 0; i-- {
		if r.f.PriceRows[i].ListingID == listingID {
			p := r.f.PriceRows[i]
			return &p, nil
		}
	}
	return nil, model.ErrNotFound
}

func (r *priceRepo) History(_ context.Context, listingID uuid.UUID, limit int) ([]model.PricePoint, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []model.PricePoint
	for i := len(r.f.PriceRows) - 1; i >= 0 && len(out) < limit; i-- {
		if r.f.PriceRows[i].ListingID == listingID {
			out = append(out, r.f.PriceRows[i])
		}
	}
	return out, nil
}

type signatureRepo struct{ f *Fixture }

func (r *signatureRepo) Upsert(_ context.Context, sig model.DedupeSignature) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	r.f.SignatureRows[sig.ListingID] = sig
	return nil
}

func (r *signatureRepo) GetByListing(_ context.Context, listingID uuid.UUID) (*model.DedupeSignature, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if sig, ok := r.f.SignatureRows[listingID]; ok {
		return &sig, nil
	}
	return nil, model.ErrNotFound
}

type dupLogRepo struct{ f *Fixture }

func (r *dupLogRepo) Append(_ context.Context, d model.DuplicateDecision) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	r.f.DupLogRows = append(r.f.DupLogRows, d)
	return nil
}

func (r *dupLogRepo) ListByListing(_ context.Context, listingID uuid.UUID) ([]model.DuplicateDecision, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []model.DuplicateDecision
	for _, d := range r.f.DupLogRows {
		if d.ListingID == listingID {
			out = append(out, d)
		}
	}
	return out, nil
}

type compsRepo struct{ f *Fixture }

func (r *compsRepo) Upsert(_ context.Context, c model.Comparables) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.f.CompsRows[c.ListingID] = c
	return nil
}

func (r *compsRepo) GetByListing(_ context.Context, listingID uuid.UUID) (*model.Comparables, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if c, ok := r.f.CompsRows[listingID]; ok {
		return &c, nil
	}
	return nil, model.ErrNotFound
}

type evalRepo struct{ f *Fixture }

func (r *evalRepo) Upsert(_ context.Context, e model.Evaluation) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.f.EvalRows[e.ListingID] = e
	return nil
}

func (r *evalRepo) GetByListing(_ context.Context, listingID uuid.UUID) (*model.Evaluation, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if e, ok := r.f.EvalRows[listingID]; ok {
		return &e, nil
	}
	return nil, model.ErrNotFound
}

type scoreRepo struct{ f *Fixture }

func (r *scoreRepo) Upsert(_ context.Context, s model.Score) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	r.f.ScoreRows[s.ListingID] = s
	return nil
}

func (r *scoreRepo) GetByListing(_ context.Context, listingID uuid.UUID) (*model.Score, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if s, ok := r.f.ScoreRows[listingID]; ok {
		return &s, nil
	}
	return nil, model.ErrNotFound
}

type brandModelRepo struct{ f *Fixture }

func (r *brandModelRepo) ListActive(_ context.Context) ([]model.BrandModelMapping, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []model.BrandModelMapping
	for _, m := range r.f.BrandModels {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *brandModelRepo) Upsert(_ context.Context, m model.BrandModelMapping) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	for i, existing := range r.f.BrandModels {
		if existing.Brand == m.Brand && existing.Model == m.Model && existing.Locale == m.Locale {
			r.f.BrandModels[i] = m
			return nil
		}
	}
	r.f.BrandModels = append(r.f.BrandModels, m)
	return nil
}
