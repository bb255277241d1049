package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/avtolov/avtolov/internal/store/storetest"
)

func strp(s string) *string     { return &s }
func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }

// notifyRecorder captures deals posted by the notify stage.
type notifyRecorder struct {
	mu    sync.Mutex
	keys  []string
	deals []notify.Deal
}

func (r *notifyRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var deal notify.Deal
		if err := json.NewDecoder(req.Body).Decode(&deal); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.mu.Lock()
		r.keys = append(r.keys, req.Header.Get("Idempotency-Key"))
		r.deals = append(r.deals, deal)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (r *notifyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deals)
}

type orchFixture struct {
	fix      *storetest.Fixture
	broker   *MemBroker
	orch     *Orchestrator
	src      model.Source
	recorder *notifyRecorder
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	fix := storetest.NewFixture()
	st := fix.Store()
	cfg := config.Default()

	recorder := &notifyRecorder{}
	server := httptest.NewServer(recorder.handler())
	t.Cleanup(server.Close)
	cfg.Notify.Endpoint = server.URL
	cfg.Notify.Timeout = 5 * time.Second
	cfg.Notify.RatePerHour = 600

	index := normalize.NewBrandModelIndex()
	require.NoError(t, normalize.SeedBrandModels(context.Background(), st.BrandModel))
	require.NoError(t, index.Reload(context.Background(), st.BrandModel))

	broker := NewMemBroker()
	orch := NewOrchestrator(OrchestratorDeps{
		Store:      st,
		Broker:     broker,
		Registry:   extract.NewRegistry(extract.MobileBG{}, extract.CarsBG{}),
		Normalizer: normalize.NewNormalizer(index, cfg.FX),
		SigBuilder: dedupe.NewSignatureBuilder(nil, nil),
		Detector:   dedupe.NewDetector(st, cfg.Dedupe),
		Comps:      comps.NewEngine(st, cfg.Comps),
		Scorer:     score.NewEngine(cfg.Scoring),
		Risk:       risk.NewService(st, nil, cfg.LLM),
		Notifier:   notify.NewClient(cfg.Notify),
		Config:     cfg.Pipeline,
	})

	return &orchFixture{
		fix:      fix,
		broker:   broker,
		orch:     orch,
		src:      fix.AddSource("mobile.bg"),
		recorder: recorder,
	}
}

// addRawWithParsed seeds one raw row carrying an already-extracted payload.
func (f *orchFixture) addRawWithParsed(parsed string, firstSeen time.Time) model.RawListing {
	raw := f.fix.AddRaw(f.src, uuid.NewString(), firstSeen)
	raw.ParsedData = []byte(parsed)
	f.fix.RawRows[raw.ID] = raw
	return raw
}

// drain pumps jobs through the orchestrator until every queue is empty.
func (f *orchFixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		progressed := false
		for _, stage := range Stages {
			d, err := f.broker.Dequeue(ctx, stage)
			require.NoError(t, err)
			if d == nil {
				continue
			}
			require.NoError(t, f.orch.Handle(ctx, d.Job))
			progressed = true
		}
		if !progressed {
			return
		}
	}
	t.Fatal("pipeline did not drain")
}

// dealPayload is a listing that should come out approved: sweet spot price,
// deep discount against 30 identical peers, recent year, low mileage.
func dealPayload(year int) string {
	desc := strings.Repeat("Перфектно поддържан автомобил, сервизна история. ", 3)
	return fmt.Sprintf(`{
		"title": "VW Golf 2.0 TDI",
		"brand": "VW",
		"model": "Golf",
		"year": %d,
		"mileage_km": 25000,
		"fuel": "Дизел",
		"gearbox": "Ръчна",
		"price": 28000,
		"currency": "BGN",
		"description": %q
	}`, year, desc)
}

func marketPeers(n int, price float64) []store.Peer {
	out := make([]store.Peer, n)
	for i := range out {
		out[i] = store.Peer{ID: uuid.New(), PriceBGN: price}
	}
	return out
}

func TestPipelineEndToEndApprovesAndPosts(t *testing.T) {
	f := newOrchFixture(t)
	f.fix.Peers = marketPeers(30, 38_000)

	year := time.Now().UTC().Year() - 2
	raw := f.addRawWithParsed(dealPayload(year), time.Now().UTC().Add(-3*time.Hour))

	require.NoError(t, f.broker.Enqueue(context.Background(), NewJob(StageExtract, raw.ID)))
	f.drain(t)

	// Normalized listing exists and is canonical.
	require.Len(t, f.fix.ListingRows, 1)
	var listing model.NormalizedListing
	for _, l := range f.fix.ListingRows {
		listing = l
	}
	assert.Equal(t, "volkswagen", *listing.Brand)
	assert.Equal(t, "golf", *listing.Model)
	assert.Equal(t, 28_000.0, *listing.PriceBGN)
	assert.False(t, listing.IsDuplicate)

	// Signature, comparables and score were persisted.
	assert.Contains(t, f.fix.SignatureRows, listing.ID)
	assert.Contains(t, f.fix.CompsRows, listing.ID)
	sc, ok := f.fix.ScoreRows[listing.ID]
	require.True(t, ok)
	assert.Equal(t, model.StateApproved, sc.FinalState)
	assert.GreaterOrEqual(t, sc.Score, 7.5)

	// The deal went out exactly once with a stable idempotency key.
	require.Equal(t, 1, f.recorder.count())
	deal := f.recorder.deals[0]
	assert.Equal(t, listing.ID, deal.ListingID)
	assert.Equal(t, raw.URL, deal.URL)
	assert.Equal(t, 28_000.0, deal.PriceBGN)
	assert.Equal(t, 38_000.0, deal.MedianBGN)
	assert.Equal(t, notify.IdempotencyKey(listing.ID, sc.Score, sc.ScoredAt), f.recorder.keys[0])
}

func TestHandleExtractParksUnextractableDocument(t *testing.T) {
	f := newOrchFixture(t)
	raw := f.fix.AddRaw(f.src, "111", time.Now().UTC())

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageExtract, raw.ID)))

	got := f.fix.RawRows[raw.ID]
	require.NotNil(t, got.ParseErrors)
	n, err := f.broker.Depth(context.Background(), StageNormalize)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleNormalizeWaitsForExtraction(t *testing.T) {
	f := newOrchFixture(t)
	raw := f.fix.AddRaw(f.src, "111", time.Now().UTC())

	err := f.orch.Handle(context.Background(), NewJob(StageNormalize, raw.ID))

	require.Error(t, err)
	assert.True(t, model.IsRetryable(err))
}

func TestHandleNormalizeParksMissingIdentity(t *testing.T) {
	f := newOrchFixture(t)
	raw := f.addRawWithParsed(`{"title":"нещо за продан","description":"без марка и цена"}`, time.Now().UTC())

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageNormalize, raw.ID)))

	got := f.fix.RawRows[raw.ID]
	require.NotNil(t, got.ParseErrors)
	assert.Empty(t, f.fix.ListingRows)
}

func TestHandleNormalizeAppendsPriceChange(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()
	year := now.Year() - 2
	raw := f.addRawWithParsed(dealPayload(year), now.Add(-time.Hour))

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageNormalize, raw.ID)))
	require.Len(t, f.fix.PriceRows, 1)
	assert.Equal(t, 28_000.0, f.fix.PriceRows[0].PriceBGN)

	// A later capture re-extracts with a lower price; the update path must
	// extend the history, not just overwrite the listing.
	repriced := strings.Replace(dealPayload(year), "28000", "26500", 1)
	got := f.fix.RawRows[raw.ID]
	got.ParsedData = []byte(repriced)
	f.fix.RawRows[raw.ID] = got

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageNormalize, raw.ID)))
	require.Len(t, f.fix.PriceRows, 2)
	assert.Equal(t, 26_500.0, f.fix.PriceRows[1].PriceBGN)

	// Replaying the same capture appends nothing.
	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageNormalize, raw.ID)))
	assert.Len(t, f.fix.PriceRows, 2)
}

func TestHandleDedupePersistsImageHash(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()

	var buf bytes.Buffer
	img := image.NewGray(image.Rect(0, 0, 18, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 18; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(255 - x*14)})
		}
	}
	require.NoError(t, png.Encode(&buf, img))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	t.Cleanup(server.Close)

	raw := f.addRawWithParsed(fmt.Sprintf(`{"title":"VW Golf","image_urls":[%q]}`, server.URL+"/1.png"), now)
	listing := f.fix.AddListing(model.NormalizedListing{
		RawID: raw.ID, Brand: strp("volkswagen"), Model: strp("golf"),
		Title: "VW Golf", CreatedAt: now,
	})

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageDedupe, listing.ID)))

	sig, ok := f.fix.SignatureRows[listing.ID]
	require.True(t, ok)
	require.NotNil(t, sig.FirstImagePHash)

	got := f.fix.ListingRows[listing.ID]
	require.NotNil(t, got.FirstImageHash)
	assert.Equal(t, model.PHash(*sig.FirstImagePHash), *got.FirstImageHash)
}

func TestHandleDedupeMarksRepost(t *testing.T) {
	f := newOrchFixture(t)
	now := time.Now().UTC()

	olderRaw := f.fix.AddRaw(f.src, "old", now.Add(-48*time.Hour))
	older := f.fix.AddListing(model.NormalizedListing{
		RawID: olderRaw.ID, Brand: strp("volkswagen"), Model: strp("golf"),
		Year: intp(2018), PriceBGN: floatp(19_000), Title: "VW Golf 7 2.0 TDI",
		CreatedAt: now.Add(-48 * time.Hour),
	})
	f.fix.SignatureRows[older.ID] = dedupe.NewSignatureBuilder(nil, nil).Build(context.Background(), older, "")

	newerRaw := f.addRawWithParsed(`{"title":"VW Golf 7 2.0 TDI"}`, now)
	newer := f.fix.AddListing(model.NormalizedListing{
		RawID: newerRaw.ID, Brand: strp("volkswagen"), Model: strp("golf"),
		Year: intp(2018), PriceBGN: floatp(19_000), Title: "VW Golf 7 2.0 TDI",
		CreatedAt: now,
	})

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageDedupe, newer.ID)))

	got := f.fix.ListingRows[newer.ID]
	assert.True(t, got.IsDuplicate)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, older.ID, *got.DuplicateOf)
	require.Len(t, f.fix.DupLogRows, 1)

	n, err := f.broker.Depth(context.Background(), StageScore)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScoreListingSkipsDuplicates(t *testing.T) {
	f := newOrchFixture(t)
	raw := f.fix.AddRaw(f.src, "111", time.Now().UTC())
	dup := f.fix.AddListing(model.NormalizedListing{RawID: raw.ID, IsDuplicate: true})

	result, err := f.orch.ScoreListing(context.Background(), dup.ID)

	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Empty(t, f.fix.ScoreRows)
}

func TestHandleScoreRejectsWithoutMarketData(t *testing.T) {
	f := newOrchFixture(t) // no peers preloaded
	now := time.Now().UTC()
	raw := f.fix.AddRaw(f.src, "111", now.Add(-time.Hour))
	listing := f.fix.AddListing(model.NormalizedListing{
		RawID: raw.ID, Brand: strp("volkswagen"), Model: strp("golf"),
		Year: intp(2022), PriceBGN: floatp(19_000), Title: "VW Golf",
	})

	require.NoError(t, f.orch.Handle(context.Background(), NewJob(StageScore, listing.ID)))

	sc, ok := f.fix.ScoreRows[listing.ID]
	require.True(t, ok)
	assert.Equal(t, model.StateRejected, sc.FinalState)

	n, err := f.broker.Depth(context.Background(), StageNotify)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestScoreListingIsIdempotent(t *testing.T) {
	f := newOrchFixture(t)
	f.fix.Peers = marketPeers(30, 38_000)
	now := time.Now().UTC()
	year := now.Year() - 2

	raw := f.fix.AddRaw(f.src, "111", now.Add(-3*time.Hour))
	listing := f.fix.AddListing(model.NormalizedListing{
		RawID: raw.ID, Brand: strp("volkswagen"), Model: strp("golf"),
		Year: &year, MileageKm: intp(25_000), PriceBGN: floatp(28_000),
		Title:       "VW Golf 2.0 TDI",
		Description: strings.Repeat("Перфектно поддържан автомобил, сервизна история. ", 3),
	})

	first, err := f.orch.ScoreListing(context.Background(), listing.ID)
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, first.State)
	scoredAt := f.fix.ScoreRows[listing.ID].ScoredAt

	second, err := f.orch.ScoreListing(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)

	// Unchanged outcome keeps the original revision, so the notify
	// idempotency key stays stable across replays.
	assert.Equal(t, scoredAt, f.fix.ScoreRows[listing.ID].ScoredAt)
}

func TestNotifyListingSkipsNonApproved(t *testing.T) {
	f := newOrchFixture(t)
	raw := f.fix.AddRaw(f.src, "111", time.Now().UTC())
	listing := f.fix.AddListing(model.NormalizedListing{RawID: raw.ID, Title: "VW Golf"})
	f.fix.ScoreRows[listing.ID] = model.Score{
		ListingID: listing.ID, Score: 6.5, FinalState: model.StateDraft, ScoredAt: time.Now().UTC(),
	}

	require.NoError(t, f.orch.NotifyListing(context.Background(), listing.ID))
	assert.Zero(t, f.recorder.count())
}

func TestHandleUnknownStage(t *testing.T) {
	f := newOrchFixture(t)
	err := f.orch.Handle(context.Background(), Job{Stage: "compact", EntityID: uuid.New()})
	require.Error(t, err)
	assert.False(t, model.IsRetryable(err))
}
