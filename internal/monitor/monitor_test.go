package monitor

import (
	"context"
	"encoding/json"
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
	"github.com/avtolov/avtolov/internal/pipeline"
	"github.com/avtolov/avtolov/internal/risk"
	"github.com/avtolov/avtolov/internal/score"
	"github.com/avtolov/avtolov/internal/store"
	"github.com/avtolov/avtolov/internal/store/storetest"
)

func strp(s string) *string     { return &s }
func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }

type monitorFixture struct {
	fix     *storetest.Fixture
	mon     *Monitor
	src     model.Source
	posted  *int
	postsMu *sync.Mutex
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	fix := storetest.NewFixture()
	st := fix.Store()
	cfg := config.Default()

	posted := 0
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var deal notify.Deal
		require.NoError(t, json.NewDecoder(r.Body).Decode(&deal))
		mu.Lock()
		posted++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	cfg.Notify.Endpoint = server.URL
	cfg.Notify.RatePerHour = 600

	orch := pipeline.NewOrchestrator(pipeline.OrchestratorDeps{
		Store:      st,
		Broker:     pipeline.NewMemBroker(),
		Registry:   extract.NewRegistry(extract.MobileBG{}),
		Normalizer: normalize.NewNormalizer(normalize.NewBrandModelIndex(), cfg.FX),
		SigBuilder: dedupe.NewSignatureBuilder(nil, nil),
		Detector:   dedupe.NewDetector(st, cfg.Dedupe),
		Comps:      comps.NewEngine(st, cfg.Comps),
		Scorer:     score.NewEngine(cfg.Scoring),
		Risk:       risk.NewService(st, nil, cfg.LLM),
		Notifier:   notify.NewClient(cfg.Notify),
		Config:     cfg.Pipeline,
	})

	return &monitorFixture{
		fix:     fix,
		mon:     New(st, orch, cfg.Monitor),
		src:     fix.AddSource("mobile.bg"),
		posted:  &posted,
		postsMu: &mu,
	}
}

func (f *monitorFixture) postedCount() int {
	f.postsMu.Lock()
	defer f.postsMu.Unlock()
	return *f.posted
}

// addDeal seeds one fresh listing that should come out approved against
// the preloaded peer market.
func (f *monitorFixture) addDeal(edit func(*model.NormalizedListing)) model.NormalizedListing {
	now := time.Now().UTC()
	year := now.Year() - 2
	raw := f.fix.AddRaw(f.src, uuid.NewString(), now.Add(-time.Minute))
	l := model.NormalizedListing{
		RawID:       raw.ID,
		Brand:       strp("volkswagen"),
		Model:       strp("golf"),
		Year:        &year,
		MileageKm:   intp(25_000),
		PriceBGN:    floatp(28_000),
		Title:       "VW Golf 2.0 TDI",
		Description: strings.Repeat("Перфектно поддържан автомобил, сервизна история. ", 3),
	}
	if edit != nil {
		edit(&l)
	}
	return f.fix.AddListing(l)
}

func marketPeers(n int, price float64) []store.Peer {
	out := make([]store.Peer, n)
	for i := range out {
		out[i] = store.Peer{ID: uuid.New(), PriceBGN: price}
	}
	return out
}

func TestRunPostsBestDealsCapped(t *testing.T) {
	f := newMonitorFixture(t)
	f.fix.Peers = marketPeers(30, 38_000)

	for i := 0; i < 5; i++ {
		f.addDeal(nil)
	}

	require.NoError(t, f.mon.Run(context.Background()))

	// Every eligible candidate was scored, posts stay under the cap.
	assert.Len(t, f.fix.ScoreRows, 5)
	assert.Equal(t, 3, f.postedCount())
}

func TestRunSkipsIneligibleListings(t *testing.T) {
	f := newMonitorFixture(t)
	f.fix.Peers = marketPeers(30, 38_000)

	f.addDeal(func(l *model.NormalizedListing) { l.Brand = nil })
	f.addDeal(func(l *model.NormalizedListing) { l.MileageKm = nil })
	f.addDeal(func(l *model.NormalizedListing) { l.MileageKm = intp(400_000) })
	f.addDeal(func(l *model.NormalizedListing) { l.PriceBGN = nil })

	require.NoError(t, f.mon.Run(context.Background()))

	assert.Empty(t, f.fix.ScoreRows)
	assert.Zero(t, f.postedCount())
}

func TestRunIgnoresStaleListings(t *testing.T) {
	f := newMonitorFixture(t)
	f.fix.Peers = marketPeers(30, 38_000)

	// Last seen an hour ago: outside the five minute window.
	l := f.addDeal(nil)
	raw := f.fix.RawRows[l.RawID]
	raw.LastSeenAt = time.Now().UTC().Add(-time.Hour)
	f.fix.RawRows[raw.ID] = raw

	require.NoError(t, f.mon.Run(context.Background()))

	assert.Empty(t, f.fix.ScoreRows)
	assert.Zero(t, f.postedCount())
}

func TestBucket(t *testing.T) {
	assert.Equal(t, 0, bucket(2.9))
	assert.Equal(t, 1, bucket(3))
	assert.Equal(t, 1, bucket(5.9))
	assert.Equal(t, 2, bucket(6))
	assert.Equal(t, 2, bucket(7.4))
	assert.Equal(t, 3, bucket(7.5))
	assert.Equal(t, 3, bucket(9.8))
}
