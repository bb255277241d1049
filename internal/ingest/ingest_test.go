package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/pipeline"
	"github.com/avtolov/avtolov/internal/store/storetest"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

type ingestFixture struct {
	fix    *storetest.Fixture
	broker *pipeline.MemBroker
	ing    *Ingestor
	src    model.Source
}

func newIngestFixture() *ingestFixture {
	fix := storetest.NewFixture()
	broker := pipeline.NewMemBroker()
	return &ingestFixture{
		fix:    fix,
		broker: broker,
		ing:    NewIngestor(fix.Store(), broker, config.Default().FX, nil),
		src:    fix.AddSource("mobile.bg"),
	}
}

func submission(adID string) Submission {
	return Submission{
		SourceName:  "mobile.bg",
		SiteAdID:    adID,
		URL:         "https://mobile.bg/obiava/" + adID,
		FirstSeenAt: testNow,
	}
}

func (f *ingestFixture) depth(t *testing.T, stage string) int64 {
	t.Helper()
	n, err := f.broker.Depth(context.Background(), stage)
	require.NoError(t, err)
	return n
}

func TestSubmitCreatesRawAndEnqueuesExtract(t *testing.T) {
	f := newIngestFixture()

	rawID, err := f.ing.Submit(context.Background(), submission("111"))

	require.NoError(t, err)
	raw := f.fix.RawRows[rawID]
	assert.Equal(t, "111", raw.SiteAdID)
	assert.Equal(t, f.src.ID, raw.SourceID)
	assert.True(t, raw.IsActive)
	assert.Equal(t, int64(1), f.depth(t, pipeline.StageExtract))
}

func TestSubmitIsIdempotentOnRepeatObservation(t *testing.T) {
	f := newIngestFixture()

	first, err := f.ing.Submit(context.Background(), submission("111"))
	require.NoError(t, err)

	repeat := submission("111")
	repeat.FirstSeenAt = testNow.Add(10 * time.Minute)
	second, err := f.ing.Submit(context.Background(), repeat)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.fix.RawRows, 1)
	assert.Equal(t, testNow.Add(10*time.Minute), f.fix.RawRows[first].LastSeenAt)

	// Nothing changed, so no re-extract job.
	assert.Equal(t, int64(1), f.depth(t, pipeline.StageExtract))
}

func TestSubmitRequeuesExtractOnNewContent(t *testing.T) {
	f := newIngestFixture()

	rawID, err := f.ing.Submit(context.Background(), submission("111"))
	require.NoError(t, err)

	update := submission("111")
	update.ParsedMap = json.RawMessage(`{"title":"VW Golf","price":19000}`)
	_, err = f.ing.Submit(context.Background(), update)
	require.NoError(t, err)

	assert.JSONEq(t, string(update.ParsedMap), string(f.fix.RawRows[rawID].ParsedData))
	assert.Equal(t, int64(2), f.depth(t, pipeline.StageExtract))
}

func TestSubmitKeepsRicherHTML(t *testing.T) {
	f := newIngestFixture()

	big := "<html>" + strings.Repeat("car details ", 200) + "</html>"
	sub := submission("111")
	sub.RawHTML = &big
	rawID, err := f.ing.Submit(context.Background(), sub)
	require.NoError(t, err)

	small := "<html>tiny</html>"
	update := submission("111")
	update.RawHTML = &small
	_, err = f.ing.Submit(context.Background(), update)
	require.NoError(t, err)

	assert.Equal(t, big, *f.fix.RawRows[rawID].RawHTML)
}

func TestSubmitRecordsPriceChange(t *testing.T) {
	f := newIngestFixture()

	rawID, err := f.ing.Submit(context.Background(), submission("111"))
	require.NoError(t, err)

	price := 19_000.0
	f.fix.AddListing(model.NormalizedListing{RawID: rawID, PriceBGN: &price})

	update := submission("111")
	update.ParsedMap = json.RawMessage(`{"price":17500,"currency":"BGN"}`)
	_, err = f.ing.Submit(context.Background(), update)
	require.NoError(t, err)

	require.Len(t, f.fix.PriceRows, 1)
	assert.Equal(t, 17_500.0, f.fix.PriceRows[0].PriceBGN)
}

func TestSubmitConvertsScrapedCurrency(t *testing.T) {
	f := newIngestFixture()

	rawID, err := f.ing.Submit(context.Background(), submission("111"))
	require.NoError(t, err)

	price := 19_000.0
	listing := f.fix.AddListing(model.NormalizedListing{RawID: rawID, PriceBGN: &price})

	update := submission("111")
	update.ParsedMap = json.RawMessage(`{"price":9000,"currency":"EUR"}`)
	_, err = f.ing.Submit(context.Background(), update)
	require.NoError(t, err)

	require.Len(t, f.fix.PriceRows, 1)
	assert.Equal(t, listing.ID, f.fix.PriceRows[0].ListingID)
	assert.InDelta(t, 9000*1.95583, f.fix.PriceRows[0].PriceBGN, 0.01)
}

func TestSubmitSamePriceNoHistoryRow(t *testing.T) {
	f := newIngestFixture()

	rawID, err := f.ing.Submit(context.Background(), submission("111"))
	require.NoError(t, err)

	price := 19_000.0
	f.fix.AddListing(model.NormalizedListing{RawID: rawID, PriceBGN: &price})

	update := submission("111")
	update.ParsedMap = json.RawMessage(`{"price":19000,"currency":"BGN"}`)
	_, err = f.ing.Submit(context.Background(), update)
	require.NoError(t, err)

	assert.Empty(t, f.fix.PriceRows)
}

func TestSubmitValidatesIdentity(t *testing.T) {
	f := newIngestFixture()

	_, err := f.ing.Submit(context.Background(), Submission{SourceName: "mobile.bg"})
	var ie *model.InvariantError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "raw_identity", ie.Invariant)
}

func TestSubmitUnknownSource(t *testing.T) {
	f := newIngestFixture()

	sub := submission("111")
	sub.SourceName = "unknown.bg"
	_, err := f.ing.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
