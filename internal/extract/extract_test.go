package extract

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtolov/avtolov/internal/model"
)

var testNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func strp(s string) *string     { return &s }
func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }

func TestValidateClearsOutOfRangeValues(t *testing.T) {
	f := &FieldMap{
		Year:      intp(1850),
		MileageKm: intp(2_000_000),
		Price:     floatp(-1),
		Currency:  strp("BGN"),
	}
	f.Validate(testNow)

	assert.Nil(t, f.Year)
	assert.Nil(t, f.MileageKm)
	assert.Nil(t, f.Price)
	assert.Nil(t, f.Currency)
}

func TestRichnessCountsPopulatedFields(t *testing.T) {
	assert.Zero(t, (&FieldMap{}).Richness())

	f := &FieldMap{
		Title:     "VW Golf",
		Brand:     strp("VW"),
		Price:     floatp(19_000),
		ImageURLs: []string{"a.jpg"},
	}
	assert.Equal(t, 4, f.Richness())
}

func TestMergeFillsGapsOnly(t *testing.T) {
	base := &FieldMap{
		Title: "VW Golf",
		Price: floatp(19_000),
	}
	other := &FieldMap{
		Title:     "other title",
		Price:     floatp(1),
		Currency:  strp("EUR"),
		Year:      intp(2018),
		ImageURLs: []string{"a.jpg"},
	}
	base.Merge(other)

	assert.Equal(t, "VW Golf", base.Title)
	assert.Equal(t, 19_000.0, *base.Price)
	// Currency travels with price: base already had a price, so the
	// other document's currency does not apply.
	assert.Nil(t, base.Currency)
	assert.Equal(t, 2018, *base.Year)
	assert.Equal(t, []string{"a.jpg"}, base.ImageURLs)
}

func TestDecodeParsed(t *testing.T) {
	f, err := DecodeParsed([]byte(`{"title":"VW Golf","price":19000,"ignored_key":true}`))
	require.NoError(t, err)
	assert.Equal(t, "VW Golf", f.Title)
	assert.Equal(t, 19_000.0, *f.Price)

	_, err = DecodeParsed([]byte(`{not json`))
	var xe *model.ExtractError
	assert.ErrorAs(t, err, &xe)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(MobileBG{}, CarsBG{})

	_, ok := reg.Lookup("mobile.bg")
	assert.True(t, ok)
	_, ok = reg.Lookup("unknown.bg")
	assert.False(t, ok)
	assert.Equal(t, []string{"cars.bg", "mobile.bg"}, reg.Sources())
}

func TestRunPrefersRicherSource(t *testing.T) {
	reg := NewRegistry(MobileBG{})
	parsed := []byte(`{"title":"VW Golf 7","price":19000,"year":2018,"mileage_km":150000}`)
	html := `<html><h1>VW Golf</h1></html>`

	f, err := Run(reg, "mobile.bg", parsed, &html, testNow)

	require.NoError(t, err)
	// The parsed payload is richer; HTML only fills gaps.
	assert.Equal(t, "VW Golf 7", f.Title)
	assert.Equal(t, 19_000.0, *f.Price)
	assert.Equal(t, 2018, *f.Year)
}

func TestRunHTMLWinsOnEqualRichness(t *testing.T) {
	reg := NewRegistry(MobileBG{})
	// Both sources populate exactly title, price and currency.
	parsed := []byte(`{"title":"VW Golf","price":10000,"currency":"BGN"}`)
	html := `<html><h1>VW Golf</h1><div class="price">9 000 лв.</div></html>`

	f, err := Run(reg, "mobile.bg", parsed, &html, testNow)

	require.NoError(t, err)
	assert.Equal(t, 9_000.0, *f.Price)
}

func TestRunHTMLOnly(t *testing.T) {
	reg := NewRegistry(MobileBG{})
	html := `<html><h1>VW Golf 7</h1><div class="price">19 000 лв.</div></html>`

	f, err := Run(reg, "mobile.bg", nil, &html, testNow)

	require.NoError(t, err)
	assert.Equal(t, "VW Golf 7", f.Title)
	assert.Equal(t, 19_000.0, *f.Price)
	assert.Equal(t, "BGN", *f.Currency)
}

func TestRunErrors(t *testing.T) {
	reg := NewRegistry(MobileBG{})

	t.Run("nothing to extract", func(t *testing.T) {
		_, err := Run(reg, "mobile.bg", nil, nil, testNow)
		var xe *model.ExtractError
		require.ErrorAs(t, err, &xe)
	})

	t.Run("unknown source with html", func(t *testing.T) {
		html := "<html></html>"
		_, err := Run(reg, "unknown.bg", nil, &html, testNow)
		var xe *model.ExtractError
		require.ErrorAs(t, err, &xe)
		assert.Equal(t, "no extractor registered", xe.Reason)
	})

	t.Run("no identifying fields", func(t *testing.T) {
		html := `<html><div class="description">само текст</div></html>`
		_, err := Run(reg, "mobile.bg", nil, &html, testNow)
		var xe *model.ExtractError
		require.ErrorAs(t, err, &xe)
		assert.Equal(t, "no identifying fields extracted", xe.Reason)
	})
}

func TestRunExtractErrorIsPermanent(t *testing.T) {
	reg := NewRegistry(MobileBG{})
	_, err := Run(reg, "mobile.bg", nil, nil, testNow)
	assert.False(t, model.IsRetryable(err))
	var xe *model.ExtractError
	assert.True(t, errors.As(err, &xe))
}
