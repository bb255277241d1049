package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store/storetest"
)

var detNow = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

func strp(s string) *string     { return &s }
func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }

type detectorFixture struct {
	fix *storetest.Fixture
	det *Detector
	src model.Source
}

func newDetectorFixture() *detectorFixture {
	fix := storetest.NewFixture()
	return &detectorFixture{
		fix: fix,
		det: NewDetector(fix.Store(), config.Default().Dedupe),
		src: fix.AddSource("mobile.bg"),
	}
}

// addListing creates a raw row plus a normalized golf listing created at
// the given age.
func (f *detectorFixture) addListing(age time.Duration, edit func(*model.NormalizedListing)) model.NormalizedListing {
	raw := f.fix.AddRaw(f.src, uuid.NewString(), detNow.Add(-age))
	l := model.NormalizedListing{
		RawID:     raw.ID,
		Brand:     strp("volkswagen"),
		Model:     strp("golf"),
		Year:      intp(2018),
		PriceBGN:  floatp(19_000),
		Title:     "VW Golf 7 2.0 TDI",
		CreatedAt: detNow.Add(-age),
	}
	if edit != nil {
		edit(&l)
	}
	return f.fix.AddListing(l)
}

func (f *detectorFixture) addSignature(l model.NormalizedListing, edit func(*model.DedupeSignature)) model.DedupeSignature {
	sig := NewSignatureBuilder(nil, nil).Build(context.Background(), l, "")
	if edit != nil {
		edit(&sig)
	}
	f.fix.SignatureRows[l.ID] = sig
	return sig
}

func TestDetectSellerPhoneTier(t *testing.T) {
	f := newDetectorFixture()
	sellerID := uuid.New()

	older := f.addListing(48*time.Hour, func(l *model.NormalizedListing) { l.SellerID = &sellerID })
	newer := f.addListing(1*time.Hour, func(l *model.NormalizedListing) { l.SellerID = &sellerID })
	sig := f.addSignature(newer, nil)

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	require.True(t, v.IsDuplicate)
	assert.Equal(t, older.ID, v.CanonicalOf)
	assert.Equal(t, model.DedupeBySeller, v.Method)
	assert.Equal(t, 0.95, v.Confidence)
}

func TestDetectSellerTierRespectsPriceTolerance(t *testing.T) {
	f := newDetectorFixture()
	sellerID := uuid.New()

	f.addListing(48*time.Hour, func(l *model.NormalizedListing) {
		l.SellerID = &sellerID
		l.PriceBGN = floatp(30_000)
	})
	newer := f.addListing(1*time.Hour, func(l *model.NormalizedListing) {
		l.SellerID = &sellerID
		l.PriceBGN = floatp(19_000)
		l.Title = "Друго заглавие на обявата"
	})
	sig := f.addSignature(newer, nil)

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
}

func TestDetectImageHashTier(t *testing.T) {
	f := newDetectorFixture()
	phash := uint64(0xABCDEF0123456789)

	older := f.addListing(48*time.Hour, func(l *model.NormalizedListing) { l.Title = "Продава се Golf" })
	f.addSignature(older, func(s *model.DedupeSignature) { s.FirstImagePHash = &phash })

	newer := f.addListing(1*time.Hour, func(l *model.NormalizedListing) { l.Title = "VW Golf промоция" })
	nearHash := phash ^ 0b101 // 2 bits apart
	sig := f.addSignature(newer, func(s *model.DedupeSignature) { s.FirstImagePHash = &nearHash })

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	require.True(t, v.IsDuplicate)
	assert.Equal(t, older.ID, v.CanonicalOf)
	assert.Equal(t, model.DedupeByImage, v.Method)
	assert.Equal(t, 0.90, v.Confidence)
}

func TestDetectImageHashTierRejectsDistantHash(t *testing.T) {
	f := newDetectorFixture()
	phash := uint64(0xABCDEF0123456789)

	older := f.addListing(48*time.Hour, func(l *model.NormalizedListing) { l.Title = "Продава се Golf" })
	f.addSignature(older, func(s *model.DedupeSignature) { s.FirstImagePHash = &phash })

	newer := f.addListing(1*time.Hour, func(l *model.NormalizedListing) { l.Title = "Напълно различно име" })
	farHash := ^phash
	sig := f.addSignature(newer, func(s *model.DedupeSignature) { s.FirstImagePHash = &farHash })

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
}

func TestDetectTitleTrigramTier(t *testing.T) {
	f := newDetectorFixture()

	older := f.addListing(48*time.Hour, nil)
	f.addSignature(older, nil)

	newer := f.addListing(1 * time.Hour, nil) // identical title
	sig := f.addSignature(newer, nil)

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	require.True(t, v.IsDuplicate)
	assert.Equal(t, older.ID, v.CanonicalOf)
	assert.Equal(t, model.DedupeByTitle, v.Method)
	assert.Equal(t, 0.75, v.Confidence)
}

func TestDetectTitleTierRequiresSameYear(t *testing.T) {
	f := newDetectorFixture()

	older := f.addListing(48*time.Hour, func(l *model.NormalizedListing) { l.Year = intp(2016) })
	f.addSignature(older, nil)

	newer := f.addListing(1*time.Hour, func(l *model.NormalizedListing) { l.Year = intp(2018) })
	sig := f.addSignature(newer, nil)

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
}

func TestDetectEmbeddingTier(t *testing.T) {
	f := newDetectorFixture()

	older := f.addListing(48*time.Hour, func(l *model.NormalizedListing) {
		l.Title = "Продавам колата си"
		l.Year = nil
	})
	f.addSignature(older, func(s *model.DedupeSignature) { s.Embedding = []float64{1, 0.1, 0.2} })

	newer := f.addListing(1*time.Hour, func(l *model.NormalizedListing) {
		l.Title = "Страхотна оферта тук"
		l.Year = intp(2018)
	})
	sig := f.addSignature(newer, func(s *model.DedupeSignature) { s.Embedding = []float64{0.95, 0.12, 0.21} })

	v, err := f.det.Detect(context.Background(), newer, sig, f.src.ID)

	require.NoError(t, err)
	require.True(t, v.IsDuplicate)
	assert.Equal(t, model.DedupeByEmbedding, v.Method)
	assert.Equal(t, 0.80, v.Confidence)
}

func TestDetectSkipsUnidentifiedListing(t *testing.T) {
	f := newDetectorFixture()
	l := f.addListing(1*time.Hour, func(l *model.NormalizedListing) { l.Brand = nil })

	v, err := f.det.Detect(context.Background(), l, model.DedupeSignature{}, f.src.ID)

	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
}

func TestDetectNeverPointsAtYoungerListing(t *testing.T) {
	f := newDetectorFixture()

	younger := f.addListing(1*time.Hour, nil)
	f.addSignature(younger, nil)

	older := f.addListing(48*time.Hour, nil)
	sig := f.addSignature(older, nil)

	v, err := f.det.Detect(context.Background(), older, sig, f.src.ID)

	require.NoError(t, err)
	assert.False(t, v.IsDuplicate)
}

func TestApplyMarksDuplicateAndLogs(t *testing.T) {
	f := newDetectorFixture()
	canonical := f.addListing(48*time.Hour, nil)
	dup := f.addListing(1*time.Hour, nil)

	err := f.det.Apply(context.Background(), dup.ID, Verdict{
		IsDuplicate: true, CanonicalOf: canonical.ID,
		Method: model.DedupeByTitle, Confidence: 0.75,
	})

	require.NoError(t, err)
	got := f.fix.ListingRows[dup.ID]
	assert.True(t, got.IsDuplicate)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, canonical.ID, *got.DuplicateOf)

	require.Len(t, f.fix.DupLogRows, 1)
	assert.Equal(t, model.DedupeByTitle, f.fix.DupLogRows[0].Method)
}

func TestApplyFollowsCanonicalChainToRoot(t *testing.T) {
	f := newDetectorFixture()
	root := f.addListing(72*time.Hour, nil)
	mid := f.addListing(48*time.Hour, func(l *model.NormalizedListing) {
		l.IsDuplicate = true
		l.DuplicateOf = &root.ID
	})
	dup := f.addListing(1*time.Hour, nil)

	err := f.det.Apply(context.Background(), dup.ID, Verdict{
		IsDuplicate: true, CanonicalOf: mid.ID,
		Method: model.DedupeByImage, Confidence: 0.90,
	})

	require.NoError(t, err)
	got := f.fix.ListingRows[dup.ID]
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, root.ID, *got.DuplicateOf)
}

func TestSameVehicle(t *testing.T) {
	base := model.NormalizedListing{Brand: strp("audi"), Model: strp("a6"), Year: intp(2019)}

	same := base
	assert.True(t, sameVehicle(base, same))

	noYear := base
	noYear.Year = nil
	assert.True(t, sameVehicle(base, noYear))

	otherYear := base
	otherYear.Year = intp(2020)
	assert.False(t, sameVehicle(base, otherYear))

	otherModel := base
	otherModel.Model = strp("a4")
	assert.False(t, sameVehicle(base, otherModel))
}

func TestPriceWithinPct(t *testing.T) {
	assert.True(t, priceWithinPct(floatp(100), floatp(95), 10))
	assert.False(t, priceWithinPct(floatp(100), floatp(80), 10))
	assert.True(t, priceWithinPct(nil, floatp(80), 10))
}
