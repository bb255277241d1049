// Package normalize canonicalizes extracted fields: brand/model lookup
// against the mapping table, fuel/gearbox/body synonym folding, range
// validation, currency conversion to BGN and description hashing.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avtolov/avtolov/internal/config"
	"github.com/avtolov/avtolov/internal/extract"
	"github.com/avtolov/avtolov/internal/model"
	"github.com/avtolov/avtolov/internal/store"
)

var fuelSynonyms = map[string]string{
	"дизел": "diesel", "diesel": "diesel",
	"бензин": "petrol", "petrol": "petrol", "gasoline": "petrol",
	"газ": "lpg", "lpg": "lpg", "gas": "lpg",
	"cng":     "cng",
	"електро": "electric", "electric": "electric",
	"хибрид": "hybrid", "hybrid": "hybrid",
}

var gearboxSynonyms = map[string]string{
	"автоматична": "automatic", "automatic": "automatic", "auto": "automatic",
	"ръчна": "manual", "manual": "manual",
	"полуавтоматична": "semi-automatic", "semi-automatic": "semi-automatic",
}

var bodySynonyms = map[string]string{
	"седан": "sedan", "sedan": "sedan",
	"хечбек": "hatchback", "hatchback": "hatchback",
	"комби": "wagon", "wagon": "wagon", "estate": "wagon",
	"джип": "suv", "suv": "suv",
	"кабрио": "convertible", "convertible": "convertible",
	"купе": "coupe", "coupe": "coupe",
	"ван": "van", "van": "van",
	"пикап": "pickup", "pickup": "pickup",
}

var nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}\s-]`)

// CleanText lowercases, collapses whitespace and strips punctuation. The
// shared text key used for mapping lookups and similarity.
func CleanText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonWordRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// DescriptionHash is the stable identity of a listing's text content.
func DescriptionHash(description string) string {
	canon := strings.Join(strings.Fields(strings.ToLower(description)), " ")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// HashPhone hashes a raw phone number before it touches storage.
func HashPhone(phone string) string {
	canon := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '+' {
			return r
		}
		return -1
	}, phone)
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

// BrandModelIndex is the in-process canonical brand/model lookup, loaded at
// worker startup and refreshed by the scheduler. Lookup order: exact pair,
// alias, then token-Jaccard fuzzy within the matched brand.
type BrandModelIndex struct {
	mu      sync.RWMutex
	exact   map[string][2]string // "brand model" -> canonical pair
	byBrand map[string][]indexedModel
}

type indexedModel struct {
	modelKey  string
	canonical [2]string
}

func NewBrandModelIndex() *BrandModelIndex {
	return &BrandModelIndex{
		exact:   make(map[string][2]string),
		byBrand: make(map[string][]indexedModel),
	}
}

// Reload replaces the index contents from the mapping table.
func (ix *BrandModelIndex) Reload(ctx context.Context, repo store.BrandModelRepo) error {
	mappings, err := repo.ListActive(ctx)
	if err != nil {
		return err
	}
	exact := make(map[string][2]string, len(mappings)*2)
	byBrand := make(map[string][]indexedModel)
	for _, m := range mappings {
		brandKey := CleanText(m.Brand)
		canonical := [2]string{m.NormalizedBrand, m.NormalizedModel}

		modelKey := CleanText(m.Model)
		exact[brandKey+" "+modelKey] = canonical
		byBrand[brandKey] = append(byBrand[brandKey], indexedModel{modelKey: modelKey, canonical: canonical})

		// Canonical brand spelling doubles as its own lookup key.
		exact[m.NormalizedBrand+" "+modelKey] = canonical

		for _, alias := range m.Aliases {
			aliasKey := CleanText(alias)
			exact[brandKey+" "+aliasKey] = canonical
			byBrand[brandKey] = append(byBrand[brandKey], indexedModel{modelKey: aliasKey, canonical: canonical})
		}
	}

	ix.mu.Lock()
	ix.exact = exact
	ix.byBrand = byBrand
	ix.mu.Unlock()

	log.Info().Int("mappings", len(mappings)).Msg("brand model index reloaded")
	return nil
}

// Lookup resolves a raw brand/model pair to its canonical form. Returns
// false when nothing matches; callers keep the listing with brand unset.
func (ix *BrandModelIndex) Lookup(brand, mdl string) (string, string, bool) {
	if brand == "" || mdl == "" {
		return "", "", false
	}
	brandKey := CleanText(brand)
	modelKey := CleanText(mdl)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if hit, ok := ix.exact[brandKey+" "+modelKey]; ok {
		return hit[0], hit[1], true
	}
	for _, cand := range ix.byBrand[brandKey] {
		if jaccard(modelKey, cand.modelKey) >= 0.8 {
			return cand.canonical[0], cand.canonical[1], true
		}
	}
	return "", "", false
}

func jaccard(a, b string) float64 {
	as := strings.Fields(a)
	bs := strings.Fields(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0
	}
	set := make(map[string]bool, len(as))
	for _, t := range as {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(bs))
	for _, t := range bs {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// Normalizer folds an extracted FieldMap into a NormalizedListing.
type Normalizer struct {
	index *BrandModelIndex
	fx    config.FXConfig
}

func NewNormalizer(index *BrandModelIndex, fx config.FXConfig) *Normalizer {
	return &Normalizer{index: index, fx: fx}
}

// ToBGN converts an amount to the canonical currency. Unknown currencies
// pass through at parity, matching observed marketplace data where the
// currency tag is missing but the amount already is BGN.
func (n *Normalizer) ToBGN(amount float64, currency string) float64 {
	rate, ok := n.fx.Rates[strings.ToUpper(currency)]
	if !ok {
		rate = 1.0
	}
	return round2(amount * rate)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// Apply builds the normalized listing for a raw document from its extracted
// fields. Fields that fail validation come out nil rather than failing the
// listing.
func (n *Normalizer) Apply(f *extract.FieldMap, raw model.RawListing, now time.Time) model.NormalizedListing {
	out := model.NormalizedListing{
		RawID:           raw.ID,
		Title:           f.Title,
		Description:     f.Description,
		DescriptionHash: DescriptionHash(f.Description),
		ImageCount:      len(f.ImageURLs),
	}

	if f.Brand != nil && f.Model != nil {
		if brand, mdl, ok := n.index.Lookup(*f.Brand, *f.Model); ok {
			out.Brand = &brand
			out.Model = &mdl
		} else {
			log.Debug().Str("brand", *f.Brand).Str("model", *f.Model).Msg("brand model unmapped")
		}
	}

	if f.Year != nil && *f.Year >= 1900 && *f.Year <= now.Year()+1 {
		out.Year = f.Year
	}
	if f.MileageKm != nil && *f.MileageKm >= 0 && *f.MileageKm <= 1_000_000 {
		out.MileageKm = f.MileageKm
	}
	if f.Fuel != nil {
		if fuel, ok := fuelSynonyms[strings.ToLower(strings.TrimSpace(*f.Fuel))]; ok {
			out.Fuel = &fuel
		}
	}
	if f.Gearbox != nil {
		if gb, ok := gearboxSynonyms[strings.ToLower(strings.TrimSpace(*f.Gearbox))]; ok {
			out.Gearbox = &gb
		}
	}
	if f.Body != nil {
		if body, ok := bodySynonyms[strings.ToLower(strings.TrimSpace(*f.Body))]; ok {
			out.Body = &body
		}
	}
	if f.Price != nil && *f.Price > 0 {
		currency := "BGN"
		if f.Currency != nil {
			currency = strings.ToUpper(*f.Currency)
		}
		bgn := n.ToBGN(*f.Price, currency)
		out.PriceBGN = &bgn
		out.Currency = &currency
	}
	if f.Region != nil && *f.Region != "" {
		out.Region = f.Region
	}
	return out
}

// SeedBrandModels installs the common Bulgarian-market mappings. Idempotent.
func SeedBrandModels(ctx context.Context, repo store.BrandModelRepo) error {
	seed := []model.BrandModelMapping{
		{Brand: "BMW", Model: "X5", NormalizedBrand: "bmw", NormalizedModel: "x5", Aliases: []string{"x 5", "х5"}},
		{Brand: "BMW", Model: "320", NormalizedBrand: "bmw", NormalizedModel: "320", Aliases: []string{"3 series", "3-series"}},
		{Brand: "BMW", Model: "520", NormalizedBrand: "bmw", NormalizedModel: "520", Aliases: []string{"5 series", "5-series"}},
		{Brand: "Mercedes", Model: "C-Class", NormalizedBrand: "mercedes-benz", NormalizedModel: "c-class", Aliases: []string{"c class", "c-klasse"}},
		{Brand: "Mercedes", Model: "E-Class", NormalizedBrand: "mercedes-benz", NormalizedModel: "e-class", Aliases: []string{"e class", "e-klasse"}},
		{Brand: "Mercedes", Model: "S-Class", NormalizedBrand: "mercedes-benz", NormalizedModel: "s-class", Aliases: []string{"s class", "s-klasse"}},
		{Brand: "Audi", Model: "A4", NormalizedBrand: "audi", NormalizedModel: "a4", Aliases: []string{"а4"}},
		{Brand: "Audi", Model: "A6", NormalizedBrand: "audi", NormalizedModel: "a6", Aliases: []string{"а6"}},
		{Brand: "Audi", Model: "Q5", NormalizedBrand: "audi", NormalizedModel: "q5", Aliases: []string{"q 5"}},
		{Brand: "VW", Model: "Golf", NormalizedBrand: "volkswagen", NormalizedModel: "golf", Aliases: []string{"голф"}},
		{Brand: "VW", Model: "Passat", NormalizedBrand: "volkswagen", NormalizedModel: "passat", Aliases: []string{"пасат"}},
		{Brand: "VW", Model: "Tiguan", NormalizedBrand: "volkswagen", NormalizedModel: "tiguan", Aliases: []string{"тигуан"}},
		{Brand: "Ford", Model: "Focus", NormalizedBrand: "ford", NormalizedModel: "focus", Aliases: []string{"фокус"}},
		{Brand: "Ford", Model: "Fiesta", NormalizedBrand: "ford", NormalizedModel: "fiesta", Aliases: []string{"фиеста"}},
		{Brand: "Toyota", Model: "Corolla", NormalizedBrand: "toyota", NormalizedModel: "corolla", Aliases: []string{"корола"}},
		{Brand: "Toyota", Model: "Yaris", NormalizedBrand: "toyota", NormalizedModel: "yaris", Aliases: []string{"ярис"}},
		{Brand: "Toyota", Model: "RAV4", NormalizedBrand: "toyota", NormalizedModel: "rav4", Aliases: []string{"rav 4"}},
	}
	for _, m := range seed {
		m.Locale = "bg"
		m.Active = true
		if err := repo.Upsert(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
