// Package extract turns captured marketplace documents into a fixed field
// schema. One extractor per source site; parsed payloads submitted by the
// scraper and the raw HTML are merged with richer-wins semantics.
package extract

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avtolov/avtolov/internal/model"
)

// FieldMap is the fixed extraction schema. Pointers distinguish absent from
// zero; anything a source emits outside this schema is dropped.
type FieldMap struct {
	Title       string   `json:"title"`
	Brand       *string  `json:"brand,omitempty"`
	Model       *string  `json:"model,omitempty"`
	Year        *int     `json:"year,omitempty"`
	MileageKm   *int     `json:"mileage_km,omitempty"`
	Fuel        *string  `json:"fuel,omitempty"`
	Gearbox     *string  `json:"gearbox,omitempty"`
	Body        *string  `json:"body,omitempty"`
	Price       *float64 `json:"price,omitempty"`
	Currency    *string  `json:"currency,omitempty"`
	Region      *string  `json:"region,omitempty"`
	Description string   `json:"description"`
	ImageURLs   []string `json:"image_urls,omitempty"`
	Phone       *string  `json:"phone,omitempty"`
	EngineHP    *int     `json:"engine_hp,omitempty"`
	EngineCC    *int     `json:"engine_cc,omitempty"`
}

// Extractor parses one source site's documents.
type Extractor interface {
	Source() string
	FromHTML(html string) (*FieldMap, error)
}

// Validate enforces the schema's range constraints. Out-of-range values are
// cleared, not fatal: a listing with a bogus year still flows through with
// year absent.
func (f *FieldMap) Validate(now time.Time) {
	if f.Year != nil && (*f.Year < 1900 || *f.Year > now.Year()+1) {
		f.Year = nil
	}
	if f.MileageKm != nil && (*f.MileageKm < 0 || *f.MileageKm > 1_000_000) {
		f.MileageKm = nil
	}
	if f.Price != nil && *f.Price <= 0 {
		f.Price = nil
		f.Currency = nil
	}
}

// Richness counts populated fields. Used to pick between a scraper-submitted
// parsed payload and a fresh HTML extraction.
func (f *FieldMap) Richness() int {
	n := 0
	if f.Title != "" {
		n++
	}
	if f.Description != "" {
		n++
	}
	for _, set := range []bool{
		f.Brand != nil, f.Model != nil, f.Year != nil, f.MileageKm != nil,
		f.Fuel != nil, f.Gearbox != nil, f.Body != nil, f.Price != nil,
		f.Currency != nil, f.Region != nil, f.Phone != nil,
		f.EngineHP != nil, f.EngineCC != nil,
	} {
		if set {
			n++
		}
	}
	if len(f.ImageURLs) > 0 {
		n++
	}
	return n
}

// Merge fills gaps in f from other. Field-level union: f keeps what it has,
// other contributes only fields f lacks.
func (f *FieldMap) Merge(other *FieldMap) {
	if other == nil {
		return
	}
	if f.Title == "" {
		f.Title = other.Title
	}
	if f.Description == "" {
		f.Description = other.Description
	}
	if f.Brand == nil {
		f.Brand = other.Brand
	}
	if f.Model == nil {
		f.Model = other.Model
	}
	if f.Year == nil {
		f.Year = other.Year
	}
	if f.MileageKm == nil {
		f.MileageKm = other.MileageKm
	}
	if f.Fuel == nil {
		f.Fuel = other.Fuel
	}
	if f.Gearbox == nil {
		f.Gearbox = other.Gearbox
	}
	if f.Body == nil {
		f.Body = other.Body
	}
	if f.Price == nil {
		f.Price = other.Price
		f.Currency = other.Currency
	}
	if f.Region == nil {
		f.Region = other.Region
	}
	if len(f.ImageURLs) == 0 {
		f.ImageURLs = other.ImageURLs
	}
	if f.Phone == nil {
		f.Phone = other.Phone
	}
	if f.EngineHP == nil {
		f.EngineHP = other.EngineHP
	}
	if f.EngineCC == nil {
		f.EngineCC = other.EngineCC
	}
}

// DecodeParsed decodes a scraper-submitted parsed payload into the schema.
// Unknown keys are silently dropped by the decoder.
func DecodeParsed(data []byte) (*FieldMap, error) {
	var f FieldMap
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &model.ExtractError{Source: "parsed_data", Reason: fmt.Sprintf("invalid payload: %v", err)}
	}
	return &f, nil
}

// Registry maps source names to extractors.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{byID: make(map[string]Extractor)}
	for _, e := range extractors {
		r.Register(e)
	}
	return r
}

func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[e.Source()] = e
}

func (r *Registry) Lookup(source string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[source]
	return e, ok
}

func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for name := range r.byID {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run extracts the field map for one raw listing, combining parsed payload
// and HTML. The richer of the two becomes the base and the other fills gaps;
// on equal richness the HTML extraction wins. A document yielding neither is
// an ExtractError (permanent).
func Run(reg *Registry, source string, parsed []byte, html *string, now time.Time) (*FieldMap, error) {
	var fromParsed, fromHTML *FieldMap

	if len(parsed) > 0 {
		f, err := DecodeParsed(parsed)
		if err == nil {
			fromParsed = f
		}
	}
	if html != nil && *html != "" {
		ex, ok := reg.Lookup(source)
		if !ok {
			return nil, &model.ExtractError{Source: source, Reason: "no extractor registered"}
		}
		f, err := ex.FromHTML(*html)
		if err == nil {
			fromHTML = f
		} else if fromParsed == nil {
			return nil, err
		}
	}

	var out *FieldMap
	switch {
	case fromParsed == nil && fromHTML == nil:
		return nil, &model.ExtractError{Source: source, Reason: "document has neither parsed payload nor parseable html"}
	case fromParsed == nil:
		out = fromHTML
	case fromHTML == nil:
		out = fromParsed
	case fromHTML.Richness() >= fromParsed.Richness():
		out = fromHTML
		out.Merge(fromParsed)
	default:
		out = fromParsed
		out.Merge(fromHTML)
	}

	out.Validate(now)
	if out.Title == "" && out.Brand == nil && out.Price == nil {
		return nil, &model.ExtractError{Source: source, Reason: "no identifying fields extracted"}
	}
	return out, nil
}
